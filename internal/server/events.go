package server

import (
	"context"
	"sync"
	"time"
)

// Event topics consumed by gateway subscribers.
const (
	TopicTickets      = "tickets"
	TopicGamification = "gamification"
	TopicModeration   = "moderation"
)

// Event types published by the command layer.
const (
	EventTicketOpened      = "ticket.opened"
	EventTicketAccepted    = "ticket.accepted"
	EventTicketClosing     = "ticket.closing"
	EventTicketDeleted     = "ticket.deleted"
	EventLevelUp           = "level.up"
	EventMemberWarned      = "member.warned"
	EventWarningEscalation = "warning.escalated"
)

// Event is a domain notification broadcast to gateway subscribers.
type Event struct {
	Topic     string         `json:"topic"`
	Type      string         `json:"type"`
	MemberID  string         `json:"member_id,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventDispatcher fans domain events out to per-topic subscribers. Slow
// subscribers drop events rather than block publishers.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

// NewEventDispatcher constructs an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for the given topics until the context is cancelled.
func (d *EventDispatcher) Subscribe(ctx context.Context, topics []string) (<-chan Event, func()) {
	if len(topics) == 0 {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	for _, topic := range topics {
		d.registerSubscriber(topic, subscriber)
	}
	cleanup := func() {
		for _, topic := range topics {
			d.unregisterSubscriber(topic, subscriber.id)
		}
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish broadcasts the event to every subscriber of its topic.
func (d *EventDispatcher) Publish(event Event) {
	if event.Topic == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(topic string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[topic][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
