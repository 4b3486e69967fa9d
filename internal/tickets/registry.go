package tickets

import (
	"sync"

	"github.com/guildhall-labs/guildhall/backend/internal/platform"
)

// Registry is the in-memory index of live tickets, keyed both by requester
// and by channel. Both indices are mutated only inside its methods, under
// one mutex, so they can never disagree.
//
// Opening a ticket is split into Reserve / Commit / Release because channel
// creation suspends: Reserve performs the "already open" check and the
// provisional reservation as a single non-suspending step, which closes the
// race between two concurrent open attempts by the same requester.
type Registry struct {
	mu           sync.Mutex
	byChannel    map[platform.ChannelHandle]*Ticket
	byRequester  map[string]platform.ChannelHandle
	reservations map[string]struct{}
}

// NewRegistry constructs an empty ticket registry.
func NewRegistry() *Registry {
	return &Registry{
		byChannel:    make(map[platform.ChannelHandle]*Ticket),
		byRequester:  make(map[string]platform.ChannelHandle),
		reservations: make(map[string]struct{}),
	}
}

// Reserve records the requester's intent to open a ticket. It is rejected
// with AlreadyOpen only when the requester's indexed ticket resolves to a
// channel in live; a stale entry whose channel no longer exists self-heals
// here instead of locking the requester out permanently.
func (r *Registry) Reserve(requesterID string, live map[platform.ChannelHandle]struct{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, pending := r.reservations[requesterID]; pending {
		return reject(RejectionAlreadyOpen, "a ticket is already being opened for you")
	}
	if channel, ok := r.byRequester[requesterID]; ok {
		if _, exists := live[channel]; exists {
			return reject(RejectionAlreadyOpen, "you already have an open ticket, close it first")
		}
		// Stale entry: the channel was removed out of band.
		delete(r.byChannel, channel)
		delete(r.byRequester, requesterID)
	}

	r.reservations[requesterID] = struct{}{}
	return nil
}

// Commit converts the requester's reservation into an indexed ticket.
func (r *Registry) Commit(ticket Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reservations, ticket.RequesterID)
	stored := ticket
	r.byChannel[stored.Channel] = &stored
	r.byRequester[stored.RequesterID] = stored.Channel
}

// Release abandons the requester's reservation after a failed open.
func (r *Registry) Release(requesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reservations, requesterID)
}

// Accept assigns staff to an Open ticket. A second acceptance attempt is
// rejected, not overwritten.
func (r *Registry) Accept(channel platform.ChannelHandle, staffID string) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticket, ok := r.byChannel[channel]
	if !ok {
		return Ticket{}, reject(RejectionUnknownTicket, "no ticket is registered for this channel")
	}
	if ticket.State != StateOpen {
		return Ticket{}, reject(RejectionAlreadyAccepted, "ticket already accepted by %s", ticket.AcceptedBy)
	}

	ticket.AcceptedBy = staffID
	ticket.State = StateInProgress
	return *ticket, nil
}

// LookupByChannel returns the ticket registered for the channel, if any.
func (r *Registry) LookupByChannel(channel platform.ChannelHandle) (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ticket, ok := r.byChannel[channel]
	if !ok {
		return Ticket{}, false
	}
	return *ticket, true
}

// Remove drops the ticket from both indices. Removing an absent ticket is a
// no-op; the removed ticket is returned when one existed.
func (r *Registry) Remove(channel platform.ChannelHandle) (Ticket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticket, ok := r.byChannel[channel]
	if !ok {
		return Ticket{}, false
	}
	delete(r.byChannel, channel)
	delete(r.byRequester, ticket.RequesterID)
	return *ticket, true
}

// Len returns the number of indexed tickets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byChannel)
}

// Snapshot returns copies of all indexed tickets.
func (r *Registry) Snapshot() []Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make([]Ticket, 0, len(r.byChannel))
	for _, ticket := range r.byChannel {
		snapshot = append(snapshot, *ticket)
	}
	return snapshot
}
