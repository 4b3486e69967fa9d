package tickets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/guildhall-labs/guildhall/backend/internal/platform"
	"go.uber.org/zap"
)

// DefaultCloseGraceDelay is the wait between confirmed closure and channel
// removal.
const DefaultCloseGraceDelay = 5 * time.Second

const intakePromptFormat = "Your %s ticket is open. Describe the issue clearly and a staff member will respond shortly."

var (
	errMissingChannels  = errors.New("tickets: channel manager is required")
	errMissingNotifier  = errors.New("tickets: notifier is required")
	errMissingDirectory = errors.New("tickets: member directory is required")
)

const (
	opOpen       = "tickets.open"
	opDelete     = "tickets.delete"
	opCloseTimer = "tickets.close_timer"
	opAddMember  = "tickets.add_participant"
	opTranscript = "tickets.transcript"
)

// ServiceConfig describes the dependencies of the ticket lifecycle engine.
type ServiceConfig struct {
	Registry  *Registry
	Channels  platform.ChannelManager
	Notifier  platform.Notifier
	Directory platform.Directory
	Clock     func() time.Time
	Logger    *zap.Logger

	// SupportCategory is the parent category new ticket channels are created
	// under.
	SupportCategory string
	// StaffRoles are granted visibility into every ticket channel alongside
	// the requester.
	StaffRoles []string
	// ElevatedRoles may delete tickets immediately, bypassing the close
	// confirmation and grace delay.
	ElevatedRoles   []string
	CloseGraceDelay time.Duration
}

// Service drives a ticket from creation through optional staff acceptance to
// closure or deletion. Registry mutations happen inside the registry; the
// service's own mutex guards only the pending-close requests and the grace
// timers.
type Service struct {
	registry  *Registry
	channels  platform.ChannelManager
	notifier  platform.Notifier
	directory platform.Directory
	clock     func() time.Time
	logger    *zap.Logger

	supportCategory string
	staffRoles      []string
	elevatedRoles   map[string]struct{}
	graceDelay      time.Duration

	mu           sync.Mutex
	pendingClose map[platform.ChannelHandle]string
	graceTimers  map[platform.ChannelHandle]*time.Timer
}

// NewService constructs the ticket lifecycle engine.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Channels == nil {
		return nil, errMissingChannels
	}
	if cfg.Notifier == nil {
		return nil, errMissingNotifier
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	graceDelay := cfg.CloseGraceDelay
	if graceDelay <= 0 {
		graceDelay = DefaultCloseGraceDelay
	}

	elevated := make(map[string]struct{}, len(cfg.ElevatedRoles))
	for _, role := range cfg.ElevatedRoles {
		elevated[role] = struct{}{}
	}

	return &Service{
		registry:        registry,
		channels:        cfg.Channels,
		notifier:        cfg.Notifier,
		directory:       cfg.Directory,
		clock:           clock,
		logger:          logger,
		supportCategory: cfg.SupportCategory,
		staffRoles:      append([]string(nil), cfg.StaffRoles...),
		elevatedRoles:   elevated,
		graceDelay:      graceDelay,
		pendingClose:    make(map[platform.ChannelHandle]string),
		graceTimers:     make(map[platform.ChannelHandle]*time.Timer),
	}, nil
}

// Open creates a ticket for the requester: reserves the requester's slot,
// provisions a scoped channel visible to the requester and the staff roles,
// posts the intake prompt, and indexes the ticket.
func (s *Service) Open(ctx context.Context, requesterID string, rawCategory string) (Ticket, error) {
	category, err := ParseCategory(rawCategory)
	if err != nil {
		return Ticket{}, reject(RejectionInvalidCategory, "unknown request type %q", rawCategory)
	}

	live, err := s.channels.ListLiveChannels(ctx)
	if err != nil {
		return Ticket{}, newServiceError(opOpen, "list_channels", err)
	}
	if err := s.registry.Reserve(requesterID, live); err != nil {
		return Ticket{}, err
	}

	visibility := append([]string{requesterID}, s.staffRoles...)
	channel, err := s.channels.CreateScopedChannel(ctx, s.supportCategory, visibility)
	if err != nil {
		s.registry.Release(requesterID)
		return Ticket{}, newServiceError(opOpen, "create_channel", err)
	}

	ticket := Ticket{
		Channel:     channel,
		Category:    category,
		RequesterID: requesterID,
		State:       StateOpen,
		CreatedAt:   s.clock().UTC(),
	}
	s.registry.Commit(ticket)

	prompt := fmt.Sprintf(intakePromptFormat, category)
	if err := s.notifier.Notify(ctx, requesterID, prompt); err != nil {
		if errors.Is(err, platform.ErrUnreachable) {
			s.logger.Info("ticket requester unreachable", zap.String("requester", requesterID))
		} else {
			s.logger.Warn("intake prompt delivery failed", zap.String("channel", channel.String()), zap.Error(err))
		}
	}

	s.logger.Info("ticket opened",
		zap.String("channel", channel.String()),
		zap.String("requester", requesterID),
		zap.String("category", string(category)))
	return ticket, nil
}

// Accept assigns the ticket to a staff member. Only valid from Open.
func (s *Service) Accept(_ context.Context, channel platform.ChannelHandle, staffID string) (Ticket, error) {
	ticket, err := s.registry.Accept(channel, staffID)
	if err != nil {
		return Ticket{}, err
	}
	s.logger.Info("ticket accepted", zap.String("channel", channel.String()), zap.String("staff", staffID))
	return ticket, nil
}

// Lookup returns the ticket registered for the channel.
func (s *Service) Lookup(channel platform.ChannelHandle) (Ticket, bool) {
	return s.registry.LookupByChannel(channel)
}

// RequestClose records the actor's intent to close the ticket. Closing
// requires a second, distinct confirmation from the same actor.
func (s *Service) RequestClose(_ context.Context, channel platform.ChannelHandle, actorID string) error {
	if _, ok := s.registry.LookupByChannel(channel); !ok {
		return reject(RejectionUnknownTicket, "no ticket is registered for this channel")
	}
	s.mu.Lock()
	s.pendingClose[channel] = actorID
	s.mu.Unlock()
	return nil
}

// CancelClose withdraws an unconfirmed close request. Only the requesting
// actor may cancel it.
func (s *Service) CancelClose(_ context.Context, channel platform.ChannelHandle, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	requestedBy, ok := s.pendingClose[channel]
	if !ok {
		return reject(RejectionNoPendingClose, "no close request is pending for this channel")
	}
	if requestedBy != actorID {
		return reject(RejectionConfirmActorMismatch, "only the actor who requested the close may cancel it")
	}
	delete(s.pendingClose, channel)
	return nil
}

// ConfirmClose completes a pending close request: the registry entry is
// removed immediately (so the requester may open a fresh ticket during the
// grace window) and channel removal is scheduled after the grace delay.
func (s *Service) ConfirmClose(_ context.Context, channel platform.ChannelHandle, actorID string) (Ticket, error) {
	s.mu.Lock()
	requestedBy, ok := s.pendingClose[channel]
	if !ok {
		s.mu.Unlock()
		return Ticket{}, reject(RejectionNoPendingClose, "no close request is pending for this channel")
	}
	if requestedBy != actorID {
		s.mu.Unlock()
		return Ticket{}, reject(RejectionConfirmActorMismatch, "only the actor who requested the close may confirm it")
	}
	delete(s.pendingClose, channel)
	s.mu.Unlock()

	ticket, removed := s.registry.Remove(channel)
	if !removed {
		return Ticket{}, reject(RejectionUnknownTicket, "no ticket is registered for this channel")
	}
	ticket.State = StateClosing

	s.mu.Lock()
	s.graceTimers[channel] = time.AfterFunc(s.graceDelay, func() {
		s.completeClose(channel)
	})
	s.mu.Unlock()

	s.logger.Info("ticket closing",
		zap.String("channel", channel.String()),
		zap.Duration("grace_delay", s.graceDelay))
	return ticket, nil
}

// completeClose fires after the grace delay. The timer entry doubles as the
// liveness check: privileged deletion or reconciliation may have already
// removed the channel and cancelled the timer.
func (s *Service) completeClose(channel platform.ChannelHandle) {
	s.mu.Lock()
	if _, pending := s.graceTimers[channel]; !pending {
		s.mu.Unlock()
		return
	}
	delete(s.graceTimers, channel)
	s.mu.Unlock()

	if err := s.channels.DeleteChannel(context.Background(), channel); err != nil {
		s.logger.Error("delayed channel removal failed", zap.String("op", opCloseTimer), zap.String("channel", channel.String()), zap.Error(err))
	}
}

// Delete removes the ticket and its channel immediately, bypassing the close
// confirmation flow. The acting identity must hold one of the elevated
// roles. Deleting an already-removed ticket is a no-op.
func (s *Service) Delete(ctx context.Context, channel platform.ChannelHandle, actorID string) (Ticket, error) {
	if !s.holdsElevatedRole(actorID) {
		return Ticket{}, reject(RejectionInsufficientPrivilege, "immediate deletion is reserved for elevated staff")
	}

	s.cancelScheduled(channel)

	ticket, removed := s.registry.Remove(channel)
	if !removed {
		ticket = Ticket{Channel: channel}
	}
	ticket.State = StateDeleted

	if err := s.channels.DeleteChannel(ctx, channel); err != nil {
		s.logger.Error("channel removal failed", zap.String("op", opDelete), zap.String("channel", channel.String()), zap.Error(err))
		return ticket, newServiceError(opDelete, "delete_channel", err)
	}

	s.logger.Info("ticket deleted", zap.String("channel", channel.String()), zap.String("actor", actorID))
	return ticket, nil
}

// HandleChannelRemoved reconciles the registry after the channel disappeared
// through any path other than the service's own close or delete, so the
// requester is not locked out of opening a new ticket.
func (s *Service) HandleChannelRemoved(channel platform.ChannelHandle) bool {
	s.cancelScheduled(channel)
	ticket, removed := s.registry.Remove(channel)
	if removed {
		s.logger.Info("ticket reconciled after external channel removal",
			zap.String("channel", channel.String()),
			zap.String("requester", ticket.RequesterID))
	}
	return removed
}

func (s *Service) cancelScheduled(channel platform.ChannelHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingClose, channel)
	if timer, ok := s.graceTimers[channel]; ok {
		timer.Stop()
		delete(s.graceTimers, channel)
	}
}

// AddParticipant grants an extra member visibility into the ticket channel.
func (s *Service) AddParticipant(ctx context.Context, channel platform.ChannelHandle, memberID string) error {
	if _, ok := s.registry.LookupByChannel(channel); !ok {
		return reject(RejectionUnknownTicket, "no ticket is registered for this channel")
	}
	if err := s.channels.GrantAccess(ctx, channel, memberID); err != nil {
		return newServiceError(opAddMember, "grant_access", err)
	}
	s.logger.Info("ticket participant added", zap.String("channel", channel.String()), zap.String("member", memberID))
	return nil
}

// Transcript renders the ticket channel's history as plain text, oldest
// message first.
func (s *Service) Transcript(ctx context.Context, channel platform.ChannelHandle) (string, error) {
	if _, ok := s.registry.LookupByChannel(channel); !ok {
		return "", reject(RejectionUnknownTicket, "no ticket is registered for this channel")
	}
	entries, err := s.channels.History(ctx, channel)
	if err != nil {
		return "", newServiceError(opTranscript, "channel_history", err)
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		stamp := time.Unix(entry.SentAtUnix, 0).UTC().Format("2006-01-02 15:04")
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", stamp, entry.AuthorID, entry.Content))
	}
	return strings.Join(lines, "\n"), nil
}

// Shutdown stops all pending grace timers without deleting channels; any
// channel left behind is picked up by reconciliation on the next start.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, timer := range s.graceTimers {
		timer.Stop()
		delete(s.graceTimers, channel)
	}
}

func (s *Service) holdsElevatedRole(actorID string) bool {
	for _, role := range s.directory.ActorRoles(actorID) {
		if _, elevated := s.elevatedRoles[role]; elevated {
			return true
		}
	}
	return false
}
