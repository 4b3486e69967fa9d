package platform

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process implementation of the platform contracts. It backs
// the binary until a real gateway adapter is wired in, and doubles as the
// collaborator fake in tests: channels live in a map, notifications are
// recorded, and role/automation assignments are seeded by the caller.
type Memory struct {
	mu            sync.Mutex
	channels      map[ChannelHandle]*memoryChannel
	notifications map[string][]string
	unreachable   map[string]struct{}
	roles         map[string][]string
	automated     map[string]struct{}
	removed       []string
}

type memoryChannel struct {
	category   string
	visibility map[string]struct{}
	history    []TranscriptEntry
}

// NewMemory constructs an empty in-process platform.
func NewMemory() *Memory {
	return &Memory{
		channels:      make(map[ChannelHandle]*memoryChannel),
		notifications: make(map[string][]string),
		unreachable:   make(map[string]struct{}),
		roles:         make(map[string][]string),
		automated:     make(map[string]struct{}),
	}
}

// CreateScopedChannel mints a UUIDv7 handle and records the channel.
func (m *Memory) CreateScopedChannel(_ context.Context, parentCategory string, visibility []string) (ChannelHandle, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	handle := ChannelHandle(value.String())

	visible := make(map[string]struct{}, len(visibility))
	for _, identity := range visibility {
		visible[identity] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[handle] = &memoryChannel{category: parentCategory, visibility: visible}
	return handle, nil
}

// DeleteChannel removes the channel; absent channels are a no-op.
func (m *Memory) DeleteChannel(_ context.Context, handle ChannelHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, handle)
	return nil
}

// ListLiveChannels returns the handles of all existing channels.
func (m *Memory) ListLiveChannels(_ context.Context) (map[ChannelHandle]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[ChannelHandle]struct{}, len(m.channels))
	for handle := range m.channels {
		live[handle] = struct{}{}
	}
	return live, nil
}

// GrantAccess adds a member to the channel's visibility list.
func (m *Memory) GrantAccess(_ context.Context, handle ChannelHandle, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[handle]
	if !ok {
		return nil
	}
	channel.visibility[memberID] = struct{}{}
	return nil
}

// History returns the channel's recorded messages oldest first.
func (m *Memory) History(_ context.Context, handle ChannelHandle) ([]TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[handle]
	if !ok {
		return nil, nil
	}
	entries := make([]TranscriptEntry, len(channel.history))
	copy(entries, channel.history)
	return entries, nil
}

// AppendHistory records a message in the channel for later transcripts.
func (m *Memory) AppendHistory(handle ChannelHandle, entry TranscriptEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel, ok := m.channels[handle]; ok {
		channel.history = append(channel.history, entry)
	}
}

// Notify records the delivered content, or reports ErrUnreachable for
// targets marked unreachable.
func (m *Memory) Notify(_ context.Context, target string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, blocked := m.unreachable[target]; blocked {
		return ErrUnreachable
	}
	m.notifications[target] = append(m.notifications[target], content)
	return nil
}

// Notifications returns everything delivered to the target so far.
func (m *Memory) Notifications(target string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	delivered := make([]string, len(m.notifications[target]))
	copy(delivered, m.notifications[target])
	return delivered
}

// MarkUnreachable makes future notifications to the target fail with
// ErrUnreachable.
func (m *Memory) MarkUnreachable(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable[target] = struct{}{}
}

// AssignRoles replaces the member's role set.
func (m *Memory) AssignRoles(memberID string, roles ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[memberID] = append([]string(nil), roles...)
}

// ActorRoles returns the member's assigned roles.
func (m *Memory) ActorRoles(memberID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.roles[memberID]...)
}

// MarkAutomated flags the member as a bot account.
func (m *Memory) MarkAutomated(memberID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automated[memberID] = struct{}{}
}

// IsAutomated reports whether the member is flagged as a bot account.
func (m *Memory) IsAutomated(memberID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, automated := m.automated[memberID]
	return automated
}

// RemoveFromGroup records the removal.
func (m *Memory) RemoveFromGroup(_ context.Context, memberID string, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, memberID)
	return nil
}

// Removed returns the members removed from the group so far.
func (m *Memory) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// ChannelExists reports whether the handle resolves to a live channel.
func (m *Memory) ChannelExists(handle ChannelHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[handle]
	return ok
}
