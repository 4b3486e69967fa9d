// Package platform declares the contracts the guildhall core expects from
// the messaging-platform gateway: channel provisioning, member notification,
// role lookup, and group removal. The core never talks to the platform
// transport directly; it is handed implementations of these interfaces.
package platform

import (
	"context"
	"errors"
)

// ChannelHandle identifies a live platform channel. Handles are opaque to
// the core; only the gateway can resolve them to real channels.
type ChannelHandle string

// String returns the underlying handle value.
func (h ChannelHandle) String() string {
	return string(h)
}

// ErrUnreachable reports that a notification target could not be delivered
// to, for example a member with direct messages disabled. Callers are
// expected to treat it as a swallowed caveat, never a failure of the
// triggering operation.
var ErrUnreachable = errors.New("platform: target unreachable")

// TranscriptEntry is a single message captured from a channel's history.
type TranscriptEntry struct {
	AuthorID   string
	Content    string
	SentAtUnix int64
}

// ChannelManager provisions and tears down scoped channels on the platform.
type ChannelManager interface {
	// CreateScopedChannel creates a channel under the given parent category
	// visible only to the identities in visibility.
	CreateScopedChannel(ctx context.Context, parentCategory string, visibility []string) (ChannelHandle, error)
	// DeleteChannel removes a channel. Deleting an absent channel is not an
	// error.
	DeleteChannel(ctx context.Context, handle ChannelHandle) error
	// ListLiveChannels returns the set of channels that currently exist.
	ListLiveChannels(ctx context.Context) (map[ChannelHandle]struct{}, error)
	// GrantAccess makes the channel visible and writable to an extra member.
	GrantAccess(ctx context.Context, handle ChannelHandle, memberID string) error
	// History returns the channel's messages oldest first.
	History(ctx context.Context, handle ChannelHandle) ([]TranscriptEntry, error)
}

// Notifier delivers a direct message to a member or a prompt into a channel.
type Notifier interface {
	// Notify sends content to the target identity. Returns ErrUnreachable
	// when the target cannot receive messages.
	Notify(ctx context.Context, target string, content string) error
}

// Directory answers identity questions about members.
type Directory interface {
	// ActorRoles returns the role names currently held by the member.
	ActorRoles(memberID string) []string
	// IsAutomated reports whether the member is a bot account.
	IsAutomated(memberID string) bool
}

// GroupRemover ejects a member from the community.
type GroupRemover interface {
	RemoveFromGroup(ctx context.Context, memberID string, reason string) error
}
