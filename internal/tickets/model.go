package tickets

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guildhall-labs/guildhall/backend/internal/platform"
)

// State is the lifecycle state of a ticket. Tickets leave the registry the
// moment closure is confirmed, so only Open and InProgress tickets are ever
// indexed; Closing and Deleted exist on detached copies handed to callers
// and event subscribers.
type State string

const (
	StateOpen       State = "open"
	StateInProgress State = "in_progress"
	StateClosing    State = "closing"
	StateDeleted    State = "deleted"
)

// Category is a validated support request type.
type Category string

const (
	CategoryTechSupport   Category = "tech-support"
	CategoryServerProblem Category = "server-problem"
	CategoryComplaint     Category = "complaint"
	CategorySuggestion    Category = "suggestion"
	CategoryPromotion     Category = "promotion"
	CategoryOther         Category = "other"
)

// ErrInvalidCategory indicates an unknown support request type.
var ErrInvalidCategory = errors.New("tickets: invalid category")

// ParseCategory validates raw input against the fixed request types.
func ParseCategory(rawInput string) (Category, error) {
	category := Category(strings.ToLower(strings.TrimSpace(rawInput)))
	switch category {
	case CategoryTechSupport, CategoryServerProblem, CategoryComplaint,
		CategorySuggestion, CategoryPromotion, CategoryOther:
		return category, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, rawInput)
	}
}

// Ticket is a support conversation scoped to one requester. A ticket exists
// in the registry's two indices simultaneously; the registry's own methods
// are the only place both are mutated.
type Ticket struct {
	Channel     platform.ChannelHandle
	Category    Category
	RequesterID string
	AcceptedBy  string
	State       State
	CreatedAt   time.Time
}
