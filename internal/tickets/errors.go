package tickets

import "fmt"

// RejectionKind classifies why a ticket operation was refused.
type RejectionKind string

const (
	RejectionAlreadyOpen           RejectionKind = "already_open"
	RejectionAlreadyAccepted       RejectionKind = "already_accepted"
	RejectionUnknownTicket         RejectionKind = "unknown_ticket"
	RejectionNoPendingClose        RejectionKind = "no_pending_close"
	RejectionConfirmActorMismatch  RejectionKind = "confirm_actor_mismatch"
	RejectionInsufficientPrivilege RejectionKind = "insufficient_privilege"
	RejectionInvalidCategory       RejectionKind = "invalid_category"
)

// Rejection is a typed refusal carrying a human-readable reason.
type Rejection struct {
	Kind   RejectionKind
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("tickets: %s: %s", r.Kind, r.Reason)
}

func reject(kind RejectionKind, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ServiceError wraps collaborator failures with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
