package paste

import "errors"

// Reason explains why a paste cannot be viewed.
type Reason string

const (
	ReasonNotFound      Reason = "not_found"
	ReasonExpired       Reason = "expired"
	ReasonLimitExceeded Reason = "limit_exceeded"
)

var (
	// ErrNotFound matches every *NotFoundError regardless of reason.
	ErrNotFound = errors.New("paste not found")
	// ErrContention is returned when a view could not be recorded within the
	// configured number of attempts because other writers kept winning.
	ErrContention = errors.New("paste is busy, try again")
)

// NotFoundError reports a paste that is absent or no longer live.
type NotFoundError struct {
	Reason Reason
}

func (e *NotFoundError) Error() string {
	return "paste not found: " + string(e.Reason)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError reports malformed create input. Nothing is written when
// it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func notFound(r Reason) error {
	return &NotFoundError{Reason: r}
}
