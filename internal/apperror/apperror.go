// Package apperror defines the registry's error taxonomy.
//
// Every failure the registry reports to a caller wraps exactly one of the
// sentinel errors below, so callers can branch with errors.Is without parsing
// messages. The HTTP layer maps sentinels to status codes; the CLI prints the
// stable Code.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidReward     = errors.New("invalid reward")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidState      = errors.New("invalid state")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
	ErrValidation        = errors.New("validation error")
	ErrUnauthenticated   = errors.New("unauthenticated")
)

type AppError struct {
	Err     error  // taxonomy sentinel
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

// InvalidReward reports a reward amount that cannot fund an issue.
func InvalidReward(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidReward,
		Message: message,
		Field:   "rewardAmount",
	}
}

// Unauthorized reports a caller that lacks permission for the transition.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// InvalidState reports an operation that the issue's current stage forbids.
func InvalidState(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidState,
		Message: message,
	}
}

func AlreadyClosed(issueID uint64) *AppError {
	return &AppError{
		Err:     ErrAlreadyClosed,
		Message: fmt.Sprintf("issue %d is already closed", issueID),
	}
}

func NothingToWithdraw(address string) *AppError {
	return &AppError{
		Err:     ErrNothingToWithdraw,
		Message: fmt.Sprintf("no credited balance for %s", address),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Unauthenticated reports a call that carries no caller identity.
func Unauthenticated() *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Message: "caller identity required",
	}
}

// codes maps each sentinel to the stable machine-readable code used in API
// responses and CLI output.
var codes = []struct {
	err  error
	code string
}{
	{ErrNotFound, "not_found"},
	{ErrInvalidReward, "invalid_reward"},
	{ErrUnauthorized, "unauthorized"},
	{ErrInvalidState, "invalid_state"},
	{ErrAlreadyClosed, "already_closed"},
	{ErrNothingToWithdraw, "nothing_to_withdraw"},
	{ErrValidation, "validation_error"},
	{ErrUnauthenticated, "unauthenticated"},
}

// Code returns the machine-readable code for err, or "internal_error" when err
// does not belong to the taxonomy.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// FromCode is the inverse of Code. Clients use it to rebuild a typed error
// from an API response. Unknown codes yield nil.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// RetryClass tells a caller whether repeating a failed call can help.
type RetryClass string

const (
	RetryNever       RetryClass = "permanent"
	RetryFixInput    RetryClass = "fix-input"
	RetryNothingToDo RetryClass = "nothing-to-do"
	RetryUnknown     RetryClass = "unknown"
)

func RetryClassOf(err error) RetryClass {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrAlreadyClosed),
		errors.Is(err, ErrInvalidState):
		return RetryNever
	case errors.Is(err, ErrInvalidReward),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnauthenticated):
		return RetryFixInput
	case errors.Is(err, ErrNothingToWithdraw):
		return RetryNothingToDo
	}
	return RetryUnknown
}
