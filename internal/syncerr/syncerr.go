// Package syncerr classifies the failures the sync engine can see and maps
// them to user-facing messages.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrValidation marks a mutation rejected before any state changed.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork marks a failed network call. Loader errors that carry no
	// other classification are treated as network errors.
	ErrNetwork = errors.New("network error")
	// ErrTimeout marks a network call that exceeded its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrCorrupt marks an unreadable durable entry. It is always repaired
	// locally and never reaches the user.
	ErrCorrupt = errors.New("corrupt cache entry")
)

type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindNetwork
	KindTimeout
	KindCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindCorrupt:
		return "corrupt"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

func (e *StatusError) Is(target error) bool { return target == ErrNetwork }

// Validation builds a validation error with a user-facing reason.
func Validation(format string, args ...any) error {
	return &validationError{reason: fmt.Sprintf(format, args...)}
}

type validationError struct{ reason string }

func (e *validationError) Error() string        { return ErrValidation.Error() + ": " + e.reason }
func (e *validationError) Is(target error) bool { return target == ErrValidation }

// Timeout wraps err as a timeout of op.
func Timeout(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
}

// Network wraps err as a network failure of op unless it is already classified.
func Network(op string, err error) error {
	if err == nil || Classify(err) != KindNetwork || errors.Is(err, ErrNetwork) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}

// Classify reports which taxonomy bucket err falls into.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, ErrValidation) {
		return KindValidation
	}
	if errors.Is(err, ErrCorrupt) {
		return KindCorrupt
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// UserMessage returns the text a screen should show for err.
func UserMessage(err error) string {
	switch Classify(err) {
	case KindNone, KindCorrupt:
		return ""
	case KindValidation:
		var ve *validationError
		if errors.As(err, &ve) {
			return ve.reason
		}
		return "That change isn't allowed."
	case KindTimeout:
		return "The request took too long. Please try again."
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusNotFound:
			return "This item is no longer available."
		case se.Code == http.StatusTooManyRequests:
			return "You're doing that too often. Please wait a moment."
		case se.Code >= 500:
			return "The server is having trouble. Please try again later."
		}
		return "The request was rejected. Please try again."
	}
	return "Could not reach the server. Check your connection and try again."
}
