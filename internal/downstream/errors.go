package downstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/animus-labs/mediaflow/internal/domain"
)

// ErrInputMissing reports that the execution context lacks the field a step
// reads. It is never transient.
var ErrInputMissing = errors.New("step input missing")

// Error is a failed downstream call. Transient errors (network failures,
// 5xx responses, timeouts) may be retried; everything else is terminal.
type Error struct {
	Service    domain.ServiceKind
	Action     string
	StatusCode int
	Message    string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Service))
	if e.Action != "" {
		b.WriteString(".")
		b.WriteString(e.Action)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsTimeout reports whether err came from a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

func statusError(service domain.ServiceKind, action string, status int, message string) *Error {
	return &Error{
		Service:    service,
		Action:     action,
		StatusCode: status,
		Message:    message,
		Transient:  status >= 500,
	}
}

func transportError(service domain.ServiceKind, action string, err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Service: service, Action: action, Message: "call cancelled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Service: service, Action: action, Message: "timeout", Transient: true, Err: fmt.Errorf("%w: %w", domain.ErrTimeout, err)}
	default:
		return &Error{Service: service, Action: action, Transient: true, Err: err}
	}
}

func inputMissing(service domain.ServiceKind, action, field string) *Error {
	return &Error{
		Service: service,
		Action:  action,
		Message: fmt.Sprintf("input field %q is missing", field),
		Err:     ErrInputMissing,
	}
}
