// Package errs defines the error taxonomy shared by the chat client:
// transport failures, REST fetch failures, authentication rejection and
// unknown-id operations. Callers classify with errors.Is against the
// exported kinds.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind labels one class of failure.
type Kind int

const (
	// KindTransport covers connect/subscribe/publish failures on the
	// realtime session. Non-fatal; the session reconnects on its own.
	KindTransport Kind = iota + 1
	// KindFetch covers failed REST calls. Surfaced to the caller, never
	// retried inside the client.
	KindFetch
	// KindUnauthenticated marks a 401. The client stops issuing
	// authenticated calls until a fresh credential is supplied.
	KindUnauthenticated
	// KindNotFound marks operations on ids the server no longer knows.
	// Edit/delete treat it as a no-op.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindFetch:
		return "fetch"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

// Error is a classified error value.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so sentinels below work with
// errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is classification.
var (
	ErrTransport       = &Error{Kind: KindTransport, Msg: "transport error"}
	ErrFetch           = &Error{Kind: KindFetch, Msg: "fetch error"}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated, Msg: "unauthenticated"}
	ErrNotFound        = &Error{Kind: KindNotFound, Msg: "not found"}
)

// IsNotFound reports whether err is (or wraps) a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsUnauthenticated reports whether err is (or wraps) a 401.
func IsUnauthenticated(err error) bool { return errors.Is(err, ErrUnauthenticated) }

func Transport(msg string) error {
	return errors.WithStack(&Error{Kind: KindTransport, Msg: msg})
}

func TransportWrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: KindTransport, Msg: msg, Err: err})
}

func Fetch(msg string) error {
	return errors.WithStack(&Error{Kind: KindFetch, Msg: msg})
}

func FetchWrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&Error{Kind: KindFetch, Msg: msg, Err: err})
}

func Unauthenticated(msg string) error {
	return errors.WithStack(&Error{Kind: KindUnauthenticated, Msg: msg})
}

func NotFound(msg string) error {
	return errors.WithStack(&Error{Kind: KindNotFound, Msg: msg})
}
