package apperr

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Kind classifies a failure by what the caller should do about it.
type Kind int

const (
	// Transport covers socket and HTTP-level failures. Retryable; drives
	// the reconnect path.
	Transport Kind = iota
	// Auth means the token was rejected. Terminal for the session.
	Auth
	// RateLimited means the server told us to wait. Retryable after the
	// server-specified delay.
	RateLimited
	// Decode means a frame or body could not be parsed. The frame is
	// dropped and never surfaced.
	Decode
	// Gap means a discontinuity between cached message ranges was
	// detected; a targeted backfill clears it.
	Gap
	// SessionExpired means the gateway session can no longer be resumed;
	// the cache must be rebuilt from a fresh snapshot.
	SessionExpired
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Auth:
		return "auth"
	case RateLimited:
		return "rate-limited"
	case Decode:
		return "decode"
	case Gap:
		return "gap"
	case SessionExpired:
		return "session-expired"
	}
	return "unknown"
}

type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration // only meaningful for RateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, cause: err}
}

func RateLimitedFor(d time.Duration) *Error {
	return &Error{Kind: RateLimited, Msg: "rate limited", RetryAfter: d}
}

// KindOf walks the cause chain looking for a classified error. Unclassified
// errors report as Transport, which keeps unknown failures on the retry path.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transport
}

func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the session loop should keep trying after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Auth:
		return false
	}
	return true
}
