// Package errs classifies pipeline failures into the handful of kinds the
// orchestrator and dispatcher need to decide whether to retry, back off, or
// escalate to an operator.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy every component-level error is tagged with before it
// crosses a package boundary.
type Kind int

const (
	// KindConfig is a misconfiguration caught at startup; never retried.
	KindConfig Kind = iota
	// KindRPCUnavailable is a transport-level RPC failure: connection
	// refused, timeout, DNS failure. Retried with backoff.
	KindRPCUnavailable
	// KindRPCApplication is a well-formed RPC response signaling an
	// application-level problem (range too large, nonexistent block).
	// Retried with narrowed parameters, not backoff.
	KindRPCApplication
	// KindCacheWrite is a failure persisting to the cache store. Retried
	// with backoff; escalated if persistent.
	KindCacheWrite
	// KindHandlerError is a user handler returning an error from Setup or
	// OnEvent. Retried per the source's retry policy, then escalated.
	KindHandlerError
	// KindReorg is an ordinary, within-finality-window chain reorganization.
	// Handled by rollback, never escalated on its own.
	KindReorg
	// KindDeepReorg is a reorg whose common ancestor lies at or beyond the
	// finality boundary. Always escalated; never auto-recovered.
	KindDeepReorg
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindRPCUnavailable:
		return "rpc_unavailable"
	case KindRPCApplication:
		return "rpc_application"
	case KindCacheWrite:
		return "cache_write"
	case KindHandlerError:
		return "handler_error"
	case KindReorg:
		return "reorg"
	case KindDeepReorg:
		return "deep_reorg"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the network/source it
// occurred against, so callers can branch on classification without string
// matching.
type Error struct {
	Kind    Kind
	Network string
	Source  string
	Err     error
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s[%s/%s]: %v", e.Kind, e.Network, e.Source, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Network, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified Error.
func New(kind Kind, network string, err error) *Error {
	return &Error{Kind: kind, Network: network, Err: err}
}

// WithSource attaches a source name, used once the failure is known to be
// scoped to one event source rather than the whole network.
func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of a classified error, or false if err was never
// wrapped by this package.
func KindOf(err error) (Kind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}
	return 0, false
}

// Retryable reports whether the given Kind should be retried in place by the
// component that produced it, rather than escalated immediately.
func Retryable(kind Kind) bool {
	switch kind {
	case KindRPCUnavailable, KindRPCApplication, KindCacheWrite, KindReorg:
		return true
	default:
		return false
	}
}
