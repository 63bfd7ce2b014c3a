// Package fault carries the machine-readable failure taxonomy shared by the
// ledger gateway, the escrow protocol and the workflow layer. Callers branch on
// Kind, never on the message text.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the stable identifier surfaced to API clients and operators.
type Kind string

const (
	KindConfiguration          Kind = "configuration_error"
	KindInvalidRequest         Kind = "invalid_request"
	KindNotFound               Kind = "not_found"
	KindUnauthorized           Kind = "unauthorized"
	KindNetworkUnavailable     Kind = "network_unavailable"
	KindTimeout                Kind = "timeout"
	KindTransactionRejected    Kind = "transaction_rejected"
	KindPartialEscrowFailure   Kind = "partial_escrow_failure"
	KindEscrowNotFound         Kind = "escrow_not_found"
	KindAlreadyTerminal        Kind = "already_terminal"
	KindConditionMismatch      Kind = "condition_mismatch"
	KindWindowClosed           Kind = "window_closed"
	KindWindowNotOpen          Kind = "window_not_open"
	KindReconciliationRequired Kind = "reconciliation_required"
	KindInternal               Kind = "internal"
)

// Error is the structured failure returned across package boundaries.
type Error struct {
	Kind   Kind
	Detail string
	// Raw holds the unmodified network response when one exists.
	Raw   json.RawMessage
	Attrs map[string]string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// FaultKind implements Kinded.
func (e *Error) FaultKind() Kind { return e.Kind }

// With returns the error with an extra attribute attached.
func (e *Error) With(key, value string) *Error {
	if e.Attrs == nil {
		e.Attrs = make(map[string]string)
	}
	e.Attrs[key] = value
	return e
}

// Kinded is implemented by errors that know their own taxonomy entry but carry
// richer state than *Error (for instance the premium receipt of a partial escrow).
type Kinded interface {
	error
	FaultKind() Kind
}

// New constructs a fault with a formatted detail string.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the outermost taxonomy kind found in the chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.FaultKind()
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Attributed is implemented by errors that expose diagnostic attributes.
type Attributed interface {
	FaultAttrs() map[string]string
}

// FaultAttrs implements Attributed.
func (e *Error) FaultAttrs() map[string]string { return e.Attrs }

// AttrsOf collects attributes from every error in the chain; outer values win.
func AttrsOf(err error) map[string]string {
	var chain []map[string]string
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if a, ok := cur.(Attributed); ok {
			chain = append(chain, a.FaultAttrs())
		}
	}
	out := map[string]string{}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i] {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Describe flattens the error into the kind, human detail and attributes written
// to API responses and audit events.
func Describe(err error) (Kind, string, map[string]string) {
	return KindOf(err), err.Error(), AttrsOf(err)
}

// Retryable reports whether a caller may blindly retry the operation. Only
// read-only queries may be retried on transient failures.
func Retryable(err error, readOnly bool) bool {
	switch KindOf(err) {
	case KindNetworkUnavailable, KindTimeout:
		return readOnly
	default:
		return false
	}
}
