// Package errs provides a typed error taxonomy: every failure a caller
// might need to branch on (retry a DNS lookup, fall back off HTTP/3,
// surface a certificate error to the user) carries a Kind and a Reason
// alongside whatever underlying error caused it, wrapped with %w the same
// way every other package in this module already reports errors.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the seven top-level taxonomy groups.
type Kind string

const (
	KindDNS       Kind = "dns"
	KindTransport Kind = "transport"
	KindTLS       Kind = "tls"
	KindHTTP2     Kind = "http2"
	KindRequest   Kind = "request"
	KindPool      Kind = "pool"
	KindInternal  Kind = "internal"
)

// Reason is the taxonomy leaf within a Kind.
type Reason string

const (
	ReasonResolutionFailed      Reason = "ResolutionFailed"
	ReasonTimeout               Reason = "Timeout"
	ReasonRefused               Reason = "Refused"
	ReasonReset                 Reason = "Reset"
	ReasonNetworkUnreachable    Reason = "NetworkUnreachable"
	ReasonHostUnreachable       Reason = "HostUnreachable"
	ReasonHandshakeFailed       Reason = "HandshakeFailed"
	ReasonCertificateError      Reason = "CertificateError"
	ReasonProtocolError         Reason = "ProtocolError"
	ReasonStreamError           Reason = "StreamError"
	ReasonFlowControl           Reason = "FlowControl"
	ReasonSettingsTimeout       Reason = "SettingsTimeout"
	ReasonGoAway                Reason = "GoAway"
	ReasonCancelled             Reason = "Cancelled"
	ReasonTooManyRedirects      Reason = "TooManyRedirects"
	ReasonInvalidURL            Reason = "InvalidUrl"
	ReasonInvalidHeader         Reason = "InvalidHeader"
	ReasonExhausted             Reason = "Exhausted"
	ReasonNoAvailableConnection Reason = "NoAvailableConnection"
	ReasonBug                   Reason = "Bug"
	ReasonOutOfMemory           Reason = "OutOfMemory"
)

// Error is a typed, wrapped failure. Op names the component/method that
// raised it (e.g. "tlsconn.handshake"), following this module's usual
// "component: action: %w" fmt.Errorf convention but carrying Kind/Reason as
// structured fields instead of leaving classification to string matching.
type Error struct {
	Kind   Kind
	Reason Reason
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%s) %s: %v", e.Kind, e.Reason, e.Op, e.Err)
	}
	return fmt.Sprintf("%s(%s) %s", e.Kind, e.Reason, e.Op)
}

// Unwrap exposes the underlying cause so errors.Is/errors.As (and any
// package-level sentinel errors wrapped as Err) keep working through an
// *Error the same as any other %w chain.
func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed Error. err may be nil for a classification with no
// deeper cause (e.g. a pure protocol violation detected locally).
func New(kind Kind, reason Reason, op string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Err: err}
}

// KindOf reports the Kind of err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ReasonOf reports the Reason of err if it (or something it wraps) is an
// *Error.
func ReasonOf(err error) (Reason, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason, true
	}
	return "", false
}

// IsKind reports whether err classifies as the given Kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
