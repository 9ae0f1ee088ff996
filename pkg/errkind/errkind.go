// Package errkind enumerates the error kinds that cross package boundaries
// in dpcnode. Every public, fallible operation that can fail in a way a
// caller must branch on returns an *Error carrying a Kind (see Of and Is),
// rather than a bare sentinel, so the orchestrator and the commit store can both surface
// "what specifically went wrong" instead of a single opaque error.
package errkind

import "fmt"

// Kind is a coarse classification of a failure, grouped by layer per the
// design's error taxonomy. String values are stable and safe to log or
// compare across process boundaries.
type Kind string

const (
	// Transport and identity.
	DNSFailure          Kind = "DnsFailure"
	NetworkUnreachable  Kind = "NetworkUnreachable"
	ConnectionRefused   Kind = "ConnectionRefused"
	Timeout             Kind = "Timeout"
	PeerClosed          Kind = "PeerClosed"
	TLSHandshakeFailed  Kind = "TlsHandshakeFailed"
	DTLSHandshakeFailed Kind = "DtlsHandshakeFailed"
	IdentityMismatch    Kind = "IdentityMismatch"
	CertificateInvalid  Kind = "CertificateInvalid"
	FrameTooLarge       Kind = "FrameTooLarge"

	// Orchestration.
	StrategyDisabled          Kind = "StrategyDisabled"
	StrategyPreconditionUnmet Kind = "StrategyPreconditionUnmet"
	StrategyTimeout           Kind = "StrategyTimeout"
	AllStrategiesExhausted    Kind = "AllStrategiesExhausted"
	Cancelled                 Kind = "Cancelled"

	// DHT.
	BootstrapFailed         Kind = "BootstrapFailed"
	LookupPartial           Kind = "LookupPartial"
	LookupEmpty             Kind = "LookupEmpty"
	InvalidRecordSignature  Kind = "InvalidRecordSignature"

	// NAT / hole punch.
	NatSymmetric            Kind = "NatSymmetric"
	ReflexiveDiscoveryFailed Kind = "ReflexiveDiscoveryFailed"
	PunchTimeout            Kind = "PunchTimeout"

	// Relay.
	NoRelayAvailable        Kind = "NoRelayAvailable"
	RelayRejected           Kind = "RelayRejected"
	RelayRateLimited        Kind = "RelayRateLimited"
	RelaySessionClosedByPeer Kind = "RelaySessionClosedByPeer"

	// Gossip.
	TtlExpired    Kind = "TtlExpired"
	MaxHopsReached Kind = "MaxHopsReached"
	Duplicate     Kind = "Duplicate"

	// Commit store.
	HashMismatch     Kind = "HashMismatch"
	SignatureMissing Kind = "SignatureMissing"
	SignatureInvalid Kind = "SignatureInvalid"
	UnknownApprover  Kind = "UnknownApprover"
	ParentMissing    Kind = "ParentMissing"
	ChainBroken      Kind = "ChainBroken"
	FilenameMismatch Kind = "FilenameMismatch"
	ContentTampered  Kind = "ContentTampered"
	CommitHashInvalid Kind = "CommitHashInvalid"
	AlreadyExists    Kind = "AlreadyExists"
)

// Error is a Kind paired with a human-readable cause, satisfying the
// standard error interface and unwrapping to the underlying cause.
type Error struct {
	K     Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.K, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.K, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(k Kind, msg string) error {
	return &Error{K: k, Msg: msg}
}

// Wrap builds an *Error of the given kind that wraps cause.
func Wrap(k Kind, msg string, cause error) error {
	if cause == nil {
		return New(k, msg)
	}
	return &Error{K: k, Msg: msg, Cause: cause}
}

// Of extracts the Kind from err, returning ("", false) if err does not carry
// one of ours.
func Of(err error) (Kind, bool) {
	var e *Error
	if err == nil {
		return "", false
	}
	if ke, ok := err.(*Error); ok {
		return ke.K, true
	}
	_ = e
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	got, ok := Of(err)
	return ok && got == k
}
