package warden

import "errors"

// Sentinel errors for the engine. Callers are expected to test with
// errors.Is; most of these are wrapped with contextual detail at the
// point they occur.
var (
	// ErrConfig indicates invalid constructor arguments or a missing
	// required callback.
	ErrConfig = errors.New("invalid engine configuration")

	// ErrDiversionUnavailable indicates flow diversion cannot be started
	// on this platform or without elevated privileges.
	ErrDiversionUnavailable = errors.New("flow diversion unavailable")

	// ErrTLSForge indicates a cryptographic operation failed while
	// minting a leaf certificate.
	ErrTLSForge = errors.New("certificate forge failed")

	// ErrUpstreamConnect indicates the connection to the original
	// destination could not be established.
	ErrUpstreamConnect = errors.New("upstream connect failed")

	// ErrUpstreamTLSVerify indicates the upstream server certificate
	// failed verification against the CA bundle.
	ErrUpstreamTLSVerify = errors.New("upstream TLS verification failed")

	// ErrProtocol indicates malformed HTTP or TLS data from a peer.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout indicates a session deadline was exceeded.
	ErrTimeout = errors.New("timeout")

	// ErrRuleParse indicates a single rule line failed to parse. It is
	// accumulated into the failed count of a load batch, never fatal.
	ErrRuleParse = errors.New("rule parse failed")

	// ErrUnknownFlow indicates the diverter has no record for an
	// accepted connection's local port.
	ErrUnknownFlow = errors.New("unknown flow")

	// ErrTransient indicates temporary resource exhaustion.
	ErrTransient = errors.New("transient failure")
)
