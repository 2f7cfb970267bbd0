// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Data-path code never returns these to the chain; they
// surface only from control-plane calls (config, transports, Resolve, apps).
var (
	// Addressing errors
	ErrInvalidAddress = errors.New("lanchat: invalid address")

	// Packet decoding errors
	ErrPacketTooShort = errors.New("lanchat: packet too short")

	// Chain wiring errors
	ErrNoLowerLayer  = errors.New("lanchat: lower layer not configured")
	ErrNotConfigured = errors.New("lanchat: local binding not configured")
	ErrSendFailed    = errors.New("lanchat: send failed")

	// Resolution errors
	ErrResolveTimeout = errors.New("lanchat: address resolution timed out")

	// Fragment reassembly errors
	ErrPayloadTooLarge   = errors.New("lanchat: payload exceeds reassembly limit")
	ErrReassemblyLimit   = errors.New("lanchat: fragment reassembly limit exceeded")
	ErrReassemblyCorrupt = errors.New("lanchat: inconsistent fragment group")

	// Application errors
	ErrEmptyMessage  = errors.New("lanchat: empty message")
	ErrMalformedFile = errors.New("lanchat: malformed file payload")

	// Transport errors
	ErrTransportClosed = errors.New("lanchat: transport closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("lanchat: invalid configuration")
)
