// Package signaling implements the per-connection runtime of the controller:
// the transport adapter, the namespaced envelope codec, the module contract
// and the dispatch core that multiplexes all registered modules over a single
// client connection.
package signaling

import (
	"errors"
	"fmt"
)

// WebSocket close codes used by the runtime.
const (
	CloseNormal             = 1000 // clean shutdown
	ClosePolicyViolation    = 1008 // kicked or banned
	CloseInternalError      = 1011 // unrecoverable server error
	CloseBadTicket          = 4001 // invalid ticket or resumption token
	CloseTimeout            = 4002 // idle or join timeout
	CloseNoParallelSessions = 4003 // connection replaced by a newer session
)

// Transport errors.
var (
	ErrTransportClosed = errors.New("signaling: transport closed")
	ErrSlowConsumer    = errors.New("signaling: send queue full, slow consumer")
	ErrOversizedFrame  = errors.New("signaling: frame exceeds size limit")
)

// Codec errors.
var (
	ErrMalformedEnvelope = errors.New("signaling: malformed envelope")
	ErrPayloadTooLarge   = errors.New("signaling: payload too large")
	ErrUnknownNamespace  = errors.New("signaling: unknown namespace")
)

// Join errors. All of them terminate the connection with CloseBadTicket
// except ErrRoomFull and ErrTariffExceeded, which map to ClosePolicyViolation.
var (
	ErrInvalidTicket      = errors.New("signaling: invalid ticket")
	ErrInvalidResumption  = errors.New("signaling: invalid or expired resumption token")
	ErrResumptionConflict = errors.New("signaling: resumption token already redeemed")
	ErrRoomFull           = errors.New("signaling: room is full")
	ErrBanned             = errors.New("signaling: user is banned from the room")
	ErrTariffExceeded     = errors.New("signaling: tariff limit exceeded")
)

// Storage and exchange errors.
var (
	ErrKeyMissing       = errors.New("signaling: key missing")
	ErrStoreUnavailable = errors.New("signaling: volatile store unavailable")
	ErrTxConflict       = errors.New("signaling: storage transaction conflict")
	ErrMessageTooLarge  = errors.New("signaling: exchange message too large")
)

// Runtime errors.
var (
	ErrModuleStuck = errors.New("signaling: module exceeded hard deadline")
)

// ModuleError carries a wire-level error code from a module to the client.
// The runner serializes the code as a namespaced error event; the connection
// stays open.
type ModuleError struct {
	Code string
	Err  error
}

func (e *ModuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signaling: module error %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("signaling: module error %s", e.Code)
}

func (e *ModuleError) Unwrap() error { return e.Err }

// NewModuleError builds a ModuleError with the given wire code.
func NewModuleError(code string, err error) *ModuleError {
	return &ModuleError{Code: code, Err: err}
}

// skipModuleError is returned by a module factory to opt out of this
// connection without failing the join.
type skipModuleError struct{ reason string }

func (e *skipModuleError) Error() string {
	return fmt.Sprintf("signaling: module skipped: %s", e.reason)
}

// SkipModule signals from a factory's Build that the module should not be
// part of this connection's active set.
func SkipModule(reason string) error { return &skipModuleError{reason: reason} }

// IsSkipModule reports whether err is a SkipModule error and returns its
// reason.
func IsSkipModule(err error) (string, bool) {
	var skip *skipModuleError
	if errors.As(err, &skip) {
		return skip.reason, true
	}
	return "", false
}
