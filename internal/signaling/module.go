package signaling

import (
	"context"
	"encoding/json"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// EventKind names the source of an event delivered to a module.
type EventKind int

const (
	// EventClientCommand is a decoded client payload for the module's
	// namespace.
	EventClientCommand EventKind = iota + 1
	// EventExchangeMessage was fanned out from a peer runner or a service.
	EventExchangeMessage
	// EventInternal is the result of a task started through Context.Spawn.
	EventInternal
	// EventLifecycle is a runner-generated signal such as Joined or Left.
	EventLifecycle
)

// LifecycleKind enumerates the lifecycle signals.
type LifecycleKind int

const (
	LifecycleJoined LifecycleKind = iota + 1
	LifecycleLeft
	LifecycleRoleChanged
)

// LifecycleEvent carries a lifecycle signal about a participant of the room.
type LifecycleEvent struct {
	Kind        LifecycleKind
	Participant domain.ParticipantID
	Role        domain.Role
	DisplayName string
}

// Event is one unit of work for a module. Exactly one of Payload, Internal
// or Lifecycle is meaningful, selected by Kind.
type Event struct {
	Kind EventKind
	// Payload holds the body of client commands and exchange messages.
	Payload json.RawMessage
	// Source is the publishing participant for exchange messages.
	Source domain.ParticipantID
	// Internal carries the value a spawned task produced.
	Internal any
	// Lifecycle is set for lifecycle events.
	Lifecycle *LifecycleEvent
}

// AckKind is a module's verdict after processing an event.
type AckKind int

const (
	// AckContinue keeps the connection running.
	AckContinue AckKind = iota
	// AckExitModule removes just this module from the active set; the
	// connection survives.
	AckExitModule
	// AckClose drains the connection with the given close code.
	AckClose
)

// Ack is returned from OnEvent.
type Ack struct {
	Kind   AckKind
	Code   int
	Reason string
}

func Continue() Ack   { return Ack{Kind: AckContinue} }
func ExitModule() Ack { return Ack{Kind: AckExitModule} }
func CloseWithCode(code int, reason string) Ack {
	return Ack{Kind: AckClose, Code: code, Reason: reason}
}

// Extension request kinds understood across modules.
const (
	// ExtensionJoinState asks a module for its per-peer state contribution to
	// the join-success snapshot. The response must be JSON-marshalable.
	ExtensionJoinState = "join_state"
	// ExtensionSetRole is sent to control when moderation changes a
	// participant's role.
	ExtensionSetRole = "set_role"
)

// ExtensionRequest is a typed inter-module query, delivered through the
// dispatcher so modules stay acyclic.
type ExtensionRequest struct {
	Kind        string
	Participant domain.ParticipantID
	Data        any
}

// Module is a self-contained namespaced state machine plugged into a
// connection. All three methods are called from the connection's dispatch
// loop, never concurrently, so a module may treat its own state as
// single-threaded.
type Module interface {
	// OnEvent processes one inbound event to completion. Long work must be
	// delegated to Context.Spawn to keep the connection responsive.
	OnEvent(ctx context.Context, sig *Context, ev Event) (Ack, error)

	// OnExtension answers a structured inter-module query.
	OnExtension(ctx context.Context, sig *Context, req ExtensionRequest) (any, error)

	// Destroy releases per-participant keys always, and room-wide resources
	// iff destroyRoom. It must be idempotent and must not fail; errors are
	// logged and swallowed by the runner.
	Destroy(ctx context.Context, sig *Context, destroyRoom bool)
}

// ModuleFactory describes a module and builds its per-connection instance.
type ModuleFactory interface {
	// Namespace is the routing key of the module. Exactly one module per
	// namespace may be registered.
	Namespace() string

	// Dependencies lists namespaces whose instances must exist before this
	// module is built.
	Dependencies() []string

	// RequiredFeatures lists tariff features without which the module is
	// skipped.
	RequiredFeatures() []domain.FeatureID

	// Build creates the instance for one connection. Returning a SkipModule
	// error removes the module from the active set without failing the join;
	// any other error aborts the join.
	Build(ctx context.Context, sig *Context) (Module, error)
}
