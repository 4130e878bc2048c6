// Package module defines the plugin surface every signaling feature is
// built on: a namespace-keyed Module interface, the typed events a Runner
// delivers to modules, and the ordered set of side effects a module can ask
// the Runner to carry out on its behalf. It is the Go-native reimagining of
// this codebase's event-driven Room.router dispatch table, generalized from
// a single hardcoded switch over WebSocket events into a registry of
// independent modules that can each be enabled per room.
package module

import (
	"context"
	"encoding/json"

	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
)

// EventKind identifies what triggered a call into a module.
type EventKind int

const (
	// EventJoined fires once, synchronously, when a participant's join
	// handshake is admitted into a room, before any other event.
	EventJoined EventKind = iota
	// EventLeaving fires once when a participant begins its leave sequence,
	// giving modules a chance to react before room state is torn down.
	EventLeaving
	// EventParticipantJoined notifies existing modules in a room that
	// another participant joined (not the participant's own module init).
	EventParticipantJoined
	// EventParticipantLeft notifies existing modules that another
	// participant left the room.
	EventParticipantLeft
	// EventParticipantUpdated notifies existing modules that another
	// participant's ephemeral attributes changed.
	EventParticipantUpdated
	// EventWsMessage delivers a message the participant's own WebSocket
	// connection sent addressed to this module's namespace.
	EventWsMessage
	// EventBus delivers a message received from the bus on a namespace this
	// module is bound to.
	EventBus
	// EventExt delivers an out-of-band signal a module scheduled for itself.
	// The Runner does not dispatch it; breakout expiry timers are handled by
	// the Runner's own select loop.
	EventExt
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeaving:
		return "leaving"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventParticipantUpdated:
		return "participant_updated"
	case EventWsMessage:
		return "ws_message"
	case EventBus:
		return "bus"
	case EventExt:
		return "ext"
	default:
		return "unknown"
	}
}

// Event is what the Runner hands to a module's OnEvent method.
type Event struct {
	Kind EventKind

	// Participant is set for EventParticipant{Joined,Left,Updated}, naming
	// who the event is about.
	Participant ids.ParticipantId

	// Payload carries the raw WS message payload (EventWsMessage) or bus
	// delivery payload (EventBus). Left as json.RawMessage so the dispatcher
	// never needs to know module-specific message shapes.
	Payload json.RawMessage

	// Ext carries a module-defined value for EventExt, round-tripped
	// through the Runner without interpretation (e.g. a *time.Timer id).
	Ext any
}

// WsSend asks the Runner to deliver payload to the participant's own
// WebSocket connection.
type WsSend struct {
	Namespace string
	Payload   any
}

// BusEnvelope is the common header every module-published bus message
// carries so the Runner can route a delivery back to exactly the module
// that cares about it. Module is the namespace of the module a delivery
// should be handed to as EventBus; it is left empty for the control
// module's presence lifecycle messages, which the Runner instead routes by
// Kind into a broadcast EventParticipant{Joined,Left,Updated}.
type BusEnvelope struct {
	Module        string            `json:"module,omitempty"`
	Kind          string            `json:"kind"`
	Sender        string            `json:"sender,omitempty"`
	ParticipantId ids.ParticipantId `json:"participant_id,omitempty"`
}

// BusPublish asks the Runner to publish payload on a bus namespace.
type BusPublish struct {
	Namespace string
	Payload   any
}

// SelfUpdate asks the Runner to merge new ephemeral attributes into the
// participant's own RoomStore record and broadcast the update.
type SelfUpdate struct {
	Attrs map[string]string
}

// CloseConnection asks the Runner to close the WebSocket connection after
// flushing any other requested actions, using the given close code and
// reason (see the signaling close-code table).
type CloseConnection struct {
	Code   int
	Reason string
}

// Actions is the ordered batch of side effects a module handler returns.
// The Runner applies them in the fixed order WS sends, then bus publishes,
// then self-update, then close -- so a module can always reply to its own
// caller before anyone else observes the state change that reply describes.
type Actions struct {
	WsSends     []WsSend
	BusPublish  []BusPublish
	SelfUpdate  *SelfUpdate
	Close       *CloseConnection
}

// Module is the interface every signaling feature implements. A module is
// constructed fresh for each participant that joins a room; Init runs as
// part of the join handshake and may itself return Actions (e.g. sending a
// join snapshot).
type Module interface {
	// Namespace returns the dotted string this module is addressed by, both
	// in WS message "namespace" fields and in self-minted bus namespaces.
	Namespace() string

	// Init runs once when the participant joins, before EventJoined is
	// delivered to any module, and may contribute to the join snapshot sent
	// back to the client.
	Init(ctx context.Context, rt *Runtime) (Actions, error)

	// OnEvent handles one event addressed to this module.
	OnEvent(ctx context.Context, rt *Runtime, ev Event) (Actions, error)

	// OnDestroy runs when the participant leaves, in reverse module
	// registration order, giving modules that depend on others' state a
	// chance to clean up first.
	OnDestroy(ctx context.Context, rt *Runtime) (Actions, error)
}

// Factory constructs a fresh Module instance for one participant joining
// one room. Registered factories are looked up by namespace.
type Factory func(room ids.SignalingRoomId, participant ids.ParticipantId) Module

// Registry maps namespaces to module factories. A Runner builds the set of
// live Module instances for a connection by asking the Registry to
// instantiate every registered factory once at join time.
type Registry struct {
	factories map[string]Factory
	order     []string
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// MustRegister registers a module factory under namespace, panicking on a
// duplicate namespace -- a programmer error caught at startup, not runtime.
func (r *Registry) MustRegister(namespace string, f Factory) {
	if _, exists := r.factories[namespace]; exists {
		panic("module: duplicate namespace registration: " + namespace)
	}
	r.factories[namespace] = f
	r.order = append(r.order, namespace)
}

// Namespaces returns every registered namespace in registration order,
// which is also module initialization order (and reverse-destroy order).
func (r *Registry) Namespaces() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Instantiate builds one Module per registered factory, scoped to a single
// participant's connection to one room.
func (r *Registry) Instantiate(room ids.SignalingRoomId, participant ids.ParticipantId) map[string]Module {
	out := make(map[string]Module, len(r.order))
	for _, ns := range r.order {
		out[ns] = r.factories[ns](room, participant)
	}
	return out
}
