// Package control implements the always-on control module: the Join
// handshake and its join_success/participants response, presence lifecycle
// (joined/left/updated) broadcasts, and the raise/lower-hand events every
// room supports regardless of which other modules are enabled. It is
// grounded on this codebase's Room.router handling of
// EventRaiseHand/EventLowerHand and Room.getRoomState/broadcastRoomState,
// generalized to the namespace-dispatched module model and rewritten to
// carry JSON payloads over the bus instead of a single in-process broadcast
// loop.
package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
)

const Namespace = "control"

// JoinPayload is the explicit first message a client must send before
// anything else is honored (§4.5/§6): no WS frame on any namespace is
// dispatched to a module until this is received.
type JoinPayload struct {
	DisplayName string `json:"display_name"`
}

// Participant describes one room member as sent in the join_success
// response or a presence update.
type Participant struct {
	ParticipantId ids.ParticipantId `json:"participant_id"`
	DisplayName   string            `json:"display_name"`
	HandRaised    bool              `json:"hand_raised"`
}

// JoinedPayload is broadcast to the room when a new participant completes
// its join handshake.
type JoinedPayload struct {
	Participant Participant `json:"participant"`
}

// LeftPayload is broadcast to the room when a participant leaves.
type LeftPayload struct {
	ParticipantId ids.ParticipantId `json:"participant_id"`
}

// UpdatedPayload is broadcast when a participant's ephemeral attributes change.
type UpdatedPayload struct {
	Participant Participant `json:"participant"`
}

// RaiseHandPayload / LowerHandPayload carry no data beyond the namespace
// envelope; the acting participant is always the caller.
type RaiseHandPayload struct{}
type LowerHandPayload struct{}

type controlModule struct {
	room ids.SignalingRoomId
	self ids.ParticipantId
}

// NewFactory returns a module.Factory that builds the control module for
// every participant. Register it first so join snapshots always reflect the
// latest state from every other always-on concern.
func NewFactory() module.Factory {
	return func(room ids.SignalingRoomId, participant ids.ParticipantId) module.Module {
		return &controlModule{room: room, self: participant}
	}
}

func (m *controlModule) Namespace() string { return Namespace }

func (m *controlModule) Init(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	return module.Actions{}, nil
}

func (m *controlModule) OnEvent(ctx context.Context, rt *module.Runtime, ev module.Event) (module.Actions, error) {
	switch ev.Kind {
	case module.EventJoined:
		return m.completeJoin(ctx, rt)
	case module.EventWsMessage:
		return m.handleWsMessage(ctx, rt, ev.Payload)
	case module.EventParticipantJoined, module.EventParticipantLeft, module.EventParticipantUpdated:
		return module.Actions{WsSends: []module.WsSend{{Namespace: Namespace, Payload: ev.Payload}}}, nil
	default:
		return module.Actions{}, nil
	}
}

// completeJoin runs once EventJoined fires, which the Runner only does
// after this participant's explicit control.Join message has been admitted
// and added to the room. It assembles the join_success response (§4.5/§6)
// and announces the new presence to every existing peer.
func (m *controlModule) completeJoin(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	selfAttrs, err := rt.Store.GetAttrs(ctx, m.room, m.self)
	if err != nil {
		return module.Actions{}, err
	}

	members, err := rt.Store.Members(ctx, m.room)
	if err != nil {
		return module.Actions{}, err
	}
	attrs, err := rt.Store.BulkGetAttrs(ctx, m.room, members)
	if err != nil {
		return module.Actions{}, err
	}

	participants := make([]Participant, 0, len(members))
	for _, p := range members {
		if p == m.self {
			continue
		}
		participants = append(participants, toParticipant(p, attrs[p]))
	}

	return module.Actions{
		WsSends: []module.WsSend{
			{Namespace: Namespace, Payload: map[string]any{
				"kind":         "join_success",
				"id":           m.self,
				"role":         selfAttrs["kind"],
				"participants": participants,
			}},
		},
		BusPublish: []module.BusPublish{
			{Namespace: m.room.String(), Payload: map[string]any{
				"kind":           "joined",
				"sender":         m.self.String(),
				"participant_id": m.self,
				"event":          JoinedPayload{Participant: toParticipant(m.self, selfAttrs)},
				"stamped":        time.Now(),
			}},
		},
	}, nil
}

func (m *controlModule) handleWsMessage(ctx context.Context, rt *module.Runtime, payload json.RawMessage) (module.Actions, error) {
	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return module.Actions{}, nil
	}

	switch envelope.Kind {
	case "raise_hand":
		return m.setHandRaised(true)
	case "lower_hand":
		return m.setHandRaised(false)
	default:
		return module.Actions{}, nil
	}
}

// setHandRaised writes the reserved hand_is_up attribute and bumps
// hand_updated_at (§3, §4.6), preserving the joined_at <= hand_updated_at
// invariant.
func (m *controlModule) setHandRaised(raised bool) (module.Actions, error) {
	value := "false"
	if raised {
		value = "true"
	}
	return module.Actions{
		SelfUpdate: &module.SelfUpdate{Attrs: map[string]string{
			"hand_is_up":      value,
			"hand_updated_at": time.Now().Format(time.RFC3339Nano),
		}},
		BusPublish: []module.BusPublish{{
			Namespace: m.room.String(),
			Payload: map[string]any{
				"kind":           "updated",
				"sender":         m.self.String(),
				"participant_id": m.self,
				"event":          UpdatedPayload{Participant: Participant{ParticipantId: m.self, HandRaised: raised}},
			},
		}},
	}, nil
}

func (m *controlModule) OnDestroy(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	return module.Actions{
		BusPublish: []module.BusPublish{{
			Namespace: m.room.String(),
			Payload: map[string]any{
				"kind":           "left",
				"event":          LeftPayload{ParticipantId: m.self},
				"sender":         m.self.String(),
				"participant_id": m.self,
			},
		}},
	}, nil
}

func toParticipant(p ids.ParticipantId, attrs map[string]string) Participant {
	return Participant{
		ParticipantId: p,
		DisplayName:   attrs["display_name"],
		HandRaised:    attrs["hand_is_up"] == "true",
	}
}
