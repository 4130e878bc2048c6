// Package breakout implements breakout rooms: hosts start a set of
// sub-rooms with a duration, participants join one of them, and every
// Runner inside a breakout evicts its own connection back to the main room
// when the duration expires (plus a grace period for stragglers still
// mid-transition). It is grounded on this codebase's Hub.removeRoom
// grace-period cleanup pattern (a cancellable timer keyed by id), repurposed
// from "delay deleting an empty room" to "delay evicting a breakout room",
// and moved from a process-local timer into a Runner-owned one per §9's
// design note that the expiry timer is scheduled locally per Runner inside
// a breakout.
package breakout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexusmeet/signaling-controller/internal/metrics"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
)

const Namespace = "breakout"

// ConfigAttrKey is the RoomStore room-attribute key a running breakout
// session's Config is stored under, keyed to the parent (main) room.
const ConfigAttrKey = "breakout_config"

// Config describes one running breakout session: a parent room split into
// n sub-rooms for a fixed duration.
type Config struct {
	Rooms    []ids.BreakoutId `json:"rooms"`
	Started  time.Time        `json:"started"`
	Duration time.Duration    `json:"duration"`
}

// ExpiresAt is the instant this breakout session's duration elapses.
func (c Config) ExpiresAt() time.Time { return c.Started.Add(c.Duration) }

// Expired reports whether the breakout session's duration has already
// elapsed as of now. Used by the HTTP start endpoint to reject joining an
// already-expired breakout rather than silently admitting a participant
// into a room about to be torn down.
func (c Config) Expired(now time.Time) bool { return now.After(c.ExpiresAt()) }

// StartPayload requests starting a breakout session, sent by a host.
type StartPayload struct {
	RoomCount int           `json:"room_count"`
	Duration  time.Duration `json:"duration"`
}

// AssignPayload tells a participant which breakout room they have been
// placed into.
type AssignPayload struct {
	Breakout ids.BreakoutId `json:"breakout"`
}

// ExpiredPayload is broadcast on the parent room's global namespace
// (ids.GlobalNamespace, "global.<room>") when a breakout session's duration
// elapses.
type ExpiredPayload struct {
	Room ids.RoomId `json:"room"`
}

type breakoutModule struct {
	room ids.SignalingRoomId
	self ids.ParticipantId
}

// NewFactory builds the breakout module factory.
func NewFactory() module.Factory {
	return func(room ids.SignalingRoomId, participant ids.ParticipantId) module.Module {
		return &breakoutModule{room: room, self: participant}
	}
}

func (m *breakoutModule) Namespace() string { return Namespace }

func (m *breakoutModule) Init(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	return module.Actions{}, nil
}

func (m *breakoutModule) OnEvent(ctx context.Context, rt *module.Runtime, ev module.Event) (module.Actions, error) {
	if ev.Kind == module.EventBus {
		return module.Actions{WsSends: []module.WsSend{{Namespace: Namespace, Payload: ev.Payload}}}, nil
	}
	if ev.Kind != module.EventWsMessage {
		return module.Actions{}, nil
	}

	var envelope struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(ev.Payload, &envelope); err != nil {
		return module.Actions{}, nil
	}

	switch envelope.Kind {
	case "start":
		return m.start(ctx, rt, envelope.Data)
	default:
		return module.Actions{}, nil
	}
}

// start creates n breakout rooms under the parent room, stores their Config
// and publishes one "started" message carrying that Config on the room's
// namespace; it does not place any participant into a particular room. Each
// participant's own Runner arms its own expiry timer once it actually joins
// a breakout (see runner.armBreakoutTimers), per §9's design note that the
// expiry timer is scheduled locally per Runner inside a breakout rather than
// once, centrally, by whoever called start.
func (m *breakoutModule) start(ctx context.Context, rt *module.Runtime, data json.RawMessage) (module.Actions, error) {
	var req StartPayload
	if err := json.Unmarshal(data, &req); err != nil || req.RoomCount < 1 {
		return module.Actions{}, fmt.Errorf("invalid breakout start request")
	}

	cfg := Config{Duration: req.Duration, Started: time.Now()}
	for i := 0; i < req.RoomCount; i++ {
		cfg.Rooms = append(cfg.Rooms, ids.NewBreakoutId())
	}

	data2, err := json.Marshal(cfg)
	if err != nil {
		return module.Actions{}, err
	}
	if err := rt.Store.SetRoomAttr(ctx, m.room, ConfigAttrKey, string(data2)); err != nil {
		return module.Actions{}, err
	}

	metrics.BreakoutRoomsActive.WithLabelValues(m.room.Room.String()).Set(float64(req.RoomCount))

	return module.Actions{
		BusPublish: []module.BusPublish{{
			Namespace: m.room.String(),
			Payload: map[string]any{
				"module": Namespace,
				"kind":   "started",
				"config": cfg,
			},
		}},
	}, nil
}

func (m *breakoutModule) OnDestroy(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	return module.Actions{}, nil
}
