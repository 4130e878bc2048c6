// Package automod implements automatic speaker selection: a host starts a
// session with a strategy (playlist, random, or nomination), the module
// picks the next speaker from an allow-list as participants cycle through,
// and automatically advances if the current speaker leaves. It is grounded
// on this codebase's hand-raise queue ordering (container/list FIFO in
// Room) for the playlist strategy, and reuses the RoomStore distributed
// mutex pattern under a separate key so automod's own history mutations
// never contend with ordinary room membership changes.
package automod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/nexusmeet/signaling-controller/internal/metrics"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
	"k8s.io/utils/set"
)

const Namespace = "automod"

// Strategy selects how the next speaker is chosen.
type Strategy string

const (
	StrategyNone       Strategy = "none"
	StrategyPlaylist   Strategy = "playlist"
	StrategyRandom     Strategy = "random"
	StrategyNomination Strategy = "nomination"
)

// ErrInvalidSelection is returned when a nomination names someone outside
// the allow-list or (without double selection) someone already in the
// history, or when a selection kind does not match the session's strategy.
// A playlist/random selection with no eligible participants remaining is not
// an error: it clears the speaker.
var ErrInvalidSelection = errors.New("automod: invalid selection")

// State is the persisted automod session state, stored as a single JSON
// blob under a RoomStore attribute so every process sees the same view.
type State struct {
	Strategy  Strategy            `json:"strategy"`
	AllowList []ids.ParticipantId `json:"allow_list"`
	// Queue is the playlist strategy's ordered pop-queue (§4.8, invariant
	// #5): each selection pops its front, rather than recomputing
	// allow_list minus history, so a participant re-added to the allow list
	// after being popped does not resurface out of turn. Unused by the
	// random and nomination strategies, which still select from the
	// allow-list-minus-history set.
	Queue                []ids.ParticipantId `json:"queue,omitempty"`
	History              []ids.ParticipantId `json:"history"`
	Speaker              *ids.ParticipantId  `json:"speaker,omitempty"`
	AllowDoubleSelection bool                `json:"allow_double_selection"`
}

func (s *State) remaining() []ids.ParticipantId {
	if s.Strategy == StrategyPlaylist {
		out := make([]ids.ParticipantId, len(s.Queue))
		copy(out, s.Queue)
		return out
	}
	seen := set.New[ids.ParticipantId]()
	if !s.AllowDoubleSelection {
		seen.Insert(s.History...)
	}
	out := make([]ids.ParticipantId, 0, len(s.AllowList))
	for _, p := range s.AllowList {
		if !seen.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// SpeakerUpdate is broadcast whenever the current speaker changes.
type SpeakerUpdate struct {
	Speaker   *ids.ParticipantId  `json:"speaker"`
	History   []ids.ParticipantId `json:"history"`
	Remaining []ids.ParticipantId `json:"remaining"`
}

const stateAttrKey = "automod_state"

type automodModule struct {
	room ids.SignalingRoomId
	self ids.ParticipantId
}

// NewFactory builds the automod module factory.
func NewFactory() module.Factory {
	return func(room ids.SignalingRoomId, participant ids.ParticipantId) module.Module {
		return &automodModule{room: room, self: participant}
	}
}

func (m *automodModule) Namespace() string { return Namespace }

func (m *automodModule) Init(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	return module.Actions{}, nil
}

func (m *automodModule) OnEvent(ctx context.Context, rt *module.Runtime, ev module.Event) (module.Actions, error) {
	switch ev.Kind {
	case module.EventWsMessage:
		return m.handleWsMessage(ctx, rt, ev.Payload)
	case module.EventBus:
		return module.Actions{WsSends: []module.WsSend{{Namespace: Namespace, Payload: ev.Payload}}}, nil
	case module.EventParticipantLeft:
		return m.handleParticipantLeft(ctx, rt, ev.Participant)
	default:
		return module.Actions{}, nil
	}
}

func (m *automodModule) handleWsMessage(ctx context.Context, rt *module.Runtime, payload json.RawMessage) (module.Actions, error) {
	var envelope struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return module.Actions{}, nil
	}

	switch envelope.Kind {
	case "start":
		return m.start(ctx, rt, envelope.Data)
	case "select_next":
		return m.selectNext(ctx, rt)
	case "nominate":
		return m.nominate(ctx, rt, envelope.Data)
	default:
		return module.Actions{}, nil
	}
}

func automodLockKey(room ids.SignalingRoomId) string { return "automod:" + room.String() }

// errNoop signals withLock's mutator made no change worth persisting or
// broadcasting (e.g. the participant who left was neither the current
// speaker nor on the allow-list or playlist).
var errNoop = errors.New("automod: no-op")

// withLock acquires automod's own distributed mutex (separate from the room
// membership lock, so a nomination cast does not contend with an unrelated
// participant joining), loads the current state, runs fn against it, and
// persists whatever fn mutated unless fn reports errNoop.
func (m *automodModule) withLock(ctx context.Context, rt *module.Runtime, fn func(*State) (module.Actions, error)) (module.Actions, error) {
	guard, err := rt.Store.LockNamed(ctx, automodLockKey(m.room))
	if err != nil {
		return module.Actions{}, fmt.Errorf("acquire automod lock: %w", err)
	}
	defer guard.Release(ctx)

	state, err := m.load(ctx, rt)
	if err != nil {
		return module.Actions{}, err
	}

	actions, err := fn(state)
	if err != nil {
		if errors.Is(err, errNoop) {
			return module.Actions{}, nil
		}
		return module.Actions{}, err
	}

	if err := m.save(ctx, rt, state); err != nil {
		return module.Actions{}, err
	}
	return actions, nil
}

// advance picks the next speaker in place, per-strategy: playlist pops its
// ordered queue, random draws from the allow-list-minus-history set, and any
// other strategy simply clears the speaker.
func (m *automodModule) advance(state *State) {
	switch state.Strategy {
	case StrategyPlaylist:
		if len(state.Queue) == 0 {
			state.Speaker = nil
			return
		}
		next := state.Queue[0]
		state.Queue = state.Queue[1:]
		state.Speaker = &next
		state.History = append(state.History, next)
	case StrategyRandom:
		remaining := state.remaining()
		if len(remaining) == 0 {
			state.Speaker = nil
			return
		}
		next := remaining[rand.IntN(len(remaining))]
		state.Speaker = &next
		state.History = append(state.History, next)
	default:
		state.Speaker = nil
	}
}

func (m *automodModule) start(ctx context.Context, rt *module.Runtime, data json.RawMessage) (module.Actions, error) {
	var req struct {
		Strategy  Strategy            `json:"strategy"`
		AllowList []ids.ParticipantId `json:"allow_list"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return module.Actions{}, fmt.Errorf("invalid automod start request: %w", err)
	}

	return m.withLock(ctx, rt, func(state *State) (module.Actions, error) {
		*state = State{Strategy: req.Strategy, AllowList: req.AllowList}
		if state.Strategy == StrategyPlaylist {
			state.Queue = append([]ids.ParticipantId(nil), state.AllowList...)
			m.advance(state)
			metrics.AutomodSelections.WithLabelValues(string(state.Strategy)).Inc()
		}
		return m.broadcastState(state), nil
	})
}

func (m *automodModule) selectNext(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	return m.withLock(ctx, rt, func(state *State) (module.Actions, error) {
		switch state.Strategy {
		case StrategyRandom, StrategyPlaylist:
		default:
			return module.Actions{}, ErrInvalidSelection
		}
		m.advance(state)
		metrics.AutomodSelections.WithLabelValues(string(state.Strategy)).Inc()
		return m.broadcastState(state), nil
	})
}

func (m *automodModule) nominate(ctx context.Context, rt *module.Runtime, data json.RawMessage) (module.Actions, error) {
	var req struct {
		Participant ids.ParticipantId `json:"participant"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return module.Actions{}, fmt.Errorf("invalid nomination: %w", err)
	}

	return m.withLock(ctx, rt, func(state *State) (module.Actions, error) {
		if state.Strategy != StrategyNomination {
			return module.Actions{}, ErrInvalidSelection
		}
		if !set.New(state.AllowList...).Has(req.Participant) {
			metrics.AutomodSelections.WithLabelValues("nomination_invalid").Inc()
			return module.Actions{}, ErrInvalidSelection
		}
		if !state.AllowDoubleSelection && set.New(state.History...).Has(req.Participant) {
			metrics.AutomodSelections.WithLabelValues("nomination_invalid").Inc()
			return module.Actions{}, ErrInvalidSelection
		}

		metrics.AutomodSelections.WithLabelValues(string(StrategyNomination)).Inc()
		state.Speaker = &req.Participant
		state.History = append(state.History, req.Participant)
		return m.broadcastState(state), nil
	})
}

// handleParticipantLeft prunes the departing participant from the allow-list
// and the playlist queue, and auto-advances if they were the current
// speaker, so the room is never left waiting on someone who is gone.
func (m *automodModule) handleParticipantLeft(ctx context.Context, rt *module.Runtime, participant ids.ParticipantId) (module.Actions, error) {
	return m.withLock(ctx, rt, func(state *State) (module.Actions, error) {
		before := len(state.AllowList) + len(state.Queue)
		isLeaver := func(p ids.ParticipantId) bool { return p == participant }
		state.AllowList = slices.DeleteFunc(state.AllowList, isLeaver)
		state.Queue = slices.DeleteFunc(state.Queue, isLeaver)
		if state.Speaker == nil || *state.Speaker != participant {
			if len(state.AllowList)+len(state.Queue) < before {
				return module.Actions{}, nil
			}
			return module.Actions{}, errNoop
		}
		switch state.Strategy {
		case StrategyRandom, StrategyPlaylist:
			m.advance(state)
			metrics.AutomodSelections.WithLabelValues(string(state.Strategy)).Inc()
		default:
			state.Speaker = nil
		}
		return m.broadcastState(state), nil
	})
}

func (m *automodModule) load(ctx context.Context, rt *module.Runtime) (*State, error) {
	raw, ok, err := rt.Store.GetRoomAttr(ctx, m.room, stateAttrKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &State{Strategy: StrategyNone}, nil
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *automodModule) save(ctx context.Context, rt *module.Runtime, state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return rt.Store.SetRoomAttr(ctx, m.room, stateAttrKey, string(data))
}

func (m *automodModule) broadcastState(state *State) module.Actions {
	return module.Actions{
		BusPublish: []module.BusPublish{{
			Namespace: m.room.String(),
			Payload: map[string]any{
				"module": Namespace,
				"kind":   "speaker_update",
				"event": SpeakerUpdate{
					Speaker:   state.Speaker,
					History:   state.History,
					Remaining: state.remaining(),
				},
			},
		}},
	}
}

func (m *automodModule) OnDestroy(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	return module.Actions{}, nil
}
