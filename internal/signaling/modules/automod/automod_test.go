package automod

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nexusmeet/signaling-controller/internal/bus"
	"github.com/nexusmeet/signaling-controller/internal/roomstore"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T, room ids.SignalingRoomId, self ids.ParticipantId) (*module.Runtime, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	store := roomstore.NewStore(svc.Client())
	rt := &module.Runtime{Room: room, Participant: self, Store: store, Bus: svc}
	return rt, func() { mr.Close(); svc.Close() }
}

func TestAutomodPlaylistCycle(t *testing.T) {
	room := ids.MainRoom(ids.NewRoomId())
	self := ids.NewParticipantId()
	p1, p2 := ids.NewParticipantId(), ids.NewParticipantId()

	rt, cleanup := newTestRuntime(t, room, self)
	defer cleanup()
	ctx := context.Background()

	mod := NewFactory()(room, self)

	// Starting a playlist session immediately selects the first speaker off
	// the queue, with everyone else left in remaining().
	startData, _ := json.Marshal(map[string]any{"strategy": StrategyPlaylist, "allow_list": []ids.ParticipantId{p1, p2}})
	startPayload, _ := json.Marshal(map[string]any{"kind": "start", "data": json.RawMessage(startData)})
	actions, err := mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: startPayload})
	require.NoError(t, err)
	require.Len(t, actions.BusPublish, 1)

	state, err := mod.(*automodModule).load(ctx, rt)
	require.NoError(t, err)
	require.NotNil(t, state.Speaker)
	assert.Equal(t, p1, *state.Speaker)
	assert.Equal(t, []ids.ParticipantId{p2}, state.remaining())

	selectPayload, _ := json.Marshal(map[string]any{"kind": "select_next"})
	_, err = mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: selectPayload})
	require.NoError(t, err)
	state, err = mod.(*automodModule).load(ctx, rt)
	require.NoError(t, err)
	assert.Equal(t, p2, *state.Speaker)
}

func TestAutomodNominationRejectsIneligible(t *testing.T) {
	room := ids.MainRoom(ids.NewRoomId())
	self := ids.NewParticipantId()
	p1 := ids.NewParticipantId()
	stranger := ids.NewParticipantId()

	rt, cleanup := newTestRuntime(t, room, self)
	defer cleanup()
	ctx := context.Background()

	mod := NewFactory()(room, self)
	startData, _ := json.Marshal(map[string]any{"strategy": StrategyNomination, "allow_list": []ids.ParticipantId{p1}})
	startPayload, _ := json.Marshal(map[string]any{"kind": "start", "data": json.RawMessage(startData)})
	_, err := mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: startPayload})
	require.NoError(t, err)

	nomData, _ := json.Marshal(map[string]any{"participant": stranger})
	nomPayload, _ := json.Marshal(map[string]any{"kind": "nominate", "data": json.RawMessage(nomData)})
	_, err = mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: nomPayload})
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestAutomodNominationRejectsRepeatFromHistory(t *testing.T) {
	room := ids.MainRoom(ids.NewRoomId())
	self := ids.NewParticipantId()
	p1, p2 := ids.NewParticipantId(), ids.NewParticipantId()

	rt, cleanup := newTestRuntime(t, room, self)
	defer cleanup()
	ctx := context.Background()

	mod := NewFactory()(room, self)
	startData, _ := json.Marshal(map[string]any{"strategy": StrategyNomination, "allow_list": []ids.ParticipantId{p1, p2}})
	startPayload, _ := json.Marshal(map[string]any{"kind": "start", "data": json.RawMessage(startData)})
	_, err := mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: startPayload})
	require.NoError(t, err)

	nomData, _ := json.Marshal(map[string]any{"participant": p1})
	nomPayload, _ := json.Marshal(map[string]any{"kind": "nominate", "data": json.RawMessage(nomData)})
	_, err = mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: nomPayload})
	require.NoError(t, err)

	// p1 is now in history; nominating them again with allow_double_selection
	// unset must be rejected as InvalidSelection, per the spec's invariant
	// that nomination history entries are unique unless double-selection is
	// explicitly allowed.
	_, err = mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: nomPayload})
	assert.ErrorIs(t, err, ErrInvalidSelection)

	state, err := mod.(*automodModule).load(ctx, rt)
	require.NoError(t, err)
	require.NotNil(t, state.Speaker)
	assert.Equal(t, p1, *state.Speaker)
	assert.Equal(t, []ids.ParticipantId{p1}, state.History)
}

func TestAutomodAutoAdvanceOnSpeakerLeft(t *testing.T) {
	room := ids.MainRoom(ids.NewRoomId())
	self := ids.NewParticipantId()
	p1, p2 := ids.NewParticipantId(), ids.NewParticipantId()

	rt, cleanup := newTestRuntime(t, room, self)
	defer cleanup()
	ctx := context.Background()

	mod := NewFactory()(room, self)
	startData, _ := json.Marshal(map[string]any{"strategy": StrategyPlaylist, "allow_list": []ids.ParticipantId{p1, p2}})
	startPayload, _ := json.Marshal(map[string]any{"kind": "start", "data": json.RawMessage(startData)})
	_, err := mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: startPayload})
	require.NoError(t, err)

	// start already selected p1 as the initial speaker; p1 leaving should
	// auto-advance the queue to p2 without an explicit select_next.
	actions, err := mod.OnEvent(ctx, rt, module.Event{Kind: module.EventParticipantLeft, Participant: p1})
	require.NoError(t, err)
	require.Len(t, actions.BusPublish, 1)

	state, err := mod.(*automodModule).load(ctx, rt)
	require.NoError(t, err)
	require.NotNil(t, state.Speaker)
	assert.Equal(t, p2, *state.Speaker)
}
