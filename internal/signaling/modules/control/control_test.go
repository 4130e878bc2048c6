package control

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

func TestControlCompleteJoinSendsJoinSuccess(t *testing.T) {
	room := ids.MainRoom(ids.NewRoomId())
	self := ids.NewParticipantId()
	other := ids.NewParticipantId()

	rt, cleanup := newTestRuntime(t, room, self)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, rt.Store.AddParticipant(ctx, room, other, map[string]string{"display_name": "Bob"}))
	require.NoError(t, rt.Store.AddParticipant(ctx, room, self, map[string]string{"display_name": "Alice", "kind": "User"}))

	mod := NewFactory()(room, self)
	actions, err := mod.OnEvent(ctx, rt, module.Event{Kind: module.EventJoined})
	require.NoError(t, err)

	require.Len(t, actions.WsSends, 1)
	require.Len(t, actions.BusPublish, 1)

	joinSuccess := actions.WsSends[0].Payload.(map[string]any)
	assert.Equal(t, "join_success", joinSuccess["kind"])
	assert.Equal(t, "User", joinSuccess["role"])
	participants := joinSuccess["participants"].([]Participant)
	require.Len(t, participants, 1)
	assert.Equal(t, "Bob", participants[0].DisplayName)

	joinedMsg := actions.BusPublish[0].Payload.(map[string]any)
	assert.Equal(t, "joined", joinedMsg["kind"])
}

func TestControlRaiseHand(t *testing.T) {
	room := ids.MainRoom(ids.NewRoomId())
	self := ids.NewParticipantId()

	rt, cleanup := newTestRuntime(t, room, self)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, rt.Store.AddParticipant(ctx, room, self, map[string]string{"display_name": "Alice"}))

	mod := NewFactory()(room, self)
	payload, _ := json.Marshal(map[string]string{"kind": "raise_hand"})

	actions, err := mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, actions.SelfUpdate)
	assert.Equal(t, "true", actions.SelfUpdate.Attrs["hand_is_up"])
	assert.NotEmpty(t, actions.SelfUpdate.Attrs["hand_updated_at"])
}

func TestControlPresenceEventsPassThroughToClient(t *testing.T) {
	room := ids.MainRoom(ids.NewRoomId())
	self := ids.NewParticipantId()

	rt, cleanup := newTestRuntime(t, room, self)
	defer cleanup()
	ctx := context.Background()

	mod := NewFactory()(room, self)
	payload, _ := json.Marshal(map[string]any{"kind": "joined"})

	actions, err := mod.OnEvent(ctx, rt, module.Event{Kind: module.EventParticipantJoined, Payload: payload})
	require.NoError(t, err)
	require.Len(t, actions.WsSends, 1)
	assert.Equal(t, Namespace, actions.WsSends[0].Namespace)
}
