package breakout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nexusmeet/signaling-controller/internal/bus"
	"github.com/nexusmeet/signaling-controller/internal/roomstore"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
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

func TestBreakoutStart(t *testing.T) {
	room := ids.MainRoom(ids.NewRoomId())
	self := ids.NewParticipantId()

	rt, cleanup := newTestRuntime(t, room, self)
	defer cleanup()
	ctx := context.Background()

	mod := NewFactory()(room, self)

	startData, _ := json.Marshal(StartPayload{RoomCount: 3, Duration: 30 * time.Second})
	payload, _ := json.Marshal(map[string]any{"kind": "start", "data": json.RawMessage(startData)})

	actions, err := mod.OnEvent(ctx, rt, module.Event{Kind: module.EventWsMessage, Payload: payload})
	require.NoError(t, err)
	require.Len(t, actions.BusPublish, 1)

	raw, ok, err := rt.Store.GetRoomAttr(ctx, room, "breakout_config")
	require.NoError(t, err)
	require.True(t, ok)

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	require.Len(t, cfg.Rooms, 3)
}

func TestConfigExpired(t *testing.T) {
	cfg := Config{Started: time.Now().Add(-time.Hour), Duration: time.Minute}
	require.True(t, cfg.Expired(time.Now()))

	cfg2 := Config{Started: time.Now(), Duration: time.Hour}
	require.False(t, cfg2.Expired(time.Now()))
}
