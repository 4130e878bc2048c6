package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/nexusmeet/signaling-controller/internal/bus"
	"github.com/nexusmeet/signaling-controller/internal/roomstore"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
	"github.com/nexusmeet/signaling-controller/internal/signaling/modules/control"
	"github.com/nexusmeet/signaling-controller/internal/ticket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// TestMain checks every test in this package leaves no goroutine running
// past its readPump/writePump lifetime -- the Runner's whole job is
// spawning and tearing down exactly those two goroutines per connection, so
// a leak here is the first sign teardown missed a path.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testHarness wires a real (miniredis-backed) RoomStore, Bus and
// TicketRegistry behind an httptest server that upgrades every request to a
// WebSocket and hands it to a freshly built Runner, mirroring what the
// production WS handshake handler does once a ticket has been consumed.
type testHarness struct {
	deps   Deps
	room   ids.SignalingRoomId
	server *httptest.Server
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newHarness(t *testing.T) *testHarness {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	store := roomstore.NewStore(svc.Client())
	tickets := ticket.NewRegistry(svc.Client())

	registry := module.NewRegistry()
	registry.MustRegister(control.Namespace, control.NewFactory())

	h := &testHarness{
		deps: Deps{Store: store, Bus: svc, Tickets: tickets, Modules: registry, Log: zap.NewNop()},
		room: ids.MainRoom(ids.NewRoomId()),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		self, err := ids.ParseParticipantId(r.URL.Query().Get("participant"))
		require.NoError(t, err)
		name := r.URL.Query().Get("name")

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		rn := New(h.deps, conn, h.room, self, Identity{UserID: ids.NewUserId(), DisplayName: name}, "")
		go rn.Run(context.Background())
	})
	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)

	return h
}

func (h *testHarness) dial(t *testing.T, self ids.ParticipantId, name string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws?participant=" + self.String() + "&name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) OutboundMessage {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var msg OutboundMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// join sends the control.Join handshake frame every connection must send
// before anything else is honored, and returns the resulting join_success
// frame.
func (h *testHarness) join(t *testing.T, conn *websocket.Conn, displayName string) OutboundMessage {
	data, err := json.Marshal(control.JoinPayload{DisplayName: displayName})
	require.NoError(t, err)
	envelope, err := json.Marshal(struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}{Kind: "join", Data: data})
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(InboundMessage{Namespace: control.Namespace, Payload: envelope}))
	return readFrame(t, conn, time.Second)
}

// TestTwoParticipantsExchangePresence mirrors scenario S1: Alice joins and
// receives a join_success, then Bob joins and Alice observes his presence
// over the control namespace.
func TestTwoParticipantsExchangePresence(t *testing.T) {
	h := newHarness(t)

	alice := ids.NewParticipantId()
	aliceConn := h.dial(t, alice, "Alice")
	defer aliceConn.Close()

	joinSuccess := h.join(t, aliceConn, "Alice")
	require.Equal(t, control.Namespace, joinSuccess.Namespace)

	bob := ids.NewParticipantId()
	bobConn := h.dial(t, bob, "Bob")
	defer bobConn.Close()

	_ = h.join(t, bobConn, "Bob") // Bob's own join_success

	// Alice should observe Bob's presence next.
	update := readFrame(t, aliceConn, 2*time.Second)
	require.Equal(t, control.Namespace, update.Namespace)
}

// TestOwnershipLockRejectsSecondRunner exercises the ParticipantOwnership
// invariant directly: a second Runner racing for the same ParticipantId
// must fail to build rather than stomp on the first Runner's state.
func TestOwnershipLockRejectsSecondRunner(t *testing.T) {
	h := newHarness(t)
	self := ids.NewParticipantId()

	ok, err := h.deps.Store.AcquireOwnership(context.Background(), self, "first-runner", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	r := &Runner{
		deps: h.deps, room: h.room, self: self, runnerID: "second-runner", log: zap.NewNop(),
		ownershipMaxRetries:  2,
		ownershipRetryPeriod: time.Millisecond,
	}
	err = r.acquireOwnership(context.Background())
	require.Error(t, err, "a second runner must not acquire ownership while the first still holds it")
}
