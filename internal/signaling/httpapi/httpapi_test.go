package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nexusmeet/signaling-controller/internal/bus"
	"github.com/nexusmeet/signaling-controller/internal/roomstore"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
	"github.com/nexusmeet/signaling-controller/internal/signaling/modules/control"
	"github.com/nexusmeet/signaling-controller/internal/ticket"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv  *Server
	room ids.RoomId
	http *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	gin.SetMode(gin.TestMode)

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

	room := ids.NewRoomId()
	require.NoError(t, store.SetRoomAttr(context.Background(), ids.MainRoom(room), "created", "true"))

	srv := &Server{
		Store:   store,
		Bus:     svc,
		Tickets: tickets,
		Modules: registry,
		Rooms:   DefaultRoomDirectory{Store: store},
	}

	r := gin.New()
	srv.RegisterRoutes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, room: room, http: ts}
}

func (s *testServer) start(t *testing.T, path string, body any) (int, StartResponse) {
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	resp, err := http.Post(s.http.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out StartResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestStartIssuesTicketAndResumption(t *testing.T) {
	s := newTestServer(t)

	status, resp := s.start(t, "/rooms/"+s.room.String()+"/start", StartRequest{DisplayName: "Alice"})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Ticket, 64)
	require.Len(t, resp.Resumption, 64)
}

func TestStartUnknownRoomNotFound(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.start(t, "/rooms/"+ids.NewRoomId().String()+"/start", StartRequest{})
	require.Equal(t, http.StatusNotFound, status)
}

func TestStartWrongPasswordRejected(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.srv.Store.SetRoomAttr(context.Background(), ids.MainRoom(s.room), "password", "letmein"))

	status, _ := s.start(t, "/rooms/"+s.room.String()+"/start", StartRequest{Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, resp := s.start(t, "/rooms/"+s.room.String()+"/start", StartRequest{Password: "letmein"})
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.Ticket)
}

// TestHandshakeRedeemsTicketAndJoins exercises the full start -> WS upgrade
// path end to end: a ticket minted by the start handler must be redeemable
// exactly once by the handshake route, producing a running Runner that
// answers the client's control join with a control-namespace reply.
func TestHandshakeRedeemsTicketAndJoins(t *testing.T) {
	s := newTestServer(t)

	_, startResp := s.start(t, "/rooms/"+s.room.String()+"/start", StartRequest{DisplayName: "Alice"})
	require.NotEmpty(t, startResp.Ticket)

	wsURL := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/signaling"
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", Subprotocol+", ticket#"+startResp.Ticket)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))

	// The Runner sends nothing until the client's control join arrives.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"namespace": control.Namespace,
		"payload":   map[string]any{"kind": "join", "data": map[string]string{"display_name": "Alice"}},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Namespace string `json:"namespace"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, control.Namespace, msg.Namespace)
}

func TestHandshakeRejectsMissingTicket(t *testing.T) {
	s := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/signaling"
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", Subprotocol)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandshakeRejectsReusedTicket(t *testing.T) {
	s := newTestServer(t)
	_, startResp := s.start(t, "/rooms/"+s.room.String()+"/start", StartRequest{DisplayName: "Alice"})

	wsURL := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/signaling"
	header := http.Header{}
	header.Set("Sec-WebSocket-Protocol", Subprotocol+", ticket#"+startResp.Ticket)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestParseProtocolHeader(t *testing.T) {
	protocol, token, ok := parseProtocolHeader(Subprotocol + ", ticket#abc123")
	require.True(t, ok)
	require.Equal(t, Subprotocol, protocol)
	require.Equal(t, "abc123", token)

	_, _, ok = parseProtocolHeader("")
	require.False(t, ok)

	_, _, ok = parseProtocolHeader(Subprotocol + ", " + Subprotocol)
	require.False(t, ok, "two subprotocol tokens must be rejected")
}
