// Package httpapi implements the two HTTP-facing edges of the signaling
// controller: the family of start endpoints that hand a client a ticket, and
// the WebSocket upgrade route that redeems it. It is grounded on this
// codebase's session.Hub token-extraction/upgrade flow
// (hub_helpers.go: extractToken, validateOrigin, upgradeWebSocket),
// generalized from a single JWT-in-subprotocol scheme into the ticket-based
// handoff the signaling controller uses instead.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/nexusmeet/signaling-controller/internal/auth"
	"github.com/nexusmeet/signaling-controller/internal/bus"
	"github.com/nexusmeet/signaling-controller/internal/metrics"
	"github.com/nexusmeet/signaling-controller/internal/ratelimit"
	"github.com/nexusmeet/signaling-controller/internal/roomstore"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/mediaengine"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
	"github.com/nexusmeet/signaling-controller/internal/signaling/runner"
	"github.com/nexusmeet/signaling-controller/internal/ticket"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subprotocol is the signaling wire-protocol token every client MUST offer
// alongside its ticket in Sec-WebSocket-Protocol.
const Subprotocol = "signaling-json-v1.0"

const ticketProtocolPrefix = "ticket#"

// ParticipantKind distinguishes the start-endpoint family: a logged-in user,
// an invite-only guest, or one of the service integrations (SIP, recording,
// call-in) that join without an interactive client.
type ParticipantKind string

const (
	KindUser      ParticipantKind = "user"
	KindInvited   ParticipantKind = "invited"
	KindSIP       ParticipantKind = "sip"
	KindRecording ParticipantKind = "recording"
	KindCallIn    ParticipantKind = "call_in"
)

// reservedKind maps a start-endpoint ParticipantKind onto the reserved
// RoomStore "kind" attribute value the spec defines (§3: User, Guest, Sip,
// Recorder) -- the two SIP-adjacent service kinds (sip, call_in) both join
// as Sip, since neither has an interactive client session of its own.
func reservedKind(k ParticipantKind) string {
	switch k {
	case KindUser:
		return "User"
	case KindInvited:
		return "Guest"
	case KindSIP, KindCallIn:
		return "Sip"
	case KindRecording:
		return "Recorder"
	default:
		return "Guest"
	}
}

// TicketClaims is what a start handler seals into a ticket and a WS
// handshake later consumes. It mirrors spec.md's TicketData shape.
type TicketClaims struct {
	ParticipantId   ids.ParticipantId `json:"participant_id"`
	ParticipantKind ParticipantKind   `json:"participant_kind"`
	Room            ids.RoomId        `json:"room"`
	Breakout        *ids.BreakoutId   `json:"breakout,omitempty"`
	UserID          ids.UserId        `json:"user_id"`
	DisplayName     string            `json:"display_name"`
	Resumption      string            `json:"resumption"`
}

func (c TicketClaims) signalingRoom() ids.SignalingRoomId {
	if c.Breakout == nil {
		return ids.MainRoom(c.Room)
	}
	return ids.InBreakout(c.Room, *c.Breakout)
}

// StartRequest is the JSON body every start endpoint variant accepts.
type StartRequest struct {
	Password     string  `json:"password,omitempty"`
	InviteCode   string  `json:"invite_code,omitempty"`
	BreakoutRoom *string `json:"breakout_room,omitempty"`
	Resumption   string  `json:"resumption,omitempty"`
	DisplayName  string  `json:"display_name,omitempty"`
}

// StartResponse is returned by every successful start call.
type StartResponse struct {
	Ticket     string `json:"ticket"`
	Resumption string `json:"resumption"`
}

// errorBody is the JSON shape of every error response, tagged the way
// spec.md §6/§7 names its error kinds so clients can switch on it.
type errorBody struct {
	Error string `json:"error"`
}

// TokenValidator authenticates a bearer token into caller identity. Both
// auth.Validator (JWKS-backed) and auth.MockValidator satisfy it.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// RoomDirectory is the persistence boundary for room metadata (password
// protection, invite codes, breakout layout) that in a full deployment
// would be owned by a separate control-plane service. DefaultRoomDirectory
// is a thin RoomStore-backed implementation sufficient to run standalone.
type RoomDirectory interface {
	// RoomExists reports whether room is a room the start endpoint may admit
	// participants into.
	RoomExists(ctx context.Context, room ids.RoomId) (bool, error)
	// CheckPassword validates a caller-supplied password against the room's
	// configured password, if any. ok is true when no password is required
	// or the supplied one matches.
	CheckPassword(ctx context.Context, room ids.RoomId, password string) (ok bool, err error)
	// CheckInvite validates an invite code for invite-gated joins.
	CheckInvite(ctx context.Context, room ids.RoomId, code string) (ok bool, err error)
	// BreakoutRooms lists the breakout rooms currently configured for room,
	// used to validate a caller-supplied breakout_room id.
	BreakoutRooms(ctx context.Context, room ids.RoomId) ([]ids.BreakoutId, error)
}

// DefaultRoomDirectory implements RoomDirectory directly on top of
// RoomStore's room-attribute map, following the same SetRoomAttr/
// GetRoomAttr pattern the breakout and automod modules use for their own
// room-scoped configuration.
type DefaultRoomDirectory struct {
	Store *roomstore.Store
}

func (d DefaultRoomDirectory) RoomExists(ctx context.Context, room ids.RoomId) (bool, error) {
	members, err := d.Store.Members(ctx, ids.MainRoom(room))
	if err != nil {
		return false, err
	}
	if len(members) > 0 {
		return true, nil
	}
	_, ok, err := d.Store.GetRoomAttr(ctx, ids.MainRoom(room), "created")
	return ok, err
}

func (d DefaultRoomDirectory) CheckPassword(ctx context.Context, room ids.RoomId, password string) (bool, error) {
	want, ok, err := d.Store.GetRoomAttr(ctx, ids.MainRoom(room), "password")
	if err != nil {
		return false, err
	}
	if !ok || want == "" {
		return true, nil
	}
	return password == want, nil
}

func (d DefaultRoomDirectory) CheckInvite(ctx context.Context, room ids.RoomId, code string) (bool, error) {
	want, ok, err := d.Store.GetRoomAttr(ctx, ids.MainRoom(room), "invite_code")
	if err != nil {
		return false, err
	}
	if !ok || want == "" {
		return true, nil
	}
	return code == want, nil
}

func (d DefaultRoomDirectory) BreakoutRooms(ctx context.Context, room ids.RoomId) ([]ids.BreakoutId, error) {
	raw, ok, err := d.Store.GetRoomAttr(ctx, ids.MainRoom(room), "breakout_rooms")
	if err != nil || !ok {
		return nil, err
	}
	var out []ids.BreakoutId
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Server bundles every collaborator the start and handshake handlers need.
type Server struct {
	Store       *roomstore.Store
	Bus         *bus.Service
	Tickets     *ticket.Registry
	Modules     *module.Registry
	MediaEngine *mediaengine.Client
	Rooms       RoomDirectory
	Users       TokenValidator
	RateLimit   *ratelimit.RateLimiter
	Log         *zap.Logger

	// AllowedOrigins, if non-empty, restricts which Origin header values
	// the WS upgrade route accepts, mirroring validateOrigin in the
	// teacher's hub_helpers.go.
	AllowedOrigins []string
}

func (s *Server) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// RegisterRoutes wires every start endpoint variant and the WebSocket
// upgrade route onto r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.POST("/rooms/:room/start", s.withRateLimit("rooms", s.startHandler(KindUser)))
	r.POST("/rooms/:room/start_invited", s.withRateLimit("rooms", s.startHandler(KindInvited)))
	r.POST("/rooms/:room/sip/start", s.withRateLimit("rooms", s.startHandler(KindSIP)))
	r.POST("/rooms/:room/service/recording/start", s.withRateLimit("rooms", s.startHandler(KindRecording)))
	r.POST("/rooms/:room/service/call_in/start", s.withRateLimit("rooms", s.startHandler(KindCallIn)))
	r.GET("/signaling", s.handshakeHandler())
}

func (s *Server) withRateLimit(endpoint string, next gin.HandlerFunc) gin.HandlerFunc {
	if s.RateLimit == nil {
		return next
	}
	return func(c *gin.Context) {
		s.RateLimit.MiddlewareForEndpoint(endpoint)(c)
		if c.IsAborted() {
			return
		}
		next(c)
	}
}

// startHandler implements the POST /rooms/{room}/start family (§6). It
// authenticates (for user/invited kinds), authorizes against password or
// invite code, resolves resumption-based eviction of a prior session, and
// mints a ticket plus a fresh resumption token.
func (s *Server) startHandler(kind ParticipantKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		room, err := ids.ParseRoomId(c.Param("room"))
		if err != nil {
			s.respondError(c, http.StatusNotFound, "NotFound")
			return
		}

		var req StartRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				s.respondError(c, http.StatusBadRequest, "InvalidRequest")
				return
			}
		}

		exists, err := s.Rooms.RoomExists(ctx, room)
		if err != nil {
			s.log().Warn("room lookup failed", zap.Error(err))
			s.respondError(c, http.StatusInternalServerError, "InternalError")
			return
		}
		if !exists {
			s.respondError(c, http.StatusNotFound, "NotFound")
			return
		}

		userID := ids.NewUserId()
		displayName := req.DisplayName

		switch kind {
		case KindUser, KindInvited:
			if kind == KindUser {
				ok, err := s.Rooms.CheckPassword(ctx, room, req.Password)
				if err != nil {
					s.respondError(c, http.StatusInternalServerError, "InternalError")
					return
				}
				if !ok {
					s.respondError(c, http.StatusUnauthorized, "WrongRoomPassword")
					return
				}
			} else {
				ok, err := s.Rooms.CheckInvite(ctx, room, req.InviteCode)
				if err != nil {
					s.respondError(c, http.StatusInternalServerError, "InternalError")
					return
				}
				if !ok {
					s.respondError(c, http.StatusUnauthorized, "InvalidInvite")
					return
				}
			}
			if s.Users != nil {
				if tok := bearerToken(c); tok != "" {
					claims, err := s.Users.ValidateToken(tok)
					if err != nil {
						s.respondError(c, http.StatusUnauthorized, "InvalidCredentials")
						return
					}
					if claims.Name != "" {
						displayName = claims.Name
					}
				}
			}
		}

		var breakout *ids.BreakoutId
		if req.BreakoutRoom != nil {
			rooms, err := s.Rooms.BreakoutRooms(ctx, room)
			if err != nil {
				s.respondError(c, http.StatusInternalServerError, "InternalError")
				return
			}
			if len(rooms) == 0 {
				s.respondError(c, http.StatusBadRequest, "NoBreakoutRooms")
				return
			}
			bid, err := ids.ParseBreakoutId(*req.BreakoutRoom)
			if err != nil {
				s.respondError(c, http.StatusBadRequest, "InvalidBreakoutRoomId")
				return
			}
			found := false
			for _, candidate := range rooms {
				if candidate == bid {
					found = true
					break
				}
			}
			if !found {
				s.respondError(c, http.StatusBadRequest, "InvalidBreakoutRoomId")
				return
			}
			breakout = &bid
		}

		participant := ids.NewParticipantId()

		// Resumption-based session handoff (§3, §4.1): reusing the same
		// ParticipantId and evicting the prior Runner exactly once.
		if req.Resumption != "" {
			var prior struct {
				Room        ids.SignalingRoomId `json:"room"`
				Participant ids.ParticipantId   `json:"participant"`
				Identity    struct {
					UserID      ids.UserId      `json:"UserID"`
					DisplayName string          `json:"DisplayName"`
					Kind        ParticipantKind `json:"Kind"`
				} `json:"identity"`
			}
			if err := s.Tickets.ConsumeResumption(ctx, req.Resumption, &prior); err == nil {
				participant = prior.Participant
				if displayName == "" {
					displayName = prior.Identity.DisplayName
				}
				exitNamespace := "participant." + participant.String()
				if prior.Identity.Kind == KindUser {
					exitNamespace = "user." + prior.Identity.UserID.String()
				}
				_ = s.Bus.Publish(ctx, exitNamespace, map[string]any{
					"kind":  "exit",
					"event": "control.Exit",
				})
			}
		}

		resumeToken, err := s.Tickets.IssueResumption(ctx, map[string]any{
			"room":        ids.MainRoom(room),
			"participant": participant,
			"identity": map[string]any{
				"UserID":      userID,
				"DisplayName": displayName,
				"Kind":        kind,
			},
		})
		if err != nil {
			s.log().Warn("issue resumption token failed", zap.Error(err))
			s.respondError(c, http.StatusInternalServerError, "InternalError")
			return
		}

		claims := TicketClaims{
			ParticipantId:   participant,
			ParticipantKind: kind,
			Room:            room,
			Breakout:        breakout,
			UserID:          userID,
			DisplayName:     displayName,
			Resumption:      resumeToken,
		}
		ticketTok, err := s.Tickets.IssueTicket(ctx, claims)
		if err != nil {
			s.log().Warn("issue ticket failed", zap.Error(err))
			s.respondError(c, http.StatusInternalServerError, "InternalError")
			return
		}

		c.JSON(http.StatusOK, StartResponse{Ticket: ticketTok, Resumption: resumeToken})
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) respondError(c *gin.Context, status int, tag string) {
	metrics.HandshakeOutcome.WithLabelValues(tag).Inc()
	c.JSON(status, errorBody{Error: tag})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handshakeHandler implements the WebSocket upgrade endpoint (§6): exactly
// one signaling subprotocol plus exactly one ticket#<64 hex> token must be
// present in Sec-WebSocket-Protocol, grounded on the teacher's
// extractToken/upgradeWebSocket split in hub_helpers.go but redeeming a
// ticket instead of validating a bearer JWT directly on the socket.
func (s *Server) handshakeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.RateLimit != nil && !s.RateLimit.CheckWebSocket(c) {
			return
		}

		header := c.GetHeader("Sec-WebSocket-Protocol")
		protocol, tokenValue, ok := parseProtocolHeader(header)
		if !ok {
			metrics.HandshakeOutcome.WithLabelValues("missing_protocol").Inc()
			c.JSON(http.StatusBadRequest, errorBody{Error: "missing_protocol"})
			return
		}
		if tokenValue == "" {
			metrics.HandshakeOutcome.WithLabelValues("missing_ticket").Inc()
			c.JSON(http.StatusBadRequest, errorBody{Error: "missing_ticket"})
			return
		}

		if origin := c.GetHeader("Origin"); origin != "" && len(s.AllowedOrigins) > 0 {
			if !originAllowed(origin, s.AllowedOrigins) {
				c.JSON(http.StatusForbidden, errorBody{Error: "origin_not_allowed"})
				return
			}
		}

		ctx := c.Request.Context()
		var claims TicketClaims
		if err := s.Tickets.ConsumeTicket(ctx, tokenValue, &claims); err != nil {
			if errors.Is(err, ticket.ErrNotFound) {
				metrics.HandshakeOutcome.WithLabelValues("invalid_ticket").Inc()
				c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid_ticket"})
				return
			}
			s.log().Warn("consume ticket failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorBody{Error: "InternalError"})
			return
		}

		if s.RateLimit != nil {
			if err := s.RateLimit.CheckWebSocketUser(ctx, claims.UserID.String()); err != nil {
				c.JSON(http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
				return
			}
		}

		respHeader := http.Header{}
		respHeader.Set("Sec-WebSocket-Protocol", protocol)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, respHeader)
		if err != nil {
			s.log().Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		metrics.HandshakeOutcome.WithLabelValues("ok").Inc()

		rn := runner.New(
			runner.Deps{Store: s.Store, Bus: s.Bus, Tickets: s.Tickets, Modules: s.Modules, MediaEngine: s.MediaEngine, Log: s.Log},
			conn,
			claims.signalingRoom(),
			claims.ParticipantId,
			runner.Identity{UserID: claims.UserID, DisplayName: claims.DisplayName, Kind: reservedKind(claims.ParticipantKind)},
			claims.Resumption,
		)

		runCtx, cancel := context.WithCancel(context.Background())
		go func() {
			defer cancel()
			rn.Run(runCtx)
		}()
	}
}

// parseProtocolHeader splits a comma-separated Sec-WebSocket-Protocol value
// into the negotiated subprotocol and the ticket token, requiring exactly
// one of each.
func parseProtocolHeader(header string) (protocol, token string, ok bool) {
	if header == "" {
		return "", "", false
	}
	var protocols []string
	var tokens []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
			continue
		case strings.HasPrefix(part, ticketProtocolPrefix):
			tokens = append(tokens, strings.TrimPrefix(part, ticketProtocolPrefix))
		case part == Subprotocol:
			protocols = append(protocols, part)
		}
	}
	if len(protocols) != 1 {
		return "", "", false
	}
	if len(tokens) != 1 {
		return protocols[0], "", true
	}
	return protocols[0], tokens[0], true
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}
