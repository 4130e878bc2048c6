// Package runner implements the Runner: the single cooperative event loop
// that owns one participant's WebSocket connection for the lifetime of a
// room membership. It is grounded on this codebase's Hub/Client connection
// lifecycle (ServeWs's upgrade-then-register handoff, the client struct's
// buffered send channel, ping/pong keepalive) generalized from a fixed
// Room.router dispatch table into module dispatch, and from a single
// in-process room into RoomStore/Bus-backed cross-process state.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nexusmeet/signaling-controller/internal/bus"
	"github.com/nexusmeet/signaling-controller/internal/metrics"
	"github.com/nexusmeet/signaling-controller/internal/roomstore"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/mediaengine"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
	"github.com/nexusmeet/signaling-controller/internal/signaling/modules/breakout"
	"github.com/nexusmeet/signaling-controller/internal/signaling/modules/control"
	"github.com/nexusmeet/signaling-controller/internal/ticket"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 20 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	resumptionRefreshPeriod = 60 * time.Second

	// leavePeriod is how long a breakout room's Runners are given to
	// self-evict after RoomExpired fires before LeavePeriodExpired force-closes
	// whoever is still connected.
	leavePeriod = 5 * time.Minute

	ownershipLockTTL            = 15 * time.Second
	defaultOwnershipMaxRetries  = 10
	defaultOwnershipRetryPeriod = 1 * time.Second
)

// Close codes, mirroring the close-code table every Runner shutdown path
// picks from.
const (
	CloseNormal            = 1000
	CloseAway              = 4000
	CloseAuthExpired       = 4001
	CloseRoomDestroyed     = 4002
	CloseKickedByModerator = 4003
	CloseAbnormal          = 4004
	CloseInternalError     = 4005
	CloseProtocolError     = 4006
)

// InboundMessage is the envelope every WS text frame must match.
type InboundMessage struct {
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// OutboundMessage is the envelope every WS text frame sent to the client
// uses, mirroring InboundMessage.
type OutboundMessage struct {
	Namespace string `json:"namespace"`
	Payload   any    `json:"payload"`
}

// Identity is the authenticated caller a Runner is built for.
type Identity struct {
	UserID      ids.UserId
	DisplayName string
	// Kind is the reserved "kind" RoomStore attribute value (User, Guest,
	// Sip, or Recorder) this connection joins as.
	Kind string
}

// Deps bundles every collaborator a Runner needs, shared across every
// connection in the process.
type Deps struct {
	Store       *roomstore.Store
	Bus         *bus.Service
	Tickets     *ticket.Registry
	Modules     *module.Registry
	MediaEngine *mediaengine.Client
	Log         *zap.Logger
}

// Runner owns one WebSocket connection from handshake to close.
type Runner struct {
	deps Deps

	conn     *websocket.Conn
	room     ids.SignalingRoomId
	self     ids.ParticipantId
	identity Identity
	runnerID string

	// ownershipRetryPeriod and ownershipMaxRetries govern the
	// ParticipantOwnership acquisition retry loop; they default to the
	// package constants of the same name (minus the "this." prefix) but are
	// overridable per-instance so tests don't have to wait out a 10s retry
	// budget to observe a rejection.
	ownershipRetryPeriod time.Duration
	ownershipMaxRetries  int

	send     chan []byte
	incoming chan []byte
	readErr  chan error

	consumer    *bus.Consumer
	modules     map[string]module.Module
	resumeToken string

	// joined is set once this participant's explicit control.Join message
	// has been admitted; no other namespace is dispatched before then.
	joined bool

	// roomExpiryTimer and leavePeriodTimer are armed only for a Runner
	// inside a breakout room (see armBreakoutTimers), per the design note
	// that the expiry timer is scheduled locally per Runner rather than
	// centrally by whoever started the breakout.
	roomExpiryTimer  *time.Timer
	leavePeriodTimer *time.Timer

	log *zap.Logger
}

// New builds a Runner for an already-upgraded WebSocket connection.
// resumeToken, if non-empty, names a resumption token already minted by the
// HTTP start handler and bound to self; the Runner adopts it instead of
// minting its own, matching the start-endpoint response that hands the
// client a resumption token before any WebSocket exists. Run must be called
// to actually drive the Runner.
func New(deps Deps, conn *websocket.Conn, room ids.SignalingRoomId, self ids.ParticipantId, identity Identity, resumeToken string) *Runner {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		deps:                 deps,
		conn:                 conn,
		room:                 room,
		self:                 self,
		identity:             identity,
		runnerID:             uuid.NewString(),
		resumeToken:          resumeToken,
		ownershipRetryPeriod: defaultOwnershipRetryPeriod,
		ownershipMaxRetries:  defaultOwnershipMaxRetries,
		send:                 make(chan []byte, 256),
		incoming:             make(chan []byte, 16),
		readErr:              make(chan error, 1),
		log:                  log.With(zap.String("room", room.String()), zap.String("participant", self.String())),
	}
}

// Run drives the Runner's full lifecycle: startup, steady state, leave. It
// blocks until the connection closes or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.ActiveRunners.Inc()
	defer metrics.ActiveRunners.Dec()

	if err := r.startup(ctx); err != nil {
		r.log.Warn("runner startup failed", zap.Error(err))
		r.closeWithCode(CloseInternalError, "startup failed")
		return
	}

	go r.readPump()
	go r.writePump(ctx)

	code, reason := r.steadyState(ctx)
	r.leave(ctx)
	r.closeWithCode(code, reason)
}

// startup acquires the ParticipantOwnership lock, binds the participant's
// own bus namespace, instantiates modules and runs their Init hooks, then
// issues a resumption token. Room membership itself waits for completeJoin.
func (r *Runner) startup(ctx context.Context) error {
	if err := r.acquireOwnership(ctx); err != nil {
		return err
	}

	if err := r.buildAfterOwnership(ctx); err != nil {
		// Abort the build: release the ownership lock we just took so a
		// retried connection for the same participant is not left wedged
		// behind a Runner that never made it to the steady state.
		if relErr := r.deps.Store.ReleaseOwnership(ctx, r.self, r.runnerID); relErr != nil {
			r.log.Warn("release ownership after aborted build failed", zap.Error(relErr))
		}
		return err
	}
	return nil
}

// acquireOwnership asserts exclusive ownership of self's in-memory state,
// retrying up to ownershipMaxRetries times at ownershipRetryPeriod cadence
// before failing the handshake outright. A racing second connection for the
// same ParticipantId (e.g. a replayed ticket) fails here rather than
// corrupting the first Runner's module state.
func (r *Runner) acquireOwnership(ctx context.Context) error {
	maxRetries := r.ownershipMaxRetries
	if maxRetries == 0 {
		maxRetries = defaultOwnershipMaxRetries
	}
	retryPeriod := r.ownershipRetryPeriod
	if retryPeriod == 0 {
		retryPeriod = defaultOwnershipRetryPeriod
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		ok, err := r.deps.Store.AcquireOwnership(ctx, r.self, r.runnerID, ownershipLockTTL)
		if err != nil {
			metrics.OwnershipLockOutcome.WithLabelValues("backend_error").Inc()
			return fmt.Errorf("acquire participant ownership: %w", err)
		}
		if ok {
			metrics.OwnershipLockOutcome.WithLabelValues("acquired").Inc()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryPeriod):
		}
	}
	metrics.OwnershipLockOutcome.WithLabelValues("taken").Inc()
	return fmt.Errorf("participant id already owned by another runner")
}

// buildAfterOwnership performs the rest of the startup sequence once
// ownership of self is held: the participant's own bus binding, module
// construction and Init, and resumption token issuance. Registering presence
// in the room and dispatching EventJoined do not happen here -- they wait
// for the client's explicit control.Join message, handled by completeJoin.
func (r *Runner) buildAfterOwnership(ctx context.Context) error {
	r.consumer = r.deps.Bus.NewConsumer(ctx)
	if err := r.consumer.Bind("participant." + r.self.String()); err != nil {
		return fmt.Errorf("bind participant namespace: %w", err)
	}

	r.modules = r.deps.Modules.Instantiate(r.room, r.self)
	rt := r.runtime()
	for _, ns := range r.deps.Modules.Namespaces() {
		actions, err := r.modules[ns].Init(ctx, rt)
		if err != nil {
			r.log.Warn("module init failed", zap.String("module", ns), zap.Error(err))
			continue
		}
		r.applyActions(ctx, actions)
	}

	// If the start handler already minted a resumption token for this
	// participant, adopt it rather than minting a second one: the client
	// was handed that token in the start response and will present it again
	// on reconnect, so the Runner's copy must be the same one.
	if r.resumeToken == "" {
		token, err := r.deps.Tickets.IssueResumption(ctx, resumptionState{Room: r.room, Participant: r.self, Identity: r.identity})
		if err != nil {
			r.log.Warn("issue resumption token failed", zap.Error(err))
		}
		r.resumeToken = token
	}

	return nil
}

// completeJoin runs once, triggered by the client's first control.Join
// message (see handleJoinAttempt): it registers presence in the room under
// the room lock, clearing left_at and seeding the reserved kind/hand
// attributes (§3), binds the room (and, inside a breakout, the global)
// namespace, arms the breakout expiry timers, opens the media engine
// session, and finally dispatches EventJoined so every module can react.
func (r *Runner) completeJoin(ctx context.Context, displayName string) error {
	if displayName == "" {
		displayName = r.identity.DisplayName
	}

	guard, err := r.deps.Store.Lock(ctx, r.room)
	if err != nil {
		return fmt.Errorf("acquire room lock: %w", err)
	}
	now := time.Now().Format(time.RFC3339Nano)
	err = r.deps.Store.AddParticipant(ctx, r.room, r.self, map[string]string{
		"display_name":    displayName,
		"user_id":         r.identity.UserID.String(),
		"kind":            r.identity.Kind,
		"joined_at":       now,
		"hand_is_up":      "false",
		"hand_updated_at": now,
		"left_at":         "",
	})
	_ = guard.Release(ctx)
	if err != nil {
		return fmt.Errorf("register participant: %w", err)
	}

	if err := r.consumer.Bind(r.room.String()); err != nil {
		return fmt.Errorf("bind room namespace: %w", err)
	}
	if r.room.IsBreakout() {
		if err := r.consumer.Bind(ids.GlobalNamespace(r.room.Room)); err != nil {
			return fmt.Errorf("bind global namespace: %w", err)
		}
		r.armBreakoutTimers(ctx)
	}

	if r.deps.MediaEngine != nil {
		if _, err := r.deps.MediaEngine.CreateSession(ctx, mediaengine.CreateSessionRequest{
			UserID: r.identity.UserID.String(),
			RoomID: r.room.Room.String(),
		}); err != nil {
			r.log.Warn("media engine create session failed", zap.Error(err))
		}
	}

	r.joined = true
	r.dispatchEvent(ctx, module.Event{Kind: module.EventJoined})
	return nil
}

// armBreakoutTimers reads the breakout session's Config off the parent
// room's attributes and schedules this Runner's own RoomExpired timer,
// per §9's design note that the expiry timer is scheduled locally per
// Runner inside a breakout rather than centrally by whoever started it.
func (r *Runner) armBreakoutTimers(ctx context.Context) {
	raw, ok, err := r.deps.Store.GetRoomAttr(ctx, ids.MainRoom(r.room.Room), breakout.ConfigAttrKey)
	if err != nil || !ok {
		r.log.Warn("breakout config not found, expiry timer not armed", zap.Error(err))
		return
	}
	var cfg breakout.Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		r.log.Warn("invalid breakout config, expiry timer not armed", zap.Error(err))
		return
	}
	remaining := time.Until(cfg.ExpiresAt())
	if remaining < 0 {
		remaining = 0
	}
	r.roomExpiryTimer = time.NewTimer(remaining)
}

// timerC returns t's channel, or nil if t hasn't been armed -- a nil channel
// blocks forever in a select, so unarmed timers simply never fire.
func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

type resumptionState struct {
	Room        ids.SignalingRoomId `json:"room"`
	Participant ids.ParticipantId   `json:"participant"`
	Identity    Identity            `json:"identity"`
}

func (r *Runner) runtime() *module.Runtime {
	return &module.Runtime{
		Room:        r.room,
		Participant: r.self,
		UserID:      r.identity.UserID,
		Store:       r.deps.Store,
		Bus:         r.deps.Bus,
		Log:         r.log,
	}
}

// steadyState is the single select loop multiplexing every source of work
// for this connection: inbound WS frames, bus deliveries, the resumption
// refresh timer, and the read pump's termination signal. It returns the
// close code and reason the caller should report to the peer.
func (r *Runner) steadyState(ctx context.Context) (code int, reason string) {
	refresh := time.NewTicker(resumptionRefreshPeriod)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return CloseAway, "server shutting down"

		case err := <-r.readErr:
			if err != nil {
				r.log.Debug("read pump terminated", zap.Error(err))
			}
			return CloseNormal, ""

		case raw := <-r.incoming:
			r.handleInbound(ctx, raw)

		case delivery := <-r.consumer.Deliveries():
			r.handleDelivery(ctx, delivery)

		case <-timerC(r.roomExpiryTimer):
			r.roomExpiryTimer = nil
			metrics.BreakoutRoomsActive.WithLabelValues(r.room.Room.String()).Dec()
			_ = r.deps.Bus.Publish(ctx, ids.GlobalNamespace(r.room.Room), map[string]any{
				"module": breakout.Namespace,
				"kind":   "expired",
				"event":  breakout.ExpiredPayload{Room: r.room.Room},
			})
			r.leavePeriodTimer = time.NewTimer(leavePeriod)

		case <-timerC(r.leavePeriodTimer):
			return CloseNormal, "breakout leave period expired"

		case <-refresh.C:
			if r.resumeToken == "" {
				continue
			}
			outcome, err := r.deps.Tickets.RefreshResumption(ctx, r.resumeToken)
			if err != nil {
				r.log.Warn("refresh resumption token failed", zap.Error(err))
				continue
			}
			if outcome == ticket.RefreshConsumed {
				// Another start call redeemed our resumption token: we have
				// been evicted in favor of a new Runner for this
				// participant. Close cleanly; do not race it for ownership.
				r.resumeToken = ""
				return CloseNormal, "resumption consumed"
			}
		}
	}
}

func (r *Runner) handleInbound(ctx context.Context, raw []byte) {
	var msg InboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.Debug("dropping malformed inbound frame", zap.Error(err))
		return
	}

	if !r.joined {
		r.handleJoinAttempt(ctx, msg)
		return
	}

	mod, ok := r.modules[msg.Namespace]
	if !ok {
		r.log.Debug("dropping frame for unknown namespace", zap.String("namespace", msg.Namespace))
		return
	}

	start := time.Now()
	actions, err := mod.OnEvent(ctx, r.runtime(), module.Event{Kind: module.EventWsMessage, Payload: msg.Payload})
	metrics.ModuleDispatchDuration.WithLabelValues(msg.Namespace).Observe(time.Since(start).Seconds())
	if err != nil {
		r.log.Warn("module dispatch failed", zap.String("namespace", msg.Namespace), zap.Error(err))
		return
	}
	r.applyActions(ctx, actions)
}

// handleJoinAttempt is the only frame handler honored before r.joined: it
// requires the client's first message to be a control.Join naming a display
// name, and drops anything else (§4.5/§6).
func (r *Runner) handleJoinAttempt(ctx context.Context, msg InboundMessage) {
	if msg.Namespace != control.Namespace {
		r.log.Debug("dropping frame before join handshake", zap.String("namespace", msg.Namespace))
		return
	}

	var envelope struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil || envelope.Kind != "join" {
		r.log.Debug("dropping non-join frame before join handshake")
		return
	}

	var join control.JoinPayload
	if err := json.Unmarshal(envelope.Data, &join); err != nil {
		r.log.Warn("invalid join payload", zap.Error(err))
		return
	}

	if err := r.completeJoin(ctx, join.DisplayName); err != nil {
		r.log.Warn("join handshake failed", zap.Error(err))
		r.closeWithCode(CloseInternalError, "join failed")
	}
}

// handleDelivery routes one bus delivery to whichever module cares about
// it. A control-module presence lifecycle delivery (joined/left/updated,
// identified by the BusEnvelope's Kind) is translated into a broadcast
// EventParticipant{Joined,Left,Updated} for every module; everything else is
// handed as EventBus to the single module named by the envelope's Module
// field. Deliveries about this Runner's own participant are not
// re-delivered to itself -- it already knows what it just did.
func (r *Runner) handleDelivery(ctx context.Context, d bus.Delivery) {
	var env module.BusEnvelope
	if err := json.Unmarshal(d.Payload, &env); err != nil {
		r.log.Debug("dropping malformed bus delivery", zap.Error(err))
		return
	}

	switch env.Kind {
	case "joined":
		if env.ParticipantId == r.self {
			return
		}
		r.dispatchEvent(ctx, module.Event{Kind: module.EventParticipantJoined, Participant: env.ParticipantId, Payload: d.Payload})
	case "left":
		if env.ParticipantId == r.self {
			return
		}
		r.dispatchEvent(ctx, module.Event{Kind: module.EventParticipantLeft, Participant: env.ParticipantId, Payload: d.Payload})
	case "updated":
		if env.ParticipantId == r.self {
			return
		}
		r.dispatchEvent(ctx, module.Event{Kind: module.EventParticipantUpdated, Participant: env.ParticipantId, Payload: d.Payload})
	default:
		if env.Module == "" {
			return
		}
		mod, ok := r.modules[env.Module]
		if !ok {
			return
		}
		actions, err := mod.OnEvent(ctx, r.runtime(), module.Event{Kind: module.EventBus, Payload: d.Payload})
		if err != nil {
			r.log.Warn("module bus dispatch failed", zap.String("module", env.Module), zap.Error(err))
			return
		}
		r.applyActions(ctx, actions)
	}
}

// dispatchEvent fans an event out to every module in registration order,
// applying each module's returned actions as it goes.
func (r *Runner) dispatchEvent(ctx context.Context, ev module.Event) {
	for _, ns := range r.deps.Modules.Namespaces() {
		mod, ok := r.modules[ns]
		if !ok {
			continue
		}
		actions, err := mod.OnEvent(ctx, r.runtime(), ev)
		if err != nil {
			r.log.Warn("module event dispatch failed", zap.String("module", ns), zap.String("event", ev.Kind.String()), zap.Error(err))
			continue
		}
		r.applyActions(ctx, actions)
	}
}

// applyActions carries out a module's requested side effects in the fixed
// order: WS sends, then bus publishes, then self-update, then close.
func (r *Runner) applyActions(ctx context.Context, actions module.Actions) {
	for _, send := range actions.WsSends {
		r.sendToSelf(send.Namespace, send.Payload)
	}
	for _, pub := range actions.BusPublish {
		if err := r.deps.Bus.Publish(ctx, pub.Namespace, pub.Payload); err != nil {
			r.log.Warn("bus publish failed", zap.String("namespace", pub.Namespace), zap.Error(err))
		}
	}
	if actions.SelfUpdate != nil {
		for k, v := range actions.SelfUpdate.Attrs {
			if err := r.deps.Store.SetAttr(ctx, r.room, r.self, k, v); err != nil {
				r.log.Warn("self update failed", zap.Error(err))
			}
		}
	}
	if actions.Close != nil {
		r.closeWithCode(actions.Close.Code, actions.Close.Reason)
	}
}

func (r *Runner) sendToSelf(namespace string, payload any) {
	data, err := json.Marshal(OutboundMessage{Namespace: namespace, Payload: payload})
	if err != nil {
		r.log.Warn("failed to marshal outbound message", zap.Error(err))
		return
	}
	select {
	case r.send <- data:
	default:
		r.log.Warn("dropping outbound message, send buffer full", zap.String("namespace", namespace))
	}
}

// leave runs the teardown sequence: broadcast leaving, destroy modules,
// mark the participant left under the room lock, destroy the room if it
// was the last participant, and release bus bindings. Everything keyed on
// room membership is skipped for a connection that never completed its join
// handshake -- it was never added to the room in the first place.
func (r *Runner) leave(ctx context.Context) {
	if r.roomExpiryTimer != nil {
		r.roomExpiryTimer.Stop()
	}
	if r.leavePeriodTimer != nil {
		r.leavePeriodTimer.Stop()
	}

	if r.joined {
		r.dispatchEvent(ctx, module.Event{Kind: module.EventLeaving})

		for i := len(r.deps.Modules.Namespaces()) - 1; i >= 0; i-- {
			ns := r.deps.Modules.Namespaces()[i]
			mod, ok := r.modules[ns]
			if !ok {
				continue
			}
			actions, err := mod.OnDestroy(ctx, r.runtime())
			if err != nil {
				r.log.Warn("module destroy failed", zap.String("module", ns), zap.Error(err))
				continue
			}
			r.applyActions(ctx, actions)
		}

		guard, err := r.deps.Store.Lock(ctx, r.room)
		if err != nil {
			r.log.Warn("acquire room lock on leave failed", zap.Error(err))
		} else {
			allLeft, err := r.deps.Store.MarkLeft(ctx, r.room, r.self)
			if err != nil {
				r.log.Warn("mark left failed", zap.Error(err))
			} else if allLeft {
				if err := r.deps.Store.DestroyRoom(ctx, r.room); err != nil {
					r.log.Warn("destroy room failed", zap.Error(err))
				}
			}
			_ = guard.Release(ctx)
		}

		if r.deps.MediaEngine != nil {
			if err := r.deps.MediaEngine.DeleteSession(ctx, mediaengine.DeleteSessionRequest{
				UserID: r.identity.UserID.String(),
				RoomID: r.room.Room.String(),
			}); err != nil {
				r.log.Warn("media engine delete session failed", zap.Error(err))
			}
		}
	}

	if r.consumer != nil {
		r.consumer.Close()
	}

	if r.resumeToken != "" {
		var discard resumptionState
		_ = r.deps.Tickets.ConsumeResumption(ctx, r.resumeToken, &discard)
	}

	if err := r.deps.Store.ReleaseOwnership(ctx, r.self, r.runnerID); err != nil {
		r.log.Warn("release participant ownership failed", zap.Error(err))
	}
}

func (r *Runner) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = r.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	close(r.send)
}

// readPump reads frames off the WebSocket into the incoming channel. It is
// the only goroutine allowed to call conn.ReadMessage, matching gorilla's
// single-reader requirement.
func (r *Runner) readPump() {
	defer func() { r.readErr <- nil }()

	r.conn.SetReadLimit(maxMessageSize)
	_ = r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.readErr <- err
			return
		}
		select {
		case r.incoming <- data:
		default:
			r.log.Warn("dropping inbound frame, incoming buffer full")
		}
	}
}

// writePump is the only goroutine allowed to call conn.WriteMessage,
// draining the send channel and sending periodic pings.
func (r *Runner) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer r.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.send:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = r.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := r.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// UpgradeHeader returns the HTTP header a successful handshake response
// should carry, naming the negotiated ticket subprotocol.
func UpgradeHeader(subprotocol string) http.Header {
	h := http.Header{}
	h.Set("Sec-WebSocket-Protocol", subprotocol)
	return h
}
