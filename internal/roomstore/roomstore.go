// Package roomstore implements the shared, cross-process state every
// signaling Runner reads and writes for the room it belongs to: who is
// currently present, their ephemeral attributes (display name, hand-raise
// state, role) and the distributed mutex that serializes membership changes
// across every process hosting a Runner for that room. It is grounded on the
// Redis-backed split-brain check and SAdd/SRem/SMembers bookkeeping this
// codebase already used for room membership, generalized from a single
// per-room hosts/participants pair into an arbitrary ephemeral key schema.
package roomstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nexusmeet/signaling-controller/internal/metrics"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/redis/go-redis/v9"
)

// ErrContentionTooHigh is returned when a distributed lock could not be
// acquired within the configured retry budget.
var ErrContentionTooHigh = errors.New("roomstore: lock contention too high")

// ErrBackend wraps an underlying Redis failure unrelated to contention.
type ErrBackend struct{ Err error }

func (e *ErrBackend) Error() string { return fmt.Sprintf("roomstore: backend error: %v", e.Err) }
func (e *ErrBackend) Unwrap() error { return e.Err }

// Store is the Redis-backed RoomStore. It owns no connection of its own;
// callers share the *redis.Client dialed by the bus package so the whole
// process keeps a single connection pool to Redis.
type Store struct {
	client      *redis.Client
	lockTTL     time.Duration
	maxRetries  int
	retryMinJit time.Duration
	retryMaxJit time.Duration
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLockTTL overrides the default 1s TTL on the distributed mutex key.
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) { s.lockTTL = d }
}

// WithMaxRetries overrides the default bounded retry budget (20 attempts).
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// NewStore wraps client as a RoomStore.
func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:      client,
		lockTTL:     time.Second,
		maxRetries:  20,
		retryMinJit: 20 * time.Millisecond,
		retryMaxJit: 60 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client exposes the underlying Redis client for collaborators that need
// raw access beyond what Store's methods provide, e.g. running a Lua
// script for an operation that needs a stronger atomicity guarantee than a
// single hash field set.
func (s *Store) Client() *redis.Client { return s.client }

func lockKey(room ids.SignalingRoomId) string {
	return fmt.Sprintf("roomlock:%s", room)
}

func participantsKey(room ids.SignalingRoomId) string {
	return fmt.Sprintf("room:%s:participants", room)
}

func attrKey(room ids.SignalingRoomId, participant ids.ParticipantId) string {
	return fmt.Sprintf("room:%s:attrs:%s", room, participant)
}

func roomAttrKey(room ids.SignalingRoomId) string {
	return fmt.Sprintf("room:%s:config", room)
}

// Guard is a held distributed lock. Callers must call Release when done;
// the lock also expires on its own after its TTL so a crashed process never
// wedges a room permanently.
type Guard struct {
	store *Store
	key   string
	token string
}

// Lock acquires the room's distributed mutex, retrying with a delay that
// grows linearly from the minimum to the maximum retry wait (no random
// jitter) up to the configured retry budget before giving up with
// ErrContentionTooHigh. Any other Redis failure surfaces as *ErrBackend.
func (s *Store) Lock(ctx context.Context, room ids.SignalingRoomId) (*Guard, error) {
	return s.LockNamed(ctx, lockKey(room))
}

// LockNamed acquires a distributed mutex under an arbitrary key, with the
// same retry/backoff and compare-and-delete release semantics as Lock.
// Modules whose state mutations must never contend with ordinary room
// membership changes take out their own named lock here instead of
// reusing the room mutex (e.g. automod's "automod:<room>" key).
func (s *Store) LockNamed(ctx context.Context, key string) (*Guard, error) {
	token, err := randomToken()
	if err != nil {
		return nil, &ErrBackend{Err: err}
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			metrics.RoomLockContention.WithLabelValues("backend_error").Inc()
			return nil, &ErrBackend{Err: err}
		}
		if ok {
			if attempt > 0 {
				metrics.RoomLockContention.WithLabelValues("acquired_after_retry").Inc()
			}
			return &Guard{store: s, key: key, token: token}, nil
		}

		jitter := s.retryMinJit + time.Duration(attempt)*(s.retryMaxJit-s.retryMinJit)/time.Duration(s.maxRetries)
		select {
		case <-ctx.Done():
			return nil, &ErrBackend{Err: ctx.Err()}
		case <-time.After(jitter):
		}
	}

	metrics.RoomLockContention.WithLabelValues("too_high").Inc()
	return nil, ErrContentionTooHigh
}

// unlockScript releases the lock only if the caller still owns it,
// preventing a Guard whose TTL already expired (and was re-acquired by
// someone else) from deleting that new owner's lock.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Release drops the lock if this Guard still owns it.
func (g *Guard) Release(ctx context.Context) error {
	if err := unlockScript.Run(ctx, g.store.client, []string{g.key}, g.token).Err(); err != nil {
		return &ErrBackend{Err: err}
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// AddParticipant registers a participant as present in the room and seeds
// their ephemeral attributes. Must be called while holding the room's lock.
func (s *Store) AddParticipant(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId, attrs map[string]string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, participantsKey(room), participant.String())
	if len(attrs) > 0 {
		pipe.HSet(ctx, attrKey(room, participant), toAnySlice(attrs)...)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return &ErrBackend{Err: err}
	}
	return nil
}

// SetAttr updates a single ephemeral attribute for a participant (e.g.
// "hand_raised" -> "true").
func (s *Store) SetAttr(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId, key, value string) error {
	if err := s.client.HSet(ctx, attrKey(room, participant), key, value).Err(); err != nil {
		return &ErrBackend{Err: err}
	}
	return nil
}

// GetAttrs returns every ephemeral attribute stored for a participant.
func (s *Store) GetAttrs(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) (map[string]string, error) {
	res, err := s.client.HGetAll(ctx, attrKey(room, participant)).Result()
	if err != nil {
		return nil, &ErrBackend{Err: err}
	}
	return res, nil
}

// BulkGetAttrs fetches attributes for every participant currently present,
// used when assembling a join snapshot.
func (s *Store) BulkGetAttrs(ctx context.Context, room ids.SignalingRoomId, participants []ids.ParticipantId) (map[ids.ParticipantId]map[string]string, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[ids.ParticipantId]*redis.MapStringStringCmd, len(participants))
	for _, p := range participants {
		cmds[p] = pipe.HGetAll(ctx, attrKey(room, p))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, &ErrBackend{Err: err}
	}

	out := make(map[ids.ParticipantId]map[string]string, len(participants))
	for p, cmd := range cmds {
		out[p] = cmd.Val()
	}
	return out, nil
}

// Members returns every participant currently recorded as present.
func (s *Store) Members(ctx context.Context, room ids.SignalingRoomId) ([]ids.ParticipantId, error) {
	raw, err := s.client.SMembers(ctx, participantsKey(room)).Result()
	if err != nil {
		return nil, &ErrBackend{Err: err}
	}
	out := make([]ids.ParticipantId, 0, len(raw))
	for _, r := range raw {
		pid, err := ids.ParseParticipantId(r)
		if err != nil {
			continue
		}
		out = append(out, pid)
	}
	return out, nil
}

// CheckAllExist reports whether every given participant is currently present.
func (s *Store) CheckAllExist(ctx context.Context, room ids.SignalingRoomId, participants []ids.ParticipantId) (bool, error) {
	members, err := s.Members(ctx, room)
	if err != nil {
		return false, err
	}
	set := make(map[ids.ParticipantId]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	for _, p := range participants {
		if _, ok := set[p]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// leftAtAttr is the reserved attribute MarkLeft stamps on a departing
// participant. It is never unset except when a participant (re)joins, which
// clears it as part of AddParticipant's attribute seed.
const leftAtAttr = "left_at"

// MarkLeft tombstones participant as departed by setting their reserved
// left_at attribute; it does not remove them from the participant set or
// delete their attributes -- DestroyRoom does that full cleanup once every
// member has left. It reports allLeft=true iff every participant currently
// recorded as present now has left_at set, signaling the caller should
// destroy the room's remaining state.
func (s *Store) MarkLeft(ctx context.Context, room ids.SignalingRoomId, participant ids.ParticipantId) (allLeft bool, err error) {
	if err := s.client.HSet(ctx, attrKey(room, participant), leftAtAttr, time.Now().Format(time.RFC3339Nano)).Err(); err != nil {
		return false, &ErrBackend{Err: err}
	}

	members, err := s.Members(ctx, room)
	if err != nil {
		return false, err
	}
	if len(members) == 0 {
		return true, nil
	}

	attrs, err := s.BulkGetAttrs(ctx, room, members)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if attrs[m][leftAtAttr] == "" {
			return false, nil
		}
	}
	return true, nil
}

// SetRoomAttr stores a room-scoped configuration value, independent of any
// single participant -- used by modules like breakout and automod whose
// session state belongs to the room itself, not to whichever participant
// happened to start it.
func (s *Store) SetRoomAttr(ctx context.Context, room ids.SignalingRoomId, key, value string) error {
	if err := s.client.HSet(ctx, roomAttrKey(room), key, value).Err(); err != nil {
		return &ErrBackend{Err: err}
	}
	return nil
}

// GetRoomAttr fetches a room-scoped configuration value. ok is false if the
// key has never been set.
func (s *Store) GetRoomAttr(ctx context.Context, room ids.SignalingRoomId, key string) (value string, ok bool, err error) {
	value, err = s.client.HGet(ctx, roomAttrKey(room), key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, &ErrBackend{Err: err}
	}
	return value, true, nil
}

// DestroyRoom deletes every key associated with a room, including all
// remaining participant attribute hashes. Intended to be called by the last
// Runner to leave, while still holding the room lock.
func (s *Store) DestroyRoom(ctx context.Context, room ids.SignalingRoomId) error {
	members, err := s.Members(ctx, room)
	if err != nil {
		return err
	}
	keys := []string{participantsKey(room), roomAttrKey(room)}
	for _, m := range members {
		keys = append(keys, attrKey(room, m))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return &ErrBackend{Err: err}
	}
	return nil
}

func ownershipKey(participant ids.ParticipantId) string {
	return fmt.Sprintf("signaling:runner:%s", participant)
}

// AcquireOwnership asserts exclusive ownership of a participant's in-memory
// state by a Runner, identified by runnerID (normally a fresh UUID minted at
// connection time). Set-if-absent: a second Runner racing to own the same
// ParticipantId (e.g. a duplicate WebSocket for a replayed ticket) fails
// rather than silently taking over.
func (s *Store) AcquireOwnership(ctx context.Context, participant ids.ParticipantId, runnerID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, ownershipKey(participant), runnerID, ttl).Result()
	if err != nil {
		return false, &ErrBackend{Err: err}
	}
	return ok, nil
}

// releaseOwnershipScript deletes the ownership key only if it still names
// the calling Runner, so a Runner whose lock already expired and was
// re-acquired by someone else can never delete that new owner's claim.
var releaseOwnershipScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// ReleaseOwnership releases a participant's ownership lock via
// compare-and-delete against runnerID, the same pattern the room mutex uses.
func (s *Store) ReleaseOwnership(ctx context.Context, participant ids.ParticipantId, runnerID string) error {
	if err := releaseOwnershipScript.Run(ctx, s.client, []string{ownershipKey(participant)}, runnerID).Err(); err != nil {
		return &ErrBackend{Err: err}
	}
	return nil
}

func toAnySlice(m map[string]string) []any {
	out := make([]any, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
