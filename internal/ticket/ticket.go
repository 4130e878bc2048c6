// Package ticket implements the TicketRegistry: one-time join tickets handed
// out by the HTTP start endpoints and redeemed during the WebSocket
// handshake, plus the longer-lived resumption tokens that let a Runner
// reconnect after a network blip without repeating the full join handshake.
// Both are opaque, unguessable strings stored in Redis with a TTL, following
// the SET/GETDEL pattern this codebase already used for single-use state.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nexusmeet/signaling-controller/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a ticket or resumption token does not exist,
// has expired, or was already consumed.
var ErrNotFound = errors.New("ticket: not found or expired")

// RefreshOutcome reports the result of refreshing a resumption token.
type RefreshOutcome int

const (
	RefreshOK RefreshOutcome = iota
	RefreshConsumed
)

// Registry is the Redis-backed TicketRegistry.
type Registry struct {
	client         *redis.Client
	ticketTTL      time.Duration
	resumptionTTL  time.Duration
	tokenByteCount int // 32 bytes -> 64 hex characters
}

// Option configures a Registry.
type Option func(*Registry)

func WithTicketTTL(d time.Duration) Option      { return func(r *Registry) { r.ticketTTL = d } }
func WithResumptionTTL(d time.Duration) Option { return func(r *Registry) { r.resumptionTTL = d } }

// NewRegistry wraps client as a TicketRegistry.
func NewRegistry(client *redis.Client, opts ...Option) *Registry {
	r := &Registry{
		client:         client,
		ticketTTL:      30 * time.Second,
		resumptionTTL:  120 * time.Second,
		tokenByteCount: 32,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) newToken() (string, error) {
	buf := make([]byte, r.tokenByteCount)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func ticketKey(token string) string     { return "ticket:" + token }
func resumptionKey(token string) string { return "resumption:" + token }

// IssueTicket mints a one-time token bound to claims, redeemable exactly
// once during the WebSocket handshake within the ticket TTL.
func (r *Registry) IssueTicket(ctx context.Context, claims any) (string, error) {
	token, err := r.newToken()
	if err != nil {
		return "", fmt.Errorf("generate ticket: %w", err)
	}

	data, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal ticket claims: %w", err)
	}

	if err := r.client.Set(ctx, ticketKey(token), data, r.ticketTTL).Err(); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}

	metrics.TicketsIssued.WithLabelValues("ticket").Inc()
	return token, nil
}

// ConsumeTicket atomically fetches and deletes a ticket, decoding its
// claims into dst. Returns ErrNotFound if the ticket does not exist, has
// expired, or was already consumed by a prior handshake.
func (r *Registry) ConsumeTicket(ctx context.Context, token string, dst any) error {
	data, err := r.client.GetDel(ctx, ticketKey(token)).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return fmt.Errorf("consume ticket: %w", err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("decode ticket claims: %w", err)
	}
	return nil
}

// IssueResumption mints a resumption token for a freshly joined Runner.
// Fails if a token with that exact value already exists (practically never,
// given the token space), matching the SET NX semantics used elsewhere for
// first-write-wins registration.
func (r *Registry) IssueResumption(ctx context.Context, state any) (string, error) {
	token, err := r.newToken()
	if err != nil {
		return "", fmt.Errorf("generate resumption token: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal resumption state: %w", err)
	}

	ok, err := r.client.SetNX(ctx, resumptionKey(token), data, r.resumptionTTL).Result()
	if err != nil {
		return "", fmt.Errorf("store resumption token: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("resumption token collision")
	}

	metrics.TicketsIssued.WithLabelValues("resumption").Inc()
	return token, nil
}

// RefreshResumption extends a resumption token's TTL without consuming it,
// called periodically by the owning Runner to keep it alive. The token is
// only refreshed if it still exists (EXPIRE on a missing key does nothing) so
// a token that expired or was consumed by a reconnect is never resurrected.
func (r *Registry) RefreshResumption(ctx context.Context, token string) (RefreshOutcome, error) {
	ok, err := r.client.Expire(ctx, resumptionKey(token), r.resumptionTTL).Result()
	if err != nil {
		return RefreshConsumed, fmt.Errorf("refresh resumption token: %w", err)
	}
	if !ok {
		return RefreshConsumed, nil
	}
	return RefreshOK, nil
}

// ConsumeResumption atomically fetches and deletes a resumption token,
// decoding its stored state into dst. Returns ErrNotFound if the token does
// not exist, has expired, or was already consumed by another reconnect race.
func (r *Registry) ConsumeResumption(ctx context.Context, token string, dst any) error {
	data, err := r.client.GetDel(ctx, resumptionKey(token)).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrNotFound
		}
		return fmt.Errorf("consume resumption token: %w", err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("decode resumption state: %w", err)
	}
	return nil
}
