// Package bus implements the topic-exchange abstraction every Runner uses to
// receive events published outside its own WebSocket connection: other
// participants' control events, room-wide broadcasts, and direct messages
// aimed at a single participant or user. It generalizes the fixed
// "video:room:{id}" / "video:user:{id}" channel scheme used elsewhere in this
// codebase's history into an exchange/routing-key model so that module
// authors can mint their own namespaces (room, breakout, participant, global)
// without the bus knowing anything about signaling semantics.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nexusmeet/signaling-controller/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Envelope is the container moved across the bus. Namespace addresses the
// logical topic (e.g. "room.<id>", "participant.<id>", "global"); Payload is
// left as raw JSON so the bus never needs to know about module message
// shapes.
type Envelope struct {
	Namespace string          `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Delivery is handed to a consumer for each message received on a binding.
type Delivery struct {
	Namespace string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Service is the Redis-backed implementation of the exchange. It wraps every
// Redis round-trip in a circuit breaker so a degraded Redis only ever causes
// best-effort message loss, never a blocked Runner.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client exposes the underlying Redis client so collaborators that need raw
// Redis access (RoomStore, TicketRegistry) can share the same connection
// pool instead of dialing Redis a second time.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService dials Redis and wires up the circuit breaker that guards every
// subsequent call.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func channelFor(namespace string) string {
	return "signaling:" + namespace
}

// Publish wraps payload in an Envelope and publishes it on the given
// namespace. A namespace is an arbitrary dotted string minted by a module
// (e.g. "room.<roomId>", "room.<roomId>.participant.<id>", "global").
func (s *Service) Publish(ctx context.Context, namespace string, payload any) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope payload: %w", err)
		}

		env := Envelope{Namespace: namespace, Payload: inner, Timestamp: time.Now()}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channelFor(namespace), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("bus circuit breaker open: dropping publish", "namespace", namespace)
			return nil // graceful degradation: drop message, don't block the caller
		}
		slog.Error("bus publish failed", "namespace", namespace, "error", err)
		return err
	}

	return nil
}

// Subscribe starts a background goroutine delivering every message published
// on namespace to handler until ctx is cancelled. Used for the simple
// single-binding case (a participant's own namespace, the room namespace).
// Callers needing multiple bindings multiplexed onto one consumer loop
// should use NewConsumer instead.
func (s *Service) Subscribe(ctx context.Context, namespace string, wg *sync.WaitGroup, handler func(Delivery)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channelFor(namespace))

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("bus subscribed", "namespace", namespace)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("bus subscription channel closed", "namespace", namespace)
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("bus failed to unmarshal envelope", "error", err)
					continue
				}
				handler(Delivery{Namespace: env.Namespace, Payload: env.Payload, Timestamp: env.Timestamp})
			}
		}
	}()
}

// Consumer multiplexes an arbitrary number of namespace bindings onto a
// single delivery channel, mirroring the "one queue per runner, many
// bindings" model each signaling connection needs: a participant binds to
// its own namespace, its room's namespace, and (while in a breakout) the
// breakout's namespace, all delivered through one Deliveries() channel so
// the Runner's select loop only ever watches one source for bus traffic.
type Consumer struct {
	svc        *Service
	ctx        context.Context
	cancel     context.CancelFunc
	deliveries chan Delivery
	mu         sync.Mutex
	pubsubs    map[string]*redis.PubSub
}

// NewConsumer creates a bound-but-empty consumer. Bind namespaces onto it
// with Bind before reading from Deliveries.
func (s *Service) NewConsumer(ctx context.Context) *Consumer {
	cctx, cancel := context.WithCancel(ctx)
	return &Consumer{
		svc:        s,
		ctx:        cctx,
		cancel:     cancel,
		deliveries: make(chan Delivery, 64),
		pubsubs:    make(map[string]*redis.PubSub),
	}
}

// Bind subscribes the consumer to an additional namespace. Safe to call
// repeatedly as a Runner's membership changes (e.g. entering a breakout).
func (c *Consumer) Bind(namespace string) error {
	if c.svc == nil || c.svc.client == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pubsubs[namespace]; exists {
		return nil
	}

	pubsub := c.svc.client.Subscribe(c.ctx, channelFor(namespace))
	c.pubsubs[namespace] = pubsub

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-c.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("bus consumer failed to unmarshal envelope", "error", err)
					continue
				}
				select {
				case c.deliveries <- Delivery{Namespace: env.Namespace, Payload: env.Payload, Timestamp: env.Timestamp}:
				case <-c.ctx.Done():
					return
				}
			}
		}
	}()

	return nil
}

// Unbind stops delivering messages for namespace (used when a participant
// leaves a breakout room but keeps their connection open).
func (c *Consumer) Unbind(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pubsub, ok := c.pubsubs[namespace]; ok {
		_ = pubsub.Close()
		delete(c.pubsubs, namespace)
	}
}

// Deliveries returns the channel a Runner's select loop should read from.
func (c *Consumer) Deliveries() <-chan Delivery { return c.deliveries }

// Close tears down every binding owned by this consumer.
func (c *Consumer) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	for ns, pubsub := range c.pubsubs {
		_ = pubsub.Close()
		delete(c.pubsubs, ns)
	}
}

// Ping checks Redis connectivity, used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
