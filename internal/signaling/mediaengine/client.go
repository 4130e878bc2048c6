// Package mediaengine is the gRPC client for the external SFU (media
// engine) that owns actual WebRTC media. It is grounded on
// pkg/sfu/client.go's circuit-breaker-wrapped gRPC client shape: same
// gobreaker settings, same CircuitBreakerState/CircuitBreakerFailures
// metrics, same status.Error(codes.Unavailable, ...) mapping on a tripped
// breaker. Because the SFU's generated protobuf stubs are not part of this
// codebase, every RPC is invoked directly against grpc.ClientConn using the
// JSON codec in codec.go instead of a generated client.
package mediaengine

import (
	"context"
	"time"

	"github.com/nexusmeet/signaling-controller/internal/metrics"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const breakerName = "media-engine"

// CreateSessionRequest opens a peer session in the SFU for a participant.
type CreateSessionRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// CreateSessionResponse carries the SFU's session handle back.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// SignalRequest forwards one WebRTC negotiation message to the SFU.
type SignalRequest struct {
	UserID       string `json:"user_id"`
	RoomID       string `json:"room_id"`
	SdpOffer     string `json:"sdp_offer,omitempty"`
	SdpAnswer    string `json:"sdp_answer,omitempty"`
	IceCandidate string `json:"ice_candidate,omitempty"`
}

// SignalResponse carries the SFU's reply negotiation message, if any.
type SignalResponse struct {
	SdpAnswer    string `json:"sdp_answer,omitempty"`
	IceCandidate string `json:"ice_candidate,omitempty"`
}

// DeleteSessionRequest tears down a participant's SFU session.
type DeleteSessionRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// ListenRequest opens the server-stream of asynchronous SFU events for a
// participant (track added/removed, renegotiation needed).
type ListenRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

// Event is one asynchronous message delivered over ListenEvents.
type Event struct {
	Kind    string `json:"kind"`
	TrackID string `json:"track_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Client talks to the external media engine over gRPC, with calls wrapped
// in a circuit breaker the same way pkg/sfu/client.go wraps its SFU calls.
type Client struct {
	conn *grpc.ClientConn
	cb   *gobreaker.CircuitBreaker
}

// New dials the media engine at address and wires up the circuit breaker.
func New(address string) (*Client, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	st := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
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
			metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(stateVal)
		},
	}

	return &Client{conn: conn, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}
}

// CreateSession opens a session for a participant joining the room.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	resp, err := c.cb.Execute(func() (any, error) {
		out := new(CreateSessionResponse)
		if err := c.conn.Invoke(ctx, "/mediaengine.v1.MediaEngine/CreateSession", &req, out, callOpts()...); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return resp.(*CreateSessionResponse), nil
}

// Signal forwards one WebRTC negotiation message to the SFU and returns its
// reply, if the SFU has one.
func (c *Client) Signal(ctx context.Context, req SignalRequest) (*SignalResponse, error) {
	resp, err := c.cb.Execute(func() (any, error) {
		out := new(SignalResponse)
		if err := c.conn.Invoke(ctx, "/mediaengine.v1.MediaEngine/Signal", &req, out, callOpts()...); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return resp.(*SignalResponse), nil
}

// DeleteSession tears down a participant's SFU session, e.g. on leave.
func (c *Client) DeleteSession(ctx context.Context, req DeleteSessionRequest) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.conn.Invoke(ctx, "/mediaengine.v1.MediaEngine/DeleteSession", &req, new(struct{}), callOpts()...)
	})
	if err != nil {
		return translateErr(err)
	}
	return nil
}

// EventStream is the subset of grpc.ClientStream ListenEvents needs, kept
// narrow so callers can be tested against a fake.
type EventStream interface {
	Recv() (*Event, error)
	grpc.ClientStream
}

type eventStream struct {
	grpc.ClientStream
}

func (s *eventStream) Recv() (*Event, error) {
	ev := new(Event)
	if err := s.ClientStream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ListenEvents opens the server-stream of asynchronous SFU events for a
// participant. Only the stream's initial setup goes through the circuit
// breaker; once established, read failures surface directly from Recv.
func (c *Client) ListenEvents(ctx context.Context, req ListenRequest) (EventStream, error) {
	resp, err := c.cb.Execute(func() (any, error) {
		desc := &grpc.StreamDesc{StreamName: "ListenEvents", ServerStreams: true}
		stream, err := c.conn.NewStream(ctx, desc, "/mediaengine.v1.MediaEngine/ListenEvents", callOpts()...)
		if err != nil {
			return nil, err
		}
		if err := stream.SendMsg(&req); err != nil {
			return nil, err
		}
		if err := stream.CloseSend(); err != nil {
			return nil, err
		}
		return &eventStream{ClientStream: stream}, nil
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return resp.(EventStream), nil
}

// Healthy reports whether the media engine's gRPC health service reports
// SERVING, using the real generated grpc_health_v1 package.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	hc := grpc_health_v1.NewHealthClient(c.conn)
	resp, err := hc.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return false, err
	}
	return resp.Status == grpc_health_v1.HealthCheckResponse_SERVING, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func translateErr(err error) error {
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues(breakerName).Inc()
		return status.Error(codes.Unavailable, "circuit breaker open")
	}
	return err
}
