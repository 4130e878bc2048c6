// Package legalvote implements legally-binding votes: a host starts a vote
// naming the eligible voters, participants cast exactly one option each,
// and the module maintains an append-only protocol journal of every
// start/cast/stop/cancel so the result can be audited afterwards. It is
// grounded on this codebase's circuit-breaker-wrapped Redis calls (the cast
// operation needs the same all-or-nothing guarantee a Redis Set/Get pair
// doesn't give, so it is implemented as a Lua script run through go-redis's
// Script.Run, the same mechanism gobreaker wraps elsewhere in this stack).
package legalvote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nexusmeet/signaling-controller/internal/metrics"
	"github.com/nexusmeet/signaling-controller/internal/signaling/ids"
	"github.com/nexusmeet/signaling-controller/internal/signaling/module"
	"github.com/redis/go-redis/v9"
)

const Namespace = "legal_vote"

// ErrInvalidOption is returned when a cast names an option that does not
// exist on the vote, distinct from ErrIneligible which names a voter who is
// simply not allowed to participate.
var ErrInvalidOption = errors.New("legalvote: invalid option")

// ErrIneligible is returned when the caller is not in the vote's allowed
// voter list.
var ErrIneligible = errors.New("legalvote: ineligible voter")

// ErrAlreadyVoted is returned on a second cast attempt by the same voter.
var ErrAlreadyVoted = errors.New("legalvote: already voted")

// Visibility controls whether the stop/cancel broadcast reveals each voter's
// option (public, as a "voters" map) or only the aggregate tally (secret).
// The protocol journal records every ballot either way.
type Visibility string

const (
	VisibilityPublic Visibility = "public"
	VisibilitySecret Visibility = "secret"
)

// Entry is one append-only protocol journal record.
type Entry struct {
	Kind      string            `json:"kind"` // start, cast, stop, cancel
	Voter     ids.ParticipantId `json:"voter,omitempty"`
	Option    string            `json:"option,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Vote is the persisted state of one legal-vote instance.
type Vote struct {
	ID            ids.VoteId          `json:"id"`
	Options       []string            `json:"options"`
	AllowedVoters []ids.ParticipantId `json:"allowed_voters"`
	Visibility    Visibility          `json:"visibility"`
	Tally         map[string]int      `json:"tally"`
	Voted         map[string]bool     `json:"voted"` // participant id -> cast
	Protocol      []Entry             `json:"protocol"`
	Stopped       bool                `json:"stopped"`
}

func voteAttrKey(id ids.VoteId) string { return "legal_vote:" + id.String() }

// castScript performs the check-then-append atomically: reject a second
// cast by the same voter, reject a closed vote, otherwise append the ballot
// and bump the tally in one round trip.
var castScript = redis.NewScript(`
local raw = redis.call("HGET", KEYS[1], "state")
if not raw then
	return redis.error_reply("no such vote")
end
local vote = cjson.decode(raw)
if vote.stopped then
	return redis.error_reply("vote closed")
end
if vote.voted[ARGV[1]] then
	return redis.error_reply("already voted")
end
vote.voted[ARGV[1]] = true
vote.tally[ARGV[2]] = (vote.tally[ARGV[2]] or 0) + 1
table.insert(vote.protocol, {kind="cast", voter=ARGV[1], option=ARGV[2], timestamp=ARGV[3]})
redis.call("HSET", KEYS[1], "state", cjson.encode(vote))
return "OK"
`)

type legalVoteModule struct {
	room ids.SignalingRoomId
	self ids.ParticipantId
}

// NewFactory builds the legal-vote module factory.
func NewFactory() module.Factory {
	return func(room ids.SignalingRoomId, participant ids.ParticipantId) module.Module {
		return &legalVoteModule{room: room, self: participant}
	}
}

func (m *legalVoteModule) Namespace() string { return Namespace }

func (m *legalVoteModule) Init(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	return module.Actions{}, nil
}

func (m *legalVoteModule) OnEvent(ctx context.Context, rt *module.Runtime, ev module.Event) (module.Actions, error) {
	switch ev.Kind {
	case module.EventWsMessage:
		return m.handleWsMessage(ctx, rt, ev.Payload)
	case module.EventBus:
		return module.Actions{WsSends: []module.WsSend{{Namespace: Namespace, Payload: ev.Payload}}}, nil
	default:
		return module.Actions{}, nil
	}
}

func (m *legalVoteModule) handleWsMessage(ctx context.Context, rt *module.Runtime, payload json.RawMessage) (module.Actions, error) {
	var envelope struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return module.Actions{}, nil
	}

	switch envelope.Kind {
	case "start":
		return m.start(ctx, rt, envelope.Data)
	case "cast":
		return m.cast(ctx, rt, envelope.Data)
	case "stop":
		return m.stop(ctx, rt, envelope.Data)
	case "cancel":
		return m.cancel(ctx, rt, envelope.Data)
	default:
		return module.Actions{}, nil
	}
}

func (m *legalVoteModule) start(ctx context.Context, rt *module.Runtime, data json.RawMessage) (module.Actions, error) {
	var req struct {
		Options       []string            `json:"options"`
		AllowedVoters []ids.ParticipantId `json:"allowed_voters"`
		Visibility    Visibility          `json:"visibility"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return module.Actions{}, fmt.Errorf("invalid legal vote start request: %w", err)
	}

	vote := &Vote{
		ID:            ids.NewVoteId(),
		Options:       req.Options,
		AllowedVoters: req.AllowedVoters,
		Visibility:    req.Visibility,
		Tally:         make(map[string]int),
		Voted:         make(map[string]bool),
		Protocol:      []Entry{{Kind: "start", Timestamp: time.Now()}},
	}

	if err := m.save(ctx, rt, vote); err != nil {
		return module.Actions{}, err
	}

	return module.Actions{
		BusPublish: []module.BusPublish{{
			Namespace: m.room.String(),
			Payload:   map[string]any{"module": Namespace, "kind": "started", "vote_id": vote.ID},
		}},
	}, nil
}

func (m *legalVoteModule) cast(ctx context.Context, rt *module.Runtime, data json.RawMessage) (module.Actions, error) {
	var req struct {
		VoteID ids.VoteId `json:"vote_id"`
		Option string     `json:"option"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return module.Actions{}, fmt.Errorf("invalid cast request: %w", err)
	}

	vote, err := m.load(ctx, rt, req.VoteID)
	if err != nil {
		return module.Actions{}, err
	}

	eligible := false
	for _, v := range vote.AllowedVoters {
		if v == m.self {
			eligible = true
			break
		}
	}
	if !eligible {
		metrics.LegalVotesCast.WithLabelValues("ineligible").Inc()
		return module.Actions{}, ErrIneligible
	}

	validOption := false
	for _, o := range vote.Options {
		if o == req.Option {
			validOption = true
			break
		}
	}
	if !validOption {
		metrics.LegalVotesCast.WithLabelValues("invalid_option").Inc()
		return module.Actions{}, ErrInvalidOption
	}

	err = castScript.Run(ctx, rt.Store.Client(), []string{voteAttrKey(req.VoteID)}, m.self.String(), req.Option, time.Now().Format(time.RFC3339)).Err()
	if err != nil {
		if err.Error() == "already voted" {
			metrics.LegalVotesCast.WithLabelValues("already_voted").Inc()
			return module.Actions{}, ErrAlreadyVoted
		}
		metrics.LegalVotesCast.WithLabelValues("error").Inc()
		return module.Actions{}, fmt.Errorf("cast vote: %w", err)
	}

	metrics.LegalVotesCast.WithLabelValues("accepted").Inc()
	return module.Actions{
		BusPublish: []module.BusPublish{{
			Namespace: m.room.String(),
			Payload:   map[string]any{"module": Namespace, "kind": "cast_accepted", "vote_id": req.VoteID},
		}},
	}, nil
}

func (m *legalVoteModule) stop(ctx context.Context, rt *module.Runtime, data json.RawMessage) (module.Actions, error) {
	return m.close(ctx, rt, data, "stop")
}

func (m *legalVoteModule) cancel(ctx context.Context, rt *module.Runtime, data json.RawMessage) (module.Actions, error) {
	return m.close(ctx, rt, data, "cancel")
}

func (m *legalVoteModule) close(ctx context.Context, rt *module.Runtime, data json.RawMessage, kind string) (module.Actions, error) {
	var req struct {
		VoteID ids.VoteId `json:"vote_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return module.Actions{}, fmt.Errorf("invalid %s request: %w", kind, err)
	}

	vote, err := m.load(ctx, rt, req.VoteID)
	if err != nil {
		return module.Actions{}, err
	}
	vote.Stopped = true
	vote.Protocol = append(vote.Protocol, Entry{Kind: kind, Timestamp: time.Now()})
	if err := m.save(ctx, rt, vote); err != nil {
		return module.Actions{}, err
	}

	payload := map[string]any{"module": Namespace, "kind": kind + "ped", "vote_id": req.VoteID, "tally": vote.Tally}
	if vote.Visibility == VisibilityPublic {
		voters := make(map[string]string)
		for _, e := range vote.Protocol {
			if e.Kind == "cast" {
				voters[e.Voter.String()] = e.Option
			}
		}
		payload["voters"] = voters
	}

	return module.Actions{
		BusPublish: []module.BusPublish{{
			Namespace: m.room.String(),
			Payload:   payload,
		}},
	}, nil
}

func (m *legalVoteModule) load(ctx context.Context, rt *module.Runtime, id ids.VoteId) (*Vote, error) {
	raw, err := rt.Store.Client().HGet(ctx, voteAttrKey(id), "state").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no such vote")
		}
		return nil, err
	}
	var vote Vote
	if err := json.Unmarshal([]byte(raw), &vote); err != nil {
		return nil, err
	}
	return &vote, nil
}

func (m *legalVoteModule) save(ctx context.Context, rt *module.Runtime, vote *Vote) error {
	data, err := json.Marshal(vote)
	if err != nil {
		return err
	}
	return rt.Store.Client().HSet(ctx, voteAttrKey(vote.ID), "state", string(data)).Err()
}

func (m *legalVoteModule) OnDestroy(ctx context.Context, rt *module.Runtime) (module.Actions, error) {
	return module.Actions{}, nil
}
