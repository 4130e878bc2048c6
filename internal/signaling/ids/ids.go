// Package ids defines the opaque identifiers used throughout the signaling
// controller. Every identifier wraps a uuid.UUID so that rooms, participants,
// users, breakout rooms and votes can never be confused with one another at
// compile time even though they share the same wire representation.
package ids

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RoomId identifies a conference room.
type RoomId uuid.UUID

// BreakoutId identifies a breakout room scoped to a parent RoomId.
type BreakoutId uuid.UUID

// ParticipantId identifies a single signaling connection (one per device/tab).
type ParticipantId uuid.UUID

// UserId identifies a registered user, stable across reconnects and devices.
type UserId uuid.UUID

// VoteId identifies a legal-vote instance.
type VoteId uuid.UUID

func NewRoomId() RoomId               { return RoomId(uuid.New()) }
func NewBreakoutId() BreakoutId       { return BreakoutId(uuid.New()) }
func NewParticipantId() ParticipantId { return ParticipantId(uuid.New()) }
func NewUserId() UserId               { return UserId(uuid.New()) }
func NewVoteId() VoteId               { return VoteId(uuid.New()) }

func (i RoomId) String() string        { return uuid.UUID(i).String() }
func (i BreakoutId) String() string    { return uuid.UUID(i).String() }
func (i ParticipantId) String() string { return uuid.UUID(i).String() }
func (i UserId) String() string        { return uuid.UUID(i).String() }
func (i VoteId) String() string        { return uuid.UUID(i).String() }

func ParseRoomId(s string) (RoomId, error) {
	u, err := uuid.Parse(s)
	return RoomId(u), err
}

func ParseBreakoutId(s string) (BreakoutId, error) {
	u, err := uuid.Parse(s)
	return BreakoutId(u), err
}

func ParseParticipantId(s string) (ParticipantId, error) {
	u, err := uuid.Parse(s)
	return ParticipantId(u), err
}

func ParseUserId(s string) (UserId, error) {
	u, err := uuid.Parse(s)
	return UserId(u), err
}

func ParseVoteId(s string) (VoteId, error) {
	u, err := uuid.Parse(s)
	return VoteId(u), err
}

func (i RoomId) MarshalJSON() ([]byte, error)        { return json.Marshal(i.String()) }
func (i BreakoutId) MarshalJSON() ([]byte, error)    { return json.Marshal(i.String()) }
func (i ParticipantId) MarshalJSON() ([]byte, error) { return json.Marshal(i.String()) }
func (i UserId) MarshalJSON() ([]byte, error)        { return json.Marshal(i.String()) }
func (i VoteId) MarshalJSON() ([]byte, error)        { return json.Marshal(i.String()) }

func (i *RoomId) UnmarshalJSON(b []byte) error        { return unmarshalUUID(b, (*uuid.UUID)(i)) }
func (i *BreakoutId) UnmarshalJSON(b []byte) error    { return unmarshalUUID(b, (*uuid.UUID)(i)) }
func (i *ParticipantId) UnmarshalJSON(b []byte) error { return unmarshalUUID(b, (*uuid.UUID)(i)) }
func (i *UserId) UnmarshalJSON(b []byte) error        { return unmarshalUUID(b, (*uuid.UUID)(i)) }
func (i *VoteId) UnmarshalJSON(b []byte) error        { return unmarshalUUID(b, (*uuid.UUID)(i)) }

func unmarshalUUID(b []byte, dst *uuid.UUID) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	*dst = u
	return nil
}

// SignalingRoomId scopes every piece of signaling state to either the main
// room or one of its breakout rooms. It is the key used by RoomStore, Bus
// namespaces and module dispatch to address "the room the participant is
// currently in" without every caller needing to special-case breakout rooms.
type SignalingRoomId struct {
	Room     RoomId
	Breakout *BreakoutId
}

// MainRoom builds a SignalingRoomId that refers to the room itself, not a breakout.
func MainRoom(room RoomId) SignalingRoomId {
	return SignalingRoomId{Room: room}
}

// InBreakout builds a SignalingRoomId scoped to a specific breakout room.
func InBreakout(room RoomId, breakout BreakoutId) SignalingRoomId {
	return SignalingRoomId{Room: room, Breakout: &breakout}
}

// IsBreakout reports whether this id refers to a breakout room.
func (s SignalingRoomId) IsBreakout() bool { return s.Breakout != nil }

// GlobalNamespace returns the bus namespace that spans every breakout of
// room, used for presence and eviction messages that must cross breakout
// boundaries (the parent room never binds it, since the parent is never
// inside a breakout).
func GlobalNamespace(room RoomId) string {
	return fmt.Sprintf("global.%s", room)
}

// String renders a stable string key, e.g. "room/<id>" or "room/<id>/breakout/<id>".
func (s SignalingRoomId) String() string {
	if s.Breakout == nil {
		return fmt.Sprintf("room/%s", s.Room)
	}
	return fmt.Sprintf("room/%s/breakout/%s", s.Room, *s.Breakout)
}
