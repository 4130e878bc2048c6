package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type claims struct {
	RoomID string `json:"room_id"`
}

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRegistry(client, WithTicketTTL(50*time.Millisecond), WithResumptionTTL(50*time.Millisecond)), mr
}

func TestIssueConsumeTicket(t *testing.T) {
	reg, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	token, err := reg.IssueTicket(ctx, claims{RoomID: "room-1"})
	require.NoError(t, err)
	require.Len(t, token, 64)

	var out claims
	require.NoError(t, reg.ConsumeTicket(ctx, token, &out))
	assert.Equal(t, "room-1", out.RoomID)

	// ticket is single-use
	err = reg.ConsumeTicket(ctx, token, &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTicketExpires(t *testing.T) {
	reg, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	token, err := reg.IssueTicket(ctx, claims{RoomID: "room-1"})
	require.NoError(t, err)

	mr.FastForward(100 * time.Millisecond)

	var out claims
	err = reg.ConsumeTicket(ctx, token, &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResumptionRefreshAndConsume(t *testing.T) {
	reg, mr := newTestRegistry(t)
	defer mr.Close()
	ctx := context.Background()

	token, err := reg.IssueResumption(ctx, claims{RoomID: "room-1"})
	require.NoError(t, err)

	outcome, err := reg.RefreshResumption(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, RefreshOK, outcome)

	var out claims
	require.NoError(t, reg.ConsumeResumption(ctx, token, &out))
	assert.Equal(t, "room-1", out.RoomID)

	outcome, err = reg.RefreshResumption(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, RefreshConsumed, outcome)
}
