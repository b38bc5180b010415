package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/ctfsettle/internal/cache/redis"
	"github.com/alanyoungcy/ctfsettle/internal/domain"
	"github.com/alanyoungcy/ctfsettle/internal/events"
)

func newClient(t *testing.T) (*rediscache.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rediscache.Wrap(rdb), mr
}

func TestLockManager(t *testing.T) {
	c, mr := newClient(t)
	lm := rediscache.NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "settle", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ctfsettle:lock:settle"))

	_, err = lm.Acquire(ctx, "settle", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("ctfsettle:lock:settle"))

	again, err := lm.Acquire(ctx, "settle", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLockManagerExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	c, mr := newClient(t)
	lm := rediscache.NewLockManager(c)
	ctx := context.Background()

	stale, err := lm.Acquire(ctx, "settle", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := lm.Acquire(ctx, "settle", time.Minute)
	require.NoError(t, err)
	defer fresh()

	stale()
	assert.True(t, mr.Exists("ctfsettle:lock:settle"))
}

func TestLockManagerHold(t *testing.T) {
	c, mr := newClient(t)
	lm := rediscache.NewLockManager(c)
	ctx := context.Background()

	release, err := lm.Hold(ctx, "replay", 300*time.Millisecond)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "replay", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	release()
	assert.False(t, mr.Exists("ctfsettle:lock:replay"))
}

func TestEventStreamRoundTrip(t *testing.T) {
	c, _ := newClient(t)
	stream := rediscache.NewEventStream(c, "events")
	ctx := context.Background()

	first := events.New(domain.EventConditionPreparation, map[string]string{"condition_id": "0x01"})
	second := events.New(domain.EventTransfer, map[string]string{"amount": "5"})
	require.NoError(t, stream.Emit(ctx, first))
	require.NoError(t, stream.Emit(ctx, second))

	got, last, err := stream.Events(ctx, "0", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, domain.EventTransfer, got[1].Kind)
	assert.Equal(t, "5", got[1].Attrs["amount"])
	assert.True(t, first.At.Equal(got[0].At))

	rest, resume, err := stream.Events(ctx, last, 10)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, last, resume)
}

func TestResolutionFeed(t *testing.T) {
	c, mr := newClient(t)
	feed := rediscache.NewResolutionFeed(c)
	ctx := context.Background()
	id := common.HexToHash("0xc0ffee")

	resolved, payouts, err := feed.Outcome(ctx, id)
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.Nil(t, payouts)

	require.NoError(t, feed.Publish(ctx, id, []*uint256.Int{uint256.NewInt(0), uint256.NewInt(1)}))
	resolved, payouts, err = feed.Outcome(ctx, id)
	require.NoError(t, err)
	require.True(t, resolved)
	require.Len(t, payouts, 2)
	assert.Equal(t, uint64(1), payouts[1].Uint64())

	mr.Set("ctfsettle:resolution:"+id.Hex(), `["x"]`)
	_, _, err = feed.Outcome(ctx, id)
	require.Error(t, err)
}
