package loadshed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/pkg/observability"
)

func watcher(t *testing.T) (*Watcher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, 10*time.Millisecond, 5, observability.Discard(), nil), mr
}

func TestWatcher_TracksFlag(t *testing.T) {
	w, mr := watcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	assert.False(t, w.Active())

	mr.Set(FlagKey, "1")
	require.Eventually(t, w.Active, time.Second, 5*time.Millisecond)

	mr.Set(FlagKey, "0")
	require.Eventually(t, func() bool { return !w.Active() }, time.Second, 5*time.Millisecond)
}

func TestWatcher_MissingKeyMeansOff(t *testing.T) {
	w, _ := watcher(t)
	cycles := 0
	w.refresh(context.Background(), &cycles)
	assert.False(t, w.Active())
}

func TestWatcher_RedisDownKeepsLastState(t *testing.T) {
	w, mr := watcher(t)

	mr.Set(FlagKey, "true")
	cycles := 0
	w.refresh(context.Background(), &cycles)
	require.True(t, w.Active())

	mr.Close()
	w.refresh(context.Background(), &cycles)
	assert.True(t, w.Active(), "poll failure must not flap the flag")
}

func TestWatcher_Stop(t *testing.T) {
	w, _ := watcher(t)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
