package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireCreatesAndEnforcesOwnership(t *testing.T) {
	store := NewStore(time.Minute)
	ctx := context.Background()

	lease, err := store.Acquire(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", lease.Context().UserID)
	lease.Release()
	lease.Release()

	_, err = store.Acquire(ctx, "c1", "bob")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = store.AcquireExisting(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Acquire(ctx, "", "alice")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAcquireSerializesWriters(t *testing.T) {
	store := NewStore(time.Minute)
	ctx := context.Background()

	var (
		active  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := store.Acquire(ctx, "shared", "alice")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			lease.Context().TurnCount++
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			lease.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	lease, err := store.AcquireExisting(ctx, "shared", "alice")
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, 8, lease.Context().TurnCount)
}

func TestAcquireHonoursContextCancellation(t *testing.T) {
	store := NewStore(time.Minute)
	held, err := store.Acquire(context.Background(), "c1", "alice")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = store.Acquire(ctx, "c1", "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireAfterClearStartsFresh(t *testing.T) {
	store := NewStore(time.Minute)
	ctx := context.Background()

	held, err := store.Acquire(ctx, "c1", "alice")
	require.NoError(t, err)
	held.Context().TurnCount = 5

	got := make(chan int, 1)
	go func() {
		lease, err := store.Acquire(ctx, "c1", "alice")
		if err != nil {
			got <- -1
			return
		}
		defer lease.Release()
		got <- lease.Context().TurnCount
	}()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, store.Clear("c1"))
	held.Release()

	select {
	case n := <-got:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the recreated conversation")
	}
	assert.False(t, store.Clear("nope"))
}

func TestEvictIdleRespectsAttachmentAndWriters(t *testing.T) {
	store := NewStore(time.Minute)
	base := time.Now()
	store.now = func() time.Time { return base }
	ctx := context.Background()

	for _, id := range []string{"idle", "attached", "busy"} {
		lease, err := store.Acquire(ctx, id, "alice")
		require.NoError(t, err)
		lease.Release()
	}
	require.True(t, store.Attach("attached"))
	assert.False(t, store.Attach("missing"))
	busy, err := store.Acquire(ctx, "busy", "alice")
	require.NoError(t, err)

	assert.Equal(t, 0, store.EvictIdle(base.Add(30*time.Second)))
	assert.Equal(t, 1, store.EvictIdle(base.Add(2*time.Minute)))
	assert.Equal(t, 2, store.Len())

	busy.Release()
	store.Detach("attached")
	assert.Equal(t, 2, store.EvictIdle(base.Add(5*time.Minute)))
	assert.Equal(t, 0, store.Len())
}

func TestClearOwned(t *testing.T) {
	store := NewStore(time.Minute)
	lease, err := store.Acquire(context.Background(), "c1", "alice")
	require.NoError(t, err)
	lease.Release()

	assert.ErrorIs(t, store.ClearOwned("c1", "bob"), ErrForbidden)
	assert.NoError(t, store.ClearOwned("c1", "alice"))
	assert.ErrorIs(t, store.ClearOwned("c1", "alice"), ErrNotFound)
}

func TestRunStopsWithContext(t *testing.T) {
	store := NewStore(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestReleaseKeepsConversationsStillAttached(t *testing.T) {
	store := NewStore(time.Minute)
	ctx := context.Background()
	lease, err := store.Acquire(ctx, "shared", "alice")
	require.NoError(t, err)
	lease.Release()

	require.True(t, store.Attach("shared"))
	require.True(t, store.Attach("shared"))

	assert.False(t, store.Release("shared"), "another connection is still attached")
	assert.Equal(t, 1, store.Len())

	busy, err := store.Acquire(ctx, "shared", "alice")
	require.NoError(t, err)
	assert.False(t, store.Release("shared"), "a writer still holds the conversation")
	assert.Equal(t, 1, store.Len())
	busy.Release()

	require.True(t, store.Attach("shared"))
	assert.True(t, store.Release("shared"))
	assert.Equal(t, 0, store.Len())
	assert.False(t, store.Release("shared"))
}

func TestPeekDoesNotWaitForWriter(t *testing.T) {
	store := NewStore(time.Minute)
	ctx := context.Background()

	held, err := store.Acquire(ctx, "c1", "alice")
	require.NoError(t, err)
	committed := held.Context().Clone()
	committed.TurnCount = 2
	held.Commit(committed)
	defer held.Release()

	done := make(chan int, 1)
	go func() {
		snapshot, err := store.Peek("c1", "alice")
		if err != nil {
			done <- -1
			return
		}
		done <- snapshot.TurnCount
	}()

	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("peek blocked behind the writer")
	}

	_, err = store.Peek("c1", "bob")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = store.Peek("missing", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Peek("", "alice")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
