package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tohenk/bridgeui/internal/logs"
	"github.com/tohenk/bridgeui/internal/page"
	"github.com/tohenk/bridgeui/internal/queue"
)

type categoryError struct{ cat string }

func (e categoryError) Error() string    { return "boom" }
func (e categoryError) Category() string { return e.cat }

func steppingNow() func() time.Time {
	cur := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestLocal_PollCompletesAndFails(t *testing.T) {
	store := queue.NewMemoryStore(queue.WithNowFunc(steppingNow()))
	l, err := NewLocal("b1", store)
	require.NoError(t, err)

	_, err = l.Enqueue("sync", nil)
	require.NoError(t, err)
	bad, err := l.Enqueue("sync", nil)
	require.NoError(t, err)

	ctx := context.Background()
	last, err := l.Last(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	n, err := l.Poll(ctx, func(_ context.Context, it queue.Item) error {
		if it.ID == bad.ID {
			return categoryError{cat: "timeout"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["processed"])
	assert.Equal(t, int64(1), stats["failed"])
	assert.Equal(t, int64(0), stats["queued"])

	processed, err := store.ProcessedCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), processed)

	errs, err := store.ListErrors(queue.ListRequest{Paging: page.DefaultConfig()})
	require.NoError(t, err)
	require.Len(t, errs.Items, 1)
	assert.Equal(t, "timeout", errs.Items[0].Error)
	assert.Equal(t, bad.ID, errs.Items[0].Context["item"])

	last, err = l.Last(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Contains(t, last.String(), bad.ID)

	cur, err := l.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestLocal_CurrentDuringProcessing(t *testing.T) {
	store := queue.NewMemoryStore()
	l, err := NewLocal("b1", store)
	require.NoError(t, err)
	it, err := l.Enqueue("sync", nil)
	require.NoError(t, err)

	var seen string
	_, err = l.Poll(context.Background(), func(ctx context.Context, _ queue.Item) error {
		cur, err := l.Current(ctx)
		if err != nil || cur == nil {
			return errors.New("no current item")
		}
		seen = cur.String()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sync "+it.ID, seen)
}

func TestLocal_ProcessorPanicFailsItem(t *testing.T) {
	store := queue.NewMemoryStore()
	l, err := NewLocal("b1", store)
	require.NoError(t, err)
	_, err = l.Enqueue("sync", nil)
	require.NoError(t, err)

	_, err = l.Poll(context.Background(), func(context.Context, queue.Item) error {
		panic("broken")
	})
	require.NoError(t, err)

	errs, err := store.ListErrors(queue.ListRequest{Paging: page.DefaultConfig()})
	require.NoError(t, err)
	require.Len(t, errs.Items, 1)
	assert.Equal(t, "error", errs.Items[0].Error)
	assert.Contains(t, errs.Items[0].Message, "broken")
}

func TestLocal_LogsAfterSeq(t *testing.T) {
	l, err := NewLocal("b1", queue.NewMemoryStore(), WithLocalLogSize(10))
	require.NoError(t, err)

	first := l.Log(logs.LevelInfo, "one", nil)
	l.Log(logs.LevelWarn, "two", nil)

	got, err := l.Logs(context.Background(), first.Seq)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0].Message)
}

func TestLocal_RestartClearsCurrent(t *testing.T) {
	l, err := NewLocal("b1", queue.NewMemoryStore())
	require.NoError(t, err)
	l.current = &ItemRef{ID: "q_1"}

	require.NoError(t, l.Restart(context.Background()))

	cur, err := l.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cur)
	stats, err := l.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["restarts"])
}

func TestLocal_RunStopsOnCancel(t *testing.T) {
	store := queue.NewMemoryStore()
	l, err := NewLocal("b1", store)
	require.NoError(t, err)
	_, err = l.Enqueue("sync", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	processed := make(chan struct{})
	go func() {
		done <- l.Run(ctx, func(context.Context, queue.Item) error {
			close(processed)
			return nil
		})
	}()

	<-processed
	cancel()
	require.NoError(t, <-done)
}

func TestNewLocal_Validation(t *testing.T) {
	_, err := NewLocal(" ", queue.NewMemoryStore())
	assert.ErrorIs(t, err, ErrEmptyName)
	_, err = NewLocal("b1", nil)
	assert.Error(t, err)
}

func TestLocal_ShutdownReleasesBatch(t *testing.T) {
	store := queue.NewMemoryStore(queue.WithNowFunc(steppingNow()))
	l, err := NewLocal("b1", store, WithLocalBatch(10))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Enqueue("sync", nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := l.Poll(ctx, func(ctx context.Context, _ queue.Item) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
		done <- err
	}()
	<-started
	cancel()
	require.NoError(t, <-done)

	errs, err := store.ListErrors(queue.ListRequest{Paging: page.DefaultConfig()})
	require.NoError(t, err)
	assert.Zero(t, errs.Count, "shutdown must not be filed as a failure")

	stats, err := l.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["failed"])
	assert.Equal(t, int64(3), stats["queued"])

	current, err := l.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, current)

	again, err := store.Dequeue(queue.DequeueRequest{Bridge: "b1", Batch: 10})
	require.NoError(t, err)
	assert.Len(t, again, 3)
}
