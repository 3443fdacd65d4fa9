package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeside-io/lakeside/internal/ingestion"
)

func newRun(id string) *ingestion.Run {
	return &ingestion.Run{
		ID:        id,
		ClientID:  "c1",
		ModelID:   "m1",
		Status:    ingestion.RunStatusRunning,
		FileCount: 2,
		StartedAt: time.Now().UTC(),
	}
}

func TestInMemoryRunStore_Lifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryRunStore()

	require.NoError(t, store.CreateRun(ctx, newRun("r1")))
	require.ErrorIs(t, store.CreateRun(ctx, newRun("r1")), ErrRunAlreadyExists)
	require.ErrorIs(t, store.CreateRun(ctx, nil), ErrNilRun)

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ingestion.RunStatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)

	result := ingestion.NewResult("r1")
	require.NoError(t, store.CompleteRun(ctx, "r1", ingestion.RunStatusPartial, result, "1 of 2 tasks failed"))

	run, err = store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ingestion.RunStatusPartial, run.Status)
	assert.Equal(t, "1 of 2 tasks failed", run.Error)
	assert.Same(t, result, run.Result)
	require.NotNil(t, run.CompletedAt)

	err = store.CompleteRun(ctx, "r1", ingestion.RunStatusSucceeded, result, "")
	require.ErrorIs(t, err, ingestion.ErrTerminalStateImmutable)

	_, err = store.GetRun(ctx, "missing")
	require.ErrorIs(t, err, ingestion.ErrRunNotFound)
	require.ErrorIs(t, store.CompleteRun(ctx, "missing", ingestion.RunStatusFailed, nil, ""), ingestion.ErrRunNotFound)

	require.NoError(t, store.HealthCheck(ctx))
}

func TestInMemoryRunStore_ReturnsCopies(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	store := NewInMemoryRunStore()

	run := newRun("r1")
	require.NoError(t, store.CreateRun(ctx, run))

	run.Status = ingestion.RunStatusFailed

	got, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ingestion.RunStatusRunning, got.Status)
}

func TestInMemoryLocker_SerializesSameModel(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	locker := NewInMemoryLocker()

	unlock, err := locker.Lock(ctx, "c1", "m1")
	require.NoError(t, err)

	var acquired atomic.Bool

	done := make(chan struct{})

	go func() {
		defer close(done)

		unlock2, err := locker.Lock(ctx, "c1", "m1")
		if err != nil {
			return
		}

		acquired.Store(true)
		_ = unlock2(ctx)
	}()

	assert.Never(t, acquired.Load, 100*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx), "unlock is idempotent")

	<-done
	assert.True(t, acquired.Load())
}

func TestInMemoryLocker_DifferentModelsDoNotContend(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	locker := NewInMemoryLocker()

	unlock1, err := locker.Lock(ctx, "c1", "m1")
	require.NoError(t, err)

	unlock2, err := locker.Lock(ctx, "c1", "m2")
	require.NoError(t, err)

	require.NoError(t, unlock1(ctx))
	require.NoError(t, unlock2(ctx))
}

func TestInMemoryLocker_ContextDone(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	locker := NewInMemoryLocker()

	unlock, err := locker.Lock(t.Context(), "c1", "m1")
	require.NoError(t, err)

	defer func() { _ = unlock(t.Context()) }()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err = locker.Lock(ctx, "c1", "m1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockKey(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, LockKey("c1", "m1"), LockKey("c1", "m1"))
	assert.NotEqual(t, LockKey("c1", "m1"), LockKey("c1", "m2"))
	assert.NotEqual(t, LockKey("c1m", "1"), LockKey("c1", "m1"), "separator keeps ids apart")
}
