package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/worldstore/core/internal/storetype"
)

func echo(data string) Work {
	return func(context.Context, *Operation) ([]byte, error) {
		return []byte(data), nil
	}
}

func TestQueueBoundsKeepOrder(t *testing.T) {
	t.Parallel()

	r := NewRunner(WithQueueSize(3), WithMaxOperations(10))
	var ids []uint32
	for i := range 3 {
		op, err := r.Submit(KindAsset, "a", echo("x"), nil, i)
		require.NoError(t, err)
		ids = append(ids, op.ID())
	}

	_, err := r.Submit(KindAsset, "overflow", echo("x"), nil, nil)
	require.ErrorIs(t, err, storetype.ErrBufferFull)
	assert.Equal(t, ids, r.Queue().IDs(), "FIFO order unchanged by overflow")
	assert.Equal(t, 3, r.Pool().InUse(), "overflow slot released")
}

func TestPoolFull(t *testing.T) {
	t.Parallel()

	r := NewRunner(WithQueueSize(10), WithMaxOperations(2))
	_, err := r.Submit(KindAsset, "a", echo("x"), nil, nil)
	require.NoError(t, err)
	_, err = r.Submit(KindAsset, "b", echo("x"), nil, nil)
	require.NoError(t, err)
	_, err = r.Submit(KindAsset, "c", echo("x"), nil, nil)
	require.ErrorIs(t, err, storetype.ErrBufferFull)
	assert.Equal(t, 2, r.Queue().Len())
}

func TestRunnerCompletesAndFreesSlots(t *testing.T) {
	t.Parallel()

	r := NewRunner(WithWorkers(3))
	r.Start(context.Background())
	defer r.Stop()

	var calls atomic.Int32
	var mu sync.Mutex
	got := map[any]string{}
	var ops []*Operation
	for i := range 20 {
		op, err := r.Submit(KindAsset, "echo", echo("payload"), func(op *Operation, data []byte, err error) {
			calls.Add(1)
			mu.Lock()
			got[op.UserData()] = string(data)
			mu.Unlock()
		}, i)
		require.NoError(t, err)
		ops = append(ops, op)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, op := range ops {
		data, err := op.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
		assert.Equal(t, StateCompleted, op.State())
		assert.InDelta(t, 1.0, op.Progress(), 1e-9)
	}
	assert.Eventually(t, func() bool { return calls.Load() == 20 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return r.Pool().InUse() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 20)
	mu.Unlock()
}

func TestCancelBeforeDequeue(t *testing.T) {
	t.Parallel()

	r := NewRunner(WithQueueSize(4))
	called := false
	a, err := r.Submit(KindAsset, "a", echo("a"), nil, nil)
	require.NoError(t, err)
	b, err := r.Submit(KindAsset, "b", echo("b"), func(*Operation, []byte, error) { called = true }, nil)
	require.NoError(t, err)
	c, err := r.Submit(KindAsset, "c", echo("c"), nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.Cancel(b))
	assert.Equal(t, StateCancelled, b.State())
	assert.Equal(t, []uint32{a.ID(), c.ID()}, r.Queue().IDs())
	assert.Equal(t, 2, r.Pool().InUse())
	select {
	case <-b.Done():
	default:
		t.Fatal("cancelled operation not done")
	}
	assert.False(t, called, "cancelled operations never invoke the callback")
	require.ErrorIs(t, r.Cancel(b), ErrNotCancellable)
}

func TestCancelRunningOperationRefused(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	r := NewRunner(WithWorkers(1))
	r.Start(context.Background())
	defer r.Stop()

	var cbErr error
	cbDone := make(chan struct{})
	op, err := r.Submit(KindLoad, "slow", func(ctx context.Context, op *Operation) ([]byte, error) {
		close(started)
		<-release
		return []byte("done"), nil
	}, func(_ *Operation, _ []byte, err error) {
		cbErr = err
		close(cbDone)
	}, nil)
	require.NoError(t, err)

	<-started
	require.ErrorIs(t, r.Cancel(op), ErrNotCancellable)
	close(release)
	<-cbDone
	require.NoError(t, cbErr)
	assert.Equal(t, StateCompleted, op.State())
}

func TestTimeoutWhileQueued(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	r := NewRunner(WithWorkers(1), WithTimeout(50*time.Millisecond))
	r.Start(context.Background())
	defer func() {
		close(block)
		r.Stop()
	}()

	_, err := r.Submit(KindLoad, "blocker", func(ctx context.Context, _ *Operation) ([]byte, error) {
		<-block
		return nil, nil
	}, nil, nil)
	require.NoError(t, err)

	cbErr := make(chan error, 1)
	queued, err := r.Submit(KindAsset, "starved", echo("x"), func(_ *Operation, _ []byte, err error) {
		cbErr <- err
	}, nil)
	require.NoError(t, err)

	select {
	case err := <-cbErr:
		require.ErrorIs(t, err, storetype.ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("queued operation never timed out")
	}
	assert.Equal(t, StateTimedOut, queued.State())
}

func TestTimeoutWhileRunning(t *testing.T) {
	t.Parallel()

	r := NewRunner(WithWorkers(1), WithTimeout(30*time.Millisecond))
	r.Start(context.Background())
	defer r.Stop()

	op, err := r.Submit(KindSave, "slow", func(ctx context.Context, _ *Operation) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = op.Wait(ctx)
	require.ErrorIs(t, err, storetype.ErrTimeout)
	assert.Eventually(t, func() bool { return r.Pool().InUse() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStopFailsQueued(t *testing.T) {
	t.Parallel()

	r := NewRunner()
	op, err := r.Submit(KindAsset, "never", echo("x"), nil, nil)
	require.NoError(t, err)

	r.Start(context.Background())
	r.Stop()

	// The worker may have run it before Stop; either way it is done.
	<-op.Done()
	assert.True(t, op.State().Terminal())
	assert.Zero(t, r.Pool().InUse())
}

func TestWorkErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	r := NewRunner()
	r.Start(context.Background())
	defer r.Stop()

	op, err := r.Submit(KindAsset, "fail", func(context.Context, *Operation) ([]byte, error) {
		return nil, boom
	}, nil, nil)
	require.NoError(t, err)
	_, err = op.Wait(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StateFailed, op.State())
}

func TestCompletedOperation(t *testing.T) {
	t.Parallel()

	op := Completed(KindAsset, "hit", []byte("abc"), nil)
	assert.Equal(t, CompletedID, op.ID())
	data, err := op.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.InDelta(t, 1.0, op.Progress(), 1e-9)
}
