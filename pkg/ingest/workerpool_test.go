package ingest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestWorkerPoolRunsJobs(t *testing.T) {
	p := NewWorkerPool(4, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	p.Close()
	assert.Equal(t, int32(100), ran.Load())
}

func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	p := NewWorkerPool(1, 2)
	p.Start(context.Background())
	p.Close()
	assert.Equal(t, ErrPoolClosed, p.Submit(noop))
	assert.Equal(t, ErrPoolClosed, p.SubmitCtx(context.Background(), noop))
	p.Close() // second Close is a no-op
}

func TestWorkerPoolCloseReleasesBlockedSubmit(t *testing.T) {
	p := NewWorkerPool(1, 1)
	// Without workers the queue stays full after one job.
	require.NoError(t, p.Submit(noop))

	done := make(chan error, 1)
	go func() { done <- p.Submit(noop) }()
	time.Sleep(10 * time.Millisecond)

	p.Close()
	select {
	case err := <-done:
		assert.Equal(t, ErrPoolClosed, err)
	case <-time.After(time.Second):
		t.Fatal("blocked Submit did not return after Close")
	}
}

func TestWorkerPoolStopsOnContextCancel(t *testing.T) {
	p := NewWorkerPool(2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Close blocked after context cancellation")
	}
}

func TestWorkerPoolSubmitCtxGivesUp(t *testing.T) {
	p := NewWorkerPool(1, 1)
	defer p.Close()
	require.NoError(t, p.Submit(noop))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, p.SubmitCtx(ctx, noop))
}

func TestWorkerPoolCloseDrainsQueue(t *testing.T) {
	p := NewWorkerPool(2, 32)
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	p.Start(context.Background())
	p.Close()
	assert.Equal(t, int32(20), ran.Load())
}

func TestWorkerPoolRecordsFailures(t *testing.T) {
	p := NewWorkerPool(2, 8)
	p.Start(context.Background())
	boom := errors.New("boom")
	require.NoError(t, p.Submit(noop))
	require.NoError(t, p.Submit(func(context.Context) error { return boom }))
	require.NoError(t, p.Submit(func(context.Context) error { panic("bad record") }))
	p.Close()

	assert.Equal(t, int64(2), p.Failed())
	require.Error(t, p.Err())
	assert.True(t, errors.Is(p.Err(), boom) || strings.Contains(p.Err().Error(), "bad record"))
}
