package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// WriteFunc performs the writes for one item inside a batch transaction.
type WriteFunc func(ctx context.Context, tx *sql.Tx) error

// Transactor runs fn inside one write transaction. *db.Store satisfies it.
type Transactor interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// ErrBatchDropped is reported for batches discarded after Abort.
var ErrBatchDropped = errors.New("batch dropped")

// BatchWriter groups submitted writes into batches and commits each batch in
// a single transaction on a background goroutine. A batch is cut when it
// reaches the configured size or when the flush interval elapses.
//
// Commit errors are reported through OnError as they happen and the first
// one is returned again by Close.
type BatchWriter struct {
	OnError func(error)

	store Transactor
	size  int

	mu      sync.Mutex
	pending []WriteFunc
	closed  bool

	commitCh chan []WriteFunc
	ticker   *time.Ticker
	quit     chan struct{}
	wg       sync.WaitGroup

	aborted context.Context
	abort   context.CancelFunc

	errOnce  sync.Once
	firstErr error

	batches atomic.Int64
	items   atomic.Int64
}

// NewBatchWriter starts a writer committing through store. A nil store runs
// the callbacks with a nil tx. flushInterval 0 disables timed flushes.
func NewBatchWriter(store Transactor, size int, flushInterval time.Duration) *BatchWriter {
	if size <= 0 {
		size = 10
	}
	aborted, abort := context.WithCancel(context.Background())
	bw := &BatchWriter{
		store:    store,
		size:     size,
		pending:  make([]WriteFunc, 0, size),
		commitCh: make(chan []WriteFunc, 2),
		quit:     make(chan struct{}),
		aborted:  aborted,
		abort:    abort,
	}

	bw.wg.Add(1)
	go bw.committer()

	if flushInterval > 0 {
		bw.ticker = time.NewTicker(flushInterval)
		bw.wg.Add(1)
		go bw.tick()
	}
	return bw
}

// Submit queues w. It blocks while two full batches are already waiting for
// the committer.
func (bw *BatchWriter) Submit(w WriteFunc) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return ErrBatchWriterClosed
	}
	bw.pending = append(bw.pending, w)
	if len(bw.pending) >= bw.size {
		bw.cutLocked()
	}
	return nil
}

// Flush hands the pending writes to the committer without waiting for them
// to commit.
func (bw *BatchWriter) Flush() {
	bw.mu.Lock()
	bw.cutLocked()
	bw.mu.Unlock()
}

// Abort discards queued and future batches. A batch already committing is
// not interrupted.
func (bw *BatchWriter) Abort() {
	bw.abort()
}

// Committed returns how many batches and items have been committed so far.
func (bw *BatchWriter) Committed() (batches, items int64) {
	return bw.batches.Load(), bw.items.Load()
}

// cutLocked moves the pending writes into a batch. bw.mu must be held;
// holding it while the channel is full is what pushes back on Submit.
func (bw *BatchWriter) cutLocked() {
	if len(bw.pending) == 0 {
		return
	}
	batch := bw.pending
	bw.pending = make([]WriteFunc, 0, bw.size)

	select {
	case <-bw.aborted.Done():
		bw.drop(batch)
		return
	default:
	}
	select {
	case bw.commitCh <- batch:
	case <-bw.aborted.Done():
		bw.drop(batch)
	}
}

func (bw *BatchWriter) drop(batch []WriteFunc) {
	bw.fail(fmt.Errorf("%w: %d items", ErrBatchDropped, len(batch)))
}

func (bw *BatchWriter) fail(err error) {
	bw.errOnce.Do(func() { bw.firstErr = err })
	if bw.OnError != nil {
		bw.OnError(err)
	}
}

func (bw *BatchWriter) committer() {
	defer bw.wg.Done()
	for batch := range bw.commitCh {
		if bw.aborted.Err() != nil {
			bw.drop(batch)
			continue
		}
		if err := bw.commit(batch); err != nil {
			bw.fail(err)
			continue
		}
		bw.batches.Add(1)
		bw.items.Add(int64(len(batch)))
	}
}

func (bw *BatchWriter) commit(batch []WriteFunc) error {
	// Batches queued before Close still commit, so they do not share the
	// abort context.
	ctx := context.Background()
	if bw.store == nil {
		for _, w := range batch {
			if err := w(ctx, nil); err != nil {
				return err
			}
		}
		return nil
	}
	err := bw.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, w := range batch {
			if err := w(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("batch of %d items: %w", len(batch), err)
	}
	return nil
}

func (bw *BatchWriter) tick() {
	defer bw.wg.Done()
	for {
		select {
		case <-bw.quit:
			return
		case <-bw.ticker.C:
			bw.Flush()
		}
	}
}

// Close flushes what is pending, waits for every queued batch and returns
// the first error seen.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrBatchWriterClosed
	}
	bw.closed = true
	if bw.ticker != nil {
		bw.ticker.Stop()
	}
	bw.cutLocked()
	bw.mu.Unlock()

	close(bw.quit)
	close(bw.commitCh)
	bw.wg.Wait()
	bw.abort()
	return bw.firstErr
}

var ErrBatchWriterClosed = &BatchWriterError{"batch writer closed"}

type BatchWriterError struct{ msg string }

func (e *BatchWriterError) Error() string { return e.msg }
