package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/japaniel/impara/pkg/db"
	"github.com/japaniel/impara/pkg/dictionary"
	"github.com/japaniel/impara/pkg/logger"
	"github.com/japaniel/impara/pkg/normalize"
)

// WorkerPoolInterface abstracts the worker pool so tests can inject failing implementations.
type WorkerPoolInterface interface {
	Start(ctx context.Context)
	Submit(Job) error
	// SubmitCtx attempts to enqueue a job but returns promptly if ctx is canceled.
	SubmitCtx(ctx context.Context, job Job) error
	Close()
	// Err reports the first failed job after Close.
	Err() error
	// Failed counts the jobs that returned an error or panicked.
	Failed() int64
}

// Stats counts the rows written by an import.
type Stats struct {
	Entries      int `json:"entries"`
	Senses       int `json:"senses"`
	Translations int `json:"translations"`
}

// Importer bulk-loads dictionary records into the store. Records are
// normalized concurrently and written in input order through a BatchWriter.
// Importing the same records again leaves the store unchanged.
type Importer struct {
	Store      *db.Store
	Normalizer normalize.Normalizer
	BatchSize  int
	Workers    int
	Logger     *logger.Logger
	// OnProgress is called periodically with the number of records handed to
	// the writer and the total.
	OnProgress func(current, total int)

	// PoolFactory allows tests to inject custom worker pool implementations.
	PoolFactory func(workers, queue int) WorkerPoolInterface
}

// NewImporter creates an Importer writing to st. A nil norm uses the
// store's own normalizer.
func NewImporter(st *db.Store, norm normalize.Normalizer) *Importer {
	return &Importer{
		Store:      st,
		Normalizer: norm,
		BatchSize:  200,
		Workers:    4,
	}
}

// prepared is a record whose normalized form has been computed.
type prepared struct {
	Index  int
	Record dictionary.Record
}

type counters struct {
	entries, senses, translations int64
}

func (c *counters) stats() Stats {
	return Stats{
		Entries:      int(atomic.LoadInt64(&c.entries)),
		Senses:       int(atomic.LoadInt64(&c.senses)),
		Translations: int(atomic.LoadInt64(&c.translations)),
	}
}

// Import writes records and returns the number of rows written.
func (im *Importer) Import(ctx context.Context, records []dictionary.Record) (Stats, error) {
	if im.Store == nil {
		return Stats{}, errors.New("import: no store")
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	total := len(records)
	if total == 0 {
		return Stats{}, nil
	}
	log := logger.OrNop(im.Logger)
	workers := im.Workers
	if workers <= 0 {
		workers = 1
	}
	batchSize := im.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	var wp WorkerPoolInterface
	if im.PoolFactory != nil {
		wp = im.PoolFactory(workers, workers*2)
	} else {
		wp = NewWorkerPool(workers, workers*2)
	}
	resultCh := make(chan prepared, workers*2)
	doneCh := make(chan error, 1)
	var counts counters

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bw := NewBatchWriter(im.Store, batchSize, 100*time.Millisecond)
	var batchErr error
	var batchErrMu sync.Mutex
	// The first failed batch stops the import; later batches are dropped
	// rather than committed out of order around the gap.
	bw.OnError = func(e error) {
		batchErrMu.Lock()
		if batchErr == nil {
			batchErr = e
		}
		batchErrMu.Unlock()
		bw.Abort()
		cancel()
	}

	wp.Start(ctx)
	go func() {
		doneCh <- im.consume(ctx, cancel, resultCh, bw, total, batchSize, &counts)
	}()

	started := time.Now()
	var submitErr error
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		idx := i
		rec := records[i]
		job := func(ctx context.Context) error {
			res := prepared{Index: idx, Record: im.prepare(rec)}
			select {
			case resultCh <- res:
			case <-ctx.Done():
			}
			return nil
		}
		if err := wp.SubmitCtx(ctx, job); err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrPoolClosed) {
				submitErr = fmt.Errorf("submit record %d: %w", idx, err)
				cancel()
			}
			break
		}
	}

	// No worker sends after Close returns, so resultCh can be closed.
	wp.Close()
	close(resultCh)
	consumerErr := <-doneCh
	if err := wp.Err(); err != nil && submitErr == nil {
		submitErr = fmt.Errorf("prepare records (%d failed): %w", wp.Failed(), err)
	}

	closeErr := bw.Close()
	batchErrMu.Lock()
	err := errors.Join(submitErr, batchErr)
	batchErrMu.Unlock()
	if err == nil && closeErr != nil {
		err = closeErr
	}
	if err == nil {
		err = consumerErr
	}

	stats := counts.stats()
	if err != nil {
		log.Warn("dictionary import failed", "error", err, "entries", stats.Entries)
		return stats, err
	}
	batches, _ := bw.Committed()
	log.Info("dictionary import finished",
		"entries", stats.Entries, "senses", stats.Senses, "translations", stats.Translations,
		"batches", batches, "elapsed", time.Since(started).String())
	return stats, nil
}

// consume reorders prepared records by index and submits their writes.
func (im *Importer) consume(ctx context.Context, cancel context.CancelFunc, resultCh <-chan prepared,
	bw *BatchWriter, total, batchSize int, counts *counters) error {
	buffer := make(map[int]prepared)
	next := 0
	for res := range resultCh {
		buffer[res.Index] = res
		for {
			item, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			if err := bw.Submit(im.write(item.Record, counts)); err != nil {
				cancel()
				return err
			}
			next++
			if im.OnProgress != nil && (next%batchSize == 0 || next == total) {
				im.OnProgress(next, total)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if next != total {
		return fmt.Errorf("import stopped after %d of %d records", next, total)
	}
	return nil
}

// prepare fills in the normalized form of a record. A kana reading is
// preferred over analysing the headword.
func (im *Importer) prepare(rec dictionary.Record) dictionary.Record {
	if rec.Entry.Normalized != "" {
		return rec
	}
	switch {
	case rec.Reading != "":
		rec.Entry.Normalized = normalize.Fold(rec.Reading)
	case im.Normalizer != nil:
		rec.Entry.Normalized = im.Normalizer.Normalize(rec.Entry.Language, rec.Entry.Lemma)
	default:
		rec.Entry.Normalized = im.Store.Normalize(rec.Entry.Language, rec.Entry.Lemma)
	}
	return rec
}

func (im *Importer) write(rec dictionary.Record, counts *counters) WriteFunc {
	return func(ctx context.Context, tx *sql.Tx) error {
		entryID, err := db.UpsertEntry(ctx, tx, rec.Entry, time.Now())
		if err != nil {
			return fmt.Errorf("failed to persist entry %s: %w", rec.Entry.Lemma, err)
		}
		atomic.AddInt64(&counts.entries, 1)
		for _, s := range rec.Senses {
			senseID, err := db.UpsertSense(ctx, tx, entryID, s.Sense)
			if err != nil {
				return fmt.Errorf("failed to persist sense %d of %s: %w", s.Sense.Order, rec.Entry.Lemma, err)
			}
			atomic.AddInt64(&counts.senses, 1)
			for _, t := range s.Translations {
				if _, err := db.UpsertTranslation(ctx, tx, senseID, t); err != nil {
					return fmt.Errorf("failed to persist translation of %s: %w", rec.Entry.Lemma, err)
				}
				atomic.AddInt64(&counts.translations, 1)
			}
		}
		return nil
	}
}
