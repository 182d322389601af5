package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/notebook/internal/apperr"
	"github.com/kalambet/notebook/internal/chunker"
	"github.com/kalambet/notebook/internal/loader"
	"github.com/kalambet/notebook/internal/storage"
)

// Progress checkpoints reported while a job runs.
const (
	progressLoaded   = 25
	progressChunked  = 50
	progressArchived = 75
)

// JobStore abstracts the job queue and chunk archive operations.
type JobStore interface {
	ClaimNextJob() (*storage.Job, error)
	UpdateJobProgress(id string, progress int) error
	CompleteJob(id string, result storage.JobResult) error
	FailJob(id string, reason string) error
	SaveChunks(sourceID string, chunks []chunker.Chunk) error
}

// BlobReader returns the raw bytes of an upload.
type BlobReader interface {
	Get(id string) ([]byte, error)
}

// DocumentAdder embeds and indexes chunks.
type DocumentAdder interface {
	AddDocuments(ctx context.Context, chunks []chunker.Chunk) (int, error)
}

// JobPublisher broadcasts job state changes.
type JobPublisher interface {
	PublishJob(job storage.Job)
}

// WorkerConfig tunes the worker.
type WorkerConfig struct {
	Concurrency  int           // jobs run in parallel; <= 0 means 2
	PollInterval time.Duration // queue poll when idle; <= 0 means 500ms
	Chunking     chunker.Options
}

// Worker claims queued ingestion jobs from the SQLite queue and runs each
// one on a bounded goroutine pool.
type Worker struct {
	store    JobStore
	blobs    BlobReader
	vectors  DocumentAdder
	events   JobPublisher
	chunking chunker.Options
	poll     time.Duration
	logger   *slog.Logger

	pool     *ants.Pool
	inflight sync.WaitGroup
	wake     chan struct{}
}

// NewWorker creates a Worker with the given dependencies. events may be nil.
func NewWorker(store JobStore, blobs BlobReader, vectors DocumentAdder, events JobPublisher, cfg WorkerConfig) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	w := &Worker{
		store:    store,
		blobs:    blobs,
		vectors:  vectors,
		events:   events,
		chunking: cfg.Chunking,
		poll:     cfg.PollInterval,
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
	}

	pool, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(p any) {
		w.logger.Error("ingest job panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Wake makes an idle Run loop check the queue immediately.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run claims jobs until ctx is cancelled, then waits for running jobs and
// releases the pool. Running jobs are not cancelled by ctx.
func (w *Worker) Run(ctx context.Context) {
	defer w.pool.Release()
	defer w.inflight.Wait()

	for {
		if ctx.Err() != nil {
			return
		}

		if w.pool.Free() > 0 {
			done, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("worker iteration failed", "error", err)
			}
			if done {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims a single job and submits it to the pool.
// Returns true if a job was claimed (regardless of its outcome).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	w.publish(*job)

	jobCtx := context.WithoutCancel(ctx)
	w.inflight.Add(1)
	err = w.pool.Submit(func() {
		defer w.inflight.Done()
		defer w.Wake()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("ingest job panicked", "job_id", job.ID, "panic", r)
				w.fail(job, fmt.Errorf("job panicked: %v", r))
			}
		}()
		w.run(jobCtx, job)
	})
	if err != nil {
		w.inflight.Done()
		w.fail(job, fmt.Errorf("scheduling job: %w", err))
		return true, nil
	}
	return true, nil
}

// Wait blocks until every submitted job has finished.
func (w *Worker) Wait() {
	w.inflight.Wait()
}

func (w *Worker) run(ctx context.Context, job *storage.Job) {
	start := time.Now()
	result, err := w.processJob(ctx, job)
	if err != nil {
		w.fail(job, err)
		return
	}

	if err := w.store.CompleteJob(job.ID, result); err != nil {
		w.logger.Error("failed to mark job as completed", "job_id", job.ID, "error", err)
		return
	}
	job.State = storage.JobCompleted
	job.Progress = 100
	job.Result = &result
	w.publish(*job)
	w.logger.Info("job completed", "job_id", job.ID, "source_id", job.SourceID,
		"chunks", result.Chunks, "added", result.Added, "duration", time.Since(start))
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (storage.JobResult, error) {
	data, err := w.blobs.Get(job.SourceID)
	if err != nil {
		return storage.JobResult{}, fmt.Errorf("reading upload: %w: %w", apperr.ErrIngestion, err)
	}

	doc, err := loader.Load(job.Name, data)
	if err != nil {
		return storage.JobResult{}, err
	}
	w.progress(job, progressLoaded)

	chunks := chunker.Split(job.SourceID, doc, w.chunking)
	if len(chunks) == 0 {
		return storage.JobResult{}, fmt.Errorf("%s produced no chunks: %w", job.Name, apperr.ErrIngestion)
	}
	w.progress(job, progressChunked)

	if err := w.store.SaveChunks(job.SourceID, chunks); err != nil {
		return storage.JobResult{}, fmt.Errorf("archiving chunks: %w", err)
	}
	w.progress(job, progressArchived)

	added, err := w.vectors.AddDocuments(ctx, chunks)
	if err != nil {
		return storage.JobResult{}, fmt.Errorf("indexing chunks: %w", err)
	}
	return storage.JobResult{Chunks: len(chunks), Added: added}, nil
}

func (w *Worker) progress(job *storage.Job, p int) {
	if err := w.store.UpdateJobProgress(job.ID, p); err != nil {
		w.logger.Warn("failed to record job progress", "job_id", job.ID, "error", err)
		return
	}
	job.Progress = p
	w.publish(*job)
}

func (w *Worker) fail(job *storage.Job, cause error) {
	w.logger.Warn("job failed", "job_id", job.ID, "source_id", job.SourceID, "error", cause)
	if err := w.store.FailJob(job.ID, cause.Error()); err != nil {
		if !errors.Is(err, storage.ErrJobFinished) {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
		}
		return
	}
	job.State = storage.JobFailed
	job.FailureReason = cause.Error()
	w.publish(*job)
}

func (w *Worker) publish(job storage.Job) {
	if w.events == nil {
		return
	}
	job.UpdatedAt = time.Now().UTC()
	w.events.PublishJob(job)
}
