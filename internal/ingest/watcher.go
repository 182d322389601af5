package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/notebook/internal/events"
	"github.com/kalambet/notebook/internal/storage"
)

// JobGetter reads a job by ID.
type JobGetter interface {
	GetJob(id string) (storage.Job, error)
}

// Subscriber delivers broker events.
type Subscriber interface {
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
}

// Watcher follows a job until it finishes. Completion arrives as a broker
// event; the job store is also polled at a fixed interval in case the event
// was dropped or no broker is configured.
type Watcher struct {
	jobs     JobGetter
	events   Subscriber
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher. sub may be nil to rely on polling only.
// interval defaults to 1s and timeout to 10m.
func NewWatcher(jobs JobGetter, sub Subscriber, interval, timeout time.Duration) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Watcher{
		jobs:     jobs,
		events:   sub,
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default(),
	}
}

// Watch blocks until the job reaches a terminal state, disappears, or ctx
// (bounded by the watch timeout) ends. It returns the last job seen.
func (w *Watcher) Watch(ctx context.Context, jobID string) (storage.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	// Subscribe before the first read so a transition in between is not lost.
	var ch chan events.Event
	if w.events != nil {
		ch = w.events.Subscribe()
		defer w.events.Unsubscribe(ch)
	}

	job, done, err := w.check(jobID)
	if done {
		return job, err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Warn("stopped watching job", "job_id", jobID, "state", job.State, "error", ctx.Err())
			return job, ctx.Err()

		case ev, ok := <-ch:
			if !ok {
				// Broker closed; keep polling.
				ch = nil
				continue
			}
			j, isJob := ev.Job()
			if !isJob || j.ID != jobID {
				continue
			}
			job = j
			if j.State.Terminal() {
				w.logOutcome(j)
				return j, nil
			}

		case <-ticker.C:
			var latest storage.Job
			latest, done, err = w.check(jobID)
			if done {
				return latest, err
			}
			if latest.ID != "" {
				job = latest
			}
		}
	}
}

// check reads the job and reports whether watching should stop.
func (w *Watcher) check(jobID string) (storage.Job, bool, error) {
	job, err := w.jobs.GetJob(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Warn("watched job disappeared", "job_id", jobID)
		return storage.Job{}, true, err
	}
	if err != nil {
		w.logger.Warn("polling job failed", "job_id", jobID, "error", err)
		return job, false, nil
	}
	if job.State.Terminal() {
		w.logOutcome(job)
		return job, true, nil
	}
	return job, false, nil
}

func (w *Watcher) logOutcome(job storage.Job) {
	if job.State == storage.JobFailed {
		w.logger.Warn("job finished with failure", "job_id", job.ID, "source_id", job.SourceID, "reason", job.FailureReason)
		return
	}
	w.logger.Info("job finished", "job_id", job.ID, "source_id", job.SourceID, "state", job.State)
}
