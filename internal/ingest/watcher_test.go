package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/notebook/internal/events"
	"github.com/kalambet/notebook/internal/storage"
)

func watchAsync(w *Watcher, ctx context.Context, jobID string) <-chan storage.Job {
	out := make(chan storage.Job, 1)
	go func() {
		job, _ := w.Watch(ctx, jobID)
		out <- job
	}()
	return out
}

func TestWatch_StopsOnCompletionEvent(t *testing.T) {
	store := openTestStore(t)
	store.EnqueueJob(storage.Job{ID: "j1", SourceID: "s1", Name: "a.txt"})
	broker := events.NewBroker(time.Hour)
	defer broker.Close()

	// A long poll interval leaves the event as the only way to finish.
	w := NewWatcher(store, broker, time.Hour, time.Minute)
	out := watchAsync(w, context.Background(), "j1")

	// Wait for the watcher to subscribe.
	for broker.ClientCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	broker.PublishJob(storage.Job{ID: "other", State: storage.JobCompleted})
	broker.PublishJob(storage.Job{ID: "j1", State: storage.JobActive, Progress: 50})
	broker.PublishJob(storage.Job{ID: "j1", State: storage.JobCompleted, Progress: 100})

	select {
	case job := <-out:
		if job.ID != "j1" || job.State != storage.JobCompleted {
			t.Errorf("Watch = %+v, want j1 completed", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on completion event")
	}
}

func TestWatch_PollFallback(t *testing.T) {
	store := openTestStore(t)
	store.EnqueueJob(storage.Job{ID: "j1", SourceID: "s1", Name: "a.txt"})

	w := NewWatcher(store, nil, 10*time.Millisecond, time.Minute)
	out := watchAsync(w, context.Background(), "j1")

	time.Sleep(30 * time.Millisecond)
	if err := store.FailJob("j1", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	select {
	case job := <-out:
		if job.State != storage.JobFailed || job.FailureReason != "boom" {
			t.Errorf("Watch = %+v, want failed with reason boom", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop by polling")
	}
}

func TestWatch_PollsAfterBrokerCloses(t *testing.T) {
	store := openTestStore(t)
	store.EnqueueJob(storage.Job{ID: "j1", SourceID: "s1", Name: "a.txt"})
	broker := events.NewBroker(time.Hour)

	w := NewWatcher(store, broker, 10*time.Millisecond, time.Minute)
	out := watchAsync(w, context.Background(), "j1")
	for broker.ClientCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	broker.Close()
	store.CompleteJob("j1", storage.JobResult{Chunks: 1, Added: 1})

	select {
	case job := <-out:
		if job.State != storage.JobCompleted {
			t.Errorf("State = %q, want %q", job.State, storage.JobCompleted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher stuck after broker closed")
	}
}

func TestWatch_AlreadyTerminal(t *testing.T) {
	store := openTestStore(t)
	store.EnqueueJob(storage.Job{ID: "j1", SourceID: "s1", Name: "a.txt"})
	store.CompleteJob("j1", storage.JobResult{})

	w := NewWatcher(store, nil, time.Hour, time.Minute)
	job, err := w.Watch(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if job.State != storage.JobCompleted {
		t.Errorf("State = %q, want %q", job.State, storage.JobCompleted)
	}
}

func TestWatch_MissingJob(t *testing.T) {
	store := openTestStore(t)
	w := NewWatcher(store, nil, time.Hour, time.Minute)

	_, err := w.Watch(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWatch_JobDeletedWhileWatching(t *testing.T) {
	store := openTestStore(t)
	store.SaveSource(storage.Source{SourceID: "s1", Name: "a.txt", JobID: "j1"})
	store.EnqueueJob(storage.Job{ID: "j1", SourceID: "s1", Name: "a.txt"})

	w := NewWatcher(store, nil, 10*time.Millisecond, time.Minute)
	done := make(chan error, 1)
	go func() {
		_, err := w.Watch(context.Background(), "j1")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	store.DeleteSource("s1")

	select {
	case err := <-done:
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after the job disappeared")
	}
}

func TestWatch_Timeout(t *testing.T) {
	store := openTestStore(t)
	store.EnqueueJob(storage.Job{ID: "j1", SourceID: "s1", Name: "a.txt"})

	w := NewWatcher(store, nil, 10*time.Millisecond, 50*time.Millisecond)
	job, err := w.Watch(context.Background(), "j1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if job.ID != "j1" || job.State != storage.JobQueued {
		t.Errorf("last job = %+v, want j1 queued", job)
	}
}
