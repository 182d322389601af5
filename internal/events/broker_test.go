package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/notebook/internal/storage"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishJobDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishJob(storage.Job{ID: "j1", State: storage.JobActive, Progress: 25})

	select {
	case ev := <-ch:
		if ev.Type != "job.active" {
			t.Errorf("Type = %q, want %q", ev.Type, "job.active")
		}
		j, ok := ev.Job()
		if !ok || j.ID != "j1" || j.Progress != 25 {
			t.Errorf("Job() = %+v, %v, want j1 at 25", j, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestTerminalJobs_SourcesUpdatedThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.PublishJob(storage.Job{ID: "a", State: storage.JobCompleted})
	b.PublishJob(storage.Job{ID: "b", State: storage.JobFailed})
	b.PublishJob(storage.Job{ID: "c", State: storage.JobActive})

	time.Sleep(50 * time.Millisecond)
	sourcesCount := 0
	jobCount := 0
loop:
	for {
		select {
		case ev := <-ch:
			if ev.Type == TypeSourcesUpdated {
				sourcesCount++
			} else {
				jobCount++
			}
		default:
			break loop
		}
	}

	if jobCount != 3 {
		t.Errorf("job events = %d, want 3", jobCount)
	}
	if sourcesCount != 1 {
		t.Errorf("sources events = %d, want 1 (throttled)", sourcesCount)
	}
}

func TestFormat(t *testing.T) {
	msg, err := Format(Event{Type: "job.completed", Data: map[string]string{"id": "j1"}})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	want := "event: job.completed\ndata: {\"id\":\"j1\"}\n\n"
	if string(msg) != want {
		t.Errorf("Format = %q, want %q", msg, want)
	}

	if _, err := Format(Event{Type: "bad", Data: make(chan int)}); err == nil {
		t.Error("expected error for unencodable data")
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.PublishJob(storage.Job{ID: "j1", State: storage.JobQueued})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: job.queued") {
		t.Errorf("handler output missing event: %q", body)
	}
	if !strings.Contains(body, `"id":"j1"`) {
		t.Errorf("handler output missing job: %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.PublishJob(storage.Job{ID: "j1", State: storage.JobCompleted})
	sub := b.Subscribe()
	if _, ok := <-sub; ok {
		t.Error("Subscribe after Close returned an open channel")
	}
}
