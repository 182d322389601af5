// Package events implements an in-process publish/subscribe broker for job
// state changes, with a Server-Sent Events endpoint for HTTP clients.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/kalambet/notebook/internal/storage"
)

// Event types.
const (
	TypeSourcesUpdated = "sources.updated"
	typeJobPrefix      = "job."
)

// JobEventType returns the event type for a job state, e.g. "job.completed".
func JobEventType(state storage.JobState) string {
	return typeJobPrefix + string(state)
}

// Event is one broadcast message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Job returns the job carried by a job event.
func (e Event) Job() (storage.Job, bool) {
	j, ok := e.Data.(storage.Job)
	return j, ok
}

// Broker fans events out to subscribers.
//
// Concurrency model: a single internal event loop (goroutine) owns the
// subscriber set and the throttle timestamp. Public methods talk to it over
// channels. A subscriber whose buffer is full misses events rather than
// stalling the loop, so consumers that must not miss a transition need a
// fallback (see ingest.Watcher).
type Broker struct {
	sourcesMin time.Duration

	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. sourcesThrottle bounds how often
// sources.updated is emitted after terminal job events.
func NewBroker(sourcesThrottle time.Duration) *Broker {
	if sourcesThrottle <= 0 {
		sourcesThrottle = time.Second
	}

	b := &Broker{
		sourcesMin:    sourcesThrottle,
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan Event]struct{})
	var lastSources time.Time

	broadcast := func(event Event) {
		for ch := range clients {
			select {
			case ch <- event:
			default:
				// Subscriber buffer full; skip to avoid blocking the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

			if j, ok := event.Job(); ok && j.State.Terminal() {
				now := time.Now()
				if now.Sub(lastSources) >= b.sourcesMin {
					lastSources = now
					broadcast(Event{Type: TypeSourcesUpdated, Data: map[string]string{}})
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a subscriber. The channel is closed by Unsubscribe or
// Close.
func (b *Broker) Subscribe() chan Event {
	ch := make(chan Event, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(ch chan Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of subscribers.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish broadcasts an event.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishJob broadcasts the job under its state's event type.
func (b *Broker) PublishJob(job storage.Job) {
	b.Publish(Event{Type: JobEventType(job.State), Data: job})
}

// ServeHTTP is the SSE endpoint handler (GET /events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			msg, err := Format(event)
			if err != nil {
				continue
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}

// Format encodes an event in the SSE wire format.
func Format(event Event) ([]byte, error) {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", event.Type, err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload)), nil
}
