// Package sse streams sync progress to HTTP clients as Server-Sent Events.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nhardt/footnote-sub000/internal/status"
)

// Event types.
const (
	EventStarted   = "sync.started"
	EventProgress  = "sync.progress"
	EventSucceeded = "sync.succeeded"
	EventFailed    = "sync.failed"
)

const (
	clientBuffer = 64
	heartbeat    = 15 * time.Second
)

// Event is one message on the stream. A non-zero ID is sent as the SSE id
// field so clients can tell attempts apart.
type Event struct {
	ID   int64
	Type string
	Data any
}

func (e Event) frame() ([]byte, error) {
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if e.ID != 0 {
		fmt.Fprintf(&buf, "id: %d\n", e.ID)
	}
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", e.Type, payload)
	return buf.Bytes(), nil
}

// hub is the broker state. Only the broker loop touches it.
type hub struct {
	clients  map[chan []byte]struct{}
	progress map[int64]time.Time
	throttle time.Duration
}

func (h *hub) send(e Event) {
	raw, err := e.frame()
	if err != nil {
		return
	}
	for ch := range h.clients {
		select {
		case ch <- raw:
		default:
			// slow client misses this one
		}
	}
}

func (h *hub) attempt(a status.Attempt, now time.Time) {
	ev := Event{ID: a.ID, Data: a}
	switch a.State {
	case status.InProgress:
		last, seen := h.progress[a.ID]
		if seen && now.Sub(last) < h.throttle {
			return
		}
		h.progress[a.ID] = now
		ev.Type = EventProgress
		if !seen {
			ev.Type = EventStarted
		}
	case status.Failure:
		delete(h.progress, a.ID)
		ev.Type = EventFailed
	default:
		delete(h.progress, a.ID)
		ev.Type = EventSucceeded
	}
	h.send(ev)
}

func (h *hub) closeAll() {
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// Broker fans sync attempt changes out to connected clients.
type Broker struct {
	ops      chan func(*hub)
	attempts chan status.Attempt
	quit     chan struct{}
	done     chan struct{}
	stop     sync.Once
}

// NewBroker creates a broker that emits at most one sync.progress event
// per attempt every progressThrottle.
func NewBroker(progressThrottle time.Duration) *Broker {
	if progressThrottle <= 0 {
		progressThrottle = 500 * time.Millisecond
	}
	b := &Broker{
		ops:      make(chan func(*hub)),
		attempts: make(chan status.Attempt, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go b.loop(&hub{
		clients:  make(map[chan []byte]struct{}),
		progress: make(map[int64]time.Time),
		throttle: progressThrottle,
	})
	return b
}

func (b *Broker) loop(h *hub) {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			h.closeAll()
			return
		case op := <-b.ops:
			op(h)
		case a := <-b.attempts:
			h.attempt(a, time.Now())
		}
	}
}

// do runs op on the loop and waits for it. It reports false once the
// broker has stopped.
func (b *Broker) do(op func(*hub)) bool {
	ran := make(chan struct{})
	select {
	case b.ops <- func(h *hub) { op(h); close(ran) }:
		<-ran
		return true
	case <-b.done:
		return false
	}
}

// Close stops the loop and closes every client channel.
func (b *Broker) Close() {
	b.stop.Do(func() { close(b.quit) })
	<-b.done
}

// Subscribe registers a client. The channel is closed when the client
// unsubscribes or the broker closes.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	if !b.do(func(h *hub) { h.clients[ch] = struct{}{} }) {
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.do(func(h *hub) {
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
	})
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	var n int
	b.do(func(h *hub) { n = len(h.clients) })
	return n
}

// PublishAttempt turns a sync attempt change into an event. It is meant
// to be registered with status.Store.OnChange. In-progress changes are
// dropped when the queue is full; final states always go through.
func (b *Broker) PublishAttempt(a status.Attempt) {
	if a.State == status.InProgress {
		select {
		case b.attempts <- a:
		default:
		}
		return
	}
	select {
	case b.attempts <- a:
	case <-b.done:
	}
}

// ServeHTTP streams events until the client goes away (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(heartbeat)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
		}
		flusher.Flush()
	}
}
