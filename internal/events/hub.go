// Package events fans dispatch events out to live subscribers, such as
// the status server's /events stream, with a small replay buffer for
// clients that connect late.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/controller/internal/dispatch"
)

// Event types published by Observe.
const (
	TypeParseError   = "command.parse_error"
	TypeDenied       = "launch.denied"
	TypeLaunchFailed = "launch.failed"
	TypeLaunched     = "launch.started"
	TypeState        = "loop.state"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Payload is the JSON body of every event Observe publishes.
type Payload struct {
	Record   string   `json:"record,omitempty"`
	Verb     string   `json:"verb,omitempty"`
	Target   string   `json:"target,omitempty"`
	Args     []string `json:"args,omitempty"`
	LaunchID string   `json:"launch_id,omitempty"`
	PID      int      `json:"pid,omitempty"`
	State    string   `json:"state,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Observe publishes a dispatch event. It never blocks the loop.
func (h *Hub) Observe(ev dispatch.Event) {
	var p Payload
	var typ string

	switch ev.Kind {
	case dispatch.EventState:
		typ = TypeState
		p.State = ev.State.String()
	case dispatch.EventParseError:
		typ = TypeParseError
		p.Record = ev.Record
	case dispatch.EventDenied:
		typ = TypeDenied
		p.Verb, p.Target = ev.Command.Verb, ev.Command.Target()
	case dispatch.EventLaunchFailed:
		typ = TypeLaunchFailed
		p.Verb, p.Target, p.Args = ev.Command.Verb, ev.Command.Target(), ev.Command.TargetArgs()
	case dispatch.EventLaunched:
		typ = TypeLaunched
		p.Verb, p.Target, p.Args = ev.Command.Verb, ev.Result.Target, ev.Result.Args
		p.LaunchID, p.PID = ev.Result.ID, ev.Result.PID
	default:
		return
	}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	h.publishAt(typ, p, ev.Time)
}

func (h *Hub) Publish(eventType string, data any) {
	h.publishAt(eventType, data, time.Time{})
}

func (h *Hub) publishAt(eventType string, data any, at time.Time) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	if at.IsZero() {
		at = time.Now()
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   at.UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block the dispatch loop.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

var _ dispatch.Observer = (*Hub)(nil)
