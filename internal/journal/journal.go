// Package journal keeps a bounded in-memory history of orchestrator
// events. The API and CLI read it to answer "what happened to this
// tunnel overnight" without trawling log files.
package journal

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the journal when no capacity is given.
const DefaultCapacity = 512

// EventType classifies a journal event.
type EventType string

const (
	// EventTransition is a connection phase change.
	EventTransition EventType = "transition"
	// EventCommand is an accepted user connect or disconnect request.
	EventCommand EventType = "command"
	// EventWake is a Wake-on-LAN packet sent to a device.
	EventWake EventType = "wake"
	// EventRDP is a remote desktop session launch.
	EventRDP EventType = "rdp"
)

// Event is one recorded orchestrator event. Events never carry secrets;
// errors are recorded by message only.
type Event struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Subject   string    `json:"subject"`
	Name      string    `json:"name,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Summary returns a one-line rendering of the event.
func (e Event) Summary() string {
	switch e.Type {
	case EventTransition:
		s := e.Subject + ": " + e.From + " -> " + e.To
		if e.Error != "" {
			s += " (" + e.Error + ")"
		}
		return s
	case EventCommand:
		return e.Subject + ": " + e.Detail + " requested"
	case EventWake:
		return e.Subject + ": wake packet sent"
	case EventRDP:
		return e.Subject + ": rdp session launched"
	default:
		return e.Subject + ": " + string(e.Type)
	}
}

// Journal is a fixed-capacity ring of events. Appends overwrite the
// oldest entry once the ring is full.
type Journal struct {
	events   []Event
	capacity int
	head     int
	count    int
	seq      uint64
	mu       sync.RWMutex
}

// New creates a journal with the given capacity. Non-positive capacities
// fall back to DefaultCapacity.
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Record appends an event, stamping its sequence number and, when unset,
// its timestamp.
func (j *Journal) Record(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	ev.Seq = j.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	j.events[j.head] = ev
	j.head = (j.head + 1) % j.capacity
	if j.count < j.capacity {
		j.count++
	}
}

// RecordTransition records a connection phase change. cause may be nil.
func (j *Journal) RecordTransition(id, name, from, to string, cause error) {
	ev := Event{
		Type:    EventTransition,
		Subject: id,
		Name:    name,
		From:    from,
		To:      to,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	j.Record(ev)
}

// RecordCommand records an accepted connect or disconnect request.
func (j *Journal) RecordCommand(id, action string) {
	j.Record(Event{Type: EventCommand, Subject: id, Detail: action})
}

// RecordWake records a sent Wake-on-LAN packet.
func (j *Journal) RecordWake(id, name string) {
	j.Record(Event{Type: EventWake, Subject: id, Name: name})
}

// RecordRDP records a launched remote desktop session.
func (j *Journal) RecordRDP(target string) {
	j.Record(Event{Type: EventRDP, Subject: target})
}

// Recent returns up to n events, newest first. Non-positive n returns
// everything retained.
func (j *Journal) Recent(n int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if n <= 0 || n > j.count {
		n = j.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (j.head - 1 - i + j.capacity) % j.capacity
		result[i] = j.events[idx]
	}
	return result
}

// All returns every retained event, oldest first.
func (j *Journal) All() []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	result := make([]Event, j.count)
	if j.count == 0 {
		return result
	}

	start := 0
	if j.count == j.capacity {
		start = j.head
	}
	for i := 0; i < j.count; i++ {
		result[i] = j.events[(start+i)%j.capacity]
	}
	return result
}

// Len returns the number of retained events.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.count
}

// Clear drops all retained events. Sequence numbers keep counting up so
// readers can tell a cleared journal from a fresh one.
func (j *Journal) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.head = 0
	j.count = 0
}
