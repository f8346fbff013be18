// Package session implements MCP session lifecycle: unguessable session
// ids, the per-session event ring buffer that backs SSE resumability,
// and the manager that owns all live sessions.
package session

// Event is one streamed SSE payload with its session-scoped id.
// Event ids start at 1 and increase strictly monotonically.
type Event struct {
	ID   uint64
	Data []byte
}

// ring is a bounded buffer of the most recent events, kept for replay
// when a client reconnects with Last-Event-ID. Not safe for concurrent
// use; the owning Session serializes access.
type ring struct {
	events []Event
	head   int // index of the oldest event
	count  int
	nextID uint64
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{
		events: make([]Event, capacity),
		nextID: 1,
	}
}

// append stores data as the next event, evicting the oldest entry when
// full, and returns the assigned event id.
func (r *ring) append(data []byte) uint64 {
	id := r.nextID
	r.nextID++

	idx := (r.head + r.count) % len(r.events)
	r.events[idx] = Event{ID: id, Data: data}
	if r.count < len(r.events) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.events)
	}
	return id
}

// oldestID returns the id of the oldest retained event, or 0 when empty.
func (r *ring) oldestID() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.events[r.head].ID
}

// latestID returns the most recently assigned event id, or 0 when none.
func (r *ring) latestID() uint64 {
	return r.nextID - 1
}

// replayAfter returns the events with id > after, in order. ok is false
// when events newer than `after` have already been evicted, meaning the
// client's resume point is beyond the retention window (a stream gap).
func (r *ring) replayAfter(after uint64) (events []Event, ok bool) {
	if after >= r.latestID() {
		return nil, true
	}
	if r.count > 0 && after+1 < r.oldestID() {
		return nil, false
	}

	for i := 0; i < r.count; i++ {
		e := r.events[(r.head+i)%len(r.events)]
		if e.ID > after {
			events = append(events, e)
		}
	}
	return events, true
}
