package taglink

import "taglink/status"

// Event identifies a tag lifecycle event delivered to the user callback.
type Event int

// Events are delivered in this order when several are pending at once.
const (
	EventCreated Event = iota
	EventReadStarted
	EventReadCompleted
	EventWriteStarted
	EventWriteCompleted
	EventAborted
	EventDestroyed

	eventCount
)

func (e Event) String() string {
	switch e {
	case EventCreated:
		return "CREATED"
	case EventReadStarted:
		return "READ_STARTED"
	case EventReadCompleted:
		return "READ_COMPLETED"
	case EventWriteStarted:
		return "WRITE_STARTED"
	case EventWriteCompleted:
		return "WRITE_COMPLETED"
	case EventAborted:
		return "ABORTED"
	case EventDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// EventCallback receives tag events. It is invoked outside the tag API
// lock: by the tickler for most events, and directly from CreateEx,
// Write, Abort and Destroy for the events those calls latch. Re-entering
// the tag API is permitted for every event except DESTROYED.
type EventCallback func(id int32, event Event, st status.Status, userdata any)

// pendingEvent latches one occurrence of an event with the status at the
// moment it was raised. Each occurrence is delivered at most once.
type pendingEvent struct {
	pending bool
	status  status.Status
}

// raiseEvent latches an event on the tag. Caller holds the API mutex.
func (t *Tag) raiseEvent(e Event, st status.Status) {
	t.events[e] = pendingEvent{pending: true, status: st}
}

// takeEvents snapshots and clears the pending events in delivery order.
// Caller holds the API mutex.
func (t *Tag) takeEvents() []deliveredEvent {
	var out []deliveredEvent
	for e := Event(0); e < eventCount; e++ {
		if t.events[e].pending {
			out = append(out, deliveredEvent{event: e, status: t.events[e].status})
			t.events[e] = pendingEvent{}
		}
	}
	return out
}

type deliveredEvent struct {
	event  Event
	status status.Status
}

// dispatchEvents invokes the callback for each taken event. Caller must
// NOT hold the API mutex.
func (t *Tag) dispatchEvents(events []deliveredEvent) {
	if len(events) == 0 {
		return
	}

	t.cbMu.Lock()
	cb := t.callback
	userdata := t.userdata
	t.cbMu.Unlock()

	if cb == nil {
		return
	}

	for _, ev := range events {
		cb(t.id, ev.event, ev.status, userdata)
	}
}
