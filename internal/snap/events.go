package snap

// EventType identifies the mutation an Event reports.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventDeleted
	EventEvicted
	EventRestored
	EventUpdated
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventEvicted:
		return "evicted"
	case EventRestored:
		return "restored"
	case EventUpdated:
		return "updated"
	}
	return "unknown"
}

// Event is sent after a mutation of the snapshot history completes.
type Event struct {
	Type       EventType
	SnapshotID string
}

func (e *Engine) emit(t EventType, id string) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- Event{Type: t, SnapshotID: id}:
	default:
		e.logger.Debug("event dropped", "type", t.String(), "id", id)
	}
}
