package coordinator

// ServerChangeEvent classifies a membership change pushed to trackers.
type ServerChangeEvent uint8

const (
	ServerAdded ServerChangeEvent = iota
	ServerCrashed
	ServerRemoved
)

func (e ServerChangeEvent) String() string {
	switch e {
	case ServerAdded:
		return "ADDED"
	case ServerCrashed:
		return "CRASHED"
	case ServerRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// ServerChange carries a copy of the entry at the time of the change.
type ServerChange struct {
	Event  ServerChangeEvent
	Server Entry
}

// ServerTracker observes membership changes. Callbacks fire synchronously
// inside the mutating operation, with the coordinator lock held, in the
// exact order mutations commit. Implementations must be cheap and must not
// call back into the server list; heavy reactions should enqueue and return.
type ServerTracker interface {
	ServerChanged(change ServerChange)
}
