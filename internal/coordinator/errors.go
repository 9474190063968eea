package coordinator

import "errors"

var (
	// ErrUnknownServer is returned when a server id does not match any
	// current entry in the list.
	ErrUnknownServer = errors.New("coordinator: unknown server id")

	// ErrOutOfRange is returned for direct-index lookups beyond the slot
	// vector.
	ErrOutOfRange = errors.New("coordinator: index beyond server list")

	// ErrServerNotUp is reported by the transport when the target of an
	// update was crashed or downed while the RPC was in flight.
	ErrServerNotUp = errors.New("coordinator: server not up")
)
