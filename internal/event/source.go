package event

// Source produces decoded events from a run log in file order.
//
// A Source owns its read cursor: each Next call returns the event after the
// previously returned one, so repeated drains see only new events. Next
// returns ok=false when no further events are currently available; the
// writer may still append more, and a later call may succeed again.
//
// Implementations must tolerate a partially written tail (stop before it and
// resume from the same position on the next call) rather than fail.
type Source interface {
	Next() (ev Event, ok bool, err error)
}
