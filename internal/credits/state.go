package credits

import "fmt"

// Status labels a record by how much of it has been retired.
type Status string

const (
	StatusActive           Status = "active"
	StatusPartiallyRetired Status = "partially_retired"
	StatusRetired          Status = "retired"
)

// State is the derived balance of a record. It is never stored.
type State struct {
	Total   int64 `json:"total"`
	Retired int64 `json:"retired"`
	Active  int64 `json:"active"`
}

// Status derives the lifecycle label for the state.
func (s State) Status() Status {
	switch {
	case s.Retired == 0:
		return StatusActive
	case s.Active == 0:
		return StatusRetired
	default:
		return StatusPartiallyRetired
	}
}

// FoldEvents derives the state of record from its event log. Events belonging to other records are
// ignored. A negative active balance means the conservation invariant was broken in storage.
func FoldEvents(record Record, events []Event) (State, error) {
	state := State{Total: record.Quantity}
	for _, event := range events {
		if event.RecordID != record.ID || event.EventType != EventTypeRetired {
			continue
		}
		state.Retired += event.Amount
	}
	return settle(state)
}

func settle(state State) (State, error) {
	state.Active = state.Total - state.Retired
	if state.Active < 0 {
		return state, fmt.Errorf("%w: retired %d exceeds total %d", ErrLedgerInconsistent, state.Retired, state.Total)
	}
	return state, nil
}
