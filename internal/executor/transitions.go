package executor

import (
	"github.com/JakeFAU/labnodes/internal/node"
)

// Event is an input to the status state machine.
type Event string

// State machine events.
const (
	EventConnectOK      Event = "connect_ok"
	EventConnectFailed  Event = "connect_failed"
	EventAdmit          Event = "admit"
	EventSucceeded      Event = "succeeded"
	EventDeviceFailure  Event = "device_failure"
	EventMalformedInput Event = "malformed_input"
	EventUnknownAction  Event = "unknown_action"
	EventConnectionLost Event = "connection_lost"
)

var transitions = map[node.Status]map[Event]node.Status{
	node.StatusUnknown: {
		EventConnectOK:     node.StatusIdle,
		EventConnectFailed: node.StatusError,
	},
	node.StatusError: {
		EventConnectOK:     node.StatusIdle,
		EventConnectFailed: node.StatusError,
	},
	node.StatusIdle: {
		EventAdmit: node.StatusBusy,
	},
	node.StatusBusy: {
		EventSucceeded:      node.StatusIdle,
		EventDeviceFailure:  node.StatusIdle,
		EventMalformedInput: node.StatusIdle,
		EventUnknownAction:  node.StatusIdle,
		EventConnectionLost: node.StatusError,
	},
}

// Next returns the status reached from "from" on ev. ok is false when the
// table has no such transition.
func Next(from node.Status, ev Event) (node.Status, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// outcomeEvent maps the result of a device call to the event that ends BUSY.
func outcomeEvent(res node.Result, err error) Event {
	if err == nil {
		if res.Status == node.StepSucceeded {
			return EventSucceeded
		}
		return EventDeviceFailure
	}
	switch node.KindOf(err) {
	case node.KindConnection:
		return EventConnectionLost
	case node.KindMalformedInput:
		return EventMalformedInput
	case node.KindUnknownAction:
		return EventUnknownAction
	default:
		return EventDeviceFailure
	}
}
