package callmgr

import (
	"encoding/json"
	"fmt"
)

// Provider webhook payloads arrive as loose JSON; they are validated and
// converted into this closed event type at the boundary. Unknown event
// types map to EventUnknown and are ignored, not dispatched.

type EventType int

const (
	EventUnknown EventType = iota
	EventInitiated
	EventAnswered
	EventStreamingStarted
	EventHangup
)

func (t EventType) String() string {
	switch t {
	case EventInitiated:
		return "initiated"
	case EventAnswered:
		return "answered"
	case EventStreamingStarted:
		return "streaming_started"
	case EventHangup:
		return "hangup"
	default:
		return "unknown"
	}
}

// Event is one call-lifecycle notification from the provider.
type Event struct {
	Type       EventType
	CallHandle string
	StreamID   string
}

type webhookBody struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			StreamID      string `json:"stream_id"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseEvent validates a webhook body into an Event. Malformed JSON is an
// error; a well-formed body with an unrecognized event type is not.
func ParseEvent(body []byte) (Event, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return Event{}, fmt.Errorf("callmgr: malformed webhook body: %w", err)
	}
	if wb.Data.EventType == "" {
		return Event{}, fmt.Errorf("callmgr: webhook body missing event_type")
	}

	ev := Event{
		CallHandle: wb.Data.Payload.CallControlID,
		StreamID:   wb.Data.Payload.StreamID,
	}
	switch wb.Data.EventType {
	case "call.initiated":
		ev.Type = EventInitiated
	case "call.answered":
		ev.Type = EventAnswered
	case "streaming.started":
		ev.Type = EventStreamingStarted
	case "call.hangup":
		ev.Type = EventHangup
	default:
		ev.Type = EventUnknown
	}
	return ev, nil
}
