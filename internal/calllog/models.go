package calllog

import "time"

// Record is the detail record written once per completed escalation call.
//
// NOTE: provider-specific identifiers (the call-control handle) are kept
// out of this model; CallID is our own identifier.
type Record struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	ToNumber string `json:"to_number" db:"to_number"`

	StartedAt time.Time `json:"started_at" db:"started_at"`
	EndedAt   time.Time `json:"ended_at" db:"ended_at"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	// Cause is why the call ended.
	Cause EndCause `json:"cause" db:"cause"`

	// Plan is the terminal-ready instruction extracted from the
	// conversation, empty for one-shot announcement calls.
	Plan string `json:"plan,omitempty" db:"plan"`

	// Transcript is the ordered spoken exchange.
	Transcript []Turn `json:"transcript,omitempty" db:"transcript"`
}

type Turn struct {
	Speaker string `json:"speaker"` // "assistant" or "user"
	Text    string `json:"text"`
}

type EndCause string

const (
	CauseCompleted  EndCause = "completed"
	CauseUserHangup EndCause = "user_hangup"
	CauseTimeout    EndCause = "timeout"
	CauseError      EndCause = "error"
)
