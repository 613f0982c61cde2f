package sessions

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Tracker maps active calls to the terminal pane that spawned them, and
// back. Escalation must check HasActiveCall before initiating; a second
// call against an occupied pane is a caller error.

var (
	ErrTargetBusy     = errors.New("sessions: target already has an active call")
	ErrUnknownCall    = errors.New("sessions: unknown call id")
	ErrInvalidTarget  = errors.New("sessions: session and window are required")
)

// Target identifies one terminal pane.
type Target struct {
	Session string `json:"session"`
	Window  string `json:"window"`
	Pane    string `json:"pane"`
}

func (t Target) Key() string {
	return t.Session + ":" + t.Window + "." + t.Pane
}

func (t Target) Valid() bool {
	return t.Session != "" && t.Window != ""
}

// Mapping records why a call exists and where its outcome goes.
type Mapping struct {
	CallID       string    `json:"call_id"`
	Target       Target    `json:"target"`
	EventID      string    `json:"event_id,omitempty"`
	WorkingDir   string    `json:"working_dir,omitempty"`
	ProjectLabel string    `json:"project_label,omitempty"`
	EventType    string    `json:"event_type,omitempty"`
	Snippet      string    `json:"snippet,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// Tracker keeps call->mapping and target->call consistent under one lock.
type Tracker struct {
	mu       sync.RWMutex
	byCall   map[string]Mapping
	byTarget map[string]string
	clock    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		byCall:   make(map[string]Mapping),
		byTarget: make(map[string]string),
		clock:    time.Now,
	}
}

// Register binds a call to a terminal target. The mapping's ProjectLabel is
// derived from the working directory when not set explicitly.
func (tr *Tracker) Register(m Mapping) error {
	if m.CallID == "" {
		return fmt.Errorf("sessions: call id is required")
	}
	if !m.Target.Valid() {
		return ErrInvalidTarget
	}
	if m.ProjectLabel == "" {
		m.ProjectLabel = ProjectLabel(m.WorkingDir)
	}
	if m.StartedAt.IsZero() {
		m.StartedAt = tr.clock()
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	key := m.Target.Key()
	if _, busy := tr.byTarget[key]; busy {
		return ErrTargetBusy
	}
	tr.byCall[m.CallID] = m
	tr.byTarget[key] = m.CallID
	return nil
}

// Remove drops the mapping for a call. Unknown ids are a no-op.
func (tr *Tracker) Remove(callID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	m, ok := tr.byCall[callID]
	if !ok {
		return
	}
	delete(tr.byCall, callID)
	delete(tr.byTarget, m.Target.Key())
}

func (tr *Tracker) HasActiveCall(t Target) bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	_, ok := tr.byTarget[t.Key()]
	return ok
}

func (tr *Tracker) CallIDForTarget(t Target) (string, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	id, ok := tr.byTarget[t.Key()]
	return id, ok
}

func (tr *Tracker) MappingForCall(callID string) (Mapping, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	m, ok := tr.byCall[callID]
	if !ok {
		return Mapping{}, ErrUnknownCall
	}
	return m, nil
}

// Snapshot returns a copy of all mappings, for status endpoints.
func (tr *Tracker) Snapshot() []Mapping {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]Mapping, 0, len(tr.byCall))
	for _, m := range tr.byCall {
		out = append(out, m)
	}
	return out
}

// ProjectLabel derives a human label from a working directory: the final
// path element, cleaned of noise.
func ProjectLabel(workingDir string) string {
	if workingDir == "" {
		return "unknown project"
	}
	base := filepath.Base(strings.TrimRight(workingDir, "/"))
	if base == "." || base == "/" || base == "" {
		return "unknown project"
	}
	return base
}
