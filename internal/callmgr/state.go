package callmgr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"callbridge/internal/calllog"
	"callbridge/internal/providers"
)

// State is the lifecycle position of one call.
type State int

const (
	StateConnecting State = iota
	StateStreamingReady
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreamingReady:
		return "streaming_ready"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// call is the per-call state arena entry. Exactly one exists per call id
// and it is only reached through the Manager. Mutable fields are guarded
// by mu except the flags, which poll loops read lock-free.
type call struct {
	id    string
	to    string
	token string

	mu       sync.Mutex
	state    State
	handle   string // provider call handle, empty until answered
	streamID string // assigned by provider on stream start
	conn     *websocket.Conn
	turns    []calllog.Turn
	plan     string

	// writeMu serializes socket writes (gorilla allows one writer).
	writeMu sync.Mutex

	// ready is closed once when the media stream is confirmed flowing.
	ready     chan struct{}
	readyOnce sync.Once

	hungUp atomic.Bool

	startedAt time.Time
	stt       providers.STTSession
}

func (c *call) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *call) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *call) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateStreamingReady
	}
	c.mu.Unlock()
}

func (c *call) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *call) connRef() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *call) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *call) appendTurn(speaker, text string) {
	c.mu.Lock()
	c.turns = append(c.turns, calllog.Turn{Speaker: speaker, Text: text})
	c.mu.Unlock()
}

func (c *call) transcript() []calllog.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]calllog.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Status is the externally visible snapshot of one call.
type Status struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	HungUp    bool      `json:"hung_up"`
}
