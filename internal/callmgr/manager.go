// Package callmgr owns call state: it originates calls, terminates the
// provider webhook and media socket, and drives the audio pipeline between
// the speech providers and the telephony leg.
package callmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"callbridge/internal/calllog"
	"callbridge/internal/providers"
	"callbridge/internal/security"
	"callbridge/pkg/logger"
)

var (
	ErrUnknownCall       = errors.New("callmgr: unknown call id")
	ErrHangup            = errors.New("callmgr: call hung up")
	ErrConnectTimeout    = errors.New("callmgr: media socket never became ready")
	ErrTranscriptTimeout = errors.New("callmgr: no transcript within budget")
)

// Config bounds the blocking phases of a call.
type Config struct {
	ToNumber   string
	FromNumber string

	ConnectTimeout     time.Duration // default 15s
	TranscriptTimeout  time.Duration // default 180s
	HangupPollInterval time.Duration // default 100ms
	GoodbyeLinger      time.Duration // default 500ms
}

func (c Config) withDefaults() Config {
	out := c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 15 * time.Second
	}
	if out.TranscriptTimeout <= 0 {
		out.TranscriptTimeout = 180 * time.Second
	}
	if out.HangupPollInterval <= 0 {
		out.HangupPollInterval = 100 * time.Millisecond
	}
	if out.GoodbyeLinger <= 0 {
		out.GoodbyeLinger = 500 * time.Millisecond
	}
	return out
}

// Manager is the active-call arena. Construct once; every call is reached
// only through its methods.
type Manager struct {
	cfg      Config
	phone    providers.Phone
	tts      providers.TTS
	stt      providers.STT
	verifier *security.Verifier
	records  *calllog.Service

	// publicURL resolves the tunnel's current public base URL.
	publicURL func() string

	log   *slog.Logger
	clock func() time.Time

	mu       sync.RWMutex
	calls    map[string]*call
	byHandle map[string]string
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	Phone     providers.Phone
	TTS       providers.TTS
	STT       providers.STT
	Verifier  *security.Verifier
	Records   *calllog.Service
	PublicURL func() string
	Log       *slog.Logger
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if cfg.ToNumber == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("callmgr: to and from numbers are required")
	}
	if deps.Phone == nil || deps.TTS == nil || deps.STT == nil {
		return nil, fmt.Errorf("callmgr: phone, tts and stt providers are required")
	}
	if deps.PublicURL == nil {
		return nil, fmt.Errorf("callmgr: public URL resolver is required")
	}
	if deps.Verifier == nil {
		deps.Verifier = mustDisabledVerifier()
	}
	if deps.Records == nil {
		deps.Records = calllog.NewService(calllog.NewMemoryRepo(), deps.Log)
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if !deps.Verifier.Enabled() {
		deps.Log.Warn("webhook signature verification disabled: no provider public key configured")
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		phone:     deps.Phone,
		tts:       deps.TTS,
		stt:       deps.STT,
		verifier:  deps.Verifier,
		records:   deps.Records,
		publicURL: deps.PublicURL,
		log:       deps.Log,
		clock:     time.Now,
		calls:     make(map[string]*call),
		byHandle:  make(map[string]string),
	}, nil
}

func mustDisabledVerifier() *security.Verifier {
	v, err := security.NewVerifier("")
	if err != nil {
		panic(err) // cannot happen: empty key is always accepted
	}
	return v
}

// InitiateCall places a call, speaks message once the media stream is
// ready, and waits for the first spoken reply. It fails if the socket is
// not ready within the connect budget or the user hangs up before any
// utterance is captured.
func (m *Manager) InitiateCall(ctx context.Context, message string) (string, string, error) {
	c, err := m.newCall(ctx)
	if err != nil {
		return "", "", err
	}
	defer func() {
		if err != nil {
			m.teardown(c, causeForErr(err))
		}
	}()

	// Greeting synthesis overlaps call setup; by the time the callee
	// answers, audio is usually ready to go.
	type synthResult struct {
		pcm []byte
		err error
	}
	synthCh := make(chan synthResult, 1)
	go func() {
		pcm, synthErr := m.tts.Synthesize(ctx, message)
		synthCh <- synthResult{pcm, synthErr}
	}()

	handle, err := m.phone.InitiateCall(ctx, m.cfg.ToNumber, m.cfg.FromNumber, m.publicURL()+"/twiml")
	if err != nil {
		err = fmt.Errorf("callmgr: originate call: %w", err)
		return "", "", err
	}
	m.bindHandle(c, handle)

	if err = m.waitReady(ctx, c); err != nil {
		return "", "", err
	}
	c.setState(StateActive)

	sr := <-synthCh
	if sr.err != nil {
		err = fmt.Errorf("callmgr: synthesize greeting: %w", sr.err)
		return "", "", err
	}

	c.appendTurn("assistant", message)
	if err = m.sendAudio(ctx, c, sr.pcm); err != nil {
		return "", "", err
	}

	reply, err := m.waitForReply(ctx, c)
	if err != nil {
		return "", "", err
	}
	c.appendTurn("user", reply)
	return c.id, reply, nil
}

// ContinueCall speaks message into an active call and waits for the next
// utterance. A transcript timeout releases the call like it does for
// InitiateCall: speech session closed, call removed, record written.
func (m *Manager) ContinueCall(ctx context.Context, callID, message string) (string, error) {
	c, err := m.lookup(callID)
	if err != nil {
		return "", err
	}
	if err := m.speak(ctx, c, message); err != nil {
		return "", err
	}
	reply, err := m.waitForReply(ctx, c)
	if err != nil {
		if errors.Is(err, ErrTranscriptTimeout) {
			m.teardown(c, calllog.CauseTimeout)
		}
		return "", err
	}
	c.appendTurn("user", reply)
	return reply, nil
}

// SpeakOnly announces message with no listen phase.
func (m *Manager) SpeakOnly(ctx context.Context, callID, message string) error {
	c, err := m.lookup(callID)
	if err != nil {
		return err
	}
	return m.speak(ctx, c, message)
}

// EndCall speaks a goodbye, lets playback drain, hangs up at the provider
// and releases the call.
func (m *Manager) EndCall(ctx context.Context, callID, message string) error {
	c, err := m.lookup(callID)
	if err != nil {
		return err
	}

	if message != "" && !c.hungUp.Load() {
		if speakErr := m.speak(ctx, c, message); speakErr != nil && !errors.Is(speakErr, ErrHangup) {
			m.log.Warn("goodbye playback failed", "call_id", callID, "err", speakErr)
		}
		select {
		case <-time.After(m.cfg.GoodbyeLinger):
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle != "" {
		if hangErr := m.phone.Hangup(ctx, handle); hangErr != nil {
			m.log.Warn("provider hangup failed", "call_id", callID, "err", hangErr)
		}
	}
	m.teardown(c, calllog.CauseCompleted)
	return nil
}

// AttachPlan stores the extracted plan so it lands in the call record when
// the call is released.
func (m *Manager) AttachPlan(callID, plan string) {
	c, err := m.lookup(callID)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.plan = plan
	c.mu.Unlock()
}

// HandleEvent applies one provider lifecycle event. Callers authenticate
// the webhook before this point.
func (m *Manager) HandleEvent(ctx context.Context, ev Event) {
	log := logger.From(ctx)
	switch ev.Type {
	case EventAnswered:
		c := m.callByHandle(ev.CallHandle)
		if c == nil {
			log.Warn("answered event for unknown call handle", "handle", ev.CallHandle)
			return
		}
		mediaURL := wsBase(m.publicURL()) + "/media-stream?token=" + c.token
		if err := m.phone.StartStreaming(ctx, ev.CallHandle, mediaURL); err != nil {
			log.Error("start streaming failed", "call_id", c.id, "err", err)
		}

	case EventStreamingStarted:
		c := m.callByHandle(ev.CallHandle)
		if c == nil {
			return
		}
		if ev.StreamID != "" {
			c.mu.Lock()
			c.streamID = ev.StreamID
			c.mu.Unlock()
		}
		c.markReady()

	case EventHangup:
		c := m.callByHandle(ev.CallHandle)
		if c == nil {
			return
		}
		log.Info("provider reported hangup", "call_id", c.id)
		c.hungUp.Store(true)
		c.closeConn()
		m.teardown(c, calllog.CauseUserHangup)

	case EventInitiated:
		log.Debug("call initiated at provider", "handle", ev.CallHandle)

	default:
		// Unknown event types are ignored, not dispatched.
	}
}

// ActiveCalls returns the number of live calls.
func (m *Manager) ActiveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// StatusSnapshot lists all active calls for the status endpoint.
func (m *Manager) StatusSnapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, Status{
			ID:        c.id,
			State:     c.currentState().String(),
			StartedAt: c.startedAt,
			HungUp:    c.hungUp.Load(),
		})
	}
	return out
}

// Drain best-effort ends every active call; used at shutdown.
func (m *Manager) Drain(ctx context.Context, goodbye string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.EndCall(ctx, id, goodbye); err != nil && !errors.Is(err, ErrUnknownCall) {
			m.log.Warn("drain end call failed", "call_id", id, "err", err)
		}
	}
}

func (m *Manager) newCall(ctx context.Context) (*call, error) {
	token, err := security.NewStreamToken()
	if err != nil {
		return nil, err
	}
	sttSession, err := m.stt.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("callmgr: open speech session: %w", err)
	}
	c := &call{
		id:        uuid.NewString(),
		to:        m.cfg.ToNumber,
		token:     token,
		state:     StateConnecting,
		ready:     make(chan struct{}),
		startedAt: m.clock().UTC(),
		stt:       sttSession,
	}
	m.mu.Lock()
	m.calls[c.id] = c
	m.mu.Unlock()
	return c, nil
}

func (m *Manager) bindHandle(c *call, handle string) {
	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	m.mu.Lock()
	m.byHandle[handle] = c.id
	m.mu.Unlock()
}

func (m *Manager) lookup(callID string) (*call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrUnknownCall
	}
	return c, nil
}

func (m *Manager) callByHandle(handle string) *call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHandle[handle]
	if !ok {
		return nil
	}
	return m.calls[id]
}

// callByToken finds the call owning a media-stream token using a
// constant-time comparison per candidate.
func (m *Manager) callByToken(token string) *call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.calls {
		if security.TokenEqual(c.token, token) {
			return c
		}
	}
	return nil
}

// soleActiveCall supports the token-less fallback some tunnel setups need:
// it is only unambiguous with a single live call.
func (m *Manager) soleActiveCall() *call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) != 1 {
		return nil
	}
	for _, c := range m.calls {
		return c
	}
	return nil
}

// speak synthesizes and streams one assistant turn.
func (m *Manager) speak(ctx context.Context, c *call, message string) error {
	if c.hungUp.Load() {
		return ErrHangup
	}
	pcm, err := m.tts.Synthesize(ctx, message)
	if err != nil {
		return fmt.Errorf("callmgr: synthesize: %w", err)
	}
	c.appendTurn("assistant", message)
	return m.sendAudio(ctx, c, pcm)
}

// waitReady blocks until the media stream is confirmed AND the socket is
// actually connected, the connect budget runs out, or the call dies
// underneath us. The streaming-started webhook can beat the socket's
// arrival, so the ready signal alone is not enough to start playback.
func (m *Manager) waitReady(ctx context.Context, c *call) error {
	deadline := time.NewTimer(m.cfg.ConnectTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(m.cfg.HangupPollInterval)
	defer poll.Stop()

	readyCh := c.ready
	streamReady := false
	for {
		select {
		case <-readyCh:
			readyCh = nil // closed; a nil channel never fires again
			streamReady = true
			if c.connRef() != nil {
				return nil
			}
		case <-deadline.C:
			return ErrConnectTimeout
		case <-poll.C:
			if c.hungUp.Load() {
				return ErrHangup
			}
			if streamReady && c.connRef() != nil {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForReply races the speech session's next transcript against a
// hangup poll; whichever resolves first wins and the loser is abandoned.
func (m *Manager) waitForReply(ctx context.Context, c *call) (string, error) {
	type result struct {
		text string
		err  error
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel() // disposes the losing waiter

	ch := make(chan result, 1)
	go func() {
		text, err := c.stt.WaitForTranscript(waitCtx, m.cfg.TranscriptTimeout)
		ch <- result{text, err}
	}()

	poll := time.NewTicker(m.cfg.HangupPollInterval)
	defer poll.Stop()

	for {
		select {
		case r := <-ch:
			if r.err != nil {
				if errors.Is(r.err, providers.ErrTranscriptTimeout) {
					return "", ErrTranscriptTimeout
				}
				if errors.Is(r.err, providers.ErrSessionClosed) && c.hungUp.Load() {
					return "", ErrHangup
				}
				return "", fmt.Errorf("callmgr: wait transcript: %w", r.err)
			}
			return r.text, nil
		case <-poll.C:
			if c.hungUp.Load() {
				return "", ErrHangup
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// teardown releases everything a call holds and writes its record. Safe to
// call more than once; only the first caller does work.
func (m *Manager) teardown(c *call, cause calllog.EndCause) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()

	m.mu.Lock()
	if _, ok := m.calls[c.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.calls, c.id)
	if handle != "" {
		delete(m.byHandle, handle)
	}
	m.mu.Unlock()

	c.setState(StateEnded)
	if c.stt != nil {
		_ = c.stt.Close()
	}
	c.closeConn()

	c.mu.Lock()
	plan := c.plan
	c.mu.Unlock()

	m.records.Record(context.Background(), calllog.Record{
		CallID:     c.id,
		ToNumber:   c.to,
		StartedAt:  c.startedAt,
		EndedAt:    m.clock().UTC(),
		Cause:      cause,
		Plan:       plan,
		Transcript: c.transcript(),
	})
}

func causeForErr(err error) calllog.EndCause {
	switch {
	case errors.Is(err, ErrHangup):
		return calllog.CauseUserHangup
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrTranscriptTimeout):
		return calllog.CauseTimeout
	default:
		return calllog.CauseError
	}
}

// wsBase rewrites an http(s) public URL to its ws(s) form.
func wsBase(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
