package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// STTClient opens realtime recognition sessions over a provider WebSocket.
type STTClient struct {
	apiKey string
	wsURL  string
	dialer *websocket.Dialer
}

type STTConfig struct {
	APIKey string
	WSURL  string
}

func NewSTTClient(cfg STTConfig) (*STTClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("providers: STT API key is required")
	}
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("providers: STT websocket URL is required")
	}
	return &STTClient{
		apiKey: cfg.APIKey,
		wsURL:  cfg.WSURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

func (c *STTClient) NewSession(ctx context.Context) (STTSession, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("providers: parse STT URL: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", "8000")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	conn, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("providers: dial STT: %w", err)
	}

	s := &sttSession{
		conn:        conn,
		transcripts: make(chan string, 8),
		done:        make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// sttSession is one live recognition stream. The read loop collects final
// transcripts; writers are serialized because gorilla allows one
// concurrent writer.
type sttSession struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	transcripts chan string
	done        chan struct{}
	closeOnce   sync.Once
	doneOnce    sync.Once
}

// transcriptMessage is the provider's recognition event. Non-final partials
// are ignored; only completed utterances reach the caller.
type transcriptMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

func (s *sttSession) readLoop() {
	defer s.closeChan()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg transcriptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "transcript" || !msg.IsFinal || msg.Text == "" {
			continue
		}
		select {
		case s.transcripts <- msg.Text:
		case <-s.done:
			return
		}
	}
}

func (s *sttSession) SendAudio(p []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return fmt.Errorf("providers: send audio: %w", err)
	}
	return nil
}

func (s *sttSession) WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case text, ok := <-s.transcripts:
		if !ok {
			return "", ErrSessionClosed
		}
		return text, nil
	case <-timer.C:
		return "", ErrTranscriptTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", ErrSessionClosed
	}
}

func (s *sttSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	s.closeChan()
	return err
}

func (s *sttSession) closeChan() {
	s.doneOnce.Do(func() { close(s.done) })
}
