package callmgr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"callbridge/internal/audio"
	"callbridge/internal/calllog"
	"callbridge/pkg/logger"
)

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The provider's media gateway sets no browser origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mediaMessage covers every inbound frame on the media socket.
type mediaMessage struct {
	Event string `json:"event"`
	Start struct {
		StreamSID string `json:"streamSid"`
	} `json:"start"`
	Media struct {
		Payload string `json:"payload"` // base64 mu-law
	} `json:"media"`
}

// mediaOut is an outbound playback frame.
type mediaOut struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

// HandleMediaStream upgrades the provider's bidirectional media connection
// and pumps caller audio into the call's speech session. The token query
// parameter binds the socket to a call; with no token the socket is only
// accepted when exactly one call is live.
func (m *Manager) HandleMediaStream(gc *gin.Context) {
	log := logger.FromGin(gc)
	token := gc.Query("token")
	var c *call
	if token != "" {
		c = m.callByToken(token)
	} else {
		c = m.soleActiveCall()
		if c != nil {
			log.Warn("media socket accepted without token", "call_id", c.id)
		}
	}
	if c == nil {
		gc.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unknown stream token"})
		return
	}

	conn, err := mediaUpgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		log.Error("media socket upgrade failed", "call_id", c.id, "err", err)
		return
	}
	c.setConn(conn)
	log.Info("media socket connected", "call_id", c.id)

	m.readMedia(c, conn)
}

// readMedia is the socket's read loop. It returns when the provider closes
// the stream or the connection errors out.
func (m *Manager) readMedia(c *call, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !c.hungUp.Load() {
				m.log.Warn("media socket read ended", "call_id", c.id, "err", err)
			}
			return
		}
		var msg mediaMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.log.Debug("unparseable media frame dropped", "call_id", c.id)
			continue
		}

		switch msg.Event {
		case "start":
			if msg.Start.StreamSID != "" {
				c.mu.Lock()
				c.streamID = msg.Start.StreamSID
				c.mu.Unlock()
			}
			c.markReady()

		case "media":
			chunk, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			if c.stt != nil {
				if err := c.stt.SendAudio(chunk); err != nil {
					m.log.Debug("speech session rejected audio", "call_id", c.id, "err", err)
				}
			}

		case "stop":
			m.log.Info("media stream stopped by provider", "call_id", c.id)
			c.hungUp.Store(true)
			// The hangup webhook usually follows, but teardown is
			// idempotent so release here as well.
			m.teardown(c, calllog.CauseUserHangup)
			return
		}
	}
}

// sendAudio converts wideband PCM to telephony mu-law and streams it to
// the call at real-time pace.
func (m *Manager) sendAudio(ctx context.Context, c *call, pcm []byte) error {
	return m.sendUlaw(ctx, c, audio.TranscodeForCall(pcm))
}

func (m *Manager) sendUlaw(ctx context.Context, c *call, ulaw []byte) error {
	frames := audio.Frames(ulaw)
	pace := time.NewTicker(audio.FrameDurationMs * time.Millisecond)
	defer pace.Stop()

	sent := 0
	for _, frame := range frames {
		if c.hungUp.Load() {
			return ErrHangup
		}
		conn := c.connRef()
		if conn == nil {
			return ErrHangup
		}

		c.mu.Lock()
		streamID := c.streamID
		c.mu.Unlock()
		msg := mediaOut{
			Event:     "media",
			StreamSID: streamID,
			Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
		}

		c.writeMu.Lock()
		err := conn.WriteJSON(msg)
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("callmgr: write media frame: %w", err)
		}

		// A short burst goes out unpaced to prime the jitter buffer;
		// after that, one frame per frame interval.
		sent += len(frame)
		if sent <= audio.JitterPrefillBytes {
			continue
		}
		select {
		case <-pace.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
