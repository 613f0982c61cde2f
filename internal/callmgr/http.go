package callmgr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"callbridge/pkg/logger"
)

const (
	headerTimestamp = "X-Webhook-Timestamp"
	headerSignature = "X-Webhook-Signature"
)

// RegisterRoutes mounts the call manager's HTTP surface. The operator
// middleware guards only endpoints that trigger or inspect calls; the
// provider-facing webhook and media socket authenticate on their own
// (signature and stream token respectively).
func (m *Manager) RegisterRoutes(r *gin.Engine, operator gin.HandlerFunc) {
	r.POST("/twiml", m.HandleWebhook)
	r.GET("/media-stream", m.HandleMediaStream)
	r.GET("/health", m.HandleHealth)

	guarded := r.Group("/", operator)
	guarded.GET("/call-status.json", m.HandleCallStatus)
	guarded.POST("/test-call", m.HandleTestCall)
}

// HandleWebhook authenticates and applies one provider lifecycle event.
func (m *Manager) HandleWebhook(gc *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(gc.Request.Body, 1<<20))
	if err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	log := logger.FromGin(gc)
	if err := m.verifier.Verify(gc.GetHeader(headerTimestamp), gc.GetHeader(headerSignature), body); err != nil {
		log.Warn("webhook rejected", "err", err)
		gc.JSON(http.StatusForbidden, gin.H{"error": "signature verification failed"})
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	// Carry the request-scoped logger so event handling logs keep the
	// request id.
	ctx, cancel := context.WithTimeout(logger.With(gc.Request.Context(), log), 10*time.Second)
	defer cancel()
	m.HandleEvent(ctx, ev)
	gc.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (m *Manager) HandleHealth(gc *gin.Context) {
	gc.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"active_calls": m.ActiveCalls(),
	})
}

func (m *Manager) HandleCallStatus(gc *gin.Context) {
	gc.JSON(http.StatusOK, gin.H{"calls": m.StatusSnapshot()})
}

type testCallRequest struct {
	Message string `json:"message"`
}

// HandleTestCall places a one-shot announcement call: greet, capture one
// reply, say goodbye. It runs in the background and acknowledges
// immediately; outcomes land in the call log.
func (m *Manager) HandleTestCall(gc *gin.Context) {
	var req testCallRequest
	if err := gc.ShouldBindJSON(&req); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Message == "" {
		req.Message = "This is a test call from your terminal assistant. Everything is working."
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		callID, reply, err := m.InitiateCall(ctx, req.Message)
		if err != nil {
			m.log.Error("test call failed", "err", err)
			return
		}
		m.log.Info("test call answered", "call_id", callID, "reply", reply)
		if err := m.EndCall(ctx, callID, "Thanks, that is all. Goodbye."); err != nil && !errors.Is(err, ErrUnknownCall) {
			m.log.Warn("test call end failed", "call_id", callID, "err", err)
		}
	}()

	gc.JSON(http.StatusAccepted, gin.H{"status": "calling"})
}
