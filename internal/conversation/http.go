package conversation

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"callbridge/internal/sessions"
)

type callRequest struct {
	Session    string `json:"session" binding:"required"`
	Window     string `json:"window" binding:"required"`
	Pane       string `json:"pane"`
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	WorkingDir string `json:"working_dir"`
	Content    string `json:"content"`
}

// RegisterRoutes mounts the conversational-call endpoint behind the
// operator middleware.
func (s *Service) RegisterRoutes(r *gin.Engine, operator gin.HandlerFunc) {
	r.POST("/conversation-call", operator, s.HandleConversationCall)
}

// HandleConversationCall starts a full dialogue call for a terminal
// target. The call runs in the background; a busy target is rejected up
// front so the caller can fall back to a notification.
func (s *Service) HandleConversationCall(gc *gin.Context) {
	var req callRequest
	if err := gc.ShouldBindJSON(&req); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"error": "session and window are required"})
		return
	}

	target := sessions.Target{Session: req.Session, Window: req.Window, Pane: req.Pane}
	if s.tracker.HasActiveCall(target) {
		gc.JSON(http.StatusConflict, gin.H{"error": "target already has an active call"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.Run(ctx, Request{
			Target:     target,
			EventID:    req.EventID,
			EventType:  req.EventType,
			WorkingDir: req.WorkingDir,
			Content:    req.Content,
		}); err != nil {
			s.log.Error("conversation call failed", "target", target.Key(), "err", err)
		}
	}()

	gc.JSON(http.StatusAccepted, gin.H{"status": "calling", "target": target.Key()})
}
