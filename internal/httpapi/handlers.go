// Package httpapi holds the event-intake HTTP surface: the endpoint the
// notification hook posts terminal events to, and operator introspection
// of tracked sessions.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"callbridge/internal/conversation"
	"callbridge/internal/escalation"
	"callbridge/internal/history"
	"callbridge/internal/sessions"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Evaluator     *escalation.Evaluator
	History       history.Store
	Conversations *conversation.Service
	Tracker       *sessions.Tracker

	// Redis, when set, enforces a cross-process cap on simultaneous
	// escalation calls. Nil means the in-process tracker is the only
	// guard.
	Redis              *redis.Client
	MaxConcurrentCalls int

	// Overridable in tests; nil means the Redis-backed helpers.
	acquireCap func(ctx context.Context, rdb *redis.Client, key string, limit int, ttl time.Duration) (bool, error)
	releaseCap func(ctx context.Context, rdb *redis.Client, key string) error
}

// concurrencyKey is the shared Redis counter for live escalation calls.
const concurrencyKey = "callbridge:active-calls"

// capTTL bounds how long a crashed process can hold a call slot.
const capTTL = 15 * time.Minute

// RegisterRoutes mounts the intake surface behind the operator middleware.
func (h Handlers) RegisterRoutes(r *gin.Engine, operator gin.HandlerFunc) {
	guarded := r.Group("/", operator)
	guarded.POST("/event", h.SubmitEvent)
	guarded.GET("/sessions.json", h.ListSessions)
}

type eventRequest struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type" binding:"required"`
	Content    string `json:"content"`
	Session    string `json:"session"`
	Window     string `json:"window"`
	Pane       string `json:"pane"`
	WorkingDir string `json:"working_dir"`
	// NotifiedAt is when the push notification went out, RFC 3339;
	// empty means none was sent yet.
	NotifiedAt string `json:"notified_at"`
}

type eventResponse struct {
	Escalate         bool   `json:"escalate"`
	Called           bool   `json:"called"`
	Reason           string `json:"reason"`
	WaitSeconds      int    `json:"wait_seconds,omitempty"`
	SkipNotification bool   `json:"skip_notification,omitempty"`
}

// SubmitEvent evaluates one terminal event against the escalation policy
// and, when it qualifies, starts a conversational call in the background.
// The response tells the hook what to do instead when no call is placed:
// wait and re-post, or fall back to the plain notification.
func (h Handlers) SubmitEvent(gc *gin.Context) {
	var req eventRequest
	if err := gc.ShouldBindJSON(&req); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"error": "event_type is required"})
		return
	}

	ctx := gc.Request.Context()
	log := logger.FromGin(gc)
	now := time.Now()

	ec := escalation.Context{
		EventID:   req.EventID,
		EventType: req.EventType,
		Content:   req.Content,
		Project:   sessions.ProjectLabel(req.WorkingDir),
	}
	if req.NotifiedAt != "" {
		t, err := time.Parse(time.RFC3339, req.NotifiedAt)
		if err != nil {
			gc.JSON(http.StatusBadRequest, gin.H{"error": "notified_at must be RFC 3339"})
			return
		}
		ec.NotifiedAt = t
	}

	// History errors degrade to an empty rate-limit context; the interval
	// and cap rules then pass rather than blocking every event.
	if last, ok, err := h.History.LastCall(ctx); err != nil {
		log.Warn("history last-call lookup failed", "err", err)
	} else if ok {
		ec.LastCall, ec.HasLastCall = last, true
	}
	if n, err := h.History.CallsSince(ctx, now.Add(-history.Window)); err != nil {
		log.Warn("history count failed", "err", err)
	} else {
		ec.CallsLastHour = n
	}

	res := h.Evaluator.Evaluate(ctx, ec)
	if !res.Escalate {
		gc.JSON(http.StatusOK, eventResponse{
			Reason:      res.Reason,
			WaitSeconds: int(res.Wait / time.Second),
		})
		return
	}

	target := sessions.Target{Session: req.Session, Window: req.Window, Pane: req.Pane}
	if !target.Valid() {
		// The event deserves a call but gave no terminal target to route
		// the answer to; the hook keeps the notification path.
		gc.JSON(http.StatusOK, eventResponse{
			Escalate: true,
			Reason:   "no terminal target supplied, notification path only",
		})
		return
	}
	if h.Tracker.HasActiveCall(target) {
		gc.JSON(http.StatusOK, eventResponse{
			Escalate: true,
			Reason:   "target already on a call",
		})
		return
	}

	// Cross-process call cap. A Redis failure degrades to the in-process
	// tracker check above rather than dropping the escalation.
	capHeld := false
	if h.Redis != nil {
		acquire := h.acquireCap
		if acquire == nil {
			acquire = utils.AcquireConcurrencyCap
		}
		limit := h.MaxConcurrentCalls
		if limit <= 0 {
			limit = 1
		}
		ok, err := acquire(ctx, h.Redis, concurrencyKey, limit, capTTL)
		switch {
		case err != nil:
			log.Warn("call cap check failed", "err", err)
		case !ok:
			gc.JSON(http.StatusOK, eventResponse{
				Escalate: true,
				Reason:   "concurrent call limit reached",
			})
			return
		default:
			capHeld = true
		}
	}

	if err := h.History.RecordCall(ctx, now); err != nil {
		log.Warn("history record failed", "err", err)
	}

	convReq := conversation.Request{
		Target:     target,
		EventID:    req.EventID,
		EventType:  req.EventType,
		WorkingDir: req.WorkingDir,
		Content:    req.Content,
	}
	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if capHeld {
			release := h.releaseCap
			if release == nil {
				release = utils.ReleaseConcurrencyCap
			}
			defer func() {
				if err := release(context.Background(), h.Redis, concurrencyKey); err != nil {
					log.Warn("call cap release failed", "err", err)
				}
			}()
		}
		if err := h.Conversations.Run(callCtx, convReq); err != nil {
			log.Error("escalation call failed", "event_id", req.EventID, "err", err)
		}
	}()

	gc.JSON(http.StatusAccepted, eventResponse{
		Escalate:         true,
		Called:           true,
		Reason:           res.Reason,
		SkipNotification: res.SkipNotification,
	})
}

// ListSessions exposes the tracker's call/target mappings.
func (h Handlers) ListSessions(gc *gin.Context) {
	gc.JSON(http.StatusOK, gin.H{"sessions": h.Tracker.Snapshot()})
}

