package calllog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call records.
//
// It MUST be append-only; completed calls are history, not state.
type Repository interface {
	Append(ctx context.Context, r Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
}

var ErrInvalidRecord = errors.New("calllog: invalid record")

// Service writes call detail records. Callers treat recording as
// best-effort: a storage failure must never fail the call path, so Record
// logs and swallows repository errors.
type Service struct {
	repo  Repository
	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, clock: time.Now, log: log}
}

// Record persists one completed call, filling id/timestamps/duration.
func (s *Service) Record(ctx context.Context, r Record) {
	if err := s.append(ctx, r); err != nil {
		s.log.Warn("call record not persisted", "call_id", r.CallID, "err", err)
	}
}

func (s *Service) append(ctx context.Context, r Record) error {
	if s.repo == nil {
		return errors.New("calllog: repository not configured")
	}
	if r.CallID == "" {
		return ErrInvalidRecord
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.EndedAt.IsZero() {
		r.EndedAt = s.clock().UTC()
	}
	if r.DurationSeconds == 0 && !r.StartedAt.IsZero() {
		r.DurationSeconds = int(r.EndedAt.Sub(r.StartedAt) / time.Second)
	}
	if r.Cause == "" {
		r.Cause = CauseCompleted
	}
	return s.repo.Append(ctx, r)
}

// Recent returns the latest records, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s.repo == nil {
		return nil, errors.New("calllog: repository not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	return s.repo.Recent(ctx, limit)
}
