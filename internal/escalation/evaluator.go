// Package escalation decides whether a terminal event is worth a phone
// call right now, later, or never.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Config is the escalation policy, read-only at runtime.
type Config struct {
	Enabled bool

	// Events is the set of event types that can escalate at all
	// (permission_prompt, question, idle).
	Events []string

	// AlwaysCallPatterns are case-insensitive regexes matched against the
	// event content; a match escalates immediately, skipping notification.
	// A pattern that fails to compile degrades to substring matching.
	AlwaysCallPatterns []string

	// UseJudge enables LLM arbitration for events no hard rule decided.
	UseJudge bool

	// NotificationTimeout is how long a push notification gets to be
	// acknowledged before a call is considered.
	NotificationTimeout time.Duration

	QuietHoursStart string // "HH:MM", empty disables quiet hours
	QuietHoursEnd   string
	QuietHoursTZ    string // IANA zone, default UTC

	MinCallInterval time.Duration
	MaxCallsPerHour int
}

// Context is everything Evaluate needs about one event. The caller fills
// the rate-limit fields from the history store.
type Context struct {
	EventID   string
	EventType string
	Content   string
	Project   string

	// NotifiedAt is when the notification for this event went out; zero if
	// none was sent.
	NotifiedAt time.Time

	// LastCall is the most recent call on record; HasLastCall guards it.
	LastCall    time.Time
	HasLastCall bool

	// CallsLastHour counts calls in the trailing 60 minutes, already
	// pruned of older entries.
	CallsLastHour int
}

// Result is the decision for one event.
type Result struct {
	Escalate bool
	Reason   string

	// Wait, when non-zero, is how long to wait before re-evaluating.
	Wait time.Duration

	// SkipNotification means call immediately without waiting out the
	// notification timeout (always-call pattern hit).
	SkipNotification bool
}

// Judge is the optional LLM arbiter. It receives a prompt and returns raw
// reply text; the evaluator owns all parsing.
type Judge interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Evaluator applies the policy. Pure given Config and Context, except for
// the optional Judge delegate.
type Evaluator struct {
	cfg   Config
	judge Judge
	clock func() time.Time
	log   *slog.Logger
}

func NewEvaluator(cfg Config, judge Judge, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{cfg: cfg, judge: judge, clock: time.Now, log: log}
}

// Evaluate applies the policy rules in order; the first match wins.
func (e *Evaluator) Evaluate(ctx context.Context, ec Context) Result {
	if !e.cfg.Enabled {
		return Result{Reason: "escalation disabled"}
	}

	if !e.eventEligible(ec.EventType) {
		return Result{Reason: fmt.Sprintf("event type %q not configured for escalation", ec.EventType)}
	}

	now := e.clock()
	if quiet, err := e.inQuietHours(now); err != nil {
		e.log.Warn("quiet hours misconfigured, treating as inactive", "err", err)
	} else if quiet {
		return Result{Reason: "quiet hours active"}
	}

	if ec.HasLastCall && e.cfg.MinCallInterval > 0 {
		since := now.Sub(ec.LastCall)
		if since < e.cfg.MinCallInterval {
			wait := e.cfg.MinCallInterval - since
			return Result{
				Reason: fmt.Sprintf("minimum call interval not elapsed, wait %s", wait.Round(time.Second)),
				Wait:   wait,
			}
		}
	}
	if e.cfg.MaxCallsPerHour > 0 && ec.CallsLastHour >= e.cfg.MaxCallsPerHour {
		return Result{Reason: fmt.Sprintf("hourly call cap reached (%d)", e.cfg.MaxCallsPerHour)}
	}

	if pat, ok := e.matchAlwaysCall(ec.Content); ok {
		return Result{
			Escalate:         true,
			Reason:           fmt.Sprintf("content matched always-call pattern %q", pat),
			SkipNotification: true,
		}
	}

	if !ec.NotifiedAt.IsZero() && e.cfg.NotificationTimeout > 0 {
		elapsed := now.Sub(ec.NotifiedAt)
		if elapsed < e.cfg.NotificationTimeout {
			wait := e.cfg.NotificationTimeout - elapsed
			return Result{
				Reason: fmt.Sprintf("notification sent %s ago, waiting %s more", elapsed.Round(time.Second), wait.Round(time.Second)),
				Wait:   wait,
			}
		}
	}

	if e.cfg.UseJudge && e.judge != nil {
		return e.askJudge(ctx, ec)
	}

	return Result{Escalate: true, Reason: "notification unanswered"}
}

func (e *Evaluator) eventEligible(eventType string) bool {
	for _, t := range e.cfg.Events {
		if strings.EqualFold(t, eventType) {
			return true
		}
	}
	return false
}

// inQuietHours reports whether now falls inside the configured window in the
// configured timezone. A window whose start is after its end wraps midnight.
func (e *Evaluator) inQuietHours(now time.Time) (bool, error) {
	if e.cfg.QuietHoursStart == "" || e.cfg.QuietHoursEnd == "" {
		return false, nil
	}
	start, err := parseClock(e.cfg.QuietHoursStart)
	if err != nil {
		return false, err
	}
	end, err := parseClock(e.cfg.QuietHoursEnd)
	if err != nil {
		return false, err
	}

	loc := time.UTC
	if e.cfg.QuietHoursTZ != "" {
		loc, err = time.LoadLocation(e.cfg.QuietHoursTZ)
		if err != nil {
			return false, fmt.Errorf("load timezone %q: %w", e.cfg.QuietHoursTZ, err)
		}
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	if start > end { // wraps midnight
		return cur >= start || cur < end, nil
	}
	return cur >= start && cur < end, nil
}

// matchAlwaysCall tests content against every always-call pattern. Patterns
// compile as case-insensitive regexes; invalid regexes fall back to a
// case-insensitive substring check.
func (e *Evaluator) matchAlwaysCall(content string) (string, bool) {
	if content == "" {
		return "", false
	}
	for _, pat := range e.cfg.AlwaysCallPatterns {
		if pat == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pat)
		if err == nil {
			if re.MatchString(content) {
				return pat, true
			}
			continue
		}
		if strings.Contains(strings.ToLower(content), strings.ToLower(pat)) {
			return pat, true
		}
	}
	return "", false
}

const judgePromptFmt = `A coding assistant running in terminal project %q raised a %q event and has been waiting for input.

Event content:
%s

Should the user be phoned about this now? Answer on the first line with exactly DECISION: CALL or DECISION: SKIP, then a one-sentence justification.`

// askJudge delegates to the LLM arbiter. Structured parsing of the reply is
// attempted first; a permissive keyword scan is the fallback. A judge error
// declines to escalate so a flaky model never causes surprise calls.
func (e *Evaluator) askJudge(ctx context.Context, ec Context) Result {
	prompt := fmt.Sprintf(judgePromptFmt, ec.Project, ec.EventType, ec.Content)
	reply, err := e.judge.Complete(ctx, prompt)
	if err != nil {
		e.log.Warn("escalation judge failed, declining to escalate", "err", err, "event_id", ec.EventID)
		return Result{Reason: "judge unavailable"}
	}

	if decision, ok := parseJudgeDecision(reply); ok {
		if decision {
			return Result{Escalate: true, Reason: "judge approved call"}
		}
		return Result{Reason: "judge declined call"}
	}

	// Unstructured reply: scan for an affirmative keyword.
	lower := strings.ToLower(reply)
	for _, kw := range []string{"call", "escalate", "yes"} {
		if strings.Contains(lower, kw) {
			return Result{Escalate: true, Reason: "judge reply suggested calling"}
		}
	}
	return Result{Reason: "judge reply suggested skipping"}
}

func parseJudgeDecision(reply string) (call bool, ok bool) {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(line, "DECISION: CALL"), strings.HasPrefix(line, "DECISION:CALL"):
			return true, true
		case strings.HasPrefix(line, "DECISION: SKIP"), strings.HasPrefix(line, "DECISION:SKIP"):
			return false, true
		}
	}
	return false, false
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
