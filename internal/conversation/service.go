// Package conversation drives the spoken dialogue on an escalation call
// and routes the resulting decision back to the originating terminal pane.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"callbridge/internal/callmgr"
	"callbridge/internal/config"
	"callbridge/internal/providers"
	"callbridge/internal/sessions"
	"callbridge/internal/terminal"
)

var ErrCallInProgress = errors.New("conversation: target already has an active call")

const (
	// Replies are spoken aloud; keep each model turn short.
	turnMaxTokens = 100
	turnMaxChars  = 400

	maxTurns     = 10
	captureLines = 30
)

// CallController is the slice of the call manager this service needs.
type CallController interface {
	InitiateCall(ctx context.Context, message string) (string, string, error)
	ContinueCall(ctx context.Context, callID, message string) (string, error)
	EndCall(ctx context.Context, callID, message string) error
	AttachPlan(callID, plan string)
}

// Request describes one escalated terminal event to take to a call.
type Request struct {
	Target     sessions.Target
	EventID    string
	EventType  string
	WorkingDir string
	Content    string
}

type Service struct {
	calls   CallController
	llm     providers.LLM
	term    terminal.Deliverer
	tracker *sessions.Tracker
	scripts config.ScriptConfig
	log     *slog.Logger
}

func NewService(calls CallController, llm providers.LLM, term terminal.Deliverer, tracker *sessions.Tracker, scripts config.ScriptConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		calls:   calls,
		llm:     llm,
		term:    term,
		tracker: tracker,
		scripts: scripts,
		log:     log,
	}
}

type turn struct {
	role string // "assistant" or "user"
	text string
}

// Run places the call for req and drives the dialogue to completion. It
// blocks for the duration of the call; callers normally run it in a
// goroutine. All per-call dialogue state is local and discarded when Run
// returns.
func (s *Service) Run(ctx context.Context, req Request) error {
	if !req.Target.Valid() {
		return sessions.ErrInvalidTarget
	}
	if s.tracker.HasActiveCall(req.Target) {
		return ErrCallInProgress
	}

	project := sessions.ProjectLabel(req.WorkingDir)
	if project == "" {
		project = req.Target.Session
	}

	// A recent pane excerpt grounds the opening line; delivery still works
	// without it.
	excerpt, err := s.term.Capture(ctx, req.Target, captureLines)
	if err != nil {
		s.log.Debug("pane capture failed", "target", req.Target.Key(), "err", err)
	}

	greeting := s.openingLine(ctx, project, req, excerpt)

	callID, reply, err := s.calls.InitiateCall(ctx, greeting)
	if err != nil {
		return fmt.Errorf("conversation: initiate call: %w", err)
	}

	if regErr := s.tracker.Register(sessions.Mapping{
		CallID:       callID,
		Target:       req.Target,
		EventID:      req.EventID,
		EventType:    req.EventType,
		WorkingDir:   req.WorkingDir,
		ProjectLabel: project,
		Snippet:      clip(req.Content, 200),
	}); regErr != nil {
		// Lost a race for the target; end the call rather than running two.
		_ = s.calls.EndCall(ctx, callID, s.goodbye(project, req.Content))
		return fmt.Errorf("conversation: register call: %w", regErr)
	}
	defer s.tracker.Remove(callID)

	history := []turn{{role: "assistant", text: greeting}, {role: "user", text: reply}}
	plan, _ := ExtractPlan(reply)

	hungUp := false
	for i := 0; i < maxTurns && !hungUp; i++ {
		next, end := s.nextTurn(ctx, project, req.Content, history)
		if end {
			break
		}
		history = append(history, turn{role: "assistant", text: next})

		reply, err = s.calls.ContinueCall(ctx, callID, next)
		if err != nil {
			if errors.Is(err, callmgr.ErrHangup) {
				hungUp = true
				break
			}
			s.log.Warn("dialogue turn failed", "call_id", callID, "err", err)
			break
		}
		history = append(history, turn{role: "user", text: reply})
		if p, ok := ExtractPlan(reply); ok {
			plan = p
		}
	}

	if plan == "" {
		plan = s.askForPlan(ctx, project, req.Content, history)
	}

	if plan != "" {
		s.calls.AttachPlan(callID, plan)
		if sendErr := s.term.Send(ctx, req.Target, plan); sendErr != nil {
			s.log.Error("terminal delivery failed", "target", req.Target.Key(), "err", sendErr)
		} else {
			s.log.Info("decision delivered to terminal", "call_id", callID, "target", req.Target.Key())
		}
	} else {
		s.log.Warn("no plan extracted, nothing delivered", "call_id", callID)
	}

	if !hungUp {
		if endErr := s.calls.EndCall(ctx, callID, s.goodbye(project, req.Content)); endErr != nil && !errors.Is(endErr, callmgr.ErrUnknownCall) {
			s.log.Warn("end call failed", "call_id", callID, "err", endErr)
		}
	}
	return nil
}

// openingLine asks the model for a greeting grounded in the terminal
// context, falling back to the configured script template.
func (s *Service) openingLine(ctx context.Context, project string, req Request, excerpt string) string {
	prompt := fmt.Sprintf(
		"A terminal coding assistant working on project %q is blocked on this %s:\n%s\n",
		project, orDefault(req.EventType, "prompt"), clip(req.Content, 600))
	if excerpt != "" {
		prompt += "\nRecent terminal output:\n" + clip(excerpt, 800)
	}
	prompt += "\nOpen a phone call to the project owner: greet them and state the situation in one or two short spoken sentences, ending with the question they need to answer."

	res, err := s.llm.Analyze(ctx, providers.AnalyzeRequest{
		System:    "You speak on a phone call. Be brief and natural; no markdown, no lists.",
		Prompt:    prompt,
		MaxTokens: turnMaxTokens,
	})
	if err != nil || strings.TrimSpace(res.Response) == "" {
		if err != nil {
			s.log.Warn("greeting generation failed, using script", "err", err)
		}
		return renderScript(s.scripts.Greeting, project, req.Content)
	}
	return clip(strings.TrimSpace(res.Response), turnMaxChars)
}

// nextTurn asks the model for the next assistant line. end reports that
// the model considers the conversation resolved.
func (s *Service) nextTurn(ctx context.Context, project, content string, history []turn) (string, bool) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are on a phone call about project %q. The blocked prompt was:\n%s\n\nConversation so far:\n", project, clip(content, 400))
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.role, t.text)
	}
	b.WriteString("\nReply with the next thing to say, one or two short spoken sentences. If the caller has given a clear decision, set action to \"end\".")

	res, err := s.llm.Analyze(ctx, providers.AnalyzeRequest{
		System:    "You speak on a phone call. Be brief and natural; no markdown, no lists.",
		Prompt:    b.String(),
		MaxTokens: turnMaxTokens,
	})
	if err != nil {
		s.log.Warn("turn generation failed, ending dialogue", "err", err)
		return "", true
	}
	if res.Action == "end" {
		return "", true
	}
	text := clip(strings.TrimSpace(res.Response), turnMaxChars)
	if text == "" {
		return "", true
	}
	return text, false
}

// askForPlan is the fallback finalization: no in-dialogue plan phrase
// matched, so ask the model for a terminal-ready instruction. An error
// yields no plan rather than a guessed one.
func (s *Service) askForPlan(ctx context.Context, project, content string, history []turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A phone call about project %q just ended. The blocked prompt was:\n%s\n\nTranscript:\n", project, clip(content, 400))
	for _, t := range history {
		fmt.Fprintf(&b, "%s: %s\n", t.role, t.text)
	}
	b.WriteString("\nWrite the single line to type into the blocked terminal prompt, exactly as it should be entered. Output only that line. If the caller gave no usable decision, output SKIP.")

	out, err := s.llm.Complete(ctx, b.String())
	if err != nil {
		s.log.Warn("plan finalization failed", "err", err)
		return ""
	}
	out = strings.TrimSpace(out)
	if out == "" || strings.EqualFold(out, "SKIP") {
		return ""
	}
	return firstLine(out)
}

func (s *Service) goodbye(project, content string) string {
	return renderScript(s.scripts.Goodbye, project, content)
}

// Plan phrases people actually say when wrapping up a call.
var planPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bso the plan is\b[:,]?\s*(.*)`),
	regexp.MustCompile(`(?i)\bthe plan is\b[:,]?\s*(.*)`),
	regexp.MustCompile(`(?i)\bto summarize\b[:,]?\s*(.*)`),
	regexp.MustCompile(`(?i)\bhere'?s the plan\b[:,]?\s*(.*)`),
	regexp.MustCompile(`(?i)\bgo ahead and\b\s*(.*)`),
}

// ExtractPlan scans one utterance for a wrap-up phrase and returns the
// instruction that follows it.
func ExtractPlan(utterance string) (string, bool) {
	for _, re := range planPatterns {
		m := re.FindStringSubmatch(utterance)
		if m == nil {
			continue
		}
		rest := strings.TrimSpace(strings.Trim(m[1], " .!?"))
		if rest == "" {
			// Phrase at the very end; the whole utterance is the plan.
			rest = strings.TrimSpace(strings.Trim(utterance, " .!?"))
		}
		return rest, true
	}
	return "", false
}

func renderScript(tmpl, project, message string) string {
	out := strings.ReplaceAll(tmpl, "{{project}}", project)
	out = strings.ReplaceAll(out, "{{message}}", clip(message, 300))
	return out
}

// clip truncates to at most n bytes without splitting a rune; the result
// is spoken and typed into terminals, so it must stay valid UTF-8.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
