package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"callbridge/internal/callmgr"
	"callbridge/internal/config"
	"callbridge/internal/providers"
	"callbridge/internal/sessions"
)

type fakeCalls struct {
	mu      sync.Mutex
	replies []string // consumed by InitiateCall then ContinueCall
	spoken  []string
	plan    string
	ended   bool
	endMsg  string

	hangupAfter int // number of ContinueCall turns before ErrHangup; -1 = never
	turns       int
}

func (f *fakeCalls) InitiateCall(ctx context.Context, message string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, message)
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return "call-1", reply, nil
}

func (f *fakeCalls) ContinueCall(ctx context.Context, callID, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hangupAfter >= 0 && f.turns >= f.hangupAfter {
		return "", callmgr.ErrHangup
	}
	f.turns++
	f.spoken = append(f.spoken, message)
	if len(f.replies) == 0 {
		return "", callmgr.ErrHangup
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func (f *fakeCalls) EndCall(ctx context.Context, callID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	f.endMsg = message
	return nil
}

func (f *fakeCalls) AttachPlan(callID, plan string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plan = plan
}

type fakeLLM struct {
	analyze  func(providers.AnalyzeRequest) (providers.AnalyzeResult, error)
	complete func(string) (string, error)
}

func (f *fakeLLM) Analyze(ctx context.Context, req providers.AnalyzeRequest) (providers.AnalyzeResult, error) {
	if f.analyze == nil {
		return providers.AnalyzeResult{Action: "end"}, nil
	}
	return f.analyze(req)
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	if f.complete == nil {
		return "", errors.New("no completion configured")
	}
	return f.complete(prompt)
}

type fakeTerminal struct {
	mu       sync.Mutex
	sent     []string
	captured string
	sendErr  error
}

func (f *fakeTerminal) Send(ctx context.Context, target sessions.Target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTerminal) Capture(ctx context.Context, target sessions.Target, lines int) (string, error) {
	return f.captured, nil
}

func testScripts() config.ScriptConfig {
	return config.ScriptConfig{
		Greeting: "Hi, this is about {{project}}: {{message}}",
		Prompt:   "{{message}}",
		Goodbye:  "Got it. Goodbye.",
	}
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func target() sessions.Target {
	return sessions.Target{Session: "work", Window: "1", Pane: "0"}
}

func TestRunDeliversInDialoguePlan(t *testing.T) {
	calls := &fakeCalls{
		replies:     []string{"hmm, tell me more", "so the plan is retry the deploy with the old config"},
		hangupAfter: -1,
	}
	llm := &fakeLLM{
		analyze: func(req providers.AnalyzeRequest) (providers.AnalyzeResult, error) {
			if strings.Contains(req.Prompt, "Conversation so far") {
				if strings.Contains(req.Prompt, "retry the deploy") {
					return providers.AnalyzeResult{Action: "end"}, nil
				}
				return providers.AnalyzeResult{Action: "respond", Response: "The deploy failed on a config check. Retry or roll back?"}, nil
			}
			return providers.AnalyzeResult{Action: "respond", Response: "Hi, your deploy is blocked. Retry or roll back?"}, nil
		},
	}
	term := &fakeTerminal{}
	tracker := sessions.NewTracker()
	svc := NewService(calls, llm, term, tracker, testScripts(), testLog())

	err := svc.Run(context.Background(), Request{Target: target(), Content: "deploy blocked", WorkingDir: "/home/me/shipit"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(term.sent) != 1 || term.sent[0] != "retry the deploy with the old config" {
		t.Fatalf("delivered = %v", term.sent)
	}
	if calls.plan != "retry the deploy with the old config" {
		t.Fatalf("attached plan = %q", calls.plan)
	}
	if !calls.ended {
		t.Fatal("call was not ended")
	}
	if tracker.HasActiveCall(target()) {
		t.Fatal("tracker still holds the target")
	}
}

func TestRunHangupFallsBackToModelPlan(t *testing.T) {
	calls := &fakeCalls{
		replies:     []string{"uh, just pick whatever is safe"},
		hangupAfter: 0, // hangs up on the first follow-up turn
	}
	llm := &fakeLLM{
		analyze: func(req providers.AnalyzeRequest) (providers.AnalyzeResult, error) {
			return providers.AnalyzeResult{Action: "respond", Response: "Okay, should I roll back then?"}, nil
		},
		complete: func(prompt string) (string, error) {
			if !strings.Contains(prompt, "just pick whatever is safe") {
				t.Errorf("finalization prompt missing transcript: %q", prompt)
			}
			return "roll back to the previous release\n", nil
		},
	}
	term := &fakeTerminal{}
	svc := NewService(calls, llm, term, sessions.NewTracker(), testScripts(), testLog())

	if err := svc.Run(context.Background(), Request{Target: target(), Content: "pick a release"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(term.sent) != 1 || term.sent[0] != "roll back to the previous release" {
		t.Fatalf("delivered = %v", term.sent)
	}
	// The callee hung up; no goodbye leg.
	if calls.ended {
		t.Fatal("EndCall should not run after a hangup")
	}
}

func TestRunNoUsableDecisionDeliversNothing(t *testing.T) {
	calls := &fakeCalls{replies: []string{"wrong number, who is this"}, hangupAfter: 0}
	llm := &fakeLLM{
		analyze: func(req providers.AnalyzeRequest) (providers.AnalyzeResult, error) {
			return providers.AnalyzeResult{Action: "respond", Response: "Sorry, is this about the deploy?"}, nil
		},
		complete: func(string) (string, error) { return "SKIP", nil },
	}
	term := &fakeTerminal{}
	svc := NewService(calls, llm, term, sessions.NewTracker(), testScripts(), testLog())

	if err := svc.Run(context.Background(), Request{Target: target(), Content: "deploy blocked"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(term.sent) != 0 {
		t.Fatalf("delivered = %v, want nothing", term.sent)
	}
}

func TestRunRejectsBusyTarget(t *testing.T) {
	tracker := sessions.NewTracker()
	if err := tracker.Register(sessions.Mapping{CallID: "other", Target: target()}); err != nil {
		t.Fatalf("seed tracker: %v", err)
	}
	svc := NewService(&fakeCalls{}, &fakeLLM{}, &fakeTerminal{}, tracker, testScripts(), testLog())

	err := svc.Run(context.Background(), Request{Target: target()})
	if !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("err = %v, want ErrCallInProgress", err)
	}
}

func TestRunGreetingFallsBackToScript(t *testing.T) {
	calls := &fakeCalls{replies: []string{"the plan is approve it"}, hangupAfter: 0}
	llm := &fakeLLM{
		analyze: func(req providers.AnalyzeRequest) (providers.AnalyzeResult, error) {
			return providers.AnalyzeResult{}, errors.New("model down")
		},
	}
	svc := NewService(calls, llm, &fakeTerminal{}, sessions.NewTracker(), testScripts(), testLog())

	if err := svc.Run(context.Background(), Request{Target: target(), Content: "approve?", WorkingDir: "/srv/widget"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(calls.spoken) == 0 || calls.spoken[0] != "Hi, this is about widget: approve?" {
		t.Fatalf("greeting = %v", calls.spoken)
	}
}

func TestClipKeepsRuneBoundaries(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		// "héllo": é is two bytes (0xC3 0xA9); cutting at byte 2 would
		// split it, so the clip backs off to "h".
		{"héllo", 2, "h"},
		{"héllo", 3, "h\xc3\xa9"},
		{"日本語", 4, "日"},
		{"日本語", 6, "日本"},
	}
	for _, tc := range cases {
		got := clip(tc.in, tc.n)
		if got != tc.want {
			t.Fatalf("clip(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("clip(%q, %d) = %q is not valid UTF-8", tc.in, tc.n, got)
		}
	}
}

func TestExtractPlan(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"so the plan is retry the build", "retry the build", true},
		{"okay, to summarize: approve the migration and rerun", "approve the migration and rerun", true},
		{"Here's the plan, skip the test and merge.", "skip the test and merge", true},
		{"The Plan Is roll back", "roll back", true},
		{"I think we should wait", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractPlan(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ExtractPlan(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
