package terminal

import (
	"context"
	"errors"
	"strings"
	"testing"

	"callbridge/internal/sessions"
)

type call struct {
	name string
	args []string
}

func recordingDeliverer(out string, fail bool) (*TmuxDeliverer, *[]call) {
	var calls []call
	d := &TmuxDeliverer{
		runner: func(_ context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, call{name, args})
			if fail {
				return nil, errors.New("no server running")
			}
			return []byte(out), nil
		},
	}
	return d, &calls
}

func TestSendUsesLiteralKeysThenEnter(t *testing.T) {
	d, calls := recordingDeliverer("", false)
	target := sessions.Target{Session: "work", Window: "2", Pane: "1"}

	if err := d.Send(context.Background(), target, "use the staging database"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(*calls) != 2 {
		t.Fatalf("expected 2 tmux invocations, got %d", len(*calls))
	}
	first := (*calls)[0]
	if !strings.Contains(strings.Join(first.args, " "), "-l use the staging database") {
		t.Fatalf("first call must send literal text: %v", first.args)
	}
	if !strings.Contains(strings.Join(first.args, " "), "work:2.1") {
		t.Fatalf("expected pane ref work:2.1: %v", first.args)
	}
	second := (*calls)[1]
	if second.args[len(second.args)-1] != "Enter" {
		t.Fatalf("second call must press Enter: %v", second.args)
	}
}

func TestSendValidation(t *testing.T) {
	d, _ := recordingDeliverer("", false)
	if err := d.Send(context.Background(), sessions.Target{}, "x"); !errors.Is(err, sessions.ErrInvalidTarget) {
		t.Fatalf("expected ErrInvalidTarget, got %v", err)
	}
	if err := d.Send(context.Background(), sessions.Target{Session: "s", Window: "0"}, "   "); err == nil {
		t.Fatalf("expected error for empty text")
	}
}

func TestCapture(t *testing.T) {
	d, calls := recordingDeliverer("line1\nline2\n", false)
	target := sessions.Target{Session: "s", Window: "0"}
	out, err := d.Capture(context.Background(), target, 25)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if out != "line1\nline2" {
		t.Fatalf("unexpected capture %q", out)
	}
	joined := strings.Join((*calls)[0].args, " ")
	if !strings.Contains(joined, "-S -25") {
		t.Fatalf("expected history depth flag, got %v", joined)
	}
	if !strings.Contains(joined, "s:0") {
		t.Fatalf("expected pane ref without pane suffix, got %v", joined)
	}
}

func TestSendSurfacesTmuxFailure(t *testing.T) {
	d, _ := recordingDeliverer("", true)
	err := d.Send(context.Background(), sessions.Target{Session: "s", Window: "1"}, "text")
	if err == nil {
		t.Fatalf("expected error when tmux fails")
	}
}
