// Package terminal delivers text into the terminal pane a call belongs to
// and captures pane content for conversation context. It is a boundary
// adapter; routing decisions happen elsewhere.
package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"callbridge/internal/sessions"
)

// Deliverer sends a line of text (plus Enter) to a terminal target.
type Deliverer interface {
	Send(ctx context.Context, target sessions.Target, text string) error
	// Capture returns up to `lines` recent lines from the target pane.
	Capture(ctx context.Context, target sessions.Target, lines int) (string, error)
}

// TmuxDeliverer drives a local tmux server through its CLI.
type TmuxDeliverer struct {
	// runner is swappable for tests; defaults to exec.CommandContext.
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewTmuxDeliverer() *TmuxDeliverer {
	return &TmuxDeliverer{
		runner: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

func paneRef(t sessions.Target) string {
	ref := t.Session + ":" + t.Window
	if t.Pane != "" {
		ref += "." + t.Pane
	}
	return ref
}

func (d *TmuxDeliverer) Send(ctx context.Context, target sessions.Target, text string) error {
	if !target.Valid() {
		return sessions.ErrInvalidTarget
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("terminal: refusing to send empty text")
	}
	ref := paneRef(target)
	// Text and Enter go as two send-keys calls so tmux never interprets the
	// payload as a key name.
	if _, err := d.runner(ctx, "tmux", "send-keys", "-t", ref, "-l", text); err != nil {
		return fmt.Errorf("terminal: send text to %s: %w", ref, err)
	}
	if _, err := d.runner(ctx, "tmux", "send-keys", "-t", ref, "Enter"); err != nil {
		return fmt.Errorf("terminal: send enter to %s: %w", ref, err)
	}
	return nil
}

func (d *TmuxDeliverer) Capture(ctx context.Context, target sessions.Target, lines int) (string, error) {
	if !target.Valid() {
		return "", sessions.ErrInvalidTarget
	}
	if lines <= 0 {
		lines = 40
	}
	out, err := d.runner(ctx, "tmux", "capture-pane", "-p", "-t", paneRef(target),
		"-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("terminal: capture %s: %w", paneRef(target), err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}
