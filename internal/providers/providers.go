// Package providers holds the thin clients for the external collaborators:
// the phone provider, speech synthesis, realtime speech recognition, and
// the dialogue/judge model.
//
// Rules:
// - No provider SDK calls outside this package.
// - Keep request/response types provider-agnostic at the interface.
// - Credentials come from config; clients never read env themselves.
package providers

import (
	"context"
	"errors"
	"time"
)

// Phone originates and controls calls at the telephony provider.
type Phone interface {
	// InitiateCall dials `to` from `from` and registers callbackURL for
	// lifecycle webhooks. Returns the provider-side call handle.
	InitiateCall(ctx context.Context, to, from, callbackURL string) (string, error)

	// StartStreaming asks the provider to open a media socket to mediaURL
	// for an answered call.
	StartStreaming(ctx context.Context, handle, mediaURL string) error

	// Hangup terminates the call at the provider.
	Hangup(ctx context.Context, handle string) error
}

// TTS synthesizes speech. Output is 24 kHz 16-bit LE mono PCM.
type TTS interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// STT opens realtime speech-recognition sessions.
type STT interface {
	NewSession(ctx context.Context) (STTSession, error)
}

// STTSession is one live recognition stream. Audio in is 8 kHz mu-law.
type STTSession interface {
	SendAudio(p []byte) error
	// WaitForTranscript blocks until the next final utterance or the
	// timeout elapses (ErrTranscriptTimeout).
	WaitForTranscript(ctx context.Context, timeout time.Duration) (string, error)
	Close() error
}

// AnalyzeRequest is a dialogue/analysis call to the model.
type AnalyzeRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// AnalyzeResult is the model's structured verdict.
type AnalyzeResult struct {
	Action     string  `json:"action"`
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
}

// LLM is the dialogue and arbitration model client.
type LLM interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (AnalyzeResult, error)
	// Complete returns raw completion text for a single prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

var (
	ErrTranscriptTimeout = errors.New("providers: no transcript within budget")
	ErrSessionClosed     = errors.New("providers: speech session closed")
)
