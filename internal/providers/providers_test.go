package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPhoneClientInitiateCall(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody initiateCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"call_control_id": "cc-123"},
		})
	}))
	defer srv.Close()

	pc, err := NewPhoneClient(PhoneConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewPhoneClient: %v", err)
	}
	handle, err := pc.InitiateCall(context.Background(), "+15550001111", "+15550002222", "https://pub.example/twiml")
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if handle != "cc-123" {
		t.Fatalf("expected handle cc-123, got %q", handle)
	}
	if gotPath != "/calls" {
		t.Fatalf("expected POST /calls, got %s", gotPath)
	}
	if gotAuth != "Bearer k" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.To != "+15550001111" || gotBody.WebhookURL != "https://pub.example/twiml" {
		t.Fatalf("unexpected request body: %+v", gotBody)
	}
}

func TestPhoneClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid number"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	pc, _ := NewPhoneClient(PhoneConfig{APIKey: "k", BaseURL: srv.URL})
	if _, err := pc.InitiateCall(context.Background(), "bad", "from", "cb"); err == nil {
		t.Fatalf("expected error on 422")
	}
	if err := pc.Hangup(context.Background(), "cc-1"); err == nil {
		t.Fatalf("expected error on 422")
	}
}

func TestPhoneClientStartStreamingPath(t *testing.T) {
	var gotPath string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pc, _ := NewPhoneClient(PhoneConfig{APIKey: "k", BaseURL: srv.URL})
	if err := pc.StartStreaming(context.Background(), "cc-9", "wss://pub.example/media-stream?token=abc"); err != nil {
		t.Fatalf("StartStreaming: %v", err)
	}
	if gotPath != "/calls/cc-9/actions/streaming_start" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if body["stream_url"] != "wss://pub.example/media-stream?token=abc" {
		t.Fatalf("unexpected stream_url %q", body["stream_url"])
	}
}

func TestTTSClientSynthesize(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["response_format"] != "pcm" {
			t.Errorf("expected pcm response format, got %v", req["response_format"])
		}
		_, _ = w.Write(pcm)
	}))
	defer srv.Close()

	tc, err := NewTTSClient(TTSConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTTSClient: %v", err)
	}
	audio, err := tc.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio) != 4 {
		t.Fatalf("expected 4 bytes, got %d", len(audio))
	}
}

func TestParseAnalyzeReply(t *testing.T) {
	cases := []struct {
		name       string
		in         string
		wantAction string
	}{
		{"plain json", `{"action":"approve","response":"go ahead","confidence":0.9}`, "approve"},
		{"fenced json", "```json\n{\"action\":\"deny\",\"response\":\"no\",\"confidence\":0.8}\n```", "deny"},
		{"prose wrapped", `Sure: {"action":"respond","response":"use the staging db","confidence":0.7} hope that helps`, "respond"},
		{"unparseable", "just call them", "respond"},
	}
	for _, tc := range cases {
		got := ParseAnalyzeReply(tc.in)
		if got.Action != tc.wantAction {
			t.Fatalf("%s: expected action %q, got %+v", tc.name, tc.wantAction, got)
		}
	}
	if got := ParseAnalyzeReply("no structure at all"); got.Response != "no structure at all" {
		t.Fatalf("fallback should carry raw text, got %+v", got)
	}
}

func TestClientConstructorsRequireCredentials(t *testing.T) {
	if _, err := NewPhoneClient(PhoneConfig{BaseURL: "x"}); err == nil {
		t.Fatalf("phone client without key should fail")
	}
	if _, err := NewTTSClient(TTSConfig{}); err == nil {
		t.Fatalf("tts client without key should fail")
	}
	if _, err := NewSTTClient(STTConfig{APIKey: "k"}); err == nil {
		t.Fatalf("stt client without ws url should fail")
	}
	if _, err := NewLLMClient(LLMConfig{}); err == nil {
		t.Fatalf("llm client without key should fail")
	}
}
