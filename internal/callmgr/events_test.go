package callmgr

import "testing"

func TestParseEvent(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		want   EventType
		handle string
		stream string
		err    bool
	}{
		{
			name:   "answered",
			body:   `{"data":{"event_type":"call.answered","payload":{"call_control_id":"cc-1"}}}`,
			want:   EventAnswered,
			handle: "cc-1",
		},
		{
			name:   "streaming started carries stream id",
			body:   `{"data":{"event_type":"streaming.started","payload":{"call_control_id":"cc-1","stream_id":"st-9"}}}`,
			want:   EventStreamingStarted,
			handle: "cc-1",
			stream: "st-9",
		},
		{
			name:   "hangup",
			body:   `{"data":{"event_type":"call.hangup","payload":{"call_control_id":"cc-2"}}}`,
			want:   EventHangup,
			handle: "cc-2",
		},
		{
			name: "unrecognized type maps to unknown",
			body: `{"data":{"event_type":"call.recording.saved","payload":{}}}`,
			want: EventUnknown,
		},
		{
			name: "malformed json",
			body: `{"data":`,
			err:  true,
		},
		{
			name: "missing event type",
			body: `{"data":{"payload":{"call_control_id":"cc-1"}}}`,
			err:  true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tc.body))
			if tc.err {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if ev.Type != tc.want {
				t.Fatalf("type = %v, want %v", ev.Type, tc.want)
			}
			if ev.CallHandle != tc.handle {
				t.Fatalf("handle = %q, want %q", ev.CallHandle, tc.handle)
			}
			if ev.StreamID != tc.stream {
				t.Fatalf("stream = %q, want %q", ev.StreamID, tc.stream)
			}
		})
	}
}
