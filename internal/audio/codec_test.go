package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func pcmBytes(samples ...int16) []byte {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint16(out, uint16(s))
	}
	return out
}

func TestMulawEncodeReferenceValues(t *testing.T) {
	cases := []struct {
		in   int16
		want byte
	}{
		{0, 0xFF},
		{32767, 0x80}, // clipped full-scale positive
		{-32768, 0x00}, // clipped full-scale negative
		{mulawClip, 0x80},
		{-mulawClip, 0x00},
	}
	for _, tc := range cases {
		if got := MulawEncodeSample(tc.in); got != tc.want {
			t.Fatalf("encode(%d): expected 0x%02X, got 0x%02X", tc.in, tc.want, got)
		}
	}
}

func TestMulawRoundTripOrdering(t *testing.T) {
	// Expansion is lossy but must preserve sign and ordering.
	prev := int16(-32768)
	for _, s := range []int16{-32768, -10000, -100, -1, 0, 1, 100, 10000, 32767} {
		d := MulawDecodeSample(MulawEncodeSample(s))
		if s < 0 && d > 0 || s > 0 && d < 0 {
			t.Fatalf("decode(encode(%d)) = %d: sign flipped", s, d)
		}
		if s > prev {
			dp := MulawDecodeSample(MulawEncodeSample(prev))
			if d < dp {
				t.Fatalf("ordering broken: %d -> %d but %d -> %d", prev, dp, s, d)
			}
		}
		prev = s
	}
	if MulawDecodeSample(MulawEncodeSample(0)) != 0 {
		t.Fatalf("zero must round-trip exactly")
	}
}

func TestDownsampleAveragesGroupsOfThree(t *testing.T) {
	in := pcmBytes(300, 600, 900, -300, -600, -900)
	got := DownsampleTo8k(in)
	want := pcmBytes(600, -600)
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDownsampleTrailingGroupReusesLastSample(t *testing.T) {
	// 4 samples: group (3,6,9) then (12) padded to (12,12,12).
	in := pcmBytes(3, 6, 9, 12)
	got := DownsampleTo8k(in)
	want := pcmBytes(6, 12)
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	// 5 samples: (3,6,9) then (12,18) padded with 18.
	in = pcmBytes(3, 6, 9, 12, 18)
	got = DownsampleTo8k(in)
	want = pcmBytes(6, 16)
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTranscodeDeterministicLength(t *testing.T) {
	in := make([]byte, 0, 480*2)
	for i := 0; i < 480; i++ {
		in = binary.LittleEndian.AppendUint16(in, uint16(int16(i*13%2000-1000)))
	}
	a := TranscodeForCall(in)
	b := TranscodeForCall(in)
	if len(a) != 160 {
		t.Fatalf("480 wideband samples should produce 160 narrowband bytes, got %d", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("transcode must be deterministic")
	}
}

func TestFrames(t *testing.T) {
	ulaw := make([]byte, 400)
	frames := Frames(ulaw)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if len(frames[0]) != FrameBytes || len(frames[1]) != FrameBytes {
		t.Fatalf("full frames must be %d bytes", FrameBytes)
	}
	if len(frames[2]) != 80 {
		t.Fatalf("expected 80-byte tail frame, got %d", len(frames[2]))
	}
	if Frames(nil) != nil {
		t.Fatalf("empty input should produce no frames")
	}
}
