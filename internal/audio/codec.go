package audio

import "encoding/binary"

// Pure sample-rate and companding conversions between the wideband PCM the
// speech providers produce (24 kHz, 16-bit LE, mono) and the narrowband
// telephony format the media stream carries (8 kHz, 8-bit mu-law).
//
// Contract:
// - No allocation sharing: every function returns a fresh slice.
// - Deterministic: same input always yields the same bytes.
// - Encode must stay bit-exact with G.711 mu-law or call audio is garbage.

const (
	// WidebandRate is the PCM sample rate delivered by synthesis.
	WidebandRate = 24000
	// NarrowbandRate is the telephony leg sample rate.
	NarrowbandRate = 8000

	// FrameBytes is one 20 ms mu-law frame at 8 kHz.
	FrameBytes = 160
	// FrameDuration is the real-time budget of one frame.
	FrameDurationMs = 20
	// JitterPrefillBytes is buffered before playback starts when audio
	// arrives incrementally, to absorb variable synthesis latency.
	JitterPrefillBytes = 800

	mulawBias = 0x84
	mulawClip = 32635
)

// DownsampleTo8k reduces 24 kHz 16-bit LE PCM to 8 kHz by averaging each
// group of three consecutive samples. A trailing group short of three
// samples reuses the last available sample to complete the average. This is
// a decimating mean, not a windowed filter; intelligibility is the goal.
func DownsampleTo8k(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	out := make([]byte, 0, ((n+2)/3)*2)
	for i := 0; i < n; i += 3 {
		var sum int
		last := 0
		for j := 0; j < 3; j++ {
			k := i + j
			if k < n {
				last = int(int16(binary.LittleEndian.Uint16(pcm[k*2:])))
			}
			sum += last
		}
		avg := int16(sum / 3)
		out = binary.LittleEndian.AppendUint16(out, uint16(avg))
	}
	return out
}

// MulawEncodeSample compands one 16-bit linear sample to one mu-law byte.
func MulawEncodeSample(s int16) byte {
	v := int(s)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exp := 7
	for mask := 0x4000; exp > 0 && v&mask == 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | byte(exp)<<4 | mant)
}

// MulawEncode compands 16-bit LE PCM to mu-law, one byte per sample.
func MulawEncode(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = MulawEncodeSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// MulawDecodeSample expands one mu-law byte back to a 16-bit linear sample.
// The inverse is not exact (mu-law is lossy); used for tests and metering.
func MulawDecodeSample(b byte) int16 {
	b = ^b
	exp := (b >> 4) & 0x07
	mant := b & 0x0F
	v := ((int(mant) << 3) + mulawBias) << uint(exp)
	v -= mulawBias
	if b&0x80 != 0 {
		return int16(-v)
	}
	return int16(v)
}

// TranscodeForCall runs the full outbound pipeline: wideband PCM in,
// telephony mu-law out.
func TranscodeForCall(pcm []byte) []byte {
	return MulawEncode(DownsampleTo8k(pcm))
}

// Frames splits mu-law audio into FrameBytes-sized chunks. The final chunk
// may be short; the media socket pads pacing, not content.
func Frames(ulaw []byte) [][]byte {
	if len(ulaw) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(ulaw)+FrameBytes-1)/FrameBytes)
	for off := 0; off < len(ulaw); off += FrameBytes {
		end := off + FrameBytes
		if end > len(ulaw) {
			end = len(ulaw)
		}
		frames = append(frames, ulaw[off:end])
	}
	return frames
}
