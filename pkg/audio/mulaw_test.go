package audio

import (
	"math"
	"testing"
)

// pcmBytes converts int16 samples to little-endian bytes.
func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

// pcmSamples converts little-endian bytes back to int16 samples.
func pcmSamples(t *testing.T, buf []byte) []int16 {
	t.Helper()
	if len(buf)%2 != 0 {
		t.Fatalf("odd PCM byte count %d", len(buf))
	}
	out := make([]int16, len(buf)/2)
	for i := range out {
		out[i] = int16(buf[i*2]) | int16(buf[i*2+1])<<8
	}
	return out
}

func TestEncodeULawRoundTrip(t *testing.T) {
	// Round-trip every representable magnitude region: sign must be
	// preserved and the quantisation error must stay within half the
	// step size of the segment the sample was encoded into. A segment
	// mix-up (the classic log2 shortcut bug) breaks both properties.
	for s := -32635; s <= 32635; s += 17 {
		b := encodeSample(int16(s))
		decoded := ulawToPCM[b]

		if s > 60 && decoded <= 0 {
			t.Fatalf("sample %d: decoded %d lost positive sign (byte %#x)", s, decoded, b)
		}
		if s < -60 && decoded >= 0 {
			t.Fatalf("sample %d: decoded %d lost negative sign (byte %#x)", s, decoded, b)
		}

		seg := (^b >> 4) & 0x07
		halfStep := float64(int(1) << (seg + 2))
		errAbs := math.Abs(float64(decoded) - float64(s))
		if errAbs > halfStep {
			t.Fatalf("sample %d: decoded %d (segment %d), error %.0f exceeds half step %.0f",
				s, decoded, seg, errAbs, halfStep)
		}
	}
}

func TestEncodeULawExtremes(t *testing.T) {
	cases := []struct {
		name   string
		sample int16
		want   byte
	}{
		{"zero", 0, 0xFF},
		{"max positive", 32635, 0x80},
		{"max negative", -32635, 0x00},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := encodeSample(tc.sample); got != tc.want {
				t.Errorf("encodeSample(%d) = %#x, want %#x", tc.sample, got, tc.want)
			}
		})
	}
}

func TestDecodeULawUpsamples(t *testing.T) {
	// Two input bytes must produce four output samples: s0, mid(s0,s1),
	// s1, s1 (last sample duplicated).
	in := []byte{encodeSample(1000), encodeSample(3000)}
	out := pcmSamples(t, DecodeULaw(in))

	if len(out) != 4 {
		t.Fatalf("got %d samples, want 4", len(out))
	}

	s0 := ulawToPCM[in[0]]
	s1 := ulawToPCM[in[1]]
	want := []int16{s0, int16((int32(s0) + int32(s1)) / 2), s1, s1}
	for i, w := range want {
		if out[i] != w {
			t.Errorf("sample[%d] = %d, want %d", i, out[i], w)
		}
	}
}

func TestDecodeULawEmpty(t *testing.T) {
	if got := DecodeULaw(nil); got != nil {
		t.Errorf("DecodeULaw(nil) = %v, want nil", got)
	}
}

func TestIsSilence(t *testing.T) {
	t.Run("silent", func(t *testing.T) {
		if !IsSilence(pcmBytes([]int16{0, 20, -20, 5})) {
			t.Error("buffer within threshold reported as speech")
		}
	})
	t.Run("speech", func(t *testing.T) {
		if IsSilence(pcmBytes([]int16{0, 0, 21, 0})) {
			t.Error("sample above threshold reported as silence")
		}
	})
	t.Run("negative speech", func(t *testing.T) {
		if IsSilence(pcmBytes([]int16{-5000})) {
			t.Error("loud negative sample reported as silence")
		}
	})
	t.Run("empty", func(t *testing.T) {
		if !IsSilence(nil) {
			t.Error("empty buffer should be silent")
		}
	})
}
