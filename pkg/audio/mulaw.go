// Package audio provides the pure audio conversions used by the call
// pipeline: ITU-T G.711 μ-law codec, 8 kHz → 16 kHz upsampling, RIFF/WAVE
// framing, and silence detection.
//
// All functions are stateless and operate on byte buffers of little-endian
// 16-bit PCM unless stated otherwise. The telephony provider speaks 8-bit
// μ-law at 8 kHz; the inference service consumes PCM16 at 16 kHz and
// produces PCM16 at 8 kHz, so these are the only paths implemented.
package audio

// ulawBias is the G.711 encoder bias added to the magnitude before segment
// search (§4.4.1, often written 0x84).
const ulawBias = 0x84

// ulawClip is the maximum magnitude representable after biasing.
const ulawClip = 32635

// expLUT maps the 3-bit exponent of a μ-law byte to the base offset of its
// quantisation segment. Together with the 4-bit mantissa this reconstructs
// the linear sample: sample = expLUT[exp] + (mant << (exp + 3)).
var expLUT = [8]int16{0, 132, 396, 924, 1980, 4092, 8316, 16764}

// ulawToPCM is the 256-entry decode table, precomputed at init so the
// per-sample decode is a single lookup.
var ulawToPCM [256]int16

func init() {
	for i := range 256 {
		u := ^uint8(i)
		exp := (u >> 4) & 0x07
		mant := u & 0x0F
		sample := expLUT[exp] + int16(mant)<<(exp+3)
		if u&0x80 != 0 {
			sample = -sample
		}
		ulawToPCM[i] = sample
	}
}

// DecodeULaw converts 8 kHz μ-law bytes to 16 kHz PCM16. Each μ-law byte is
// decoded through the lookup table and the stream is upsampled by emitting
// every decoded sample followed by the arithmetic mean of it and its
// successor. The final sample has no successor and is duplicated instead.
//
// The returned buffer holds 2*len(ulaw) samples (4*len(ulaw) bytes).
func DecodeULaw(ulaw []byte) []byte {
	if len(ulaw) == 0 {
		return nil
	}

	samples := make([]int16, len(ulaw))
	for i, b := range ulaw {
		samples[i] = ulawToPCM[b]
	}

	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		next := s
		if i+1 < len(samples) {
			next = samples[i+1]
		}
		mid := int16((int32(s) + int32(next)) / 2)

		out[i*4] = byte(s)
		out[i*4+1] = byte(uint16(s) >> 8)
		out[i*4+2] = byte(mid)
		out[i*4+3] = byte(uint16(mid) >> 8)
	}
	return out
}

// EncodeULaw converts 8 kHz PCM16 to μ-law, one byte per input sample. The
// segment is located by scanning for the highest set bit of the biased
// magnitude, exactly as G.711 specifies — a log2-based shortcut misplaces
// the segment for a large fraction of inputs and flips the sign bit.
//
// The input must already be at 8 kHz; this function never decimates.
// An odd trailing byte is ignored.
func EncodeULaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = encodeSample(s)
	}
	return out
}

// encodeSample converts a single linear sample to its μ-law byte.
func encodeSample(s int16) byte {
	sign := uint8(0)
	mag := int32(s)
	if mag < 0 {
		sign = 0x80
		mag = -mag
	}
	if mag > ulawClip {
		mag = ulawClip
	}
	mag += ulawBias

	// Segment = index of the highest set bit above bit 7.
	seg := uint8(0)
	for v := mag >> 8; v != 0; v >>= 1 {
		seg++
	}

	mant := uint8((mag >> (seg + 3)) & 0x0F)
	return ^(sign | seg<<4 | mant)
}

// silenceThreshold is the per-sample absolute amplitude at or below which a
// sample counts as silence.
const silenceThreshold = 20

// IsSilence reports whether every 16-bit sample in buf has an absolute value
// of at most 20. An empty buffer is silent. An odd trailing byte is ignored.
func IsSilence(buf []byte) bool {
	for i := 0; i+1 < len(buf); i += 2 {
		s := int16(buf[i]) | int16(buf[i+1])<<8
		if s > silenceThreshold || s < -silenceThreshold {
			return false
		}
	}
	return true
}
