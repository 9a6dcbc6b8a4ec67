package pipeline

import "github.com/voiceloop-ai/voiceloop/pkg/audio"

// pcmFrameBytes is 20 ms of 8 kHz PCM16: 160 samples, 2 bytes each.
const pcmFrameBytes = 320

// frameEmitter carves a PCM16 byte stream into 20 ms telephony frames of 160
// μ-law bytes. Chunks are held in a list and bytes are peeled off the head,
// so total work is linear in stream length regardless of chunk sizes.
type frameEmitter struct {
	chunks [][]byte
	total  int
}

// Push buffers an inbound PCM chunk and returns every complete μ-law frame
// now available, in order.
func (f *frameEmitter) Push(chunk []byte) [][]byte {
	if len(chunk) == 0 {
		return nil
	}
	f.chunks = append(f.chunks, chunk)
	f.total += len(chunk)

	var frames [][]byte
	for f.total >= pcmFrameBytes {
		frames = append(frames, audio.EncodeULaw(f.take(pcmFrameBytes)))
	}
	return frames
}

// Flush encodes whatever remains at stream end. Remainders shorter than one
// sample are dropped.
func (f *frameEmitter) Flush() []byte {
	if f.total < 2 {
		f.chunks = nil
		f.total = 0
		return nil
	}
	rest := f.take(f.total &^ 1)
	f.chunks = nil
	f.total = 0
	return audio.EncodeULaw(rest)
}

// take removes exactly n buffered bytes from the head of the chunk list.
func (f *frameEmitter) take(n int) []byte {
	out := make([]byte, 0, n)
	for len(out) < n {
		head := f.chunks[0]
		need := n - len(out)
		if len(head) <= need {
			out = append(out, head...)
			f.chunks = f.chunks[1:]
		} else {
			out = append(out, head[:need]...)
			f.chunks[0] = head[need:]
		}
	}
	f.total -= n
	return out
}
