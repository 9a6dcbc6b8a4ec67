package audio

import (
	"encoding/base64"
	"encoding/binary"
)

// wavHeaderSize is the canonical header length for a minimal mono PCM WAV
// file (RIFF + fmt + data chunk headers). Used both when building headers
// and as the compatibility fallback when parsing a malformed container.
const wavHeaderSize = 44

// BuildWAV prepends a canonical 44-byte RIFF/WAVE header (mono, 16-bit PCM
// at the given sample rate) to pcm and returns the complete file.
func BuildWAV(pcm []byte, sampleRate int) []byte {
	le := binary.LittleEndian
	out := make([]byte, wavHeaderSize+len(pcm))

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], 1) // PCM
	le.PutUint16(out[22:24], 1) // mono
	le.PutUint32(out[24:28], uint32(sampleRate))
	le.PutUint32(out[28:32], uint32(sampleRate*2)) // byte rate
	le.PutUint16(out[32:34], 2)                    // block align
	le.PutUint16(out[34:36], 16)                   // bits per sample

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)

	return out
}

// PCMToWAVBase64 wraps pcm in a WAV container and base64-encodes the result.
// This is the wire format the inference service expects for audio payloads.
func PCMToWAVBase64(pcm []byte, sampleRate int) string {
	return base64.StdEncoding.EncodeToString(BuildWAV(pcm, sampleRate))
}

// ExtractPCM returns the raw PCM payload of a WAV container. The chunk list
// is walked (respecting even-byte padding) to locate the data chunk rather
// than assuming it starts at offset 44; senders that emit extra chunks
// (LIST, fact) are handled correctly. A buffer without a RIFF magic is
// returned unchanged, and a RIFF container whose data chunk cannot be
// located falls back to offset 44 for compatibility.
func ExtractPCM(wav []byte) []byte {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wav
	}

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		if chunkID == "data" {
			start := offset + 8
			end := start + chunkSize
			if end > len(wav) {
				end = len(wav)
			}
			return wav[start:end]
		}

		// Chunks are word-aligned: odd sizes are padded by one byte.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}

	if len(wav) > wavHeaderSize {
		return wav[wavHeaderSize:]
	}
	return nil
}

// WAVBase64ToPCM decodes a base64 WAV payload and extracts its PCM. A
// payload that is not valid base64 yields nil.
func WAVBase64ToPCM(encoded string) []byte {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return ExtractPCM(raw)
}
