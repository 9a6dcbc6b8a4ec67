package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"testing"
)

func TestBuildWAVHeader(t *testing.T) {
	pcm := pcmBytes([]int16{100, -100, 200})
	wav := BuildWAV(pcm, 16000)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE magic")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d, want 16000", rate)
	}
	if ch := binary.LittleEndian.Uint16(wav[22:24]); ch != 1 {
		t.Errorf("channels = %d, want 1", ch)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); int(size) != len(pcm) {
		t.Errorf("data size = %d, want %d", size, len(pcm))
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Error("PCM payload not preserved")
	}
}

func TestExtractPCM(t *testing.T) {
	pcm := pcmBytes([]int16{1, 2, 3, 4})

	t.Run("canonical header", func(t *testing.T) {
		if got := ExtractPCM(BuildWAV(pcm, 8000)); !bytes.Equal(got, pcm) {
			t.Errorf("got %v, want %v", got, pcm)
		}
	})

	t.Run("extra chunk before data", func(t *testing.T) {
		// Insert a 5-byte LIST chunk (odd size, so padded) between fmt
		// and data; the chunk walker must skip it.
		wav := BuildWAV(pcm, 8000)
		var buf bytes.Buffer
		buf.Write(wav[:36])
		buf.WriteString("LIST")
		var sz [4]byte
		binary.LittleEndian.PutUint32(sz[:], 5)
		buf.Write(sz[:])
		buf.Write([]byte{'i', 'n', 'f', 'o', '!', 0}) // 5 bytes + pad
		buf.Write(wav[36:])

		fixed := buf.Bytes()
		binary.LittleEndian.PutUint32(fixed[4:8], uint32(len(fixed)-8))
		if got := ExtractPCM(fixed); !bytes.Equal(got, pcm) {
			t.Errorf("got %v, want %v", got, pcm)
		}
	})

	t.Run("raw bytes without RIFF magic", func(t *testing.T) {
		if got := ExtractPCM(pcm); !bytes.Equal(got, pcm) {
			t.Errorf("got %v, want input unchanged", got)
		}
	})

	t.Run("malformed RIFF falls back to offset 44", func(t *testing.T) {
		wav := BuildWAV(pcm, 8000)
		copy(wav[36:40], "junk") // corrupt the data chunk id
		if got := ExtractPCM(wav); !bytes.Equal(got, pcm) {
			t.Errorf("got %v, want offset-44 payload", got)
		}
	})
}

func TestWAVBase64RoundTrip(t *testing.T) {
	pcm := pcmBytes([]int16{-32000, 0, 32000})
	encoded := PCMToWAVBase64(pcm, 16000)

	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("output is not valid base64: %v", err)
	}
	if got := WAVBase64ToPCM(encoded); !bytes.Equal(got, pcm) {
		t.Errorf("round trip = %v, want %v", got, pcm)
	}
}

func TestWAVBase64ToPCMInvalid(t *testing.T) {
	if got := WAVBase64ToPCM("!!not base64!!"); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}
