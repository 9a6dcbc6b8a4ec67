package call

import (
	"sync"
	"testing"
	"time"

	"github.com/voiceloop-ai/voiceloop/internal/backend"
)

func newTestSession() *Session {
	return New("CA123", "+15551234", "+15555678",
		&backend.IncomingCall{AssistantID: "asst-1", OrganizationID: "org-1"},
		&backend.AssistantConfig{
			Language:       "en",
			Voice:          "ava",
			LanguageVoices: map[string]string{"es": "sofia"},
		})
}

func TestNewFullyInitialized(t *testing.T) {
	s := newTestSession()

	if s.SessionID == "" {
		t.Error("SessionID not generated")
	}
	if s.SpeechBuffer == nil || s.FrameAccumulator == nil {
		t.Error("audio buffers not initialized")
	}
	if s.Variables() == nil {
		t.Error("variables map not initialized")
	}
	if s.Status() != StatusConnecting {
		t.Errorf("status = %v, want connecting", s.Status())
	}
	if s.Language() != "en" || s.Voice() != "ava" {
		t.Errorf("language/voice = %q/%q", s.Language(), s.Voice())
	}
}

func TestMarkActive(t *testing.T) {
	s := newTestSession()
	s.MarkActive()
	if s.Status() != StatusActive {
		t.Errorf("status = %v, want active", s.Status())
	}

	// Only the connecting phase transitions; an ending call stays ending.
	s.BeginEnding("completed")
	s.MarkActive()
	if s.Status() != StatusEnding {
		t.Errorf("status = %v, want ending", s.Status())
	}
}

func TestBeginEndingIdempotent(t *testing.T) {
	s := newTestSession()
	s.MarkActive()

	if !s.BeginEnding("user_requested") {
		t.Fatal("first BeginEnding should succeed")
	}
	if s.BeginEnding("completed") {
		t.Error("second BeginEnding should be rejected")
	}
	if s.EndReason() != "user_requested" {
		t.Errorf("end reason = %q, want the first one", s.EndReason())
	}
	if !s.MarkEnded() {
		t.Fatal("first MarkEnded should succeed")
	}
	if s.MarkEnded() {
		t.Error("second MarkEnded should be rejected")
	}
}

func TestSwitchLanguage(t *testing.T) {
	s := newTestSession()

	s.SwitchLanguage("es")
	if s.Language() != "es" || s.Voice() != "sofia" {
		t.Errorf("after switch: %q/%q", s.Language(), s.Voice())
	}

	// Unmapped language falls back to the GPU default (empty voice).
	s.SwitchLanguage("fr")
	if s.Voice() != "" {
		t.Errorf("voice = %q, want empty for unmapped language", s.Voice())
	}
}

func TestPreRollRingEvictsFIFO(t *testing.T) {
	var r PreRollRing
	r.Push([]byte{1})
	r.Push([]byte{2})
	r.Push([]byte{3})

	if r.Len() != 2 {
		t.Fatalf("len = %d, want 2", r.Len())
	}
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0][0] != 2 || snap[1][0] != 3 {
		t.Errorf("snapshot = %v, want oldest evicted", snap)
	}
	if r.Len() != 2 {
		t.Error("Snapshot must not empty the ring")
	}

	got := r.Drain()
	if got[0][0] != 2 || got[1][0] != 3 {
		t.Errorf("drained = %v, want oldest evicted", got)
	}
	if r.Len() != 0 {
		t.Error("Drain should empty the ring")
	}
}

func TestTranscriptTracksOffsets(t *testing.T) {
	s := newTestSession()
	s.AppendTranscript("assistant", "Hi, how can I help?")
	s.AppendTranscript("user", "What are your hours?")

	tr := s.Transcript()
	if len(tr) != 2 {
		t.Fatalf("len = %d, want 2", len(tr))
	}
	if tr[0].Role != "assistant" || tr[1].Role != "user" {
		t.Errorf("roles = %q, %q", tr[0].Role, tr[1].Role)
	}
	if tr[1].TimeInCallSecs < tr[0].TimeInCallSecs {
		t.Error("offsets should be non-decreasing")
	}

	s.ResetTranscript()
	if len(s.Transcript()) != 0 {
		t.Error("ResetTranscript should clear entries")
	}
}

func TestTrackedItems(t *testing.T) {
	s := newTestSession()
	s.TrackItem("item-1")
	s.TrackItem("") // ignored
	s.TrackItem("item-2")

	got := s.DrainTrackedItems()
	if len(got) != 2 || got[0] != "item-1" || got[1] != "item-2" {
		t.Errorf("tracked = %v", got)
	}
	if len(s.DrainTrackedItems()) != 0 {
		t.Error("second drain should be empty")
	}
}

func TestSilenceTimerRestart(t *testing.T) {
	s := newTestSession()
	s.MarkActive()
	fired := make(chan struct{}, 2)

	s.RestartSilenceTimer(10*time.Millisecond, func() { fired <- struct{}{} })
	s.RestartSilenceTimer(50*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
		// Must be the second timer; the first was stopped. If the first
		// fired we would see a second event shortly after.
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	select {
	case <-fired:
		t.Error("stopped timer fired as well")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimersNotArmedAfterEnd(t *testing.T) {
	s := newTestSession()
	s.MarkActive()
	s.BeginEnding("completed")
	s.MarkEnded()

	fired := make(chan struct{}, 1)
	s.RestartSilenceTimer(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
		t.Error("silence timer armed on an ended call")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	s := newTestSession()
	reg.Add(s)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Get("CA123")
				reg.Len()
			}
		}()
	}
	wg.Wait()

	if got, ok := reg.Get("CA123"); !ok || got != s {
		t.Error("session lost during concurrent access")
	}
	if !reg.Remove("CA123") {
		t.Error("first Remove should report true")
	}
	if reg.Remove("CA123") {
		t.Error("second Remove should report false")
	}
	if reg.Len() != 0 {
		t.Errorf("len = %d, want 0", reg.Len())
	}
}
