// Package call holds the per-call session state and the process-wide call
// registry.
//
// A Session is constructed atomically with every buffer and counter
// initialized; nothing on the hot audio path is lazily allocated, because a
// nil buffer read on the first speech frame corrupts turn detection. Each
// session is driven by one pipeline, but timers, tool results, and WebSocket
// callbacks touch it from several goroutines, so mutable state is guarded by
// the embedded mutex.
package call

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voiceloop-ai/voiceloop/internal/backend"
)

// Status is the lifecycle phase of a call.
type Status int

const (
	StatusConnecting Status = iota
	StatusActive
	StatusEnding
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusActive:
		return "active"
	case StatusEnding:
		return "ending"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// preRollSize is the number of 200 ms batches retained before speech onset.
const preRollSize = 2

// PreRollRing keeps the most recent audio batches so the onset of short
// words is not clipped when speech is detected mid-batch.
type PreRollRing struct {
	batches [][]byte
}

// Push appends a batch, evicting the oldest when the ring is full.
func (r *PreRollRing) Push(batch []byte) {
	r.batches = append(r.batches, batch)
	if len(r.batches) > preRollSize {
		r.batches = r.batches[1:]
	}
}

// Drain returns the buffered batches in order and empties the ring.
func (r *PreRollRing) Drain() [][]byte {
	out := r.batches
	r.batches = nil
	return out
}

// Snapshot returns a copy of the buffered batches in order without emptying
// the ring.
func (r *PreRollRing) Snapshot() [][]byte {
	out := make([][]byte, len(r.batches))
	copy(out, r.batches)
	return out
}

// Clear empties the ring.
func (r *PreRollRing) Clear() { r.batches = nil }

// Len reports the number of buffered batches.
func (r *PreRollRing) Len() int { return len(r.batches) }

// Session is the complete per-call state.
type Session struct {
	// Immutable identity, set at construction.
	CallSID        string
	From           string
	To             string
	AssistantID    string
	OrganizationID string
	SessionID      string // internal, fresh UUID per call
	Config         *backend.AssistantConfig
	StartedAt      time.Time

	mu sync.Mutex

	status    Status
	endReason string
	streamSID string

	// Active language and voice; switch_language updates both.
	language string
	voice    string

	// Turn state. Guarded by mu; the pipeline takes the lock around each
	// VAD event so the flags stay mutually consistent.
	UserSpeaking          bool
	AISpeaking            bool
	AwaitingTurnConfirm   bool
	SpeechStartedDuringAI bool
	VADInFlight           bool
	Summarizing           bool

	SpeechStartCount  int
	FastInterruptHits int
	TurnSilenceMS     int
	TurnStartedAt     time.Time

	// Audio buffers. PCM16 at 16 kHz throughout.
	FrameAccumulator []byte
	FrameCount       int
	SpeechBuffer     []byte
	PreRoll          PreRollRing

	transcript     []backend.TranscriptEntry
	trackedItemIDs []string
	variables      map[string]string

	silenceTimer     *time.Timer
	maxDurationTimer *time.Timer
}

// New constructs a fully initialized Session in the connecting phase; the
// pipeline marks it active once it starts driving the media stream.
func New(callSID, from, to string, inc *backend.IncomingCall, cfg *backend.AssistantConfig) *Session {
	return &Session{
		CallSID:          callSID,
		From:             from,
		To:               to,
		AssistantID:      inc.AssistantID,
		OrganizationID:   inc.OrganizationID,
		SessionID:        uuid.NewString(),
		Config:           cfg,
		StartedAt:        time.Now(),
		language:         cfg.Language,
		voice:            cfg.Voice,
		FrameAccumulator: make([]byte, 0, 64*1024),
		SpeechBuffer:     make([]byte, 0, 256*1024),
		variables:        make(map[string]string),
	}
}

// Lock acquires the session mutex.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session mutex.
func (s *Session) Unlock() { s.mu.Unlock() }

// Status returns the current lifecycle phase.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// MarkActive transitions connecting → active.
func (s *Session) MarkActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusConnecting {
		s.status = StatusActive
	}
}

// BeginEnding transitions active → ending. It returns false when the call is
// already ending or ended, making end-call idempotent.
func (s *Session) BeginEnding(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return false
	}
	s.status = StatusEnding
	if s.endReason == "" {
		s.endReason = reason
	}
	return true
}

// MarkEnded transitions to ended. It returns false when cleanup already ran.
func (s *Session) MarkEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusEnded {
		return false
	}
	s.status = StatusEnded
	return true
}

// EndReason returns the reason recorded when the call began ending.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// SetEndReason records reason if none is set yet.
func (s *Session) SetEndReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endReason == "" {
		s.endReason = reason
	}
}

// SetStreamSID records the telephony stream identifier from the start event.
func (s *Session) SetStreamSID(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamSID = sid
}

// StreamSID returns the telephony stream identifier.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// Language returns the active language code.
func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

// Voice returns the active TTS voice.
func (s *Session) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// SwitchLanguage changes the active language and picks the configured voice
// for it. An unmapped language keeps voice empty so the GPU service falls
// back to its default for that language.
func (s *Session) SwitchLanguage(language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = language
	s.voice = s.Config.LanguageVoices[language]
}

// AppendTranscript records one conversation turn with its offset into the
// call.
func (s *Session) AppendTranscript(role, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, backend.TranscriptEntry{
		Role:           role,
		Message:        message,
		TimeInCallSecs: time.Since(s.StartedAt).Seconds(),
	})
}

// Transcript returns a copy of the transcript so far.
func (s *Session) Transcript() []backend.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// ResetTranscript clears the transcript after summarization.
func (s *Session) ResetTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = nil
}

// TrackItem records an LLM conversation item id for later deletion.
func (s *Session) TrackItem(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackedItemIDs = append(s.trackedItemIDs, id)
}

// DrainTrackedItems returns all tracked item ids and clears the list.
func (s *Session) DrainTrackedItems() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.trackedItemIDs
	s.trackedItemIDs = nil
	return out
}

// SetVariable stores a value extracted from a custom-tool response.
func (s *Session) SetVariable(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[name] = value
}

// Variables returns a copy of the extracted variables.
func (s *Session) Variables() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// RestartSilenceTimer arms (or re-arms) the silence hangup timer.
func (s *Session) RestartSilenceTimer(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return
	}
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
	}
	s.silenceTimer = time.AfterFunc(d, fn)
}

// ClearSilenceTimer stops the silence hangup timer.
func (s *Session) ClearSilenceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
}

// StartMaxDurationTimer arms the one-shot max call duration timer.
func (s *Session) StartMaxDurationTimer(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxDurationTimer != nil {
		s.maxDurationTimer.Stop()
	}
	s.maxDurationTimer = time.AfterFunc(d, fn)
}

// ClearTimers stops every running timer. Called from cleanup.
func (s *Session) ClearTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	if s.maxDurationTimer != nil {
		s.maxDurationTimer.Stop()
		s.maxDurationTimer = nil
	}
}
