// Package pipeline wires one phone call end to end: telephony media frames
// in, turn-taking state machine, speech-to-text into the LLM, and
// sentence-chunked synthesis back out.
//
// Each call owns one Pipeline. The turn state lives on the call session and
// is mutated under its lock; all outbound audio is serialized through a
// per-call task queue so playback order always matches production order.
package pipeline

import (
	"context"
	"encoding/base64"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voiceloop-ai/voiceloop/internal/backend"
	"github.com/voiceloop-ai/voiceloop/internal/call"
	"github.com/voiceloop-ai/voiceloop/internal/observe"
	"github.com/voiceloop-ai/voiceloop/internal/summary"
	"github.com/voiceloop-ai/voiceloop/internal/telephony"
	"github.com/voiceloop-ai/voiceloop/internal/tools"
	"github.com/voiceloop-ai/voiceloop/pkg/audio"
	"github.com/voiceloop-ai/voiceloop/pkg/inference"
	"github.com/voiceloop-ai/voiceloop/pkg/realtime"
)

const (
	// batchFrames is the number of 20 ms frames per VAD batch (200 ms).
	batchFrames = 10

	// batchMS is the duration one VAD batch represents.
	batchMS = 200

	// maxSpeechDuration caps a single user turn.
	maxSpeechDuration = 20 * time.Second

	// minSpeechDuration filters coughs and clicks.
	minSpeechDuration = 200 * time.Millisecond

	// interruptThreshold is the number of confirmed speech_start batches
	// required to interrupt the AI.
	interruptThreshold = 1

	// fastInterruptProbability triggers the probability-based interrupt
	// bypass while the AI is speaking.
	fastInterruptProbability = 0.6

	// fastInterruptThreshold is the number of consecutive high-probability
	// batches before the fast path fires.
	fastInterruptThreshold = 1

	// turnSilenceLimitMS forces transcription when a held turn accumulates
	// this much silence. An accumulator, not a timer: every reflexive
	// "hello?" would restart a timer and stall the caller for half a minute.
	turnSilenceLimitMS = 3000

	// speechEndMark names the mark event emitted after each synthesis; the
	// provider echoes it once all preceding audio has played.
	speechEndMark = "ai_speech_end"

	// playbackWait bounds how long a transfer waits for the pre-transfer
	// message to finish playing.
	playbackWait = 30 * time.Second
)

// defaultFillerPhrases mask tool-call latency when the assistant has none
// configured.
var defaultFillerPhrases = []string{"One moment.", "Let me check that."}

// GPU is the subset of the inference client the pipeline uses.
type GPU interface {
	DetectVoice(ctx context.Context, audioB64, sessionID string) (*inference.VADResult, error)
	CheckTurn(ctx context.Context, audioB64 string) (*inference.TurnResult, error)
	Transcribe(ctx context.Context, audioB64, language string) (*inference.Transcription, error)
	SynthesizeStream(ctx context.Context, text, language, voice string) (<-chan []byte, error)
	ResetVAD(ctx context.Context, sessionID string) error
}

// LLM is the subset of the realtime session the pipeline uses.
type LLM interface {
	SendUserMessage(text string) error
	SendFunctionResult(callID, output string) error
	InjectContext(role, text string) error
	DeleteItem(itemID string) error
	CancelResponse() error
	Close() error
}

// LLMConnector opens the realtime session. Injected so tests can supply a
// fake without a WebSocket server.
type LLMConnector func(ctx context.Context, cfg realtime.Config, h realtime.Handlers) (LLM, error)

// MediaStream is the telephony audio socket. *telephony.MediaConn satisfies
// it.
type MediaStream interface {
	ReadEvent(ctx context.Context) (*telephony.Event, error)
	SendMedia(ctx context.Context, streamSID string, frame []byte) error
	SendMark(ctx context.Context, streamSID, name string) error
	SendClear(ctx context.Context, streamSID string) error
	Close() error
}

// CallControl is the telephony REST surface used for transfers and hangups.
type CallControl interface {
	UpdateTwiML(ctx context.Context, callSID, twiml string) error
	UpdateURL(ctx context.Context, callSID, webhookURL string) error
	Hangup(ctx context.Context, callSID string) error
}

// Backend is the subset of the configuration-service client the pipeline
// uses at runtime.
type Backend interface {
	Complete(ctx context.Context, payload backend.CompletionPayload) error
	TransferAgentURL(ctx context.Context, callSID, agentID string) (string, error)
}

// Config carries the per-process LLM settings and the resolved call timers.
type Config struct {
	OpenAIKey   string
	Model       string
	LLMBaseURL  string // override for tests
	Temperature float64
	MaxTokens   int

	SilenceTimeout time.Duration
	MaxDuration    time.Duration
}

// Deps are the pipeline's collaborators.
type Deps struct {
	GPU        GPU
	ConnectLLM LLMConnector
	Control    CallControl
	Backend    Backend
	Registry   *call.Registry
	Summarizer summary.Summarizer
	Metrics    *observe.Metrics
	Logger     *slog.Logger
}

// Pipeline orchestrates one call.
type Pipeline struct {
	sess *call.Session
	cfg  Config
	deps Deps

	ctx    context.Context
	cancel context.CancelFunc

	media MediaStream
	queue *taskQueue
	tools *tools.Engine

	// llmMu guards llm, which is nil until the realtime socket opens.
	llmMu sync.Mutex
	llm   LLM

	// mu guards the pre-ready media FIFO and the TTS token buffer.
	mu           sync.Mutex
	ready        bool
	pendingMedia []string
	tokenBuf     string
	llmTurnStart time.Time

	// playback is signalled on every echoed speech-end mark.
	playback chan struct{}

	logger *slog.Logger
}

// New builds the pipeline for one session. Run must be called exactly once.
func New(sess *call.Session, cfg Config, deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	p := &Pipeline{
		sess:     sess,
		cfg:      cfg,
		deps:     deps,
		playback: make(chan struct{}, 1),
		logger:   deps.Logger.With("call_sid", sess.CallSID),
	}
	p.tools = tools.NewEngine(sess, p.handleAction, p.logger)
	return p
}

// Run drives the call until the media socket closes or the call is ended.
// It blocks for the lifetime of the call; cleanup has run by the time it
// returns.
func (p *Pipeline) Run(ctx context.Context, media MediaStream) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.media = media
	p.queue = newTaskQueue(p.ctx)
	p.sess.MarkActive()

	p.deps.Metrics.CallsStarted.Add(p.ctx, 1)
	p.deps.Metrics.ActiveCalls.Add(p.ctx, 1)

	p.armSilenceTimer()
	if p.cfg.MaxDuration > 0 {
		p.sess.StartMaxDurationTimer(p.cfg.MaxDuration, func() {
			p.endCall("max_duration_reached")
		})
	}

	// The start event can arrive before the LLM socket finishes opening, so
	// the media loop starts immediately and frames queue until ready.
	go p.connectLLM()

	for {
		evt, err := media.ReadEvent(p.ctx)
		if err != nil {
			if p.sess.Status() == call.StatusActive {
				p.logger.Info("media socket closed", "error", err)
			}
			p.cleanup("ws_closed")
			return
		}
		switch evt.Event {
		case "start":
			p.sess.SetStreamSID(evt.Start.StreamSID)
		case "media":
			p.handleMedia(evt.Media.Payload)
		case "mark":
			if evt.Mark.Name == speechEndMark {
				p.finishPlayback()
			}
		case "stop":
			p.cleanup("ws_closed")
			return
		}
	}
}

// Shutdown ends the call from outside the media loop (status callback,
// process shutdown).
func (p *Pipeline) Shutdown(reason string) {
	p.cleanup(reason)
}

// ── LLM session ───────────────────────────────────────────────────────────────

func (p *Pipeline) connectLLM() {
	cfg := p.sess.Config
	rtCfg := realtime.Config{
		APIKey:       p.cfg.OpenAIKey,
		Model:        p.cfg.Model,
		BaseURL:      p.cfg.LLMBaseURL,
		Instructions: cfg.SystemPrompt,
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
		Tools:        tools.Descriptors(cfg),
	}
	h := realtime.Handlers{
		OnTextDelta:    p.onTextDelta,
		OnTextDone:     p.onTextDone,
		OnFunctionCall: p.onFunctionCall,
		OnItemCreated:  p.onItemCreated,
		OnError: func(err error) {
			p.logger.Warn("llm error", "error", err)
			p.deps.Metrics.RecordProviderError(p.ctx, "llm", "event")
		},
		OnClosed: func(err error) {
			// No mid-call reconnect: the conversation context is lost with
			// the socket. The call ends via the silence hangup or the
			// provider closing the audio path.
			if err != nil && p.sess.Status() == call.StatusActive {
				p.logger.Error("llm socket closed mid-call", "error", err)
				p.deps.Metrics.RecordProviderError(p.ctx, "llm", "closed")
			}
		},
	}

	llm, err := p.deps.ConnectLLM(p.ctx, rtCfg, h)
	if err != nil {
		p.logger.Error("llm connect failed", "error", err)
		p.deps.Metrics.RecordProviderError(p.ctx, "llm", "connect")
		p.endCall("llm_connect_failed")
		return
	}
	p.llmMu.Lock()
	p.llm = llm
	p.llmMu.Unlock()

	if first := p.sess.Config.FirstMessage; first != "" {
		p.sess.AppendTranscript("assistant", first)
		p.enqueueSpeak(first)
	}
	// Queued media drains only after the greeting has finished synthesizing;
	// pushing the drain behind it on the serial queue guarantees the order.
	p.queue.Push(func(context.Context) {
		p.drainPendingMedia()
	})
}

func (p *Pipeline) currentLLM() LLM {
	p.llmMu.Lock()
	defer p.llmMu.Unlock()
	return p.llm
}

// ── Incoming audio ────────────────────────────────────────────────────────────

func (p *Pipeline) handleMedia(payloadB64 string) {
	p.mu.Lock()
	if !p.ready {
		p.pendingMedia = append(p.pendingMedia, payloadB64)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.processFrame(payloadB64)
}

func (p *Pipeline) drainPendingMedia() {
	p.mu.Lock()
	pending := p.pendingMedia
	p.pendingMedia = nil
	p.ready = true
	p.mu.Unlock()
	for _, payload := range pending {
		p.processFrame(payload)
	}
}

// processFrame decodes one 20 ms μ-law frame to PCM16 at 16 kHz and folds it
// into the current VAD batch.
func (p *Pipeline) processFrame(payloadB64 string) {
	ulaw, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return
	}
	pcm := audio.DecodeULaw(ulaw)

	s := p.sess
	s.Lock()
	s.FrameAccumulator = append(s.FrameAccumulator, pcm...)
	s.FrameCount++
	if s.FrameCount < batchFrames {
		s.Unlock()
		return
	}
	batch := make([]byte, len(s.FrameAccumulator))
	copy(batch, s.FrameAccumulator)
	s.FrameAccumulator = s.FrameAccumulator[:0]
	s.FrameCount = 0
	s.Unlock()

	p.processBatch(batch)
}

// processBatch applies the silence-drop rule and the single-VAD-in-flight
// guard, then issues the VAD request.
func (p *Pipeline) processBatch(batch []byte) {
	s := p.sess
	s.Lock()
	// Capture the predecessors now: the VAD reply arrives asynchronously, by
	// which time the live ring may already hold newer audio.
	pre := s.PreRoll.Snapshot()
	s.PreRoll.Push(batch)

	// Silence batches during active speech must still reach the server-side
	// VAD so its stop-frame counter can advance; dropping them makes the
	// speech buffer grow until the max-speech cutoff.
	if audio.IsSilence(batch) && !s.UserSpeaking && !s.AwaitingTurnConfirm {
		s.Unlock()
		return
	}

	if s.VADInFlight {
		if s.UserSpeaking {
			s.SpeechBuffer = append(s.SpeechBuffer, batch...)
		}
		s.Unlock()
		return
	}
	s.VADInFlight = true
	s.Unlock()

	go func() {
		started := time.Now()
		res, err := p.deps.GPU.DetectVoice(p.ctx, audio.PCMToWAVBase64(batch, 16000), s.SessionID)
		p.deps.Metrics.RecordStage(p.ctx, p.deps.Metrics.VADDuration, time.Since(started).Seconds())

		s.Lock()
		s.VADInFlight = false
		s.Unlock()
		if err != nil {
			p.logger.Warn("vad request failed", "error", err)
			p.deps.Metrics.RecordProviderError(p.ctx, "gpu", "vad")
			return
		}
		p.onVADResult(batch, pre, res)
	}()
}

// ── VAD state machine ─────────────────────────────────────────────────────────

func (p *Pipeline) onVADResult(batch []byte, pre [][]byte, res *inference.VADResult) {
	s := p.sess

	var (
		restartSilence bool
		clearSilence   bool
		turnAudio      []byte // confirmed turn → parallel turn-check + STT
		continuation   bool
		forceAudio     []byte // max-speech or silence fallback → direct STT
	)

	s.Lock()

	// Fast-interrupt path runs before the state machine so a confident
	// barge-in cuts the AI off within one batch. Processing continues below
	// so the user's audio is still captured.
	if s.AISpeaking && res.Probability >= fastInterruptProbability {
		s.FastInterruptHits++
		if s.FastInterruptHits >= fastInterruptThreshold {
			s.FastInterruptHits = 0
			p.interruptLocked()
		}
	} else {
		s.FastInterruptHits = 0
	}

	switch res.Event {
	case inference.VADSpeechStart:
		switch {
		case s.AwaitingTurnConfirm:
			// Continuation of the held turn: the buffer keeps the prior
			// audio, only the silence accumulator resets.
			s.TurnSilenceMS = 0
			s.UserSpeaking = true
			clearSilence = true
			s.SpeechBuffer = append(s.SpeechBuffer, batch...)
		case !s.UserSpeaking:
			s.TurnStartedAt = time.Now()
			s.UserSpeaking = true
			s.SpeechStartedDuringAI = s.AISpeaking
			clearSilence = true
			// Prepend the batches that preceded this one when it was captured
			// so the onset of short words is not clipped, then the batch
			// itself.
			s.PreRoll.Clear()
			for _, b := range pre {
				s.SpeechBuffer = append(s.SpeechBuffer, b...)
			}
			s.SpeechBuffer = append(s.SpeechBuffer, batch...)
		default:
			s.SpeechBuffer = append(s.SpeechBuffer, batch...)
		}

		s.SpeechStartCount++
		if s.SpeechStartCount >= interruptThreshold && s.AISpeaking {
			s.SpeechStartedDuringAI = false
			p.interruptLocked()
		}

		if !s.AwaitingTurnConfirm && !s.TurnStartedAt.IsZero() &&
			time.Since(s.TurnStartedAt) > maxSpeechDuration {
			forceAudio = s.SpeechBuffer
			s.SpeechBuffer = make([]byte, 0, 256*1024)
			s.UserSpeaking = false
			s.SpeechStartCount = 0
			s.TurnStartedAt = time.Time{}
		}

	case inference.VADSilence:
		if !s.AwaitingTurnConfirm {
			s.SpeechStartCount = 0
		} else {
			s.TurnSilenceMS += batchMS
			if s.TurnSilenceMS >= turnSilenceLimitMS {
				s.AwaitingTurnConfirm = false
				s.TurnSilenceMS = 0
				forceAudio = s.SpeechBuffer
				s.SpeechBuffer = make([]byte, 0, 256*1024)
				restartSilence = true
			}
		}

	case inference.VADSpeechEnd:
		continuation = s.AwaitingTurnConfirm
		turnDur := time.Since(s.TurnStartedAt)
		buf := s.SpeechBuffer
		s.SpeechBuffer = make([]byte, 0, 256*1024)
		s.UserSpeaking = false
		count := s.SpeechStartCount
		s.SpeechStartCount = 0
		s.TurnStartedAt = time.Time{}

		switch {
		case !continuation && turnDur < minSpeechDuration:
			// Cough or click.
			restartSilence = true
		case !continuation && s.SpeechStartedDuringAI && count < interruptThreshold:
			// AI echo picked up by the microphone path; never transcribe it.
			s.SpeechStartedDuringAI = false
			restartSilence = true
		case len(buf) == 0:
			s.AwaitingTurnConfirm = false
			restartSilence = true
		default:
			turnAudio = buf
		}
	}

	s.Unlock()

	if clearSilence {
		s.ClearSilenceTimer()
	}
	if restartSilence {
		p.armSilenceTimer()
	}
	if forceAudio != nil {
		go p.forceTranscribe(forceAudio)
	}
	if turnAudio != nil {
		go p.finishTurn(turnAudio, continuation)
	}
}

// finishTurn runs the smart-turn check and STT concurrently on the captured
// utterance. A complete turn costs zero extra latency; an incomplete one
// wastes a single STT call and holds the buffer.
func (p *Pipeline) finishTurn(buf []byte, continuation bool) {
	wav := audio.PCMToWAVBase64(buf, 16000)

	var (
		turnRes *inference.TurnResult
		turnErr error
		sttRes  *inference.Transcription
		sttErr  error
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		started := time.Now()
		turnRes, turnErr = p.deps.GPU.CheckTurn(p.ctx, wav)
		p.deps.Metrics.RecordStage(p.ctx, p.deps.Metrics.TurnDuration, time.Since(started).Seconds())
		return nil
	})
	g.Go(func() error {
		started := time.Now()
		sttRes, sttErr = p.deps.GPU.Transcribe(p.ctx, wav, p.sess.Language())
		p.deps.Metrics.RecordStage(p.ctx, p.deps.Metrics.STTDuration, time.Since(started).Seconds())
		return nil
	})
	g.Wait()

	// Smart-turn failure counts as complete: stalling the caller is worse
	// than answering a heartbeat early.
	complete := true
	if turnErr != nil {
		p.logger.Warn("turn check failed", "error", turnErr)
		p.deps.Metrics.RecordProviderError(p.ctx, "gpu", "turn")
	} else {
		complete = turnRes.Complete
	}

	s := p.sess
	if !complete {
		s.Lock()
		// Hold the turn: the audio goes back in front of anything captured
		// since, and the STT result is discarded.
		s.SpeechBuffer = append(buf, s.SpeechBuffer...)
		s.AwaitingTurnConfirm = true
		s.TurnSilenceMS = 0
		s.Unlock()
		return
	}

	s.Lock()
	s.AwaitingTurnConfirm = false
	s.Unlock()

	text := ""
	if sttErr != nil {
		p.logger.Warn("transcription failed, retrying", "error", sttErr)
		p.deps.Metrics.RecordProviderError(p.ctx, "gpu", "stt")
		if retry, err := p.deps.GPU.Transcribe(p.ctx, wav, p.sess.Language()); err == nil {
			text = retry.Text
		} else {
			p.logger.Warn("transcription retry failed, dropping turn", "error", err)
		}
	} else {
		text = sttRes.Text
	}

	p.dispatchUserText(text)
	p.armSilenceTimer()
}

// forceTranscribe skips the smart-turn check: used for the 20 s max-speech
// cutoff and the held-turn silence fallback.
func (p *Pipeline) forceTranscribe(buf []byte) {
	if len(buf) == 0 {
		return
	}
	wav := audio.PCMToWAVBase64(buf, 16000)
	started := time.Now()
	res, err := p.deps.GPU.Transcribe(p.ctx, wav, p.sess.Language())
	p.deps.Metrics.RecordStage(p.ctx, p.deps.Metrics.STTDuration, time.Since(started).Seconds())
	if err != nil {
		p.logger.Warn("forced transcription failed", "error", err)
		p.deps.Metrics.RecordProviderError(p.ctx, "gpu", "stt")
		return
	}
	p.dispatchUserText(res.Text)
}

func (p *Pipeline) dispatchUserText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	llm := p.currentLLM()
	if llm == nil {
		return
	}
	p.sess.AppendTranscript("user", text)
	p.mu.Lock()
	p.llmTurnStart = time.Now()
	p.mu.Unlock()
	if err := llm.SendUserMessage(text); err != nil {
		p.logger.Error("send user message failed", "error", err)
		p.deps.Metrics.RecordProviderError(p.ctx, "llm", "send")
	}
}

// ── LLM output ────────────────────────────────────────────────────────────────

func (p *Pipeline) onTextDelta(delta string) {
	p.mu.Lock()
	p.tokenBuf += delta
	var sentences []string
	for {
		sentence, rest, ok := nextSentence(p.tokenBuf)
		if !ok {
			break
		}
		p.tokenBuf = rest
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
	}
	p.mu.Unlock()

	for _, s := range sentences {
		p.enqueueSpeak(s)
	}
}

func (p *Pipeline) onTextDone(text string) {
	p.mu.Lock()
	remainder := strings.TrimSpace(p.tokenBuf)
	p.tokenBuf = ""
	turnStart := p.llmTurnStart
	p.llmTurnStart = time.Time{}
	p.mu.Unlock()

	if remainder != "" {
		p.enqueueSpeak(remainder)
	}
	if text != "" {
		p.sess.AppendTranscript("assistant", text)
	}
	if !turnStart.IsZero() {
		p.deps.Metrics.RecordStage(p.ctx, p.deps.Metrics.LLMResponseDuration, time.Since(turnStart).Seconds())
	}
	p.maybeSummarize()
}

func (p *Pipeline) onFunctionCall(fc realtime.FunctionCall) {
	cfg := p.sess.Config
	if cfg.EnableFillerPhrases {
		p.sess.Lock()
		speaking := p.sess.AISpeaking
		p.sess.Unlock()
		if !speaking {
			phrases := cfg.FillerPhrases
			if len(phrases) == 0 {
				phrases = defaultFillerPhrases
			}
			p.enqueueSpeak(phrases[rand.Intn(len(phrases))])
		}
	}

	result := p.tools.Dispatch(p.ctx, fc.Name, fc.Arguments)
	status := "ok"
	if strings.Contains(result, `"success":false`) {
		status = "error"
	}
	p.deps.Metrics.RecordToolCall(p.ctx, fc.Name, status)

	llm := p.currentLLM()
	if llm == nil {
		return
	}
	if err := llm.SendFunctionResult(fc.CallID, result); err != nil {
		p.logger.Error("send function result failed", "tool", fc.Name, "error", err)
	}
}

func (p *Pipeline) onItemCreated(itemID, role string) {
	p.sess.TrackItem(itemID)
}

// ── Synthesis and framing ─────────────────────────────────────────────────────

func (p *Pipeline) enqueueSpeak(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	p.queue.Push(func(ctx context.Context) {
		p.speak(ctx, text)
	})
}

// speak synthesizes one sentence and frames it onto the telephony socket.
// Partial audio on a stream stall is acceptable; the mark still goes out so
// playback state recovers.
func (p *Pipeline) speak(ctx context.Context, text string) {
	if p.sess.Status() != call.StatusActive {
		return
	}

	p.sess.ClearSilenceTimer()
	p.sess.Lock()
	p.sess.AISpeaking = true
	p.sess.Unlock()

	started := time.Now()
	stream, err := p.deps.GPU.SynthesizeStream(ctx, text, p.sess.Language(), p.sess.Voice())
	if err != nil {
		p.logger.Warn("tts connect failed", "error", err)
		p.deps.Metrics.RecordProviderError(p.ctx, "gpu", "tts")
		p.sess.Lock()
		p.sess.AISpeaking = false
		p.sess.Unlock()
		p.armSilenceTimer()
		return
	}

	streamSID := p.sess.StreamSID()
	var f frameEmitter
	for chunk := range stream {
		for _, frame := range f.Push(chunk) {
			if err := p.media.SendMedia(ctx, streamSID, frame); err != nil {
				p.logger.Warn("media send failed", "error", err)
				return
			}
		}
	}
	if rest := f.Flush(); rest != nil {
		if err := p.media.SendMedia(ctx, streamSID, rest); err != nil {
			p.logger.Warn("media send failed", "error", err)
			return
		}
	}
	if err := p.media.SendMark(ctx, streamSID, speechEndMark); err != nil {
		p.logger.Warn("mark send failed", "error", err)
	}
	p.deps.Metrics.RecordStage(p.ctx, p.deps.Metrics.TTSDuration, time.Since(started).Seconds())
}

// finishPlayback handles the provider echoing the speech-end mark: all
// synthesized audio has reached the caller's ear.
func (p *Pipeline) finishPlayback() {
	p.sess.Lock()
	p.sess.AISpeaking = false
	p.sess.Unlock()
	p.armSilenceTimer()
	select {
	case p.playback <- struct{}{}:
	default:
	}
}

// waitForPlayback blocks until the next speech-end mark echo (or timeout).
func (p *Pipeline) waitForPlayback(ctx context.Context) {
	select {
	case <-p.playback:
	case <-ctx.Done():
	case <-time.After(playbackWait):
	}
}

// ── Interrupt ─────────────────────────────────────────────────────────────────

// interruptLocked must be called with the session lock held. It clears
// playback state inline and pushes the socket-level work onto a goroutine.
func (p *Pipeline) interruptLocked() {
	p.sess.AISpeaking = false
	p.sess.PreRoll.Clear()
	p.queue.Reset()

	p.mu.Lock()
	p.tokenBuf = ""
	p.mu.Unlock()

	p.deps.Metrics.Interrupts.Add(p.ctx, 1)
	p.logger.Debug("interrupt")

	go func() {
		if llm := p.currentLLM(); llm != nil {
			if err := llm.CancelResponse(); err != nil {
				p.logger.Warn("cancel response failed", "error", err)
			}
		}
		if err := p.media.SendClear(p.ctx, p.sess.StreamSID()); err != nil {
			p.logger.Warn("clear send failed", "error", err)
		}
	}()
}

// ── Tool actions ──────────────────────────────────────────────────────────────

func (p *Pipeline) handleAction(a tools.Action) {
	switch act := a.(type) {
	case tools.EndCall:
		// Let the LLM's closing sentence play out before hanging up.
		p.queue.Push(func(ctx context.Context) {
			p.endCall(act.Reason)
		})
	case tools.TransferNumber:
		p.queue.Push(func(ctx context.Context) {
			p.transferToNumber(ctx, act.Rule)
		})
	case tools.TransferAgent:
		p.queue.Push(func(ctx context.Context) {
			p.transferToAgent(ctx, act.Agent)
		})
	case tools.SwitchLanguage:
		p.logger.Info("language switched", "language", act.Language, "voice", act.Voice)
	case tools.VoicemailReached:
		p.sess.SetEndReason("voicemail")
		if msg := p.sess.Config.VoicemailMessage; msg != "" {
			p.enqueueSpeak(msg)
		}
	}
}

func (p *Pipeline) transferToNumber(ctx context.Context, rule backend.TransferRule) {
	if rule.EnableClientMessage && rule.TransferMessage != "" {
		p.speak(ctx, rule.TransferMessage)
		p.waitForPlayback(ctx)
	}
	if p.deps.Control == nil {
		p.logger.Error("transfer requested without telephony credentials")
		return
	}
	twiml := telephony.DialTwiML(rule.PhoneNumber, rule.TransferType)
	if err := p.deps.Control.UpdateTwiML(ctx, p.sess.CallSID, twiml); err != nil {
		p.logger.Error("transfer update failed", "error", err)
		p.deps.Metrics.RecordProviderError(p.ctx, "twilio", "update")
		return
	}
	p.cleanup("transferred")
}

func (p *Pipeline) transferToAgent(ctx context.Context, agent backend.TransferAgent) {
	if agent.TransferMessage != "" {
		p.speak(ctx, agent.TransferMessage)
		p.waitForPlayback(ctx)
	}
	if agent.DelaySeconds > 0 {
		select {
		case <-time.After(time.Duration(agent.DelaySeconds) * time.Second):
		case <-ctx.Done():
			return
		}
	}
	webhookURL, err := p.deps.Backend.TransferAgentURL(ctx, p.sess.CallSID, agent.AgentID)
	if err != nil {
		p.logger.Error("transfer agent lookup failed", "agent_id", agent.AgentID, "error", err)
		return
	}
	if p.deps.Control == nil {
		p.logger.Error("transfer requested without telephony credentials")
		return
	}
	if err := p.deps.Control.UpdateURL(ctx, p.sess.CallSID, webhookURL); err != nil {
		p.logger.Error("transfer update failed", "error", err)
		p.deps.Metrics.RecordProviderError(p.ctx, "twilio", "update")
		return
	}
	p.cleanup("transferred")
}

// ── Summarization ─────────────────────────────────────────────────────────────

// summaryWordLimit triggers context compaction.
const summaryWordLimit = 1500

func (p *Pipeline) maybeSummarize() {
	if !p.sess.Config.ContextSummarization || p.deps.Summarizer == nil {
		return
	}
	transcript := p.sess.Transcript()
	turns := make([]summary.Turn, len(transcript))
	for i, e := range transcript {
		turns[i] = summary.Turn{Role: e.Role, Text: e.Message}
	}
	if summary.WordCount(turns) <= summaryWordLimit {
		return
	}

	p.sess.Lock()
	if p.sess.Summarizing {
		p.sess.Unlock()
		return
	}
	p.sess.Summarizing = true
	p.sess.Unlock()

	go func() {
		defer func() {
			p.sess.Lock()
			p.sess.Summarizing = false
			p.sess.Unlock()
		}()

		text, err := p.deps.Summarizer.Summarize(p.ctx, turns)
		if err != nil {
			p.logger.Warn("summarization failed", "error", err)
			return
		}
		llm := p.currentLLM()
		if llm == nil {
			return
		}
		if err := llm.InjectContext("system", "Summary of the conversation so far: "+text); err != nil {
			p.logger.Warn("summary inject failed", "error", err)
			return
		}
		for _, id := range p.sess.DrainTrackedItems() {
			if err := llm.DeleteItem(id); err != nil {
				p.logger.Warn("item delete failed", "item_id", id, "error", err)
			}
		}
		p.sess.ResetTranscript()
		p.logger.Info("context summarized", "words_before", summary.WordCount(turns))
	}()
}

// ── Teardown ──────────────────────────────────────────────────────────────────

func (p *Pipeline) armSilenceTimer() {
	if p.cfg.SilenceTimeout <= 0 {
		return
	}
	p.sess.RestartSilenceTimer(p.cfg.SilenceTimeout, func() {
		p.endCall("silence_timeout")
	})
}

// endCall hangs up via the telephony REST API and funnels into cleanup.
// Idempotent through the session status transition.
func (p *Pipeline) endCall(reason string) {
	if !p.sess.BeginEnding(reason) {
		return
	}
	p.logger.Info("ending call", "reason", reason)
	if p.deps.Control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.deps.Control.Hangup(ctx, p.sess.CallSID); err != nil {
			p.logger.Warn("hangup failed", "error", err)
		}
		cancel()
	}
	p.cleanup(reason)
}

// cleanup is the single idempotent teardown funnel every terminal path
// converges on.
func (p *Pipeline) cleanup(reason string) {
	p.sess.SetEndReason(reason)
	if !p.sess.MarkEnded() {
		return
	}
	reason = p.sess.EndReason()

	p.sess.ClearTimers()
	if p.queue != nil {
		p.queue.Close()
	}
	if llm := p.currentLLM(); llm != nil {
		if err := llm.Close(); err != nil {
			p.logger.Debug("llm close", "error", err)
		}
	}

	// Detached context: the call context is about to be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.deps.GPU.ResetVAD(ctx, p.sess.SessionID); err != nil {
		p.logger.Debug("vad reset failed", "error", err)
	}

	payload := backend.CompletionPayload{
		CallSID:          p.sess.CallSID,
		AssistantID:      p.sess.AssistantID,
		OrganizationID:   p.sess.OrganizationID,
		Status:           "done",
		EndReason:        reason,
		DurationSeconds:  time.Since(p.sess.StartedAt).Seconds(),
		Transcript:       p.sess.Transcript(),
		DynamicVariables: p.sess.Variables(),
	}
	if err := p.deps.Backend.Complete(ctx, payload); err != nil {
		p.logger.Error("completion report failed", "error", err)
	}

	p.deps.Registry.Remove(p.sess.CallSID)
	p.deps.Metrics.ActiveCalls.Add(ctx, -1)
	p.deps.Metrics.RecordCallEnded(ctx, reason)
	p.logger.Info("call ended", "reason", reason,
		"duration_s", int(time.Since(p.sess.StartedAt).Seconds()))
	if p.cancel != nil {
		p.cancel()
	}
}
