package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voiceloop-ai/voiceloop/internal/backend"
	"github.com/voiceloop-ai/voiceloop/internal/call"
	"github.com/voiceloop-ai/voiceloop/internal/observe"
	"github.com/voiceloop-ai/voiceloop/internal/summary"
	"github.com/voiceloop-ai/voiceloop/internal/telephony"
	"github.com/voiceloop-ai/voiceloop/pkg/inference"
	"github.com/voiceloop-ai/voiceloop/pkg/realtime"
)

// pendingCall holds what the incoming webhook learned about a call until its
// media stream connects. The assistant configuration itself is fetched when
// the stream opens.
type pendingCall struct {
	from string
	to   string
	inc  *backend.IncomingCall
}

// OrchestratorConfig is the process-wide pipeline configuration.
type OrchestratorConfig struct {
	OpenAIKey   string
	Model       string
	LLMBaseURL  string // override for tests
	Temperature float64
	MaxTokens   int

	// Fallbacks when the assistant configuration does not set its own
	// timeouts.
	DefaultSilenceTimeout time.Duration
	DefaultMaxDuration    time.Duration
}

// Orchestrator owns the process-global collaborators and fans out one
// Pipeline per call.
type Orchestrator struct {
	cfg        OrchestratorConfig
	gpu        *inference.Client
	backend    *backend.Client
	registry   *call.Registry
	summarizer summary.Summarizer
	metrics    *observe.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	pending   map[string]pendingCall
	pipelines map[string]*Pipeline
}

// NewOrchestrator wires the shared dependencies.
func NewOrchestrator(cfg OrchestratorConfig, gpu *inference.Client, bc *backend.Client,
	registry *call.Registry, summarizer summary.Summarizer, metrics *observe.Metrics,
	logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		gpu:        gpu,
		backend:    bc,
		registry:   registry,
		summarizer: summarizer,
		metrics:    metrics,
		logger:     logger,
		pending:    make(map[string]pendingCall),
		pipelines:  make(map[string]*Pipeline),
	}
}

// OnIncoming stashes the webhook result so the stream handler can build the
// session with the assistant identity. Plug into
// telephony.WithIncomingCallback.
func (o *Orchestrator) OnIncoming(callSID, from, to string, inc *backend.IncomingCall) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[callSID] = pendingCall{from: from, to: to, inc: inc}
}

// OnStatus ends the pipeline for calls that terminate provider-side. Plug
// into telephony.WithStatusCallback.
func (o *Orchestrator) OnStatus(callSID, status string) {
	switch status {
	case "completed", "busy", "failed", "no-answer", "canceled":
	default:
		return
	}
	o.mu.Lock()
	p := o.pipelines[callSID]
	o.mu.Unlock()
	if p != nil {
		p.Shutdown("ws_closed")
	}
}

// ActiveCalls reports the number of live sessions, for the health endpoint.
func (o *Orchestrator) ActiveCalls() int {
	return o.registry.Len()
}

// HandleStream runs a full call over an accepted media WebSocket. It
// implements telephony.StreamHandler and blocks until the call ends.
func (o *Orchestrator) HandleStream(ctx context.Context, conn *telephony.MediaConn, callSID string) {
	defer conn.Close()

	o.mu.Lock()
	pend, ok := o.pending[callSID]
	delete(o.pending, callSID)
	o.mu.Unlock()
	if !ok {
		o.logger.Warn("media stream for unknown call", "call_sid", callSID)
		return
	}

	cfg, err := o.backend.FetchConfig(ctx, callSID)
	if err != nil {
		o.logger.Error("config fetch failed", "call_sid", callSID, "error", err)
		return
	}

	sess := call.New(callSID, pend.from, pend.to, pend.inc, cfg)
	o.registry.Add(sess)

	p := New(sess, o.pipelineConfig(cfg), Deps{
		GPU:        o.gpu,
		ConnectLLM: connectRealtime,
		Control:    o.callControl(cfg),
		Backend:    o.backend,
		Registry:   o.registry,
		Summarizer: o.summarizer,
		Metrics:    o.metrics,
		Logger:     o.logger,
	})

	o.mu.Lock()
	o.pipelines[callSID] = p
	o.mu.Unlock()

	p.Run(ctx, conn)

	o.mu.Lock()
	delete(o.pipelines, callSID)
	o.mu.Unlock()
}

// pipelineConfig resolves per-call timers: the assistant configuration wins,
// the environment-derived defaults fill the gaps.
func (o *Orchestrator) pipelineConfig(cfg *backend.AssistantConfig) Config {
	silence := o.cfg.DefaultSilenceTimeout
	if cfg.SilenceTimeoutSeconds > 0 {
		silence = time.Duration(cfg.SilenceTimeoutSeconds) * time.Second
	}
	maxDur := o.cfg.DefaultMaxDuration
	if cfg.MaxDurationSeconds > 0 {
		maxDur = time.Duration(cfg.MaxDurationSeconds) * time.Second
	}
	return Config{
		OpenAIKey:      o.cfg.OpenAIKey,
		Model:          o.cfg.Model,
		LLMBaseURL:     o.cfg.LLMBaseURL,
		Temperature:    o.cfg.Temperature,
		MaxTokens:      o.cfg.MaxTokens,
		SilenceTimeout: silence,
		MaxDuration:    maxDur,
	}
}

// callControl builds the per-account Twilio REST client. Constructed once per
// call and cached on the pipeline; transfers and hangups are skipped when no
// credentials are configured.
func (o *Orchestrator) callControl(cfg *backend.AssistantConfig) CallControl {
	if cfg.TwilioAccountSID == "" || cfg.TwilioAuthToken == "" {
		return nil
	}
	rc, err := telephony.NewRESTClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	if err != nil {
		o.logger.Error("twilio client init failed", "error", err)
		return nil
	}
	return rc
}

// connectRealtime adapts realtime.Connect to the LLMConnector signature.
func connectRealtime(ctx context.Context, cfg realtime.Config, h realtime.Handlers) (LLM, error) {
	sess, err := realtime.Connect(ctx, cfg, h)
	if err != nil {
		return nil, err
	}
	return sess, nil
}
