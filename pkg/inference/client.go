// Package inference provides the HTTP client for the GPU inference service:
// voice activity detection, end-of-turn classification, speech-to-text, and
// streaming text-to-speech.
//
// Every endpoint has its own timeout. A single shared timeout is unsafe
// here: VAD sits on the hot audio path and must fail within 2 s, while STT
// on a 20 s utterance legitimately takes an order of magnitude longer.
// The VAD, turn-check, and STT endpoints are additionally guarded by
// circuit breakers so a hard outage fails fast instead of burning the full
// timeout on every 200 ms batch.
//
// The client is process-global and stateless; it is safe for concurrent use
// by any number of call pipelines.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voiceloop-ai/voiceloop/internal/resilience"
)

// apiKeyHeader is the shared-secret header expected by the inference service.
const apiKeyHeader = "X-API-Key"

// Per-endpoint timeouts. VAD must fail fast; STT must accommodate a full
// 20 s utterance.
const (
	vadTimeout        = 2 * time.Second
	turnTimeout       = 5 * time.Second
	sttTimeout        = 20 * time.Second
	ttsConnectTimeout = 15 * time.Second
	ttsIdleTimeout    = 10 * time.Second
	resetTimeout      = 5 * time.Second
	healthTimeout     = 5 * time.Second
)

// ttsChunkSize is the read granularity of the TTS byte stream.
const ttsChunkSize = 4096

// VADEvent is the per-batch classification returned by the VAD endpoint.
type VADEvent string

const (
	VADSpeechStart VADEvent = "speech_start"
	VADSilence     VADEvent = "silence"
	VADSpeechEnd   VADEvent = "speech_end"
)

// VADResult is the response of POST /vad/detect.
type VADResult struct {
	Event       VADEvent `json:"event"`
	Probability float64  `json:"probability"`
}

// TurnResult is the response of POST /turn/check.
type TurnResult struct {
	Complete   bool    `json:"complete"`
	Confidence float64 `json:"confidence"`
}

// Transcription is the response of POST /stt/transcribe.
type Transcription struct {
	Text             string  `json:"text"`
	Language         string  `json:"language"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
}

// HealthStatus is the response of GET /health.
type HealthStatus struct {
	Status       string          `json:"status"`
	ModelsLoaded map[string]bool `json:"models_loaded,omitempty"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the base transport used for all endpoints.
// Primarily used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.base = hc }
}

// Client issues authenticated requests against the GPU inference service.
type Client struct {
	serverURL string
	apiKey    string
	base      *http.Client

	vadBreaker  *resilience.Breaker
	turnBreaker *resilience.Breaker
	sttBreaker  *resilience.Breaker
}

// New creates a Client for the inference service at serverURL.
func New(serverURL, apiKey string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("inference: serverURL must not be empty")
	}
	c := &Client{
		serverURL:   strings.TrimRight(serverURL, "/"),
		apiKey:      apiKey,
		base:        &http.Client{},
		vadBreaker:  resilience.NewBreaker(resilience.Config{Name: "gpu.vad", MaxFailures: 10, ResetTimeout: 10 * time.Second}),
		turnBreaker: resilience.NewBreaker(resilience.Config{Name: "gpu.turn"}),
		sttBreaker:  resilience.NewBreaker(resilience.Config{Name: "gpu.stt"}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// vadRequest is the JSON body of POST /vad/detect.
type vadRequest struct {
	Audio      string `json:"audio"`
	SampleRate int    `json:"sample_rate"`
	SessionID  string `json:"session_id"`
}

// DetectVoice classifies one 200 ms batch of audio. audioB64 is a
// base64-encoded 16 kHz WAV. The endpoint is session-stateful on the server
// side, keyed by sessionID.
func (c *Client) DetectVoice(ctx context.Context, audioB64, sessionID string) (*VADResult, error) {
	var out VADResult
	err := c.vadBreaker.Do(func() error {
		return c.postJSON(ctx, "/vad/detect", vadTimeout,
			vadRequest{Audio: audioB64, SampleRate: 16000, SessionID: sessionID}, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckTurn asks the smart-turn model whether the captured utterance is a
// complete turn or a mid-sentence pause.
func (c *Client) CheckTurn(ctx context.Context, audioB64 string) (*TurnResult, error) {
	var out TurnResult
	err := c.turnBreaker.Do(func() error {
		return c.postJSON(ctx, "/turn/check", turnTimeout,
			map[string]string{"audio": audioB64}, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// sttRequest is the JSON body of POST /stt/transcribe.
type sttRequest struct {
	Audio      string `json:"audio"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
}

// Transcribe converts a captured utterance to text.
func (c *Client) Transcribe(ctx context.Context, audioB64, language string) (*Transcription, error) {
	var out Transcription
	err := c.sttBreaker.Do(func() error {
		return c.postJSON(ctx, "/stt/transcribe", sttTimeout,
			sttRequest{Audio: audioB64, Language: language, SampleRate: 16000}, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ttsRequest is the JSON body of POST /tts/synthesize.
type ttsRequest struct {
	Text      string `json:"text"`
	Language  string `json:"language"`
	Voice     string `json:"voice,omitempty"`
	Streaming bool   `json:"streaming"`
}

// SynthesizeStream requests streaming synthesis of text and returns a
// channel of raw 8 kHz PCM16 chunks. The connect phase is bounded by a 15 s
// timeout; once streaming, a 10 s idle watchdog destroys a stalled stream.
// The channel is closed when the stream ends for any reason — a stalled or
// failed stream simply ends early, and partial audio is acceptable.
//
// The caller must drain the channel.
func (c *Client) SynthesizeStream(ctx context.Context, text, language, voice string) (<-chan []byte, error) {
	body, err := json.Marshal(ttsRequest{Text: text, Language: language, Voice: voice, Streaming: true})
	if err != nil {
		return nil, fmt.Errorf("inference: marshal tts request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.serverURL+"/tts/synthesize", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("inference: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	// A single watchdog covers both phases: it starts with the connect
	// timeout and is re-armed with the idle timeout on every chunk.
	// Firing cancels streamCtx, which aborts the in-flight read.
	watchdog := time.AfterFunc(ttsConnectTimeout, cancel)

	resp, err := c.base.Do(req)
	if err != nil {
		watchdog.Stop()
		cancel()
		return nil, fmt.Errorf("inference: POST /tts/synthesize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		watchdog.Stop()
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("inference: POST /tts/synthesize returned status %d", resp.StatusCode)
	}
	watchdog.Reset(ttsIdleTimeout)

	out := make(chan []byte, 64)

	go func() {
		defer close(out)
		defer resp.Body.Close()
		defer watchdog.Stop()
		defer cancel()

		for {
			buf := make([]byte, ttsChunkSize)
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				watchdog.Reset(ttsIdleTimeout)
				select {
				case out <- buf[:n]:
				case <-streamCtx.Done():
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	return out, nil
}

// ResetVAD clears the server-side VAD state for a session. Failures are
// never fatal to a call; the caller logs and continues.
func (c *Client) ResetVAD(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, resetTimeout)
	defer cancel()

	endpoint := c.serverURL + "/vad/reset?session_id=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("inference: create vad reset request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		return fmt.Errorf("inference: POST /vad/reset: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference: POST /vad/reset returned status %d", resp.StatusCode)
	}
	return nil
}

// Health reports the inference service's liveness and model-load status.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("inference: create health request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference: GET /health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference: GET /health returned status %d", resp.StatusCode)
	}

	var out HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("inference: decode health response: %w", err)
	}
	return &out, nil
}

// postJSON sends body as JSON to path with the given timeout and decodes
// the response into out.
func (c *Client) postJSON(ctx context.Context, path string, timeout time.Duration, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("inference: marshal %s request: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("inference: create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.base.Do(req)
	if err != nil {
		return fmt.Errorf("inference: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference: POST %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("inference: decode %s response: %w", path, err)
	}
	return nil
}
