// Package backend is the client for the internal configuration service. It
// reports incoming calls, fetches the per-call assistant configuration, and
// posts terminal completion payloads. All requests carry the shared-secret
// X-Internal-Secret header.
package backend

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
)

const secretHeader = "X-Internal-Secret"

const defaultTimeout = 10 * time.Second

// IncomingCall is the response of POST /calls/incoming. An empty AssistantID
// means no assistant is configured for the dialled number.
type IncomingCall struct {
	AssistantID     string `json:"assistant_id"`
	OrganizationID  string `json:"organization_id"`
	TwilioAuthToken string `json:"twilio_auth_token,omitempty"`
}

// TransferRule describes one phone number the assistant may transfer to.
type TransferRule struct {
	PhoneNumber         string `json:"phone_number"`
	Condition           string `json:"condition,omitempty"`
	TransferType        string `json:"transfer_type,omitempty"` // "conference" or "sip_refer"
	TransferMessage     string `json:"transfer_message,omitempty"`
	EnableClientMessage bool   `json:"enable_client_message,omitempty"`
}

// TransferAgent describes one agent the assistant may hand the call to.
type TransferAgent struct {
	AgentID          string `json:"agent_id"`
	Condition        string `json:"condition,omitempty"`
	DelaySeconds     int    `json:"delay_seconds,omitempty"`
	TransferMessage  string `json:"transfer_message,omitempty"`
	SkipFirstMessage bool   `json:"skip_first_message,omitempty"`
}

// ToolParam is a path parameter of a custom HTTP tool.
type ToolParam struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// QueryParam is a query parameter of a custom HTTP tool. When Value is set
// it is sent as a constant; otherwise the LLM supplies it.
type QueryParam struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// Assignment maps a dot-notation path in a tool's JSON response to a named
// variable stored on the call session.
type Assignment struct {
	Path     string `json:"path"`
	Variable string `json:"variable"`
}

// CustomTool is a generic HTTP tool descriptor.
type CustomTool struct {
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	PathParams     []ToolParam       `json:"path_params,omitempty"`
	QueryParams    []QueryParam      `json:"query_params,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Assignments    []Assignment      `json:"assignments,omitempty"`
}

// AssistantConfig is the full per-call configuration from
// GET /calls/{sid}/config.
type AssistantConfig struct {
	SystemPrompt     string            `json:"system_prompt"`
	FirstMessage     string            `json:"first_message"`
	VoicemailMessage string            `json:"voicemail_message,omitempty"`
	Language         string            `json:"language"`
	Voice            string            `json:"voice"`
	LanguageVoices   map[string]string `json:"language_voices,omitempty"`

	SilenceTimeoutSeconds int `json:"silence_timeout_seconds"`
	MaxDurationSeconds    int `json:"max_duration_seconds"`

	EnableEndCall            bool     `json:"enable_end_call"`
	EnableTransferToNumber   bool     `json:"enable_transfer_to_number"`
	EnableTransferToAgent    bool     `json:"enable_transfer_to_agent"`
	EnableCustomTools        bool     `json:"enable_custom_tools"`
	EnableLanguageDetection  bool     `json:"enable_language_detection"`
	EnableVoicemailDetection bool     `json:"enable_voicemail_detection"`
	EnableFillerPhrases      bool     `json:"enable_filler_phrases,omitempty"`
	FillerPhrases            []string `json:"filler_phrases,omitempty"`
	ContextSummarization     bool     `json:"context_summarization,omitempty"`

	TransferNumbers []TransferRule  `json:"transfer_numbers,omitempty"`
	TransferAgents  []TransferAgent `json:"transfer_agents,omitempty"`
	CustomTools     []CustomTool    `json:"custom_tools,omitempty"`

	TwilioAccountSID string `json:"twilio_account_sid"`
	TwilioAuthToken  string `json:"twilio_auth_token"`
}

// TranscriptEntry is one turn in the completion payload.
type TranscriptEntry struct {
	Role           string  `json:"role"`
	Message        string  `json:"message"`
	TimeInCallSecs float64 `json:"time_in_call_secs"`
}

// CompletionPayload is the terminal report for POST /calls/{sid}/complete.
type CompletionPayload struct {
	CallSID          string            `json:"call_sid"`
	AssistantID      string            `json:"assistant_id"`
	OrganizationID   string            `json:"organization_id"`
	Status           string            `json:"status"`
	EndReason        string            `json:"end_reason"`
	DurationSeconds  float64           `json:"duration_seconds"`
	Transcript       []TranscriptEntry `json:"transcript"`
	DynamicVariables map[string]string `json:"dynamic_variables"`
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying transport. Primarily used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client issues authenticated requests against the configuration service.
// It is process-global, stateless, and safe for concurrent use.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// New creates a Client for the configuration service at baseURL.
func New(baseURL, secret string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ReportIncoming announces a new call and resolves the assistant that should
// answer it.
func (c *Client) ReportIncoming(ctx context.Context, callSID, from, to string) (*IncomingCall, error) {
	body := map[string]string{"call_sid": callSID, "from": from, "to": to}
	var out IncomingCall
	if err := c.do(ctx, http.MethodPost, "/calls/incoming", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchConfig retrieves the full assistant configuration for a call.
func (c *Client) FetchConfig(ctx context.Context, callSID string) (*AssistantConfig, error) {
	var out AssistantConfig
	path := "/calls/" + url.PathEscape(callSID) + "/config"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete posts the terminal completion payload for a finished call.
func (c *Client) Complete(ctx context.Context, payload CompletionPayload) error {
	path := "/calls/" + url.PathEscape(payload.CallSID) + "/complete"
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// ReportStatus mirrors a telephony status callback to the service.
func (c *Client) ReportStatus(ctx context.Context, callSID, status string, durationSeconds int) error {
	body := map[string]any{"call_sid": callSID, "call_status": status}
	if durationSeconds > 0 {
		body["call_duration"] = durationSeconds
	}
	return c.do(ctx, http.MethodPost, "/calls/status", body, nil)
}

// TransferAgentURL resolves the webhook URL the call should be redirected to
// when transferring to another agent.
func (c *Client) TransferAgentURL(ctx context.Context, callSID, agentID string) (string, error) {
	var out struct {
		TwiMLURL string `json:"twiml_url"`
	}
	path := "/calls/" + url.PathEscape(callSID) + "/transfer-agent?agent_id=" + url.QueryEscape(agentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	if out.TwiMLURL == "" {
		return "", fmt.Errorf("backend: no twiml_url for agent %q", agentID)
	}
	return out.TwiMLURL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backend: marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("backend: create %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(secretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend: %s %s returned status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", path, err)
	}
	return nil
}
