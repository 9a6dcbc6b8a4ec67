// Package tools builds the per-call tool descriptors from the assistant
// configuration and dispatches tool calls from the LLM.
//
// Built-in tools (end_call, transfer_to_number, transfer_to_agent,
// switch_language, voicemail_reached) never perform I/O themselves: they emit
// typed actions the pipeline executes. Custom tools are generic HTTP requests
// whose responses can assign dot-path JSON values into session variables.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/voiceloop-ai/voiceloop/internal/backend"
	"github.com/voiceloop-ai/voiceloop/internal/call"
	"github.com/voiceloop-ai/voiceloop/pkg/realtime"
)

const defaultToolTimeout = 10 * time.Second

// Action is a session-level effect requested by a built-in tool. The pipeline
// switches on the concrete type.
type Action interface{ isAction() }

// EndCall requests call termination.
type EndCall struct {
	Reason string // "completed", "user_requested", or "no_response"
}

// TransferNumber requests a transfer to an external phone number. The full
// matched rule rides along so the pre-transfer message and transfer type
// survive to the pipeline.
type TransferNumber struct {
	Rule backend.TransferRule
}

// TransferAgent requests a hand-off to another assistant.
type TransferAgent struct {
	Agent backend.TransferAgent
}

// SwitchLanguage reports that the active language changed.
type SwitchLanguage struct {
	Language string
	Voice    string
}

// VoicemailReached reports that the assistant detected an answering machine.
type VoicemailReached struct{}

func (EndCall) isAction()          {}
func (TransferNumber) isAction()   {}
func (TransferAgent) isAction()    {}
func (SwitchLanguage) isAction()   {}
func (VoicemailReached) isAction() {}

// Engine dispatches tool calls for one session.
type Engine struct {
	session *call.Session
	http    *http.Client
	emit    func(Action)
	logger  *slog.Logger
}

// NewEngine creates an Engine bound to a session. emit receives the typed
// actions of built-in tools; it must not block.
func NewEngine(session *call.Session, emit func(Action), logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		session: session,
		http:    &http.Client{},
		emit:    emit,
		logger:  logger,
	}
}

// Descriptors builds the tool list offered to the LLM, gated per feature
// flag.
func Descriptors(cfg *backend.AssistantConfig) []realtime.Tool {
	var out []realtime.Tool

	if cfg.EnableEndCall {
		out = append(out, realtime.Tool{
			Name:        "end_call",
			Description: "End the phone call. Use when the conversation is finished or the caller asks to hang up.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type": "string",
						"enum": []string{"completed", "user_requested", "no_response"},
					},
				},
				"required": []string{"reason"},
			},
		})
	}

	if cfg.EnableTransferToNumber && len(cfg.TransferNumbers) > 0 {
		numbers := make([]string, len(cfg.TransferNumbers))
		for i, r := range cfg.TransferNumbers {
			numbers[i] = r.PhoneNumber
		}
		out = append(out, realtime.Tool{
			Name:        "transfer_to_number",
			Description: "Transfer the call to a human at one of the configured phone numbers.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"phone_number": map[string]any{"type": "string", "enum": numbers},
					"condition":    map[string]any{"type": "string"},
				},
				"required": []string{"phone_number"},
			},
		})
	}

	if cfg.EnableTransferToAgent && len(cfg.TransferAgents) > 0 {
		agents := make([]string, len(cfg.TransferAgents))
		for i, a := range cfg.TransferAgents {
			agents[i] = a.AgentID
		}
		out = append(out, realtime.Tool{
			Name:        "transfer_to_agent",
			Description: "Hand the call over to another assistant.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id":  map[string]any{"type": "string", "enum": agents},
					"condition": map[string]any{"type": "string"},
				},
				"required": []string{"agent_id"},
			},
		})
	}

	if cfg.EnableLanguageDetection {
		out = append(out, realtime.Tool{
			Name:        "switch_language",
			Description: "Switch the conversation to the language the caller is speaking.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"language": map[string]any{"type": "string", "description": "ISO 639-1 language code"},
				},
				"required": []string{"language"},
			},
		})
	}

	if cfg.EnableVoicemailDetection {
		out = append(out, realtime.Tool{
			Name:        "voicemail_reached",
			Description: "Report that an answering machine or voicemail greeting answered the call instead of a person.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		})
	}

	if cfg.EnableCustomTools {
		for _, ct := range cfg.CustomTools {
			out = append(out, customDescriptor(ct))
		}
	}

	return out
}

// customDescriptor exposes a custom HTTP tool's path parameters and
// LLM-provided query parameters as the function schema.
func customDescriptor(ct backend.CustomTool) realtime.Tool {
	props := map[string]any{}
	var required []string

	for _, p := range ct.PathParams {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		props[p.Name] = map[string]any{"type": typ, "description": p.Description}
		required = append(required, p.Name)
	}
	for _, q := range ct.QueryParams {
		if q.Value != "" {
			continue // constant, never exposed to the LLM
		}
		typ := q.Type
		if typ == "" {
			typ = "string"
		}
		props[q.Name] = map[string]any{"type": typ, "description": q.Description}
	}

	params := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		params["required"] = required
	}
	return realtime.Tool{Name: ct.Name, Description: ct.Description, Parameters: params}
}

// Dispatch runs one tool call and returns the JSON result for the LLM.
// Failures are reported in the result, never as an error that could kill the
// call.
func (e *Engine) Dispatch(ctx context.Context, name, argsJSON string) string {
	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return errResult(0, fmt.Sprintf("invalid arguments: %v", err))
		}
	}

	switch name {
	case "end_call":
		reason, _ := args["reason"].(string)
		if reason == "" {
			reason = "completed"
		}
		e.emit(EndCall{Reason: reason})
		return okResult(map[string]any{"message": "ending the call"})

	case "transfer_to_number":
		number, _ := args["phone_number"].(string)
		for _, rule := range e.session.Config.TransferNumbers {
			if rule.PhoneNumber == number {
				e.emit(TransferNumber{Rule: rule})
				return okResult(map[string]any{"message": "transferring the call"})
			}
		}
		return errResult(0, fmt.Sprintf("phone number %q is not in the transfer list", number))

	case "transfer_to_agent":
		agentID, _ := args["agent_id"].(string)
		for _, agent := range e.session.Config.TransferAgents {
			if agent.AgentID == agentID {
				e.emit(TransferAgent{Agent: agent})
				return okResult(map[string]any{"message": "transferring to another assistant"})
			}
		}
		return errResult(0, fmt.Sprintf("agent %q is not in the transfer list", agentID))

	case "switch_language":
		language, _ := args["language"].(string)
		if language == "" {
			return errResult(0, "language is required")
		}
		e.session.SwitchLanguage(language)
		e.emit(SwitchLanguage{Language: language, Voice: e.session.Voice()})
		return okResult(map[string]any{"language": language})

	case "voicemail_reached":
		e.emit(VoicemailReached{})
		return okResult(map[string]any{"message": "voicemail handling started"})
	}

	for _, ct := range e.session.Config.CustomTools {
		if ct.Name == name {
			return e.dispatchCustom(ctx, ct, args)
		}
	}
	return errResult(0, fmt.Sprintf("unknown tool %q", name))
}

// dispatchCustom issues the HTTP request described by ct. HTTP errors are
// returned to the LLM; they are not retried and never terminate the call.
func (e *Engine) dispatchCustom(ctx context.Context, ct backend.CustomTool, args map[string]any) string {
	endpoint := ct.URL
	for _, p := range ct.PathParams {
		val := argString(args[p.Name])
		endpoint = strings.ReplaceAll(endpoint, "{"+p.Name+"}", url.PathEscape(val))
	}

	query := url.Values{}
	for _, q := range ct.QueryParams {
		if q.Value != "" {
			query.Set(q.Name, q.Value)
			continue
		}
		if v, ok := args[q.Name]; ok {
			query.Set(q.Name, argString(v))
		}
	}
	if enc := query.Encode(); enc != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + enc
	}

	method := strings.ToUpper(ct.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if method != http.MethodGet && len(args) > 0 {
		data, err := json.Marshal(args)
		if err != nil {
			return errResult(0, fmt.Sprintf("marshal request body: %v", err))
		}
		body = bytes.NewReader(data)
	}

	timeout := defaultToolTimeout
	if ct.TimeoutSeconds > 0 {
		timeout = time.Duration(ct.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errResult(0, fmt.Sprintf("build request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ct.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		e.logger.Warn("custom tool request failed", "tool", ct.Name, "error", err)
		return errResult(0, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errResult(resp.StatusCode, fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errResult(resp.StatusCode, strings.TrimSpace(string(data)))
	}

	result := map[string]any{"success": true, "status": resp.StatusCode}
	if json.Valid(data) {
		result["data"] = json.RawMessage(data)
	} else {
		result["data"] = string(data)
	}

	if len(ct.Assignments) > 0 {
		extracted := map[string]string{}
		for _, a := range ct.Assignments {
			v := gjson.GetBytes(data, a.Path)
			if !v.Exists() {
				continue
			}
			e.session.SetVariable(a.Variable, v.String())
			extracted[a.Variable] = v.String()
		}
		if len(extracted) > 0 {
			result["extracted"] = extracted
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return errResult(resp.StatusCode, fmt.Sprintf("marshal result: %v", err))
	}
	return string(out)
}

func argString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers arrive as float64; keep integers clean.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}

func okResult(extra map[string]any) string {
	result := map[string]any{"success": true}
	for k, v := range extra {
		result[k] = v
	}
	data, _ := json.Marshal(result)
	return string(data)
}

func errResult(status int, msg string) string {
	result := map[string]any{"success": false, "error": msg}
	if status != 0 {
		result["status"] = status
	}
	data, _ := json.Marshal(result)
	return string(data)
}
