// Package realtime implements the text-mode client for OpenAI's Realtime API.
//
// Each call gets its own WebSocket session. Audio never crosses this
// connection: the session is configured for text-only modalities with server
// turn detection disabled, and the pipeline feeds it transcribed user turns.
// Tool calls are surfaced through the Handlers callbacks; parallel tool calls
// are aggregated per call_id so interleaved argument deltas never bleed into
// each other.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	connectTimeout = 15 * time.Second
	pingInterval   = 25 * time.Second

	defaultTemperature = 0.8
	defaultMaxTokens   = 4096
)

// ErrClosed is returned by send methods after the session has been closed.
var ErrClosed = errors.New("realtime: session closed")

// Tool describes one function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// FunctionCall is a fully aggregated tool invocation from the model.
type FunctionCall struct {
	Name      string
	CallID    string
	Arguments string
}

// Handlers receives session events. Nil callbacks are skipped.
// OnFunctionCall is invoked on its own goroutine so a slow tool never stalls
// the receive loop; all other callbacks run on the receive goroutine and must
// not block.
type Handlers struct {
	OnTextDelta       func(delta string)
	OnTextDone        func(text string)
	OnResponseCreated func(responseID string)
	OnResponseDone    func(responseID string)
	OnFunctionCall    func(call FunctionCall)
	OnItemCreated     func(itemID, role string)
	OnError           func(err error)
	OnClosed          func(err error)
}

// Config holds per-session connection parameters.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	Instructions string
	Temperature  float64
	MaxTokens    int
	Tools        []Tool
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities      []string  `json:"modalities"`
	Instructions    string    `json:"instructions,omitempty"`
	TurnDetection   any       `json:"turn_detection"`
	Tools           []oaiTool `json:"tools,omitempty"`
	ToolChoice      string    `json:"tool_choice,omitempty"`
	Temperature     float64   `json:"temperature"`
	MaxOutputTokens int       `json:"max_response_output_tokens"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type deleteItemMessage struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

type cancelResponseMessage struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.text.delta / response.function_call_arguments.delta
	Delta string `json:"delta,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// conversation.item.created / response.output_item.added
	Item *serverItem `json:"item,omitempty"`

	// response.created / response.done
	Response *serverResponse `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverItem struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type,omitempty"`
	Role   string `json:"role,omitempty"`
	Name   string `json:"name,omitempty"`
	CallID string `json:"call_id,omitempty"`
}

type serverResponse struct {
	ID string `json:"id,omitempty"`
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is a live Realtime API connection. All methods are safe for
// concurrent use.
type Session struct {
	conn     *websocket.Conn
	handlers Handlers

	mu               sync.Mutex
	closed           bool
	errVal           error
	activeResponseID string
	pendingCalls     map[string]*pendingCall

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// pendingCall accumulates function-call argument deltas for one call_id.
type pendingCall struct {
	name string
	args strings.Builder
}

// Connect dials the Realtime endpoint, configures the session for text-only
// exchange, and starts the receive and keepalive loops. The dial plus the
// initial session.update is bounded by a 15 s timeout.
func Connect(ctx context.Context, cfg Config, h Handlers) (*Session, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("realtime: API key must not be empty")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, connectTimeout)
	defer dialCancel()

	wsURL := fmt.Sprintf("%s?model=%s", cfg.BaseURL, cfg.Model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:         conn,
		handlers:     h,
		pendingCalls: make(map[string]*pendingCall),
		ctx:          sessCtx,
		cancel:       sessCancel,
	}

	if err := s.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	go s.receiveLoop()
	go s.pingLoop()

	return s, nil
}

// sendSessionUpdate configures text-only modalities with server turn
// detection disabled; turn boundaries are decided upstream.
func (s *Session) sendSessionUpdate(cfg Config) error {
	params := sessionParams{
		Modalities:      []string{"text"},
		Instructions:    cfg.Instructions,
		TurnDetection:   nil,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxTokens,
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
		params.ToolChoice = "auto"
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func toOAITools(tools []Tool) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// pingLoop keeps the connection alive across NAT/proxy idle timeouts.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.Ping(s.ctx); err != nil {
				return
			}
		}
	}
}

// receiveLoop reads events until the connection dies or the session is
// closed, then fires OnClosed exactly once.
func (s *Session) receiveLoop() {
	var loopErr error
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
				loopErr = err
			}
			break
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.handleServerEvent(&evt)
	}

	if s.handlers.OnClosed != nil {
		s.handlers.OnClosed(loopErr)
	}
}

func (s *Session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.created":
		if evt.Response != nil {
			s.mu.Lock()
			s.activeResponseID = evt.Response.ID
			s.mu.Unlock()
		}
		if s.handlers.OnResponseCreated != nil && evt.Response != nil {
			s.handlers.OnResponseCreated(evt.Response.ID)
		}

	case "response.done":
		var id string
		if evt.Response != nil {
			id = evt.Response.ID
		}
		s.mu.Lock()
		if s.activeResponseID == id || id == "" {
			s.activeResponseID = ""
		}
		s.mu.Unlock()
		if s.handlers.OnResponseDone != nil {
			s.handlers.OnResponseDone(id)
		}

	case "response.text.delta":
		if evt.Delta != "" && s.handlers.OnTextDelta != nil {
			s.handlers.OnTextDelta(evt.Delta)
		}

	case "response.text.done":
		if s.handlers.OnTextDone != nil {
			s.handlers.OnTextDone(evt.Text)
		}

	case "response.output_item.added":
		if evt.Item != nil && evt.Item.Type == "function_call" && evt.Item.CallID != "" {
			s.mu.Lock()
			s.pendingCalls[evt.Item.CallID] = &pendingCall{name: evt.Item.Name}
			s.mu.Unlock()
		}

	case "response.function_call_arguments.delta":
		if evt.CallID == "" || evt.Delta == "" {
			return
		}
		s.mu.Lock()
		pc, ok := s.pendingCalls[evt.CallID]
		if !ok {
			pc = &pendingCall{}
			s.pendingCalls[evt.CallID] = pc
		}
		pc.args.WriteString(evt.Delta)
		s.mu.Unlock()

	case "response.function_call_arguments.done":
		s.handleFunctionCallDone(evt)

	case "conversation.item.created":
		if evt.Item != nil && s.handlers.OnItemCreated != nil {
			s.handlers.OnItemCreated(evt.Item.ID, evt.Item.Role)
		}

	case "error":
		if s.handlers.OnError == nil {
			return
		}
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.handlers.OnError(fmt.Errorf("realtime: %s", msg))
	}
}

// handleFunctionCallDone finalizes one aggregated call and dispatches it on
// its own goroutine. The done event's full arguments take precedence over the
// accumulated deltas when both are present.
func (s *Session) handleFunctionCallDone(evt *serverEvent) {
	call := FunctionCall{Name: evt.Name, CallID: evt.CallID, Arguments: evt.Arguments}

	s.mu.Lock()
	if pc, ok := s.pendingCalls[evt.CallID]; ok {
		if call.Name == "" {
			call.Name = pc.name
		}
		if call.Arguments == "" {
			call.Arguments = pc.args.String()
		}
		delete(s.pendingCalls, evt.CallID)
	}
	s.mu.Unlock()

	if call.Arguments == "" {
		call.Arguments = "{}"
	}
	if s.handlers.OnFunctionCall != nil {
		go s.handlers.OnFunctionCall(call)
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SendUserMessage inserts text as a user conversation item and requests a
// model response.
func (s *Session) SendUserMessage(text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// SendFunctionResult returns a tool result for callID and requests the next
// model response.
func (s *Session) SendFunctionResult(callID, output string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// InjectContext inserts a conversation item without requesting a response.
// Unknown roles are coerced to "user"; assistant items use the "text" content
// part type, everything else "input_text".
func (s *Session) InjectContext(role, text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	switch role {
	case "assistant", "system":
	default:
		role = "user"
	}
	partType := "input_text"
	if role == "assistant" {
		partType = "text"
	}
	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    role,
			Content: []conversationPart{{Type: partType, Text: text}},
		},
	})
}

// DeleteItem removes a conversation item from the model's context.
func (s *Session) DeleteItem(itemID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(deleteItemMessage{Type: "conversation.item.delete", ItemID: itemID})
}

// CancelResponse aborts the in-flight model response, if any. It is a no-op
// when no response is active.
func (s *Session) CancelResponse() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	id := s.activeResponseID
	s.activeResponseID = ""
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	return s.writeJSON(cancelResponseMessage{Type: "response.cancel", ResponseID: id})
}

// Err returns the first error that terminated the receive loop, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
