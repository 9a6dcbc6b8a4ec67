package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Event is one inbound message on the media-stream WebSocket.
type Event struct {
	Event string `json:"event"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload arrives once, immediately after handshake.
type StartPayload struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid,omitempty"`
}

// MediaPayload carries one base64-encoded 20 ms μ-law frame at 8 kHz.
type MediaPayload struct {
	Payload string `json:"payload"`
}

// MarkPayload echoes a mark the system emitted.
type MarkPayload struct {
	Name string `json:"name"`
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      MarkPayload `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// MediaConn wraps one accepted media-stream WebSocket. The conn serializes
// writes itself, so MediaConn is safe for one reader plus any number of
// writers.
type MediaConn struct {
	conn *websocket.Conn
}

// NewMediaConn wraps an accepted WebSocket connection.
func NewMediaConn(conn *websocket.Conn) *MediaConn {
	return &MediaConn{conn: conn}
}

// ReadEvent reads and decodes the next inbound event. Unknown event types
// are returned as-is; the caller ignores what it does not handle.
func (m *MediaConn) ReadEvent(ctx context.Context) (*Event, error) {
	_, data, err := m.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("telephony: decode media event: %w", err)
	}
	return &evt, nil
}

// SendMedia transmits one 160-byte μ-law frame as a media event.
func (m *MediaConn) SendMedia(ctx context.Context, streamSID string, frame []byte) error {
	return m.writeJSON(ctx, outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// SendMark emits a named mark; the provider echoes it back after all queued
// audio before it has been played.
func (m *MediaConn) SendMark(ctx context.Context, streamSID, name string) error {
	return m.writeJSON(ctx, outboundMark{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      MarkPayload{Name: name},
	})
}

// SendClear flushes any audio the provider has buffered but not yet played.
func (m *MediaConn) SendClear(ctx context.Context, streamSID string) error {
	return m.writeJSON(ctx, outboundClear{Event: "clear", StreamSID: streamSID})
}

// Close closes the underlying WebSocket.
func (m *MediaConn) Close() error {
	return m.conn.Close(websocket.StatusNormalClosure, "call ended")
}

func (m *MediaConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("telephony: marshal media event: %w", err)
	}
	return m.conn.Write(ctx, websocket.MessageText, data)
}
