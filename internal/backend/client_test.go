package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "internal-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestReportIncoming(t *testing.T) {
	var gotSecret string
	var gotBody map[string]string

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/incoming" || r.Method != http.MethodPost {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		gotSecret = r.Header.Get("X-Internal-Secret")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(IncomingCall{
			AssistantID:    "asst-1",
			OrganizationID: "org-1",
		})
	}))

	got, err := c.ReportIncoming(context.Background(), "CA123", "+15551234", "+15555678")
	if err != nil {
		t.Fatalf("ReportIncoming: %v", err)
	}
	if gotSecret != "internal-secret" {
		t.Errorf("X-Internal-Secret = %q", gotSecret)
	}
	if gotBody["call_sid"] != "CA123" || gotBody["from"] != "+15551234" || gotBody["to"] != "+15555678" {
		t.Errorf("body = %v", gotBody)
	}
	if got.AssistantID != "asst-1" || got.OrganizationID != "org-1" {
		t.Errorf("response = %+v", got)
	}
}

func TestReportIncomingNoAssistant(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))

	got, err := c.ReportIncoming(context.Background(), "CA123", "+1", "+2")
	if err != nil {
		t.Fatalf("ReportIncoming: %v", err)
	}
	if got.AssistantID != "" {
		t.Errorf("AssistantID = %q, want empty", got.AssistantID)
	}
}

func TestFetchConfig(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/CA123/config" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(AssistantConfig{
			SystemPrompt:          "You answer phones.",
			FirstMessage:          "Hi, how can I help?",
			Language:              "en",
			Voice:                 "ava",
			LanguageVoices:        map[string]string{"es": "sofia"},
			SilenceTimeoutSeconds: 30,
			MaxDurationSeconds:    600,
			EnableEndCall:         true,
			TransferNumbers: []TransferRule{
				{PhoneNumber: "+15550000", TransferType: "conference", TransferMessage: "Transferring you now."},
			},
			CustomTools: []CustomTool{
				{Name: "check_availability", URL: "https://api.example.com/slots/{date}", Method: "GET"},
			},
		})
	}))

	cfg, err := c.FetchConfig(context.Background(), "CA123")
	if err != nil {
		t.Fatalf("FetchConfig: %v", err)
	}
	if cfg.SystemPrompt != "You answer phones." || !cfg.EnableEndCall {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.LanguageVoices["es"] != "sofia" {
		t.Errorf("language_voices = %v", cfg.LanguageVoices)
	}
	if len(cfg.TransferNumbers) != 1 || cfg.TransferNumbers[0].TransferMessage != "Transferring you now." {
		t.Errorf("transfer rules = %+v", cfg.TransferNumbers)
	}
	if len(cfg.CustomTools) != 1 || cfg.CustomTools[0].Name != "check_availability" {
		t.Errorf("custom tools = %+v", cfg.CustomTools)
	}
}

func TestComplete(t *testing.T) {
	var got CompletionPayload

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/CA123/complete" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))

	payload := CompletionPayload{
		CallSID:         "CA123",
		AssistantID:     "asst-1",
		OrganizationID:  "org-1",
		Status:          "done",
		EndReason:       "user_requested",
		DurationSeconds: 42.5,
		Transcript: []TranscriptEntry{
			{Role: "assistant", Message: "Hi, how can I help?", TimeInCallSecs: 1.2},
			{Role: "user", Message: "Goodbye.", TimeInCallSecs: 40.0},
		},
		DynamicVariables: map[string]string{"booking_id": "B-77"},
	}
	if err := c.Complete(context.Background(), payload); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.EndReason != "user_requested" || got.Status != "done" {
		t.Errorf("payload = %+v", got)
	}
	if len(got.Transcript) != 2 || got.Transcript[1].Role != "user" {
		t.Errorf("transcript = %+v", got.Transcript)
	}
	if got.DynamicVariables["booking_id"] != "B-77" {
		t.Errorf("dynamic_variables = %v", got.DynamicVariables)
	}
}

func TestReportStatus(t *testing.T) {
	var got map[string]any

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/status" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.ReportStatus(context.Background(), "CA123", "completed", 93); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if got["call_sid"] != "CA123" || got["call_status"] != "completed" {
		t.Errorf("body = %v", got)
	}
	if got["call_duration"] != float64(93) {
		t.Errorf("call_duration = %v", got["call_duration"])
	}
}

func TestTransferAgentURL(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calls/CA123/transfer-agent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("agent_id"); got != "agent-9" {
			t.Errorf("agent_id = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"twiml_url": "https://example.com/agent-9/twiml"})
	}))

	got, err := c.TransferAgentURL(context.Background(), "CA123", "agent-9")
	if err != nil {
		t.Fatalf("TransferAgentURL: %v", err)
	}
	if got != "https://example.com/agent-9/twiml" {
		t.Errorf("url = %q", got)
	}
}

func TestTransferAgentURLMissing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))

	if _, err := c.TransferAgentURL(context.Background(), "CA123", "agent-9"); err == nil {
		t.Fatal("expected error for missing twiml_url")
	}
}

func TestServerErrorSurfaced(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	if _, err := c.FetchConfig(context.Background(), "CA123"); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
