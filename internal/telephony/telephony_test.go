package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voiceloop-ai/voiceloop/internal/backend"
)

func TestConnectStreamTwiML(t *testing.T) {
	got := ConnectStreamTwiML("example.com", "/voice", "CA123")
	want := `<Stream url="wss://example.com/voice/stream/CA123"/>`
	if !strings.Contains(got, want) {
		t.Errorf("twiml = %q, want substring %q", got, want)
	}
	if !strings.HasPrefix(got, `<?xml`) {
		t.Error("missing XML declaration")
	}
}

func TestDialTwiML(t *testing.T) {
	if got := DialTwiML("+15550000", "conference"); !strings.Contains(got, "<Dial><Number>+15550000</Number></Dial>") {
		t.Errorf("conference twiml = %q", got)
	}
	if got := DialTwiML("+15550000", "sip_refer"); !strings.Contains(got, "<Dial><Sip>sip:+15550000</Sip></Dial>") {
		t.Errorf("sip twiml = %q", got)
	}
}

// signRequest computes the Twilio signature for a form-encoded request.
func signRequest(requestURL string, form url.Values, authToken string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	payload := requestURL
	for _, k := range keys {
		payload += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidSignature(t *testing.T) {
	form := url.Values{"CallSid": {"CA123"}, "From": {"+15551234"}}
	requestURL := "https://example.com/voice/incoming"

	newReq := func(sig string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, requestURL, strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if sig != "" {
			r.Header.Set("X-Twilio-Signature", sig)
		}
		r.ParseForm()
		return r
	}

	good := signRequest(requestURL, form, "token")
	if !ValidSignature(newReq(good), requestURL, "token") {
		t.Error("valid signature rejected")
	}
	if ValidSignature(newReq("bogus"), requestURL, "token") {
		t.Error("invalid signature accepted")
	}
	if !ValidSignature(newReq(""), requestURL, "") {
		t.Error("empty auth token should skip validation")
	}
}

// newBackendStub starts a configuration-service stub and a client bound to
// it.
func newBackendStub(t *testing.T, handler http.Handler) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := backend.New(srv.URL, "secret")
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	return c
}

func postForm(t *testing.T, srv *httptest.Server, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleIncomingConnectsStream(t *testing.T) {
	bc := newBackendStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(backend.IncomingCall{AssistantID: "asst-1", OrganizationID: "org-1"})
	}))

	server := NewServer(bc, func(context.Context, *MediaConn, string) {})
	mux := http.NewServeMux()
	server.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp := postForm(t, srv, "/voice/incoming", url.Values{
		"CallSid": {"CA123"}, "From": {"+15551234"}, "To": {"+15555678"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := make([]byte, 4096)
	n, _ := resp.Body.Read(body)
	twiml := string(body[:n])
	if !strings.Contains(twiml, "/voice/stream/CA123") {
		t.Errorf("twiml = %q", twiml)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q", ct)
	}
}

func TestHandleIncomingNoAssistant(t *testing.T) {
	bc := newBackendStub(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(backend.IncomingCall{})
	}))

	server := NewServer(bc, func(context.Context, *MediaConn, string) {})
	mux := http.NewServeMux()
	server.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp := postForm(t, srv, "/voice/incoming", url.Values{"CallSid": {"CA123"}})
	body := make([]byte, 4096)
	n, _ := resp.Body.Read(body)
	if !strings.Contains(string(body[:n]), "<Hangup/>") {
		t.Errorf("expected error TwiML, got %q", body[:n])
	}
}

func TestHandleIncomingRejectsBadSignature(t *testing.T) {
	bc := newBackendStub(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(backend.IncomingCall{AssistantID: "asst-1", TwilioAuthToken: "token"})
	}))

	server := NewServer(bc, func(context.Context, *MediaConn, string) {}, WithSignatureValidation(true))
	mux := http.NewServeMux()
	server.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/voice/incoming",
		strings.NewReader(url.Values{"CallSid": {"CA123"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "forged")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHandleStatusForwardsAndNotifies(t *testing.T) {
	reported := make(chan map[string]any, 1)
	bc := newBackendStub(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/calls/status" {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			reported <- body
		}
		w.WriteHeader(http.StatusOK)
	}))

	notified := make(chan string, 1)
	server := NewServer(bc, func(context.Context, *MediaConn, string) {},
		WithStatusCallback(func(callSID, status string) { notified <- callSID + ":" + status }))
	mux := http.NewServeMux()
	server.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp := postForm(t, srv, "/voice/status", url.Values{
		"CallSid": {"CA123"}, "CallStatus": {"completed"}, "CallDuration": {"93"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case body := <-reported:
		if body["call_sid"] != "CA123" || body["call_duration"] != float64(93) {
			t.Errorf("reported = %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status never reported to backend")
	}
	if got := <-notified; got != "CA123:completed" {
		t.Errorf("callback = %q", got)
	}
}

func TestHandleStreamDeliversEvents(t *testing.T) {
	bc := newBackendStub(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	type received struct {
		callSID string
		evt     *Event
	}
	got := make(chan received, 1)

	server := NewServer(bc, func(ctx context.Context, conn *MediaConn, callSID string) {
		evt, err := conn.ReadEvent(ctx)
		if err != nil {
			t.Errorf("ReadEvent: %v", err)
			return
		}
		got <- received{callSID, evt}
		// Exercise the outbound path too.
		conn.SendMedia(ctx, evt.Start.StreamSID, make([]byte, 160))
		conn.SendMark(ctx, evt.Start.StreamSID, "ai_speech_end")
		conn.SendClear(ctx, evt.Start.StreamSID)
		<-ctx.Done()
	})
	mux := http.NewServeMux()
	server.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsEndpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/voice/stream/CA123"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsEndpoint, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	start, _ := json.Marshal(map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MZ999", "callSid": "CA123"},
	})
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		t.Fatalf("write start: %v", err)
	}

	select {
	case r := <-got:
		if r.callSID != "CA123" {
			t.Errorf("callSID = %q", r.callSID)
		}
		if r.evt.Event != "start" || r.evt.Start == nil || r.evt.Start.StreamSID != "MZ999" {
			t.Errorf("event = %+v", r.evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline never received start event")
	}

	// The three outbound events arrive in order.
	wantEvents := []string{"media", "mark", "clear"}
	for _, want := range wantEvents {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read %s: %v", want, err)
		}
		var evt map[string]any
		json.Unmarshal(data, &evt)
		if evt["event"] != want {
			t.Errorf("event = %v, want %s", evt["event"], want)
		}
		if evt["streamSid"] != "MZ999" {
			t.Errorf("streamSid = %v", evt["streamSid"])
		}
	}
}

func TestRESTClientCallControl(t *testing.T) {
	type call struct {
		path string
		form url.Values
		auth string
	}
	calls := make(chan call, 3)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		user, pass, _ := r.BasicAuth()
		calls <- call{r.URL.Path, r.PostForm, user + ":" + pass}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewRESTClient("AC111", "tok", WithRESTBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewRESTClient: %v", err)
	}
	ctx := context.Background()

	if err := c.UpdateTwiML(ctx, "CA123", "<Response/>"); err != nil {
		t.Fatalf("UpdateTwiML: %v", err)
	}
	if err := c.UpdateURL(ctx, "CA123", "https://example.com/agent"); err != nil {
		t.Fatalf("UpdateURL: %v", err)
	}
	if err := c.Hangup(ctx, "CA123"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	wantPath := "/2010-04-01/Accounts/AC111/Calls/CA123.json"
	got := <-calls
	if got.path != wantPath || got.form.Get("Twiml") != "<Response/>" || got.auth != "AC111:tok" {
		t.Errorf("UpdateTwiML call = %+v", got)
	}
	got = <-calls
	if got.form.Get("Url") != "https://example.com/agent" || got.form.Get("Method") != "POST" {
		t.Errorf("UpdateURL call = %+v", got)
	}
	got = <-calls
	if got.form.Get("Status") != "completed" {
		t.Errorf("Hangup call = %+v", got)
	}
}
