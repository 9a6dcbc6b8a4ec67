package telephony

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/voiceloop-ai/voiceloop/internal/backend"
)

// StreamHandler runs one call's pipeline over an accepted media WebSocket.
// It blocks until the call ends.
type StreamHandler func(ctx context.Context, conn *MediaConn, callSID string)

// Server owns the Twilio-facing HTTP surface: the incoming-call webhook, the
// status callback, and the per-call media-stream WebSocket.
type Server struct {
	backend *backend.Client
	stream  StreamHandler

	prefix             string
	validateSignatures bool
	onStatus           func(callSID, status string)
	onIncoming         func(callSID, from, to string, inc *backend.IncomingCall)
	logger             *slog.Logger
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithPrefix sets the URL prefix for all telephony routes. Default "/voice".
func WithPrefix(prefix string) ServerOption {
	return func(s *Server) { s.prefix = prefix }
}

// WithSignatureValidation toggles X-Twilio-Signature checking on the
// incoming-call webhook.
func WithSignatureValidation(enabled bool) ServerOption {
	return func(s *Server) { s.validateSignatures = enabled }
}

// WithStatusCallback registers a hook invoked on every status callback, so
// the pipeline can clean up calls that end provider-side.
func WithStatusCallback(fn func(callSID, status string)) ServerOption {
	return func(s *Server) { s.onStatus = fn }
}

// WithIncomingCallback registers a hook invoked once a new call has been
// accepted, before the TwiML response is written. The pipeline uses it to
// stash the assistant identity for the media stream that follows.
func WithIncomingCallback(fn func(callSID, from, to string, inc *backend.IncomingCall)) ServerOption {
	return func(s *Server) { s.onIncoming = fn }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the telephony HTTP surface.
func NewServer(backendClient *backend.Client, stream StreamHandler, opts ...ServerOption) *Server {
	s := &Server{
		backend: backendClient,
		stream:  stream,
		prefix:  "/voice",
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register mounts the telephony routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+s.prefix+"/incoming", s.handleIncoming)
	mux.HandleFunc("POST "+s.prefix+"/status", s.handleStatus)
	mux.HandleFunc("GET "+s.prefix+"/stream/{callSID}", s.handleStream)
}

// handleIncoming answers the initial webhook for a new call. It reports the
// call to the configuration service; without an assistant the caller hears a
// fixed error message.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	from := r.PostForm.Get("From")
	to := r.PostForm.Get("To")
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	inc, err := s.backend.ReportIncoming(r.Context(), callSID, from, to)
	if err != nil {
		s.logger.Error("report incoming failed", "call_sid", callSID, "error", err)
		writeTwiML(w, ErrorTwiML)
		return
	}
	if inc.AssistantID == "" {
		s.logger.Warn("no assistant configured", "call_sid", callSID, "to", to)
		writeTwiML(w, ErrorTwiML)
		return
	}

	if s.validateSignatures && inc.TwilioAuthToken != "" {
		requestURL := "https://" + r.Host + r.URL.RequestURI()
		if !ValidSignature(r, requestURL, inc.TwilioAuthToken) {
			s.logger.Warn("invalid webhook signature", "call_sid", callSID)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	if s.onIncoming != nil {
		s.onIncoming(callSID, from, to, inc)
	}

	s.logger.Info("incoming call", "call_sid", callSID, "from", from, "assistant_id", inc.AssistantID)
	writeTwiML(w, ConnectStreamTwiML(r.Host, s.prefix, callSID))
}

// handleStatus receives call-status callbacks and mirrors them to the
// configuration service.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	duration, _ := strconv.Atoi(r.PostForm.Get("CallDuration"))

	if err := s.backend.ReportStatus(r.Context(), callSID, status, duration); err != nil {
		s.logger.Warn("status report failed", "call_sid", callSID, "error", err)
	}
	if s.onStatus != nil {
		s.onStatus(callSID, status)
	}
	w.WriteHeader(http.StatusOK)
}

// handleStream upgrades the per-call audio WebSocket and hands it to the
// pipeline.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	callSID := r.PathValue("callSID")
	if callSID == "" {
		http.Error(w, "missing call sid", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Twilio sends no Origin header
	})
	if err != nil {
		s.logger.Error("media websocket accept failed", "call_sid", callSID, "error", err)
		return
	}

	s.logger.Info("media stream connected", "call_sid", callSID)
	s.stream(r.Context(), NewMediaConn(conn), callSID)
}

func writeTwiML(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(twiml))
}
