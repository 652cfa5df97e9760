package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/chorus/runtime/agent"
	"goa.design/chorus/runtime/agent/session"
)

// HTTP routes.
const (
	MessagePath = "/api/message"
	StreamPath  = "/api/stream"
	HealthPath  = "/api/health"
	AgentsPath  = "/api/agents"
)

// messageSchema constrains the shape of posted messages. Presence of the
// session id and text is checked separately so both spellings of the session
// id are accepted.
const messageSchema = `{
	"type": "object",
	"properties": {
		"sessionId":  {"type": "string"},
		"session_id": {"type": "string"},
		"text":       {"type": "string"},
		"author":     {"type": "string", "maxLength": 256},
		"messageId":  {"type": "string", "maxLength": 256}
	}
}`

type (
	// HTTPServer exposes a Service over HTTP.
	HTTPServer struct {
		svc    *Service
		schema *jsonschema.Schema
	}

	errorBody struct {
		OK      *bool  `json:"ok,omitempty"`
		Error   string `json:"error"`
		Message string `json:"message,omitempty"`
	}

	ingestBody struct {
		OK        bool   `json:"ok"`
		MessageID string `json:"messageId"`
	}

	agentsBody struct {
		Agents []agent.Public `json:"agents"`
	}

	sseWriter struct {
		w  http.ResponseWriter
		rc *http.ResponseController
	}
)

// NewHTTPServer compiles the request schemas and returns the HTTP transport
// of svc.
func NewHTTPServer(svc *Service) (*HTTPServer, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(messageSchema))
	if err != nil {
		return nil, fmt.Errorf("decode message schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("message.json", doc); err != nil {
		return nil, fmt.Errorf("add message schema: %w", err)
	}
	schema, err := c.Compile("message.json")
	if err != nil {
		return nil, fmt.Errorf("compile message schema: %w", err)
	}
	return &HTTPServer{svc: svc, schema: schema}, nil
}

// Mount registers the API routes on mux.
func (s *HTTPServer) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodPost, MessagePath, s.handleMessage)
	mux.Handle(http.MethodGet, StreamPath, s.handleStream)
	mux.Handle(http.MethodGet, HealthPath, s.handleHealth)
	mux.Handle(http.MethodGet, AgentsPath, s.handleAgents)
}

// Handler returns mux wrapped with the Clue request logger. Stream requests
// bypass the request logger so their responses can be flushed; they still
// carry the logging context.
func Handler(logCtx context.Context, mux goahttp.Muxer) http.Handler {
	logged := log.HTTP(logCtx)(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == StreamPath {
			mux.ServeHTTP(w, r.WithContext(log.WithContext(r.Context(), logCtx)))
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var raw any
	if err := goahttp.RequestDecoder(r).Decode(&raw); err != nil {
		raw = map[string]any{}
	}
	if err := s.schema.Validate(raw); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, errorBody{Error: "invalid message", Message: err.Error()})
		return
	}
	body, _ := raw.(map[string]any)
	req := IngestRequest{
		SessionID: stringField(body, "sessionId"),
		Text:      stringField(body, "text"),
		Author:    stringField(body, "author"),
		MessageID: stringField(body, "messageId"),
	}
	if req.SessionID == "" {
		req.SessionID = stringField(body, "session_id")
	}
	id, err := s.svc.Ingest(ctx, req)
	switch {
	case errors.Is(err, ErrInvalidMessage):
		writeJSON(ctx, w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, session.ErrStoreUnavailable):
		ok := false
		writeJSON(ctx, w, http.StatusServiceUnavailable, errorBody{
			OK:      &ok,
			Error:   session.ReasonRedisDown,
			Message: "Redis unavailable; cannot accept message.",
		})
	case err != nil:
		log.Error(ctx, err, log.KV{K: "msg", V: "ingest failed"})
		writeJSON(ctx, w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	default:
		writeJSON(ctx, w, http.StatusOK, ingestBody{OK: true, MessageID: id})
	}
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeJSON(ctx, w, http.StatusBadRequest, errorBody{Error: "sessionId is required"})
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	sw := &sseWriter{w: w, rc: http.NewResponseController(w)}
	if err := sw.flush(); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "initial flush failed"}, log.KV{K: "err", V: err.Error()})
	}
	if err := s.svc.Stream(ctx, sessionID, sw); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "stream closed"}, log.KV{K: "session", V: sessionID}, log.KV{K: "err", V: err.Error()})
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, s.svc.Health(r.Context()))
}

func (s *HTTPServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, agentsBody{Agents: s.svc.Agents()})
}

// WriteEvent writes a data frame.
func (s *sseWriter) WriteEvent(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.flush()
}

// WritePing writes a comment frame.
func (s *sseWriter) WritePing() error {
	if _, err := s.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseWriter) flush() error {
	err := s.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode response"})
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
