package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/orbitdocs/spacebio/internal/assistant"
	"github.com/orbitdocs/spacebio/internal/composer"
)

const (
	maxMessageRunes = 1000
	sessionHeader   = "X-Session-ID"
)

type chatRequest struct {
	Message    string          `json:"message"`
	Language   string          `json:"language"`
	ResourceID *int            `json:"resourceId"`
	Context    json.RawMessage `json:"context"`
	SessionID  string          `json:"sessionId"`
	FastMode   bool            `json:"fastMode"`
}

type chatResponse struct {
	Success            bool      `json:"success"`
	SessionID          string    `json:"sessionId"`
	Response           string    `json:"response"`
	Cached             bool      `json:"cached"`
	IsFrequent         bool      `json:"is_frequent"`
	SuggestedQuestions []string  `json:"suggested_questions"`
	Timestamp          time.Time `json:"timestamp"`
}

// decodeChat reads and validates a chat body. The session id comes from the
// X-Session-ID header, then the body, and is minted when both are empty.
func decodeChat(w http.ResponseWriter, r *http.Request) (assistant.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	ve := &ValidationError{}
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		ve.add("body", "The request body must be a JSON object.")
		return assistant.Request{}, ve
	}

	msg := strings.TrimSpace(body.Message)
	switch {
	case msg == "":
		ve.add("message", "The message field is required.")
	case utf8.RuneCountInString(msg) > maxMessageRunes:
		ve.add("message", fmt.Sprintf("The message may not be greater than %d characters.", maxMessageRunes))
	}

	switch strings.ToLower(body.Language) {
	case "", "en", "fr":
	default:
		ve.add("language", "The language must be en or fr.")
	}

	var history []composer.Message
	if len(body.Context) > 0 && string(body.Context) != "null" {
		if err := json.Unmarshal(body.Context, &history); err != nil {
			ve.add("context", "The context must be an array of {role, content} messages.")
		}
	}

	req := assistant.Request{
		SessionID: r.Header.Get(sessionHeader),
		Message:   msg,
		Language:  strings.ToLower(body.Language),
		History:   history,
		FastMode:  body.FastMode,
	}
	if body.ResourceID != nil {
		if *body.ResourceID < 1 {
			ve.add("resourceId", "The resource id must be a positive integer.")
		}
		req.ResourceID = *body.ResourceID
	}
	if req.SessionID == "" {
		req.SessionID = body.SessionID
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return req, ve.orNil()
}

func (h *handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(w, r)
	var ve *ValidationError
	if errors.As(err, &ve) {
		writeValidation(w, ve)
		return
	}

	reply, err := h.assistant.Chat(r.Context(), req)
	if err != nil {
		h.writeServerError(w, r, "An error occurred while processing your request.", err)
		return
	}

	suggested := reply.SuggestedQuestions
	if suggested == nil {
		suggested = []string{}
	}
	w.Header().Set(sessionHeader, reply.SessionID)
	writeJSON(w, http.StatusOK, chatResponse{
		Success:            true,
		SessionID:          reply.SessionID,
		Response:           reply.Response,
		Cached:             reply.Cached,
		IsFrequent:         reply.IsFrequent,
		SuggestedQuestions: suggested,
		Timestamp:          time.Now().UTC(),
	})
}

func (h *handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(w, r)
	var ve *ValidationError
	if errors.As(err, &ve) {
		writeValidation(w, ve)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeServerError(w, r, "Streaming is not supported.", errors.New("response writer does not flush"))
		return
	}

	session, events, err := h.assistant.ChatStream(r.Context(), req)
	if err != nil {
		h.writeServerError(w, r, "An error occurred while processing your request.", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(sessionHeader, session)
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher}
	sse.comment("ping")

	for ev := range events {
		if ev.Err != nil {
			sse.event("error", map[string]string{"message": ev.Text})
			return
		}
		sse.data(map[string]string{"delta": ev.Text})
	}
	if r.Context().Err() != nil {
		return
	}
	sse.event("done", struct{}{})
}

// sseWriter frames server-sent events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

func (s *sseWriter) data(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.flusher.Flush()
}

func (s *sseWriter) event(name string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b)
	s.flusher.Flush()
}
