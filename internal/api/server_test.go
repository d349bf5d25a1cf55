package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/orbitdocs/spacebio/internal/assistant"
	"github.com/orbitdocs/spacebio/internal/cache"
	"github.com/orbitdocs/spacebio/internal/conversation"
	"github.com/orbitdocs/spacebio/internal/gemini"
	"github.com/orbitdocs/spacebio/internal/resource"
	"github.com/orbitdocs/spacebio/internal/storage"
)

// --- mocks ---

type mockGenerator struct {
	answer string
	deltas []string
	err    error
	block  bool
}

func (m *mockGenerator) Configured() bool { return true }
func (m *mockGenerator) Model() string    { return "test-model" }

func (m *mockGenerator) Generate(_ context.Context, req gemini.Request) (gemini.Response, error) {
	if m.err != nil {
		return gemini.Response{}, m.err
	}
	return gemini.Response{Candidates: []gemini.Candidate{{Content: gemini.Text(gemini.RoleModel, m.answer)}}}, nil
}

func (m *mockGenerator) Stream(ctx context.Context, _ gemini.Request) <-chan gemini.Delta {
	out := make(chan gemini.Delta)
	go func() {
		defer close(out)
		if m.block {
			<-ctx.Done()
			return
		}
		for _, d := range m.deltas {
			select {
			case out <- gemini.Delta{Text: d}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type staticFetcher struct{}

func (staticFetcher) Fetch(_ context.Context, url string) (string, error) {
	if strings.Contains(url, "broken") {
		return "", errors.New("connection refused")
	}
	return "<article><p>Plants grow sideways in orbit.</p></article>", nil
}

type failingAssistant struct{ Assistant }

func (failingAssistant) Chat(context.Context, assistant.Request) (assistant.Reply, error) {
	return assistant.Reply{}, errors.New("database is locked")
}

// --- helpers ---

type testServer struct {
	handler   http.Handler
	store     *storage.Store
	resources *resource.Store
	assistant *assistant.Assistant
}

func newTestServer(t *testing.T, gen *mockGenerator, opts ...func(*Deps)) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resources := resource.New([]resource.Resource{
		{Title: "Plant growth in microgravity", URL: "https://nasa.gov/plants"},
		{Title: "Mars rover mission 2021", URL: "https://nasa.gov/mars.pdf"},
		{Title: "Broken link study", URL: "https://broken.example/study"},
	}, staticFetcher{}, zerolog.Nop())

	a := assistant.New(assistant.Deps{
		Engine:        conversation.NewEngine(resources, nil),
		Sessions:      conversation.NewStoredSessions(store),
		Resources:     resources,
		Generator:     gen,
		Cache:         cache.NewAnswers(cache.NewMemory(), cache.Options{}, zerolog.Nop()),
		Log:           store,
		StreamTimeout: 200 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})

	deps := Deps{
		Assistant: a,
		Resources: resources,
		Store:     store,
		Logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(&deps)
	}
	return &testServer{handler: NewHandler(deps), store: store, resources: resources, assistant: a}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body %q: %v", rr.Body.String(), err)
	}
	return body
}

// --- tests ---

func TestHealth(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})

	rr := s.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decode(t, rr)
	if body["status"] != "ok" || body["resources"] != float64(3) {
		t.Errorf("body = %v", body)
	}
}

func TestHealth_StoreDown(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})
	s.store.Close()

	if rr := s.do(t, http.MethodGet, "/health", ""); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "spacebio_test_total"}))
	s := newTestServer(t, &mockGenerator{}, func(d *Deps) { d.Gatherer = reg })

	rr := s.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "spacebio_test_total") {
		t.Errorf("status = %d body = %q", rr.Code, rr.Body.String())
	}

	without := newTestServer(t, &mockGenerator{})
	if rr := without.do(t, http.MethodGet, "/metrics", ""); rr.Code != http.StatusNotFound {
		t.Errorf("metrics without gatherer: status = %d, want 404", rr.Code)
	}
}
