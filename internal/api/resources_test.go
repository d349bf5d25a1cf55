package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/orbitdocs/spacebio/internal/storage"
)

func TestListResources(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})

	body := decode(t, s.do(t, http.MethodGet, "/resources", ""))
	data, _ := body["data"].([]any)
	if len(data) != 3 {
		t.Fatalf("data = %v", body["data"])
	}
	first := data[0].(map[string]any)
	if first["id"] != float64(1) || first["title"] != "Plant growth in microgravity" || first["url"] != "https://nasa.gov/plants" {
		t.Errorf("first = %v", first)
	}

	body = decode(t, s.do(t, http.MethodGet, "/resources?search=mars+rover", ""))
	data, _ = body["data"].([]any)
	if len(data) != 1 || data[0].(map[string]any)["id"] != float64(2) {
		t.Errorf("search = %v", body["data"])
	}

	body = decode(t, s.do(t, http.MethodGet, "/resources?search=zebrafish", ""))
	if data, ok := body["data"].([]any); !ok || len(data) != 0 {
		t.Errorf("empty search = %v, want []", body["data"])
	}
}

func TestGetResource(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})

	rr := s.do(t, http.MethodGet, "/resources/1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	data := decode(t, rr)["data"].(map[string]any)
	if !strings.Contains(data["content"].(string), "Plants grow sideways in orbit.") {
		t.Errorf("content = %v", data["content"])
	}
	if data["title"] != "Plant growth in microgravity" {
		t.Errorf("data = %v", data)
	}
}

func TestGetResource_FetchFailureServesFallback(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})

	rr := s.do(t, http.MethodGet, "/resources/3", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	data := decode(t, rr)["data"].(map[string]any)
	if !strings.Contains(data["content"].(string), "https://broken.example/study") {
		t.Errorf("fallback should link the source: %v", data["content"])
	}
}

func TestGetResource_NotFound(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})

	for _, path := range []string{"/resources/99", "/resources/abc", "/resources/0/summary", "/resources/42/keywords", "/resources/42/related"} {
		rr := s.do(t, http.MethodGet, path, "")
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rr.Code)
			continue
		}
		if decode(t, rr)["error"] == nil {
			t.Errorf("%s: 404 body lacks error", path)
		}
	}
}

func TestAssistFeatures(t *testing.T) {
	s := newTestServer(t, &mockGenerator{answer: `["plants", "gravitropism"]`})

	body := decode(t, s.do(t, http.MethodGet, "/resources/1/keywords", ""))
	kw, _ := body["keywords"].([]any)
	if len(kw) != 2 || kw[0] != "plants" {
		t.Errorf("keywords = %v", body)
	}

	body = decode(t, s.do(t, http.MethodGet, "/resources/1/summary", ""))
	if body["summary"] != `["plants", "gravitropism"]` {
		t.Errorf("summary = %v", body)
	}

	// "in" from the title also matches "link".
	body = decode(t, s.do(t, http.MethodGet, "/resources/1/related", ""))
	related, _ := body["related"].([]any)
	if len(related) != 1 || related[0].(map[string]any)["id"] != float64(3) {
		t.Errorf("related = %v", body)
	}
}

func TestAssistFeatures_DegradeOnModelFailure(t *testing.T) {
	s := newTestServer(t, &mockGenerator{err: &testErr{}})

	rr := s.do(t, http.MethodGet, "/resources/2/summary", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if body := decode(t, rr); body["summary"] != "Summary unavailable." {
		t.Errorf("summary = %v", body)
	}

	body := decode(t, s.do(t, http.MethodGet, "/resources/2/keywords", ""))
	if kw, ok := body["keywords"].([]any); !ok || len(kw) != 0 {
		t.Errorf("keywords = %v, want []", body)
	}
}

type testErr struct{}

func (*testErr) Error() string { return "model down" }

func TestDashboardFeeds(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})

	data := decode(t, s.do(t, http.MethodGet, "/resources-enriched", ""))["data"].([]any)
	mars := data[1].(map[string]any)
	if mars["type"] != "pdf" || mars["year"] != "2021" || mars["mission"] != "Mars" || mars["organization"] != "nasa.gov" {
		t.Errorf("enriched = %v", mars)
	}

	exps := decode(t, s.do(t, http.MethodGet, "/experiments", ""))["data"].([]any)
	if len(exps) != 3 || exps[0].(map[string]any)["progress"] != float64(100) {
		t.Errorf("experiments = %v", exps)
	}
}

func TestPrefetch(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})

	rr := s.do(t, http.MethodPost, "/resources/2/prefetch", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode(t, rr)
	if body["status"] != "queued" || body["resourceId"] != float64(2) {
		t.Errorf("body = %v", body)
	}

	again := decode(t, s.do(t, http.MethodPost, "/resources/2/prefetch", ""))
	if again["id"] != body["id"] || again["status"] != storage.JobPending {
		t.Errorf("duplicate prefetch = %v, want existing pending job %v", again, body["id"])
	}

	if rr := s.do(t, http.MethodPost, "/resources/9/prefetch", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown resource status = %d", rr.Code)
	}
}

func TestSessionInteractions(t *testing.T) {
	s := newTestServer(t, &mockGenerator{})
	for range 3 {
		s.do(t, http.MethodPost, "/chat", `{"message":"hello"}`, "X-Session-ID", "s-42")
	}

	body := decode(t, s.do(t, http.MethodGet, "/sessions/s-42/interactions?limit=2", ""))
	data, _ := body["data"].([]any)
	if len(data) != 2 {
		t.Fatalf("data = %v", body)
	}
	if data[0].(map[string]any)["sessionId"] != "s-42" {
		t.Errorf("first = %v", data[0])
	}

	body = decode(t, s.do(t, http.MethodGet, "/sessions/nobody/interactions", ""))
	if data, ok := body["data"].([]any); !ok || len(data) != 0 {
		t.Errorf("unknown session = %v, want []", body)
	}

	if rr := s.do(t, http.MethodGet, "/sessions/s-42/interactions?limit=x", ""); rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad limit status = %d", rr.Code)
	}
}
