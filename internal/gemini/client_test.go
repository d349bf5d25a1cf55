package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRequest() Request {
	return Request{
		SystemInstruction: &Content{Parts: []Part{{Text: "be brief"}}},
		Contents:          []Content{Text(RoleUser, "hi")},
		GenerationConfig:  ChatConfig,
		SafetySettings:    PermissiveSafety,
	}
}

func collect(t *testing.T, ch <-chan Delta) ([]string, error) {
	t.Helper()
	var texts []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return texts, nil
			}
			if d.Err != nil {
				return texts, d.Err
			}
			texts = append(texts, d.Text)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestGenerate(t *testing.T) {
	var gotPath, gotKey string
	var gotBody Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"},{"text":" there"}]}}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	resp, err := c.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text() != "Hello there" {
		t.Errorf("Text = %q", resp.Text())
	}
	if gotPath != "/v1beta/models/"+DefaultModel+":generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("x-goog-api-key = %q", gotKey)
	}
	if gotBody.SystemInstruction == nil || gotBody.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system instruction not sent: %+v", gotBody.SystemInstruction)
	}
	if len(gotBody.SafetySettings) != 4 || gotBody.GenerationConfig.TopK != 40 {
		t.Errorf("generation parameters not sent: %+v", gotBody)
	}
}

func TestGenerate_MissingKey(t *testing.T) {
	c := NewClientWithBaseURL("", "http://127.0.0.1:1")
	if c.Configured() {
		t.Error("client without key reports configured")
	}
	_, err := c.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("err = %v, want ErrMissingAPIKey", err)
	}
	if Classify(err) != KindMissingKey {
		t.Errorf("Classify = %v", Classify(err))
	}
}

func TestGenerate_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL("k", srv.URL).Generate(context.Background(), testRequest())
	var up *UpstreamError
	if !errors.As(err, &up) || up.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want UpstreamError 400", err)
	}
	if !strings.Contains(up.Body, "bad") {
		t.Errorf("body = %q", up.Body)
	}
	if Classify(err) != KindOther {
		t.Errorf("Classify = %v", Classify(err))
	}
}

func TestGenerate_RateLimitRetry(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	if _, err := NewClientWithBaseURL("k", srv.URL).Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestGenerate_RateLimitExhausted(t *testing.T) {
	var attempt atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClientWithBaseURL("k", srv.URL).Generate(context.Background(), testRequest())
	if Classify(err) != KindRateLimited {
		t.Errorf("Classify(%v) = %v, want rate limited", err, Classify(err))
	}
	if got := attempt.Load(); got != maxRetries {
		t.Errorf("attempts = %d, want %d", got, maxRetries)
	}
}

func TestGenerate_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClientWithBaseURL("k", url).Generate(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if Classify(err) != KindConnection {
		t.Errorf("Classify(%v) = %v, want connection", err, Classify(err))
	}
}

func TestStream(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Micro\"}]}}]}\r\n\r\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"gravity\"}]}}]}\n\n")
		fmt.Fprint(w, ",{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"!\"}]}}],\"usageMetadata\":{\"totalTokenCount\":9}}]\n")
	}))
	defer srv.Close()

	texts, err := collect(t, NewClientWithBaseURL("k", srv.URL).Stream(context.Background(), testRequest()))
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if strings.Join(texts, "|") != "Micro|gravity|!" {
		t.Errorf("deltas = %q", texts)
	}
	if gotQuery != "alt=sse" {
		t.Errorf("query = %q, want alt=sse", gotQuery)
	}
}

func TestStream_ErrorIsLastDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	texts, err := collect(t, NewClientWithBaseURL("k", srv.URL).Stream(context.Background(), testRequest()))
	if len(texts) != 0 {
		t.Errorf("unexpected deltas %q", texts)
	}
	var up *UpstreamError
	if !errors.As(err, &up) || up.Status != http.StatusInternalServerError {
		t.Errorf("err = %v", err)
	}
}

func TestStream_Cancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"a\"}]}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch := NewClientWithBaseURL("k", srv.URL).Stream(ctx, testRequest())

	first := <-ch
	if first.Text != "a" {
		t.Fatalf("first delta = %+v", first)
	}
	cancel()

	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{`data: {"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`, "x", true},
		{`[{"candidates":[{"content":{"parts":[{"text":"y"}]}}]}`, "y", true},
		{`data: [DONE]`, "", false},
		{`{`, "", false},
		{``, "", false},
		{`]`, "", false},
	}
	for _, tt := range tests {
		resp, ok := parseLine(tt.line)
		if ok != tt.ok || resp.Text() != tt.want {
			t.Errorf("parseLine(%q) = %q, %v", tt.line, resp.Text(), ok)
		}
	}
}

func TestNew_TransportOptions(t *testing.T) {
	if _, err := New(Options{APIKey: "k", HTTPProxy: "://bad"}, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid proxy url")
	}

	c, err := New(Options{APIKey: "k", SSLVerify: false, HTTPProxy: "http://proxy.local:3128"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr := c.httpClient.Transport.(*http.Transport)
	if !tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("SSLVerify=false should skip verification")
	}
	req, _ := http.NewRequest(http.MethodPost, "https://generativelanguage.googleapis.com", nil)
	u, err := tr.Proxy(req)
	if err != nil || u == nil || u.Host != "proxy.local:3128" {
		t.Errorf("proxy = %v, %v", u, err)
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err = New(Options{APIKey: "k", SSLVerify: true, CABundle: bad}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unusable CA bundle should not be fatal: %v", err)
	}
	if c.httpClient.Transport.(*http.Transport).TLSClientConfig.RootCAs != nil {
		t.Error("unusable CA bundle should leave system roots in place")
	}
	if c.Model() != DefaultModel {
		t.Errorf("Model = %q", c.Model())
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != KindOther {
		t.Error("nil should classify as other")
	}
	if Classify(fmt.Errorf("wrap: %w", context.DeadlineExceeded)) != KindConnection {
		t.Error("deadline should classify as connection")
	}
	if Classify(io.ErrUnexpectedEOF) != KindOther {
		t.Error("unexpected EOF should classify as other")
	}
}
