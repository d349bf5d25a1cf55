// Package gemini is a small client for the Gemini generateContent API
// with blocking and streaming calls.
package gemini

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitdocs/spacebio/internal/metrics"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.5-flash"

	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxErrorBody   = 2048
)

// Options configures New.
type Options struct {
	APIKey         string
	Model          string
	BaseURL        string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	SSLVerify      bool
	CABundle       string
	HTTPProxy      string
}

// Client talks to the Gemini API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

// New builds a client. An empty API key is allowed; calls then fail with
// ErrMissingAPIKey.
func New(opts Options, logger zerolog.Logger) (*Client, error) {
	transport, err := newTransport(opts, logger)
	if err != nil {
		return nil, err
	}
	c := &Client{
		apiKey:     opts.APIKey,
		model:      opts.Model,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c, nil
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string) *Client {
	c, _ := New(Options{APIKey: apiKey, BaseURL: baseURL, SSLVerify: true}, zerolog.Nop())
	return c
}

func newTransport(opts Options, logger zerolog.Logger) (*http.Transport, error) {
	connect := opts.ConnectTimeout
	if connect <= 0 {
		connect = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connect,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}

	switch {
	case !opts.SSLVerify:
		logger.Warn().Msg("TLS verification disabled for the Gemini API")
		t.TLSClientConfig.InsecureSkipVerify = true
	case opts.CABundle != "":
		pool, err := loadCABundle(opts.CABundle)
		if err != nil {
			// Unreadable bundles fall back to the system roots.
			logger.Warn().Err(err).Str("path", opts.CABundle).Msg("CA bundle unusable, using system roots")
		} else {
			t.TLSClientConfig.RootCAs = pool
		}
	}

	if opts.HTTPProxy != "" {
		u, err := url.Parse(opts.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(u)
	}
	return t, nil
}

func loadCABundle(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Model returns the model identifier used for every call.
func (c *Client) Model() string { return c.model }

// Generate sends a blocking generateContent request.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	rc, err := c.post(ctx, "generateContent", req)
	if err != nil {
		metrics.ObserveNetworkRequest("gemini", "generate", c.model, start, err)
		return Response{}, err
	}
	defer rc.Close()

	var resp Response
	if err := json.NewDecoder(rc).Decode(&resp); err != nil {
		err = fmt.Errorf("decoding response: %w", err)
		metrics.ObserveNetworkRequest("gemini", "generate", c.model, start, err)
		return Response{}, err
	}
	metrics.ObserveNetworkRequest("gemini", "generate", c.model, start, nil)
	observeUsage(c.model, time.Since(start), resp.UsageMetadata)
	return resp, nil
}

// post sends body to the model method, retrying on 429 with exponential
// backoff. The caller must close the returned body.
func (c *Client) post(ctx context.Context, method string, req Request) (io.ReadCloser, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", c.baseURL, url.PathEscape(c.model), method)
	if method == "streamGenerateContent" {
		endpoint += "?alt=sse"
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.do(ctx, endpoint, body)
		if err == nil {
			return rc, nil
		}
		if Classify(err) != KindRateLimited {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			c.logger.Debug().Dur("backoff", backoff).Int("attempt", attempt+1).Msg("gemini rate limited, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint string, body []byte) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	// The request context is released when the caller closes the body.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func observeUsage(model string, d time.Duration, u *UsageMetadata) {
	if u == nil {
		metrics.ObserveLLMGeneration(model, d, 0, 0, 0)
		return
	}
	metrics.ObserveLLMGeneration(model, d, u.PromptTokenCount, u.CandidatesTokenCount, u.TotalTokenCount)
}
