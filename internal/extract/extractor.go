package extract

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/orbitdocs/spacebio/internal/metrics"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	defaultTimeout   = 10 * time.Second
	maxDownloadBytes = 20 << 20
)

// FetchError reports a resource URL that could not be turned into content.
// Status is zero for transport failures.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Extractor downloads resource pages and reduces them to display-safe HTML.
type Extractor struct {
	client    *http.Client
	userAgent string
	maxBytes  int
	logger    zerolog.Logger
}

type Option func(*Extractor)

// WithHTTPClient replaces the default client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) { e.client = c }
}

func WithUserAgent(ua string) Option {
	return func(e *Extractor) {
		if ua != "" {
			e.userAgent = ua
		}
	}
}

func WithMaxBytes(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// New creates an Extractor. Certificate verification is off for these
// fetches: pages are only read and displayed, and many publisher mirrors
// serve broken chains.
func New(timeout time.Duration, opts ...Option) *Extractor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: timeout,
	}
	e := &Extractor{
		client:    &http.Client{Timeout: timeout, Transport: transport},
		userAgent: DefaultUserAgent,
		maxBytes:  DefaultMaxBytes,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch downloads rawURL and returns sanitized HTML. PDF documents are
// rendered as preformatted text. An empty result with a nil error means the
// page had no readable content.
func (e *Extractor) Fetch(ctx context.Context, rawURL string) (content string, err error) {
	start := time.Now()
	target := hostOf(rawURL)
	defer func() {
		metrics.ObserveNetworkRequest("extract", "fetch", target, start, err)
		metrics.ObserveFetch(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &FetchError{URL: rawURL, Status: resp.StatusCode}
	}

	body := io.LimitReader(resp.Body, maxDownloadBytes)
	if isPDF(resp.Header.Get("Content-Type"), rawURL) {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", &FetchError{URL: rawURL, Err: err}
		}
		text, err := pdfText(data)
		if err != nil {
			return "", &FetchError{URL: rawURL, Err: err}
		}
		return truncate(preformatted(text), e.maxBytes), nil
	}

	// Legacy pages declare their charset in the header or a meta tag.
	decoded, err := charset.NewReader(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	content, err = Sanitize(decoded, e.maxBytes)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	e.logger.Debug().Str("url", rawURL).Int("bytes", len(content)).Msg("resource extracted")
	return content, nil
}

func isPDF(contentType, rawURL string) bool {
	if strings.HasPrefix(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func preformatted(text string) string {
	if text == "" {
		return ""
	}
	return `<pre style="white-space: pre-wrap;">` + html.EscapeString(text) + "</pre>"
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}

// PlainText reduces sanitized HTML to whitespace-collapsed text for use in
// prompts. The readability extraction is preferred unless it discards more
// than half of the visible text, which happens on short fragments.
func PlainText(content, pageURL string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	var raw string
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(content)); err == nil {
		raw = collapseSpace(doc.Text())
	} else {
		raw = collapseSpace(content)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		base = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(content), base)
	if err != nil {
		return raw
	}
	if text := collapseSpace(article.TextContent); len(text) >= len(raw)/2 && text != "" {
		return text
	}
	return raw
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FallbackHTML is shown in place of a resource that could not be loaded.
func FallbackHTML(rawURL string) string {
	esc := html.EscapeString(rawURL)
	return fmt.Sprintf(`Sorry, the content of this resource could not be loaded. You can consult the page directly at: <a href="%s" target="_blank" style="%s">%s</a>`, esc, linkStyle, esc)
}

// DefaultContent stands in for a page that loaded but had nothing readable.
func DefaultContent(title, rawURL string) string {
	return fmt.Sprintf("Content of the resource '%s'. For more information, see: %s", html.EscapeString(title), html.EscapeString(rawURL))
}
