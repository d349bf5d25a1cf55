package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://127.0.0.1:8080"

// errStreamIncomplete is returned when the server closes a chat stream
// without a done event.
var errStreamIncomplete = errors.New("stream ended before the answer completed")

type apiClient struct {
	baseURL    string
	sessionID  string
	httpClient *http.Client
}

var newAPIClient = func(cmd *cobra.Command) (*apiClient, error) {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		base = os.Getenv("SPACEBIO_URL")
	}
	if base == "" {
		base = defaultServerURL
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		// No client timeout: streams are bounded by the server.
		httpClient: &http.Client{},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set("X-Session-ID", c.sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is spacebio serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// streamChat posts to /chat/stream and hands every delta to onDelta. It
// returns the session id the server assigned.
func (c *apiClient) streamChat(ctx context.Context, body any, onDelta func(string)) (string, error) {
	resp, err := c.post(ctx, "/chat/stream", body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", decodeJSON(resp, &struct{}{})
	}
	defer resp.Body.Close()
	session := resp.Header.Get("X-Session-ID")

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "done":
				return session, nil
			case "error":
				var e struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal([]byte(data), &e); err != nil {
					return session, fmt.Errorf("malformed error event: %w", err)
				}
				return session, errors.New(e.Message)
			default:
				var d struct {
					Delta string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &d); err != nil {
					return session, fmt.Errorf("malformed delta: %w", err)
				}
				onDelta(d.Delta)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return session, fmt.Errorf("reading stream: %w", err)
	}
	return session, errStreamIncomplete
}
