package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/orbitdocs/spacebio/internal/metrics"
)

// Stream sends a streamGenerateContent request and returns a channel of
// text fragments in arrival order. The channel is closed when the answer is
// complete; a failure is reported as a final Delta with Err set. Cancelling
// ctx stops the producer and releases the connection.
func (c *Client) Stream(ctx context.Context, req Request) <-chan Delta {
	out := make(chan Delta)
	go func() {
		defer close(out)
		start := time.Now()

		rc, err := c.post(ctx, "streamGenerateContent", req)
		if err != nil {
			metrics.ObserveNetworkRequest("gemini", "stream", c.model, start, err)
			send(ctx, out, Delta{Err: err})
			return
		}
		defer rc.Close()

		usage, err := decodeStream(ctx, rc, out)
		metrics.ObserveNetworkRequest("gemini", "stream", c.model, start, err)
		if err != nil {
			send(ctx, out, Delta{Err: err})
			return
		}
		observeUsage(c.model, time.Since(start), usage)
	}()
	return out
}

// decodeStream reads newline-delimited chunks. Each line may be an SSE
// "data:" frame or a bare JSON object, possibly wrapped in the array
// punctuation of the non-SSE format; lines that do not decode are skipped.
func decodeStream(ctx context.Context, r io.Reader, out chan<- Delta) (*UsageMetadata, error) {
	reader := bufio.NewReader(r)
	var usage *UsageMetadata
	for {
		line, readErr := reader.ReadString('\n')
		if chunk, ok := parseLine(line); ok {
			if chunk.UsageMetadata != nil {
				usage = chunk.UsageMetadata
			}
			if len(chunk.Candidates) > 0 {
				for _, p := range chunk.Candidates[0].Content.Parts {
					if p.Text == "" {
						continue
					}
					if !send(ctx, out, Delta{Text: p.Text}) {
						return usage, ctx.Err()
					}
					metrics.StreamDeltasTotal.Inc()
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return usage, nil
			}
			return usage, readErr
		}
	}
}

func parseLine(line string) (Response, bool) {
	line = strings.TrimSpace(line)
	line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if line == "[DONE]" {
		return Response{}, false
	}
	line = strings.TrimPrefix(line, "[")
	line = strings.TrimPrefix(line, ",")
	line = strings.TrimSuffix(line, "]")
	line = strings.TrimSuffix(line, ",")
	line = strings.TrimSpace(line)
	if line == "" {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

func send(ctx context.Context, out chan<- Delta, d Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
