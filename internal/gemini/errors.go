package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrMissingAPIKey is returned by every call when no key is configured.
var ErrMissingAPIKey = errors.New("gemini: API key missing")

// UpstreamError is a non-200 answer from the API.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d: %s", e.Status, e.Body)
}

// Kind groups errors by the message a user should see.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindConnection
	KindMissingKey
)

// Classify maps err to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, ErrMissingAPIKey) {
		return KindMissingKey
	}
	var up *UpstreamError
	if errors.As(err, &up) && up.Status == http.StatusTooManyRequests {
		return KindRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnection
	}
	return KindOther
}
