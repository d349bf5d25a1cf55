package assistant

import (
	"context"
	"errors"
	"strings"

	"github.com/orbitdocs/spacebio/internal/conversation"
	"github.com/orbitdocs/spacebio/internal/storage"
)

// ErrStreamTimeout ends a stream that ran past the configured bound.
var ErrStreamTimeout = errors.New("stream timed out")

// Event is one streamed fragment. An event with Err set is terminal; its
// Text holds the localized notice for the user.
type Event struct {
	Text string
	Err  error
}

// ChatStream runs the turn and returns its text as a channel of deltas. The
// engine runs before ChatStream returns, so session errors surface here and
// not on the channel. The channel is closed when the answer is complete or
// ctx is cancelled.
func (a *Assistant) ChatStream(ctx context.Context, req Request) (string, <-chan Event, error) {
	t, unlock, err := a.begin(ctx, &req)
	if err != nil {
		return "", nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer unlock()
		a.stream(ctx, t, out)
	}()
	return req.SessionID, out, nil
}

func (a *Assistant) stream(ctx context.Context, t turn, out chan<- Event) {
	var full strings.Builder
	emit := func(text string) bool {
		if text == "" {
			return true
		}
		full.WriteString(text)
		return sendEvent(ctx, out, Event{Text: text})
	}

	for _, p := range t.outcome.Parts {
		if !emit(p) {
			return
		}
	}
	if !t.outcome.Generate {
		a.record(t, full.String(), false, storage.StatusCompleted)
		return
	}

	if !a.gen.Configured() {
		if emit(t.lang.Text(conversation.MissingAPIKey)) {
			a.record(t, full.String(), false, storage.StatusFailed)
		}
		return
	}

	if answer, ok := a.cache.Answer(ctx, t.key); ok {
		if emit(answer) {
			a.cache.RecordQuestion(ctx, t.prompt)
			a.record(t, full.String(), true, storage.StatusCompleted)
		}
		return
	}

	genCtx, cancel := context.WithTimeout(ctx, a.streamTimeout)
	defer cancel()

	answer, status, err := a.streamAnswer(genCtx, t, emit)
	switch {
	case ctx.Err() != nil:
		// Client went away; nothing is persisted for a partial answer.
		return
	case errors.Is(genCtx.Err(), context.DeadlineExceeded):
		a.logger.Warn().Str("session_id", t.req.SessionID).Dur("timeout", a.streamTimeout).Msg("stream abandoned after timeout")
		notice := t.lang.Text(conversation.StreamTimeout)
		full.WriteString(notice)
		sendEvent(ctx, out, Event{Text: notice, Err: ErrStreamTimeout})
		a.record(t, full.String(), false, storage.StatusFailed)
		return
	case err != nil:
		a.logger.Error().Err(err).Str("session_id", t.req.SessionID).Int("resource_id", t.req.ResourceID).Msg("streamed generation failed")
		if !emit(t.lang.Text(conversation.Apology)) {
			return
		}
	default:
		a.cache.PutAnswer(ctx, t.key, answer)
	}
	a.cache.RecordQuestion(ctx, t.prompt)
	a.record(t, full.String(), false, status)
}

// streamAnswer forwards model deltas through emit. When the stream fails
// before producing any text, one non-streaming call is made instead. A
// failure after text was forwarded is returned with the partial answer.
func (a *Assistant) streamAnswer(ctx context.Context, t turn, emit func(string) bool) (string, string, error) {
	req := a.request(ctx, t)

	var answer strings.Builder
	var streamErr error
	for d := range a.gen.Stream(ctx, req) {
		if d.Err != nil {
			streamErr = d.Err
			break
		}
		answer.WriteString(d.Text)
		if !emit(d.Text) {
			return answer.String(), storage.StatusFailed, context.Canceled
		}
	}

	if answer.Len() > 0 {
		if streamErr != nil {
			return answer.String(), storage.StatusFailed, streamErr
		}
		return answer.String(), storage.StatusCompleted, nil
	}
	if ctx.Err() != nil {
		return "", storage.StatusFailed, ctx.Err()
	}

	if streamErr != nil {
		a.logger.Warn().Err(streamErr).Str("session_id", t.req.SessionID).Msg("stream failed, retrying without streaming")
	}
	text, err := a.generate(ctx, t)
	if err != nil {
		return "", storage.StatusFailed, err
	}
	if !emit(text) {
		return text, storage.StatusFailed, context.Canceled
	}
	return text, storage.StatusFallback, nil
}

func sendEvent(ctx context.Context, out chan<- Event, e Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}
