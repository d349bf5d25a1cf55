package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitdocs/spacebio/internal/metrics"
)

// FrequentThreshold is the number of occurrences a question must exceed
// inside the frequency window to count as frequent.
const FrequentThreshold = 3

// Options configures Answers.
type Options struct {
	AnswerTTL    time.Duration
	FrequencyTTL time.Duration
	FeatureTTL   time.Duration
	Disabled     bool
}

// Answers is the chat-facing view of a Store: answer memoization,
// question frequency tracking, and memoized AI-assist features.
// Store failures are logged and treated as misses; they never fail a turn.
type Answers struct {
	store  Store
	opts   Options
	logger zerolog.Logger
}

func NewAnswers(store Store, opts Options, logger zerolog.Logger) *Answers {
	if opts.AnswerTTL <= 0 {
		opts.AnswerTTL = 24 * time.Hour
	}
	if opts.FrequencyTTL <= 0 {
		opts.FrequencyTTL = 7 * 24 * time.Hour
	}
	if opts.FeatureTTL <= 0 {
		opts.FeatureTTL = 12 * time.Hour
	}
	return &Answers{store: store, opts: opts, logger: logger}
}

// Answer returns the memoized answer for key.
func (a *Answers) Answer(ctx context.Context, key string) (string, bool) {
	if a.opts.Disabled {
		return "", false
	}
	b, err := a.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			a.logger.Warn().Err(err).Msg("answer cache read failed")
		}
		metrics.ObserveCache("answer", false)
		return "", false
	}
	metrics.ObserveCache("answer", true)
	return string(b), true
}

// PutAnswer memoizes a generated answer. Empty answers are not stored.
func (a *Answers) PutAnswer(ctx context.Context, key, answer string) {
	if a.opts.Disabled || answer == "" {
		return
	}
	if err := a.store.Set(ctx, key, []byte(answer), a.opts.AnswerTTL); err != nil {
		a.logger.Warn().Err(err).Msg("answer cache write failed")
	}
}

// RecordQuestion counts one occurrence of message and returns the new count.
func (a *Answers) RecordQuestion(ctx context.Context, message string) int64 {
	if a.opts.Disabled {
		return 0
	}
	n, err := a.store.Incr(ctx, FrequencyKey(message), a.opts.FrequencyTTL)
	if err != nil {
		a.logger.Warn().Err(err).Msg("frequency counter update failed")
		return 0
	}
	return n
}

// IsFrequent reports whether message has been asked more than
// FrequentThreshold times inside the current window.
func (a *Answers) IsFrequent(ctx context.Context, message string) bool {
	if a.opts.Disabled {
		return false
	}
	b, err := a.store.Get(ctx, FrequencyKey(message))
	if err != nil {
		return false
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	return err == nil && n > FrequentThreshold
}

// Remember loads the JSON value stored at key into dst, or calls fn,
// stores its result for the feature TTL and decodes it into dst. A failing
// fn is not memoized.
func (a *Answers) Remember(ctx context.Context, key string, dst any, fn func(context.Context) (any, error)) error {
	if !a.opts.Disabled {
		if b, err := a.store.Get(ctx, key); err == nil {
			if json.Unmarshal(b, dst) == nil {
				metrics.ObserveCache("feature", true)
				return nil
			}
		}
		metrics.ObserveCache("feature", false)
	}

	v, err := fn(ctx)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !a.opts.Disabled {
		if err := a.store.Set(ctx, key, b, a.opts.FeatureTTL); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("feature cache write failed")
		}
	}
	return json.Unmarshal(b, dst)
}

// Forget drops key.
func (a *Answers) Forget(ctx context.Context, key string) error {
	return a.store.Delete(ctx, key)
}
