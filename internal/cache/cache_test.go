package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMemory() (*Memory, *clock) {
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = c.now
	return m, c
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Tell Me About Mars", "tell me about mars"},
		{"  tell   me\tabout\nmars  ", "tell me about mars"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeyIgnoresCaseAndWhitespace(t *testing.T) {
	a := Key("Tell Me About Mars", "en", 0)
	b := Key("tell   me about mars", "en", 0)
	if a != b {
		t.Errorf("keys differ: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "chat_response:") {
		t.Errorf("unexpected key prefix: %s", a)
	}
}

func TestKeySeparatesLanguageAndResource(t *testing.T) {
	base := Key("mars", "en", 0)
	if base == Key("mars", "fr", 0) {
		t.Error("language must be part of the key")
	}
	if base == Key("mars", "en", 3) {
		t.Error("resource id must be part of the key")
	}
	if Key("mars", "en", 0) != Key("mars", "en", -1) {
		t.Error("non-positive resource ids should mean no resource")
	}
}

func TestFeatureKey(t *testing.T) {
	if got := FeatureKey("summary", 7); got != "ai_summary_res_7" {
		t.Errorf("FeatureKey = %q", got)
	}
}

func TestMemoryExpiry(t *testing.T) {
	m, c := newTestMemory()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	c.advance(time.Minute)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after ttl, got %v", err)
	}
	if n := m.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d entries, want 1", n)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d after sweep", m.Len())
	}
}

func TestMemoryIncrWindowStartsAtFirstHit(t *testing.T) {
	m, c := newTestMemory()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := m.Incr(ctx, "q", time.Hour)
		if err != nil {
			t.Fatalf("Incr: %v", err)
		}
		if n != int64(i) {
			t.Errorf("Incr #%d = %d", i, n)
		}
		c.advance(25 * time.Minute)
	}

	// 75 minutes after the first hit the window has closed, even though
	// the last increment was recent.
	n, _ := m.Incr(ctx, "q", time.Hour)
	if n != 1 {
		t.Errorf("counter should restart after window, got %d", n)
	}
}

func newTestAnswers(opts Options) (*Answers, *Memory, *clock) {
	m, c := newTestMemory()
	return NewAnswers(m, opts, zerolog.Nop()), m, c
}

func TestAnswersRoundTrip(t *testing.T) {
	a, _, c := newTestAnswers(Options{AnswerTTL: time.Hour})
	ctx := context.Background()
	key := Key("What is microgravity?", "en", 0)

	if _, ok := a.Answer(ctx, key); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	a.PutAnswer(ctx, key, "Weightlessness.")
	got, ok := a.Answer(ctx, key)
	if !ok || got != "Weightlessness." {
		t.Errorf("Answer = %q, %v", got, ok)
	}

	c.advance(time.Hour)
	if _, ok := a.Answer(ctx, key); ok {
		t.Error("answer should expire after AnswerTTL")
	}
}

func TestAnswersSkipsEmpty(t *testing.T) {
	a, m, _ := newTestAnswers(Options{})
	a.PutAnswer(context.Background(), "k", "")
	if m.Len() != 0 {
		t.Error("empty answers must not be stored")
	}
}

func TestIsFrequentAfterThreshold(t *testing.T) {
	a, _, _ := newTestAnswers(Options{})
	ctx := context.Background()
	msg := "How does radiation affect plants?"

	for i := 0; i < FrequentThreshold; i++ {
		a.RecordQuestion(ctx, msg)
	}
	if a.IsFrequent(ctx, msg) {
		t.Errorf("question asked %d times should not be frequent", FrequentThreshold)
	}
	a.RecordQuestion(ctx, "  HOW does radiation affect plants? ")
	if !a.IsFrequent(ctx, msg) {
		t.Error("question should be frequent after exceeding threshold")
	}
}

func TestDisabledIsNoop(t *testing.T) {
	a, m, _ := newTestAnswers(Options{Disabled: true})
	ctx := context.Background()

	a.PutAnswer(ctx, "k", "v")
	if n := a.RecordQuestion(ctx, "q"); n != 0 {
		t.Errorf("RecordQuestion = %d", n)
	}
	calls := 0
	var out string
	for i := 0; i < 2; i++ {
		err := a.Remember(ctx, "f", &out, func(context.Context) (any, error) {
			calls++
			return "x", nil
		})
		if err != nil {
			t.Fatalf("Remember: %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("disabled cache should call fn every time, got %d", calls)
	}
	if m.Len() != 0 {
		t.Errorf("disabled cache stored %d entries", m.Len())
	}
}

func TestRememberMemoizes(t *testing.T) {
	a, _, c := newTestAnswers(Options{FeatureTTL: time.Hour})
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (any, error) {
		calls++
		return []string{"bone", "muscle"}, nil
	}

	var first, second []string
	if err := a.Remember(ctx, FeatureKey("keywords", 1), &first, fn); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := a.Remember(ctx, FeatureKey("keywords", 1), &second, fn); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
	if len(second) != 2 || second[0] != "bone" {
		t.Errorf("memoized value = %v", second)
	}

	c.advance(time.Hour)
	var third []string
	_ = a.Remember(ctx, FeatureKey("keywords", 1), &third, fn)
	if calls != 2 {
		t.Errorf("fn should run again after FeatureTTL, calls = %d", calls)
	}
}

func TestRememberDoesNotStoreFailures(t *testing.T) {
	a, m, _ := newTestAnswers(Options{})
	boom := errors.New("boom")
	var out string
	err := a.Remember(context.Background(), "f", &out, func(context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if m.Len() != 0 {
		t.Error("failed result was stored")
	}
}
