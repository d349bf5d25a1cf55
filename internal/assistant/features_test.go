package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/orbitdocs/spacebio/internal/resource"
)

func TestSummary_CachedPerResource(t *testing.T) {
	h := newHarness(t, &fakeGenerator{answer: "  <ul><li>Cells grow slower.</li></ul> "}, nil)
	ctx := context.Background()

	for range 2 {
		got, err := h.assistant.Summary(ctx, 2)
		if err != nil {
			t.Fatalf("Summary: %v", err)
		}
		if got != "<ul><li>Cells grow slower.</li></ul>" {
			t.Errorf("summary = %q", got)
		}
	}
	if n := h.gen.called("generate"); n != 1 {
		t.Errorf("generate calls = %d, want 1", n)
	}
	if !strings.Contains(requestText(h.gen.requests[0]), "Cells grow slower in microgravity.") {
		t.Errorf("summary request lacks resource text: %q", requestText(h.gen.requests[0]))
	}
}

func TestSummary_FailureDegradesAndIsNotCached(t *testing.T) {
	h := newHarness(t, &fakeGenerator{genErr: errors.New("down")}, nil)
	ctx := context.Background()

	for range 2 {
		got, err := h.assistant.Summary(ctx, 1)
		if err != nil {
			t.Fatalf("Summary: %v", err)
		}
		if got != SummaryUnavailable {
			t.Errorf("summary = %q", got)
		}
	}
	if n := h.gen.called("generate"); n != 2 {
		t.Errorf("generate calls = %d, want a retry on every request", n)
	}
}

func TestSummary_FetchFailureUsesTitleAndURL(t *testing.T) {
	h := newHarness(t, &fakeGenerator{answer: "ok"}, staticFetcher{err: errors.New("timeout")})

	if _, err := h.assistant.Summary(context.Background(), 1); err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !strings.Contains(requestText(h.gen.requests[0]), "Mars rover mission https://nasa.gov/mars-rover") {
		t.Errorf("request = %q", requestText(h.gen.requests[0]))
	}
}

func TestFeatures_UnknownResource(t *testing.T) {
	h := newHarness(t, &fakeGenerator{answer: "x"}, nil)
	ctx := context.Background()

	if _, err := h.assistant.Summary(ctx, 42); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("Summary err = %v", err)
	}
	if _, err := h.assistant.Keywords(ctx, 42); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("Keywords err = %v", err)
	}
	if _, err := h.assistant.Related(ctx, 42); !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("Related err = %v", err)
	}
}

func TestKeywords(t *testing.T) {
	h := newHarness(t, &fakeGenerator{answer: "```json\n[\"microgravity\", \"cell culture\", \"\"]\n```"}, nil)

	got, err := h.assistant.Keywords(context.Background(), 2)
	if err != nil {
		t.Fatalf("Keywords: %v", err)
	}
	if strings.Join(got, "|") != "microgravity|cell culture" {
		t.Errorf("keywords = %q", got)
	}
}

func TestKeywords_FailureIsEmptyList(t *testing.T) {
	h := newHarness(t, &fakeGenerator{genErr: errors.New("down")}, nil)

	got, err := h.assistant.Keywords(context.Background(), 2)
	if err != nil {
		t.Fatalf("Keywords: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("keywords = %#v, want empty non-nil list", got)
	}
}

func TestRelated(t *testing.T) {
	h := newHarness(t, &fakeGenerator{}, nil)

	got, err := h.assistant.Related(context.Background(), 1)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Mars and Venus comparison" {
		t.Errorf("related = %+v", got)
	}

	got, err = h.assistant.Related(context.Background(), 2)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("related = %#v, want empty non-nil list", got)
	}
}

func TestParseKeywords(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`["a", "b c"]`, "a|b c"},
		{"```\n[\"x\"]\n```", "x"},
		{"bone loss, radiation ,  , plants", "bone loss|radiation|plants"},
		{`[1, "only strings"]`, "only strings"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := strings.Join(ParseKeywords(tt.in), "|"); got != tt.want {
			t.Errorf("ParseKeywords(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseSuggestions(t *testing.T) {
	got := ParseSuggestions("1.\n- Short\n- How does radiation affect DNA?\n\n* Why do plants bend?\n")
	if strings.Join(got, "|") != "How does radiation affect DNA?|Why do plants bend?" {
		t.Errorf("suggestions = %q", got)
	}
}
