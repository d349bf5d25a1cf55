package assistant

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/orbitdocs/spacebio/internal/cache"
	"github.com/orbitdocs/spacebio/internal/composer"
	"github.com/orbitdocs/spacebio/internal/extract"
	"github.com/orbitdocs/spacebio/internal/gemini"
	"github.com/orbitdocs/spacebio/internal/resource"
)

const (
	// SummaryUnavailable replaces a summary the model could not produce.
	SummaryUnavailable = "Summary unavailable."

	relatedLimit   = 5
	suggestedLimit = 3
)

// Summary returns a short HTML summary of resource id. Model failures
// degrade to SummaryUnavailable and are not cached; only an unknown id is
// an error.
func (a *Assistant) Summary(ctx context.Context, id int) (string, error) {
	r, ok := a.resources.Get(id)
	if !ok {
		return "", resource.ErrNotFound
	}
	var summary string
	err := a.cache.Remember(ctx, cache.FeatureKey("summary", id), &summary, func(ctx context.Context) (any, error) {
		text, err := a.ask(ctx, composer.Summary(r.Title, r.URL, a.sourceText(ctx, r)))
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(text), nil
	})
	if err != nil {
		a.logger.Warn().Err(err).Int("resource_id", id).Msg("summary unavailable")
		return SummaryUnavailable, nil
	}
	return summary, nil
}

// Keywords returns 5 to 10 short keywords for resource id, or an empty
// list when the model fails.
func (a *Assistant) Keywords(ctx context.Context, id int) ([]string, error) {
	r, ok := a.resources.Get(id)
	if !ok {
		return nil, resource.ErrNotFound
	}
	var keywords []string
	err := a.cache.Remember(ctx, cache.FeatureKey("keywords", id), &keywords, func(ctx context.Context) (any, error) {
		text, err := a.ask(ctx, composer.Keywords(r.Title, r.URL, a.sourceText(ctx, r)))
		if err != nil {
			return nil, err
		}
		return ParseKeywords(text), nil
	})
	if err != nil {
		a.logger.Warn().Err(err).Int("resource_id", id).Msg("keywords unavailable")
		return []string{}, nil
	}
	if keywords == nil {
		keywords = []string{}
	}
	return keywords, nil
}

// Related suggests up to five other resources sharing title words with id.
func (a *Assistant) Related(ctx context.Context, id int) ([]resource.Resource, error) {
	if _, ok := a.resources.Get(id); !ok {
		return nil, resource.ErrNotFound
	}
	var related []resource.Resource
	err := a.cache.Remember(ctx, cache.FeatureKey("related", id), &related, func(context.Context) (any, error) {
		return a.resources.Related(id, relatedLimit)
	})
	if err != nil {
		return nil, err
	}
	if related == nil {
		related = []resource.Resource{}
	}
	return related, nil
}

// SuggestedQuestions asks the model for follow-ups to question. Failures
// yield no suggestions.
func (a *Assistant) SuggestedQuestions(ctx context.Context, question string) []string {
	text, err := a.ask(ctx, composer.SuggestedQuestions(question))
	if err != nil {
		a.logger.Debug().Err(err).Msg("suggested questions unavailable")
		return nil
	}
	return ParseSuggestions(text)
}

func (a *Assistant) ask(ctx context.Context, req gemini.Request) (string, error) {
	resp, err := a.gen.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errEmptyAnswer
	}
	return text, nil
}

// sourceText is the plain text of r's content. A failed fetch yields ""
// so the prompt falls back to the title and URL.
func (a *Assistant) sourceText(ctx context.Context, r resource.Resource) string {
	content, err := a.resources.Content(ctx, r.ID)
	if err != nil {
		return ""
	}
	return extract.PlainText(content, r.URL)
}

// ParseKeywords reads a JSON array of strings, tolerating a surrounding
// code fence, and falls back to splitting on commas.
func ParseKeywords(text string) []string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var raw []any
	var fields []string
	if err := json.Unmarshal([]byte(text), &raw); err == nil {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				fields = append(fields, s)
			}
		}
	} else {
		fields = strings.Split(text, ",")
	}

	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ParseSuggestions keeps the first three list lines longer than five
// characters, without their bullets.
func ParseSuggestions(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Trim(line, "-•* \t\r")
		if len([]rune(line)) <= 5 {
			continue
		}
		out = append(out, line)
		if len(out) == suggestedLimit {
			break
		}
	}
	return out
}
