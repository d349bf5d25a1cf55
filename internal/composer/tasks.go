package composer

import (
	"fmt"
	"strings"

	"github.com/orbitdocs/spacebio/internal/gemini"
)

const (
	// SummaryInputLimit and KeywordsInputLimit cap the resource text sent
	// to the assist prompts, in runes.
	SummaryInputLimit  = 8000
	KeywordsInputLimit = 6000
)

// Summary asks for a short HTML summary of a resource.
func Summary(title, url, text string) gemini.Request {
	return task(
		"You are an AI assistant specialized in space biosciences. Produce a concise, structured summary in HTML (short headings, bullet lists). Quote elements of the content when relevant.",
		0.5,
		"Summarize the following resource in 5 to 8 sentences at most.",
		sourceText(title, url, text, SummaryInputLimit),
	)
}

// Keywords asks for 5 to 10 short keywords as a JSON array of strings.
func Keywords(title, url, text string) gemini.Request {
	return task(
		"You are an AI assistant. Extract 5 to 10 short keywords (one to three words each). Return only a JSON array of strings, with no additional text.",
		0.3,
		sourceText(title, url, text, KeywordsInputLimit),
	)
}

// SuggestedQuestions asks for three follow-up questions to question.
func SuggestedQuestions(question string) gemini.Request {
	return task(
		"Generate only follow-up questions, without explanations.",
		0.7,
		fmt.Sprintf("As a space biosciences expert, propose 3 relevant, short and precise follow-up questions, as a bulleted list, for this question: %q", question),
	)
}

func task(system string, temperature float64, user ...string) gemini.Request {
	parts := make([]gemini.Part, 0, len(user))
	for _, u := range user {
		parts = append(parts, gemini.Part{Text: u})
	}
	return gemini.Request{
		SystemInstruction: &gemini.Content{Parts: []gemini.Part{{Text: system}}},
		Contents:          []gemini.Content{{Role: gemini.RoleUser, Parts: parts}},
		GenerationConfig:  gemini.GenerationConfig{Temperature: temperature},
	}
}

// sourceText is the resource text, or its title and URL when there is none.
func sourceText(title, url, text string, limit int) string {
	text = strings.TrimSpace(StripTags(text))
	if text == "" {
		return title + " " + url
	}
	r := []rune(text)
	if len(r) > limit {
		r = r[:limit]
	}
	return string(r)
}
