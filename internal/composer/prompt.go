// Package composer assembles Gemini requests for chat turns and for the
// resource assist features.
package composer

import (
	"fmt"
	"strings"

	"github.com/orbitdocs/spacebio/internal/conversation"
	"github.com/orbitdocs/spacebio/internal/gemini"
)

const (
	defaultMaxContextTokens = 4000

	// ExcerptLimit caps the resource text injected into a chat turn, in runes.
	ExcerptLimit = 6000
)

var systemInstructions = map[conversation.Language]string{
	conversation.English: "You are an AI assistant specialized in space biosciences.\n" +
		"If a resource is provided, prioritize using its content in your response.\n" +
		"Otherwise, respond using your general knowledge of space biosciences.\n" +
		"Responses should be: concise, factual, with precise references to the resource when relevant.\n" +
		"If the question is outside the domain of space biosciences, politely explain that you specialize in this field.",
	conversation.French: "Vous êtes un assistant d'IA expert en biosciences spatiales.\n" +
		"Si une ressource est fournie, répondez PRIORITAIREMENT en vous appuyant sur son contenu.\n" +
		"Sinon, répondez avec vos connaissances générales en biosciences spatiales.\n" +
		"Réponses: concises, factuelles, et avec références précises à la ressource quand pertinent.\n" +
		"Si la question sort du domaine des biosciences spatiales, répondez poliment que vous êtes spécialisé dans ce domaine.",
}

type groundingText struct {
	active, content, unavailable string
}

var grounding = map[conversation.Language]groundingText{
	conversation.English: {
		active:      "\n\nACTIVE RESOURCE: [Resource: %s](%s)\n",
		content:     "RESOURCE CONTENT %q (use it to answer):\n",
		unavailable: "WARNING: the requested resource could not be loaded. Answer from general knowledge.",
	},
	conversation.French: {
		active:      "\n\nRESSOURCE ACTIVE : [Ressource : %s](%s)\n",
		content:     "CONTENU DE LA RESSOURCE %q (à utiliser pour répondre) :\n",
		unavailable: "ATTENTION : la ressource demandée n'a pas pu être chargée. Répondez en vous basant sur vos connaissances générales.",
	},
}

// Message is one prior turn as sent by the client.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Grounding is the resource attached to a turn. Failed marks a resource
// whose content could not be loaded.
type Grounding struct {
	Title  string
	URL    string
	Text   string
	Failed bool
}

// Input is everything a chat request is built from.
type Input struct {
	Language conversation.Language
	History  []Message
	Resource *Grounding
	Message  string
}

// Composer builds chat requests. History beyond MaxContextTokens is
// dropped oldest first.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for history.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose builds the request for a chat turn: the localized system
// instruction, prior turns as alternating user/model contents, then one
// user content holding the resource context and the message.
func (c *Composer) Compose(in Input) gemini.Request {
	system, ok := systemInstructions[in.Language]
	if !ok {
		system = systemInstructions[conversation.English]
	}
	g, ok := grounding[in.Language]
	if !ok {
		g = grounding[conversation.English]
	}

	var final []gemini.Part
	if r := in.Resource; r != nil {
		if r.Failed {
			final = append(final, gemini.Part{Text: g.unavailable})
		} else {
			system += fmt.Sprintf(g.active, r.Title, r.URL)
			final = append(final, gemini.Part{Text: fmt.Sprintf(g.content, r.Title) + Excerpt(r.Text, ExcerptLimit)})
		}
	}
	final = append(final, gemini.Part{Text: in.Message})

	contents := c.history(in.History)
	if n := len(contents); n > 0 && contents[n-1].Role == gemini.RoleUser {
		contents[n-1].Parts = append(contents[n-1].Parts, final...)
	} else {
		contents = append(contents, gemini.Content{Role: gemini.RoleUser, Parts: final})
	}

	return gemini.Request{
		SystemInstruction: &gemini.Content{Parts: []gemini.Part{{Text: system}}},
		Contents:          contents,
		GenerationConfig:  gemini.ChatConfig,
		SafetySettings:    gemini.PermissiveSafety,
	}
}

// history maps client turns to Gemini contents, newest turns first in the
// budget. Consecutive turns with the same role are merged and the result
// never starts with a model turn.
func (c *Composer) history(msgs []Message) []gemini.Content {
	remaining := c.MaxContextTokens
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		tokens := EstimateTokens(msgs[i].Content)
		if tokens > remaining {
			break
		}
		remaining -= tokens
		start = i
	}

	var out []gemini.Content
	for _, m := range msgs[start:] {
		text := strings.TrimSpace(StripTags(m.Content))
		if text == "" {
			continue
		}
		role := gemini.RoleModel
		if m.Role == "user" {
			role = gemini.RoleUser
		}
		if len(out) == 0 && role == gemini.RoleModel {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, gemini.Part{Text: text})
			continue
		}
		out = append(out, gemini.Text(role, text))
	}
	return out
}

// Excerpt cuts s to at most limit runes, appending "..." when cut.
func Excerpt(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
