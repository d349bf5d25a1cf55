// Package conversation implements the per-session chat state machine:
// language onboarding, resource listing, publication search and the
// summary/detail follow-ups. It decides what to say and whether the model
// has to answer; it never calls the model itself.
package conversation

import (
	"fmt"
	"strings"

	"github.com/orbitdocs/spacebio/internal/intent"
	"github.com/orbitdocs/spacebio/internal/resource"
)

// Resources is the read side of the resource store used by the engine.
type Resources interface {
	All() []resource.Resource
	Search(query string) []resource.Resource
}

// Turn is one user message.
type Turn struct {
	Message string
	// Language, when set, counts as the onboarding choice for a fresh session.
	Language Language
	// HasHistory reports whether the client sent prior turns.
	HasHistory bool
	ResourceID int
}

// Outcome is the engine's decision for a turn.
type Outcome struct {
	// Parts are emitted verbatim, in order, before any generated text.
	Parts []string
	// Generate is set when the model must answer after Parts.
	Generate bool
	// Prompt replaces the user's message in the model request when set.
	Prompt string
}

// Text joins Parts.
func (o Outcome) Text() string { return strings.Join(o.Parts, "") }

type Engine struct {
	resources Resources
	rules     *intent.Classifier
}

func NewEngine(resources Resources, rules *intent.Classifier) *Engine {
	if rules == nil {
		rules = intent.Default()
	}
	return &Engine{resources: resources, rules: rules}
}

// Handle advances state by one turn. It only mutates the state it is given.
func (e *Engine) Handle(state *State, turn Turn) Outcome {
	msg := strings.TrimSpace(turn.Message)

	if e.rules.Is(intent.ListResources, msg) {
		return e.listResources(state.Language)
	}

	if state.AwaitingQuestion {
		if out, done := e.onboard(state, turn, msg); done {
			return out
		}
	}

	switch {
	case state.AwaitingSummaryConfirmation:
		return e.confirmSummary(state, msg)
	case state.AwaitingDetailConfirmation:
		return e.confirmDetail(state, msg)
	}

	if !e.rules.Substantive(msg) {
		return Outcome{Generate: true}
	}
	if turn.ResourceID > 0 {
		return Outcome{Generate: true}
	}
	return e.search(state, msg)
}

// onboard runs the language selection. done is false when the turn should
// continue into the Ready handling.
func (e *Engine) onboard(state *State, turn Turn, msg string) (Outcome, bool) {
	if turn.Language != "" && !state.LanguagePrompted {
		state.Language = turn.Language
		state.AwaitingQuestion = false
		return Outcome{}, false
	}

	if !state.LanguagePrompted && !turn.HasHistory {
		state.Language = English
		state.LanguagePrompted = true
		return Outcome{Parts: []string{languagePrompt}}, true
	}

	state.AwaitingQuestion = false
	state.LanguagePrompted = true
	if code, ok := e.rules.Language(msg); ok {
		state.Language = ParseLanguage(code)
		return Outcome{Parts: []string{state.Language.catalog().greeting}}, true
	}
	if turn.Language != "" {
		state.Language = turn.Language
	}
	return Outcome{}, false
}

func (e *Engine) listResources(lang Language) Outcome {
	c := lang.catalog()
	all := e.resources.All()
	if len(all) == 0 {
		return Outcome{Parts: []string{c.noResources}}
	}
	parts := make([]string, 0, len(all)+1)
	parts = append(parts, fmt.Sprintf(c.resourceHeader, len(all)))
	for _, r := range all {
		parts = append(parts, fmt.Sprintf(c.resourceLine, r.Title, r.ID, r.URL))
	}
	return Outcome{Parts: parts}
}

func (e *Engine) search(state *State, msg string) Outcome {
	c := state.Language.catalog()
	hits := e.resources.Search(msg)

	state.CurrentPublications = make([]Publication, 0, len(hits))
	for _, r := range hits {
		state.CurrentPublications = append(state.CurrentPublications, Publication{ID: r.ID, Title: r.Title, URL: r.URL})
	}

	if len(hits) == 0 {
		return Outcome{Parts: []string{c.notFound}}
	}

	state.LastQuestion = msg
	state.AwaitingSummaryConfirmation = true

	var sb strings.Builder
	fmt.Fprintf(&sb, c.found, len(hits))
	for _, p := range state.CurrentPublications {
		fmt.Fprintf(&sb, "- %s\n", p.Title)
	}
	sb.WriteString(c.askSummary)
	return Outcome{Parts: []string{sb.String()}}
}

func (e *Engine) confirmSummary(state *State, msg string) Outcome {
	c := state.Language.catalog()
	if !e.rules.Is(intent.Affirmative, msg) {
		state.reset()
		return Outcome{Parts: []string{c.closing}}
	}

	var sb strings.Builder
	if len(state.CurrentPublications) == 0 {
		sb.WriteString(c.noPublications)
	} else {
		sb.WriteString(c.summaryHeader)
		for _, p := range state.CurrentPublications {
			fmt.Fprintf(&sb, "- %s\n  %s\n\n", p.Title, p.URL)
		}
	}
	sb.WriteString(c.askDetail)

	state.AwaitingSummaryConfirmation = false
	state.AwaitingDetailConfirmation = true
	return Outcome{Parts: []string{sb.String()}}
}

func (e *Engine) confirmDetail(state *State, msg string) Outcome {
	c := state.Language.catalog()
	if !e.rules.Is(intent.Affirmative, msg) {
		state.reset()
		return Outcome{Parts: []string{c.closing}}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, c.detailPrompt, state.LastQuestion)
	for _, p := range state.CurrentPublications {
		fmt.Fprintf(&sb, "- %s (%s)\n", p.Title, p.URL)
	}
	state.reset()
	return Outcome{Parts: []string{c.detailHeader}, Generate: true, Prompt: sb.String()}
}
