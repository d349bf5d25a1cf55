package conversation

// Phase is the engine's position in the onboarding and follow-up flow.
type Phase string

const (
	AwaitingLanguage            Phase = "awaiting_language"
	Ready                       Phase = "ready"
	AwaitingSummaryConfirmation Phase = "awaiting_summary_confirmation"
	AwaitingDetailConfirmation  Phase = "awaiting_detail_confirmation"
)

// Publication is a search hit remembered between turns.
type Publication struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// State is one session's conversation state. It is serialized as JSON by
// the session stores.
type State struct {
	Language                    Language      `json:"language"`
	AwaitingQuestion            bool          `json:"awaitingQuestion"`
	LanguagePrompted            bool          `json:"languagePrompted"`
	AwaitingSummaryConfirmation bool          `json:"awaitingSummaryConfirmation"`
	AwaitingDetailConfirmation  bool          `json:"awaitingDetailConfirmation"`
	CurrentPublications         []Publication `json:"currentPublications"`
	LastQuestion                string        `json:"lastQuestion,omitempty"`
}

// NewState returns the state of a fresh session.
func NewState() *State {
	return &State{
		Language:            English,
		AwaitingQuestion:    true,
		CurrentPublications: []Publication{},
	}
}

// Phase derives the current phase from the flags.
func (s *State) Phase() Phase {
	switch {
	case s.AwaitingQuestion:
		return AwaitingLanguage
	case s.AwaitingSummaryConfirmation:
		return AwaitingSummaryConfirmation
	case s.AwaitingDetailConfirmation:
		return AwaitingDetailConfirmation
	default:
		return Ready
	}
}

// reset returns to Ready, keeping the chosen language.
func (s *State) reset() {
	s.AwaitingSummaryConfirmation = false
	s.AwaitingDetailConfirmation = false
	s.CurrentPublications = []Publication{}
	s.LastQuestion = ""
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.CurrentPublications = append([]Publication{}, s.CurrentPublications...)
	return &c
}
