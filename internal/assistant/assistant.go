// Package assistant runs chat turns end to end: conversation state, answer
// cache, grounding, generation and the interaction log. It also serves the
// per-resource assist features.
package assistant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orbitdocs/spacebio/internal/cache"
	"github.com/orbitdocs/spacebio/internal/composer"
	"github.com/orbitdocs/spacebio/internal/conversation"
	"github.com/orbitdocs/spacebio/internal/extract"
	"github.com/orbitdocs/spacebio/internal/gemini"
	"github.com/orbitdocs/spacebio/internal/resource"
	"github.com/orbitdocs/spacebio/internal/storage"
)

const defaultStreamTimeout = 60 * time.Second

// Generator is the model client.
type Generator interface {
	Configured() bool
	Model() string
	Generate(ctx context.Context, req gemini.Request) (gemini.Response, error)
	Stream(ctx context.Context, req gemini.Request) <-chan gemini.Delta
}

// Resources is the resource store surface used by the assistant.
type Resources interface {
	conversation.Resources
	Get(id int) (resource.Resource, bool)
	Content(ctx context.Context, id int) (string, error)
	Related(id, limit int) ([]resource.Resource, error)
}

// InteractionLog records completed turns.
type InteractionLog interface {
	SaveInteraction(i storage.Interaction) error
}

// Deps wires an Assistant. Log may be nil.
type Deps struct {
	Engine        *conversation.Engine
	Sessions      conversation.Sessions
	Resources     Resources
	Composer      *composer.Composer
	Generator     Generator
	Cache         *cache.Answers
	Log           InteractionLog
	StreamTimeout time.Duration
	Logger        zerolog.Logger
}

type Assistant struct {
	engine        *conversation.Engine
	sessions      conversation.Sessions
	locks         *conversation.Locks
	resources     Resources
	composer      *composer.Composer
	gen           Generator
	cache         *cache.Answers
	log           InteractionLog
	streamTimeout time.Duration
	logger        zerolog.Logger
}

func New(d Deps) *Assistant {
	if d.StreamTimeout <= 0 {
		d.StreamTimeout = defaultStreamTimeout
	}
	if d.Composer == nil {
		d.Composer = composer.New(0)
	}
	return &Assistant{
		engine:        d.Engine,
		sessions:      d.Sessions,
		locks:         conversation.NewLocks(),
		resources:     d.Resources,
		composer:      d.Composer,
		gen:           d.Generator,
		cache:         d.Cache,
		log:           d.Log,
		streamTimeout: d.StreamTimeout,
		logger:        d.Logger,
	}
}

// Request is one chat turn from a client.
type Request struct {
	SessionID  string
	Message    string
	Language   string
	ResourceID int
	History    []composer.Message
	FastMode   bool
}

// Reply is the buffered answer to a Request.
type Reply struct {
	SessionID          string
	Response           string
	Cached             bool
	IsFrequent         bool
	SuggestedQuestions []string
}

// turn is a request after the conversation engine has run.
type turn struct {
	req     Request
	lang    conversation.Language
	outcome conversation.Outcome
	prompt  string
	key     string
}

// begin locks the session, runs the engine and saves the new state. The
// returned unlock must be called once the turn is finished.
func (a *Assistant) begin(ctx context.Context, req *Request) (turn, func(), error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	unlock, err := a.locks.Lock(ctx, req.SessionID)
	if err != nil {
		return turn{}, nil, err
	}

	state, err := a.sessions.Load(ctx, req.SessionID)
	if err != nil {
		unlock()
		return turn{}, nil, err
	}

	var lang conversation.Language
	if req.Language != "" {
		lang = conversation.ParseLanguage(req.Language)
	}
	out := a.engine.Handle(state, conversation.Turn{
		Message:    req.Message,
		Language:   lang,
		HasHistory: len(req.History) > 0,
		ResourceID: req.ResourceID,
	})
	if err := a.sessions.Save(ctx, req.SessionID, state); err != nil {
		unlock()
		return turn{}, nil, err
	}

	t := turn{req: *req, lang: state.Language, outcome: out, prompt: out.Prompt}
	if t.prompt == "" {
		t.prompt = req.Message
	}
	t.key = cache.Key(t.prompt, string(t.lang), req.ResourceID)
	return t, unlock, nil
}

// Chat answers a turn in one piece.
func (a *Assistant) Chat(ctx context.Context, req Request) (Reply, error) {
	t, unlock, err := a.begin(ctx, &req)
	if err != nil {
		return Reply{}, err
	}
	defer unlock()

	reply := Reply{SessionID: req.SessionID}
	prefix := t.outcome.Text()
	if !t.outcome.Generate {
		reply.Response = prefix
		a.record(t, reply.Response, false, storage.StatusCompleted)
		return reply, nil
	}

	if !a.gen.Configured() {
		reply.Response = prefix + t.lang.Text(conversation.MissingAPIKey)
		a.record(t, reply.Response, false, storage.StatusFailed)
		return reply, nil
	}

	if answer, ok := a.cache.Answer(ctx, t.key); ok {
		reply.Response = prefix + answer
		reply.Cached = true
		a.cache.RecordQuestion(ctx, t.prompt)
		a.record(t, reply.Response, true, storage.StatusCompleted)
		return reply, nil
	}

	reply.IsFrequent = a.cache.IsFrequent(ctx, t.prompt)
	answer, err := a.generate(ctx, t)
	status := storage.StatusCompleted
	if err != nil {
		a.logger.Error().Err(err).Str("session_id", req.SessionID).Int("resource_id", req.ResourceID).Msg("generation failed")
		answer = userMessage(t.lang, err)
		status = storage.StatusFailed
	} else {
		a.cache.PutAnswer(ctx, t.key, answer)
		if !req.FastMode && !reply.IsFrequent {
			reply.SuggestedQuestions = a.SuggestedQuestions(ctx, t.prompt)
		}
	}
	a.cache.RecordQuestion(ctx, t.prompt)

	reply.Response = prefix + answer
	a.record(t, reply.Response, false, status)
	return reply, nil
}

// errEmptyAnswer marks a response without text.
var errEmptyAnswer = errors.New("empty answer")

func (a *Assistant) generate(ctx context.Context, t turn) (string, error) {
	resp, err := a.gen.Generate(ctx, a.request(ctx, t))
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", errEmptyAnswer
	}
	return text, nil
}

// request composes the model request, loading the grounding resource when
// the turn names one.
func (a *Assistant) request(ctx context.Context, t turn) gemini.Request {
	in := composer.Input{Language: t.lang, History: t.req.History, Message: t.prompt}
	if id := t.req.ResourceID; id > 0 {
		in.Resource = a.grounding(ctx, id)
	}
	return a.composer.Compose(in)
}

func (a *Assistant) grounding(ctx context.Context, id int) *composer.Grounding {
	r, ok := a.resources.Get(id)
	if !ok {
		a.logger.Warn().Int("resource_id", id).Msg("unknown resource requested, answering from general knowledge")
		return &composer.Grounding{Failed: true}
	}
	content, err := a.resources.Content(ctx, id)
	if err != nil {
		a.logger.Warn().Err(err).Int("resource_id", id).Msg("resource content unavailable, answering from general knowledge")
		return &composer.Grounding{Title: r.Title, URL: r.URL, Failed: true}
	}
	return &composer.Grounding{Title: r.Title, URL: r.URL, Text: extract.PlainText(content, r.URL)}
}

// userMessage turns a generation error into the text shown to the user.
func userMessage(lang conversation.Language, err error) string {
	if errors.Is(err, errEmptyAnswer) {
		return lang.Text(conversation.EmptyAnswer)
	}
	switch gemini.Classify(err) {
	case gemini.KindMissingKey:
		return lang.Text(conversation.MissingAPIKey)
	case gemini.KindRateLimited:
		return lang.Text(conversation.RateLimited)
	case gemini.KindConnection:
		return lang.Text(conversation.Unreachable)
	default:
		return lang.Text(conversation.GenerationFailed)
	}
}

func (a *Assistant) record(t turn, response string, cached bool, status string) {
	if a.log == nil {
		return
	}
	err := a.log.SaveInteraction(storage.Interaction{
		ID:         uuid.NewString(),
		SessionID:  t.req.SessionID,
		Message:    t.req.Message,
		Language:   string(t.lang),
		ResourceID: t.req.ResourceID,
		Response:   response,
		Model:      a.gen.Model(),
		Cached:     cached,
		Status:     status,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("session_id", t.req.SessionID).Msg("saving interaction failed")
	}
}
