package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/orbitdocs/spacebio/internal/extract"
)

// ErrNotFound is returned for an id outside the loaded manifest.
var ErrNotFound = errors.New("resource not found")

// ErrUnavailable marks content that is the fallback of a failed fetch.
var ErrUnavailable = errors.New("resource content unavailable")

const (
	searchLimit = 5

	// sharedFetchTimeout bounds a fetch that no caller can cancel.
	sharedFetchTimeout = 30 * time.Second
)

type entry struct {
	html   string
	failed bool
}

func (e entry) err() error {
	if e.failed {
		return ErrUnavailable
	}
	return nil
}

// Resource is one manifest entry. IDs are 1-based load positions.
type Resource struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Fetcher turns a resource URL into display HTML.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Store holds the manifest and lazily memoizes each resource's content for
// the life of the process. At most one fetch per id is in flight.
type Store struct {
	items   []Resource
	fetcher Fetcher
	logger  zerolog.Logger

	mu      sync.RWMutex
	content map[int]entry
	group   singleflight.Group
}

// New builds a store from entries, renumbering them by position.
func New(entries []Resource, fetcher Fetcher, logger zerolog.Logger) *Store {
	items := make([]Resource, len(entries))
	for i, e := range entries {
		items[i] = Resource{ID: i + 1, Title: e.Title, Description: e.Description, URL: e.URL}
	}
	return &Store{
		items:   items,
		fetcher: fetcher,
		logger:  logger,
		content: make(map[int]entry),
	}
}

// Load reads a JSON array of {title, url} from path. A missing or invalid
// file is logged and yields an empty store.
func Load(path string, fetcher Fetcher, logger zerolog.Logger) *Store {
	entries, err := readManifest(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("resource manifest unavailable, starting empty")
		return New(nil, fetcher, logger)
	}
	logger.Info().Str("path", path).Int("count", len(entries)).Msg("resources loaded")
	return New(entries, fetcher, logger)
}

func readManifest(path string) ([]Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var entries []Resource
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return entries, nil
}

// All returns every resource in load order.
func (s *Store) All() []Resource {
	out := make([]Resource, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) Len() int { return len(s.items) }

func (s *Store) Get(id int) (Resource, bool) {
	if id < 1 || id > len(s.items) {
		return Resource{}, false
	}
	return s.items[id-1], true
}

// Keywords lowercases query, splits it on spaces and keeps words longer
// than two characters.
func Keywords(query string) []string {
	var out []string
	for _, w := range strings.Split(strings.ToLower(query), " ") {
		if len([]rune(w)) > 2 {
			out = append(out, w)
		}
	}
	return out
}

// Search scores each title by how many query keywords it contains and
// returns up to five matches, best first, ties in load order.
func (s *Store) Search(query string) []Resource {
	keywords := Keywords(query)
	if len(keywords) == 0 {
		return nil
	}

	type scored struct {
		r     Resource
		score int
	}
	var hits []scored
	for _, r := range s.items {
		title := strings.ToLower(r.Title)
		score := 0
		for _, k := range keywords {
			if strings.Contains(title, k) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{r, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > searchLimit {
		hits = hits[:searchLimit]
	}
	out := make([]Resource, len(hits))
	for i, h := range hits {
		out[i] = h.r
	}
	return out
}

// Content returns the sanitized HTML for id, fetching it on first use.
// Concurrent callers share one fetch, detached from their contexts; a
// caller whose ctx ends gets ctx's error while the fetch runs on. When the
// fetch fails, a fallback pointing at the original URL is memoized and
// returned together with an error wrapping ErrUnavailable.
func (s *Store) Content(ctx context.Context, id int) (string, error) {
	r, ok := s.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	if c, ok := s.cached(id); ok {
		return c.html, c.err()
	}

	ch := s.group.DoChan(strconv.Itoa(id), func() (any, error) {
		return s.load(context.WithoutCancel(ctx), r)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.Val.(string), res.Err
	}
}

func (s *Store) load(ctx context.Context, r Resource) (string, error) {
	if c, ok := s.cached(r.ID); ok {
		return c.html, c.err()
	}
	ctx, cancel := context.WithTimeout(ctx, sharedFetchTimeout)
	defer cancel()

	log := s.logger.With().Int("resource_id", r.ID).Str("url", r.URL).Logger()
	log.Info().Msg("loading resource content")

	c, err := s.fetcher.Fetch(ctx, r.URL)
	if err != nil {
		log.Error().Err(err).Msg("resource fetch failed, serving fallback")
		fallback := extract.FallbackHTML(r.URL)
		s.remember(r.ID, entry{html: fallback, failed: true})
		return fallback, fmt.Errorf("loading resource %d: %w: %w", r.ID, ErrUnavailable, err)
	}
	if strings.TrimSpace(c) == "" {
		c = extract.DefaultContent(r.Title, r.URL)
	}
	s.remember(r.ID, entry{html: c})
	return c, nil
}

// CachedContent reports memoized content without fetching. Fallback
// content of a failed fetch counts as cached.
func (s *Store) CachedContent(id int) (string, bool) {
	c, ok := s.cached(id)
	return c.html, ok
}

// Failed reports whether the memoized content of id is the fallback of a
// failed fetch.
func (s *Store) Failed(id int) bool {
	c, ok := s.cached(id)
	return ok && c.failed
}

func (s *Store) cached(id int) (entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.content[id]
	return c, ok
}

// Invalidate drops memoized content so the next Content call refetches.
func (s *Store) Invalidate(id int) {
	s.mu.Lock()
	delete(s.content, id)
	s.mu.Unlock()
}

func (s *Store) remember(id int, c entry) {
	s.mu.Lock()
	s.content[id] = c
	s.mu.Unlock()
}
