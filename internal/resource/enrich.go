package resource

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

const (
	StatusCompleted  = "Completed"
	StatusInProgress = "In progress"
	unknownMission   = "Unknown mission"
)

var (
	yearPattern    = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	ongoingPattern = regexp.MustCompile(`(?i)in progress|ongoing|prépublication|preprint`)
	missionPattern = regexp.MustCompile(`(?i)(Artemis Base Camp|Lunar Gateway|New Horizons|Artemis|Bion-M|ISS|Mars|Apollo|Voyager|Hubble|Perseverance|Curiosity|Viking|Juno|Cassini|Dragon|Starliner|Orion|Gateway)`)
	wordSplit      = regexp.MustCompile(`[^a-z0-9]+`)
)

// typeByHost maps host patterns to a resource type, checked in order.
var typeByHost = []struct {
	pattern *regexp.Regexp
	kind    string
}{
	{regexp.MustCompile(`youtube\.com|youtu\.be`), "video"},
	{regexp.MustCompile(`github\.com`), "code"},
	{regexp.MustCompile(`zenodo\.org|figshare\.com`), "dataset"},
	{regexp.MustCompile(`arxiv\.org`), "preprint"},
	{regexp.MustCompile(`doi\.org`), "doi"},
}

// Enriched is a resource with dashboard metadata derived from its title and URL.
type Enriched struct {
	ID           int    `json:"id"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Organization string `json:"organization"`
	Mission      string `json:"mission"`
	Year         string `json:"year"`
	Status       string `json:"status"`
	Type         string `json:"type"`
}

// Experiment is the dashboard progress view of a resource.
type Experiment struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	StartDate    string `json:"startDate"`
	EndDate      string `json:"endDate"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Organization string `json:"organization"`
}

// Enrich derives dashboard metadata for r.
func Enrich(r Resource) Enriched {
	host, path := "", ""
	if u, err := url.Parse(r.URL); err == nil {
		host = strings.ToLower(u.Hostname())
		path = strings.ToLower(u.Path)
	}
	host = strings.TrimPrefix(host, "www.")

	kind := "document"
	if strings.HasSuffix(path, ".pdf") {
		kind = "pdf"
	} else {
		for _, t := range typeByHost {
			if t.pattern.MatchString(host) {
				kind = t.kind
				break
			}
		}
	}

	status := StatusCompleted
	if ongoingPattern.MatchString(r.Title) {
		status = StatusInProgress
	}

	mission := unknownMission
	if m := missionPattern.FindString(r.Title); m != "" {
		mission = m
	}

	return Enriched{
		ID:           r.ID,
		Title:        r.Title,
		URL:          r.URL,
		Organization: host,
		Mission:      mission,
		Year:         yearPattern.FindString(r.Title),
		Status:       status,
		Type:         kind,
	}
}

func (s *Store) Enriched() []Enriched {
	out := make([]Enriched, 0, len(s.items))
	for _, r := range s.items {
		out = append(out, Enrich(r))
	}
	return out
}

// Experiments lists every resource as an experiment; ongoing work reports
// 50% progress, everything else 100%.
func (s *Store) Experiments() []Experiment {
	out := make([]Experiment, 0, len(s.items))
	for _, e := range s.Enriched() {
		progress := 100
		if e.Status == StatusInProgress {
			progress = 50
		}
		out = append(out, Experiment{
			ID:           e.ID,
			Name:         e.Title,
			Status:       e.Status,
			Progress:     progress,
			Organization: e.Organization,
		})
	}
	return out
}

// Related ranks other resources by how many words of id's title they share,
// returning at most limit entries.
func (s *Store) Related(id, limit int) ([]Resource, error) {
	current, ok := s.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if limit <= 0 {
		limit = searchLimit
	}

	seen := make(map[string]bool)
	var words []string
	for _, w := range wordSplit.Split(strings.ToLower(current.Title), -1) {
		if w != "" && !seen[w] {
			seen[w] = true
			words = append(words, w)
		}
	}

	type scored struct {
		r     Resource
		score int
	}
	var hits []scored
	for _, r := range s.items {
		if r.ID == id {
			continue
		}
		title := strings.ToLower(r.Title)
		n := 0
		for _, w := range words {
			if strings.Contains(title, w) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, scored{r, n})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Resource, len(hits))
	for i, h := range hits {
		out[i] = h.r
	}
	return out, nil
}
