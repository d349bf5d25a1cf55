package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/orbitdocs/spacebio/internal/prefetch"
	"github.com/orbitdocs/spacebio/internal/resource"
)

const defaultInteractionLimit = 50

type resourceContent struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// resourceID parses the {id} route parameter and checks it exists. It
// writes the 404 itself and returns false when it does not.
func (h *handler) resourceID(w http.ResponseWriter, r *http.Request) (resource.Resource, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, "resource")
		return resource.Resource{}, false
	}
	res, ok := h.resources.Get(id)
	if !ok {
		writeNotFound(w, "resource")
		return resource.Resource{}, false
	}
	return res, true
}

func (h *handler) handleListResources(w http.ResponseWriter, r *http.Request) {
	var list []resource.Resource
	if q := r.URL.Query().Get("search"); q != "" {
		list = h.resources.Search(q)
	} else {
		list = h.resources.All()
	}
	if list == nil {
		list = []resource.Resource{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

// handleGetResource serves the extracted content. A failed fetch still
// answers 200 with the fallback page; ?refresh=1 drops memoized content.
func (h *handler) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("refresh") == "1" {
		h.resources.Invalidate(res.ID)
	}
	content, err := h.resources.Content(r.Context(), res.ID)
	if err != nil {
		h.logger.Warn().Err(err).Int("resource_id", res.ID).Msg("serving fallback content")
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": resourceContent{
		ID:      res.ID,
		Title:   res.Title,
		URL:     res.URL,
		Content: content,
	}})
}

func (h *handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	summary, err := h.assistant.Summary(r.Context(), res.ID)
	if err != nil {
		h.featureError(w, r, res.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (h *handler) handleKeywords(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	keywords, err := h.assistant.Keywords(r.Context(), res.ID)
	if err != nil {
		h.featureError(w, r, res.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": keywords})
}

func (h *handler) handleRelated(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	related, err := h.assistant.Related(r.Context(), res.ID)
	if err != nil {
		h.featureError(w, r, res.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"related": related})
}

// featureError maps assist failures. Only a vanished resource is reported;
// anything else degrades to an empty result.
func (h *handler) featureError(w http.ResponseWriter, r *http.Request, id int, err error) {
	if errors.Is(err, resource.ErrNotFound) {
		writeNotFound(w, "resource")
		return
	}
	h.logger.Warn().Err(err).Int("resource_id", id).Str("path", r.URL.Path).Msg("assist feature failed")
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (h *handler) handleEnriched(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.resources.Enriched()})
}

func (h *handler) handleExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.resources.Experiments()})
}

func (h *handler) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	res, ok := h.resourceID(w, r)
	if !ok {
		return
	}
	job, created, err := prefetch.Enqueue(h.store, res.ID, r.URL.Query().Get("refresh") == "1")
	if err != nil {
		h.writeServerError(w, r, "Could not queue the prefetch.", err)
		return
	}
	status := "queued"
	if !created {
		status = job.Status
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": job.ID, "resourceId": res.ID, "status": status})
}

func (h *handler) handleInteractions(w http.ResponseWriter, r *http.Request) {
	limit := defaultInteractionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeValidation(w, &ValidationError{Fields: map[string][]string{"limit": {"The limit must be a positive integer."}}})
			return
		}
		limit = n
	}
	items, err := h.store.SessionInteractions(chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeServerError(w, r, "Could not load interactions.", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": items})
}
