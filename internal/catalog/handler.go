package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the catalog endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/titles", h.handleAddTitle)
	r.Get("/titles/{id}", h.handleGetTitle)
	r.Put("/titles/{id}", h.handleUpdateTitle)
	r.Delete("/titles/{id}", h.handleRetireTitle)
	r.Get("/search", h.handleSearch)
}

func (h *Handler) handleAddTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ISBN          string `json:"isbn"`
		Name          string `json:"name"`
		Author        string `json:"author"`
		Publisher     string `json:"publisher"`
		PublishedYear int    `json:"published_year"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.Author == "" {
		http.Error(w, "name and author are required", http.StatusBadRequest)
		return
	}

	t, err := h.service.AddTitle(r.Context(), NewTitle{
		ISBN:          req.ISBN,
		Name:          req.Name,
		Author:        req.Author,
		Publisher:     req.Publisher,
		PublishedYear: req.PublishedYear,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(t)
}

func (h *Handler) handleGetTitle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid title id", http.StatusBadRequest)
		return
	}

	t, err := h.service.GetTitle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(t)
}

func (h *Handler) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid title id", http.StatusBadRequest)
		return
	}

	var req struct {
		ISBN          string `json:"isbn"`
		Name          string `json:"name"`
		Author        string `json:"author"`
		Publisher     string `json:"publisher"`
		PublishedYear int    `json:"published_year"`
		Version       int    `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t, err := h.service.UpdateTitle(r.Context(), Title{
		ID:            id,
		ISBN:          req.ISBN,
		Name:          req.Name,
		Author:        req.Author,
		Publisher:     req.Publisher,
		PublishedYear: req.PublishedYear,
		Version:       req.Version,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(t)
}

func (h *Handler) handleRetireTitle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid title id", http.StatusBadRequest)
		return
	}

	if err := h.service.RetireTitle(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, "missing search query", http.StatusBadRequest)
		return
	}

	titles, err := h.service.Search(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	if titles == nil {
		titles = []*Title{}
	}
	json.NewEncoder(w).Encode(titles)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTitleNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrStaleTitle), errors.Is(err, ErrTitleRetired):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
