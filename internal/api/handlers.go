package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leeaandrob/marketforge/internal/models"
	"github.com/leeaandrob/marketforge/internal/scheduler"
	"github.com/leeaandrob/marketforge/internal/storage"
)

// RunController is the part of the scheduler the API drives.
type RunController interface {
	Status() scheduler.Status
	TriggerNow() bool
}

// SummarySource exposes the latest run summary.
type SummarySource interface {
	LastSummary() *models.RunSummary
}

// OutputLister lists the output documents written so far.
type OutputLister interface {
	List() ([]string, error)
}

// MarketArchive reads archived markets.
type MarketArchive interface {
	GetRecentMarkets(ctx context.Context, since time.Duration, limit int) ([]models.Market, error)
	GetMarketsByCategory(ctx context.Context, category string, limit int) ([]models.Market, error)
	GetStats(ctx context.Context) (*storage.Stats, error)
}

// Deps are the collaborators behind the handlers. Scheduler and Runs are
// required; Outputs and Archive may be nil.
type Deps struct {
	Scheduler  RunController
	Runs       SummarySource
	Outputs    OutputLister
	Archive    MarketArchive
	Categories []models.Category
}

// Handlers holds the API handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates new API handlers.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func getLimit(r *http.Request, defaultLimit int) int {
	limit := defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	return limit
}

// HealthCheck returns service health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "marketforge",
	})
}

// ============================================================================
// RUN HANDLERS
// ============================================================================

// GetStatus returns the scheduler state and the number of outputs written.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"scheduler": h.deps.Scheduler.Status(),
	}
	if h.deps.Outputs != nil {
		files, err := h.deps.Outputs.List()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to list outputs")
			return
		}
		resp["output_files"] = len(files)
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetLatestRun returns the summary of the last completed run.
func (h *Handlers) GetLatestRun(w http.ResponseWriter, r *http.Request) {
	summary := h.deps.Runs.LastSummary()
	if summary == nil {
		respondError(w, http.StatusNotFound, "No completed run yet")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// GetCategories returns the configured categories.
func (h *Handlers) GetCategories(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"categories": h.deps.Categories,
		"count":      len(h.deps.Categories),
	})
}

// ============================================================================
// MARKET HANDLERS
// ============================================================================

// GetRecentMarkets returns archived markets from the last `hours` hours.
func (h *Handlers) GetRecentMarkets(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		respondError(w, http.StatusServiceUnavailable, "Market archive not configured")
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			hours = parsed
		}
	}

	markets, err := h.deps.Archive.GetRecentMarkets(r.Context(), time.Duration(hours)*time.Hour, getLimit(r, 20))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch markets")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"markets": markets,
		"count":   len(markets),
	})
}

// GetMarketsByCategory returns archived markets for a category.
func (h *Handlers) GetMarketsByCategory(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		respondError(w, http.StatusServiceUnavailable, "Market archive not configured")
		return
	}

	name := chi.URLParam(r, "category")
	if cat := models.GetCategoryByName(h.deps.Categories, name); cat != nil {
		name = cat.Name
	}

	markets, err := h.deps.Archive.GetMarketsByCategory(r.Context(), name, getLimit(r, 20))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch markets")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"category": name,
		"markets":  markets,
		"count":    len(markets),
	})
}

// GetStats returns archive statistics.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		respondError(w, http.StatusServiceUnavailable, "Market archive not configured")
		return
	}

	stats, err := h.deps.Archive.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to fetch stats")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}
