package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/music-popularity-service/internal/client"
	"github.com/kjstillabower/music-popularity-service/internal/lifecycle"
	"github.com/kjstillabower/music-popularity-service/internal/service"
	"github.com/kjstillabower/music-popularity-service/internal/store"
)

// LimitBounds holds the leaderboard limit policy: the default when the query
// parameter is absent and the maximum a caller may request. The maximum also
// bounds metrics label cardinality.
type LimitBounds struct {
	Default int
	Max     int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	popularity *service.TrackPopularityService
	history    *store.HistoryStore
	counters   *store.CounterStore
	ledger     *store.LikeLedger
	logger     *zap.Logger
	limits     LimitBounds

	// dbPing and cachePing, when set, are called by the health handler.
	dbPing    func(context.Context) error
	cachePing func() error
}

// NewHandler returns a new Handler.
func NewHandler(
	popularity *service.TrackPopularityService,
	history *store.HistoryStore,
	counters *store.CounterStore,
	ledger *store.LikeLedger,
	logger *zap.Logger,
	limits LimitBounds,
	dbPing func(context.Context) error,
	cachePing func() error,
) *Handler {
	if limits.Default <= 0 {
		limits.Default = 10
	}
	if limits.Max <= 0 {
		limits.Max = 100
	}
	return &Handler{
		popularity: popularity,
		history:    history,
		counters:   counters,
		ledger:     ledger,
		logger:     logger,
		limits:     limits,
		dbPing:     dbPing,
		cachePing:  cachePing,
	}
}

// PostPlay handles POST /tracks/{id}/play. Returns the updated play count.
// When the caller is authenticated, the listen is also recorded in their
// history; a history failure never fails the play.
func (h *Handler) PostPlay(w http.ResponseWriter, r *http.Request) {
	trackID, ok := parseTrackID(w, r)
	if !ok {
		return
	}

	plays, err := h.popularity.RecordPlay(r.Context(), trackID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	if userID, authed := userFromContext(r.Context()); authed {
		if err := h.history.RecordListen(r.Context(), userID, trackID, 0); err != nil {
			if logger := requestLogger(r); logger != nil {
				logger.Warn("history record failed", zap.Uint("track_id", trackID), zap.Error(err))
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         trackID,
		"playsCount": plays,
	})
}

// PostLike handles POST /tracks/{id}/like. Requires an authenticated caller;
// returns the new liked state and the current counters.
func (h *Handler) PostLike(w http.ResponseWriter, r *http.Request) {
	trackID, ok := parseTrackID(w, r)
	if !ok {
		return
	}
	userID, authed := userFromContext(r.Context())
	if !authed {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}

	liked, err := h.popularity.ToggleLike(r.Context(), userID, trackID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	plays, likes, err := h.counters.Counts(r.Context(), trackID)
	if err != nil {
		// The toggle applied; degrade to the state without counts.
		if logger := requestLogger(r); logger != nil {
			logger.Warn("counts read failed after toggle", zap.Uint("track_id", trackID), zap.Error(err))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":    trackID,
			"liked": liked,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         trackID,
		"liked":      liked,
		"likesCount": likes,
		"playsCount": plays,
	})
}

// GetTopTracks handles GET /tracks/top?limit=N.
func (h *Handler) GetTopTracks(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), h.limits.Default, h.limits.Max)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}

	tracks, err := h.popularity.GetTopTracks(r.Context(), limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"limit":  limit,
		"tracks": tracks,
	})
}

// GetSimilarTracks handles GET /tracks/{id}/similar?limit=N.
func (h *Handler) GetSimilarTracks(w http.ResponseWriter, r *http.Request) {
	trackID, ok := parseTrackID(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), h.limits.Default, h.limits.Max)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}

	tracks, err := h.popularity.GetSimilarTracks(r.Context(), trackID, limit)
	if err != nil {
		switch {
		case errors.Is(err, client.ErrTrackNotKnown):
			writeError(w, r, http.StatusNotFound, "TRACK_NOT_FOUND", "track not found")
		case errors.Is(err, service.ErrSimilarityUnavailable):
			writeError(w, r, http.StatusServiceUnavailable, "SIMILARITY_UNAVAILABLE", "similar tracks are temporarily unavailable")
		default:
			writeUpstreamError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     trackID,
		"tracks": tracks,
	})
}

// GetHistory handles GET /me/history?limit=N. Requires an authenticated caller.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, authed := userFromContext(r.Context())
	if !authed {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), h.limits.Default, h.limits.Max)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}

	rows, err := h.history.RecentListens(r.Context(), userID, limit)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": rows,
	})
}

// GetLikedTracks handles GET /me/likes. Requires an authenticated caller;
// returns the ids of tracks the caller currently likes, most recent first.
func (h *Handler) GetLikedTracks(w http.ResponseWriter, r *http.Request) {
	userID, authed := userFromContext(r.Context())
	if !authed {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return
	}

	ids, err := h.ledger.LikedTrackIDs(r.Context(), userID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if ids == nil {
		ids = []uint{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trackIds": ids,
	})
}

// GetHealth handles GET /health. Reports database and cache reachability;
// returns 503 while draining so load balancers stop routing new traffic.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	statusCode := http.StatusOK
	checks := make(map[string]string)

	if !lifecycle.IsReady() {
		status = "starting"
		statusCode = http.StatusServiceUnavailable
	}
	if lifecycle.IsShuttingDown() {
		status = "shutting-down"
		statusCode = http.StatusServiceUnavailable
	}

	if h.dbPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := h.dbPing(ctx); err != nil {
			checks["database"] = "unhealthy"
			if status == "healthy" {
				status = "degraded"
				statusCode = http.StatusServiceUnavailable
			}
		} else {
			checks["database"] = "healthy"
		}
		cancel()
	}
	if h.cachePing != nil {
		if err := h.cachePing(); err != nil {
			// Leaderboard reads fall through to the store, so a cache
			// outage degrades latency, not availability.
			checks["cache"] = "unhealthy"
		} else {
			checks["cache"] = "healthy"
		}
	}

	resp := map[string]interface{}{
		"status":    status,
		"service":   "music-popularity-service",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// parseTrackID extracts and validates the {id} path variable. Writes a 400
// response and returns ok=false on failure.
func parseTrackID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_TRACK_ID", "track id must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

// parseLimit validates the limit query parameter, applying def when absent
// and rejecting values outside [1, max].
func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if limit < 1 || limit > max {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(max))
	}
	return limit, nil
}

// requestLogger returns the request-scoped logger if the correlation
// middleware installed one.
func requestLogger(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok {
		return logger
	}
	return nil
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeStoreError maps the store error taxonomy onto HTTP responses.
// NotFound and Unauthenticated surface directly; transient storage failures
// become 503; invariant violations fail closed as 500 and are never retried.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrTrackNotFound):
		writeError(w, r, http.StatusNotFound, "TRACK_NOT_FOUND", "track not found")
	case errors.Is(err, store.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
	case errors.Is(err, store.ErrInvariantViolation):
		writeError(w, r, http.StatusInternalServerError, "COUNTER_INVARIANT", "counter state requires reconciliation")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	default:
		writeError(w, r, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "storage is temporarily unavailable")
	}
	if logger := requestLogger(r); logger != nil {
		logger.Debug("request failed", zap.Error(err))
	}
}

// writeUpstreamError writes a 503 for similarity upstream failures.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "SIMILARITY_UNAVAILABLE", "similar tracks are temporarily unavailable")
	if logger := requestLogger(r); logger != nil {
		logger.Debug("similarity upstream error", zap.Error(err))
	}
}
