package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kjstillabower/music-popularity-service/internal/cache"
	"github.com/kjstillabower/music-popularity-service/internal/lifecycle"
	"github.com/kjstillabower/music-popularity-service/internal/models"
	"github.com/kjstillabower/music-popularity-service/internal/service"
	"github.com/kjstillabower/music-popularity-service/internal/store"
)

const testSecret = "test-signing-secret"

// newTestStack wires the real store, service, and handler over an in-memory
// SQLite database, mirroring the production wiring minus the network edges.
func newTestStack(t *testing.T) (*Handler, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	counters := store.NewCounterStore(db, zap.NewNop())
	ledger := store.NewLikeLedger(db, counters, zap.NewNop())
	history := store.NewHistoryStore(db, zap.NewNop())
	popularity := service.NewTrackPopularityService(
		counters, ledger, cache.NewInMemoryCache(), nil,
		time.Minute, 3, time.Millisecond, 5*time.Millisecond,
	)
	dbPing := func(ctx context.Context) error { return store.Ping(ctx, db) }
	handler := NewHandler(popularity, history, counters, ledger, zap.NewNop(),
		LimitBounds{Default: 10, Max: 100}, dbPing, nil)
	return handler, db
}

// newTestRouter builds the route table the way main does.
func newTestRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods("GET")

	api := router.PathPrefix("/").Subrouter()
	api.Use(IdentityMiddleware(testSecret, zap.NewNop()))
	api.HandleFunc("/tracks/top", h.GetTopTracks).Methods("GET")
	api.HandleFunc("/tracks/{id}/play", h.PostPlay).Methods("POST")
	api.HandleFunc("/tracks/{id}/like", h.PostLike).Methods("POST")
	api.HandleFunc("/tracks/{id}/similar", h.GetSimilarTracks).Methods("GET")
	api.HandleFunc("/me/history", h.GetHistory).Methods("GET")
	api.HandleFunc("/me/likes", h.GetLikedTracks).Methods("GET")
	return router
}

func seedTestTrack(t *testing.T, db *gorm.DB, name string, plays int64) uint {
	t.Helper()
	track := models.Track{Name: name, ArtistName: "Various", PlaysCount: plays, IsPublished: true}
	if err := db.Create(&track).Error; err != nil {
		t.Fatalf("seed track: %v", err)
	}
	return track.ID
}

func signToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(router *mux.Router, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

// TestPostPlay_IncrementsAndReturnsCount verifies an anonymous play lands on
// the counter and the updated count comes back.
func TestPostPlay_IncrementsAndReturnsCount(t *testing.T) {
	h, db := newTestStack(t)
	router := newTestRouter(h)
	id := seedTestTrack(t, db, "Opener", 41)

	w := doRequest(router, "POST", "/tracks/1/play", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if got := body["playsCount"].(float64); got != 42 {
		t.Errorf("playsCount = %v, want 42", got)
	}

	var track models.Track
	if err := db.First(&track, id).Error; err != nil {
		t.Fatalf("read track: %v", err)
	}
	if track.PlaysCount != 42 {
		t.Errorf("stored plays_count = %d, want 42", track.PlaysCount)
	}
}

// TestPostPlay_UnknownTrack verifies a missing track maps to 404.
func TestPostPlay_UnknownTrack(t *testing.T) {
	h, _ := newTestStack(t)
	router := newTestRouter(h)

	w := doRequest(router, "POST", "/tracks/999/play", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// TestPostPlay_InvalidID verifies a non-numeric id is rejected with 400.
func TestPostPlay_InvalidID(t *testing.T) {
	h, _ := newTestStack(t)
	router := newTestRouter(h)

	w := doRequest(router, "POST", "/tracks/abc/play", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// TestPostPlay_AuthenticatedRecordsHistory verifies an authed play also lands
// in the caller's listening history.
func TestPostPlay_AuthenticatedRecordsHistory(t *testing.T) {
	h, db := newTestStack(t)
	router := newTestRouter(h)
	seedTestTrack(t, db, "Heard", 0)

	w := doRequest(router, "POST", "/tracks/1/play", signToken(t, "7"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var rows []models.ListeningHistory
	if err := db.Where("user_id = ?", 7).Find(&rows).Error; err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("history rows = %d after authed play, want 1", len(rows))
	}
}

// TestPostLike_RequiresAuth verifies anonymous likes are rejected with 401.
func TestPostLike_RequiresAuth(t *testing.T) {
	h, db := newTestStack(t)
	router := newTestRouter(h)
	seedTestTrack(t, db, "Locked", 0)

	w := doRequest(router, "POST", "/tracks/1/like", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// TestPostLike_TogglesState verifies the like/unlike cycle over the wire,
// including the counter in the response.
func TestPostLike_TogglesState(t *testing.T) {
	h, db := newTestStack(t)
	router := newTestRouter(h)
	seedTestTrack(t, db, "Toggled", 0)
	token := signToken(t, "3")

	w := doRequest(router, "POST", "/tracks/1/like", token)
	if w.Code != http.StatusOK {
		t.Fatalf("first like status = %d (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["liked"] != true {
		t.Errorf("liked = %v after first toggle, want true", body["liked"])
	}
	if got := body["likesCount"].(float64); got != 1 {
		t.Errorf("likesCount = %v after first toggle, want 1", got)
	}

	w = doRequest(router, "POST", "/tracks/1/like", token)
	if w.Code != http.StatusOK {
		t.Fatalf("second like status = %d (body %s)", w.Code, w.Body.String())
	}
	body = decodeBody(t, w)
	if body["liked"] != false {
		t.Errorf("liked = %v after second toggle, want false", body["liked"])
	}
	if got := body["likesCount"].(float64); got != 0 {
		t.Errorf("likesCount = %v after second toggle, want 0", got)
	}
}

// TestPostLike_UnknownTrack verifies likes against missing tracks map to 404.
func TestPostLike_UnknownTrack(t *testing.T) {
	h, _ := newTestStack(t)
	router := newTestRouter(h)

	w := doRequest(router, "POST", "/tracks/999/like", signToken(t, "3"))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// TestGetTopTracks_OrderedRanking verifies the leaderboard endpoint returns
// published tracks ordered by play count.
func TestGetTopTracks_OrderedRanking(t *testing.T) {
	h, db := newTestStack(t)
	router := newTestRouter(h)
	seedTestTrack(t, db, "Bronze", 100)
	seedTestTrack(t, db, "Gold", 300)
	seedTestTrack(t, db, "Silver", 200)

	w := doRequest(router, "GET", "/tracks/top?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	tracks := body["tracks"].([]interface{})
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d rows, want 2", len(tracks))
	}
	first := tracks[0].(map[string]interface{})
	if first["name"] != "Gold" {
		t.Errorf("top track = %v, want Gold", first["name"])
	}
}

// TestGetTopTracks_LimitValidation verifies out-of-range and malformed limits
// are rejected with 400.
func TestGetTopTracks_LimitValidation(t *testing.T) {
	h, _ := newTestStack(t)
	router := newTestRouter(h)

	for _, raw := range []string{"0", "-1", "101", "abc"} {
		w := doRequest(router, "GET", "/tracks/top?limit="+raw, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", raw, w.Code)
		}
	}
}

// TestGetTopTracks_DefaultLimit verifies the default applies when limit is absent.
func TestGetTopTracks_DefaultLimit(t *testing.T) {
	h, _ := newTestStack(t)
	router := newTestRouter(h)

	w := doRequest(router, "GET", "/tracks/top", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if got := body["limit"].(float64); got != 10 {
		t.Errorf("limit = %v, want default 10", got)
	}
}

// TestGetSimilarTracks_NoUpstream verifies 503 when no similarity upstream is
// configured.
func TestGetSimilarTracks_NoUpstream(t *testing.T) {
	h, db := newTestStack(t)
	router := newTestRouter(h)
	seedTestTrack(t, db, "Lonely", 0)

	w := doRequest(router, "GET", "/tracks/1/similar", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// TestGetHistory_RequiresAuth verifies anonymous history reads are rejected.
func TestGetHistory_RequiresAuth(t *testing.T) {
	h, _ := newTestStack(t)
	router := newTestRouter(h)

	w := doRequest(router, "GET", "/me/history", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// TestGetHistory_ReturnsRecentListens verifies authed plays show up in the
// caller's history endpoint.
func TestGetHistory_ReturnsRecentListens(t *testing.T) {
	h, db := newTestStack(t)
	router := newTestRouter(h)
	seedTestTrack(t, db, "Played", 0)
	token := signToken(t, "5")

	if w := doRequest(router, "POST", "/tracks/1/play", token); w.Code != http.StatusOK {
		t.Fatalf("play status = %d (body %s)", w.Code, w.Body.String())
	}

	w := doRequest(router, "GET", "/me/history", token)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	rows := body["history"].([]interface{})
	if len(rows) != 1 {
		t.Errorf("history rows = %d, want 1", len(rows))
	}
}

// TestGetLikedTracks_ReturnsCurrentLikes verifies the caller's liked set
// follows the toggle cycle over the wire.
func TestGetLikedTracks_ReturnsCurrentLikes(t *testing.T) {
	h, db := newTestStack(t)
	router := newTestRouter(h)
	seedTestTrack(t, db, "Kept", 0)
	token := signToken(t, "9")

	if w := doRequest(router, "GET", "/me/likes", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}

	w := doRequest(router, "GET", "/me/likes", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if ids := body["trackIds"].([]interface{}); len(ids) != 0 {
		t.Errorf("trackIds = %v before any like, want empty", ids)
	}

	if w := doRequest(router, "POST", "/tracks/1/like", token); w.Code != http.StatusOK {
		t.Fatalf("like status = %d (body %s)", w.Code, w.Body.String())
	}
	w = doRequest(router, "GET", "/me/likes", token)
	body = decodeBody(t, w)
	ids := body["trackIds"].([]interface{})
	if len(ids) != 1 || ids[0].(float64) != 1 {
		t.Errorf("trackIds = %v after like, want [1]", ids)
	}
}

// TestGetHealth_Healthy verifies 200 with per-dependency checks once the
// process is ready.
func TestGetHealth_Healthy(t *testing.T) {
	h, _ := newTestStack(t)
	router := newTestRouter(h)
	lifecycle.SetReady(true)
	defer lifecycle.SetReady(false)

	w := doRequest(router, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
	checks := body["checks"].(map[string]interface{})
	if checks["database"] != "healthy" {
		t.Errorf("database check = %v, want healthy", checks["database"])
	}
}

// TestGetHealth_ShuttingDown verifies 503 while draining so load balancers
// stop routing here.
func TestGetHealth_ShuttingDown(t *testing.T) {
	h, _ := newTestStack(t)
	router := newTestRouter(h)
	lifecycle.SetReady(true)
	lifecycle.SetShuttingDown(true)
	defer func() {
		lifecycle.SetShuttingDown(false)
		lifecycle.SetReady(false)
	}()

	w := doRequest(router, "GET", "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "shutting-down" {
		t.Errorf("status = %v, want shutting-down", body["status"])
	}
}

// TestErrorResponses_CarryRequestID verifies the error envelope includes the
// correlation id for support traceability.
func TestErrorResponses_CarryRequestID(t *testing.T) {
	h, _ := newTestStack(t)
	router := newTestRouter(h)

	req := httptest.NewRequest("POST", "/tracks/999/play", nil)
	req.Header.Set("X-Correlation-ID", "corr-456")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	body := decodeBody(t, w)
	errObj := body["error"].(map[string]interface{})
	if errObj["requestId"] != "corr-456" {
		t.Errorf("requestId = %v, want corr-456", errObj["requestId"])
	}
	if errObj["code"] != "TRACK_NOT_FOUND" {
		t.Errorf("code = %v, want TRACK_NOT_FOUND", errObj["code"])
	}
}
