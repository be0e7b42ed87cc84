package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kidhasmoxy/audible-abs-sync/internal/engine"
	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
)

type mockSnapshotter struct {
	snap engine.StatusSnapshot
}

func (m *mockSnapshotter) Snapshot() engine.StatusSnapshot { return m.snap }

func testRouter(source Snapshotter, token string) *BasicRouter {
	router := NewBasicRouter()
	router.Use(TokenAuth(token))
	router.Handler(NewHealthHandler(source))
	router.Handler(NewStatusHandler(source))
	router.Handler(NewMetricsHandler(source))
	return router
}

func TestStatusHandler(t *testing.T) {
	source := &mockSnapshotter{snap: engine.StatusSnapshot{
		InstanceID:    "test-instance",
		WatchlistSize: 3,
		TrackedBooks:  5,
		Mode:          "bidirectional",
		LastReport:    models.TickReport{Pushes: 2},
	}}

	t.Run("returns snapshot as json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		testRouter(source, "").ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var snap engine.StatusSnapshot
		if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if snap.WatchlistSize != 3 || snap.LastReport.Pushes != 2 {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	})

	t.Run("rejects missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		testRouter(source, "sekrit").ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("accepts valid token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("X-Token", "sekrit")
		testRouter(source, "sekrit").ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy before first tick", func(t *testing.T) {
		source := &mockSnapshotter{snap: engine.StatusSnapshot{IntervalSeconds: 120}}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		testRouter(source, "").ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 before first tick, got %d", rec.Code)
		}
	})

	t.Run("healthy with recent tick", func(t *testing.T) {
		source := &mockSnapshotter{snap: engine.StatusSnapshot{
			IntervalSeconds: 120,
			LastSyncAt:      time.Now().Add(-time.Minute),
		}}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		testRouter(source, "").ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("unavailable when ticks lag", func(t *testing.T) {
		source := &mockSnapshotter{snap: engine.StatusSnapshot{
			IntervalSeconds: 120,
			LastSyncAt:      time.Now().Add(-time.Hour),
		}}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		testRouter(source, "").ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503 for lagging engine, got %d", rec.Code)
		}
	})

	t.Run("exempt from token auth", func(t *testing.T) {
		source := &mockSnapshotter{snap: engine.StatusSnapshot{IntervalSeconds: 120}}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		testRouter(source, "sekrit").ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected probe to bypass auth, got %d", rec.Code)
		}
	})
}

func TestMetricsHandler(t *testing.T) {
	source := &mockSnapshotter{snap: engine.StatusSnapshot{
		WatchlistSize: 4,
		TrackedBooks:  7,
		LastSyncAt:    time.Unix(1700000000, 0),
		LastReport:    models.TickReport{Pushes: 1, Suppressed: 2, Failures: 3},
	}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	testRouter(source, "").ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"abs_sync_watchlist_size 4",
		"abs_sync_tracked_books 7",
		"abs_sync_tick_pushes 1",
		"abs_sync_tick_suppressed 2",
		"abs_sync_tick_failures 3",
		"abs_sync_last_sync_timestamp 1700000000",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestRouterMethodFiltering(t *testing.T) {
	source := &mockSnapshotter{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	testRouter(source, "").ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", rec.Code)
	}
}
