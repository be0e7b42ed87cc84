package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kidhasmoxy/audible-abs-sync/internal/engine"
)

// Snapshotter supplies the engine's current status view. Implemented by
// [engine.Scheduler].
type Snapshotter interface {
	Snapshot() engine.StatusSnapshot
}

// StatusHandler serves the full engine snapshot as JSON.
type StatusHandler struct {
	source Snapshotter
}

func NewStatusHandler(source Snapshotter) *StatusHandler {
	return &StatusHandler{source: source}
}

func (h *StatusHandler) Routes() []string {
	return []string{"GET /status"}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.source.Snapshot()); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// HealthHandler reports liveness. The engine is considered lagging when the
// last completed tick is older than three intervals plus a grace minute,
// which tolerates slow ticks and provider retries without flapping.
type HealthHandler struct {
	source Snapshotter
	now    func() time.Time
}

func NewHealthHandler(source Snapshotter) *HealthHandler {
	return &HealthHandler{source: source, now: time.Now}
}

func (h *HealthHandler) Routes() []string {
	return []string{"GET /healthz"}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.source.Snapshot()
	w.Header().Set("Content-Type", "application/json")

	// A zero LastSyncAt means the first tick has not completed yet, which
	// is a healthy starting condition.
	if !snap.LastSyncAt.IsZero() {
		lag := 3*time.Duration(snap.IntervalSeconds)*time.Second + time.Minute
		if h.now().Sub(snap.LastSyncAt) > lag {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "lagging"})
			return
		}
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// MetricsHandler exposes tick counters in a plain text key-value format.
type MetricsHandler struct {
	source Snapshotter
}

func NewMetricsHandler(source Snapshotter) *MetricsHandler {
	return &MetricsHandler{source: source}
}

func (h *MetricsHandler) Routes() []string {
	return []string{"GET /metrics"}
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.source.Snapshot()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "abs_sync_watchlist_size %d\n", snap.WatchlistSize)
	fmt.Fprintf(w, "abs_sync_tracked_books %d\n", snap.TrackedBooks)
	fmt.Fprintf(w, "abs_sync_tick_candidates %d\n", snap.LastReport.Candidates)
	fmt.Fprintf(w, "abs_sync_tick_pushes %d\n", snap.LastReport.Pushes)
	fmt.Fprintf(w, "abs_sync_tick_suppressed %d\n", snap.LastReport.Suppressed)
	fmt.Fprintf(w, "abs_sync_tick_conflicts %d\n", snap.LastReport.Conflicts)
	fmt.Fprintf(w, "abs_sync_tick_failures %d\n", snap.LastReport.Failures)
	fmt.Fprintf(w, "abs_sync_tick_evicted %d\n", snap.LastReport.Evicted)
	if !snap.LastSyncAt.IsZero() {
		fmt.Fprintf(w, "abs_sync_last_sync_timestamp %d\n", snap.LastSyncAt.Unix())
	}
}
