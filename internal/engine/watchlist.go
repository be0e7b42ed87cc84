package engine

import (
	"sort"
	"time"

	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
)

// Watchlist maintains the bounded candidate set of books eligible for
// per-tick polling, derived from recent activity on either platform.
//
// Membership decisions belong exclusively here; the reconciler only consumes
// the resulting candidate set. Evicting an entry stops polling for that book
// but never deletes its BookState.
type Watchlist struct {
	retention time.Duration
	maxSize   int
}

// NewWatchlist creates a Watchlist with the given activity retention window
// and size cap.
func NewWatchlist(retention time.Duration, maxSize int) *Watchlist {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &Watchlist{retention: retention, maxSize: maxSize}
}

// Admit records activity for every book either provider reports as in
// progress: known entries get their LastActiveAt refreshed, unknown books
// are added.
func (w *Watchlist) Admit(st *models.SyncState, active []string, now time.Time) {
	index := make(map[string]int, len(st.Watchlist))
	for i, entry := range st.Watchlist {
		index[entry.BookID] = i
	}

	for _, bookID := range active {
		if bookID == "" {
			continue
		}
		if i, ok := index[bookID]; ok {
			if now.After(st.Watchlist[i].LastActiveAt) {
				st.Watchlist[i].LastActiveAt = now
			}
			continue
		}
		st.Watchlist = append(st.Watchlist, models.WatchlistEntry{BookID: bookID, LastActiveAt: now})
		index[bookID] = len(st.Watchlist) - 1
	}
}

// Prune drops entries whose last activity is older than the retention
// window, then enforces the size cap by discarding the least recently
// active entries. Returns the number of evicted entries.
func (w *Watchlist) Prune(st *models.SyncState, now time.Time) int {
	kept := st.Watchlist[:0]
	evicted := 0
	for _, entry := range st.Watchlist {
		if w.retention > 0 && now.Sub(entry.LastActiveAt) > w.retention {
			evicted++
			continue
		}
		kept = append(kept, entry)
	}
	st.Watchlist = kept

	if len(st.Watchlist) > w.maxSize {
		sort.Slice(st.Watchlist, func(i, j int) bool {
			return st.Watchlist[i].LastActiveAt.After(st.Watchlist[j].LastActiveAt)
		})
		evicted += len(st.Watchlist) - w.maxSize
		st.Watchlist = st.Watchlist[:w.maxSize]
	}
	return evicted
}

// Candidates returns the book IDs eligible for polling this tick, most
// recently active first.
func (w *Watchlist) Candidates(st *models.SyncState) []string {
	entries := make([]models.WatchlistEntry, len(st.Watchlist))
	copy(entries, st.Watchlist)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastActiveAt.After(entries[j].LastActiveAt)
	})

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.BookID)
	}
	return ids
}

// Remove drops a single book from the candidate set, used when a provider
// reports it permanently gone. The BookState is retained for reactivation.
func (w *Watchlist) Remove(st *models.SyncState, bookID string) {
	kept := st.Watchlist[:0]
	for _, entry := range st.Watchlist {
		if entry.BookID != bookID {
			kept = append(kept, entry)
		}
	}
	st.Watchlist = kept
}
