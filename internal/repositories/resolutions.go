// package repositories provides the persistence layer for cross-platform
// identifier resolution.
//
// Resolving an ASIN to an Audiobookshelf library item ID requires a library
// search, which is expensive and rate-limited. Resolutions are stable for the
// life of a library item, so they are cached in SQLite and survive restarts.
package repositories

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

const resolutionSchema = `
CREATE TABLE IF NOT EXISTS item_resolutions (
	asin TEXT PRIMARY KEY,
	abs_item_id TEXT NOT NULL,
	resolved_at TIMESTAMP NOT NULL
);`

// ResolutionRepository caches ASIN to Audiobookshelf item ID mappings.
//
// Implements services.Resolver. Reads are served from an in-memory map
// warmed on startup; writes go through to SQLite.
type ResolutionRepository struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolutionRepository creates a ResolutionRepository and ensures its
// schema exists.
func NewResolutionRepository(db *sql.DB) (*ResolutionRepository, error) {
	if _, err := db.Exec(resolutionSchema); err != nil {
		return nil, fmt.Errorf("failed to create resolutions schema: %w", err)
	}

	r := &ResolutionRepository{db: db, cache: map[string]string{}}
	if err := r.warm(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ResolutionRepository) warm() error {
	rows, err := r.db.Query("SELECT asin, abs_item_id FROM item_resolutions")
	if err != nil {
		return fmt.Errorf("failed to load resolutions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var asin, itemID string
		if err := rows.Scan(&asin, &itemID); err != nil {
			return fmt.Errorf("failed to scan resolution: %w", err)
		}
		r.cache[asin] = itemID
	}
	return rows.Err()
}

// Get returns the cached Audiobookshelf item ID for an ASIN.
func (r *ResolutionRepository) Get(asin string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	itemID, ok := r.cache[asin]
	return itemID, ok
}

// Put stores a resolution. Duplicate inserts for the same ASIN are treated
// as a refresh, not an error.
func (r *ResolutionRepository) Put(asin, itemID string) error {
	r.mu.Lock()
	if existing, ok := r.cache[asin]; ok && existing == itemID {
		r.mu.Unlock()
		return nil
	}
	r.cache[asin] = itemID
	r.mu.Unlock()

	query := `
		INSERT INTO item_resolutions (asin, abs_item_id, resolved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(asin) DO UPDATE SET abs_item_id = excluded.abs_item_id, resolved_at = excluded.resolved_at`
	if _, err := r.db.Exec(query, asin, itemID, time.Now().UTC()); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil
		}
		return fmt.Errorf("failed to cache resolution: %w", err)
	}
	return nil
}

// Count returns the number of cached resolutions.
func (r *ResolutionRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
