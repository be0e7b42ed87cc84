package models

import (
	"time"
)

// Side identifies one of the two platforms the engine reconciles.
type Side string

const (
	SideAudible Side = "audible"
	SideABS     Side = "abs"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideAudible {
		return SideABS
	}
	return SideAudible
}

// ActiveItem is an in-progress book reported by a provider's activity listing.
type ActiveItem struct {
	BookID          string
	PositionSeconds float64
	DurationSeconds float64
	SourceTimestamp time.Time // zero when the platform did not report one
}

// Observation is a single position reading from one provider.
type Observation struct {
	PositionSeconds float64
	SourceTimestamp time.Time // platform-reported update time, zero when absent
	ObservedAt      time.Time // engine-local detection time
}

// AuthorityTime returns the most authoritative recency signal for this
// observation: the platform-reported timestamp when present, otherwise the
// engine's own detection time.
func (o Observation) AuthorityTime() time.Time {
	if !o.SourceTimestamp.IsZero() {
		return o.SourceTimestamp
	}
	return o.ObservedAt
}

// SideState is the per-platform half of a BookState.
type SideState struct {
	PositionSeconds float64   `json:"position_seconds"`
	ObservedAt      time.Time `json:"observed_at"`
	SourceTimestamp time.Time `json:"source_timestamp"`
	LastPushed      float64   `json:"last_pushed"` // engine's last confirmed write, negative when never pushed
	CooldownUntil   time.Time `json:"cooldown_until"`
}

// NewSideState returns a SideState with no recorded push.
func NewSideState() *SideState {
	return &SideState{LastPushed: -1}
}

// HasPushed reports whether the engine has ever confirmed a write to this side.
func (s *SideState) HasPushed() bool {
	return s.LastPushed >= 0
}

// BookState is the durable per-book sync record, keyed by a stable
// cross-platform identifier (the ASIN).
type BookState struct {
	BookID          string              `json:"book_id"`
	DurationSeconds float64             `json:"duration_seconds"`
	Sides           map[Side]*SideState `json:"sides"`
	LastConflictAt  time.Time           `json:"last_conflict_at"`
	LastResult      string              `json:"last_result"`
	ErrorCount      int                 `json:"error_count"`
}

// NewBookState creates a BookState with both sides initialized.
func NewBookState(bookID string) *BookState {
	return &BookState{
		BookID: bookID,
		Sides: map[Side]*SideState{
			SideAudible: NewSideState(),
			SideABS:     NewSideState(),
		},
	}
}

// Side returns the state for one platform, creating it if a loaded snapshot
// predates that side.
func (b *BookState) Side(s Side) *SideState {
	if b.Sides == nil {
		b.Sides = map[Side]*SideState{}
	}
	st, ok := b.Sides[s]
	if !ok {
		st = NewSideState()
		b.Sides[s] = st
	}
	return st
}

// SetDuration records the book length. The duration is a clamp ceiling and
// never decreases once known.
func (b *BookState) SetDuration(seconds float64) {
	if seconds > b.DurationSeconds {
		b.DurationSeconds = seconds
	}
}

// Clamp bounds a position to [0, duration]. An unknown duration (zero) only
// clamps the lower bound.
func (b *BookState) Clamp(position float64) float64 {
	if position < 0 {
		return 0
	}
	if b.DurationSeconds > 0 && position > b.DurationSeconds {
		return b.DurationSeconds
	}
	return position
}

// WatchlistEntry tracks candidate-set membership for one book.
type WatchlistEntry struct {
	BookID       string    `json:"book_id"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SyncState is the full persisted engine snapshot.
type SyncState struct {
	Books           map[string]*BookState `json:"books"`
	Watchlist       []WatchlistEntry      `json:"watchlist"`
	LastSyncAt      time.Time             `json:"last_sync_at"`
	LastDiscoveryAt time.Time             `json:"last_discovery_at"`
}

// NewSyncState returns an empty snapshot.
func NewSyncState() *SyncState {
	return &SyncState{Books: map[string]*BookState{}}
}

// Book returns the state for a book, creating a fresh record the first time
// the book is seen. Records are never deleted, only excluded from polling.
func (s *SyncState) Book(bookID string) *BookState {
	if s.Books == nil {
		s.Books = map[string]*BookState{}
	}
	b, ok := s.Books[bookID]
	if !ok {
		b = NewBookState(bookID)
		s.Books[bookID] = b
	}
	return b
}

// Action enumerates reconciler outcomes.
type Action int

const (
	ActionNone Action = iota
	ActionPush
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPush:
		return "push"
	case ActionConflict:
		return "conflict"
	default:
		return ""
	}
}

// Decision is the reconciler's verdict for one book on one tick.
type Decision struct {
	Action   Action
	Target   Side    // side to write to, meaningful only for ActionPush
	Position float64 // clamped position to write, meaningful only for ActionPush
	Reason   string  // human-readable explanation for logs and status
}

// NoDecision is the zero-value no-op verdict.
func NoDecision(reason string) Decision {
	return Decision{Action: ActionNone, Reason: reason}
}

// TickReport aggregates per-tick counters for the observability surface.
type TickReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Candidates int       `json:"candidates"`
	Pushes     int       `json:"pushes"`
	Suppressed int       `json:"suppressed"`
	Conflicts  int       `json:"conflicts"`
	Failures   int       `json:"failures"`
	Evicted    int       `json:"evicted"`
}
