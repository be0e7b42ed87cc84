package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
	"github.com/kidhasmoxy/audible-abs-sync/internal/services"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
	"github.com/kidhasmoxy/audible-abs-sync/internal/state"
)

type setCall struct {
	bookID   string
	position float64
}

// mockProvider is a test double for [services.Provider]. SetPosition
// behaves like a real platform: a successful write becomes the position
// subsequent reads report.
type mockProvider struct {
	name string

	mu        sync.Mutex
	active    []models.ActiveItem
	positions map[string]float64
	sourceTS  map[string]time.Time
	listErr   error
	getErr    map[string]error
	setErr    error
	authErr   error
	getCalls  int
	setCalls  []setCall
}

var _ services.Provider = (*mockProvider)(nil)

func newMockProvider(name string) *mockProvider {
	return &mockProvider{
		name:      name,
		positions: map[string]float64{},
		sourceTS:  map[string]time.Time{},
		getErr:    map[string]error{},
	}
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Authenticate(ctx context.Context) error { return m.authErr }

func (m *mockProvider) ListActiveItems(ctx context.Context) ([]models.ActiveItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.active, nil
}

func (m *mockProvider) GetPosition(ctx context.Context, bookID string) (*models.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if err := m.getErr[bookID]; err != nil {
		return nil, err
	}
	return &models.Observation{
		PositionSeconds: m.positions[bookID],
		SourceTimestamp: m.sourceTS[bookID],
		ObservedAt:      time.Now(),
	}, nil
}

func (m *mockProvider) SetPosition(ctx context.Context, bookID string, seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.setCalls = append(m.setCalls, setCall{bookID: bookID, position: seconds})
	m.positions[bookID] = seconds
	return nil
}

func (m *mockProvider) setCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.setCalls)
}

func testSyncConfig() shared.SyncConfig {
	return shared.SyncConfig{
		IntervalSeconds:         120,
		MoveThresholdSeconds:    5,
		CooldownSeconds:         60,
		CooldownOverrideSeconds: 300,
		Mode:                    shared.ModeBidirectional,
		WatchlistMaxSize:        10,
		WatchlistRetentionHours: 24,
		RetryAttempts:           1,
		FetchWorkers:            2,
	}
}

func newTestScheduler(t *testing.T, cfg shared.SyncConfig, audible, abs *mockProvider) *Scheduler {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), true, nil)
	return NewScheduler(SchedulerOpts{
		Config:  cfg,
		Audible: audible,
		ABS:     abs,
		Store:   store,
	})
}

// seedBook installs a watched book with both sides baselined at the given
// positions, as if reconciled on an earlier tick.
func seedBook(s *Scheduler, bookID string, posA, posB float64) *models.BookState {
	book := s.st.Book(bookID)
	book.SetDuration(3600)
	earlier := time.Now().Add(-time.Hour)
	sideA := book.Side(models.SideAudible)
	sideA.PositionSeconds = posA
	sideA.ObservedAt = earlier
	sideB := book.Side(models.SideABS)
	sideB.PositionSeconds = posB
	sideB.ObservedAt = earlier
	s.st.Watchlist = append(s.st.Watchlist, models.WatchlistEntry{BookID: bookID, LastActiveAt: time.Now()})
	return book
}

func TestSchedulerTick(t *testing.T) {
	ctx := context.Background()

	t.Run("first sighting baselines without pushing", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		audible.active = []models.ActiveItem{{BookID: "B001", PositionSeconds: 3000, DurationSeconds: 3600}}
		abs.positions["B001"] = 10

		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		if err := s.tick(ctx); err != nil {
			t.Fatalf("tick failed: %v", err)
		}

		if audible.setCallCount() != 0 || abs.setCallCount() != 0 {
			t.Error("first sighting must not push")
		}
		book := s.st.Book("B001")
		if book.Side(models.SideAudible).PositionSeconds != 3000 {
			t.Errorf("expected audible baseline 3000, got %v", book.Side(models.SideAudible).PositionSeconds)
		}
		if book.Side(models.SideABS).PositionSeconds != 10 {
			t.Errorf("expected abs baseline 10, got %v", book.Side(models.SideABS).PositionSeconds)
		}
		if book.DurationSeconds != 3600 {
			t.Errorf("expected duration recorded, got %v", book.DurationSeconds)
		}
	})

	t.Run("single mover is pushed to the other side", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		seedBook(s, "B001", 100, 100)
		audible.positions["B001"] = 200
		abs.positions["B001"] = 100

		if err := s.tick(ctx); err != nil {
			t.Fatalf("tick failed: %v", err)
		}

		if got := abs.setCalls; len(got) != 1 || got[0] != (setCall{"B001", 200}) {
			t.Fatalf("expected one push of 200 to abs, got %v", got)
		}
		if audible.setCallCount() != 0 {
			t.Error("audible must not be written")
		}

		book := s.st.Book("B001")
		sideB := book.Side(models.SideABS)
		if sideB.LastPushed != 200 {
			t.Errorf("expected lastPushed 200 after confirmed write, got %v", sideB.LastPushed)
		}
		if !sideB.CooldownUntil.After(time.Now()) {
			t.Error("expected cooldown window after push")
		}
		if book.Side(models.SideAudible).PositionSeconds != 200 {
			t.Error("expected mover baseline acknowledged")
		}
		if s.lastReport.Pushes != 1 {
			t.Errorf("expected 1 push in report, got %d", s.lastReport.Pushes)
		}
	})

	t.Run("unchanged observations are idempotent", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		seedBook(s, "B001", 100, 100)
		audible.positions["B001"] = 200
		abs.positions["B001"] = 100

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		pushesAfterFirst := abs.setCallCount()

		// Second tick sees the accepted write echoed back unchanged.
		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if abs.setCallCount() != pushesAfterFirst || audible.setCallCount() != 0 {
			t.Error("second tick with unchanged observations must be a no-op")
		}
	})

	t.Run("echo of pushed value never reverses", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		book := seedBook(s, "B001", 200, 100)
		// The engine pushed 200 to abs; abs reports exactly that value
		// while the baseline still says 100.
		book.Side(models.SideABS).LastPushed = 200
		audible.positions["B001"] = 200
		abs.positions["B001"] = 200

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if audible.setCallCount() != 0 {
			t.Error("echo readback must not trigger a reverse push")
		}
	})

	t.Run("cooldown suppresses follow-up push to same target", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		seedBook(s, "B001", 100, 100)
		audible.positions["B001"] = 200
		abs.positions["B001"] = 100

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if abs.setCallCount() != 1 {
			t.Fatalf("expected initial push, got %d calls", abs.setCallCount())
		}

		// Another modest move within the cooldown window.
		audible.mu.Lock()
		audible.positions["B001"] = 260
		audible.mu.Unlock()

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if abs.setCallCount() != 1 {
			t.Error("push within cooldown window must be suppressed")
		}
		if s.lastReport.Suppressed != 1 {
			t.Errorf("expected 1 suppression in report, got %d", s.lastReport.Suppressed)
		}
	})

	t.Run("transient fetch failure skips book for the tick", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		seedBook(s, "B001", 100, 100)
		audible.positions["B001"] = 200
		abs.getErr["B001"] = fmt.Errorf("%w: http 503", shared.ErrTransient)

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if abs.setCallCount() != 0 || audible.setCallCount() != 0 {
			t.Error("book with unreadable counterpart must not be written")
		}
		if s.lastReport.Failures == 0 {
			t.Error("expected fetch failure to be reported")
		}
		if len(s.st.Watchlist) != 1 {
			t.Error("transient failure must not evict the book")
		}
	})

	t.Run("permanent failure drops book from watchlist but keeps state", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		seedBook(s, "B001", 100, 100)
		audible.positions["B001"] = 200
		abs.getErr["B001"] = fmt.Errorf("%w: http 404: %w", shared.ErrPermanent, shared.ErrItemNotFound)

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if len(s.st.Watchlist) != 0 {
			t.Error("permanently missing book must leave the watchlist")
		}
		if _, ok := s.st.Books["B001"]; !ok {
			t.Error("book state must be retained after watchlist removal")
		}
	})

	t.Run("auth failure sidelines one provider only", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		audible.listErr = fmt.Errorf("%w: http 401", shared.ErrAuthFailed)
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		seedBook(s, "B001", 100, 100)
		abs.positions["B001"] = 400

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if audible.getCalls != 0 {
			t.Error("unavailable provider must not be queried for positions")
		}
		// ABS moved but the audible position is unknown, so nothing is
		// written anywhere.
		if audible.setCallCount() != 0 || abs.setCallCount() != 0 {
			t.Error("no writes may happen with one side blind")
		}
	})

	t.Run("auth failure during fetch sidelines the provider mid-tick", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		seedBook(s, "B001", 100, 100)
		seedBook(s, "B002", 100, 100)

		// Both books moved on audible; abs lists only B002, so B001 goes
		// through the fetch pool, where the session has expired.
		audible.active = []models.ActiveItem{
			{BookID: "B001", PositionSeconds: 200, DurationSeconds: 3600},
			{BookID: "B002", PositionSeconds: 300, DurationSeconds: 3600},
		}
		abs.active = []models.ActiveItem{
			{BookID: "B002", PositionSeconds: 100, DurationSeconds: 3600},
		}
		abs.getErr["B001"] = fmt.Errorf("%w: http 401", shared.ErrAuthFailed)

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		// B002 has both observations and a clear mover, but its push
		// target just failed auth: nothing may be written this tick.
		if abs.setCallCount() != 0 {
			t.Error("no writes may target a provider that failed auth mid-tick")
		}
		book := s.st.Book("B002")
		if book.LastResult != "provider_unavailable" {
			t.Errorf("expected provider_unavailable result, got %q", book.LastResult)
		}
		if book.Side(models.SideAudible).PositionSeconds != 100 {
			t.Error("suppressed push must not advance the mover baseline")
		}
		if s.lastReport.Suppressed == 0 {
			t.Error("expected suppression in report")
		}
		if s.lastReport.Failures != 0 {
			t.Errorf("auth sidelining is not a generic failure, got %d", s.lastReport.Failures)
		}
	})

	t.Run("dry run logs instead of writing but state evolves", func(t *testing.T) {
		cfg := testSyncConfig()
		cfg.DryRun = true
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, cfg, audible, abs)
		seedBook(s, "B001", 100, 100)
		audible.positions["B001"] = 200
		abs.positions["B001"] = 100

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if abs.setCallCount() != 0 {
			t.Error("dry run must not execute writes")
		}
		book := s.st.Book("B001")
		if book.Side(models.SideABS).HasPushed() {
			t.Error("dry run must not record a push")
		}
		if book.Side(models.SideAudible).PositionSeconds != 200 {
			t.Error("dry run still advances the observation baseline")
		}
		if s.lastReport.Suppressed != 1 {
			t.Errorf("expected dry-run suppression in report, got %d", s.lastReport.Suppressed)
		}
	})

	t.Run("directional mode suppresses disallowed direction", func(t *testing.T) {
		cfg := testSyncConfig()
		cfg.Mode = shared.ModeAudibleToABS
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, cfg, audible, abs)
		seedBook(s, "B001", 100, 100)
		audible.positions["B001"] = 100
		abs.positions["B001"] = 400

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if audible.setCallCount() != 0 {
			t.Error("one-way mode must suppress pushes to audible")
		}
		if s.lastReport.Suppressed != 1 {
			t.Errorf("expected directional suppression in report, got %d", s.lastReport.Suppressed)
		}
	})

	t.Run("stale books are excluded from the fetch set", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		s.st.Book("B00STALE").SetDuration(3600)
		s.st.Watchlist = []models.WatchlistEntry{
			{BookID: "B00STALE", LastActiveAt: time.Now().Add(-48 * time.Hour)},
		}

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}
		if audible.getCalls != 0 {
			t.Error("evicted book must not be fetched")
		}
		if s.lastReport.Evicted != 1 {
			t.Errorf("expected 1 eviction in report, got %d", s.lastReport.Evicted)
		}
		if _, ok := s.st.Books["B00STALE"]; !ok {
			t.Error("book state must remain loadable after eviction")
		}
	})

	t.Run("persist failure aborts the tick", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		store := state.NewStore("/dev/null/state.json", true, nil)
		s := NewScheduler(SchedulerOpts{Config: testSyncConfig(), Audible: audible, ABS: abs, Store: store})

		err := s.tick(ctx)
		if !errors.Is(err, shared.ErrStatePersist) {
			t.Errorf("expected persistence failure to abort tick, got %v", err)
		}
	})

	t.Run("snapshot reflects last tick", func(t *testing.T) {
		audible := newMockProvider("Audible")
		abs := newMockProvider("Audiobookshelf")
		s := newTestScheduler(t, testSyncConfig(), audible, abs)
		seedBook(s, "B001", 100, 100)
		audible.positions["B001"] = 200
		abs.positions["B001"] = 100

		if err := s.tick(ctx); err != nil {
			t.Fatal(err)
		}

		snap := s.Snapshot()
		if snap.WatchlistSize != 1 || snap.TrackedBooks != 1 {
			t.Errorf("unexpected snapshot sizes: %+v", snap)
		}
		if snap.LastReport.Pushes != 1 {
			t.Errorf("expected snapshot to carry tick report, got %+v", snap.LastReport)
		}
		if snap.LastSyncAt.IsZero() {
			t.Error("expected last sync timestamp")
		}
	})
}
