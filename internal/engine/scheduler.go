package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
	"github.com/kidhasmoxy/audible-abs-sync/internal/services"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
	"github.com/kidhasmoxy/audible-abs-sync/internal/state"
)

// Discoverer is implemented by providers that can report recently added
// library items, feeding the slow discovery pass of the watchlist.
type Discoverer interface {
	ListRecentAdditions(ctx context.Context, since time.Time) ([]string, error)
}

// StatusSnapshot is the read-only view the status server and CLI consume.
type StatusSnapshot struct {
	InstanceID      string            `json:"instance_id"`
	WatchlistSize   int               `json:"watchlist_size"`
	TrackedBooks    int               `json:"tracked_books"`
	LastSyncAt      time.Time         `json:"last_sync_at"`
	LastReport      models.TickReport `json:"last_report"`
	Mode            string            `json:"mode"`
	DryRun          bool              `json:"dry_run"`
	IntervalSeconds int               `json:"interval_seconds"`
}

// SchedulerOpts contains dependencies for creating a Scheduler.
type SchedulerOpts struct {
	Config  shared.SyncConfig
	Audible services.Provider
	ABS     services.Provider
	Store   *state.Store
	Logger  *log.Logger
}

// Scheduler drives the cooperative sync tick on a fixed interval: watchlist
// refresh, per-book fetch, reconcile, gate, apply, persist.
//
// A single Scheduler owns the SyncState for its whole lifetime; the only
// concurrent readers are the status surfaces going through Snapshot.
type Scheduler struct {
	cfg        shared.SyncConfig
	audible    services.Provider
	abs        services.Provider
	store      *state.Store
	recon      *Reconciler
	watch      *Watchlist
	gate       *Gate
	logger     *log.Logger
	instanceID string

	mu         sync.Mutex
	st         *models.SyncState
	lastReport models.TickReport
}

// NewScheduler wires a Scheduler from configuration and providers.
func NewScheduler(opts SchedulerOpts) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	return &Scheduler{
		cfg:        opts.Config,
		audible:    opts.Audible,
		abs:        opts.ABS,
		store:      opts.Store,
		recon:      NewReconciler(opts.Config.MoveThresholdSeconds),
		watch:      NewWatchlist(opts.Config.WatchlistRetention(), opts.Config.WatchlistMaxSize),
		gate:       NewGate(opts.Config.Mode, opts.Config.DryRun, opts.Config.Cooldown(), opts.Config.CooldownOverrideSeconds),
		logger:     logger.With("component", "scheduler"),
		instanceID: shared.GenerateID(),
		st:         models.NewSyncState(),
	}
}

// Snapshot returns the current status view for the HTTP server and CLI.
func (s *Scheduler) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{
		InstanceID:      s.instanceID,
		WatchlistSize:   len(s.st.Watchlist),
		TrackedBooks:    len(s.st.Books),
		LastSyncAt:      s.st.LastSyncAt,
		LastReport:      s.lastReport,
		Mode:            s.cfg.Mode,
		DryRun:          s.cfg.DryRun,
		IntervalSeconds: s.cfg.IntervalSeconds,
	}
}

// Run loads persisted state, authenticates both providers, and ticks until
// the context is cancelled. Shutdown is cooperative: an in-flight tick
// finishes its current book, then the final state is persisted.
//
// Run returns a non-nil error only for persistence failures, which must not
// be survived with unpersisted decisions in memory.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.st = s.store.Load()
	s.mu.Unlock()

	for _, p := range []services.Provider{s.audible, s.abs} {
		if err := p.Authenticate(ctx); err != nil {
			// Surfaced but not fatal: the session collaborator may
			// recover it, and the other side can still sync.
			s.logger.Error("provider authentication failed", "provider", p.Name(), "err", err)
		}
	}

	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil {
			s.logger.Error("tick aborted", "err", err)
			if errors.Is(err, shared.ErrStatePersist) {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) shutdown() error {
	s.mu.Lock()
	st := s.st
	s.mu.Unlock()

	s.logger.Info("shutting down, persisting final state")
	if err := s.store.Persist(st); err != nil {
		return err
	}
	return nil
}

// tick performs one full pass: watchlist refresh, fetch, reconcile, apply,
// persist. Per-book failures are contained; only a persistence failure
// aborts the tick with an error.
func (s *Scheduler) tick(ctx context.Context) error {
	now := time.Now()
	report := models.TickReport{StartedAt: now}

	observations := map[models.Side]map[string]*models.Observation{
		models.SideAudible: {},
		models.SideABS:     {},
	}
	available := map[models.Side]bool{models.SideAudible: true, models.SideABS: true}

	active := s.collectActive(ctx, now, observations, available)
	s.discover(ctx, now, &active, available)

	s.mu.Lock()
	s.watch.Admit(s.st, active, now)
	report.Evicted = s.watch.Prune(s.st, now)
	candidates := s.watch.Candidates(s.st)
	s.mu.Unlock()
	report.Candidates = len(candidates)

	s.fetchMissing(ctx, candidates, observations, available, &report)

	for _, bookID := range candidates {
		// Cancellation is honored between books, never mid-write, so a
		// remote side is never left in an ambiguous state.
		select {
		case <-ctx.Done():
			s.logger.Info("tick interrupted by shutdown", "remaining", len(candidates))
			return s.finishTick(&report)
		default:
		}

		s.processBook(ctx, bookID,
			observations[models.SideAudible][bookID],
			observations[models.SideABS][bookID],
			available, now, &report)
	}

	return s.finishTick(&report)
}

func (s *Scheduler) finishTick(report *models.TickReport) error {
	s.mu.Lock()
	s.st.LastSyncAt = time.Now()
	st := s.st
	s.mu.Unlock()

	if err := s.store.Persist(st); err != nil {
		return err
	}

	report.FinishedAt = time.Now()
	s.mu.Lock()
	s.lastReport = *report
	s.mu.Unlock()

	s.logger.Info("tick complete",
		"candidates", report.Candidates,
		"pushes", report.Pushes,
		"suppressed", report.Suppressed,
		"conflicts", report.Conflicts,
		"failures", report.Failures,
		"evicted", report.Evicted,
		"took", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return nil
}

// collectActive queries both providers' activity lists, records durations
// and positions, and returns the union of active book IDs.
func (s *Scheduler) collectActive(ctx context.Context, now time.Time, observations map[models.Side]map[string]*models.Observation, available map[models.Side]bool) []string {
	var active []string

	for side, p := range map[models.Side]services.Provider{
		models.SideAudible: s.audible,
		models.SideABS:     s.abs,
	} {
		items, err := p.ListActiveItems(ctx)
		if err != nil {
			if errors.Is(err, shared.ErrAuthFailed) {
				// Refresh is the session collaborator's job; this
				// provider sits the tick out.
				available[side] = false
				s.logger.Error("provider unavailable for tick", "provider", p.Name(), "err", err)
			} else {
				s.logger.Warn("failed to list active items", "provider", p.Name(), "err", err)
			}
			continue
		}

		for _, item := range items {
			s.mu.Lock()
			s.st.Book(item.BookID).SetDuration(item.DurationSeconds)
			s.mu.Unlock()

			observations[side][item.BookID] = &models.Observation{
				PositionSeconds: item.PositionSeconds,
				SourceTimestamp: item.SourceTimestamp,
				ObservedAt:      now,
			}
			active = append(active, item.BookID)
		}
	}
	return active
}

// discover runs the slow library discovery pass when due, admitting books
// purchased since the last pass so they enter the candidate set before
// either platform reports them as in progress.
func (s *Scheduler) discover(ctx context.Context, now time.Time, active *[]string, available map[models.Side]bool) {
	if s.cfg.DiscoveryInterval() <= 0 || !available[models.SideAudible] {
		return
	}

	s.mu.Lock()
	last := s.st.LastDiscoveryAt
	s.mu.Unlock()
	if now.Sub(last) < s.cfg.DiscoveryInterval() {
		return
	}

	d, ok := s.audible.(Discoverer)
	if !ok {
		return
	}

	// Look back twice the interval so a missed pass cannot skip purchases.
	since := now.Add(-2 * s.cfg.DiscoveryInterval())
	asins, err := d.ListRecentAdditions(ctx, since)
	if err != nil {
		s.logger.Warn("discovery pass failed", "err", err)
		return
	}
	if len(asins) > 0 {
		s.logger.Info("discovery admitted recent additions", "count", len(asins))
		*active = append(*active, asins...)
	}

	s.mu.Lock()
	s.st.LastDiscoveryAt = now
	s.mu.Unlock()
}

type fetchJob struct {
	bookID string
	side   models.Side
}

// fetchMissing fills in observations for candidates the activity listings
// did not cover, fanning out over a bounded worker pool. Fetches are
// independent and I/O-bound; all state mutation stays on the tick's single
// decision pass.
func (s *Scheduler) fetchMissing(ctx context.Context, candidates []string, observations map[models.Side]map[string]*models.Observation, available map[models.Side]bool, report *models.TickReport) {
	var jobs []fetchJob
	for _, bookID := range candidates {
		for side := range observations {
			if !available[side] {
				continue
			}
			if _, ok := observations[side][bookID]; !ok {
				jobs = append(jobs, fetchJob{bookID: bookID, side: side})
			}
		}
	}
	if len(jobs) == 0 {
		return
	}

	workers := s.cfg.FetchWorkers
	if workers <= 0 {
		workers = 5
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	type fetchResult struct {
		job fetchJob
		obs *models.Observation
		err error
	}

	jobCh := make(chan fetchJob, len(jobs))
	resultCh := make(chan fetchResult, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				p := s.provider(job.side)
				var obs *models.Observation
				err := retry.Do(func() error {
					var fetchErr error
					obs, fetchErr = p.GetPosition(ctx, job.bookID)
					return fetchErr
				}, s.retryOpts(ctx)...)
				resultCh <- fetchResult{job: job, obs: obs, err: err}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	for res := range resultCh {
		if res.err != nil {
			switch {
			case errors.Is(res.err, shared.ErrAuthFailed):
				// Same treatment as a list-level auth failure: the
				// provider sits out the rest of the tick.
				if available[res.job.side] {
					available[res.job.side] = false
					s.logger.Error("provider unavailable for tick",
						"provider", s.provider(res.job.side).Name(), "err", res.err)
				}
			case errors.Is(res.err, shared.ErrPermanent):
				s.logger.Warn("book no longer available, dropping from watchlist",
					"book", res.job.bookID, "provider", s.provider(res.job.side).Name(), "err", res.err)
				s.mu.Lock()
				s.watch.Remove(s.st, res.job.bookID)
				s.mu.Unlock()
			case errors.Is(res.err, context.Canceled):
			default:
				s.logger.Warn("position fetch failed, skipping book this tick",
					"book", res.job.bookID, "provider", s.provider(res.job.side).Name(), "err", res.err)
				report.Failures++
			}
			continue
		}
		observations[res.job.side][res.job.bookID] = res.obs
	}
}

// processBook runs the serialized reconcile-gate-apply pass for one book.
func (s *Scheduler) processBook(ctx context.Context, bookID string, obsA, obsB *models.Observation, available map[models.Side]bool, now time.Time, report *models.TickReport) {
	s.mu.Lock()
	book := s.st.Book(bookID)

	// First sighting of a side establishes the baseline without pushing:
	// there is no prior to diff against, so movement cannot be attributed.
	for side, obs := range map[models.Side]*models.Observation{
		models.SideAudible: obsA,
		models.SideABS:     obsB,
	} {
		ss := book.Side(side)
		if ss.ObservedAt.IsZero() && obs != nil {
			recordObservation(ss, obs)
		}
	}

	decision := s.recon.Decide(book, obsA, obsB)
	decision, verdict := s.gate.Check(decision, book, now)
	s.mu.Unlock()

	blog := s.logger.With("book", bookID)

	switch {
	case decision.Action == models.ActionConflict:
		// Never guessed: the divergence stays visible until one side
		// moves with unambiguous recency.
		blog.Warn("unresolved conflict", "reason", decision.Reason,
			"audible", obsA.PositionSeconds, "abs", obsB.PositionSeconds)
		s.mu.Lock()
		book.LastConflictAt = now
		book.LastResult = "conflict"
		s.mu.Unlock()
		report.Conflicts++

	case verdict == VerdictThrottled, verdict == VerdictDirectional:
		blog.Info("push suppressed", "verdict", verdict.String())
		s.mu.Lock()
		book.LastResult = verdict.String()
		s.mu.Unlock()
		report.Suppressed++

	case verdict == VerdictDryRun:
		blog.Info("dry run: would push", "target", decision.Target,
			"position", decision.Position, "reason", decision.Reason)
		s.mu.Lock()
		s.acknowledge(book, decision, obsA, obsB)
		book.LastResult = "dry_run"
		s.mu.Unlock()
		report.Suppressed++

	case decision.Action == models.ActionPush && !available[decision.Target]:
		// Baselines stay put so the same divergence is re-detected once
		// the provider is back.
		blog.Warn("push target unavailable this tick", "target", decision.Target)
		s.mu.Lock()
		book.LastResult = "provider_unavailable"
		s.mu.Unlock()
		report.Suppressed++

	case decision.Action == models.ActionPush:
		s.applyPush(ctx, blog, book, decision, obsA, obsB, now, report)
	}
}

// applyPush executes an approved write and performs the post-push state
// bookkeeping that prevents the write from echoing back as user activity.
func (s *Scheduler) applyPush(ctx context.Context, blog *log.Logger, book *models.BookState, decision models.Decision, obsA, obsB *models.Observation, now time.Time, report *models.TickReport) {
	p := s.provider(decision.Target)

	err := retry.Do(func() error {
		return p.SetPosition(ctx, book.BookID, decision.Position)
	}, s.retryOpts(ctx)...)
	if err != nil {
		// State is untouched so the same divergence is re-detected and
		// retried on the next tick.
		blog.Error("push failed", "target", p.Name(), "err", err)
		s.mu.Lock()
		book.ErrorCount++
		book.LastResult = "push_failed"
		if errors.Is(err, shared.ErrPermanent) {
			s.watch.Remove(s.st, book.BookID)
		}
		s.mu.Unlock()
		report.Failures++
		return
	}

	blog.Info("pushed position", "target", p.Name(),
		"position", decision.Position, "reason", decision.Reason)

	s.mu.Lock()
	target := book.Side(decision.Target)
	target.LastPushed = decision.Position
	target.PositionSeconds = decision.Position
	target.ObservedAt = now
	target.CooldownUntil = now.Add(s.gate.Cooldown())
	s.acknowledge(book, decision, obsA, obsB)
	book.LastResult = "pushed_" + string(decision.Target)
	book.ErrorCount = 0
	s.mu.Unlock()
	report.Pushes++
}

// acknowledge advances the winning side's baseline to the observation that
// triggered the push, so the same movement is not re-detected next tick.
func (s *Scheduler) acknowledge(book *models.BookState, decision models.Decision, obsA, obsB *models.Observation) {
	source := decision.Target.Other()
	obs := obsA
	if source == models.SideABS {
		obs = obsB
	}
	if obs != nil {
		recordObservation(book.Side(source), obs)
	}
}

func recordObservation(ss *models.SideState, obs *models.Observation) {
	ss.PositionSeconds = obs.PositionSeconds
	ss.ObservedAt = obs.ObservedAt
	ss.SourceTimestamp = obs.SourceTimestamp
}

func (s *Scheduler) provider(side models.Side) services.Provider {
	if side == models.SideAudible {
		return s.audible
	}
	return s.abs
}

func (s *Scheduler) retryOpts(ctx context.Context) []retry.Option {
	attempts := s.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(500 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(5 * time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, shared.ErrTransient)
		}),
	}
}
