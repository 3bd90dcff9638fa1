package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker/v2"
)

const (
	staleConfidence = 0.8
	staleSweepTag   = "staleness-sweep"
)

// ErrCycleInProgress is returned by RunNow when a scheduled cycle is
// already executing. Cycles never interleave: they mutate the shared
// daily counters.
var ErrCycleInProgress = errors.New("analysis cycle already in progress")

type modelCallResult struct {
	decisions map[string]modelDecision
	usage     LLMUsage
}

// Pipeline is the recurring background job that classifies pending work
// items under the daily token budget. It is designed to run forever: a
// cycle records lastError on failure and returns to idle, it never stays
// in a failed state.
type Pipeline struct {
	cfg       Config
	db        *sql.DB
	stats     *PipelineStats
	extractor *SignalExtractor
	notifier  *Notifier
	sched     cron.Schedule
	breaker   *gobreaker.CircuitBreaker[modelCallResult]
	classify  modelClassifyFn

	running atomic.Bool
	cancel  context.CancelFunc
	stopped chan struct{}

	mu        sync.Mutex
	modelErrs []error
}

func NewPipeline(cfg Config, db *sql.DB, notifier *Notifier) (*Pipeline, error) {
	sched, err := cronParser.Parse(cfg.AnalysisSchedule)
	if err != nil {
		return nil, fmt.Errorf("parse analysis_schedule %q: %w", cfg.AnalysisSchedule, err)
	}

	var overrides *SignalPatterns
	if cfg.PatternsPath != "" {
		overrides, err = LoadSignalPatterns(cfg.PatternsPath)
		if err != nil {
			return nil, err
		}
	}

	breaker := gobreaker.NewCircuitBreaker[modelCallResult](gobreaker.Settings{
		Name:    "model-provider",
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("circuit breaker %s state %s -> %s", name, from, to)
		},
	})

	p := &Pipeline{
		cfg:       cfg,
		db:        db,
		stats:     NewPipelineStats(),
		extractor: NewSignalExtractor(overrides),
		notifier:  notifier,
		sched:     sched,
		breaker:   breaker,
	}
	p.classify = p.classifyWithRetry
	return p, nil
}

func (p *Pipeline) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

// Start launches the recurring scheduler loop. Stop cancels it; an
// in-flight cycle is interrupted at its next batch boundary via context.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.stopped = make(chan struct{})

	log.Printf("pipeline scheduled (cron: %s)", p.cfg.AnalysisSchedule)
	go p.loop(ctx)
}

func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.stopped
}

func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.stopped)
	for {
		now := time.Now().In(p.cfg.Location)
		next := p.sched.Next(now)
		wait := next.Sub(now)
		log.Printf("next analysis cycle at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := p.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
			log.Printf("pipeline cycle error: %v", err)
		}
	}
}

// RunNow performs one cycle outside the timer, for responsiveness to a
// user action. It shares the cycle-in-progress guard with the scheduler.
func (p *Pipeline) RunNow(ctx context.Context) error {
	return p.RunCycle(ctx)
}

// RunCycle executes one full analysis pass. It never panics or aborts the
// whole batch for one bad unit: every sub-step degrades to a safe
// fallback (heuristic result, previous score, skip unit).
func (p *Pipeline) RunCycle(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		log.Printf("pipeline cycle skipped: previous cycle still running")
		return ErrCycleInProgress
	}
	defer p.running.Store(false)

	if p.cfg.Disabled {
		log.Printf("pipeline disabled, skipping cycle")
		return nil
	}

	p.stats.SetRunning(true)
	defer p.stats.SetRunning(false)

	now := time.Now().In(p.cfg.Location)
	day := now.Format("2006-01-02")

	// Reconstruct today's spend from the cost log on day rollover (and on
	// the first cycle after a restart).
	carried, err := TokensUsedOn(p.db, day)
	if err != nil {
		log.Printf("pipeline cost log read error: %v", err)
	}
	if p.stats.RollDay(day, carried) {
		log.Printf("pipeline daily counters reset day=%s carried_tokens=%d", day, carried)
	}

	p.clearModelErrs()
	var cycleErr error

	staleCount := p.stalenessSweep(now)

	// The budget check and the escalation decision use the same counter
	// under the stats lock, so a concurrent manual run cannot slip a
	// model call past an exhausted budget.
	modelAllowed := p.stats.TokensToday() < p.cfg.DailyTokenBudget
	if !modelAllowed {
		log.Printf("pipeline daily token budget reached (%d), heuristics only", p.cfg.DailyTokenBudget)
	}

	items, err := GetPendingItems(p.db, p.cfg.BatchSize)
	if err != nil {
		p.stats.RecordCycle(0, 0, staleCount, fmt.Errorf("fetch pending items: %w", err), now, p.sched.Next(now))
		return fmt.Errorf("fetch pending items: %w", err)
	}

	units := p.buildEvidence(items)

	scores, usage := AnalyzeBatchWithFallback(ctx, p.cfg, units, now, modelAllowed, p.classify)

	persisted := 0
	for _, score := range scores {
		if !p.commitScore(score, now) {
			continue
		}
		persisted++
	}

	if usage.TotalTokens() > 0 {
		if err := InsertCostLog(p.db, day, p.cfg.LLMProvider, resolvedModelName(p.cfg), usage); err != nil {
			log.Printf("pipeline cost log write error: %v", err)
		}
	}

	if errs := p.takeModelErrs(); len(errs) > 0 {
		cycleErr = errs[0]
	}

	next := p.sched.Next(now)
	p.stats.RecordCycle(persisted, usage.TotalTokens(), staleCount, cycleErr, now, next)
	log.Printf("pipeline cycle done items=%d persisted=%d stale=%d tokens=%d model=%v",
		len(items), persisted, staleCount, usage.TotalTokens(), modelAllowed)

	if p.notifier != nil {
		p.notifier.PostCycleSummary(p.stats.Snapshot(), len(items), persisted, staleCount, usage.TotalTokens(), modelAllowed)
	}
	return nil
}

// buildEvidence extracts and aggregates signals for each pending item,
// pulling in related items that share an external ticket ID. Extraction
// problems skip the offending item's related lookups, never the cycle.
func (p *Pipeline) buildEvidence(items []WorkItem) []unitEvidence {
	units := make([]unitEvidence, 0, len(items))
	for _, item := range items {
		own := p.extractor.ExtractItemSignals(item)

		var related []Signal
		for _, ticketID := range item.TicketIDList() {
			relItems, err := GetRelatedItems(p.db, ticketID, item.ID)
			if err != nil {
				log.Printf("pipeline related lookup error item=%s ticket=%s: %v", item.ID, ticketID, err)
				continue
			}
			for _, rel := range relItems {
				related = append(related, p.extractor.ExtractRelatedSignals(rel)...)
			}
		}

		units = append(units, unitEvidence{
			Item:    item,
			Signals: AggregateSignals(p.cfg, own, related),
		})
	}
	return units
}

// commitScore persists one proposed score, enforcing the manual-override
// invariant and the transition state machine. A rejected proposal keeps
// the previous score; the rejection is logged, not surfaced as a failure.
func (p *Pipeline) commitScore(score ProgressScore, now time.Time) bool {
	prior, err := GetScore(p.db, score.ItemID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First classification, nothing to validate against.
	case err != nil:
		log.Printf("pipeline prior score read error item=%s: %v", score.ItemID, err)
		return false
	default:
		if prior.IsManualOverride {
			log.Printf("pipeline skipping manually overridden item=%s", score.ItemID)
			return false
		}
		if verr := ValidateTransition(prior.State, score.State, score.Signals, now); verr != nil {
			log.Printf("pipeline transition rejected item=%s proposed=%s confidence=%.2f: %v",
				score.ItemID, score.State, score.Confidence, verr)
			return false
		}
	}

	if err := UpsertScore(p.db, score); err != nil {
		log.Printf("pipeline score write error item=%s: %v", score.ItemID, err)
		return false
	}
	return true
}

// stalenessSweep applies the time-decay rule to every in-progress item:
// strictly older than the threshold since its last activity means stale.
// This runs once per cycle, independent of the weight-based classifier.
func (p *Pipeline) stalenessSweep(now time.Time) int {
	ids, err := GetItemIDsByState(p.db, StateInProgress)
	if err != nil {
		log.Printf("pipeline staleness sweep query error: %v", err)
		return 0
	}

	threshold := time.Duration(p.cfg.StalenessDays) * 24 * time.Hour
	count := 0
	for _, id := range ids {
		score, err := GetScore(p.db, id)
		if err != nil {
			log.Printf("pipeline staleness score read error item=%s: %v", id, err)
			continue
		}
		if score.IsManualOverride {
			continue
		}
		lastActivity := score.LastActivityAt
		if lastActivity.IsZero() {
			lastActivity = score.InferredAt
		}
		if !isStaleAt(lastActivity, now, threshold) {
			continue
		}
		reasoning := fmt.Sprintf("no activity since %s (threshold %dd)",
			lastActivity.Format("2006-01-02 15:04"), p.cfg.StalenessDays)
		changed, err := MarkScoreStale(p.db, id, reasoning, now)
		if err != nil {
			log.Printf("pipeline staleness update error item=%s: %v", id, err)
			continue
		}
		if changed {
			log.Printf("pipeline stale item=%s last_activity=%s", id, lastActivity.Format(time.RFC3339))
			count++
		}
	}
	return count
}

// isStaleAt is strict: an item exactly at the threshold is not yet stale.
func isStaleAt(lastActivity, now time.Time, threshold time.Duration) bool {
	return now.Sub(lastActivity) > threshold
}

// classifyWithRetry is the model path handed to the router: circuit
// breaker inside, transient-only retry outside. Non-transient failures
// (auth, malformed response) go straight back for heuristic fallback and
// are surfaced on the cycle's lastError.
func (p *Pipeline) classifyWithRetry(ctx context.Context, cfg Config, batch []unitEvidence) (map[string]modelDecision, LLMUsage, error) {
	var decisions map[string]modelDecision
	var usage LLMUsage

	err := retryTransient(ctx, "model-classify", func() error {
		result, err := p.breaker.Execute(func() (modelCallResult, error) {
			d, u, callErr := ClassifyWithModel(ctx, cfg, batch)
			return modelCallResult{decisions: d, usage: u}, callErr
		})
		usage.Add(result.usage)
		if err != nil {
			return err
		}
		decisions = result.decisions
		return nil
	})
	if err != nil && isAuthProviderError(err) {
		p.noteModelErr(err)
	}
	return decisions, usage, err
}

func (p *Pipeline) noteModelErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modelErrs = append(p.modelErrs, err)
}

func (p *Pipeline) clearModelErrs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modelErrs = nil
}

func (p *Pipeline) takeModelErrs() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	errs := p.modelErrs
	p.modelErrs = nil
	return errs
}

// OverrideState is the entry point the UI collaborator calls to pin an
// item's state. The override is terminal for automated writes until the
// collaborator clears it.
func (p *Pipeline) OverrideState(itemID string, state ProgressState, reasoning string) error {
	if !validStates[state] {
		return fmt.Errorf("unknown progress state %q", state)
	}
	now := time.Now().In(p.cfg.Location)
	return SetManualOverride(p.db, newScoreID(), itemID, state, reasoning, now)
}
