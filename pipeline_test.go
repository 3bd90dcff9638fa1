package main

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPipeline(t *testing.T, cfg Config, db *sql.DB) *Pipeline {
	t.Helper()
	p, err := NewPipeline(cfg, db, nil)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p
}

func TestIsStaleAtStrictBoundary(t *testing.T) {
	now := time.Now()
	threshold := 3 * 24 * time.Hour

	if isStaleAt(now.Add(-threshold), now, threshold) {
		t.Fatal("exactly at the threshold must not be stale")
	}
	if !isStaleAt(now.Add(-threshold-time.Second), now, threshold) {
		t.Fatal("one second past the threshold must be stale")
	}
	if isStaleAt(now.Add(-time.Hour), now, threshold) {
		t.Fatal("recent activity must not be stale")
	}
}

func TestRunCycleHeuristicPath(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	now := time.Now().UTC().Truncate(time.Second)
	item := WorkItem{
		ID:        "JIRA-1",
		Title:     "Upgrade TLS certs",
		Content:   "PR merged and deployed to production this morning.",
		Source:    "github",
		UpdatedAt: now,
	}
	if err := InsertWorkItem(db, item); err != nil {
		t.Fatalf("InsertWorkItem: %v", err)
	}

	var modelCalls int32
	p.classify = func(ctx context.Context, cfg Config, batch []unitEvidence) (map[string]modelDecision, LLMUsage, error) {
		atomic.AddInt32(&modelCalls, 1)
		return nil, LLMUsage{}, nil
	}

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if atomic.LoadInt32(&modelCalls) != 0 {
		t.Fatal("strong completion evidence must resolve without a model call")
	}
	score, err := GetScore(db, "JIRA-1")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score.State != StateDone {
		t.Fatalf("state = %s, want done", score.State)
	}
	if score.ModelUsed != heuristicModelTag {
		t.Fatalf("model tag = %q", score.ModelUsed)
	}

	snap := p.Stats()
	if snap.ItemsProcessedToday != 1 {
		t.Fatalf("items processed = %d, want 1", snap.ItemsProcessedToday)
	}
	if snap.TokensUsedToday != 0 {
		t.Fatalf("tokens used = %d, want 0", snap.TokensUsedToday)
	}
	if snap.LastError != "" {
		t.Fatalf("lastError = %q", snap.LastError)
	}
	if snap.NextRunTime.IsZero() {
		t.Fatal("next run time not recorded")
	}
}

func TestRunCycleEscalatesToModel(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	now := time.Now().UTC().Truncate(time.Second)
	item := WorkItem{
		ID:        "JIRA-2",
		Title:     "Investigate flaky checkout test",
		Content:   "plan to look at this next sprint",
		Source:    "jira",
		UpdatedAt: now,
	}
	if err := InsertWorkItem(db, item); err != nil {
		t.Fatalf("InsertWorkItem: %v", err)
	}

	p.classify = func(ctx context.Context, cfg Config, batch []unitEvidence) (map[string]modelDecision, LLMUsage, error) {
		return map[string]modelDecision{
			"JIRA-2": {State: StateNotStarted, Confidence: 0.78, Reasoning: "commitment only, no activity yet", ModelUsed: defaultAnthropicModel},
		}, LLMUsage{InputTokens: 300, OutputTokens: 60}, nil
	}

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	score, err := GetScore(db, "JIRA-2")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score.State != StateNotStarted || score.ModelUsed != defaultAnthropicModel {
		t.Fatalf("model decision not persisted: %+v", score)
	}

	snap := p.Stats()
	if snap.TokensUsedToday != 360 {
		t.Fatalf("tokens used = %d, want 360", snap.TokensUsedToday)
	}

	// Spend lands in the cost log for restart recovery.
	day := now.In(cfg.Location).Format("2006-01-02")
	total, err := TokensUsedOn(db, day)
	if err != nil || total != 360 {
		t.Fatalf("cost log total = %d, %v", total, err)
	}
}

func TestRunCycleBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.DailyTokenBudget = 1000
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	now := time.Now().In(cfg.Location)
	day := now.Format("2006-01-02")
	if err := InsertCostLog(db, day, "anthropic", defaultAnthropicModel, LLMUsage{InputTokens: 900, OutputTokens: 200}); err != nil {
		t.Fatalf("InsertCostLog: %v", err)
	}

	item := WorkItem{
		ID:        "JIRA-3",
		Title:     "Ambiguous ticket",
		Content:   "plan to get back to this",
		Source:    "jira",
		UpdatedAt: now.UTC().Truncate(time.Second),
	}
	if err := InsertWorkItem(db, item); err != nil {
		t.Fatalf("InsertWorkItem: %v", err)
	}

	p.classify = func(ctx context.Context, cfg Config, batch []unitEvidence) (map[string]modelDecision, LLMUsage, error) {
		t.Error("model must not run once the daily budget is spent")
		return nil, LLMUsage{}, nil
	}

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	score, err := GetScore(db, "JIRA-3")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	// Budget exhaustion is not a model failure, so no fallback discount.
	if score.ModelUsed != heuristicModelTag {
		t.Fatalf("model tag = %q, want heuristic", score.ModelUsed)
	}

	snap := p.Stats()
	if snap.TokensUsedToday != 1100 {
		t.Fatalf("carried tokens = %d, want 1100 from the cost log", snap.TokensUsedToday)
	}
}

func TestRunCycleSkipsManualOverride(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	now := time.Now().UTC().Truncate(time.Second)
	item := WorkItem{
		ID:        "JIRA-4",
		Title:     "Vendor migration",
		Content:   "merged and deployed",
		Source:    "github",
		UpdatedAt: now,
	}
	if err := InsertWorkItem(db, item); err != nil {
		t.Fatalf("InsertWorkItem: %v", err)
	}
	if err := p.OverrideState("JIRA-4", StateBlocked, "vendor contract is stalled"); err != nil {
		t.Fatalf("OverrideState: %v", err)
	}

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	score, err := GetScore(db, "JIRA-4")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score.State != StateBlocked || !score.IsManualOverride {
		t.Fatalf("override lost to the pipeline: %+v", score)
	}
}

func TestRunCycleRejectsInvalidTransition(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	now := time.Now().UTC().Truncate(time.Second)
	item := WorkItem{
		ID:        "JIRA-5",
		Title:     "Search indexing",
		Content:   "working on a small follow-up tweak",
		Source:    "jira",
		UpdatedAt: now,
	}
	if err := InsertWorkItem(db, item); err != nil {
		t.Fatalf("InsertWorkItem: %v", err)
	}
	// Already classified done before this latest update.
	mustUpsert(t, db, ProgressScore{
		ID: newScoreID(), ItemID: "JIRA-5", State: StateDone,
		Confidence: 0.9, InferredAt: now.Add(-time.Hour), ModelUsed: heuristicModelTag,
	})

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Activity without a reopen signal cannot pull a done item back.
	score, err := GetScore(db, "JIRA-5")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score.State != StateDone {
		t.Fatalf("done item moved to %s without a reopen signal", score.State)
	}
}

func TestRunCycleReopensOnExplicitSignal(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	now := time.Now().UTC().Truncate(time.Second)
	item := WorkItem{
		ID:        "JIRA-6",
		Title:     "Payment retries",
		Content:   "ticket reopened, working on the regression",
		Source:    "jira",
		UpdatedAt: now,
	}
	if err := InsertWorkItem(db, item); err != nil {
		t.Fatalf("InsertWorkItem: %v", err)
	}
	mustUpsert(t, db, ProgressScore{
		ID: newScoreID(), ItemID: "JIRA-6", State: StateDone,
		Confidence: 0.9, InferredAt: now.Add(-time.Hour), ModelUsed: heuristicModelTag,
	})

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	score, err := GetScore(db, "JIRA-6")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score.State != StateInProgress {
		t.Fatalf("explicit reopen should move done -> in-progress, got %s", score.State)
	}
}

func TestRunCycleStalenessSweep(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	now := time.Now().UTC().Truncate(time.Second)
	item := WorkItem{
		ID:        "quiet-item",
		Title:     "Long-running refactor",
		Content:   "started on the extraction",
		Source:    "jira",
		UpdatedAt: now.Add(-5 * 24 * time.Hour),
	}
	if err := InsertWorkItem(db, item); err != nil {
		t.Fatalf("InsertWorkItem: %v", err)
	}
	mustUpsert(t, db, ProgressScore{
		ID: newScoreID(), ItemID: "quiet-item", State: StateInProgress,
		Confidence: 0.7, InferredAt: now.Add(-4 * 24 * time.Hour),
		LastActivityAt: now.Add(-4 * 24 * time.Hour), ModelUsed: heuristicModelTag,
	})

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	score, err := GetScore(db, "quiet-item")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score.State != StateStale {
		t.Fatalf("4-day-quiet item should be stale, got %s", score.State)
	}
	if !approxEqual(score.Confidence, staleConfidence) {
		t.Fatalf("stale confidence = %v", score.Confidence)
	}
	if p.Stats().StaleItemsDetected != 1 {
		t.Fatalf("stale counter = %d, want 1", p.Stats().StaleItemsDetected)
	}
}

func TestRunCycleOverlapGuard(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	p.running.Store(true)
	err := p.RunCycle(context.Background())
	if !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("expected ErrCycleInProgress, got %v", err)
	}
	p.running.Store(false)

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle after release should run: %v", err)
	}
}

func TestRunCycleDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Disabled = true
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	now := time.Now().UTC().Truncate(time.Second)
	if err := InsertWorkItem(db, WorkItem{ID: "x", Title: "merged", Source: "github", UpdatedAt: now}); err != nil {
		t.Fatalf("InsertWorkItem: %v", err)
	}

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if _, err := GetScore(db, "x"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatal("disabled pipeline must not write scores")
	}
}

func TestRunCycleRelatedSignals(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	now := time.Now().UTC().Truncate(time.Second)
	email := WorkItem{
		ID:        "email-1",
		Title:     "Re: PROJ-42 rollout",
		Content:   "any update on this?",
		Source:    "email",
		TicketIDs: "PROJ-42",
		UpdatedAt: now,
	}
	pr := WorkItem{
		ID:        "pr-9",
		Title:     "PROJ-42 rollout config",
		Content:   "merged, deployed to all regions",
		Source:    "github",
		TicketIDs: "PROJ-42",
		UpdatedAt: now.Add(-time.Hour),
	}
	for _, it := range []WorkItem{email, pr} {
		if err := InsertWorkItem(db, it); err != nil {
			t.Fatalf("InsertWorkItem(%s): %v", it.ID, err)
		}
	}

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Cross-source completion evidence outweighs the email's escalation tone.
	score, err := GetScore(db, "email-1")
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if score.State != StateDone {
		t.Fatalf("email with merged linked PR should be done, got %s (%s)", score.State, score.Reasoning)
	}
	found := false
	for _, s := range score.Signals {
		if s.RelatedItemID == "pr-9" {
			found = true
		}
	}
	if !found {
		t.Fatal("persisted signals should record the related item provenance")
	}
}

func TestOverrideStateRejectsUnknown(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	if err := p.OverrideState("x", ProgressState("almost-done"), "nearly"); err == nil {
		t.Fatal("unknown state must be rejected")
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	db := newTestDB(t)
	p := newTestPipeline(t, cfg, db)

	p.Start()
	p.Stop()
}
