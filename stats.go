package main

import (
	"sync"
	"time"
)

// PipelineStats holds the process-local counters the UI polls. Daily
// counters reset at the first cycle of a new day; tokensUsedToday is
// seeded from the cost log so restarts do not forget spend.
// All access is serialized by the mutex: the scheduler cycle and the
// manual run-now entry point are separate actors.
type PipelineStats struct {
	mu sync.Mutex

	isRunning           bool
	lastRunTime         time.Time
	lastError           string
	itemsProcessedToday int
	tokensUsedToday     int64
	staleItemsDetected  int
	nextRunTime         time.Time
	day                 string // YYYY-MM-DD the daily counters apply to
}

// StatsSnapshot is the read-only view handed to observability callers.
type StatsSnapshot struct {
	IsRunning           bool
	LastRunTime         time.Time
	LastError           string
	ItemsProcessedToday int
	TokensUsedToday     int64
	StaleItemsDetected  int
	NextRunTime         time.Time
}

func NewPipelineStats() *PipelineStats {
	return &PipelineStats{}
}

func (s *PipelineStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		IsRunning:           s.isRunning,
		LastRunTime:         s.lastRunTime,
		LastError:           s.lastError,
		ItemsProcessedToday: s.itemsProcessedToday,
		TokensUsedToday:     s.tokensUsedToday,
		StaleItemsDetected:  s.staleItemsDetected,
		NextRunTime:         s.nextRunTime,
	}
}

func (s *PipelineStats) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isRunning = running
}

// RollDay resets the daily counters when the date changed, seeding token
// usage from persisted cost-log rows. Returns true on a reset.
func (s *PipelineStats) RollDay(day string, tokensAlreadyUsed int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.day == day {
		return false
	}
	s.day = day
	s.itemsProcessedToday = 0
	s.tokensUsedToday = tokensAlreadyUsed
	s.staleItemsDetected = 0
	return true
}

// TokensToday returns today's cumulative token count. The budget check
// reads this under the same lock that cycle updates write under, keeping
// the escalation decision atomic with respect to the counter.
func (s *PipelineStats) TokensToday() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokensUsedToday
}

// RecordCycle folds one cycle's results into the counters.
func (s *PipelineStats) RecordCycle(items int, tokens int64, stale int, runErr error, ranAt, nextRun time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemsProcessedToday += items
	s.tokensUsedToday += tokens
	s.staleItemsDetected += stale
	s.lastRunTime = ranAt
	s.nextRunTime = nextRun
	if runErr != nil {
		s.lastError = runErr.Error()
	} else {
		s.lastError = ""
	}
}
