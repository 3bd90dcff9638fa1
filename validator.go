package main

import (
	"fmt"
	"strings"
	"time"
)

// freshActivityWindow bounds how old an activity signal may be to justify
// moving a blocked item back to in-progress.
const freshActivityWindow = 24 * time.Hour

// ValidateTransition enforces the progress state machine before a proposed
// score is committed over an existing one. A nil error means the
// transition is legal. Rejected proposals are discarded by the caller,
// keeping the previous score, so a single noisy signal cannot erase a
// higher-confidence classification.
//
// Guarded transitions:
//
//	done        -> in-progress  needs an explicit reopen signal
//	done        -> not-started  never valid
//	not-started -> stale        never valid (nothing goes stale before starting)
//	blocked     -> in-progress  needs a fresh activity signal
//	stale       -> done         needs an explicit completion signal
func ValidateTransition(from, to ProgressState, signals []Signal, now time.Time) error {
	if from == to {
		return nil
	}
	switch {
	case from == StateDone && to == StateNotStarted:
		return fmt.Errorf("transition %s -> %s is never valid", from, to)
	case from == StateNotStarted && to == StateStale:
		return fmt.Errorf("transition %s -> %s is never valid", from, to)
	case from == StateDone && to == StateInProgress:
		if !hasReopenSignal(signals) {
			return fmt.Errorf("transition %s -> %s requires an explicit reopen signal", from, to)
		}
	case from == StateBlocked && to == StateInProgress:
		if !hasFreshActivity(signals, now) {
			return fmt.Errorf("transition %s -> %s requires a fresh activity signal", from, to)
		}
	case from == StateStale && to == StateDone:
		if !hasSignalType(signals, SignalCompletion) {
			return fmt.Errorf("transition %s -> %s requires an explicit completion signal", from, to)
		}
	}
	return nil
}

// hasReopenSignal looks for activity evidence that explicitly names a
// reopen, not just generic motion.
func hasReopenSignal(signals []Signal) bool {
	for _, s := range signals {
		if s.Type != SignalActivity {
			continue
		}
		if strings.Contains(strings.ToLower(s.Context), "reopen") {
			return true
		}
	}
	return false
}

func hasFreshActivity(signals []Signal, now time.Time) bool {
	for _, s := range signals {
		if s.Type == SignalActivity && now.Sub(s.DetectedAt) <= freshActivityWindow {
			return true
		}
	}
	return false
}
