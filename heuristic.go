package main

import (
	"fmt"
)

// heuristicModelTag marks scores produced without a model call.
const heuristicModelTag = "heuristic-v1"

const (
	maxHeuristicConfidence = 0.95
	commitmentOnlyCap      = 0.70
	escalationConfidence   = 0.60
	noSignalConfidence     = 0.50
)

// HeuristicClassify maps an aggregated signal set to (state, confidence,
// reasoning) with no I/O and no randomness. Evaluation follows a fixed
// precedence: completion is definitive and cannot be overridden by weaker
// signals, blockers suppress false in-progress reads, and commitments
// alone only justify a low-confidence in-progress guess.
func HeuristicClassify(cfg Config, signals []Signal) (ProgressState, float64, string) {
	weights := sumWeightsByType(signals)

	if w := weights[SignalCompletion]; w > cfg.DoneWeight {
		return StateDone, branchConfidence(w, maxHeuristicConfidence),
			fmt.Sprintf("completion signals (weight %.2f) indicate the work is finished", w)
	}
	if w := weights[SignalBlocker]; w > cfg.BlockerWeight {
		return StateBlocked, branchConfidence(w, maxHeuristicConfidence),
			fmt.Sprintf("blocker signals (weight %.2f) indicate the work is waiting on something", w)
	}
	if w := weights[SignalActivity]; w > cfg.ActivityWeight {
		return StateInProgress, branchConfidence(w, maxHeuristicConfidence),
			fmt.Sprintf("activity signals (weight %.2f) indicate the work is moving", w)
	}
	if w := weights[SignalCommitment]; w > cfg.CommitmentWeight {
		return StateInProgress, branchConfidence(w, commitmentOnlyCap),
			fmt.Sprintf("commitment signals (weight %.2f) suggest the work was picked up", w)
	}
	if weights[SignalEscalation] > 0 && onlyEscalation(weights) {
		return StateStale, escalationConfidence,
			"escalation signals with no other evidence; may need attention"
	}
	return StateNotStarted, noSignalConfidence, "insufficient signals"
}

func sumWeightsByType(signals []Signal) map[SignalType]float64 {
	weights := make(map[SignalType]float64, 5)
	for _, s := range signals {
		weights[s.Type] += s.Weight
	}
	return weights
}

func onlyEscalation(weights map[SignalType]float64) bool {
	return weights[SignalCompletion] == 0 &&
		weights[SignalBlocker] == 0 &&
		weights[SignalActivity] == 0 &&
		weights[SignalCommitment] == 0
}

func branchConfidence(weight, limit float64) float64 {
	c := weight * 2
	if c > limit {
		return limit
	}
	return c
}

// hasSignalType reports whether any signal of the given type is present.
func hasSignalType(signals []Signal, t SignalType) bool {
	for _, s := range signals {
		if s.Type == t {
			return true
		}
	}
	return false
}

// hasContradictorySignals detects directly conflicting evidence: the work
// cannot be both finished and blocked, and a commitment being escalated
// with no visible activity means somebody is chasing unstarted work.
func hasContradictorySignals(signals []Signal) bool {
	if hasSignalType(signals, SignalCompletion) && hasSignalType(signals, SignalBlocker) {
		return true
	}
	if hasSignalType(signals, SignalCommitment) && hasSignalType(signals, SignalEscalation) &&
		!hasSignalType(signals, SignalActivity) {
		return true
	}
	return false
}
