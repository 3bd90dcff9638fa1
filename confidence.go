package main

import (
	"time"
)

const (
	confidenceCeiling = 0.95 // all evidence is indirect; never report certainty

	twoSourceBonus       = 0.10
	threeSourceBonus     = 0.15
	recentDayBonus       = 0.05
	recentHourBonus      = 0.05
	contradictionPenalty = 0.15
	commitSourceBonus    = 0.05
)

// AdjustConfidence post-processes a raw heuristic confidence using
// corroboration, recency, source reliability, and contradictions. The
// result is clamped to [0, confidenceCeiling].
func AdjustConfidence(raw float64, signals []Signal, now time.Time) float64 {
	adjusted := raw

	switch n := distinctSources(signals); {
	case n >= 3:
		adjusted += threeSourceBonus
	case n >= 2:
		adjusted += twoSourceBonus
	}

	if latest := latestSignalAt(signals); !latest.IsZero() {
		age := now.Sub(latest)
		if age < 24*time.Hour {
			adjusted += recentDayBonus
			if age < time.Hour {
				adjusted += recentHourBonus
			}
		}
	}

	// Simultaneous completion and blocker evidence is a direct
	// contradiction: at least one side is wrong.
	if hasSignalType(signals, SignalCompletion) && hasSignalType(signals, SignalBlocker) {
		adjusted -= contradictionPenalty
	}

	// Version-control commits are harder evidence than free text.
	if hasCommitSource(signals) {
		adjusted += commitSourceBonus
	}

	return clampConfidence(adjusted)
}

func distinctSources(signals []Signal) int {
	seen := make(map[string]bool, 4)
	for _, s := range signals {
		if s.Source != "" {
			seen[s.Source] = true
		}
	}
	return len(seen)
}

func latestSignalAt(signals []Signal) time.Time {
	var latest time.Time
	for _, s := range signals {
		if s.DetectedAt.After(latest) {
			latest = s.DetectedAt
		}
	}
	return latest
}

func hasCommitSource(signals []Signal) bool {
	for _, s := range signals {
		if s.Source == "commit" {
			return true
		}
	}
	return false
}

func clampConfidence(c float64) float64 {
	if c > confidenceCeiling {
		return confidenceCeiling
	}
	if c < 0 {
		return 0
	}
	return c
}
