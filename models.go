package main

import (
	"fmt"
	"strings"
	"time"
)

// SignalType is the evidence category a signal belongs to.
type SignalType string

const (
	SignalCommitment SignalType = "commitment"
	SignalActivity   SignalType = "activity"
	SignalBlocker    SignalType = "blocker"
	SignalCompletion SignalType = "completion"
	SignalEscalation SignalType = "escalation"
)

// ProgressState is the inferred work-progress state of an item.
type ProgressState string

const (
	StateNotStarted ProgressState = "not-started"
	StateInProgress ProgressState = "in-progress"
	StateBlocked    ProgressState = "blocked"
	StateDone       ProgressState = "done"
	StateStale      ProgressState = "stale"
)

var validStates = map[ProgressState]bool{
	StateNotStarted: true,
	StateInProgress: true,
	StateBlocked:    true,
	StateDone:       true,
	StateStale:      true,
}

// ParseProgressState validates a raw string against the known state set.
// Used to reject out-of-enum values coming back from the model.
func ParseProgressState(s string) (ProgressState, error) {
	state := ProgressState(strings.TrimSpace(s))
	if !validStates[state] {
		return "", fmt.Errorf("unknown progress state %q", s)
	}
	return state, nil
}

// Signal is one weighted piece of evidence extracted from text. Signals are
// never mutated after extraction; the aggregator works on copies.
type Signal struct {
	Type          SignalType `json:"type"`
	Weight        float64    `json:"weight"`
	Source        string     `json:"source"` // "email", "commit", "chat", "file", ...
	Context       string     `json:"context"`
	DetectedAt    time.Time  `json:"detected_at"`
	RelatedItemID string     `json:"related_item_id,omitempty"`
	FromTitle     bool       `json:"from_title,omitempty"`
}

// WorkItem is the unit of work being classified. Owned by the storage
// layer; the pipeline only reads it and writes back a ProgressScore.
type WorkItem struct {
	ID        string
	Title     string
	Content   string
	Source    string
	TicketIDs string // comma-separated external ticket IDs: "1247202,1230118"
	UpdatedAt time.Time
	CreatedAt time.Time
}

func (w WorkItem) TicketIDList() []string {
	var out []string
	for _, id := range strings.Split(w.TicketIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// ProgressScore is the persisted classification result for one work item.
type ProgressScore struct {
	ID               string
	ItemID           string
	State            ProgressState
	Confidence       float64
	Reasoning        string
	Signals          []Signal
	IsManualOverride bool
	InferredAt       time.Time
	LastActivityAt   time.Time // zero when no activity/completion signal contributed
	ModelUsed        string
}

// latestActivityAt returns the most recent activity or completion signal
// time, or the zero time when neither is present.
func latestActivityAt(signals []Signal) time.Time {
	var latest time.Time
	for _, s := range signals {
		if s.Type != SignalActivity && s.Type != SignalCompletion {
			continue
		}
		if s.DetectedAt.After(latest) {
			latest = s.DetectedAt
		}
	}
	return latest
}
