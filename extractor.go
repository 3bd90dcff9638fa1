package main

import (
	"strings"
	"time"
)

// signalPattern is one phrase family entry: when phrase occurs in the
// scanned text, a signal of the given type and default weight is emitted.
type signalPattern struct {
	Phrase string
	Type   SignalType
	Weight float64
}

// defaultSignalPatterns are the built-in phrase families. Weights are
// tunable research constants; a patterns file can add or override entries.
var defaultSignalPatterns = []signalPattern{
	// Completion: definitive evidence the work landed.
	{"merged", SignalCompletion, 0.40},
	{"resolved", SignalCompletion, 0.40},
	{"deployed", SignalCompletion, 0.35},
	{"shipped", SignalCompletion, 0.35},
	{"completed", SignalCompletion, 0.35},
	{"done", SignalCompletion, 0.35},
	{"fixed", SignalCompletion, 0.30},
	{"closed", SignalCompletion, 0.30},
	{"landed", SignalCompletion, 0.30},

	// Blockers: work cannot proceed.
	{"blocked by", SignalBlocker, 0.40},
	{"blocked on", SignalBlocker, 0.40},
	{"waiting on", SignalBlocker, 0.35},
	{"stuck on", SignalBlocker, 0.35},
	{"cannot proceed", SignalBlocker, 0.35},
	{"can't proceed", SignalBlocker, 0.35},
	{"waiting for", SignalBlocker, 0.30},
	{"on hold", SignalBlocker, 0.30},
	{"depends on", SignalBlocker, 0.25},

	// Activity: work is visibly moving.
	{"in progress", SignalActivity, 0.35},
	{"reopened", SignalActivity, 0.35},
	{"working on", SignalActivity, 0.30},
	{"wip", SignalActivity, 0.30},
	{"pushed", SignalActivity, 0.25},
	{"implementing", SignalActivity, 0.25},
	{"debugging", SignalActivity, 0.25},
	{"started", SignalActivity, 0.25},
	{"continuing", SignalActivity, 0.25},
	{"reviewing", SignalActivity, 0.20},
	{"updated", SignalActivity, 0.20},

	// Commitments: someone said they would do it.
	{"i'll take", SignalCommitment, 0.20},
	{"i will", SignalCommitment, 0.20},
	{"will do", SignalCommitment, 0.20},
	{"picking up", SignalCommitment, 0.20},
	{"assigned to me", SignalCommitment, 0.20},
	{"plan to", SignalCommitment, 0.15},
	{"going to", SignalCommitment, 0.15},
	{"todo", SignalCommitment, 0.10},

	// Escalations: someone is chasing the work.
	{"escalating", SignalEscalation, 0.35},
	{"escalated", SignalEscalation, 0.35},
	{"urgent", SignalEscalation, 0.30},
	{"asap", SignalEscalation, 0.30},
	{"still waiting", SignalEscalation, 0.30},
	{"overdue", SignalEscalation, 0.30},
	{"any update", SignalEscalation, 0.25},
	{"reminder", SignalEscalation, 0.20},
}

const contextSnippetRadius = 40

// SignalExtractor scans raw text for phrase families and emits signals.
// It is pure: no network, no storage, no clock reads.
type SignalExtractor struct {
	patterns []signalPattern
}

func NewSignalExtractor(overrides *SignalPatterns) *SignalExtractor {
	patterns := make([]signalPattern, len(defaultSignalPatterns))
	copy(patterns, defaultSignalPatterns)
	if overrides != nil {
		patterns = overrides.apply(patterns)
	}
	return &SignalExtractor{patterns: patterns}
}

// ExtractItemSignals scans an item's title and content. Title matches are
// flagged so the aggregator can apply the title precision boost.
func (e *SignalExtractor) ExtractItemSignals(item WorkItem) []Signal {
	var signals []Signal
	signals = append(signals, e.extract(item.Title, item.Source, item.UpdatedAt, true, "")...)
	signals = append(signals, e.extract(item.Content, item.Source, item.UpdatedAt, false, "")...)
	return signals
}

// ExtractRelatedSignals scans a related item's text, preserving its own
// source tag and recording the cross-source provenance.
func (e *SignalExtractor) ExtractRelatedSignals(related WorkItem) []Signal {
	var signals []Signal
	signals = append(signals, e.extract(related.Title, related.Source, related.UpdatedAt, false, related.ID)...)
	signals = append(signals, e.extract(related.Content, related.Source, related.UpdatedAt, false, related.ID)...)
	return signals
}

func (e *SignalExtractor) extract(text, source string, detectedAt time.Time, fromTitle bool, relatedItemID string) []Signal {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var signals []Signal
	for _, p := range e.patterns {
		idx := indexPhrase(lower, p.Phrase)
		if idx < 0 {
			continue
		}
		signals = append(signals, Signal{
			Type:          p.Type,
			Weight:        p.Weight,
			Source:        source,
			Context:       contextSnippet(text, idx, len(p.Phrase)),
			DetectedAt:    detectedAt,
			RelatedItemID: relatedItemID,
			FromTitle:     fromTitle,
		})
	}
	return signals
}

// indexPhrase finds phrase in lowercased text at a word boundary, so
// "done" does not match inside "abandoned". Returns -1 when absent.
func indexPhrase(lower, phrase string) int {
	from := 0
	for {
		idx := strings.Index(lower[from:], phrase)
		if idx < 0 {
			return -1
		}
		idx += from
		end := idx + len(phrase)
		if boundaryBefore(lower, idx) && boundaryAfter(lower, end) {
			return idx
		}
		from = idx + 1
		if from >= len(lower) {
			return -1
		}
	}
}

func boundaryBefore(s string, idx int) bool {
	return idx == 0 || !isWordByte(s[idx-1])
}

func boundaryAfter(s string, end int) bool {
	return end >= len(s) || !isWordByte(s[end])
}

func isWordByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}

// contextSnippet returns the matched phrase with a little surrounding text
// for the score's reasoning trail.
func contextSnippet(text string, idx, phraseLen int) string {
	start := idx - contextSnippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + phraseLen + contextSnippetRadius
	if end > len(text) {
		end = len(text)
	}
	snippet := strings.TrimSpace(text[start:end])
	snippet = strings.Join(strings.Fields(snippet), " ")
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(text) {
		snippet += "..."
	}
	return snippet
}
