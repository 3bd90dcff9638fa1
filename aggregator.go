package main

import (
	"sort"
	"strings"
)

const (
	maxSignalsPerType = 5
	maxSignalsTotal   = 25
)

// AggregateSignals merges an item's own signals with signals from related
// items into one bounded, deduplicated evidence set:
//
//   - title-origin signals get the title precision boost (titles are
//     high-precision, so their weight counts for more)
//   - each type group keeps at most maxSignalsPerType entries by
//     descending (weight, recency)
//   - near-duplicate contexts within a group collapse to one signal so
//     repeated phrasing does not over-count
//   - the final set is capped at maxSignalsTotal, newest first
//
// Pure transformation; the inputs are not modified.
func AggregateSignals(cfg Config, own, related []Signal) []Signal {
	merged := make([]Signal, 0, len(own)+len(related))
	for _, s := range own {
		if s.FromTitle {
			s.Weight = clampWeight(s.Weight * cfg.TitleBoost)
		}
		merged = append(merged, s)
	}
	merged = append(merged, related...)

	byType := make(map[SignalType][]Signal)
	for _, s := range merged {
		byType[s.Type] = append(byType[s.Type], s)
	}

	var out []Signal
	for _, group := range byType {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Weight != group[j].Weight {
				return group[i].Weight > group[j].Weight
			}
			return group[i].DetectedAt.After(group[j].DetectedAt)
		})
		group = collapseNearDuplicates(group)
		if len(group) > maxSignalsPerType {
			group = group[:maxSignalsPerType]
		}
		out = append(out, group...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].Weight > out[j].Weight
	})
	if len(out) > maxSignalsTotal {
		out = out[:maxSignalsTotal]
	}
	return out
}

// collapseNearDuplicates keeps the first (highest-ranked) signal of each
// near-identical context within one type group. The group must already be
// sorted by rank.
func collapseNearDuplicates(group []Signal) []Signal {
	var kept []Signal
	for _, s := range group {
		dup := false
		for _, k := range kept {
			if nearDuplicateContext(s.Context, k.Context) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, s)
		}
	}
	return kept
}

// nearDuplicateContext reports whether two context snippets describe the
// same underlying text: exact match after normalization, or one contained
// in the other (snippets of the same sentence at different radii).
func nearDuplicateContext(a, b string) bool {
	na := normalizeContext(a)
	nb := normalizeContext(b)
	if na == "" || nb == "" {
		return na == nb
	}
	return na == nb || strings.Contains(na, nb) || strings.Contains(nb, na)
}

func normalizeContext(s string) string {
	s = strings.ToLower(s)
	s = strings.Trim(s, ". ")
	s = strings.TrimPrefix(s, "...")
	s = strings.TrimSuffix(s, "...")
	return strings.Join(strings.Fields(s), " ")
}

func clampWeight(w float64) float64 {
	if w > 1 {
		return 1
	}
	if w < 0 {
		return 0
	}
	return w
}
