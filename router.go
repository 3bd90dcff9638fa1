package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// unitEvidence pairs a work item with its aggregated signal set.
type unitEvidence struct {
	Item    WorkItem
	Signals []Signal
}

func newScoreID() string {
	return uuid.NewString()
}

// heuristicScore runs the free classification path for one unit: fixed
// precedence scoring followed by confidence adjustment.
func heuristicScore(cfg Config, u unitEvidence, now time.Time) ProgressScore {
	state, confidence, reasoning := HeuristicClassify(cfg, u.Signals)
	confidence = AdjustConfidence(confidence, u.Signals, now)
	return ProgressScore{
		ID:             newScoreID(),
		ItemID:         u.Item.ID,
		State:          state,
		Confidence:     confidence,
		Reasoning:      reasoning,
		Signals:        u.Signals,
		InferredAt:     now,
		LastActivityAt: latestActivityAt(u.Signals),
		ModelUsed:      heuristicModelTag,
	}
}

// shouldEscalate decides whether a unit's heuristic result is trustworthy
// enough on its own. Escalation is the exception: most units resolve on
// the free path, which is what keeps model spend down.
func shouldEscalate(cfg Config, score ProgressScore, signals []Signal) bool {
	return score.Confidence < cfg.EscalationConfidence || hasContradictorySignals(signals)
}

// AnalyzeBatchWithFallback classifies every unit, escalating only
// low-confidence or contradictory ones to the model path. It never
// returns an error: when a model call fails, the affected units keep
// their heuristic scores with the fallback confidence discount applied.
// Always returns exactly one score per input unit, in input order.
func AnalyzeBatchWithFallback(ctx context.Context, cfg Config, units []unitEvidence, now time.Time, modelEnabled bool, classify modelClassifyFn) ([]ProgressScore, LLMUsage) {
	scores := make([]ProgressScore, len(units))

	// Extraction and heuristic scoring are pure, so fan out across units.
	var wg sync.WaitGroup
	for i := range units {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			scores[idx] = heuristicScore(cfg, units[idx], now)
		}(i)
	}
	wg.Wait()

	if !modelEnabled || classify == nil {
		return scores, LLMUsage{}
	}

	var escalated []int
	for i := range units {
		if shouldEscalate(cfg, scores[i], units[i].Signals) {
			escalated = append(escalated, i)
		}
	}
	if len(escalated) == 0 {
		return scores, LLMUsage{}
	}

	batchSize := cfg.ModelBatchSize
	if batchSize < 1 || batchSize > maxModelBatchSize {
		batchSize = maxModelBatchSize
	}
	var batches [][]int
	for start := 0; start < len(escalated); start += batchSize {
		end := start + batchSize
		if end > len(escalated) {
			end = len(escalated)
		}
		batches = append(batches, escalated[start:end])
	}

	type batchResult struct {
		decisions map[string]modelDecision
		usage     LLMUsage
		err       error
	}
	results := make([]batchResult, len(batches))

	wg = sync.WaitGroup{}
	for bi, indices := range batches {
		wg.Add(1)
		go func(bi int, indices []int) {
			defer wg.Done()
			batch := make([]unitEvidence, len(indices))
			for i, idx := range indices {
				batch[i] = units[idx]
			}
			decisions, usage, err := classify(ctx, cfg, batch)
			results[bi] = batchResult{decisions: decisions, usage: usage, err: err}
		}(bi, indices)
	}
	wg.Wait()

	totalUsage := LLMUsage{}
	for bi, indices := range batches {
		r := results[bi]
		totalUsage.Add(r.usage)
		if r.err != nil {
			// Model path failed for this batch; keep heuristics with the
			// fallback discount to reflect the intended judgment was missed.
			log.Printf("router model fallback batch=%d units=%d err=%v", bi, len(indices), r.err)
			for _, idx := range indices {
				scores[idx].Confidence = clampConfidence(scores[idx].Confidence * cfg.FallbackDiscount)
				scores[idx].Reasoning = fmt.Sprintf("%s (model unavailable, heuristic fallback)", scores[idx].Reasoning)
			}
			continue
		}
		for _, idx := range indices {
			decision, ok := r.decisions[units[idx].Item.ID]
			if !ok {
				// Unit missing from the response or rejected during parse;
				// its heuristic score stands.
				log.Printf("router model response missing item=%s, keeping heuristic", units[idx].Item.ID)
				continue
			}
			scores[idx].State = decision.State
			scores[idx].Confidence = clampConfidence(decision.Confidence)
			scores[idx].Reasoning = decision.Reasoning
			scores[idx].ModelUsed = decision.ModelUsed
		}
	}

	return scores, totalUsage
}
