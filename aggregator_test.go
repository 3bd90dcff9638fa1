package main

import (
	"fmt"
	"testing"
	"time"
)

func TestAggregateTitleBoost(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	title := signalAt(SignalCompletion, 0.40, "github", now)
	title.FromTitle = true
	body := signalAt(SignalActivity, 0.30, "github", now)

	out := AggregateSignals(cfg, []Signal{title, body}, nil)
	if len(out) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(out))
	}
	for _, s := range out {
		switch s.Type {
		case SignalCompletion:
			if !approxEqual(s.Weight, 0.48) {
				t.Fatalf("title signal weight = %v, want 0.48", s.Weight)
			}
		case SignalActivity:
			if !approxEqual(s.Weight, 0.30) {
				t.Fatalf("body signal weight = %v, want 0.30 unboosted", s.Weight)
			}
		}
	}
}

func TestAggregateTitleBoostClamped(t *testing.T) {
	cfg := testConfig()
	s := signalAt(SignalCompletion, 0.90, "github", time.Now())
	s.FromTitle = true

	out := AggregateSignals(cfg, []Signal{s}, nil)
	if len(out) != 1 || out[0].Weight > 1.0 {
		t.Fatalf("boosted weight must clamp to 1.0, got %+v", out)
	}
}

func TestAggregatePerTypeCap(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	var own []Signal
	for i := 0; i < 9; i++ {
		s := signalAt(SignalActivity, 0.20+float64(i)*0.01, "slack", now.Add(-time.Duration(i)*time.Hour))
		s.Context = fmt.Sprintf("distinct activity message number %d", i)
		own = append(own, s)
	}

	out := AggregateSignals(cfg, own, nil)
	if len(out) != maxSignalsPerType {
		t.Fatalf("expected %d activity signals after cap, got %d", maxSignalsPerType, len(out))
	}
	// The cap keeps the heaviest entries.
	for _, s := range out {
		if s.Weight < 0.24 {
			t.Fatalf("per-type cap dropped a heavy signal and kept %v", s.Weight)
		}
	}
}

func TestAggregateTotalCap(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	types := []SignalType{SignalCommitment, SignalActivity, SignalBlocker, SignalCompletion, SignalEscalation}
	var own []Signal
	for _, typ := range types {
		for i := 0; i < 8; i++ {
			s := signalAt(typ, 0.30, "jira", now.Add(-time.Duration(i)*time.Minute))
			s.Context = fmt.Sprintf("unique %s evidence number %d", typ, i)
			own = append(own, s)
		}
	}

	out := AggregateSignals(cfg, own, nil)
	if len(out) != maxSignalsTotal {
		t.Fatalf("expected total cap of %d, got %d", maxSignalsTotal, len(out))
	}
}

func TestAggregateCollapsesNearDuplicates(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	a := signalAt(SignalBlocker, 0.40, "jira", now)
	a.Context = "blocked on the database migration"
	b := signalAt(SignalBlocker, 0.35, "jira", now)
	b.Context = "...blocked on the database migration..."

	out := AggregateSignals(cfg, []Signal{a, b}, nil)
	if len(out) != 1 {
		t.Fatalf("near-duplicate contexts should collapse, got %d signals", len(out))
	}
	if !approxEqual(out[0].Weight, 0.40) {
		t.Fatalf("collapse must keep the heavier signal, got %v", out[0].Weight)
	}
}

func TestAggregateKeepsRelatedProvenance(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	rel := signalAt(SignalActivity, 0.25, "github", now)
	rel.RelatedItemID = "PR-7"
	rel.Context = "pushed three commits to the branch"

	out := AggregateSignals(cfg, nil, []Signal{rel})
	if len(out) != 1 || out[0].RelatedItemID != "PR-7" {
		t.Fatalf("related provenance lost: %+v", out)
	}
}

func TestAggregateNewestFirst(t *testing.T) {
	cfg := testConfig()
	now := time.Now()

	old := signalAt(SignalActivity, 0.30, "slack", now.Add(-48*time.Hour))
	old.Context = "started the refactor last week"
	fresh := signalAt(SignalCompletion, 0.40, "github", now)
	fresh.Context = "merged the refactor"

	out := AggregateSignals(cfg, []Signal{old, fresh}, nil)
	if len(out) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(out))
	}
	if !out[0].DetectedAt.After(out[1].DetectedAt) {
		t.Fatalf("signals must be newest first: %v then %v", out[0].DetectedAt, out[1].DetectedAt)
	}
}

func TestAggregateEmptyInputs(t *testing.T) {
	cfg := testConfig()
	if out := AggregateSignals(cfg, nil, nil); len(out) != 0 {
		t.Fatalf("expected empty output, got %+v", out)
	}
}
