package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SignalPatterns is the optional phrase-override file. Deployments use it
// to teach the extractor team-specific vocabulary ("in UAT" means testing
// activity) without a rebuild.
type SignalPatterns struct {
	Patterns []PatternEntry `yaml:"patterns"`
}

type PatternEntry struct {
	Phrase string  `yaml:"phrase"`
	Type   string  `yaml:"type"`
	Weight float64 `yaml:"weight"`
}

func LoadSignalPatterns(path string) (*SignalPatterns, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signal patterns: %w", err)
	}
	var p SignalPatterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse signal patterns yaml: %w", err)
	}
	for i, entry := range p.Patterns {
		if err := entry.validate(); err != nil {
			return nil, fmt.Errorf("signal pattern %d: %w", i, err)
		}
	}
	return &p, nil
}

func (e PatternEntry) validate() error {
	if strings.TrimSpace(e.Phrase) == "" {
		return fmt.Errorf("empty phrase")
	}
	switch SignalType(e.Type) {
	case SignalCommitment, SignalActivity, SignalBlocker, SignalCompletion, SignalEscalation:
	default:
		return fmt.Errorf("unknown signal type %q", e.Type)
	}
	if e.Weight < 0 || e.Weight > 1 {
		return fmt.Errorf("weight %f out of range [0,1]", e.Weight)
	}
	return nil
}

// apply merges the file entries into the built-in table. A phrase already
// present is overridden in place; new phrases are appended.
func (p *SignalPatterns) apply(patterns []signalPattern) []signalPattern {
	for _, entry := range p.Patterns {
		phrase := strings.ToLower(strings.TrimSpace(entry.Phrase))
		weight := entry.Weight
		if weight == 0 {
			weight = defaultPatternWeight(SignalType(entry.Type))
		}
		replaced := false
		for i := range patterns {
			if patterns[i].Phrase == phrase {
				patterns[i].Type = SignalType(entry.Type)
				patterns[i].Weight = weight
				replaced = true
				break
			}
		}
		if !replaced {
			patterns = append(patterns, signalPattern{Phrase: phrase, Type: SignalType(entry.Type), Weight: weight})
		}
	}
	return patterns
}

func defaultPatternWeight(t SignalType) float64 {
	switch t {
	case SignalCompletion:
		return 0.35
	case SignalBlocker:
		return 0.30
	case SignalActivity:
		return 0.25
	case SignalEscalation:
		return 0.25
	default:
		return 0.15
	}
}
