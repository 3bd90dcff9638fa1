package main

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func testConfig() Config {
	var cfg Config
	applyDefaults(&cfg)
	cfg.LLMProvider = "anthropic"
	cfg.AnthropicAPIKey = "test-key"
	cfg.Location = time.UTC
	return cfg
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "progressbot-test.db")
	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func approxEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func signalAt(t SignalType, weight float64, source string, detectedAt time.Time) Signal {
	return Signal{
		Type:       t,
		Weight:     weight,
		Source:     source,
		Context:    string(t) + " evidence from " + source,
		DetectedAt: detectedAt,
	}
}
