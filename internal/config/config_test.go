package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReadingCostStars != 1 {
		t.Fatalf("ReadingCostStars = %d, want 1", cfg.ReadingCostStars)
	}
	if cfg.ExchangeRatio != 10 {
		t.Fatalf("ExchangeRatio = %d, want 10", cfg.ExchangeRatio)
	}
	if cfg.AllowCoinSpend {
		t.Fatalf("AllowCoinSpend should default to false")
	}
	if cfg.LeaseDuration != 60*time.Second {
		t.Fatalf("LeaseDuration = %s", cfg.LeaseDuration)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("READING_COST_STARS", "3")
	t.Setenv("LEASE_DURATION", "90s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("MOCK_LLM", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReadingCostStars != 3 {
		t.Fatalf("ReadingCostStars = %d, want 3", cfg.ReadingCostStars)
	}
	if cfg.LeaseDuration != 90*time.Second {
		t.Fatalf("LeaseDuration = %s, want 90s", cfg.LeaseDuration)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if !cfg.MockLLM {
		t.Fatalf("MockLLM should be true")
	}
}

func TestLoadYAMLFileWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("reading_cost_stars: 5\nexchange_ratio: 20\nhttp_port: \"9999\"\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("EXCHANGE_RATIO", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReadingCostStars != 5 {
		t.Fatalf("ReadingCostStars = %d, want 5 from file", cfg.ReadingCostStars)
	}
	if cfg.HTTPPort != "9999" {
		t.Fatalf("HTTPPort = %s, want 9999 from file", cfg.HTTPPort)
	}
	if cfg.ExchangeRatio != 25 {
		t.Fatalf("ExchangeRatio = %d, want env override 25", cfg.ExchangeRatio)
	}
}
