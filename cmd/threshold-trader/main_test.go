package main

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"threshold-trader/internal/config"
	"threshold-trader/internal/trigger"
)

func TestParseArgsOverlay(t *testing.T) {
	a, err := parseArgs([]string{"--stock-symbol", "tsla", "--upper", "200", "--lower", "180", "--buy-qty", "10", "--dry-run"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{Symbol: "AAPL", Upper: "1", Lower: "0.5", Quantity: 1, OrderType: "LMT"}
	a.apply(&cfg)
	if cfg.Symbol != "tsla" || cfg.Upper != "200" || cfg.Lower != "180" || cfg.Quantity != 10 || !cfg.DryRun {
		t.Fatalf("cfg %+v", cfg)
	}
	if cfg.OrderType != "LMT" {
		t.Fatal("unrelated fields must be preserved")
	}
	tc, err := cfg.Trigger()
	if err != nil {
		t.Fatal(err)
	}
	if tc.Symbol != "TSLA" {
		t.Fatalf("symbol %s", tc.Symbol)
	}
}

func TestParseArgsKeepsFileValuesWhenFlagsAbsent(t *testing.T) {
	a, err := parseArgs([]string{"--config", "other.yaml"}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if a.configPath != "other.yaml" {
		t.Fatalf("config path %s", a.configPath)
	}
	cfg := config.Config{Symbol: "AAPL", Upper: "2", Lower: "1", Quantity: 5}
	a.apply(&cfg)
	if cfg.Symbol != "AAPL" || cfg.Quantity != 5 {
		t.Fatalf("cfg %+v", cfg)
	}
}

func TestParseArgsErrors(t *testing.T) {
	if _, err := parseArgs([]string{"--buy-qty", "ten"}, io.Discard); err == nil {
		t.Fatal("non-numeric quantity should fail")
	}
	if _, err := parseArgs([]string{"stray"}, io.Discard); err == nil {
		t.Fatal("positional args should fail")
	}
}

func TestUpperNotAboveLowerRejected(t *testing.T) {
	a, _ := parseArgs([]string{"--stock-symbol", "TSLA", "--upper", "180", "--lower", "200", "--buy-qty", "10"}, io.Discard)
	var cfg config.Config
	a.apply(&cfg)
	if _, err := cfg.Trigger(); !errors.Is(err, trigger.ErrInvalidConfiguration) {
		t.Fatalf("got %v", err)
	}
}

func TestSetupRejectsBoundsBeforeCreatingLogs(t *testing.T) {
	t.Setenv("THRESHOLD_TRADER_GATEWAY_URL", "")
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_dir: "+logDir+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var stderr bytes.Buffer
	_, _, _, code := setup([]string{"--config", cfgPath, "--stock-symbol", "TSLA", "--upper", "180", "--lower", "200", "--buy-qty", "10"}, &stderr)
	if code != 2 {
		t.Fatalf("exit code %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "usage:") {
		t.Fatalf("stderr %q", stderr.String())
	}
	if _, err := os.Stat(logDir); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("log dir should not exist yet: %v", err)
	}
}

func TestSetupAcceptsValidRun(t *testing.T) {
	t.Setenv("THRESHOLD_TRADER_GATEWAY_URL", "")
	_, cfg, tc, code := setup([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "--stock-symbol", "tsla", "--upper", "200", "--lower", "180", "--buy-qty", "10"}, io.Discard)
	if code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if tc.Symbol != "TSLA" || cfg.Currency != "USD" {
		t.Fatalf("tc %+v cfg %+v", tc, cfg)
	}
}

func TestSetupLoginSkipsBounds(t *testing.T) {
	t.Setenv("THRESHOLD_TRADER_GATEWAY_URL", "")
	_, _, _, code := setup([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "--login"}, io.Discard)
	if code != 0 {
		t.Fatalf("login should not need bounds, code %d", code)
	}
}
