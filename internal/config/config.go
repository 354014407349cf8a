package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"threshold-trader/internal/market"
	"threshold-trader/internal/trigger"
)

type Config struct {
	// Trading parameters; normally supplied on the command line.
	Symbol   string `yaml:"stock_symbol"`
	Upper    string `yaml:"upper"`
	Lower    string `yaml:"lower"`
	Quantity int    `yaml:"buy_qty"`

	Exchange  string `yaml:"exchange"`
	Currency  string `yaml:"currency"`
	OrderType string `yaml:"order_type"`
	DryRun    bool   `yaml:"dry_run"`

	Port             int    `yaml:"port"`
	LogLevel         string `yaml:"log_level"`
	LogDir           string `yaml:"log_dir"`
	IBKRGatewayURL   string `yaml:"ibkr_gateway_url"`
	SessionStorePath string `yaml:"session_store_path"`
	OrderTimeoutSecs int    `yaml:"order_timeout_seconds"`
}

func defaults() Config {
	return Config{
		Exchange:         "SMART",
		Currency:         "USD",
		OrderType:        "MKT",
		Port:             8087,
		LogLevel:         "info",
		LogDir:           "./logs",
		IBKRGatewayURL:   "https://127.0.0.1:5000",
		SessionStorePath: "./data/session.json",
		OrderTimeoutSecs: 10,
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not an
// error: everything required can come from flags.
func Load(path string) (Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if v := os.Getenv("THRESHOLD_TRADER_GATEWAY_URL"); v != "" {
		cfg.IBKRGatewayURL = v
	}
	return cfg, cfg.normalize()
}

func (c *Config) normalize() error {
	c.Exchange = strings.ToUpper(strings.TrimSpace(c.Exchange))
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	switch strings.ToUpper(c.OrderType) {
	case "MKT", "LMT":
		c.OrderType = strings.ToUpper(c.OrderType)
	default:
		return errors.New(`order_type must be "MKT" or "LMT"`)
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("invalid port")
	}
	if c.OrderTimeoutSecs < 1 {
		return errors.New("order_timeout_seconds must be >=1")
	}
	if c.IBKRGatewayURL == "" {
		return errors.New("ibkr_gateway_url required (dry-run still streams prices from the gateway)")
	}
	c.IBKRGatewayURL = strings.TrimRight(c.IBKRGatewayURL, "/")
	return nil
}

func (c Config) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutSecs) * time.Second
}

// Trigger builds the evaluator configuration, failing with
// trigger.ErrInvalidConfiguration on bad bounds or quantity.
func (c Config) Trigger() (trigger.Config, error) {
	upper, err := decimal.NewFromString(strings.TrimSpace(c.Upper))
	if err != nil {
		return trigger.Config{}, fmt.Errorf("%w: upper %q is not a number", trigger.ErrInvalidConfiguration, c.Upper)
	}
	lower, err := decimal.NewFromString(strings.TrimSpace(c.Lower))
	if err != nil {
		return trigger.Config{}, fmt.Errorf("%w: lower %q is not a number", trigger.ErrInvalidConfiguration, c.Lower)
	}
	tc := trigger.Config{
		Symbol:   market.CanonicalSymbol(c.Symbol),
		Upper:    upper,
		Lower:    lower,
		Quantity: c.Quantity,
	}
	return tc, tc.Validate()
}

// NewLogger returns a text logger at the given level. Output goes to w (stdout
// when nil).
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if w == nil {
		w = os.Stdout
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
				a.Value = slog.TimeValue(a.Value.Time().UTC())
			}
			return a
		},
	})
	return slog.New(h)
}

// OpenLogFile creates <dir>/threshold-trader_<UTC start>.log for appending.
func OpenLogFile(dir string, start time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("threshold-trader_%s.log", StampUTC(start))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// StampUTC formats t for use in file names, e.g. 2025-01-02T15-04-05Z.
func StampUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15-04-05Z")
}
