// Package config loads the portal configuration from one YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML scalars like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`

	// Currencies is the recognized currency set. Adding a code here is
	// all it takes to support a new currency.
	Currencies []string       `yaml:"currencies"`
	Markets    []MarketConfig `yaml:"markets"`

	// AdminAccounts are the account numbers allowed to approve and
	// cancel flows and to submit flows for other accounts.
	AdminAccounts []int64 `yaml:"admin_accounts"`

	Accounts []AccountConfig `yaml:"accounts"`
	Bots     BotsConfig      `yaml:"bots"`
	Feed     FeedConfig      `yaml:"feed"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BookDepth int    `yaml:"book_depth"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MarketConfig struct {
	Payment string `yaml:"payment"` // asset used as currency
	Traded  string `yaml:"traded"`  // asset being bought/sold
}

// AccountConfig seeds an account on first start. Password is hashed at
// seed time and never stored in clear.
type AccountConfig struct {
	ID       int64             `yaml:"id"`
	Name     string            `yaml:"name"`
	Password string            `yaml:"password"`
	Balances map[string]string `yaml:"balances"`
}

type BotsConfig struct {
	Ladder  []LadderConfig  `yaml:"ladder"`
	Tracker []TrackerConfig `yaml:"tracker"`
}

// LadderConfig parameterizes one fixed-interval ladder maker. Prices
// and sizes are plain YAML numbers, converted to exact decimals when
// the maker is built.
type LadderConfig struct {
	Account    int64    `yaml:"account"`
	Payment    string   `yaml:"payment"`
	Traded     string   `yaml:"traded"`
	UpperLimit float64  `yaml:"upper_limit"`
	LowerLimit float64  `yaml:"lower_limit"`
	Offset1    float64  `yaml:"offset_1"`
	Offset2    float64  `yaml:"offset_2"`
	Depth      int      `yaml:"depth"`
	Size       float64  `yaml:"size"`
	Midpoint   float64  `yaml:"midpoint"`
	Interval   Duration `yaml:"interval"`
}

// TrackerConfig parameterizes one reference-tracked maker.
type TrackerConfig struct {
	Account  int64    `yaml:"account"`
	Payment  string   `yaml:"payment"`
	Traded   string   `yaml:"traded"`
	Source   string   `yaml:"source"` // reference pair queried from the feed
	Offset   float64  `yaml:"offset"`
	Size     float64  `yaml:"size"`
	Interval Duration `yaml:"interval"`
}

type FeedConfig struct {
	BaseURL  string   `yaml:"base_url"`
	Interval Duration `yaml:"interval"`
}

// Load reads and validates the config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.BookDepth == 0 {
		cfg.Server.BookDepth = 7
	}
	if len(cfg.Currencies) == 0 {
		return nil, fmt.Errorf("config: at least one currency is required")
	}
	known := make(map[string]struct{}, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		known[c] = struct{}{}
	}
	for _, m := range cfg.Markets {
		if _, ok := known[m.Payment]; !ok {
			return nil, fmt.Errorf("config: market payment currency %q not in currency set", m.Payment)
		}
		if _, ok := known[m.Traded]; !ok {
			return nil, fmt.Errorf("config: market traded currency %q not in currency set", m.Traded)
		}
	}
	return &cfg, nil
}
