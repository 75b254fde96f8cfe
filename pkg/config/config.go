// Package config loads custodiand configuration from YAML or TOML.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/royalfork/custodian/pkg/policy"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for custodiand.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	DatabasePath  string          `yaml:"database" toml:"database"`
	Log           LogConfig       `yaml:"log" toml:"log"`
	Vault         VaultConfig     `yaml:"vault" toml:"vault"`
	Oracle        OracleConfig    `yaml:"oracle" toml:"oracle"`
	Asset         TokenConfig     `yaml:"asset" toml:"asset"`
	Share         TokenConfig     `yaml:"share" toml:"share"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// LogConfig selects level, format and an optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// VaultConfig is the initial vault configuration. Stored state wins once
// the vault has run.
type VaultConfig struct {
	Address      string   `yaml:"address" toml:"address"`
	Owner        string   `yaml:"owner" toml:"owner"`
	MintCap      string   `yaml:"mint_cap" toml:"mint_cap"`
	MintFeeBps   uint32   `yaml:"mint_fee_bps" toml:"mint_fee_bps"`
	RedeemFeeBps uint32   `yaml:"redeem_fee_bps" toml:"redeem_fee_bps"`
	Public       bool     `yaml:"public" toml:"public"`
	Operators    []string `yaml:"operators" toml:"operators"`
}

// OracleConfig selects the price feed. With RPCURL set the Chainlink
// aggregator at Feed is read; otherwise StaticPrice is served.
type OracleConfig struct {
	RPCURL      string   `yaml:"rpc_url" toml:"rpc_url"`
	Feed        string   `yaml:"feed" toml:"feed"`
	Decimals    uint8    `yaml:"decimals" toml:"decimals"`
	MaxDelay    Duration `yaml:"max_delay" toml:"max_delay"`
	StaticPrice string   `yaml:"static_price" toml:"static_price"`
}

// TokenConfig describes one token ledger.
type TokenConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Symbol   string `yaml:"symbol" toml:"symbol"`
	Decimals uint8  `yaml:"decimals" toml:"decimals"`
}

// RateLimitConfig throttles the HTTP API. A zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" toml:"rps"`
	Burst int     `yaml:"burst" toml:"burst"`
}

// Load reads configuration from path. Files ending in .toml are decoded as
// TOML, everything else as YAML. ${VAR} references are expanded from the
// environment first.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/custodian.sqlite"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Vault.MintCap == "" {
		cfg.Vault.MintCap = "0"
	}
	if cfg.Oracle.Decimals == 0 {
		cfg.Oracle.Decimals = 8
	}
	if cfg.Oracle.MaxDelay.Duration == 0 {
		cfg.Oracle.MaxDelay.Duration = time.Hour
	}
	if cfg.Asset.Symbol == "" {
		cfg.Asset = TokenConfig{Name: "USD Coin", Symbol: "USDC", Decimals: 6}
	}
	if cfg.Share.Symbol == "" {
		cfg.Share = TokenConfig{Name: "USDX", Symbol: "USDX", Decimals: 18}
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RPS)
		if cfg.RateLimit.Burst < 1 {
			cfg.RateLimit.Burst = 1
		}
	}
}

func validate(cfg Config) error {
	if !common.IsHexAddress(cfg.Vault.Address) {
		return fmt.Errorf("vault.address %q is not a hex address", cfg.Vault.Address)
	}
	if !common.IsHexAddress(cfg.Vault.Owner) {
		return fmt.Errorf("vault.owner %q is not a hex address", cfg.Vault.Owner)
	}
	for _, op := range cfg.Vault.Operators {
		if !common.IsHexAddress(op) {
			return fmt.Errorf("vault.operators: %q is not a hex address", op)
		}
	}
	if _, err := cfg.Vault.MintCapInt(); err != nil {
		return err
	}
	if err := cfg.Vault.Fees().Validate(); err != nil {
		return err
	}
	if cfg.Oracle.MaxDelay.Duration < 0 {
		return errors.New("oracle.max_delay must be positive")
	}
	if cfg.Oracle.RPCURL != "" {
		if !common.IsHexAddress(cfg.Oracle.Feed) {
			return fmt.Errorf("oracle.feed %q is not a hex address", cfg.Oracle.Feed)
		}
	} else {
		price, ok := new(big.Int).SetString(cfg.Oracle.StaticPrice, 10)
		if !ok || price.Sign() <= 0 {
			return errors.New("oracle.static_price must be a positive integer when oracle.rpc_url is unset")
		}
	}
	if cfg.RateLimit.RPS < 0 {
		return errors.New("rate_limit.rps must not be negative")
	}
	return nil
}

// MintCapInt parses the mint cap.
func (v VaultConfig) MintCapInt() (*big.Int, error) {
	capShares, ok := new(big.Int).SetString(strings.TrimSpace(v.MintCap), 10)
	if !ok {
		return nil, fmt.Errorf("vault.mint_cap %q is not an integer", v.MintCap)
	}
	if err := policy.Bounded(capShares); err != nil {
		return nil, fmt.Errorf("vault.mint_cap: %w", err)
	}
	return capShares, nil
}

// Fees returns the configured fee pair.
func (v VaultConfig) Fees() policy.Fees {
	return policy.Fees{MintBps: v.MintFeeBps, RedeemBps: v.RedeemFeeBps}
}

// OperatorAddresses parses the operator list.
func (v VaultConfig) OperatorAddresses() []common.Address {
	out := make([]common.Address, 0, len(v.Operators))
	for _, op := range v.Operators {
		out = append(out, common.HexToAddress(op))
	}
	return out
}
