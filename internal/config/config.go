// Package config loads a FleetConfig from a YAML file, then layers
// WALLETFLEET_-prefixed environment variables on top, grounded on
// tarancss-adp's config.ExtractConfiguration file-then-env layering
// (there: a JSON file overridden by ADP_* env vars; here: YAML overridden
// by WALLETFLEET_*). Defaulting and validation happen once, synchronously,
// at load time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/noname2290/wallet-fleet/internal/coreerrors"
)

// RebalanceConfig is one chain's rebalance section.
type RebalanceConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Strategy             string  `yaml:"strategy"`
	IntervalMs           int64   `yaml:"interval"`
	MinBalanceThreshold  string  `yaml:"minBalanceThreshold"`
	MaxGasPrice          string  `yaml:"maxGasPrice"`
	GasLimit             uint64  `yaml:"gasLimit"`
}

// ScheduledConfig toggles a scheduled background refresh with its own
// interval, shared by walletBalanceConfig and priceFeedOptions.scheduled.
type ScheduledConfig struct {
	Enabled    bool  `yaml:"enabled"`
	IntervalMs int64 `yaml:"interval"`
}

// WalletBalanceConfig is one chain's polling section.
type WalletBalanceConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Scheduled ScheduledConfig `yaml:"scheduled"`
}

// PriceFeedChainConfig is one chain's price-feed-related section.
type PriceFeedChainConfig struct {
	SupportedTokens []string `yaml:"supportedTokens"`
}

// ChainConfig is one entry of the top-level `chains` map.
type ChainConfig struct {
	Network             string               `yaml:"network"`
	Rebalance           RebalanceConfig      `yaml:"rebalance"`
	WalletBalanceConfig WalletBalanceConfig  `yaml:"walletBalanceConfig"`
	Wallets             []WalletConfig       `yaml:"wallets"`
	PriceFeedConfig     PriceFeedChainConfig `yaml:"priceFeedConfig"`
}

// WalletConfig is one configured wallet address.
type WalletConfig struct {
	Address        string         `yaml:"address"`
	ExpectedTokens []string       `yaml:"expectedTokens"`
	DriverConfig   map[string]any `yaml:"driverConfig"`
}

// MetricsConfig is pass-through config for the external metrics exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
	Serve   bool   `yaml:"serve"`
}

// PriceFeedOptions selects None / OnDemand / Scheduled for the shared price
// feed.
type PriceFeedOptions struct {
	Enabled   bool            `yaml:"enabled"`
	Scheduled ScheduledConfig `yaml:"scheduled"`
}

// FleetConfig is the root configuration document (§6).
type FleetConfig struct {
	FailOnInvalidChain  bool                          `yaml:"failOnInvalidChain"`
	FailOnInvalidTokens bool                          `yaml:"failOnInvalidTokens"`
	BalancePollInterval int64                         `yaml:"balancePollInterval"`
	FanoutBound         int64                         `yaml:"fanoutBound"`
	Metrics             MetricsConfig                 `yaml:"metrics"`
	PriceFeedOptions    PriceFeedOptions              `yaml:"priceFeedOptions"`
	Chains              map[string]ChainConfig        `yaml:"chains"`
}

// defaultNetwork is applied to any chain whose config omits network.
const defaultNetwork = "mainnet"

// defaults mirrors tarancss-adp's package-level *Default variables, kept as
// a function instead of package vars since a fresh FleetConfig is built per
// Load call rather than mutated in place.
func defaults() FleetConfig {
	return FleetConfig{
		FailOnInvalidChain:  true,
		FailOnInvalidTokens: true,
		BalancePollInterval: 30_000,
		FanoutBound:         4,
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9100,
			Path:    "/metrics",
		},
	}
}

// Load reads filename (YAML), falling back to defaults() for any field the
// file omits, then layers WALLETFLEET_-prefixed environment variables on
// top. filename may be empty, in which case only defaults and env
// overrides apply.
func Load(filename string) (FleetConfig, error) {
	conf := defaults()

	if filename != "" {
		file, err := os.Open(filename)
		if err != nil {
			return conf, &coreerrors.ConfigError{Field: "file", Err: err}
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&conf); err != nil {
			return conf, &coreerrors.ConfigError{Field: "file", Err: err}
		}
	}

	if err := applyEnvOverrides(&conf); err != nil {
		return conf, err
	}

	applyChainDefaults(&conf)

	if err := validate(conf); err != nil {
		return conf, err
	}

	return conf, nil
}

func applyEnvOverrides(conf *FleetConfig) error {
	if v := os.Getenv("WALLETFLEET_FAIL_ON_INVALID_CHAIN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &coreerrors.ConfigError{Field: "WALLETFLEET_FAIL_ON_INVALID_CHAIN", Err: err}
		}
		conf.FailOnInvalidChain = b
	}
	if v := os.Getenv("WALLETFLEET_FAIL_ON_INVALID_TOKENS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &coreerrors.ConfigError{Field: "WALLETFLEET_FAIL_ON_INVALID_TOKENS", Err: err}
		}
		conf.FailOnInvalidTokens = b
	}
	if v := os.Getenv("WALLETFLEET_BALANCE_POLL_INTERVAL_MS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &coreerrors.ConfigError{Field: "WALLETFLEET_BALANCE_POLL_INTERVAL_MS", Err: err}
		}
		conf.BalancePollInterval = n
	}
	if v := os.Getenv("WALLETFLEET_FANOUT_BOUND"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &coreerrors.ConfigError{Field: "WALLETFLEET_FANOUT_BOUND", Err: err}
		}
		conf.FanoutBound = n
	}
	if v := os.Getenv("WALLETFLEET_METRICS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &coreerrors.ConfigError{Field: "WALLETFLEET_METRICS_PORT", Err: err}
		}
		conf.Metrics.Port = n
	}
	return nil
}

// applyChainDefaults fills in the per-chain network default (§3 "a
// per-chain default") for any chain config that omits it.
func applyChainDefaults(conf *FleetConfig) {
	for name, chain := range conf.Chains {
		if chain.Network == "" {
			chain.Network = defaultNetwork
			conf.Chains[name] = chain
		}
	}
}

func validate(conf FleetConfig) error {
	if conf.FanoutBound <= 0 {
		return &coreerrors.ConfigError{Field: "fanoutBound", Err: fmt.Errorf("must be positive, got %d", conf.FanoutBound)}
	}
	for name, chain := range conf.Chains {
		if chain.Rebalance.Enabled {
			if chain.Rebalance.Strategy == "" {
				return &coreerrors.ConfigError{Field: fmt.Sprintf("chains.%s.rebalance.strategy", name), Err: fmt.Errorf("required when rebalance.enabled is true")}
			}
			if chain.Rebalance.IntervalMs <= 0 {
				return &coreerrors.ConfigError{Field: fmt.Sprintf("chains.%s.rebalance.interval", name), Err: fmt.Errorf("must be positive when rebalance.enabled is true")}
			}
		}
		if len(chain.PriceFeedConfig.SupportedTokens) == 0 {
			continue // no declared universe to validate against
		}
		for _, w := range chain.Wallets {
			for _, tok := range w.ExpectedTokens {
				if contains(chain.PriceFeedConfig.SupportedTokens, tok) {
					continue
				}
				if conf.FailOnInvalidTokens {
					return &coreerrors.ConfigError{
						Field: fmt.Sprintf("chains.%s.wallets[%s].expectedTokens", name, w.Address),
						Err:   fmt.Errorf("token %q is not in priceFeedConfig.supportedTokens", tok),
					}
				}
			}
		}
	}
	return nil
}

// contains reports whether s is present in ss.
func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// PollInterval returns cfg's configured interval as a time.Duration, or
// zero if disabled (§4.C "If interval is absent, polling is disabled").
func (c ChainConfig) PollInterval(fallbackMs int64) time.Duration {
	if !c.WalletBalanceConfig.Enabled {
		return 0
	}
	ms := fallbackMs
	if c.WalletBalanceConfig.Scheduled.Enabled && c.WalletBalanceConfig.Scheduled.IntervalMs > 0 {
		ms = c.WalletBalanceConfig.Scheduled.IntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

// RebalanceInterval returns the chain's rebalance interval as a
// time.Duration, or zero if rebalance is disabled.
func (c ChainConfig) RebalanceInterval() time.Duration {
	if !c.Rebalance.Enabled {
		return 0
	}
	return time.Duration(c.Rebalance.IntervalMs) * time.Millisecond
}
