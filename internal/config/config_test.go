package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noname2290/wallet-fleet/internal/config"
	"github.com/noname2290/wallet-fleet/internal/coreerrors"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fleet-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestLoad_Defaults(t *testing.T) {
	conf, err := config.Load("")
	require.NoError(t, err)
	assert.True(t, conf.FailOnInvalidChain)
	assert.True(t, conf.FailOnInvalidTokens)
	assert.EqualValues(t, 30_000, conf.BalancePollInterval)
	assert.EqualValues(t, 4, conf.FanoutBound)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
failOnInvalidChain: false
balancePollInterval: 5000
chains:
  ethereum:
    network: mainnet
    walletBalanceConfig:
      enabled: true
    wallets:
      - address: "0xA"
`)
	conf, err := config.Load(path)
	require.NoError(t, err)
	assert.False(t, conf.FailOnInvalidChain)
	assert.EqualValues(t, 5000, conf.BalancePollInterval)
	require.Contains(t, conf.Chains, "ethereum")
	assert.Equal(t, "mainnet", conf.Chains["ethereum"].Network)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, "balancePollInterval: 5000\n")
	t.Setenv("WALLETFLEET_BALANCE_POLL_INTERVAL_MS", "1500")

	conf, err := config.Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, conf.BalancePollInterval)
}

func TestLoad_InvalidEnvValueIsConfigError(t *testing.T) {
	t.Setenv("WALLETFLEET_FANOUT_BOUND", "not-a-number")
	_, err := config.Load("")
	require.Error(t, err)
	var cfgErr *coreerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_RebalanceEnabledRequiresStrategyAndInterval(t *testing.T) {
	path := writeTempConfig(t, `
chains:
  ethereum:
    network: mainnet
    rebalance:
      enabled: true
`)
	_, err := config.Load(path)
	require.Error(t, err)
	var cfgErr *coreerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_UnknownExpectedTokenFailsWhenFailOnInvalidTokens(t *testing.T) {
	path := writeTempConfig(t, `
chains:
  ethereum:
    network: mainnet
    priceFeedConfig:
      supportedTokens: ["ETH", "USDC"]
    wallets:
      - address: "0xA"
        expectedTokens: ["DOGE"]
`)
	_, err := config.Load(path)
	require.Error(t, err)
	var cfgErr *coreerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoad_UnknownExpectedTokenSkippedWhenFailOnInvalidTokensDisabled(t *testing.T) {
	path := writeTempConfig(t, `
failOnInvalidTokens: false
chains:
  ethereum:
    network: mainnet
    priceFeedConfig:
      supportedTokens: ["ETH", "USDC"]
    wallets:
      - address: "0xA"
        expectedTokens: ["DOGE"]
`)
	_, err := config.Load(path)
	require.NoError(t, err)
}

func TestLoad_ChainOmittingNetworkDefaultsToMainnet(t *testing.T) {
	path := writeTempConfig(t, `
chains:
  ethereum:
    walletBalanceConfig:
      enabled: true
    wallets:
      - address: "0xA"
`)
	conf, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mainnet", conf.Chains["ethereum"].Network)
}

func TestChainConfig_PollInterval(t *testing.T) {
	disabled := config.ChainConfig{}
	assert.Zero(t, disabled.PollInterval(30_000))

	enabled := config.ChainConfig{WalletBalanceConfig: config.WalletBalanceConfig{Enabled: true}}
	assert.EqualValues(t, 30_000_000_000, enabled.PollInterval(30_000)) // 30s in ns

	scheduled := config.ChainConfig{WalletBalanceConfig: config.WalletBalanceConfig{
		Enabled:   true,
		Scheduled: config.ScheduledConfig{Enabled: true, IntervalMs: 5000},
	}}
	assert.EqualValues(t, 5_000_000_000, scheduled.PollInterval(30_000))
}
