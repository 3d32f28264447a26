// Package capability declares the contracts the core consumes from its
// external collaborators: the wallet driver, the price feed, the rebalance
// strategy and the metrics sink. Only the shapes are specified here;
// concrete chain drivers and production metrics exporters live outside this
// module. Reference implementations good enough to exercise the rest of the
// tree in tests live alongside the interfaces.
package capability

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/noname2290/wallet-fleet/internal/domain"
	"github.com/noname2290/wallet-fleet/internal/eventbus"
)

// BalanceResult is the per-wallet outcome of a Driver balance query. Err is
// non-nil when this one wallet's query failed; callers that fan a slice of
// wallets through Driver.PullBalances must not treat one failure as fatal
// for the batch.
type BalanceResult struct {
	Address  string
	Balances []domain.WalletBalance
	Err      error
}

// Driver is the per-chain capability contract a concrete wallet driver
// implements. All methods take a context and must honor cancellation;
// callers may abandon a call at any suspension point.
type Driver interface {
	// PullBalances queries every wallet's current balances. A per-wallet
	// failure is reported in that wallet's BalanceResult.Err, not as a
	// call-level error; the returned slice always has one entry per input
	// wallet, in the same order.
	PullBalances(ctx context.Context, wallets []domain.Wallet) []BalanceResult
	// PullBalancesAtBlockHeight is PullBalances pinned to a historical
	// height. Not every driver supports this; drivers that don't should
	// fail every result with a descriptive error rather than ignoring
	// height.
	PullBalancesAtBlockHeight(ctx context.Context, wallets []domain.Wallet, height uint64) []BalanceResult
	// Transfer moves amount of token from one address to another. hints are
	// advisory; a driver that doesn't support a hint field ignores it.
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, token string, hints domain.TransferHints) (domain.Receipt, error)
	// GetBlockHeight returns the chain's current block height.
	GetBlockHeight(ctx context.Context) (uint64, error)
}

// PriceFeed converts a token identifier (as used by the configured price
// provider, e.g. a CoinGecko id) into a price expressed in the fleet's
// common numeraire.
type PriceFeed interface {
	Price(ctx context.Context, coingeckoID string) (decimal.Decimal, error)
}

// Strategy plans a rebalance cycle from the latest balance snapshot and an
// optional price feed. Strategy implementations are pure with respect to
// their inputs; they must not perform I/O themselves.
type Strategy interface {
	Name() string
	// Plan returns the instructions to execute this cycle, in the order
	// they should be attempted. priceFeed is nil when no price feed is
	// configured; strategies that need pricing must fail closed (return no
	// instructions) rather than guess.
	Plan(balances domain.Snapshot, priceFeed PriceFeed) ([]domain.Instruction, error)
	// Atomic reports whether the executor should stop issuing further
	// instructions after the first failure in a cycle, marking the rest
	// "skipped" rather than attempting them independently.
	Atomic() bool
}

// MetricsSink consumes fleet events and exposes them to an external
// scraper. Implementations must not block the caller on I/O; the reference
// implementation only touches in-memory metric objects synchronously and
// runs any network exposure on its own goroutine.
type MetricsSink interface {
	ObserveActiveWallets(chain domain.ChainName, network domain.Network, count int)
	ObserveWalletLockPeriod(chain domain.ChainName, network domain.Network, address string, durationMs int64)
	ObserveRebalanceInstructions(chain domain.ChainName, strategy string, succeeded, failed int)
	ObservePollError(chain domain.ChainName)
}

// Emitter is the capability a Chain Wallet Manager holds to publish events
// upward without holding a reference back to whatever owns it, breaking the
// manager/orchestrator reference cycle.
type Emitter interface {
	Emit(ev eventbus.Event)
}
