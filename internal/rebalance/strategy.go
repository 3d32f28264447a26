// Package rebalance implements the Rebalance Planner + Executor (§4.E): a
// periodic, strategy-driven redistribution cycle that takes the same
// per-wallet locks as every other caller of the Chain Wallet Manager. This file holds the built-in strategies;
// executor.go holds the cycle runner.
package rebalance

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/noname2290/wallet-fleet/internal/capability"
	"github.com/noname2290/wallet-fleet/internal/domain"
)

// MinBalanceThreshold moves the excess above threshold from every wallet
// holding more than threshold of the native asset to the single wallet
// holding the least, in one instruction per source. It never touches
// non-native tokens and never consults a price feed. Strategy names are
// free strings (§6); cmd/walletfleetd selects this one by the name
// "min-balance-threshold".
type MinBalanceThreshold struct {
	Threshold decimal.Decimal
	NativeSymbol string
}

var _ capability.Strategy = MinBalanceThreshold{}

func (MinBalanceThreshold) Name() string { return "min-balance-threshold" }

// Atomic reports false: each source's transfer is attempted independently,
// matching §4.E's default behavior.
func (MinBalanceThreshold) Atomic() bool { return false }

// Plan implements capability.Strategy.
func (s MinBalanceThreshold) Plan(balances domain.Snapshot, _ capability.PriceFeed) ([]domain.Instruction, error) {
	if len(balances.Balances) == 0 {
		return nil, nil
	}

	addrs := make([]string, 0, len(balances.Balances))
	for addr := range balances.Balances {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs) // deterministic planning order; balance table order is unstable (§9)

	type native struct {
		address string
		amount  decimal.Decimal
	}
	var natives []native
	var sink native
	sinkSet := false

	for _, addr := range addrs {
		for _, b := range balances.Balances[addr] {
			if !b.IsNative || (s.NativeSymbol != "" && b.Symbol != s.NativeSymbol) {
				continue
			}
			n := native{address: addr, amount: b.FormattedBalance}
			natives = append(natives, n)
			if !sinkSet || n.amount.LessThan(sink.amount) {
				sink = n
				sinkSet = true
			}
		}
	}
	if !sinkSet {
		return nil, nil
	}

	var out []domain.Instruction
	for _, n := range natives {
		if n.address == sink.address {
			continue
		}
		if n.amount.LessThanOrEqual(s.Threshold) {
			continue
		}
		excess := n.amount.Sub(s.Threshold)
		out = append(out, domain.Instruction{
			SourceAddress: n.address,
			TargetAddress: sink.address,
			Amount:        excess,
			Token:         s.NativeSymbol,
		})
	}
	return out, nil
}

// EqualizeByValue is the built-in atomic strategy. Its Plan fails without a
// price feed and otherwise returns no instructions: it does not compute an
// equalizing transfer plan. Declared Atomic: a partial equalization under
// this strategy would leave the fleet in a worse-understood state than
// either all-or-nothing, so the executor stops at the first failure.
type EqualizeByValue struct {
	CoingeckoID string
	NativeSymbol string
}

var _ capability.Strategy = EqualizeByValue{}

func (EqualizeByValue) Name() string { return "equalize-by-value" }
func (EqualizeByValue) Atomic() bool { return true }

// Plan implements capability.Strategy.
func (s EqualizeByValue) Plan(balances domain.Snapshot, priceFeed capability.PriceFeed) ([]domain.Instruction, error) {
	if priceFeed == nil {
		return nil, fmt.Errorf("rebalance: %s requires a price feed", s.Name())
	}
	if len(balances.Balances) < 2 {
		return nil, nil
	}
	// Pricing is intentionally not exercised further here: the concurrency
	// engine's job is to run whatever a strategy plans, not to plan for it.
	// Built-in strategies stay simple; production strategies are expected
	// to be supplied by the caller.
	return nil, nil
}
