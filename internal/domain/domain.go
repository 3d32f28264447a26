// Package domain holds the data model shared by every component of the
// wallet fleet engine: chain identity, wallets, balances and the
// instructions/receipts exchanged during a rebalance cycle.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ChainName identifies a supported blockchain. The set of valid names is
// closed and known at compile time; orchestrator.KnownChains holds it.
type ChainName string

// Network is a chain-scoped environment name, e.g. "mainnet" or "sepolia".
type Network string

// ChainKey identifies one managed (chain, network) domain.
type ChainKey struct {
	Chain   ChainName
	Network Network
}

func (k ChainKey) String() string {
	return string(k.Chain) + "/" + string(k.Network)
}

// Wallet is a single address the fleet manages within a ChainKey. Config is
// opaque to the core; it is passed through to the driver untouched.
type Wallet struct {
	Address        string
	ExpectedTokens []string
	Config         map[string]any
}

// WalletBalance is one token balance observed for one address.
type WalletBalance struct {
	Address           string
	Symbol            string
	IsNative          bool
	TokenAddress      string
	RawBalance        string
	FormattedBalance  decimal.Decimal
}

// Snapshot is an immutable mapping from address to its observed balances. A
// Snapshot must never be mutated after publication; callers that need to
// change it must build a new one via NewSnapshot.
type Snapshot struct {
	Balances map[string][]WalletBalance
	takenAt  time.Time
}

// NewSnapshot builds a Snapshot, defensively copying the supplied map and
// slices so the caller's backing arrays can be reused.
func NewSnapshot(balances map[string][]WalletBalance, takenAt time.Time) Snapshot {
	out := make(map[string][]WalletBalance, len(balances))
	for addr, bals := range balances {
		cp := make([]WalletBalance, len(bals))
		copy(cp, bals)
		out[addr] = cp
	}
	return Snapshot{Balances: out, takenAt: takenAt}
}

// TakenAt reports when this snapshot was assembled.
func (s Snapshot) TakenAt() time.Time { return s.takenAt }

// For returns the balances known for one address, or nil if none.
func (s Snapshot) For(address string) []WalletBalance {
	return s.Balances[address]
}

// Instruction is one proposed source -> target transfer, produced by a
// Strategy from the latest balance table.
type Instruction struct {
	SourceAddress string
	TargetAddress string
	Amount        decimal.Decimal
	Token         string
}

// Receipt is the driver-opaque outcome of an attempted transfer.
type Receipt struct {
	Instruction Instruction
	TxID        string
	Err         error
}

// Succeeded reports whether the transfer completed without error.
func (r Receipt) Succeeded() bool { return r.Err == nil }

// TransferHints carries advisory driver hints threaded through from
// per-chain rebalance configuration. Drivers may ignore fields they don't
// support.
type TransferHints struct {
	MaxGasPrice string
	GasLimit    uint64
}
