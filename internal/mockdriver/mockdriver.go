// Package mockdriver provides an in-memory Driver good enough to exercise
// the rest of the tree in tests: a fixed or programmable per-address
// balance table, injectable per-call failures, and an optional rate limiter
// to simulate RPC throttling. Grounded on tarancss-adp's ethereum.Ethereum
// (a small struct wrapping a client, constructed via a package Init and
// implementing the chain capability interface) with the concrete RPC client
// swapped for an in-memory map.
package mockdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/noname2290/wallet-fleet/internal/capability"
	"github.com/noname2290/wallet-fleet/internal/domain"
)

// Failure, when set for an address via SetFailure, makes the next matching
// call to Driver return this error instead of a balance/receipt.
type Failure struct {
	Err        error
	Persistent bool // if false, the failure is consumed after firing once
}

// Driver is a programmable, in-memory capability.Driver.
type Driver struct {
	mu        sync.Mutex
	balances  map[string][]domain.WalletBalance
	failures  map[string]Failure
	height    uint64
	limiter   *rate.Limiter
	transfers []domain.Instruction // recorded for assertions in tests
}

var _ capability.Driver = (*Driver)(nil)

// New returns a Driver with the given initial per-address balances. limiter
// may be nil, in which case calls never block on throttling.
func New(initial map[string][]domain.WalletBalance, limiter *rate.Limiter) *Driver {
	balances := make(map[string][]domain.WalletBalance, len(initial))
	for addr, bals := range initial {
		cp := make([]domain.WalletBalance, len(bals))
		copy(cp, bals)
		balances[addr] = cp
	}
	return &Driver{
		balances: balances,
		failures: make(map[string]Failure),
		limiter:  limiter,
	}
}

// SetBalances replaces the balances the driver reports for address.
func (d *Driver) SetBalances(address string, bals []domain.WalletBalance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]domain.WalletBalance, len(bals))
	copy(cp, bals)
	d.balances[address] = cp
}

// SetFailure arms a failure for the next (or every, if Persistent) call
// touching address.
func (d *Driver) SetFailure(address string, f Failure) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[address] = f
}

// SetBlockHeight fixes the height GetBlockHeight reports.
func (d *Driver) SetBlockHeight(h uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.height = h
}

// Transfers returns a copy of every instruction that reached Transfer,
// regardless of outcome.
func (d *Driver) Transfers() []domain.Instruction {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]domain.Instruction, len(d.transfers))
	copy(cp, d.transfers)
	return cp
}

func (d *Driver) wait(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	return d.limiter.Wait(ctx)
}

func (d *Driver) takeFailureLocked(address string) error {
	f, ok := d.failures[address]
	if !ok {
		return nil
	}
	if !f.Persistent {
		delete(d.failures, address)
	}
	return f.Err
}

// PullBalances implements capability.Driver.
func (d *Driver) PullBalances(ctx context.Context, wallets []domain.Wallet) []capability.BalanceResult {
	out := make([]capability.BalanceResult, len(wallets))
	for i, w := range wallets {
		if err := d.wait(ctx); err != nil {
			out[i] = capability.BalanceResult{Address: w.Address, Err: err}
			continue
		}
		d.mu.Lock()
		err := d.takeFailureLocked(w.Address)
		bals := d.balances[w.Address]
		d.mu.Unlock()
		if err != nil {
			out[i] = capability.BalanceResult{Address: w.Address, Err: fmt.Errorf("mockdriver: pull balance for %s: %w", w.Address, err)}
			continue
		}
		cp := make([]domain.WalletBalance, len(bals))
		copy(cp, bals)
		out[i] = capability.BalanceResult{Address: w.Address, Balances: cp}
	}
	return out
}

// PullBalancesAtBlockHeight implements capability.Driver. This mock ignores
// height and returns the same live balances, which is sufficient for tests
// exercising the plumbing rather than historical-state correctness.
func (d *Driver) PullBalancesAtBlockHeight(ctx context.Context, wallets []domain.Wallet, height uint64) []capability.BalanceResult {
	return d.PullBalances(ctx, wallets)
}

// Transfer implements capability.Driver.
func (d *Driver) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, token string, hints domain.TransferHints) (domain.Receipt, error) {
	instr := domain.Instruction{SourceAddress: from, TargetAddress: to, Amount: amount, Token: token}
	if err := d.wait(ctx); err != nil {
		return domain.Receipt{Instruction: instr, Err: err}, err
	}
	d.mu.Lock()
	err := d.takeFailureLocked(from)
	d.transfers = append(d.transfers, instr)
	d.mu.Unlock()
	if err != nil {
		wrapped := fmt.Errorf("mockdriver: transfer from %s: %w", from, err)
		return domain.Receipt{Instruction: instr, Err: wrapped}, wrapped
	}
	return domain.Receipt{Instruction: instr, TxID: fmt.Sprintf("0xmock-%s-%s", from, to)}, nil
}

// GetBlockHeight implements capability.Driver.
func (d *Driver) GetBlockHeight(ctx context.Context) (uint64, error) {
	if err := d.wait(ctx); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.takeFailureLocked(""); err != nil {
		return 0, fmt.Errorf("mockdriver: get block height: %w", err)
	}
	return d.height, nil
}
