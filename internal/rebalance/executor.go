package rebalance

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noname2290/wallet-fleet/internal/capability"
	"github.com/noname2290/wallet-fleet/internal/domain"
	"github.com/noname2290/wallet-fleet/internal/eventbus"
	"github.com/noname2290/wallet-fleet/internal/lockregistry"
)

// LockOptions configures the lock acquisition each rebalance instruction
// performs on its source wallet. The advisory driver hints
// (maxGasPrice/gasLimit, §4.E) travel separately, in Config.Hints.
type LockOptions struct {
	WaitToAcquireTimeout time.Duration
	LeaseTimeout         time.Duration
}

// Acquirer is the subset of lockregistry.Registry the executor needs; kept
// as an interface so tests can substitute a fake without pulling in the
// full registry.
type Acquirer interface {
	Acquire(ctx context.Context, address string, opts lockregistry.AcquireOptions) (string, error)
	Release(address, token string) (time.Duration, error)
}

// Config wires an Executor to one Chain Wallet Manager's dependencies.
type Config struct {
	Chain    domain.ChainName
	Network  domain.Network
	Interval time.Duration
	Strategy capability.Strategy
	Driver   capability.Driver
	Locks    Acquirer
	Emit     func(eventbus.Event)
	Snapshot func() domain.Snapshot
	Hints    domain.TransferHints
	LockOpts LockOptions
	PriceFeed capability.PriceFeed // nil when no price feed is configured
	Log      *logrus.Logger
}

// Executor runs Config.Strategy on Config.Interval against the manager's
// latest snapshot. It is only instantiated when rebalance is enabled and
// the configured strategy name resolves (§4.E "Disabled state").
type Executor struct {
	cfg Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an Executor that has not started running yet.
func New(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

// Start launches the cycle loop. Calling Start twice is a programming
// error; the Chain Wallet Manager guards against it.
func (e *Executor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		timer := time.NewTimer(e.cfg.Interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				e.RunCycle(ctx)
				timer.Reset(e.cfg.Interval)
			}
		}
	}()
}

// Stop cancels the cycle loop and waits for any in-flight cycle to return.
func (e *Executor) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// RunCycle executes exactly one rebalance cycle synchronously. Exported so
// callers (and tests) can trigger a cycle deterministically instead of
// waiting on the timer.
func (e *Executor) RunCycle(ctx context.Context) {
	snapshot := e.cfg.Snapshot()
	instructions, err := e.cfg.Strategy.Plan(snapshot, e.cfg.PriceFeed)
	if err != nil {
		e.cfg.Log.WithFields(logrus.Fields{"chain": e.cfg.Chain, "err": err}).Warn("rebalance: strategy plan failed")
		return
	}
	if len(instructions) == 0 {
		return
	}

	e.cfg.Emit(eventbus.RebalanceStarted{
		Chain:        e.cfg.Chain,
		Strategy:     e.cfg.Strategy.Name(),
		Instructions: instructions,
	})

	receipts := make([]domain.Receipt, 0, len(instructions))
	atomic := e.cfg.Strategy.Atomic()
	aborted := false

	for _, instr := range instructions {
		if aborted {
			e.cfg.Emit(eventbus.RebalanceError{
				Chain:       e.cfg.Chain,
				Strategy:    e.cfg.Strategy.Name(),
				Instruction: instr,
				Err:         context.Canceled,
				Skipped:     true,
			})
			continue
		}

		receipt := e.execute(ctx, instr)
		receipts = append(receipts, receipt)
		if !receipt.Succeeded() {
			e.cfg.Emit(eventbus.RebalanceError{
				Chain:       e.cfg.Chain,
				Strategy:    e.cfg.Strategy.Name(),
				Instruction: instr,
				Err:         receipt.Err,
			})
			if atomic {
				aborted = true
			}
		}
	}

	e.cfg.Emit(eventbus.RebalanceFinished{
		Chain:    e.cfg.Chain,
		Strategy: e.cfg.Strategy.Name(),
		Receipts: receipts,
	})
}

// execute acquires the source wallet's lock, invokes the driver, and
// releases unconditionally, matching the withWallet exit-path guarantee
// (§9 "Scoped withWallet") one level down at the instruction granularity.
func (e *Executor) execute(ctx context.Context, instr domain.Instruction) domain.Receipt {
	token, err := e.cfg.Locks.Acquire(ctx, instr.SourceAddress, lockregistry.AcquireOptions{
		WaitToAcquireTimeout: e.cfg.LockOpts.WaitToAcquireTimeout,
		LeaseTimeout:         e.cfg.LockOpts.LeaseTimeout,
	})
	if err != nil {
		return domain.Receipt{Instruction: instr, Err: err}
	}
	defer e.cfg.Locks.Release(instr.SourceAddress, token)

	receipt, err := e.cfg.Driver.Transfer(ctx, instr.SourceAddress, instr.TargetAddress, instr.Amount, instr.Token, e.cfg.Hints)
	if err != nil && receipt.Err == nil {
		receipt.Err = err
	}
	receipt.Instruction = instr
	return receipt
}
