// Package walletmanager implements the Chain Wallet Manager (§4.F): the
// sole owner of one ChainKey's balance table and the sole emitter of that
// ChainKey's events. It composes a Balance Poller, a Lock Registry and
// (optionally) a Rebalance Executor behind a single start/stop lifecycle.
// Grounded on tarancss-adp's wallet.Wallet/explorer.Explorer structs, which
// compose sub-components behind a mutex and expose matching
// start/ManageEvents and stop/StopExplorer lifecycle methods.
package walletmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/noname2290/wallet-fleet/internal/capability"
	"github.com/noname2290/wallet-fleet/internal/coreerrors"
	"github.com/noname2290/wallet-fleet/internal/domain"
	"github.com/noname2290/wallet-fleet/internal/eventbus"
	"github.com/noname2290/wallet-fleet/internal/lockregistry"
	"github.com/noname2290/wallet-fleet/internal/poller"
	"github.com/noname2290/wallet-fleet/internal/rebalance"
)

type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateRunning
	stateStopped
)

// RebalanceConfig configures the optional executor; the zero value (nil
// Strategy) means rebalance is disabled for this chain, matching §4.E's
// "Disabled state".
type RebalanceConfig struct {
	Interval  time.Duration
	Strategy  capability.Strategy
	Hints     domain.TransferHints
	PriceFeed capability.PriceFeed
}

// Config wires a Manager to one ChainKey's dependencies.
type Config struct {
	Chain    domain.ChainName
	Network  domain.Network
	Wallets  []domain.Wallet
	Driver   capability.Driver
	Emit     capability.Emitter
	PollInterval time.Duration
	Rebalance    *RebalanceConfig // nil disables rebalance
	LockOpts     lockregistry.AcquireOptions
	Log          *logrus.Logger
}

// Manager is the Chain Wallet Manager for one ChainKey. It is safe for
// concurrent use by any number of callers; the zero value is not usable —
// construct with New.
type Manager struct {
	cfg     Config
	locks   *lockregistry.Registry
	poller  *poller.Poller
	rebal   *rebalance.Executor
	sf      singleflight.Group

	mu    sync.RWMutex
	state lifecycleState

	snapMu   sync.RWMutex
	snapshot domain.Snapshot

	cancel context.CancelFunc
}

// New constructs a Manager. Call Start to begin polling (and rebalancing,
// if configured).
func New(cfg Config) *Manager {
	m := &Manager{
		cfg:      cfg,
		locks:    lockregistry.New(),
		snapshot: domain.NewSnapshot(nil, time.Now()),
	}

	m.poller = poller.New(poller.Config{
		Chain:    cfg.Chain,
		Network:  cfg.Network,
		Interval: cfg.PollInterval,
		Wallets:  m.wallets,
		Driver:   cfg.Driver,
		Emit:     m.emit,
		Current:  m.GetBalances,
		Publish:  m.publish,
		Log:      cfg.Log,
	})

	if cfg.Rebalance != nil && cfg.Rebalance.Strategy != nil && cfg.Rebalance.Interval > 0 {
		m.rebal = rebalance.New(rebalance.Config{
			Chain:    cfg.Chain,
			Network:  cfg.Network,
			Interval: cfg.Rebalance.Interval,
			Strategy: cfg.Rebalance.Strategy,
			Driver:   cfg.Driver,
			Locks:    m,
			Emit:     m.emit,
			Snapshot: m.GetBalances,
			Hints:    cfg.Rebalance.Hints,
			LockOpts: rebalance.LockOptions{
				WaitToAcquireTimeout: cfg.LockOpts.WaitToAcquireTimeout,
				LeaseTimeout:         cfg.LockOpts.LeaseTimeout,
			},
			PriceFeed: cfg.Rebalance.PriceFeed,
			Log:       cfg.Log,
		})
	}

	return m
}

func (m *Manager) wallets() []domain.Wallet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := make([]domain.Wallet, len(m.cfg.Wallets))
	copy(cp, m.cfg.Wallets)
	return cp
}

func (m *Manager) emit(ev eventbus.Event) {
	m.mu.RLock()
	stopped := m.state == stateStopped
	m.mu.RUnlock()
	if stopped {
		return // stop quiescence (§8 invariant 5): no events after stop() returns
	}
	m.cfg.Emit.Emit(ev)
}

func (m *Manager) publish(s domain.Snapshot) {
	m.snapMu.Lock()
	m.snapshot = s
	m.snapMu.Unlock()
}

// Start is idempotent for repeated calls while running, but returns
// ErrManagerStopped if the manager has already been stopped (§4.F: "start()
// forbidden" after stop, a terminal state).
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateRunning:
		return nil
	case stateStopped:
		return coreerrors.ErrManagerStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = stateRunning

	m.poller.Start(ctx)
	if m.rebal != nil {
		m.rebal.Start(ctx)
	}
	return nil
}

// Stop cancels the poller and rebalancer, drains the lock registry by
// failing all waiters with Cancelled, and moves the manager to its
// terminal state. Stop is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != stateRunning {
		m.state = stateStopped
		m.mu.Unlock()
		return
	}
	m.state = stateStopped
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.poller.Stop()
	if m.rebal != nil {
		m.rebal.Stop()
	}
	m.locks.CancelAll()
}

// AcquireLock delegates to the lock registry and accounts for the
// resulting active-wallet count (§4.F "Active-wallet accounting").
func (m *Manager) AcquireLock(ctx context.Context, address string, opts lockregistry.AcquireOptions) (string, error) {
	return m.Acquire(ctx, address, opts)
}

// ReleaseLock delegates to the lock registry, then emits
// active-wallets-count and, if the wallet was held for any positive
// duration, wallets-lock-period (§4.F).
func (m *Manager) ReleaseLock(address, token string) error {
	_, err := m.Release(address, token)
	return err
}

// Acquire and Release satisfy rebalance.Acquirer, so the rebalance
// executor's instruction-level locks go through the same active-wallet and
// lock-period accounting as every other caller's locks (§4.F "on every
// acquire/release").
func (m *Manager) Acquire(ctx context.Context, address string, opts lockregistry.AcquireOptions) (string, error) {
	token, err := m.locks.Acquire(ctx, address, opts)
	if err != nil {
		return "", err
	}
	m.emitActiveWalletsCount()
	return token, nil
}

func (m *Manager) Release(address, token string) (time.Duration, error) {
	held, err := m.locks.Release(address, token)
	if err != nil {
		return 0, err
	}
	m.emitActiveWalletsCount()
	if held > 0 {
		m.emit(eventbus.WalletsLockPeriod{
			Chain:      m.cfg.Chain,
			Network:    m.cfg.Network,
			Address:    address,
			DurationMs: held.Milliseconds(),
		})
	}
	return held, nil
}

func (m *Manager) emitActiveWalletsCount() {
	m.emit(eventbus.ActiveWalletsCount{
		Chain:   m.cfg.Chain,
		Network: m.cfg.Network,
		Count:   m.locks.ActiveCount(),
	})
}

// GetBalances returns the current snapshot without performing any I/O.
func (m *Manager) GetBalances() domain.Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapshot
}

// PullBalances forces one refresh and returns the resulting snapshot.
// Concurrent callers share a single in-flight refresh via singleflight,
// implementing §4.F's "concurrent callers share a single in-flight
// refresh" without hand-rolled condvar bookkeeping.
func (m *Manager) PullBalances(ctx context.Context) (domain.Snapshot, error) {
	m.mu.RLock()
	stopped := m.state == stateStopped
	m.mu.RUnlock()
	if stopped {
		return domain.Snapshot{}, coreerrors.ErrManagerStopped
	}

	v, err, _ := m.sf.Do(string(m.cfg.Chain)+"/"+string(m.cfg.Network), func() (interface{}, error) {
		return m.poller.RunOnce(ctx), nil
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	return v.(domain.Snapshot), nil
}

// PullBalancesAtBlockHeight queries the driver pinned at height without
// touching the persistent snapshot (§4.F).
func (m *Manager) PullBalancesAtBlockHeight(ctx context.Context, height uint64) (domain.Snapshot, error) {
	wallets := m.wallets()
	results := m.cfg.Driver.PullBalancesAtBlockHeight(ctx, wallets, height)

	balances := make(map[string][]domain.WalletBalance, len(wallets))
	var firstErr error
	for _, res := range results {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("walletmanager: pull balances at height %d for %s: %w", height, res.Address, res.Err)
			}
			continue
		}
		balances[res.Address] = res.Balances
	}
	return domain.NewSnapshot(balances, time.Now()), firstErr
}

// GetBlockHeight delegates to the driver.
func (m *Manager) GetBlockHeight(ctx context.Context) (uint64, error) {
	h, err := m.cfg.Driver.GetBlockHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("walletmanager: get block height: %w", err)
	}
	return h, nil
}

// WithWallet acquires address's lock, invokes fn, and releases regardless
// of success, error, or panic from fn (§9 "Scoped withWallet"). leaseTimeout
// in opts is ignored in favor of fn's own timeout, per §4.G.
func (m *Manager) WithWallet(ctx context.Context, address string, fn func(context.Context) error, opts lockregistry.AcquireOptions) (err error) {
	opts.LeaseTimeout = 0
	token, err := m.AcquireLock(ctx, address, opts)
	if err != nil {
		return err
	}
	defer func() {
		r := recover()
		releaseErr := m.ReleaseLock(address, token)
		if r != nil {
			panic(r)
		}
		if err == nil {
			err = releaseErr
		}
	}()
	return fn(ctx)
}
