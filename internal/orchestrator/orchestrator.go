// Package orchestrator implements the top-level Orchestrator (§4.G):
// constructs one Chain Wallet Manager per configured chain, fans out
// cross-chain queries with bounded concurrency, and multiplexes every
// manager's events to the orchestrator's own bus and to the metrics sink.
// Grounded on coachpo-meltica-gateway's Manager (RWMutex-guarded instance
// map, functional-options construction, per-instance context cancellation)
// and Dorafanboy-balance_checker's semaphore-bounded fanout, reimplemented
// with golang.org/x/sync/errgroup + semaphore.Weighted.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/noname2290/wallet-fleet/internal/capability"
	"github.com/noname2290/wallet-fleet/internal/coreerrors"
	"github.com/noname2290/wallet-fleet/internal/domain"
	"github.com/noname2290/wallet-fleet/internal/eventbus"
	"github.com/noname2290/wallet-fleet/internal/lockregistry"
	"github.com/noname2290/wallet-fleet/internal/pricefeed"
	"github.com/noname2290/wallet-fleet/internal/walletmanager"
)

// defaultOnDemandTTL and defaultScheduledInterval apply when a Config
// requests a price feed mode but leaves the corresponding timing at zero.
const (
	defaultOnDemandTTL       = 30 * time.Second
	defaultScheduledInterval = 30 * time.Second
)

// PriceFeedMode selects which shared price-feed implementation, if any, the
// Orchestrator constructs (§4.G Construction: "Optionally construct a
// shared price-feed in one of two modes").
type PriceFeedMode int

const (
	PriceFeedNone PriceFeedMode = iota
	PriceFeedOnDemand
	PriceFeedScheduled
)

// PriceFeedConfig configures the Orchestrator's single shared price feed,
// built once in New and passed by reference to every chain's rebalance
// executor (§9 "build one instance in the orchestrator and pass it by
// shared reference").
type PriceFeedConfig struct {
	Mode              PriceFeedMode
	Fetcher           pricefeed.Fetcher
	Tokens            []string      // warm set for PriceFeedScheduled
	ScheduledInterval time.Duration // refresh period for PriceFeedScheduled
	OnDemandTTL       time.Duration // cache ttl for PriceFeedOnDemand
	Limiter           *rate.Limiter // optional throttle, either mode
}

// KnownChains is the closed, compile-time set of valid ChainNames (§9
// "ChainName is a closed set"). Callers extend this at compile time, not
// at runtime, by editing this map's initializer.
var KnownChains = map[domain.ChainName]struct{}{
	"ethereum": {},
	"polygon":  {},
	"bsc":      {},
	"arbitrum": {},
}

// Config wires an Orchestrator's construction.
type Config struct {
	Chains             map[domain.ChainName]walletmanager.Config
	FailOnInvalidChain bool
	DefaultFanoutBound int64 // used by getAllBalances/pullBalances/pullBalancesAtBlockHeight
	PriceFeed          PriceFeedConfig
	MetricsSink        capability.MetricsSink
	Log                *logrus.Logger
}

// Orchestrator is the top-level entry point wiring managers, price feed and
// metrics sink together.
type Orchestrator struct {
	cfg      Config
	log      *logrus.Logger
	metrics  capability.MetricsSink
	bus      *eventbus.Bus
	fanBound int64

	priceFeed     capability.PriceFeed
	scheduledFeed *pricefeed.Scheduled

	mu       sync.RWMutex
	managers map[domain.ChainName]*walletmanager.Manager
}

// busEmitter adapts *eventbus.Bus, plus the optional metrics sink for
// metrics fan-out, to capability.Emitter so each Manager gets an emit-only
// capability without a back-reference to the Orchestrator (§9 "Cyclic
// references").
type busEmitter struct {
	bus     *eventbus.Bus
	metrics capability.MetricsSink
}

var _ capability.Emitter = (*busEmitter)(nil)

func (e *busEmitter) Emit(ev eventbus.Event) {
	e.bus.Emit(ev)
	if e.metrics == nil {
		return
	}
	switch v := ev.(type) {
	case eventbus.ActiveWalletsCount:
		e.metrics.ObserveActiveWallets(v.Chain, v.Network, v.Count)
	case eventbus.WalletsLockPeriod:
		e.metrics.ObserveWalletLockPeriod(v.Chain, v.Network, v.Address, v.DurationMs)
	case eventbus.Error:
		e.metrics.ObservePollError(v.Chain)
	case eventbus.RebalanceFinished:
		succeeded, failed := 0, 0
		for _, r := range v.Receipts {
			if r.Succeeded() {
				succeeded++
			} else {
				failed++
			}
		}
		e.metrics.ObserveRebalanceInstructions(v.Chain, v.Strategy, succeeded, failed)
	}
}

// New validates cfg.Chains against KnownChains, constructs one Manager per
// valid chain and starts it. Unknown chain names fail the whole
// construction if cfg.FailOnInvalidChain, else are logged and skipped
// (§4.G).
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.DefaultFanoutBound <= 0 {
		cfg.DefaultFanoutBound = 4
	}
	o := &Orchestrator{
		cfg:      cfg,
		log:      cfg.Log,
		metrics:  cfg.MetricsSink,
		bus:      eventbus.New(),
		fanBound: cfg.DefaultFanoutBound,
		managers: make(map[domain.ChainName]*walletmanager.Manager),
	}

	o.priceFeed = o.buildPriceFeed(ctx, cfg.PriceFeed)

	for chain, mgrCfg := range cfg.Chains {
		if _, known := KnownChains[chain]; !known {
			if cfg.FailOnInvalidChain {
				return nil, &coreerrors.ConfigError{Field: fmt.Sprintf("chains.%s", chain), Err: coreerrors.ErrUnknownChain}
			}
			o.log.WithField("chain", chain).Warn("orchestrator: unknown chain in configuration, skipping")
			continue
		}

		mgrCfg.Chain = chain
		mgrCfg.Emit = &busEmitter{bus: o.bus, metrics: o.metrics}
		if mgrCfg.Rebalance != nil {
			mgrCfg.Rebalance.PriceFeed = o.priceFeed
		}
		m := walletmanager.New(mgrCfg)
		if err := m.Start(ctx); err != nil {
			return nil, fmt.Errorf("orchestrator: start manager for %s: %w", chain, err)
		}
		o.managers[chain] = m
	}

	return o, nil
}

// buildPriceFeed constructs the single shared price feed cfg requests, or
// nil if cfg.Mode is PriceFeedNone (§4.G Construction). A PriceFeedScheduled
// feed is started immediately so it's warm before any manager starts
// rebalancing.
func (o *Orchestrator) buildPriceFeed(ctx context.Context, cfg PriceFeedConfig) capability.PriceFeed {
	switch cfg.Mode {
	case PriceFeedOnDemand:
		ttl := cfg.OnDemandTTL
		if ttl <= 0 {
			ttl = defaultOnDemandTTL
		}
		return pricefeed.NewOnDemand(cfg.Fetcher, ttl, cfg.Limiter, o.log)
	case PriceFeedScheduled:
		interval := cfg.ScheduledInterval
		if interval <= 0 {
			interval = defaultScheduledInterval
		}
		feed := pricefeed.NewScheduled(cfg.Fetcher, cfg.Tokens, interval, o.log)
		feed.Start(ctx)
		o.scheduledFeed = feed
		return feed
	default:
		return nil
	}
}

// Bus exposes the orchestrator's event bus for subscription.
func (o *Orchestrator) Bus() *eventbus.Bus { return o.bus }

// Stop stops every managed chain. Safe to call once; a chain manager's own
// Stop is idempotent so repeat calls are harmless.
func (o *Orchestrator) Stop() {
	o.mu.RLock()
	for _, m := range o.managers {
		m.Stop()
	}
	o.mu.RUnlock()

	if o.scheduledFeed != nil {
		o.scheduledFeed.Stop()
	}
}

func (o *Orchestrator) manager(chain domain.ChainName) (*walletmanager.Manager, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.managers[chain]
	if !ok {
		return nil, fmt.Errorf("orchestrator: %w: %s", coreerrors.ErrUnknownChain, chain)
	}
	return m, nil
}

// chains returns the set of currently configured chain names, snapshotted
// under the read lock so callers never see the map mutate mid-iteration.
func (o *Orchestrator) chains() []domain.ChainName {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]domain.ChainName, 0, len(o.managers))
	for c := range o.managers {
		out = append(out, c)
	}
	return out
}

// fanout runs fn once per configured chain, bounded to at most `bound`
// concurrent invocations, via errgroup + a weighted semaphore. Each
// invocation's error, if any, is wrapped with its chain name (§4.G).
func (o *Orchestrator) fanout(ctx context.Context, bound int64, fn func(ctx context.Context, chain domain.ChainName, m *walletmanager.Manager) error) error {
	chains := o.chains()
	sem := semaphore.NewWeighted(bound)
	g, ctx := errgroup.WithContext(ctx)

	for _, chain := range chains {
		chain := chain
		m, err := o.manager(chain)
		if err != nil {
			continue // removed between chains() and manager(); skip rather than fail the whole fanout
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := fn(ctx, chain, m); err != nil {
				return fmt.Errorf("orchestrator: %s: %w", chain, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// GetAllBalances returns every configured chain's current snapshot
// (no I/O), keyed by chain name. Satisfies invariant 6 (fanout
// completeness): an entry for every configured valid chain, no others.
func (o *Orchestrator) GetAllBalances() map[domain.ChainName]domain.Snapshot {
	chains := o.chains()
	out := make(map[domain.ChainName]domain.Snapshot, len(chains))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.fanBound)
	for _, chain := range chains {
		m, err := o.manager(chain)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(chain domain.ChainName, m *walletmanager.Manager) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			snap := m.GetBalances()
			mu.Lock()
			out[chain] = snap
			mu.Unlock()
		}(chain, m)
	}
	wg.Wait()
	return out
}

// PullBalances forces a refresh on every configured chain, bounded by
// cfg.DefaultFanoutBound.
func (o *Orchestrator) PullBalances(ctx context.Context) (map[domain.ChainName]domain.Snapshot, error) {
	out := make(map[domain.ChainName]domain.Snapshot)
	var mu sync.Mutex
	err := o.fanout(ctx, o.fanBound, func(ctx context.Context, chain domain.ChainName, m *walletmanager.Manager) error {
		snap, err := m.PullBalances(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		out[chain] = snap
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PullBalancesAtBlockHeight validates every requested chain key (when
// heightsByChain is non-nil) or otherwise fetches a coherent set of
// heights first via GetBlockHeightForAllSupportedChains, then fans out
// per-chain queries at those heights. It never updates persistent
// snapshots (§4.G).
func (o *Orchestrator) PullBalancesAtBlockHeight(ctx context.Context, heightsByChain map[domain.ChainName]uint64) (map[domain.ChainName]domain.Snapshot, error) {
	if heightsByChain != nil {
		for chain := range heightsByChain {
			if _, err := o.manager(chain); err != nil {
				return nil, err
			}
		}
	} else {
		heights, err := o.GetBlockHeightForAllSupportedChains(ctx)
		if err != nil {
			return nil, err
		}
		heightsByChain = heights
	}

	out := make(map[domain.ChainName]domain.Snapshot)
	var mu sync.Mutex
	err := o.fanout(ctx, o.fanBound, func(ctx context.Context, chain domain.ChainName, m *walletmanager.Manager) error {
		height, ok := heightsByChain[chain]
		if !ok {
			return nil
		}
		snap, err := m.PullBalancesAtBlockHeight(ctx, height)
		if err != nil {
			return err
		}
		mu.Lock()
		out[chain] = snap
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetBlockHeightForAllSupportedChains uses a concurrency bound equal to the
// number of configured chains for the tightest possible block-height
// coherence across chains (§4.G), and fails the whole call on the first
// per-chain error with no partial result (§4.G, §7 BlockHeightUnavailable).
func (o *Orchestrator) GetBlockHeightForAllSupportedChains(ctx context.Context) (map[domain.ChainName]uint64, error) {
	chains := o.chains()
	out := make(map[domain.ChainName]uint64, len(chains))
	var mu sync.Mutex

	bound := int64(len(chains))
	if bound < 1 {
		bound = 1
	}

	err := o.fanout(ctx, bound, func(ctx context.Context, chain domain.ChainName, m *walletmanager.Manager) error {
		h, err := m.GetBlockHeight(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", coreerrors.ErrBlockHeightUnavailable, err)
		}
		mu.Lock()
		out[chain] = h
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WithWallet acquires chain's wallet lock, invokes fn, and releases
// regardless of outcome, delegating to the chain's Manager (§4.G, §9
// "Scoped withWallet").
func (o *Orchestrator) WithWallet(ctx context.Context, chain domain.ChainName, address string, fn func(context.Context) error, opts lockregistry.AcquireOptions) error {
	m, err := o.manager(chain)
	if err != nil {
		return err
	}
	return m.WithWallet(ctx, address, fn, opts)
}
