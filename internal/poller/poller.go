// Package poller implements the Balance Poller (§4.C): a timed refresh
// loop that produces full snapshots at approximately a configured period,
// scheduling each refresh after the completion of the previous one rather
// than on a fixed-rate tick, to avoid pile-up against slow endpoints.
// Grounded on tarancss-adp's explorer.ExploreChain trigger-then-reschedule
// loop.
package poller

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noname2290/wallet-fleet/internal/capability"
	"github.com/noname2290/wallet-fleet/internal/domain"
	"github.com/noname2290/wallet-fleet/internal/eventbus"
)

// Config wires a Poller to one Chain Wallet Manager's dependencies.
type Config struct {
	Chain    domain.ChainName
	Network  domain.Network
	Interval time.Duration // zero disables polling entirely (§4.C)
	Wallets  func() []domain.Wallet
	Driver   capability.Driver
	Emit     func(eventbus.Event)
	// Current returns the manager's presently published snapshot.
	Current func() domain.Snapshot
	// Publish installs a freshly assembled snapshot as the manager's
	// current one.
	Publish func(domain.Snapshot)
	Log     *logrus.Logger
}

// Poller runs Config.Interval-spaced refresh cycles until Stop is called.
type Poller struct {
	cfg Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Poller that has not started yet.
func New(cfg Config) *Poller {
	return &Poller{cfg: cfg}
}

// Start launches the poll loop, if an interval is configured. It returns
// immediately; the first refresh happens on the loop goroutine.
func (p *Poller) Start(ctx context.Context) {
	if p.cfg.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		p.RunOnce(ctx)
		timer := time.NewTimer(p.cfg.Interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				p.RunOnce(ctx)
				timer.Reset(p.cfg.Interval)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight refresh, if any, to
// return.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// RunOnce performs exactly one refresh cycle synchronously: queries every
// configured wallet, tolerating per-wallet failures, publishes the
// resulting snapshot, and emits `balances` unconditionally — even when
// nothing changed, so freshness metrics stay live (§4.C).
func (p *Poller) RunOnce(ctx context.Context) domain.Snapshot {
	previous := p.cfg.Current()
	wallets := p.cfg.Wallets()
	results := p.cfg.Driver.PullBalances(ctx, wallets)

	balances := make(map[string][]domain.WalletBalance, len(wallets))
	for _, res := range results {
		if res.Err != nil {
			p.cfg.Log.WithFields(logrus.Fields{"chain": p.cfg.Chain, "address": res.Address, "err": res.Err}).
				Warn("poller: balance refresh failed, keeping stale value")
			p.cfg.Emit(eventbus.Error{Chain: p.cfg.Chain, Err: res.Err})
			// best-effort continuity: a wallet that failed this cycle keeps
			// its last known balances rather than vanishing from the
			// published snapshot.
			if stale := previous.For(res.Address); stale != nil {
				balances[res.Address] = stale
			}
			continue
		}
		balances[res.Address] = res.Balances
	}

	next := domain.NewSnapshot(balances, time.Now())
	p.cfg.Publish(next)

	p.cfg.Emit(eventbus.Balances{
		Chain:    p.cfg.Chain,
		Network:  p.cfg.Network,
		New:      next,
		Previous: previous,
	})
	return next
}
