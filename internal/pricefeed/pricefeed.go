// Package pricefeed implements the two price-feed modes the orchestrator
// can construct: Scheduled (a background goroutine proactively refreshes a
// fixed token set) and OnDemand (a lazy fetch behind a TTL cache). Both
// satisfy capability.PriceFeed and share a Fetcher abstraction over the
// actual price source, grounded on Dorafanboy-balance_checker's cached
// token price service split into a fetch step and a caching policy.
package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/noname2290/wallet-fleet/internal/capability"
)

// Fetcher is the raw, uncached price lookup. Concrete price oracles
// (out of scope for this repo per §1) implement this; tests use a
// programmable stub.
type Fetcher interface {
	FetchPrice(ctx context.Context, coingeckoID string) (decimal.Decimal, error)
}

// PreparePriceFeedConfig derives the set of tokens to warm from the union
// of every configured chain's priceFeedConfig.supportedTokens.
func PreparePriceFeedConfig(perChainSupportedTokens [][]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tokens := range perChainSupportedTokens {
		for _, tok := range tokens {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}
	return out
}

// FixedFetcher is a reference Fetcher good enough to run the fleet
// standalone: it reports a fixed price per coingeckoID, or an error for any
// ID it wasn't given one for. A concrete price oracle (out of scope for
// this repo per §1) implements Fetcher against a real quote source instead.
type FixedFetcher struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

var _ Fetcher = (*FixedFetcher)(nil)

// NewFixedFetcher returns a FixedFetcher reporting prices.
func NewFixedFetcher(prices map[string]decimal.Decimal) *FixedFetcher {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &FixedFetcher{prices: cp}
}

// FetchPrice implements Fetcher.
func (f *FixedFetcher) FetchPrice(_ context.Context, coingeckoID string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[coingeckoID]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("pricefeed: no fixed price configured for %s", coingeckoID)
	}
	return p, nil
}

// OnDemand fetches lazily, per query, and caches the result for ttl. It is
// the right choice when the warm set is large or rarely queried in full.
type OnDemand struct {
	fetcher Fetcher
	cache   *cache.Cache
	limiter *rate.Limiter
	log     *logrus.Logger
}

var _ capability.PriceFeed = (*OnDemand)(nil)

// NewOnDemand returns an OnDemand price feed caching results for ttl.
// limiter may be nil to disable throttling.
func NewOnDemand(fetcher Fetcher, ttl time.Duration, limiter *rate.Limiter, log *logrus.Logger) *OnDemand {
	return &OnDemand{
		fetcher: fetcher,
		cache:   cache.New(ttl, ttl*2),
		limiter: limiter,
		log:     log,
	}
}

// Price implements capability.PriceFeed.
func (f *OnDemand) Price(ctx context.Context, coingeckoID string) (decimal.Decimal, error) {
	if v, ok := f.cache.Get(coingeckoID); ok {
		return v.(decimal.Decimal), nil
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return decimal.Decimal{}, fmt.Errorf("pricefeed: wait for rate limiter: %w", err)
		}
	}
	price, err := f.fetcher.FetchPrice(ctx, coingeckoID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("pricefeed: fetch price for %s: %w", coingeckoID, err)
	}
	f.cache.SetDefault(coingeckoID, price)
	return price, nil
}

// Scheduled proactively refreshes a fixed token set on interval, serving
// reads from an RWMutex-guarded map without ever blocking a reader on I/O.
// A TTL cache is the wrong tool here: the set is small and known up front,
// and every entry is kept warm rather than expired.
type Scheduled struct {
	fetcher  Fetcher
	interval time.Duration
	tokens   []string
	log      *logrus.Logger

	mu     sync.RWMutex
	prices map[string]decimal.Decimal

	cancel context.CancelFunc
	done   chan struct{}
}

var _ capability.PriceFeed = (*Scheduled)(nil)

// NewScheduled returns a Scheduled price feed for the given token set. It
// does not start refreshing until Start is called.
func NewScheduled(fetcher Fetcher, tokens []string, interval time.Duration, log *logrus.Logger) *Scheduled {
	return &Scheduled{
		fetcher:  fetcher,
		interval: interval,
		tokens:   tokens,
		log:      log,
		prices:   make(map[string]decimal.Decimal),
	}
}

// Start launches the background refresher. It performs one synchronous
// refresh before returning so the cache is warm immediately.
func (f *Scheduled) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})

	f.refreshOnce(ctx)

	go func() {
		defer close(f.done)
		timer := time.NewTimer(f.interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				f.refreshOnce(ctx)
				timer.Reset(f.interval)
			}
		}
	}()
}

// Stop cancels the background refresher and waits for it to exit.
func (f *Scheduled) Stop() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
}

func (f *Scheduled) refreshOnce(ctx context.Context) {
	for _, tok := range f.tokens {
		price, err := f.fetcher.FetchPrice(ctx, tok)
		if err != nil {
			f.log.WithFields(logrus.Fields{"token": tok, "err": err}).Warn("scheduled price feed: refresh failed, keeping stale value")
			continue
		}
		f.mu.Lock()
		f.prices[tok] = price
		f.mu.Unlock()
	}
}

// Price implements capability.PriceFeed. It never performs I/O; it only
// reads whatever the background refresher last stored.
func (f *Scheduled) Price(ctx context.Context, coingeckoID string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[coingeckoID]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("pricefeed: %s is not in the scheduled warm set", coingeckoID)
	}
	return p, nil
}
