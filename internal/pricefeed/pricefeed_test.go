package pricefeed_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/noname2290/wallet-fleet/internal/pricefeed"
)

func newLog() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// stubFetcher is a programmable Fetcher: it counts calls and can be told to
// fail for specific IDs.
type stubFetcher struct {
	prices map[string]decimal.Decimal
	fail   map[string]bool
	calls  int
}

func (s *stubFetcher) FetchPrice(_ context.Context, coingeckoID string) (decimal.Decimal, error) {
	s.calls++
	if s.fail[coingeckoID] {
		return decimal.Decimal{}, assertErr
	}
	p, ok := s.prices[coingeckoID]
	if !ok {
		return decimal.Decimal{}, assertErr
	}
	return p, nil
}

type errFixture struct{}

func (errFixture) Error() string { return "fetch failure" }

var assertErr = errFixture{}

func TestPreparePriceFeedConfig_DedupesAcrossChains(t *testing.T) {
	got := pricefeed.PreparePriceFeedConfig([][]string{
		{"ETH", "USDC"},
		{"USDC", "MATIC"},
		nil,
	})
	assert.ElementsMatch(t, []string{"ETH", "USDC", "MATIC"}, got)
}

func TestFixedFetcher_HitAndMiss(t *testing.T) {
	f := pricefeed.NewFixedFetcher(map[string]decimal.Decimal{
		"ETH": decimal.NewFromInt(3000),
	})

	price, err := f.FetchPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(3000).Equal(price))

	_, err = f.FetchPrice(context.Background(), "DOGE")
	assert.Error(t, err)
}

func TestOnDemand_CachesAfterFirstFetch(t *testing.T) {
	stub := &stubFetcher{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(100)}}
	feed := pricefeed.NewOnDemand(stub, time.Minute, nil, newLog())

	p1, err := feed.Price(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(p1))

	p2, err := feed.Price(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(p2))

	assert.Equal(t, 1, stub.calls, "second Price call should be served from cache")
}

func TestOnDemand_PropagatesFetchError(t *testing.T) {
	stub := &stubFetcher{fail: map[string]bool{"DOGE": true}}
	feed := pricefeed.NewOnDemand(stub, time.Minute, nil, newLog())

	_, err := feed.Price(context.Background(), "DOGE")
	assert.Error(t, err)
}

func TestOnDemand_RespectsRateLimiterCancellation(t *testing.T) {
	stub := &stubFetcher{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(1)}}
	limiter := rate.NewLimiter(rate.Limit(0), 0) // never allows a token
	feed := pricefeed.NewOnDemand(stub, time.Minute, limiter, newLog())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := feed.Price(ctx, "ETH")
	assert.Error(t, err)
	assert.Zero(t, stub.calls, "fetcher must not be called when the limiter never admits a token")
}

func TestScheduled_StartWarmsBeforeReturning(t *testing.T) {
	stub := &stubFetcher{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(50), "MATIC": decimal.NewFromInt(1)}}
	feed := pricefeed.NewScheduled(stub, []string{"ETH", "MATIC"}, time.Hour, newLog())

	feed.Start(context.Background())
	defer feed.Stop()

	p, err := feed.Price(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(p))
}

func TestScheduled_PriceErrorsOutsideWarmSet(t *testing.T) {
	stub := &stubFetcher{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(50)}}
	feed := pricefeed.NewScheduled(stub, []string{"ETH"}, time.Hour, newLog())

	feed.Start(context.Background())
	defer feed.Stop()

	_, err := feed.Price(context.Background(), "DOGE")
	assert.Error(t, err)
}

func TestScheduled_BackgroundRefreshUpdatesPrice(t *testing.T) {
	stub := &stubFetcher{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(50)}}
	feed := pricefeed.NewScheduled(stub, []string{"ETH"}, 5*time.Millisecond, newLog())

	feed.Start(context.Background())
	defer feed.Stop()

	stub.prices["ETH"] = decimal.NewFromInt(75)

	require.Eventually(t, func() bool {
		p, err := feed.Price(context.Background(), "ETH")
		return err == nil && decimal.NewFromInt(75).Equal(p)
	}, time.Second, 5*time.Millisecond, "background refresh should pick up the updated price")
}

func TestScheduled_KeepsStaleValueOnRefreshFailure(t *testing.T) {
	stub := &stubFetcher{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(50)}}
	feed := pricefeed.NewScheduled(stub, []string{"ETH"}, 5*time.Millisecond, newLog())

	feed.Start(context.Background())
	defer feed.Stop()

	stub.fail = map[string]bool{"ETH": true}
	time.Sleep(30 * time.Millisecond)

	p, err := feed.Price(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(p), "a failed refresh must not clobber the last good value")
}

func TestScheduled_StopHaltsBackgroundRefresh(t *testing.T) {
	stub := &stubFetcher{prices: map[string]decimal.Decimal{"ETH": decimal.NewFromInt(50)}}
	feed := pricefeed.NewScheduled(stub, []string{"ETH"}, 5*time.Millisecond, newLog())

	feed.Start(context.Background())
	feed.Stop()

	callsAtStop := stub.calls
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, callsAtStop, stub.calls, "no refresh should occur after Stop returns")
}
