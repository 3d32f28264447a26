// Package metricssink provides the reference capability.MetricsSink,
// backed by github.com/prometheus/client_golang, grounded on the way
// tarancss-adp's cmd/wallet and cmd/explorer register a prometheus registry
// and serve it over HTTP. Per §5's backpressure contract, event handling
// here only ever touches in-memory metric objects; the optional scrape
// server runs on its own goroutine.
package metricssink

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/noname2290/wallet-fleet/internal/capability"
	"github.com/noname2290/wallet-fleet/internal/domain"
)

// Sink is the reference MetricsSink.
type Sink struct {
	registry *prometheus.Registry

	activeWallets       *prometheus.GaugeVec
	walletLockPeriodMs  *prometheus.HistogramVec
	rebalanceInstrTotal *prometheus.CounterVec
	pollErrorsTotal     *prometheus.CounterVec

	server *http.Server
	log    *logrus.Logger
}

var _ capability.MetricsSink = (*Sink)(nil)

// New constructs a Sink and registers its metrics against a fresh registry.
func New(log *logrus.Logger) *Sink {
	reg := prometheus.NewRegistry()

	s := &Sink{
		registry: reg,
		log:      log,
		activeWallets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_wallets",
			Help: "Wallets currently held under an exclusive lock, by chain and network.",
		}, []string{"chain", "network"}),
		walletLockPeriodMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_lock_period_ms",
			Help:    "Duration a wallet lock was held, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"chain", "network"}),
		rebalanceInstrTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebalance_instructions_total",
			Help: "Rebalance instructions processed, partitioned by outcome.",
		}, []string{"chain", "strategy", "outcome"}),
		pollErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "balance_poll_errors_total",
			Help: "Per-wallet balance poll failures, by chain.",
		}, []string{"chain"}),
	}

	reg.MustRegister(s.activeWallets, s.walletLockPeriodMs, s.rebalanceInstrTotal, s.pollErrorsTotal)
	return s
}

// Registry exposes the underlying prometheus.Registry for a caller that
// wants to fold it into a larger scrape endpoint instead of using Serve.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// ObserveActiveWallets implements capability.MetricsSink.
func (s *Sink) ObserveActiveWallets(chain domain.ChainName, network domain.Network, count int) {
	s.activeWallets.WithLabelValues(string(chain), string(network)).Set(float64(count))
}

// ObserveWalletLockPeriod implements capability.MetricsSink.
func (s *Sink) ObserveWalletLockPeriod(chain domain.ChainName, network domain.Network, address string, durationMs int64) {
	s.walletLockPeriodMs.WithLabelValues(string(chain), string(network)).Observe(float64(durationMs))
}

// ObserveRebalanceInstructions implements capability.MetricsSink.
func (s *Sink) ObserveRebalanceInstructions(chain domain.ChainName, strategy string, succeeded, failed int) {
	s.rebalanceInstrTotal.WithLabelValues(string(chain), strategy, "succeeded").Add(float64(succeeded))
	s.rebalanceInstrTotal.WithLabelValues(string(chain), strategy, "failed").Add(float64(failed))
}

// ObservePollError implements capability.MetricsSink.
func (s *Sink) ObservePollError(chain domain.ChainName) {
	s.pollErrorsTotal.WithLabelValues(string(chain)).Inc()
}

// Serve starts the scrape HTTP server on addr at path, on its own
// goroutine, matching metrics.{enabled,port,path,serve} (§6). It returns
// immediately; call Shutdown to stop it.
func (s *Sink) Serve(addr, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("metricssink: scrape server exited unexpectedly")
		}
	}()
}

// Shutdown gracefully stops the scrape server, if one was started.
func (s *Sink) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
