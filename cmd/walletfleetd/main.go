// Command walletfleetd is the wallet fleet engine's process entrypoint,
// grounded on tarancss-adp's cmd/wallet and cmd/explorer main.go: parse
// flags, load configuration, construct dependencies, wait on an OS signal
// channel, then stop gracefully.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noname2290/wallet-fleet/internal/capability"
	"github.com/noname2290/wallet-fleet/internal/config"
	"github.com/noname2290/wallet-fleet/internal/domain"
	"github.com/noname2290/wallet-fleet/internal/metricssink"
	"github.com/noname2290/wallet-fleet/internal/mockdriver"
	"github.com/noname2290/wallet-fleet/internal/orchestrator"
	"github.com/noname2290/wallet-fleet/internal/pricefeed"
	"github.com/noname2290/wallet-fleet/internal/rebalance"
	"github.com/noname2290/wallet-fleet/internal/walletmanager"
)

func main() {
	confPath := flag.String("c", "", "path to a YAML fleet configuration file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	conf, err := config.Load(*confPath)
	if err != nil {
		log.WithError(err).Fatal("walletfleetd: failed to load configuration")
	}
	log.WithField("chains", len(conf.Chains)).Info("walletfleetd: configuration loaded")

	var sink *metricssink.Sink
	var metricsCap capability.MetricsSink
	if conf.Metrics.Enabled {
		sink = metricssink.New(log)
		metricsCap = sink
		if conf.Metrics.Serve {
			addr := ":" + strconv.Itoa(conf.Metrics.Port)
			sink.Serve(addr, conf.Metrics.Path)
			log.WithField("addr", addr).Info("walletfleetd: serving metrics")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chains := make(map[domain.ChainName]walletmanager.Config, len(conf.Chains))
	var supportedTokens [][]string
	for name, chainCfg := range conf.Chains {
		supportedTokens = append(supportedTokens, chainCfg.PriceFeedConfig.SupportedTokens)
		wallets := make([]domain.Wallet, len(chainCfg.Wallets))
		for i, w := range chainCfg.Wallets {
			wallets[i] = domain.Wallet{Address: w.Address, ExpectedTokens: w.ExpectedTokens, Config: w.DriverConfig}
		}

		// Concrete chain drivers are external collaborators (§1): this
		// binary wires the in-tree reference driver so the fleet is
		// runnable standalone. A production deployment supplies its own
		// capability.Driver per chain instead.
		driver := mockdriver.New(nil, nil)

		var rebalCfg *walletmanager.RebalanceConfig
		if chainCfg.Rebalance.Enabled {
			// A strategy name with no built-in strategy leaves rebalance
			// disabled for this chain (§6).
			var strategy capability.Strategy
			switch chainCfg.Rebalance.Strategy {
			case rebalance.MinBalanceThreshold{}.Name():
				strategy = rebalance.MinBalanceThreshold{NativeSymbol: "ETH"}
			case rebalance.EqualizeByValue{}.Name():
				strategy = rebalance.EqualizeByValue{NativeSymbol: "ETH"}
			}
			if strategy != nil {
				rebalCfg = &walletmanager.RebalanceConfig{
					Interval: chainCfg.RebalanceInterval(),
					Strategy: strategy,
				}
			}
		}

		chains[domain.ChainName(name)] = walletmanager.Config{
			Network:      domain.Network(chainCfg.Network),
			Wallets:      wallets,
			Driver:       driver,
			PollInterval: chainCfg.PollInterval(conf.BalancePollInterval),
			Rebalance:    rebalCfg,
			Log:          log,
		}
	}

	// A concrete price oracle is an external collaborator (§1): this binary
	// wires a reference Fetcher reporting no fixed prices so the fleet is
	// runnable standalone. A production deployment supplies a real
	// pricefeed.Fetcher instead.
	priceFeedCfg := orchestrator.PriceFeedConfig{Fetcher: pricefeed.NewFixedFetcher(nil)}
	if conf.PriceFeedOptions.Enabled {
		if conf.PriceFeedOptions.Scheduled.Enabled {
			priceFeedCfg.Mode = orchestrator.PriceFeedScheduled
			priceFeedCfg.Tokens = pricefeed.PreparePriceFeedConfig(supportedTokens)
			if ms := conf.PriceFeedOptions.Scheduled.IntervalMs; ms > 0 {
				priceFeedCfg.ScheduledInterval = time.Duration(ms) * time.Millisecond
			}
		} else {
			priceFeedCfg.Mode = orchestrator.PriceFeedOnDemand
		}
	}

	orch, err := orchestrator.New(ctx, orchestrator.Config{
		Chains:             chains,
		FailOnInvalidChain: conf.FailOnInvalidChain,
		DefaultFanoutBound: conf.FanoutBound,
		PriceFeed:          priceFeedCfg,
		MetricsSink:        metricsCap,
		Log:                log,
	})
	if err != nil {
		log.WithError(err).Fatal("walletfleetd: failed to construct orchestrator")
	}

	log.Info("walletfleetd: fleet started")

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
	<-sigchan

	log.Info("walletfleetd: shutdown signal received")
	orch.Stop()
	if sink != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := sink.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("walletfleetd: metrics server shutdown error")
		}
	}
	log.Info("walletfleetd: stopped")
}
