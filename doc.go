// Package walletfleet and its sub-packages implement a concurrency and
// lifecycle engine for a fleet of cryptocurrency wallets spread across
// several blockchain networks.
/*
For each configured chain and network the fleet continuously observes
wallet balances, arbitrates exclusive use of each wallet among concurrent
callers, and periodically redistributes funds across wallets according to
a pluggable strategy. It exposes balances and lifecycle events to external
observers such as a metrics exporter.

Architecture

The engine is built from four cooperating pieces, wired together per chain
by internal/walletmanager and across chains by internal/orchestrator:

  - internal/poller runs the timed balance refresh loop for one chain.
  - internal/lockregistry hands out FIFO-fair, optionally leased exclusive
    locks on individual wallet addresses.
  - internal/rebalance plans and executes fund redistribution under the
    same lock discipline, atomically or best-effort depending on the
    configured strategy.
  - internal/orchestrator constructs one Chain Wallet Manager per
    configured chain and fans out cross-chain queries with bounded
    concurrency.

Concrete wallet drivers, price oracles and the metrics exporter are
external collaborators; the engine only depends on the capability
contracts in internal/capability. internal/mockdriver and
internal/pricefeed provide reference implementations used by the fleet
binary and by tests.

The fleet is configured via a YAML file (internal/config) layered with
WALLETFLEET_-prefixed environment variables, and can be run standalone
with cmd/walletfleetd.
*/
package walletfleet
