// Package eventbus implements the typed dispatcher called for in the
// design notes: rather than an untyped emitter keyed by string names, every
// event kind is its own Go type and handlers register by kind. Delivery is
// synchronous, in emission order, matching the "no I/O inline, slow
// subscriber slows emission" contract of the concurrency model.
package eventbus

import (
	"sync"

	"github.com/noname2290/wallet-fleet/internal/domain"
)

// Kind identifies one of the fixed event variants the bus can carry.
type Kind int

const (
	KindBalances Kind = iota
	KindError
	KindRebalanceStarted
	KindRebalanceFinished
	KindRebalanceError
	KindActiveWalletsCount
	KindWalletsLockPeriod
)

// Event is implemented by every concrete event payload type below.
type Event interface {
	Kind() Kind
}

// Balances corresponds to the balances(chain, network, new, previous) event.
type Balances struct {
	Chain    domain.ChainName
	Network  domain.Network
	New      domain.Snapshot
	Previous domain.Snapshot
}

func (Balances) Kind() Kind { return KindBalances }

// Error corresponds to error(err, chain): a driver failure that does not
// abort the owning goroutine.
type Error struct {
	Chain domain.ChainName
	Err   error
}

func (Error) Kind() Kind { return KindError }

// RebalanceStarted corresponds to rebalance-started(chain, strategy, instructions).
type RebalanceStarted struct {
	Chain        domain.ChainName
	Strategy     string
	Instructions []domain.Instruction
}

func (RebalanceStarted) Kind() Kind { return KindRebalanceStarted }

// RebalanceFinished corresponds to rebalance-finished(chain, strategy, receipts).
type RebalanceFinished struct {
	Chain    domain.ChainName
	Strategy string
	Receipts []domain.Receipt
}

func (RebalanceFinished) Kind() Kind { return KindRebalanceFinished }

// RebalanceError corresponds to rebalance-error(chain, strategy, err); it
// fires once per failed instruction and never aborts the batch by itself.
type RebalanceError struct {
	Chain       domain.ChainName
	Strategy    string
	Instruction domain.Instruction
	Err         error
	Skipped     bool // true when an atomic strategy aborted the remaining batch
}

func (RebalanceError) Kind() Kind { return KindRebalanceError }

// ActiveWalletsCount corresponds to active-wallets-count(chain, network, count).
type ActiveWalletsCount struct {
	Chain   domain.ChainName
	Network domain.Network
	Count   int
}

func (ActiveWalletsCount) Kind() Kind { return KindActiveWalletsCount }

// WalletsLockPeriod corresponds to wallets-lock-period(chain, network, address, durationMs).
type WalletsLockPeriod struct {
	Chain      domain.ChainName
	Network    domain.Network
	Address    string
	DurationMs int64
}

func (WalletsLockPeriod) Kind() Kind { return KindWalletsLockPeriod }

// Handler receives one event of the kind it was registered for.
type Handler func(Event)

// Bus is a synchronous, typed, multi-producer/multi-consumer dispatcher.
// The zero value is not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers fn to be called, synchronously, for every future
// event of the given kind. Order of delivery across subscribers of the same
// kind matches registration order.
func (b *Bus) Subscribe(kind Kind, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], fn)
}

// Emit delivers ev to every handler registered for its kind, in
// registration order. Emit does not recover handler panics: a misbehaving
// subscriber is a programming error in the caller's wiring, not something
// the bus should paper over.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	hs := b.handlers[ev.Kind()]
	// copy under the lock so a handler that subscribes during dispatch
	// can't race the slice we're about to range over.
	cp := make([]Handler, len(hs))
	copy(cp, hs)
	b.mu.RUnlock()

	for _, h := range cp {
		h(ev)
	}
}
