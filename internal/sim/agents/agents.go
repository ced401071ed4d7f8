// Package agents defines the capability contract the scheduler drives and a
// set of sample economic agent groups (population, firms, banks, central
// bank) built on it. Groups are opaque to the kernel: one tick of domain
// logic given a stream handle and an event sink, plus full state
// serialization for snapshots.
package agents

import (
	"econsim.ai/internal/protocol"
	"econsim.ai/internal/sim/rng"
)

// TickContext carries everything a group may touch during one tick: the
// tick number being simulated, the group's own named random stream, and the
// event sink. Nothing else is shared; drawing from the stream is the only
// side effect outside the group's own state.
type TickContext struct {
	Tick uint64
	Rng  *rng.Stream
	Emit func(protocol.Event)
}

// Group is the Tickable+Stateful capability. The scheduler invokes Tick on
// every registered group in a fixed declared order, the same order every
// run. Serialized state must be canonical: identical state always encodes
// to identical bytes (no maps).
type Group interface {
	Name() string
	Count() int
	Tick(tc *TickContext) error
	SerializeState() ([]byte, error)
	RestoreState(data []byte) error
}

// Initializer is implemented by groups that populate their state from
// configuration with random draws. The scheduler calls Init once at startup
// and again on Reset, before any tick runs, with the group's own stream.
type Initializer interface {
	Init(tc *TickContext)
}

// TicksPerYear converts between the one-day tick and annualized rates.
const TicksPerYear = 365.0
