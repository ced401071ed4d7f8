// Package engine contains the scheduler: the single owner of the
// simulation clock. It drives agent groups in a fixed deterministic order,
// publishes their events, checkpoints state on tick boundaries and exposes
// the serialized time-control command surface (play, pause, step, speed,
// jump, rewind, reset).
package engine

import (
	"fmt"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"econsim.ai/internal/persistence/snapshot"
	"econsim.ai/internal/protocol"
	"econsim.ai/internal/sim/agents"
	"econsim.ai/internal/sim/bus"
	"econsim.ai/internal/sim/rng"
)

type simState int

const (
	stateStopped simState = iota
	stateRunning
	statePaused
	stateFaulted
)

func (st simState) String() string {
	switch st {
	case stateStopped:
		return protocol.StateStopped
	case stateRunning:
		return protocol.StateRunning
	case statePaused:
		return protocol.StatePaused
	case stateFaulted:
		return protocol.StateFaulted
	default:
		return "unknown"
	}
}

// Config is the kernel configuration the scheduler consumes (supplied by
// the scenario loader, not owned here).
type Config struct {
	Seed               uint64
	TickRateHz         int // base ticks per wall second at speed 1
	SnapshotEveryTicks uint64
	SnapshotKeep       int
}

// GroupFactory builds a fresh, ordered set of agent groups from
// configuration. Called at construction and on Reset.
type GroupFactory func() ([]agents.Group, error)

// Deps are the injected collaborators. The RNG manager and bus are owned
// instances passed in at construction, never ambient globals.
type Deps struct {
	Log    *log.Logger
	Rng    *rng.Manager
	Bus    *bus.Bus
	Store  *snapshot.Store
	Groups GroupFactory
}

// Scheduler runs the simulation. All mutable fields below cmds are touched
// only from the run-loop goroutine; the external control surface talks to
// it exclusively through the command queue.
type Scheduler struct {
	cfg   Config
	log   *log.Logger
	rng   *rng.Manager
	bus   *bus.Bus
	store *snapshot.Store

	factory GroupFactory
	groups  []agents.Group

	cmds chan command
	done chan struct{}

	state   simState
	tick    uint64
	speed   float64
	lastErr error

	ticker    *time.Ticker
	eventsBuf []protocol.Event

	runningSince time.Time
	elapsedRun   time.Duration
	rateMark     time.Time
	rateTicks    uint64
	tps          float64
	memBytes     uint64
	memMark      time.Time

	status atomic.Pointer[protocol.SimulationStatus]
}

// New constructs a stopped scheduler at tick 0 with freshly initialized
// groups.
func New(cfg Config, d Deps) (*Scheduler, error) {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	if cfg.SnapshotKeep <= 0 {
		cfg.SnapshotKeep = 100
	}
	if d.Log == nil {
		d.Log = log.Default()
	}
	if d.Rng == nil || d.Bus == nil || d.Groups == nil {
		return nil, fmt.Errorf("engine: rng, bus and group factory are required")
	}
	s := &Scheduler{
		cfg:     cfg,
		log:     d.Log,
		rng:     d.Rng,
		bus:     d.Bus,
		store:   d.Store,
		factory: d.Groups,
		cmds:    make(chan command, 64),
		done:    make(chan struct{}),
		speed:   1,
	}
	if err := s.initGroups(); err != nil {
		return nil, err
	}
	s.refreshStatus()
	return s, nil
}

// initGroups rebuilds groups from the factory and seeds the RNG manager,
// then runs each group's Init draw. This is the tick-0 state: Reset and the
// no-snapshot rewind fallback both land here.
func (s *Scheduler) initGroups() error {
	s.rng.Reset(s.cfg.Seed)
	groups, err := s.factory()
	if err != nil {
		return fmt.Errorf("engine: build groups: %w", err)
	}
	seen := map[string]bool{}
	for _, g := range groups {
		if seen[g.Name()] {
			return fmt.Errorf("engine: duplicate group %q", g.Name())
		}
		seen[g.Name()] = true
	}
	s.groups = groups
	for _, g := range s.groups {
		if init, ok := g.(agents.Initializer); ok {
			init.Init(&agents.TickContext{
				Tick: 0,
				Rng:  s.groupStream(g),
				Emit: func(protocol.Event) {},
			})
		}
	}
	s.tick = 0
	return nil
}

func (s *Scheduler) groupStream(g agents.Group) *rng.Stream {
	return s.rng.Stream("group:" + g.Name())
}

// Status returns the latest published status without touching the loop.
func (s *Scheduler) Status() protocol.SimulationStatus {
	return *s.status.Load()
}

// Bus exposes the event bus for transports (subscribe/recent only).
func (s *Scheduler) Bus() *bus.Bus { return s.bus }

// Store exposes the snapshot store for the read-only snapshot surface.
// Stored snapshots are immutable, so reads are safe alongside the loop.
func (s *Scheduler) Store() *snapshot.Store { return s.store }

func (s *Scheduler) totalAgents() int {
	n := 0
	for _, g := range s.groups {
		n += g.Count()
	}
	return n
}

func (s *Scheduler) elapsed() time.Duration {
	e := s.elapsedRun
	if !s.runningSince.IsZero() {
		e += time.Since(s.runningSince)
	}
	return e
}

// refreshStatus publishes a fresh status snapshot. Called once per tick and
// after every applied command.
func (s *Scheduler) refreshStatus() {
	now := time.Now()
	if s.rateMark.IsZero() {
		s.rateMark = now
	}
	if w := now.Sub(s.rateMark); w >= time.Second {
		s.tps = float64(s.rateTicks) / w.Seconds()
		s.rateTicks = 0
		s.rateMark = now
	}
	// ReadMemStats stops the world; sample at most once per second.
	if now.Sub(s.memMark) >= time.Second {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		s.memBytes = ms.HeapAlloc
		s.memMark = now
	}
	st := protocol.SimulationStatus{
		State:          s.state.String(),
		Speed:          s.speed,
		CurrentTick:    s.tick,
		TotalAgents:    s.totalAgents(),
		ElapsedWallMs:  s.elapsed().Milliseconds(),
		TicksPerSecond: s.tps,
		MemoryBytes:    s.memBytes,
	}
	s.status.Store(&st)
}

func (s *Scheduler) publishStateChange(prev simState) {
	if prev == s.state {
		return
	}
	s.bus.Publish(protocol.Event{
		Type: protocol.EventSchedulerState,
		Tick: s.tick,
		Payload: map[string]any{
			"from": prev.String(),
			"to":   s.state.String(),
		},
	})
}

// fault records an unrecoverable internal error. The loop keeps serving
// commands (so the failure can be observed and Reset applied) but refuses
// everything else.
func (s *Scheduler) fault(err error) {
	prev := s.state
	s.state = stateFaulted
	s.lastErr = err
	s.stopRunClock()
	s.log.Printf("scheduler faulted at tick %d: %v", s.tick, err)
	s.publishStateChange(prev)
}

// LastError returns the error that paused or faulted the scheduler, if any.
func (s *Scheduler) LastError() error { return s.lastErr }

func (s *Scheduler) startRunClock() {
	if s.runningSince.IsZero() {
		s.runningSince = time.Now()
	}
}

func (s *Scheduler) stopRunClock() {
	if !s.runningSince.IsZero() {
		s.elapsedRun += time.Since(s.runningSince)
		s.runningSince = time.Time{}
	}
}

func (s *Scheduler) tickInterval() time.Duration {
	iv := time.Duration(float64(time.Second) / (float64(s.cfg.TickRateHz) * s.speed))
	if iv < time.Microsecond {
		iv = time.Microsecond
	}
	return iv
}
