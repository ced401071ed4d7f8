package engine

import (
	"context"

	"econsim.ai/internal/persistence/snapshot"
	"econsim.ai/internal/protocol"
)

type cmdKind int

const (
	cmdPlay cmdKind = iota + 1
	cmdPause
	cmdStep
	cmdSetSpeed
	cmdJump
	cmdRewind
	cmdReset
	cmdSnapshot
)

func (k cmdKind) String() string {
	switch k {
	case cmdPlay:
		return "play"
	case cmdPause:
		return "pause"
	case cmdStep:
		return "step"
	case cmdSetSpeed:
		return "set_speed"
	case cmdJump:
		return "jump_to"
	case cmdRewind:
		return "rewind_to"
	case cmdReset:
		return "reset"
	case cmdSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// command is one queued control mutation. Exactly one command is being
// processed at any instant: the run loop drains the queue serially between
// ticks.
type command struct {
	kind        cmdKind
	speed       float64
	steps       uint32
	target      uint64
	description string
	resp        chan cmdResult
}

type cmdResult struct {
	status protocol.SimulationStatus
	info   snapshot.Info
	err    error
}

// submit queues a command and awaits its completion signal. Queueing is
// non-blocking for the caller in the common case (buffered channel); the
// caller may be cancelled while waiting without affecting the loop.
func (s *Scheduler) submit(ctx context.Context, cmd command) (cmdResult, error) {
	cmd.resp = make(chan cmdResult, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return cmdResult{}, ErrStopped
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
	select {
	case r := <-cmd.resp:
		return r, r.err
	case <-s.done:
		return cmdResult{}, ErrStopped
	case <-ctx.Done():
		return cmdResult{}, ctx.Err()
	}
}

// Play starts or resumes the simulation at the given speed multiplier.
func (s *Scheduler) Play(ctx context.Context, speed float64) (protocol.SimulationStatus, error) {
	r, err := s.submit(ctx, command{kind: cmdPlay, speed: speed})
	return r.status, err
}

// Pause halts the tick loop at the next tick boundary. No-op when already
// paused or stopped.
func (s *Scheduler) Pause(ctx context.Context) (protocol.SimulationStatus, error) {
	r, err := s.submit(ctx, command{kind: cmdPause})
	return r.status, err
}

// Step advances exactly n ticks synchronously and returns to the prior
// state.
func (s *Scheduler) Step(ctx context.Context, n uint32) (protocol.SimulationStatus, error) {
	r, err := s.submit(ctx, command{kind: cmdStep, steps: n})
	return r.status, err
}

// SetSpeed changes wall-clock pacing only; it never skips a tick's work.
func (s *Scheduler) SetSpeed(ctx context.Context, speed float64) (protocol.SimulationStatus, error) {
	r, err := s.submit(ctx, command{kind: cmdSetSpeed, speed: speed})
	return r.status, err
}

// JumpTo fast-forwards to a future tick, running every intermediate tick
// with automatic snapshotting suppressed until completion. A queued command
// interrupts the jump at the next tick boundary.
func (s *Scheduler) JumpTo(ctx context.Context, tick uint64) (protocol.SimulationStatus, error) {
	r, err := s.submit(ctx, command{kind: cmdJump, target: tick})
	return r.status, err
}

// RewindTo restores the nearest snapshot at or before tick and replays
// forward deterministically. With no usable snapshot it reinitializes from
// the scenario and replays from tick 0.
func (s *Scheduler) RewindTo(ctx context.Context, tick uint64) (protocol.SimulationStatus, error) {
	r, err := s.submit(ctx, command{kind: cmdRewind, target: tick})
	return r.status, err
}

// Reset returns to Stopped at tick 0 with agent and RNG state freshly
// initialized from configuration. Stored snapshots are kept.
func (s *Scheduler) Reset(ctx context.Context) (protocol.SimulationStatus, error) {
	r, err := s.submit(ctx, command{kind: cmdReset})
	return r.status, err
}

// CreateSnapshot checkpoints the current state on demand.
func (s *Scheduler) CreateSnapshot(ctx context.Context, description string) (snapshot.Info, error) {
	r, err := s.submit(ctx, command{kind: cmdSnapshot, description: description})
	return r.info, err
}
