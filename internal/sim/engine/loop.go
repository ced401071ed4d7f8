package engine

import (
	"context"
	"errors"
	"time"

	"econsim.ai/internal/persistence/snapshot"
	"econsim.ai/internal/protocol"
	"econsim.ai/internal/sim/agents"
)

// Run executes the scheduler loop until ctx is cancelled. The loop is
// single-threaded: ticks, command application and snapshot requests all
// happen here, in a fixed order, which is what makes replay deterministic.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	s.ticker = time.NewTicker(time.Second)
	s.ticker.Stop()
	defer s.ticker.Stop()

	for {
		var tickC <-chan time.Time
		if s.state == stateRunning {
			tickC = s.ticker.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.cmds:
			s.handle(ctx, cmd)
		case <-tickC:
			if err := s.runTick(false); err != nil {
				s.onTickError(err)
			}
			s.refreshStatus()
		}
	}
}

// handle applies one command and signals completion. At most one command is
// in flight; multi-tick commands poll the queue between ticks so a pending
// command takes effect at the next tick boundary, never mid-tick.
func (s *Scheduler) handle(ctx context.Context, cmd command) {
	r := s.exec(ctx, cmd)
	s.refreshStatus()
	r.status = s.Status()
	cmd.resp <- r
}

func (s *Scheduler) exec(ctx context.Context, cmd command) cmdResult {
	if s.state == stateFaulted && cmd.kind != cmdReset {
		return cmdResult{err: &FaultedError{Command: cmd.kind.String(), Cause: s.lastErr}}
	}

	switch cmd.kind {
	case cmdPlay:
		return s.execPlay(cmd.speed)
	case cmdPause:
		return s.execPause()
	case cmdStep:
		return s.execStep(cmd.steps)
	case cmdSetSpeed:
		return s.execSetSpeed(cmd.speed)
	case cmdJump:
		return s.execJump(ctx, cmd.target)
	case cmdRewind:
		return s.execRewind(ctx, cmd.target)
	case cmdReset:
		return s.execReset()
	case cmdSnapshot:
		return s.execSnapshot(cmd.description)
	default:
		return cmdResult{err: &ValidationError{Field: "command", Reason: "unknown command"}}
	}
}

func (s *Scheduler) execPlay(speed float64) cmdResult {
	if speed <= 0 {
		return cmdResult{err: &ValidationError{Field: "speed", Reason: "must be > 0"}}
	}
	prev := s.state
	s.speed = speed
	s.state = stateRunning
	s.startRunClock()
	s.ticker.Reset(s.tickInterval())
	s.publishStateChange(prev)
	return cmdResult{}
}

func (s *Scheduler) execPause() cmdResult {
	if s.state != stateRunning {
		return cmdResult{}
	}
	prev := s.state
	s.state = statePaused
	s.ticker.Stop()
	s.stopRunClock()
	s.publishStateChange(prev)
	return cmdResult{}
}

func (s *Scheduler) execStep(n uint32) cmdResult {
	if n < 1 {
		return cmdResult{err: &ValidationError{Field: "steps", Reason: "must be >= 1"}}
	}
	start := time.Now()
	defer s.accountSyncWork(start)
	for i := uint32(0); i < n; i++ {
		if err := s.runTick(false); err != nil {
			s.onTickError(err)
			return cmdResult{err: err}
		}
	}
	return cmdResult{}
}

func (s *Scheduler) execSetSpeed(speed float64) cmdResult {
	if speed <= 0 {
		return cmdResult{err: &ValidationError{Field: "speed", Reason: "must be > 0"}}
	}
	if s.state == stateStopped {
		return cmdResult{err: &InvalidTransitionError{
			Command: "set_speed",
			State:   s.state.String(),
			Reason:  "speed applies to a started simulation",
		}}
	}
	s.speed = speed
	if s.state == stateRunning {
		s.ticker.Reset(s.tickInterval())
	}
	return cmdResult{}
}

func (s *Scheduler) execJump(ctx context.Context, target uint64) cmdResult {
	if target < s.tick {
		return cmdResult{err: &InvalidTransitionError{
			Command: "jump_to",
			State:   s.state.String(),
			Reason:  "target tick is in the past, use rewind_to",
		}}
	}
	start := time.Now()
	defer s.accountSyncWork(start)
	if err := s.fastForward(ctx, target); err != nil {
		return cmdResult{err: err}
	}
	return cmdResult{}
}

// fastForward runs ticks up to target as fast as possible. Automatic
// snapshots are suppressed for intermediate ticks and re-enabled on the
// final one. Cancellable between ticks: a queued command or context cancel
// stops the advance at the current boundary.
func (s *Scheduler) fastForward(ctx context.Context, target uint64) error {
	for s.tick < target {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if len(s.cmds) > 0 {
			// A newer command is waiting; yield at this boundary. The
			// caller sees how far the advance got via the status reply.
			return nil
		}
		final := s.tick+1 == target
		if err := s.runTick(!final); err != nil {
			s.onTickError(err)
			return err
		}
	}
	return nil
}

func (s *Scheduler) execRewind(ctx context.Context, target uint64) cmdResult {
	if target >= s.tick {
		return cmdResult{err: &InvalidTransitionError{
			Command: "rewind_to",
			State:   s.state.String(),
			Reason:  "target tick is not in the past, use jump_to",
		}}
	}
	start := time.Now()
	defer s.accountSyncWork(start)

	// Locate and fully decode the checkpoint before mutating anything: a
	// corrupt snapshot aborts the rewind with the scheduler unchanged.
	var restored *payloadV1
	if s.store != nil {
		info, ok, err := s.store.NearestAtOrBefore(target)
		if err != nil {
			return cmdResult{err: err}
		}
		if ok {
			data, _, err := s.store.Load(info.Tick)
			if err != nil {
				return cmdResult{err: err}
			}
			p, err := decodePayload(data)
			if err != nil {
				return cmdResult{err: &snapshot.CorruptError{Tick: info.Tick, Want: info.Hash, Got: "undecodable payload"}}
			}
			restored = p
		}
	}

	if restored != nil {
		if err := s.restorePayload(restored); err != nil {
			// Group state may be partially applied; this is not recoverable
			// in place.
			s.fault(err)
			return cmdResult{err: err}
		}
	} else {
		// Target predates every snapshot: reinitialize from configuration
		// and replay from tick 0.
		if err := s.initGroups(); err != nil {
			s.fault(err)
			return cmdResult{err: err}
		}
	}

	if err := s.fastForward(ctx, target); err != nil {
		return cmdResult{err: err}
	}
	return cmdResult{}
}

func (s *Scheduler) execReset() cmdResult {
	prev := s.state
	if err := s.initGroups(); err != nil {
		s.fault(err)
		return cmdResult{err: err}
	}
	s.state = stateStopped
	s.speed = 1
	s.lastErr = nil
	s.ticker.Stop()
	s.stopRunClock()
	s.publishStateChange(prev)
	return cmdResult{}
}

func (s *Scheduler) execSnapshot(description string) cmdResult {
	info, err := s.createSnapshot(snapshot.Metadata{Manual: true, Description: description})
	if err != nil {
		return cmdResult{err: err}
	}
	return cmdResult{info: info}
}

// runTick advances the simulation by exactly one tick: capture rollback
// state, tick every group in declared order, publish the collected events,
// advance the clock, checkpoint on the snapshot boundary.
func (s *Scheduler) runTick(suppressSnapshot bool) error {
	pre, err := s.encodePayload()
	if err != nil {
		s.fault(err)
		return err
	}

	next := s.tick + 1
	s.eventsBuf = s.eventsBuf[:0]
	emit := func(ev protocol.Event) { s.eventsBuf = append(s.eventsBuf, ev) }

	for _, g := range s.groups {
		tc := &agents.TickContext{Tick: next, Rng: s.groupStream(g), Emit: emit}
		if err := g.Tick(tc); err != nil {
			tickErr := &AgentTickError{Group: g.Name(), Tick: next, Err: err}
			if rerr := s.restorePayloadBytes(pre); rerr != nil {
				s.fault(rerr)
			}
			return tickErr
		}
	}

	for _, ev := range s.eventsBuf {
		s.bus.Publish(ev)
	}

	s.tick = next
	s.rateTicks++

	if !suppressSnapshot && s.cfg.SnapshotEveryTicks > 0 && s.tick%s.cfg.SnapshotEveryTicks == 0 {
		if _, err := s.createSnapshot(snapshot.Metadata{}); err != nil {
			// Snapshot I/O failure must not corrupt the run; surface it in
			// the log and keep ticking.
			s.log.Printf("automatic snapshot at tick %d failed: %v", s.tick, err)
		} else if s.cfg.SnapshotKeep > 0 {
			if _, err := s.store.Cleanup(s.cfg.SnapshotKeep); err != nil {
				s.log.Printf("snapshot cleanup failed: %v", err)
			}
		}
	}
	return nil
}

// onTickError handles a failed tick outside of a direct command reply: the
// tick was rolled back, the loop pauses so the operator can inspect and
// decide.
func (s *Scheduler) onTickError(err error) {
	var agentErr *AgentTickError
	if !errors.As(err, &agentErr) && s.state == stateFaulted {
		return
	}
	prev := s.state
	if s.state == stateRunning {
		s.state = statePaused
		s.ticker.Stop()
		s.stopRunClock()
	}
	s.lastErr = err
	s.bus.Publish(protocol.Event{
		Type:    protocol.EventTickError,
		Tick:    s.tick,
		Payload: map[string]any{"error": err.Error()},
	})
	s.publishStateChange(prev)
}

func (s *Scheduler) createSnapshot(meta snapshot.Metadata) (snapshot.Info, error) {
	if s.store == nil {
		return snapshot.Info{}, errors.New("engine: no snapshot store configured")
	}
	data, err := s.encodePayload()
	if err != nil {
		return snapshot.Info{}, err
	}
	info, err := s.store.Create(s.tick, data, meta)
	if err != nil {
		return snapshot.Info{}, err
	}
	s.bus.Publish(protocol.Event{
		Type: protocol.EventSnapshotCreated,
		Tick: s.tick,
		Payload: map[string]any{
			"size":   info.Size,
			"hash":   info.Hash,
			"manual": info.Manual,
		},
	})
	return info, nil
}

// accountSyncWork adds the wall time of a synchronous multi-tick command
// (step, jump, rewind replay) to the elapsed counter when the loop is not
// in a running period already.
func (s *Scheduler) accountSyncWork(start time.Time) {
	if s.runningSince.IsZero() {
		s.elapsedRun += time.Since(start)
	}
}
