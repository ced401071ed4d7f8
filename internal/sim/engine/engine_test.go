package engine

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"testing"

	"econsim.ai/internal/persistence/snapshot"
	"econsim.ai/internal/protocol"
	"econsim.ai/internal/sim/agents"
	"econsim.ai/internal/sim/bus"
	"econsim.ai/internal/sim/rng"
)

// walkGroup is a minimal deterministic group: one random walker whose
// position depends on every draw it has ever made.
type walkGroup struct {
	GroupName string
	Position  float64
	Ticks     uint64
}

func (g *walkGroup) Name() string { return g.GroupName }
func (g *walkGroup) Count() int   { return 1 }

func (g *walkGroup) Tick(tc *agents.TickContext) error {
	g.Position += tc.Rng.NormFloat64()
	g.Ticks++
	if g.Ticks%50 == 0 {
		tc.Emit(protocol.Event{
			Type:    "walk_milestone",
			ActorID: g.GroupName,
			Tick:    tc.Tick,
			Payload: map[string]any{"position": g.Position},
		})
	}
	return nil
}

func (g *walkGroup) SerializeState() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *walkGroup) RestoreState(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(g)
}

// failGroup fails its Tick at a fixed tick number.
type failGroup struct {
	walkGroup
	FailAt uint64
}

func (g *failGroup) Tick(tc *agents.TickContext) error {
	if tc.Tick == g.FailAt {
		return fmt.Errorf("injected failure")
	}
	return g.walkGroup.Tick(tc)
}

// brokenSerializeGroup cannot checkpoint once armed, which forces the
// scheduler into the faulted state.
type brokenSerializeGroup struct {
	walkGroup
	Broken bool
}

func (g *brokenSerializeGroup) SerializeState() ([]byte, error) {
	if g.Broken {
		return nil, fmt.Errorf("serialize broken")
	}
	return g.walkGroup.SerializeState()
}

func walkFactory(names ...string) GroupFactory {
	return func() ([]agents.Group, error) {
		gs := make([]agents.Group, len(names))
		for i, n := range names {
			gs[i] = &walkGroup{GroupName: n}
		}
		return gs, nil
	}
}

func startScheduler(t *testing.T, cfg Config, factory GroupFactory, dir string) *Scheduler {
	t.Helper()
	var store *snapshot.Store
	if dir != "" {
		var err error
		store, err = snapshot.Open(dir)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}
	s, err := New(cfg, Deps{
		Rng:    rng.New(cfg.Seed),
		Bus:    bus.New(64),
		Store:  store,
		Groups: factory,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return s
}

func TestPlayPauseTransitions(t *testing.T) {
	s := startScheduler(t, Config{Seed: 1, TickRateHz: 1000}, walkFactory("walkers"), "")
	ctx := context.Background()

	if got := s.Status().State; got != protocol.StateStopped {
		t.Fatalf("initial state = %s, want %s", got, protocol.StateStopped)
	}

	st, err := s.Play(ctx, 2)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if st.State != protocol.StateRunning || st.Speed != 2 {
		t.Fatalf("after play: state=%s speed=%v", st.State, st.Speed)
	}

	// Play while running is a speed update, not an error.
	st, err = s.Play(ctx, 8)
	if err != nil {
		t.Fatalf("play while running: %v", err)
	}
	if st.State != protocol.StateRunning || st.Speed != 8 {
		t.Fatalf("after second play: state=%s speed=%v", st.State, st.Speed)
	}

	st, err = s.Pause(ctx)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if st.State != protocol.StatePaused {
		t.Fatalf("after pause: state=%s", st.State)
	}

	// Pause is idempotent.
	if _, err := s.Pause(ctx); err != nil {
		t.Fatalf("second pause: %v", err)
	}
}

func TestPlayRejectsBadSpeed(t *testing.T) {
	s := startScheduler(t, Config{Seed: 1}, walkFactory("walkers"), "")
	ctx := context.Background()

	before := s.Status()
	_, err := s.Play(ctx, 0)
	if err == nil {
		t.Fatal("play with speed 0 succeeded")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	if code := ErrorCode(err); code != protocol.ErrValidation {
		t.Fatalf("code = %s, want %s", code, protocol.ErrValidation)
	}
	after := s.Status()
	if after.State != before.State || after.CurrentTick != before.CurrentTick {
		t.Fatalf("rejected command changed status: %+v -> %+v", before, after)
	}
}

func TestStepReturnsToPriorState(t *testing.T) {
	s := startScheduler(t, Config{Seed: 1}, walkFactory("walkers"), "")
	ctx := context.Background()

	st, err := s.Step(ctx, 5)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if st.CurrentTick != 5 {
		t.Fatalf("tick = %d, want 5", st.CurrentTick)
	}
	if st.State != protocol.StateStopped {
		t.Fatalf("state after step from stopped = %s, want %s", st.State, protocol.StateStopped)
	}

	if _, err := s.Play(ctx, 1); err != nil {
		t.Fatalf("play: %v", err)
	}
	if _, err := s.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	st, err = s.Step(ctx, 3)
	if err != nil {
		t.Fatalf("step from paused: %v", err)
	}
	if st.State != protocol.StatePaused {
		t.Fatalf("state after step from paused = %s, want %s", st.State, protocol.StatePaused)
	}

	if _, err := s.Step(ctx, 0); err == nil {
		t.Fatal("step 0 succeeded")
	}
}

func TestSetSpeedRequiresStarted(t *testing.T) {
	s := startScheduler(t, Config{Seed: 1}, walkFactory("walkers"), "")
	ctx := context.Background()

	_, err := s.SetSpeed(ctx, 4)
	var terr *InvalidTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("set_speed in stopped: err = %v, want InvalidTransitionError", err)
	}
	if code := ErrorCode(err); code != protocol.ErrInvalidTransition {
		t.Fatalf("code = %s, want %s", code, protocol.ErrInvalidTransition)
	}

	if _, err := s.Play(ctx, 1); err != nil {
		t.Fatalf("play: %v", err)
	}
	st, err := s.SetSpeed(ctx, 4)
	if err != nil {
		t.Fatalf("set_speed while running: %v", err)
	}
	if st.Speed != 4 {
		t.Fatalf("speed = %v, want 4", st.Speed)
	}
}

func TestJumpAndRewindDirectionChecks(t *testing.T) {
	s := startScheduler(t, Config{Seed: 1}, walkFactory("walkers"), t.TempDir())
	ctx := context.Background()

	if _, err := s.Step(ctx, 10); err != nil {
		t.Fatalf("step: %v", err)
	}
	if _, err := s.JumpTo(ctx, 5); err == nil {
		t.Fatal("jump to past tick succeeded")
	}
	if _, err := s.RewindTo(ctx, 10); err == nil {
		t.Fatal("rewind to current tick succeeded")
	}
	if _, err := s.RewindTo(ctx, 20); err == nil {
		t.Fatal("rewind to future tick succeeded")
	}

	st, err := s.JumpTo(ctx, 30)
	if err != nil {
		t.Fatalf("jump: %v", err)
	}
	if st.CurrentTick != 30 {
		t.Fatalf("tick after jump = %d, want 30", st.CurrentTick)
	}
}

func TestTickFailureRollsBack(t *testing.T) {
	factory := func() ([]agents.Group, error) {
		return []agents.Group{
			&walkGroup{GroupName: "walkers"},
			&failGroup{walkGroup: walkGroup{GroupName: "fragile"}, FailAt: 6},
		}, nil
	}
	s := startScheduler(t, Config{Seed: 9}, factory, "")
	ctx := context.Background()

	if _, err := s.Step(ctx, 5); err != nil {
		t.Fatalf("step: %v", err)
	}
	before, err := s.StateDigest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	st, err := s.Step(ctx, 1)
	var agentErr *AgentTickError
	if !errors.As(err, &agentErr) {
		t.Fatalf("err = %v, want AgentTickError", err)
	}
	if agentErr.Group != "fragile" || agentErr.Tick != 6 {
		t.Fatalf("agent error = %+v", agentErr)
	}
	if code := ErrorCode(err); code != protocol.ErrAgentTick {
		t.Fatalf("code = %s, want %s", code, protocol.ErrAgentTick)
	}
	if st.CurrentTick != 5 {
		t.Fatalf("failed tick committed: tick = %d, want 5", st.CurrentTick)
	}
	after, err := s.StateDigest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if before != after {
		t.Fatal("state changed across a rolled-back tick")
	}
}

func TestFaultedRequiresReset(t *testing.T) {
	g := &brokenSerializeGroup{walkGroup: walkGroup{GroupName: "walkers"}}
	factory := func() ([]agents.Group, error) {
		g.Broken = false
		return []agents.Group{g}, nil
	}
	s := startScheduler(t, Config{Seed: 3}, factory, "")
	ctx := context.Background()

	if _, err := s.Step(ctx, 2); err != nil {
		t.Fatalf("step: %v", err)
	}
	g.Broken = true
	if _, err := s.Step(ctx, 1); err == nil {
		t.Fatal("step with broken serialization succeeded")
	}
	if st := s.Status(); st.State != protocol.StateFaulted {
		t.Fatalf("state = %s, want %s", st.State, protocol.StateFaulted)
	}

	_, err := s.Step(ctx, 1)
	var ferr *FaultedError
	if !errors.As(err, &ferr) {
		t.Fatalf("command in faulted state: err = %v, want FaultedError", err)
	}
	if code := ErrorCode(err); code != protocol.ErrFaulted {
		t.Fatalf("code = %s, want %s", code, protocol.ErrFaulted)
	}

	st, err := s.Reset(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st.State != protocol.StateStopped || st.CurrentTick != 0 {
		t.Fatalf("after reset: %+v", st)
	}
	if _, err := s.Step(ctx, 1); err != nil {
		t.Fatalf("step after reset: %v", err)
	}
}

func TestManualSnapshot(t *testing.T) {
	s := startScheduler(t, Config{Seed: 1}, walkFactory("walkers"), t.TempDir())
	ctx := context.Background()

	if _, err := s.Step(ctx, 12); err != nil {
		t.Fatalf("step: %v", err)
	}
	info, err := s.CreateSnapshot(ctx, "before shock")
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if info.Tick != 12 || !info.Manual || info.Description != "before shock" {
		t.Fatalf("snapshot info = %+v", info)
	}

	list, err := s.Store().List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Tick != 12 {
		t.Fatalf("list = %+v", list)
	}
}

func TestResetKeepsSnapshots(t *testing.T) {
	s := startScheduler(t, Config{Seed: 1, SnapshotEveryTicks: 5}, walkFactory("walkers"), t.TempDir())
	ctx := context.Background()

	if _, err := s.Step(ctx, 10); err != nil {
		t.Fatalf("step: %v", err)
	}
	if _, err := s.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	list, err := s.Store().List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("snapshots after reset = %d, want 2", len(list))
	}
}
