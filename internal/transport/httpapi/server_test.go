package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"econsim.ai/internal/persistence/snapshot"
	"econsim.ai/internal/protocol"
	"econsim.ai/internal/sim/bus"
	"econsim.ai/internal/sim/engine"
	"econsim.ai/internal/sim/rng"
	"econsim.ai/internal/sim/scenario"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	sc := scenario.Default()
	sc.Population.Count = 40
	sc.Firms.Count = 5
	sc.Banks.Count = 2
	sc.Snapshot.EveryTicks = 10

	store, err := snapshot.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sched, err := engine.New(engine.Config{
		Seed:               sc.Seed,
		TickRateHz:         sc.TickRateHz,
		SnapshotEveryTicks: sc.Snapshot.EveryTicks,
		SnapshotKeep:       sc.Snapshot.Keep,
	}, engine.Deps{
		Rng:    rng.New(sc.Seed),
		Bus:    bus.New(256),
		Store:  store,
		Groups: sc.Groups,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go sched.Run(ctx)
	t.Cleanup(cancel)

	mux := http.NewServeMux()
	NewServer(sched, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := srv.Client().Post(srv.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/api/control/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	st := decode[protocol.SimulationStatus](t, resp)
	if st.State != protocol.StateStopped || st.CurrentTick != 0 {
		t.Fatalf("status = %+v", st)
	}
	if st.TotalAgents != 40+5+2+1+1 {
		t.Fatalf("total agents = %d", st.TotalAgents)
	}
}

func TestStepAndStatus(t *testing.T) {
	srv := newTestServer(t)
	resp := post(t, srv, "/api/control/step", protocol.StepRequest{Steps: 7})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step status = %d", resp.StatusCode)
	}
	st := decode[protocol.SimulationStatus](t, resp)
	if st.CurrentTick != 7 {
		t.Fatalf("tick = %d, want 7", st.CurrentTick)
	}
}

func TestControlErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad speed", "/api/control/play", protocol.PlayRequest{Speed: -1}, http.StatusBadRequest, protocol.ErrValidation},
		{"speed while stopped", "/api/control/speed", protocol.SpeedRequest{Speed: 2}, http.StatusConflict, protocol.ErrInvalidTransition},
		{"rewind forward", "/api/control/rewind", protocol.RewindRequest{TargetTick: 100}, http.StatusConflict, protocol.ErrInvalidTransition},
		{"malformed body", "/api/control/jump", map[string]any{"bogus": true}, http.StatusBadRequest, protocol.ErrBadRequest},
	}
	for _, tc := range cases {
		resp := post(t, srv, tc.path, tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.status)
		}
		errResp := decode[protocol.ErrorResponse](t, resp)
		if errResp.Code != tc.code {
			t.Fatalf("%s: code = %s, want %s", tc.name, errResp.Code, tc.code)
		}
	}
}

func TestSnapshotSurface(t *testing.T) {
	srv := newTestServer(t)

	if resp := post(t, srv, "/api/control/step", protocol.StepRequest{Steps: 10}); resp.StatusCode != http.StatusOK {
		t.Fatalf("step status = %d", resp.StatusCode)
	}

	// Auto snapshot at tick 10 plus one manual.
	resp := post(t, srv, "/api/snapshots", protocol.SnapshotCreateRequest{Description: "manual at 10"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[protocol.SnapshotInfo](t, resp)
	if created.Tick != 10 || !created.Manual || created.Description != "manual at 10" {
		t.Fatalf("created = %+v", created)
	}

	listResp, err := srv.Client().Get(srv.URL + "/api/snapshots")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	list := decode[[]protocol.SnapshotInfo](t, listResp)
	// The manual snapshot overwrote the automatic one at the same tick.
	if len(list) != 1 || list[0].Tick != 10 {
		t.Fatalf("list = %+v", list)
	}

	getResp, err := srv.Client().Get(srv.URL + "/api/snapshots/10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
	got := decode[protocol.SnapshotInfo](t, getResp)
	if got.Hash == "" || got.Size == 0 {
		t.Fatalf("snapshot info = %+v", got)
	}

	missing, err := srv.Client().Get(srv.URL + "/api/snapshots/999")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d", missing.StatusCode)
	}
	errResp := decode[protocol.ErrorResponse](t, missing)
	if errResp.Code != protocol.ErrSnapshotNotFound {
		t.Fatalf("missing code = %s", errResp.Code)
	}

	dlResp, err := srv.Client().Get(srv.URL + "/api/snapshots/10/download")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dlResp.StatusCode)
	}
	if ct := dlResp.Header.Get("Content-Type"); ct != "application/zstd" {
		t.Fatalf("download content type = %s", ct)
	}

	statsResp, err := srv.Client().Get(srv.URL + "/api/snapshots/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	stats := decode[protocol.SnapshotStats](t, statsResp)
	if stats.TotalSnapshots != 1 || stats.TotalSize == 0 {
		t.Fatalf("stats = %+v", stats)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/snapshots/10", nil)
	if err != nil {
		t.Fatalf("delete request: %v", err)
	}
	delResp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}
}

func TestSnapshotCleanupEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// Snapshots at ticks 10..50.
	if resp := post(t, srv, "/api/control/step", protocol.StepRequest{Steps: 50}); resp.StatusCode != http.StatusOK {
		t.Fatalf("step status = %d", resp.StatusCode)
	}
	resp := post(t, srv, "/api/snapshots/cleanup", protocol.SnapshotCleanupRequest{Keep: 2})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup status = %d", resp.StatusCode)
	}
	out := decode[map[string]int](t, resp)
	if out["removed"] != 3 {
		t.Fatalf("removed = %d, want 3", out["removed"])
	}

	if resp := post(t, srv, "/api/snapshots/cleanup", protocol.SnapshotCleanupRequest{Keep: 0}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("cleanup keep=0 status = %d", resp.StatusCode)
	}
}

func TestEventsRecentEndpoint(t *testing.T) {
	srv := newTestServer(t)

	if resp := post(t, srv, "/api/control/step", protocol.StepRequest{Steps: 5}); resp.StatusCode != http.StatusOK {
		t.Fatalf("step status = %d", resp.StatusCode)
	}
	resp, err := srv.Client().Get(srv.URL + fmt.Sprintf("/api/events/recent?topic=%s&limit=3", protocol.EventMarketIndicators))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	events := decode[[]protocol.Event](t, resp)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Type != protocol.EventMarketIndicators {
			t.Fatalf("event %d type = %s", i, ev.Type)
		}
	}
	if events[0].Tick >= events[2].Tick {
		t.Fatalf("events not oldest-first: %d, %d", events[0].Tick, events[2].Tick)
	}

	bad, err := srv.Client().Get(srv.URL + "/api/events/recent?limit=nope")
	if err != nil {
		t.Fatalf("bad limit: %v", err)
	}
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", bad.StatusCode)
	}
}
