package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"econsim.ai/internal/persistence/eventlog"
	"econsim.ai/internal/persistence/snapshot"
	"econsim.ai/internal/protocol"
	"econsim.ai/internal/sim/bus"
	"econsim.ai/internal/sim/engine"
	"econsim.ai/internal/sim/rng"
	"econsim.ai/internal/sim/scenario"
	"econsim.ai/internal/transport/httpapi"
	"econsim.ai/internal/transport/ws"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		scenarioPath = flag.String("scenario", "", "scenario yaml path (empty: built-in baseline)")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		resume       = flag.Bool("resume", true, "restore the latest snapshot on start if present")
		disableLog   = flag.Bool("disable_eventlog", false, "disable the durable event journal")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	sc := scenario.Default()
	if strings.TrimSpace(*scenarioPath) != "" {
		var err error
		sc, err = scenario.Load(*scenarioPath)
		if err != nil {
			logger.Fatalf("load scenario: %v", err)
		}
		logger.Printf("scenario loaded: %s (seed=%d)", sc.Description, sc.Seed)
	}

	_ = os.MkdirAll(*dataDir, 0o755)
	store, err := snapshot.Open(filepath.Join(*dataDir, "snapshots"))
	if err != nil {
		logger.Fatalf("open snapshot store: %v", err)
	}
	defer store.Close()

	eventBus := bus.New(1024)

	sched, err := engine.New(engine.Config{
		Seed:               sc.Seed,
		TickRateHz:         sc.TickRateHz,
		SnapshotEveryTicks: sc.Snapshot.EveryTicks,
		SnapshotKeep:       sc.Snapshot.Keep,
	}, engine.Deps{
		Log:    logger,
		Rng:    rng.New(sc.Seed),
		Bus:    eventBus,
		Store:  store,
		Groups: sc.Groups,
	})
	if err != nil {
		logger.Fatalf("scheduler: %v", err)
	}

	if *resume {
		tick, ok, err := sched.ResumeLatest()
		if err != nil {
			logger.Fatalf("resume from snapshot: %v", err)
		}
		if ok {
			logger.Printf("resumed from snapshot tick=%d", tick)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Event journal: an ordinary bus subscriber, so a slow disk can never
	// stall the tick loop.
	if !*disableLog {
		journal := eventlog.NewEventLogger(*dataDir)
		defer journal.Close()
		id, events := eventBus.Subscribe(bus.TopicAll, 1024)
		defer eventBus.Unsubscribe(id)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if err := journal.WriteEvent(ev); err != nil {
						logger.Printf("event journal: %v", err)
					}
				}
			}
		}()
	}

	go func() {
		if err := sched.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("scheduler stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		st := sched.Status()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP econsim_tick Current simulation tick.\n")
		fmt.Fprintf(rw, "# TYPE econsim_tick gauge\n")
		fmt.Fprintf(rw, "econsim_tick %d\n", st.CurrentTick)

		fmt.Fprintf(rw, "# HELP econsim_agents Total agents across all groups.\n")
		fmt.Fprintf(rw, "# TYPE econsim_agents gauge\n")
		fmt.Fprintf(rw, "econsim_agents %d\n", st.TotalAgents)

		fmt.Fprintf(rw, "# HELP econsim_state Scheduler state (one-hot).\n")
		fmt.Fprintf(rw, "# TYPE econsim_state gauge\n")
		for _, state := range []string{protocol.StateStopped, protocol.StateRunning, protocol.StatePaused, protocol.StateFaulted} {
			v := 0
			if st.State == state {
				v = 1
			}
			fmt.Fprintf(rw, "econsim_state{state=%q} %d\n", state, v)
		}

		fmt.Fprintf(rw, "# HELP econsim_ticks_per_second Recent tick throughput.\n")
		fmt.Fprintf(rw, "# TYPE econsim_ticks_per_second gauge\n")
		fmt.Fprintf(rw, "econsim_ticks_per_second %.3f\n", st.TicksPerSecond)

		fmt.Fprintf(rw, "# HELP econsim_memory_bytes Heap in use.\n")
		fmt.Fprintf(rw, "# TYPE econsim_memory_bytes gauge\n")
		fmt.Fprintf(rw, "econsim_memory_bytes %d\n", st.MemoryBytes)
	})
	if envBool("ECONSIM_ENABLE_PPROF", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	httpapi.NewServer(sched, logger).Register(mux)
	mux.HandleFunc("/v1/ws", ws.NewServer(eventBus, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
