// Command cavesim runs the cave survival simulation: a handful of language
// model agents share a shrinking daily supply until rescue arrives.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/pflag"

	"github.com/talgya/cavesim/internal/agents"
	"github.com/talgya/cavesim/internal/api"
	"github.com/talgya/cavesim/internal/config"
	"github.com/talgya/cavesim/internal/engine"
	"github.com/talgya/cavesim/internal/llm"
	"github.com/talgya/cavesim/internal/persistence"
	"github.com/talgya/cavesim/internal/resources"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "configs/cave.yaml", "path to the run configuration (YAML)")
		port       = pflag.Int("port", 0, "HTTP API port (overrides api.port)")
		dbPath     = pflag.String("db", "", "SQLite archive path (overrides archive.db_path)")
		eventsDir  = pflag.String("events-dir", "", "event log directory (overrides archive.events_dir)")
		seed       = pflag.Int64("seed", 0, "random seed (overrides simulation.seed)")
		logLevel   = pflag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level %q\n", *logLevel)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("port") {
		cfg.API.Port = *port
	}
	if *dbPath != "" {
		cfg.Archive.DBPath = *dbPath
	}
	if *eventsDir != "" {
		cfg.Archive.EventsDir = *eventsDir
	}
	if pflag.CommandLine.Changed("seed") {
		cfg.Simulation.Seed = *seed
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid flags", "error", err)
		os.Exit(1)
	}
	if cfg.Simulation.Seed == 0 {
		cfg.Simulation.Seed = time.Now().UnixNano()
	}

	runID := ulid.Make().String()
	sc := cfg.Simulation
	slog.Info("cavesim starting",
		"run", runID,
		"agents", len(cfg.Agents),
		"days", sc.TotalDays,
		"ticks_per_day", sc.TicksPerDay,
		"seed", sc.Seed,
	)

	// ── Oracle ────────────────────────────────────────────────────────
	var oracle agents.Oracle
	if client := llm.NewClient(cfg.LLMClientConfig()); client != nil {
		oracle = client
		slog.Info("LLM client enabled", "provider", cfg.LLM.Provider)
	} else {
		slog.Warn("no LLM API key; agents will stay silent", "env", config.EnvLLMAPIKey)
	}

	// ── Simulation ────────────────────────────────────────────────────
	schedule := resources.NewSchedule(len(cfg.Agents), sc.TotalDays, sc.MinSurvivors, rand.New(rand.NewSource(sc.Seed)))
	sim := engine.NewSimulation(engine.Options{
		TotalDays:    sc.TotalDays,
		TicksPerDay:  sc.TicksPerDay,
		TickInterval: sc.TickInterval,
		EatAfterTick: sc.EatAfterTick,
		Seed:         sc.Seed + 1,
	}, cfg.Agents, oracle, schedule)
	eng := engine.NewEngine(sim)
	eng.IdleWait = sc.IdleWait

	// ── Archive ───────────────────────────────────────────────────────
	var db *persistence.DB
	if cfg.Archive.DBPath != "" {
		db, err = persistence.Open(cfg.Archive.DBPath)
		if err != nil {
			slog.Error("failed to open database", "path", cfg.Archive.DBPath, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		slog.Info("database opened", "path", cfg.Archive.DBPath)
		for k, v := range map[string]string{
			"run_id":     runID,
			"seed":       strconv.FormatInt(sc.Seed, 10),
			"total_days": strconv.Itoa(sc.TotalDays),
			"started_at": time.Now().UTC().Format(time.RFC3339),
		} {
			if err := db.SaveMeta(k, v); err != nil {
				slog.Error("failed to save run metadata", "key", k, "error", err)
			}
		}
		eng.OnDay = func(day int) {
			if err := db.SaveDay(sim, day); err != nil {
				slog.Error("day save failed", "day", day, "error", err)
				return
			}
			slog.Info("day archived", "day", day)
		}
	}

	var eventLog *persistence.EventLog
	if cfg.Archive.EventsDir != "" {
		eventLog = persistence.NewEventLog(filepath.Join(cfg.Archive.EventsDir, runID))
	}
	rec := &persistence.Recorder{DB: db, Log: eventLog}
	events, unsubscribe := sim.Bus.Subscribe(1024)
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		rec.Run(context.Background(), events)
	}()

	// ── HTTP API ──────────────────────────────────────────────────────
	srv := api.NewServer(sim, eng, cfg.API.Port, cfg.API.AdminKey)
	srv.Start()

	// ── Run until rescue or signal ────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eng.Run(ctx)
	if ctx.Err() != nil {
		slog.Info("received signal, shutting down")
	}

	// Closing the subscription lets the recorder finish the queued events.
	unsubscribe()
	<-recDone
	if eventLog != nil {
		if err := eventLog.Close(); err != nil {
			slog.Error("event log close failed", "error", err)
		}
	}
	if db != nil {
		if err := db.SaveFinal(sim); err != nil {
			slog.Error("final save failed", "error", err)
		}
		if err := db.SaveMeta("finished_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
			slog.Error("failed to save run metadata", "key", "finished_at", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	slog.Info("cavesim stopped", "run", runID)
}
