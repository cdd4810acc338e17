package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/engramkit/engram/archive"
	"github.com/engramkit/engram/config"
	"github.com/engramkit/engram/consolidate"
	"github.com/engramkit/engram/events"
	"github.com/engramkit/engram/graph"
	engramlogger "github.com/engramkit/engram/logger"
	"github.com/engramkit/engram/migrations"
	"github.com/engramkit/engram/prefs"
	"github.com/engramkit/engram/runtime"
	"github.com/engramkit/engram/snapshot"
	"github.com/engramkit/engram/worker"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath     = flag.String("config", config.GetServerConfigPath(), "Path to config file")
		dbPath         = flag.String("db", "", "Path to SQLite database file (overrides config)")
		migrationsPath = flag.String("migrations", "./migrations", "Path to migration files")
		logFile        = flag.String("logfile", "", "Path to log file. If not set, logs to stdout")
		pretty         = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
		poll           = flag.Duration("poll", 0, "Scheduler poll interval (overrides config)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	appConfig, err := config.LoadServerConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Flags take precedence over the config file.
	if *logFile == "" {
		*logFile = appConfig.Log.File
	}
	if appConfig.Log.Pretty {
		*pretty = *logFile == ""
	}
	if *dbPath == "" {
		*dbPath = appConfig.DB
	}
	if *poll <= 0 {
		*poll = appConfig.PollInterval
	}

	logger, err := engramlogger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().
		Str("config", *configPath).
		Str("db", *dbPath).
		Dur("poll", *poll).
		Int("agents", len(appConfig.Agents)).
		Msg("engramd starting")

	// ---------------------------
	// 1. Open SQLite + migrations
	// ---------------------------

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.RunMigrations(db, *migrationsPath, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// ---------------------------
	// 2. Wire collaborators: archive sink, snapshot backend, events
	// ---------------------------

	archiveStore := archive.NewSQLiteStore(db, logger)
	backend := snapshot.NewSQLiteBackend(db, logger)

	// Events go straight to the log. With an event buffer configured they
	// pass through a channel first, decoupling workers from log writes.
	logEmitter := events.NewLogEmitter(logger)
	var emitter events.Emitter = logEmitter
	if appConfig.EventBuffer > 0 {
		chanEmitter := events.NewChanEmitter(appConfig.EventBuffer, logger)
		emitter = chanEmitter
		go func() {
			for ev := range chanEmitter.Events() {
				logEmitter.Emit(ev)
			}
		}()
	}

	engineOpts := []consolidate.EngineOption{consolidate.WithEventEmitter(emitter)}
	if !appConfig.Defaults.ArchiveDisabled {
		engineOpts = append(engineOpts, consolidate.WithArchiveSink(archiveStore))
	} else {
		logger.Warn().Msg("archiving disabled: nodes will be removed without archive records")
	}
	engine := consolidate.NewEngine(logger, engineOpts...)

	// ---------------------------
	// 3. Registry + configured agents
	// ---------------------------

	registry := worker.NewRegistry(engine, backend, logger)
	scheduler := runtime.NewScheduler(registry, *poll, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for id, agentCfg := range appConfig.Agents {
		if agentCfg == nil || agentCfg.Disabled {
			logger.Info().Str("agent_id", id).Msg("agent disabled, skipping")
			continue
		}
		opts, err := startOptionsFor(id, agentCfg, appConfig.Defaults)
		if err != nil {
			return fmt.Errorf("invalid config for agent %q: %w", id, err)
		}
		if _, err := registry.Start(ctx, id, opts); err != nil {
			return fmt.Errorf("failed to start worker for agent %q: %w", id, err)
		}
		if agentCfg.Schedule != "" {
			if err := scheduler.SetSchedule(id, agentCfg.Schedule); err != nil {
				return fmt.Errorf("invalid schedule for agent %q: %w", id, err)
			}
		}
	}

	// ---------------------------
	// 4. Run until signalled
	// ---------------------------

	go scheduler.Start(ctx)

	<-ctx.Done()
	logger.Info().Msg("engramd shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	registry.StopAll(stopCtx)

	logger.Info().Msg("engramd stopped")
	return nil
}

// startOptionsFor translates an agent's config entry into worker start
// options: trust tier, preference seed, and graph config.
func startOptionsFor(id string, agentCfg *config.AgentConfig, defaults config.ConsolidationDefaults) (worker.StartOptions, error) {
	p := prefs.New(id)
	if agentCfg.DecayRate > 0 {
		p.DecayRate = agentCfg.DecayRate
	} else if defaults.DecayRate > 0 {
		p.DecayRate = defaults.DecayRate
	}
	if agentCfg.MaxPins > 0 {
		p.MaxPins = agentCfg.MaxPins
	}
	if defaults.MinInterval > 0 {
		p.ConsolidationInterval = defaults.MinInterval
	}
	for typ, quota := range agentCfg.TypeQuotas {
		nodeType := graph.NodeType(typ)
		if !nodeType.Valid() {
			return worker.StartOptions{}, fmt.Errorf("unknown node type %q in type_quotas", typ)
		}
		p.TypeQuotas[nodeType] = quota
	}

	tier := prefs.Tier(agentCfg.Tier)
	if agentCfg.Tier == "" {
		tier = prefs.TierTrusted
	}
	if !tier.Valid() {
		return worker.StartOptions{}, fmt.Errorf("unknown trust tier %q", agentCfg.Tier)
	}

	graphCfg := graph.Config{MaxNodesPerType: defaults.MaxNodesPerType}
	baseOpts := baseOptionsFor(defaults)

	return worker.StartOptions{
		Tier:        tier,
		Prefs:       &p,
		GraphConfig: &graphCfg,
		BaseOptions: &baseOpts,
	}, nil
}

// baseOptionsFor maps the configured consolidation defaults onto cycle
// options. Unset fields keep the documented defaults.
func baseOptionsFor(defaults config.ConsolidationDefaults) consolidate.Options {
	opts := consolidate.DefaultOptions()
	if defaults.DecayRate > 0 {
		opts.DecayRate = defaults.DecayRate
	}
	if defaults.DecayCurve != "" {
		opts.DecayCurve = graph.DecayCurve(defaults.DecayCurve)
	}
	if defaults.PruneThreshold > 0 {
		opts.PruneThreshold = defaults.PruneThreshold
	}
	if defaults.ReinforceWindow > 0 {
		opts.ReinforceWindow = defaults.ReinforceWindow
	}
	if defaults.ReinforceBoost > 0 {
		opts.ReinforceBoost = defaults.ReinforceBoost
	}
	if defaults.SizeThreshold > 0 {
		opts.SizeThreshold = defaults.SizeThreshold
	}
	if defaults.MinInterval > 0 {
		opts.MinInterval = defaults.MinInterval
	}
	opts.ArchiveEnabled = !defaults.ArchiveDisabled
	return opts
}
