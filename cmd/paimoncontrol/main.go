package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PaimonControl/internal/alert"
	"PaimonControl/internal/approval"
	"PaimonControl/internal/chain"
	"PaimonControl/internal/checkpoint"
	"PaimonControl/internal/config"
	"PaimonControl/internal/dispatch"
	"PaimonControl/internal/event"
	"PaimonControl/internal/ingest"
	fpmath "PaimonControl/internal/math"
	"PaimonControl/internal/observability"
	"PaimonControl/internal/persistence"
	"PaimonControl/internal/projection"
	"PaimonControl/internal/query"
	"PaimonControl/internal/rebalance"
	"PaimonControl/internal/report"
	"PaimonControl/internal/risk"
	"PaimonControl/internal/server"
	"PaimonControl/internal/state"
	"PaimonControl/internal/tasks"
)

// build is set by the linker.
var build = "develop"

// In-memory dedup tier capacity and how much of the durable tier is
// preloaded into it at startup.
const (
	dedupCapacity = 1 << 18
	dedupWarmRows = 50_000
)

func main() {
	log := observability.NewLogger("paimoncontrol")

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run(log zerolog.Logger) error {
	cfg, help, err := config.Parse(build)
	if err != nil {
		if errors.Is(err, config.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return err
	}

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("loading policy %s: %w", cfg.PolicyPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	log.Info().Str("build", build).Str("vault", cfg.Chain.VaultAddress).Msg("starting")

	// --- Postgres ---
	db, err := persistence.Open(ctx, persistence.DBConfig{
		DSN:              cfg.DB.DSN,
		MaxOpenConns:     cfg.DB.MaxOpenConns,
		MaxIdleConns:     cfg.DB.MaxIdleConns,
		StatementTimeout: cfg.DB.StatementTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening postgres: %w", err)
	}
	defer db.Close()

	if err := persistence.NewMigrator(db, cfg.DB.MigrationsDir, log).Up(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	health.SetReady("postgres", true)

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	health.SetReady("redis", true)

	// --- NATS / alert stream ---
	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connecting nats: %w", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("creating jetstream context: %w", err)
	}
	if err := alert.EnsureAlertStream(ctx, js); err != nil {
		return fmt.Errorf("ensuring alert stream: %w", err)
	}
	alerts := alert.NewBus(js, cfg.Risk.AlertCooldown, metrics, log)
	defer alerts.Close()
	health.SetReady("nats", true)

	// --- Chain ---
	client, err := chain.Dial(ctx, cfg.Chain.RpcURL, cfg.Chain.RpcTimeout, metrics, log)
	if err != nil {
		return fmt.Errorf("dialing chain rpc: %w", err)
	}
	defer client.Close()

	keyring, err := chain.NewKeyring(chain.KeyringConfig{
		AdminKey:      cfg.Signer.AdminKey,
		VipKey:        cfg.Signer.VipKey,
		RebalancerKey: cfg.Signer.RebalancerKey,
		MaxPerTx:      fpmath.BaseUnits(cfg.Signer.MaxPerTx),
		MaxDaily:      fpmath.BaseUnits(cfg.Signer.MaxDaily),
	})
	if err != nil {
		return fmt.Errorf("building keyring: %w", err)
	}
	sender := chain.NewSender(client, keyring, cfg.Chain.ChainID, cfg.Chain.Confirmations, cfg.Chain.SendTimeout, metrics, log)
	vault := common.HexToAddress(cfg.Chain.VaultAddress)
	health.SetReady("chain", true)

	// --- Stores ---
	funds := projection.NewFundStore(db, vault)
	redemptions := projection.NewRedemptionStore(db)
	assets := projection.NewAssetStore(db)
	navs := projection.NewNavStore(db)
	liabilities := projection.NewDailyLiabilityStore(db)
	flows := projection.NewFlowStore(db)
	tickets := approval.NewTicketStore(db)
	plans := rebalance.NewPlanStore(db)
	snapshots := risk.NewSnapshotStore(db)
	riskEvents := risk.NewEventStore(db)
	incidents := risk.NewIncidentStore(db)
	forecasts := risk.NewForecastStore(db)
	processed := dispatch.NewProcessedStore(db)
	audit := dispatch.NewAuditWriter(db)
	checkpoints := checkpoint.NewStore(db)
	leases := checkpoint.NewLeaseStore(db)

	// --- Task runtime ---
	journal, err := tasks.OpenJournal(cfg.Tasks.JournalDir, metrics)
	if err != nil {
		return fmt.Errorf("opening task journal: %w", err)
	}
	defer journal.Close()

	results := tasks.NewResultStore(rdb, cfg.Tasks.ResultTTL, log)
	runner := tasks.NewRunner(journal, results, tasks.RunnerConfig{
		Workers:    cfg.Tasks.Workers,
		MaxRetries: cfg.Tasks.MaxRetries,
		BaseDelay:  cfg.Tasks.RetryDelayBase,
		CapDelay:   cfg.Tasks.RetryDelayCap,
	}, metrics, log)

	// --- Approval ---
	gate := risk.NewGate()
	rules, err := approval.CompileRules(policy.Rules)
	if err != nil {
		return fmt.Errorf("compiling approval rules: %w", err)
	}
	resultProc := approval.NewResultProcessor(tickets, log)
	engine := approval.NewEngine(approval.EngineConfig{
		DB:          db,
		Tickets:     tickets,
		Redemptions: redemptions,
		Rules:       rules,
		Directory:   approval.NewDirectory(policy.Approvers),
		Journal:     journal,
		Results:     resultProc,
		Audit:       audit,
		Gate:        gate,
		Alerts:      alerts,
		Metrics:     metrics,
		Log:         log,
	})
	sla := approval.NewSLAMonitor(engine, tickets, alerts, metrics, log)

	// --- Rebalance ---
	limits := rebalance.LimitsFromConfig(&cfg)
	planner := rebalance.NewPlanner(funds, assets, redemptions, policy, limits, log)
	simulator := rebalance.NewSimulator(sender, vault, limits, metrics, log)
	executor := rebalance.NewExecutor(rebalance.ExecutorConfig{
		Plans:      plans,
		Funds:      funds,
		Sender:     sender,
		Vault:      vault,
		Limits:     limits,
		Alerts:     alerts,
		Drift:      rebalance.NopDriftSink{},
		Metrics:    metrics,
		Log:        log,
		MaxRetries: cfg.Tasks.MaxRetries,
		RetryBase:  cfg.Tasks.RetryDelayBase,
	})
	evaluator := rebalance.NewEvaluator(funds, policy, log)
	rebalanceSvc := rebalance.NewService(rebalance.ServiceConfig{
		DB:        db,
		Plans:     plans,
		Planner:   planner,
		Simulator: simulator,
		Executor:  executor,
		Evaluator: evaluator,
		Approvals: engine,
		Journal:   journal,
		Alerts:    alerts,
		Metrics:   metrics,
		Log:       log,
	})

	resultProc.RegisterExecutor(state.ReferenceRedemption, approval.NewRedemptionExecutor(sender, vault, redemptions, log))
	resultProc.RegisterExecutor(state.ReferencePlan, rebalance.NewPlanExecutor(rebalanceSvc, log))

	// --- Risk ---
	driver := risk.NewDriver(risk.DriverConfig{
		Incidents:  incidents,
		Snapshots:  snapshots,
		Events:     riskEvents,
		Funds:      funds,
		Sender:     sender,
		Vault:      vault,
		Leases:     leases,
		Journal:    journal,
		Rebalance:  rebalanceSvc,
		Alerts:     alerts,
		Metrics:    metrics,
		WatchEvery: cfg.Risk.RecoveryInterval,
		LeaseTTL:   cfg.Lease.TTL,
		Log:        log,
	})
	riskEngine := risk.NewEngine(risk.EngineConfig{
		Funds:       funds,
		Assets:      assets,
		Nav:         navs,
		Redemptions: redemptions,
		Snapshots:   snapshots,
		Events:      riskEvents,
		Policy:      policy,
		Gate:        gate,
		Rebalance:   rebalanceSvc,
		Emergency:   driver,
		Journal:     journal,
		Alerts:      alerts,
		Metrics:     metrics,
		Log:         log,
	})
	forecaster := risk.NewForecaster(risk.ForecastConfig{
		Funds:       funds,
		Redemptions: redemptions,
		Flows:       flows,
		Store:       forecasts,
		Rebalance:   rebalanceSvc,
		Alerts:      alerts,
		Trials:      cfg.Risk.MonteCarloTrials,
		Metrics:     metrics,
		Log:         log,
	})

	// --- Dispatch ---
	order := dispatch.NewOrderValidator(metrics)
	handlers := dispatch.NewHandlers(dispatch.HandlersConfig{
		DB:          db,
		Processed:   processed,
		Audit:       audit,
		Fund:        funds,
		Redemptions: redemptions,
		Nav:         navs,
		Liabilities: liabilities,
		Assets:      assets,
		Flows:       flows,
		Approval:    engine,
		Risk:        riskEngine,
		Metrics:     metrics,
		Log:         log,
	})
	dispatcher := dispatch.NewDispatcher(handlers, order, metrics, log)

	// --- Task handler registry ---
	runner.Register(tasks.TypeRiskSnapshot, riskEngine.HandleSnapshotTask)
	runner.Register(tasks.TypeRiskForecast, forecaster.HandleForecastTask)
	runner.Register(tasks.TypeEmergencyWatch, driver.HandleWatchTask)
	runner.Register(tasks.TypeIncidentReport, driver.HandleReportTask)
	runner.Register(tasks.TypeLiquidityCheck, rebalanceSvc.HandleLiquidityCheck)
	runner.Register(tasks.TypeDeviationCheck, rebalanceSvc.HandleDeviationCheck)
	runner.Register(tasks.TypeExecutePlan, rebalanceSvc.HandleExecuteTask)
	runner.Register(tasks.TypeApprovalResult, resultProc.HandleResult)
	sla.RegisterHandlers(runner)

	report.New(report.Config{
		Vault:             vault,
		Funds:             funds,
		Liabilities:       redemptions,
		Tickets:           tickets,
		Snapshots:         snapshots,
		Flows:             flows,
		Navs:              navs,
		Sender:            sender,
		SnapshotPruners:   []report.Pruner{snapshots, riskEvents, forecasts},
		FlowPruners:       []report.Pruner{flows},
		NavPruners:        []report.Pruner{navs},
		DedupPruner:       processed,
		SnapshotRetention: cfg.Retention.Snapshots,
		FlowRetention:     cfg.Retention.Flows,
		NavRetention:      cfg.Retention.Nav,
		DedupTTL:          cfg.Ingest.DedupTTL,
		OverdueDaysBack:   cfg.Risk.OverdueDaysBack,
		Alerts:            alerts,
		Log:               log,
	}).Register(runner)

	// --- Ingestion ---
	dedup := checkpoint.NewDeduper(dedupCapacity, rdb, processed, cfg.Ingest.DedupTTL, metrics, log)
	dedup.Warm(ctx, dedupWarmRows)

	// Fast-tier markers are written only once an event has cleared its
	// lane; until then the event_processed row is the sole dedup claim.
	dispatcher.SetOnHandled(func(env *event.Envelope) {
		dedup.Mark(ctx, env.Key())
	})

	ingestLease := checkpoint.NewLease(leases, "ingestor", cfg.Lease.RenewInterval, cfg.Lease.TTL, log)
	ingestor := ingest.New(ingest.Config{
		Contracts:      []common.Address{vault},
		GenesisBlock:   cfg.Chain.GenesisBlock,
		Confirmations:  cfg.Chain.Confirmations,
		PollInterval:   cfg.Ingest.PollInterval,
		BlockBatchSize: cfg.Ingest.BlockBatchSize,
		FlushEvents:    cfg.Ingest.FlushEvents,
		FlushInterval:  cfg.Ingest.FlushInterval,
		GetLogsRetries: cfg.Ingest.GetLogsRetries,
		Chain:          client,
		Checkpoints:    checkpoints,
		Dedup:          dedup,
		Sink:           dispatcher,
		Order:          order,
		Lease:          ingestLease,
		Alerts:         alerts,
		Metrics:        metrics,
		Log:            log,
	})
	subscriber := ingest.NewSubscriber(cfg.Chain.WsURL, []common.Address{vault}, cfg.Ingest.ReconnectBackoff, ingestor.Wake, metrics, log)

	// --- Scheduler (singleton, lease-guarded) ---
	scheduler := tasks.NewScheduler(journal, log)
	if err := scheduler.RegisterAll(); err != nil {
		return fmt.Errorf("registering schedule: %w", err)
	}
	schedulerLease := checkpoint.NewLease(leases, "scheduler", cfg.Lease.RenewInterval, cfg.Lease.TTL, log)

	// --- Query + HTTP surface ---
	queries := query.NewService(query.ServiceConfig{
		Funds:       funds,
		Redemptions: redemptions,
		Tickets:     tickets,
		Plans:       plans,
		Snapshots:   snapshots,
		Forecasts:   forecasts,
		Metrics:     metrics,
		Log:         log,
	})
	defer queries.Close()

	srv := server.New(server.Config{
		Addr:            cfg.Server.HTTPAddr,
		Vault:           vault,
		Tickets:         engine,
		Plans:           rebalanceSvc,
		Forecasts:       forecastTrigger{forecaster},
		Ingest:          ingestor,
		Queries:         queries,
		Idempotency:     server.NewRedisIdempotency(rdb, 0),
		Health:          health,
		Metrics:         metrics,
		Log:             log,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	// 1. Per-contract event dispatch
	g.Go(func() error { return dispatcher.Run(gctx) })

	// 2. Task workers
	g.Go(func() error { return runner.Run(gctx) })

	// 3. Confirmed-log poller (acquires the ingestor lease internally)
	g.Go(func() error { return ingestor.Run(gctx) })

	// 4. WS wake subscriber
	g.Go(func() error { return subscriber.Run(gctx) })

	// 5. Scheduler, cluster-wide singleton under its own lease
	g.Go(func() error {
		if err := schedulerLease.AcquireBlocking(gctx, cfg.Lease.RenewInterval); err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
		return schedulerLease.Keep(gctx)
	})

	// 6. HTTP command/query server
	g.Go(func() error { return srv.Run(gctx) })

	// 7. Prometheus metrics server
	g.Go(func() error { return runMetricsServer(gctx, cfg.Server.MetricsAddr, log) })

	health.SetReady("runtime", true)
	log.Info().
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Uint64("confirmations", cfg.Chain.Confirmations).
		Msg("control plane running")

	err = g.Wait()
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// forecastTrigger adapts the forecaster to the command surface, which only
// cares whether the run succeeded.
type forecastTrigger struct {
	f *risk.Forecaster
}

func (t forecastTrigger) Run(ctx context.Context) error {
	_, err := t.f.Run(ctx)
	return err
}

func runMetricsServer(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
