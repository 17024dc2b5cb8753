package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/opencurator/opencurator/pkg/artifacts"
	"github.com/opencurator/opencurator/pkg/config"
	"github.com/opencurator/opencurator/pkg/engine"
	"github.com/opencurator/opencurator/pkg/executor"
	"github.com/opencurator/opencurator/pkg/policy"
	"github.com/opencurator/opencurator/pkg/stores"
	"github.com/opencurator/opencurator/pkg/telemetry"
)

// runtime wires the engine together from the config file. Every command
// that touches the store goes through one of these.
type runtime struct {
	cfg     *config.Config
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	store      *stores.SQLiteStore
	machine    *engine.Machine
	validator  *engine.Validator
	gateway    *engine.Gateway
	reconciler *engine.Reconciler
	recovery   *engine.Recovery
	officer    *engine.Officer
	spool      *executor.SpoolClient

	closers []func() error
}

// newRuntime loads the configuration and constructs the full engine.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Telemetry.LogLevel
	if verbose {
		level = "debug"
	}
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  level,
		Format: cfg.Telemetry.LogFormat,
		Output: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       cfg.Telemetry.MetricsEnabled,
		ListenAddress: cfg.Telemetry.MetricsAddress,
		Path:          "/metrics",
		Namespace:     "curator",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      cfg.Telemetry.TracingEnabled,
		Exporter:     cfg.Telemetry.TracingExporter,
		Endpoint:     cfg.Telemetry.TracingEndpoint,
		SamplingRate: cfg.Telemetry.TracingSampling,
		Insecure:     true,
	}, "curator", buildVersion, "production")
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	rt := &runtime{cfg: cfg, log: log, metrics: metrics, tracer: tracer}
	rt.closers = append(rt.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracer.Shutdown(shutdownCtx)
	})

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, store.Close)
	if err := store.Migrate(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = store

	artifactStore, err := rt.buildArtifactStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var sink engine.EvidenceSink
	if cfg.Evidence.Root != "" {
		localSink, err := artifacts.NewLocalEvidenceSink(cfg.Evidence.Root)
		if err != nil {
			rt.Close()
			return nil, err
		}
		sink = localSink
	}

	spool, err := executor.NewSpoolClient(cfg.Executor.OutboxDir, cfg.Executor.StatusDir)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.spool = spool

	gate, err := policy.NewEngine(log)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := gate.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			rt.Close()
			return nil, err
		}
	}

	rt.machine = engine.NewMachine(store, log, metrics)
	rt.validator = engine.NewValidator(store, artifactStore)
	rt.gateway = engine.NewGateway(store, spool, gate, cfg.Sweep.MaxRunningIntensive, log, metrics)
	rt.reconciler = engine.NewReconciler(store, artifactStore, sink, log, metrics)
	rt.recovery = engine.NewRecovery(store, rt.machine, log, metrics)
	rt.officer = engine.NewOfficer(store, rt.machine, rt.validator, rt.gateway, rt.reconciler, rt.recovery, log, metrics, engine.OfficerOptions{
		MaxParallel: cfg.Sweep.MaxParallel,
		StuckFactor: cfg.Sweep.StuckFactor,
	})

	return rt, nil
}

func (rt *runtime) buildArtifactStore(ctx context.Context) (engine.ArtifactStore, error) {
	switch rt.cfg.Artifacts.Backend {
	case "sftp":
		sftpStore, err := artifacts.NewSFTPStore(artifacts.SFTPConfig{
			Host:           rt.cfg.Artifacts.SFTP.Host,
			Port:           rt.cfg.Artifacts.SFTP.Port,
			User:           rt.cfg.Artifacts.SFTP.User,
			KeyFile:        rt.cfg.Artifacts.SFTP.KeyFile,
			KnownHostsFile: rt.cfg.Artifacts.SFTP.KnownHostsFile,
			Root:           rt.cfg.Artifacts.SFTP.Root,
		})
		if err != nil {
			return nil, err
		}
		if err := sftpStore.Connect(ctx); err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, sftpStore.Close)
		return sftpStore, nil
	default:
		return artifacts.NewLocalStore(rt.cfg.Artifacts.Root)
	}
}

// sweep runs one officer cycle inside a trace span.
func (rt *runtime) sweep(ctx context.Context) (*engine.CycleReport, error) {
	ctx, span := rt.tracer.StartSpan(ctx, "officer.sweep")
	defer span.End()

	report, err := rt.officer.Sweep(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(telemetry.AttrSweepID.String(report.SweepID))
	telemetry.RecordSuccess(span)
	return report, nil
}

// Close releases everything the runtime opened, last first.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i]()
	}
}
