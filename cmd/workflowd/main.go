// Command workflowd runs the workflow engine's resident maintenance daemon:
// it validates the configured service definitions, opens the database, and
// runs the scheduled jobs (SLA breach sweep, audit chain verification).
// One-shot subcommands expose the same jobs to cron-style schedulers. The
// transition API itself is a library surface (pkg/engine) embedded by the
// route layer.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/audit"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/config"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/engine"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/jobs"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/observability"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/rules"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/sla"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/store"
	"github.com/vinaykumarvk/puda-workflow-engine/pkg/workflow"
)

func main() {
	os.Exit(run(os.Args, os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg := config.Load()
	observability.SetupLogging(cfg.LogLevel)

	cmd := "serve"
	if len(args) > 1 {
		cmd = args[1]
	}
	switch cmd {
	case "serve":
		return runServe(cfg, stderr)
	case "escalate-sla":
		return runOnce(cfg, stderr, func(ctx context.Context, app *application) error {
			return jobs.EscalateSLA(app.detector)(ctx)
		})
	case "verify-audit-chain":
		return runOnce(cfg, stderr, func(ctx context.Context, app *application) error {
			return jobs.VerifyAuditChain(app.verifier, app.metrics)(ctx)
		})
	case "migrate":
		// Wiring already migrates when MIGRATE is set; this just exits after.
		return runOnce(cfg, stderr, func(context.Context, *application) error { return nil })
	case "smoke":
		return runSmoke(cfg, stderr)
	case "help", "--help", "-h":
		printUsage(stderr)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: workflowd [serve|escalate-sla|verify-audit-chain|migrate|smoke]")
}

// application holds the wired daemon collaborators.
type application struct {
	db       *store.DB
	detector *sla.Detector
	verifier *audit.Verifier
	metrics  *observability.Metrics
	provider *observability.Provider
	logger   *slog.Logger
}

func wire(ctx context.Context, cfg *config.Config) (*application, error) {
	logger := observability.Logger("workflowd")

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.TelemetryEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.NewProvider(ctx, obsCfg)
	if err != nil {
		return nil, err
	}
	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	// Fail fast on broken configuration: every definition must validate and
	// every service's rules must compile before the daemon touches data.
	defs, err := workflow.LoadDir(cfg.ServicesDir)
	if err != nil {
		return nil, err
	}
	rulesEng, err := rules.New()
	if err != nil {
		return nil, err
	}
	if err := engine.RegisterRules(rulesEng, defs); err != nil {
		return nil, err
	}
	for _, key := range defs.Services() {
		def, _ := defs.Get(key)
		if _, err := def.HappyPath(); err != nil {
			return nil, fmt.Errorf("definition self-check: %w", err)
		}
	}

	dialect := store.DialectPostgres
	if cfg.LiteMode {
		dialect = store.DialectSQLite
	}
	db, err := store.Open(ctx, dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	rec := audit.NewRecorder()
	app := &application{
		db:       db,
		detector: sla.NewDetector(db, rec).WithMetrics(metrics),
		verifier: audit.NewVerifier(db),
		metrics:  metrics,
		provider: provider,
		logger:   logger,
	}
	logger.Info("daemon wired", "dialect", string(dialect), "services", defs.Services())
	return app, nil
}

func (a *application) close(ctx context.Context) {
	_ = a.db.Close()
	_ = a.provider.Shutdown(ctx)
}

func runServe(cfg *config.Config, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := wire(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "workflowd: %v\n", err)
		return 1
	}

	sweep := jobs.New("escalate-sla", cfg.SweepInterval, jobs.EscalateSLA(app.detector))
	verify := jobs.New("verify-audit-chain", cfg.VerifyInterval, jobs.VerifyAuditChain(app.verifier, app.metrics))

	done := make(chan struct{}, 2)
	go func() { sweep.Run(ctx); done <- struct{}{} }()
	go func() { verify.Run(ctx); done <- struct{}{} }()

	<-ctx.Done()
	<-done
	<-done
	app.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.close(shutdownCtx)
	return 0
}

// runOnce wires the daemon, executes one job and exits. For schedulers that
// prefer cron-style invocation over the resident loops.
func runOnce(cfg *config.Config, stderr io.Writer, fn func(context.Context, *application) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := wire(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "workflowd: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.close(shutdownCtx)
	}()

	if err := fn(ctx, app); err != nil {
		fmt.Fprintf(stderr, "workflowd: %v\n", err)
		return 1
	}
	return 0
}
