// CLAUDE:SUMMARY Entry point — serve wires the governor (HTTP API, evaluator, meta cycle, report watchers) under one errgroup; seed bootstraps the first active policy
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/metagov/internal/api"
	"github.com/hazyhaar/metagov/internal/auth"
	"github.com/hazyhaar/metagov/internal/config"
	"github.com/hazyhaar/metagov/internal/coordinator"
	"github.com/hazyhaar/metagov/internal/db"
	"github.com/hazyhaar/metagov/internal/gate"
	"github.com/hazyhaar/metagov/internal/mcp"
	"github.com/hazyhaar/metagov/internal/meta"
	"github.com/hazyhaar/metagov/internal/selection"
	"github.com/hazyhaar/metagov/pkg/audit"
	"github.com/hazyhaar/metagov/pkg/reports"
	"github.com/hazyhaar/metagov/pkg/sqltrace"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "seed":
		cmdSeed(os.Args[2:])
	case "mcp":
		cmdMCP(os.Args[2:])
	case "version":
		fmt.Printf("metagov %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`metagov — self-modifying behavioral policy governor

Usage:
  metagov serve [--config config.toml] [--addr :8080]
  metagov seed  [--config config.toml] [--operator handle --password pw]
  metagov mcp   [--config config.toml]
  metagov version
  metagov help

Commands:
  serve     Start the HTTP server, experiment evaluator and meta cycle
  seed      Bootstrap the default policy lineage and built-in reports
  mcp       Serve the MCP tool surface over stdio
  version   Print version
  help      Show this help`)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	addr := fs.String("addr", "", "listen address (overrides config)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer database.Close()

	auditDB, err := openAuditDB(cfg.Database.AuditPath)
	if err != nil {
		log.Fatalf("opening audit database: %v", err)
	}
	defer auditDB.Close()

	auditLog := audit.NewSQLiteLogger(auditDB)
	if err := auditLog.Init(); err != nil {
		log.Fatalf("initializing audit log: %v", err)
	}
	defer auditLog.Close()

	traceStore := sqltrace.NewStore(auditDB)
	if err := traceStore.Init(); err != nil {
		log.Fatalf("initializing sql trace store: %v", err)
	}
	defer traceStore.Close()
	database.SetTraceStore(traceStore)

	coord, cycle := buildGovernor(cfg, database)

	a := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiryMin)
	apiHandler := api.New(database, coord, cycle, a)

	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)
	handler := api.SecurityHeaders(mux)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mainReg, auditReg := buildRegistries(ctx, database, auditDB)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("metagov %s listening on %s", version, cfg.Server.Addr)
	log.Printf("database: %s (audit: %s)", cfg.Database.Path, cfg.Database.AuditPath)
	log.Printf("experiment strategy: %s, candidate traffic: %d%%",
		cfg.Experiment.Strategy, cfg.Experiment.CandidatePercent)
	if cfg.Meta.Enabled {
		log.Printf("meta cycle: enabled (every %dh over a %dh window)", cfg.Meta.CycleHours, cfg.Meta.WindowHours)
	} else {
		log.Printf("meta cycle: disabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	g.Go(func() error {
		err := coord.RunEvaluator(ctx, time.Duration(cfg.Experiment.EvaluateIntervalSec)*time.Second)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.Meta.Enabled {
		g.Go(func() error {
			err := cycle.RunLoop(ctx, time.Duration(cfg.Meta.CycleHours)*time.Hour)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		mainReg.RunWatcher(ctx)
		return nil
	})
	g.Go(func() error {
		auditReg.RunWatcher(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("metagov stopped")
}

func cmdSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	operator := fs.String("operator", "", "bootstrap an operator with this handle")
	password := fs.String("password", "", "password for the bootstrap operator")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer database.Close()

	if err := seedLineage(database); err != nil {
		log.Fatalf("seeding default lineage: %v", err)
	}

	if *operator != "" {
		if err := seedOperator(database, cfg, *operator, *password); err != nil {
			log.Fatalf("seeding operator: %v", err)
		}
	}

	mcp.SeedDefaultReports(database.DB)

	auditDB, err := openAuditDB(cfg.Database.AuditPath)
	if err != nil {
		log.Fatalf("opening audit database: %v", err)
	}
	defer auditDB.Close()

	auditLog := audit.NewSQLiteLogger(auditDB)
	if err := auditLog.Init(); err != nil {
		log.Fatalf("initializing audit log: %v", err)
	}
	auditLog.Close()
	traceStore := sqltrace.NewStore(auditDB)
	if err := traceStore.Init(); err != nil {
		log.Fatalf("initializing sql trace store: %v", err)
	}
	traceStore.Close()
	auditReg := reports.NewRegistry(auditDB)
	if err := auditReg.Init(); err != nil {
		log.Fatalf("initializing audit report registry: %v", err)
	}
	mcp.SeedAuditReports(auditDB)

	log.Printf("seed complete")
}

// seedLineage bootstraps the "default" lineage with a permissive root
// version and an initial self-prompt, then activates both. Re-running
// against a seeded database is a no-op.
func seedLineage(database *db.DB) error {
	_, err := database.GetActivePolicyVersion("default")
	if err == nil {
		log.Printf("default lineage already active, skipping")
		return nil
	}
	if !errors.Is(err, db.ErrNoActiveVersion) {
		return err
	}

	ruleset := (&db.Ruleset{
		Routing:         map[string]any{"style": map[string]any{"directness": "balanced"}},
		ToolUse:         map[string]any{"allow_web": true},
		SafetyOverrides: map[string]any{"extra_checks": false},
	}).Encode()

	v, err := database.CreatePolicyVersion(db.CreatePolicyVersionInput{
		Name:      "default",
		Ruleset:   ruleset,
		CreatedBy: "seed",
		Label:     "root",
	})
	if err != nil {
		return err
	}
	if err := database.ActivatePolicyVersion(v.ID); err != nil {
		return err
	}
	log.Printf("created and activated root version %s", v.ID)

	if _, err := database.GetActiveSelfPrompt("default"); err == nil {
		return nil
	}
	p, err := database.CreateSelfPrompt("default",
		"You are a helpful assistant. Follow the active behavioral policy.", "seed")
	if err != nil {
		return err
	}
	if err := database.ActivateSelfPrompt(p.ID); err != nil {
		return err
	}
	log.Printf("created and activated self-prompt %s", p.ID)
	return nil
}

// seedOperator creates an admin account so the instance is usable before
// anyone registers through the API. Existing handles are left alone.
func seedOperator(database *db.DB, cfg *config.Config, handle, password string) error {
	if len(password) < 8 {
		return fmt.Errorf("operator password must be at least 8 characters")
	}
	if _, _, err := database.GetOperatorByHandle(handle); err == nil {
		log.Printf("operator %q already exists, skipping", handle)
		return nil
	}
	hash, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiryMin).HashPassword(password)
	if err != nil {
		return err
	}
	op, err := database.CreateOperator(handle, hash, "admin")
	if err != nil {
		return err
	}
	log.Printf("created operator %s (%s)", op.Handle, op.ID)
	return nil
}

func cmdMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.toml")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer database.Close()

	auditDB, err := openAuditDB(cfg.Database.AuditPath)
	if err != nil {
		log.Fatalf("opening audit database: %v", err)
	}
	defer auditDB.Close()

	auditLog := audit.NewSQLiteLogger(auditDB)
	if err := auditLog.Init(); err != nil {
		log.Fatalf("initializing audit log: %v", err)
	}
	defer auditLog.Close()

	coord, cycle := buildGovernor(cfg, database)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mainReg, auditReg := buildRegistries(ctx, database, auditDB)

	srv := mcp.NewServer(database, coord, cycle, mainReg, auditLog)
	reports.Bridge(srv, auditReg)
	if err := mcpserver.ServeStdio(srv); err != nil {
		log.Fatalf("mcp server error: %v", err)
	}
}

// buildGovernor assembles the safety gate, selection strategy, experiment
// coordinator and meta cycle from configuration.
func buildGovernor(cfg *config.Config, database *db.DB) (*coordinator.Coordinator, *meta.Cycle) {
	var g gate.Gate
	if cfg.Safety.GateURL != "" {
		g = gate.NewHTTPGate(cfg.Safety.GateURL, time.Duration(cfg.Safety.TimeoutSec)*time.Second)
	} else {
		g = gate.NewPatternGate(database, cfg.Safety.MinScore)
	}

	strategy, err := selection.New(cfg.Experiment.Strategy, cfg.Experiment.MinRunsPerArm, cfg.Experiment.PromoteMargin)
	if err != nil {
		log.Fatalf("configuring selection strategy: %v", err)
	}

	coord := coordinator.New(database, g, strategy, cfg.Experiment.CandidatePercent)
	cycle := meta.NewCycle(database, time.Duration(cfg.Meta.WindowHours)*time.Hour, cfg.Meta.MinTraces)
	return coord, cycle
}

// buildRegistries loads the report registries for both databases. The main
// schema already carries report_registry; the audit database gets it here.
func buildRegistries(ctx context.Context, database *db.DB, auditDB *sql.DB) (*reports.Registry, *reports.Registry) {
	mainReg := reports.NewRegistry(database.DB)
	if err := mainReg.Load(ctx); err != nil {
		log.Fatalf("loading report registry: %v", err)
	}

	auditReg := reports.NewRegistry(auditDB)
	if err := auditReg.Init(); err != nil {
		log.Fatalf("initializing audit report registry: %v", err)
	}
	if err := auditReg.Load(ctx); err != nil {
		log.Fatalf("loading audit report registry: %v", err)
	}
	return mainReg, auditReg
}

func openAuditDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}
	return sqlDB, nil
}
