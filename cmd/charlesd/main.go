package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/charlesd/internal/audit"
	"github.com/basket/charlesd/internal/completion"
	"github.com/basket/charlesd/internal/config"
	"github.com/basket/charlesd/internal/cron"
	"github.com/basket/charlesd/internal/engine"
	"github.com/basket/charlesd/internal/gate"
	"github.com/basket/charlesd/internal/gateway"
	"github.com/basket/charlesd/internal/incidents"
	"github.com/basket/charlesd/internal/ledger"
	"github.com/basket/charlesd/internal/mood"
	otelPkg "github.com/basket/charlesd/internal/otel"
	"github.com/basket/charlesd/internal/persona"
	"github.com/basket/charlesd/internal/records"
	"github.com/basket/charlesd/internal/telemetry"
	"github.com/basket/charlesd/internal/visitors"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the daemon
  %s status                   Show daemon health status (/healthz)
  %s doctor [--json]          Run environment diagnostics

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CHARLESD_HOME           Data directory (default: ~/.charlesd)
  OPENROUTER_API_KEY      Key for the completion backend
  CHARLESD_BIND_ADDR      Listen address override
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	// Log to stdout only when someone is watching; a detached daemon
	// keeps its logs in the file unless explicitly asked otherwise.
	quiet := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("CHARLESD_LOG_STDOUT") == ""
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := records.Open(filepath.Join(cfg.HomeDir, "charlesd.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	completionClient, err := completion.NewClient(
		cfg.Completion.BaseURL,
		cfg.Completion.Model,
		cfg.Completion.APIKey,
		time.Duration(cfg.Completion.TimeoutSeconds)*time.Second,
	)
	if err != nil {
		fatalStartup(logger, "E_COMPLETION_INIT", err)
	}

	moodSched := mood.NewScheduler(store)
	visitorLog := visitors.New(store, cfg.VisitorLogCap)
	personaBuilder := persona.NewBuilder(cfg.PERSONA)

	eng := engine.New(engine.Options{
		Moods:      moodSched,
		Ledger:     ledger.New(store, cfg.Ledger.FailedQueryLimit, cfg.Ledger.MessageLimit, cfg.Ledger.FailurePhrases),
		Visitors:   visitorLog,
		Incidents:  incidents.New(store),
		Gate:       gate.New(store),
		Persona:    personaBuilder,
		Completion: completionClient,
		AdminName:  cfg.AdminName,
		Logger:     logger,
		Tracer:     otelProvider.Tracer,
		Metrics:    metrics,
	})

	gw, err := gateway.New(gateway.Config{
		Engine:            eng,
		Store:             store,
		Visitors:          visitorLog,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		Metrics:           metrics,
		ConfigFingerprint: cfg.Fingerprint(),
		MaxRequestBytes:   cfg.MaxRequestBytes,
		RateLimit:         cfg.RateLimit,
		CORS:              cfg.CORS,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	gw.RateLimiter().StartEviction(ctx, 10*time.Minute, time.Hour)

	// Hot reload: persona and config edits apply without a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				personaBuilder.SetRules(reloaded.PERSONA)
				logger.Info("config reloaded", "fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	cronSched := cron.NewScheduler(cron.Config{
		Store:         store,
		Moods:         moodSched,
		Logger:        logger,
		RetentionDays: cfg.RetentionAuditLogDays,
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "endpoint", "/v1/charles")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a dotenv file without overriding
// variables already present in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
