// Command edgecored is the frontend edge connection server: it accepts
// client connections speaking the session wire protocol, authenticates
// them, compiles and dispatches their statements against a backend SQL
// engine, and exposes an ambient status/metrics HTTP surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gelsrv/edgecore/internal/auth"
	"github.com/gelsrv/edgecore/internal/backend"
	"github.com/gelsrv/edgecore/internal/backend/pgwire"
	"github.com/gelsrv/edgecore/internal/compiler"
	"github.com/gelsrv/edgecore/internal/compiler/netcompiler"
	"github.com/gelsrv/edgecore/internal/compiler/passthrough"
	"github.com/gelsrv/edgecore/internal/config"
	"github.com/gelsrv/edgecore/internal/metrics"
	"github.com/gelsrv/edgecore/internal/protocol"
	"github.com/gelsrv/edgecore/internal/status"
)

// sessionDefaults holds the per-session settings a config reload can
// change (cache capacity, schema table names); the accept loop reads
// it once per new connection, the watcher callback writes it once per
// reload, both from their own goroutines.
type sessionDefaults struct {
	mu            sync.Mutex
	cacheCapacity int
	schema        protocol.SchemaNames
}

func (d *sessionDefaults) set(cacheCapacity int, schema protocol.SchemaNames) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cacheCapacity = cacheCapacity
	d.schema = schema
}

func (d *sessionDefaults) get() (int, protocol.SchemaNames) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cacheCapacity, d.schema
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	if os.Getenv("EDGECORE_LOG_FORMAT") == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildAuthVerifier(cfg config.AuthConfig) auth.Verifier {
	if cfg.Mode == "static" {
		return auth.NewStaticTable(cfg.Users)
	}
	return auth.AcceptAll{}
}

func buildCompilerClient(cfg config.CompilerConfig) compiler.Client {
	if cfg.Passthrough {
		return passthrough.New()
	}
	return netcompiler.Dial(cfg.Address, cfg.Timeout)
}

func main() {
	configPath := flag.String("config", "configs/edgecore.yaml", "path to configuration file")
	flag.Parse()

	log := newLogger()
	slog.SetDefault(log)
	log.Info("edgecored starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "path", *configPath, "config", cfg.Redacted())

	m := metrics.New()
	authVerifier := buildAuthVerifier(cfg.Auth)
	compilerClient := buildCompilerClient(cfg.Compiler)

	backendCfg := cfg.Backend
	dialBackend := func(ctx context.Context, database string) (backend.Client, error) {
		dbname := database
		if dbname == "" {
			dbname = backendCfg.Database
		}
		return pgwire.Connect(ctx, pgwire.Config{
			Host:           backendCfg.Host,
			Port:           backendCfg.Port,
			Database:       dbname,
			Username:       backendCfg.Username,
			Password:       backendCfg.Password,
			ConnectTimeout: backendCfg.ConnectTimeout,
		})
	}

	defaults := &sessionDefaults{}
	defaults.set(cfg.Cache.Capacity, protocol.SchemaNames{
		StateTable:     cfg.Schema.StateTable,
		SavepointTable: cfg.Schema.SavepointTable,
	})

	depsFunc := func() protocol.Deps {
		cacheCapacity, schema := defaults.get()
		return protocol.Deps{
			Auth:          authVerifier,
			Compiler:      compilerClient,
			Metrics:       m,
			Schema:        schema,
			CacheCapacity: cacheCapacity,
			DialBackend:   dialBackend,
			Log:           log,
		}
	}

	protocolServer := protocol.NewServer(depsFunc, m, log)
	if cfg.Listen.TLSEnabled() {
		tlsConfig, err := loadTLSConfig(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			log.Error("failed to load TLS material", "error", err)
			os.Exit(1)
		}
		protocolServer.SetTLS(tlsConfig)
	}
	if err := protocolServer.Listen(cfg.Listen.Address); err != nil {
		log.Error("failed to start edge listener", "error", err)
		os.Exit(1)
	}
	log.Info("edge listener started", "address", cfg.Listen.Address)

	statusServer := status.NewServer(protocolServer, m, log)
	if err := statusServer.Start(cfg.Listen.StatusAddress); err != nil {
		log.Error("failed to start status server", "error", err)
		os.Exit(1)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Info("configuration reload observed; cache capacity and schema table names apply to new sessions only",
			"cache_capacity", newCfg.Cache.Capacity)
		defaults.set(newCfg.Cache.Capacity, protocol.SchemaNames{
			StateTable:     newCfg.Schema.StateTable,
			SavepointTable: newCfg.Schema.SavepointTable,
		})
	}, log)
	if err != nil {
		log.Warn("config hot-reload not available", "error", err)
	}

	log.Info("edgecored ready", "listen", cfg.Listen.Address, "status", cfg.Listen.StatusAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := statusServer.Stop(shutdownCtx); err != nil {
		log.Warn("status server shutdown error", "error", err)
	}
	if err := protocolServer.Stop(); err != nil {
		log.Warn("edge listener shutdown error", "error", err)
	}
	if closer, ok := compilerClient.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn("compiler client shutdown error", "error", err)
		}
	}

	log.Info("edgecored stopped")
}
