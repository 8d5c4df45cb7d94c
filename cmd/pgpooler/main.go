package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbbouncer/pgpooler/internal/api"
	"github.com/dbbouncer/pgpooler/internal/config"
	"github.com/dbbouncer/pgpooler/internal/health"
	"github.com/dbbouncer/pgpooler/internal/metrics"
	"github.com/dbbouncer/pgpooler/internal/pool"
	"github.com/dbbouncer/pgpooler/internal/proxy"
)

func main() {
	configPath := flag.String("config", "configs/pgpooler.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("pgpooler starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Configuration loaded from %s (%d databases)", *configPath, len(cfg.Databases))

	databases, users, err := config.Resolve(cfg)
	if err != nil {
		log.Fatalf("Failed to resolve config: %v", err)
	}

	logger := slog.Default()
	m := metrics.New()
	hc := health.NewChecker(databases, m, health.Config{})

	engine := pool.NewEngine(pool.Config{
		Databases: databases,
		Users:     users,
		Logger:    logger,
	})
	go engine.Run()

	go reportPoolStats(engine, m)
	hc.Start()

	tlsConfig, err := buildTLSConfig(cfg.Listen)
	if err != nil {
		log.Fatalf("Failed to load TLS material: %v", err)
	}

	proxyListener := proxy.New(engine, tlsConfig, logger)
	if err := proxyListener.ListenAndServe(fmt.Sprintf("0.0.0.0:%d", cfg.Listen.PostgresPort)); err != nil {
		log.Fatalf("Failed to start PostgreSQL proxy: %v", err)
	}

	apiServer := api.NewServer(engine, hc, m, cfg.Listen)
	if err := apiServer.Start(cfg.Listen.APIPort); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("Reloading configuration...")
		newDatabases, newUsers, err := config.Resolve(newCfg)
		if err != nil {
			log.Printf("Warning: config reload rejected: %v", err)
			return
		}
		reconcile(engine, hc, m, newDatabases, newUsers)
	})
	if err != nil {
		log.Printf("Warning: config hot-reload not available: %v", err)
	}

	log.Printf("pgpooler ready - PG:%d API:%d", cfg.Listen.PostgresPort, cfg.Listen.APIPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	proxyListener.Close()
	hc.Stop()
	engine.Shutdown(true, false)
	<-engine.Done()

	log.Printf("pgpooler stopped")
}

// reportPoolStats polls the engine's pool snapshots on a timer and feeds
// them to Prometheus, the same shape as the teacher's pm.StartStatsLoop
// but sourced from Engine.AllPoolStats instead of a lock-guarded map.
func reportPoolStats(engine *pool.Engine, m *metrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for _, s := range engine.AllPoolStats() {
			m.UpdatePoolStats(s.Database, s.User, s.ClActive, s.ClWaiting, s.SvActive, s.SvIdle, s.SvUsed, s.SvTested)
		}
	}
}

// buildTLSConfig loads the operator-supplied cert/key pair, if any.
// Nothing beyond that hand-off is this project's concern (SPEC_FULL.md's
// ambient-stack boundary): cipher suites, curve preferences, and the rest
// of crypto/tls's surface are left at Go's own secure defaults.
func buildTLSConfig(lc config.ListenConfig) (*tls.Config, error) {
	if !lc.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// reconcile applies a freshly resolved config to the already-running
// engine: databases present in the new config are added or replaced,
// databases absent from it are removed along with their live sockets.
func reconcile(engine *pool.Engine, hc *health.Checker, m *metrics.Collector, databases map[string]*pool.Database, users map[string]*pool.GlobalUser) {
	existing := engine.ListDatabases()
	seen := make(map[string]bool, len(databases))

	for name, db := range databases {
		engine.AddDatabase(db)
		seen[name] = true
	}
	_ = users // GlobalUser changes are not applied: the engine keeps the users it started with.

	for _, db := range existing {
		if !seen[db.Name] {
			engine.RemoveDatabase(db.Name)
			hc.RemoveDatabase(db.Name)
			if m != nil {
				m.RemoveDatabase(db.Name)
			}
		}
	}
}
