// Package main provides the entry point for the RelayCore proxy server.
// The server forwards inbound HTTP traffic to configured destination
// prefixes, probing destination health in the background.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/RelayCore/internal/api"
	"github.com/router-for-me/RelayCore/internal/buildinfo"
	"github.com/router-for-me/RelayCore/internal/config"
	"github.com/router-for-me/RelayCore/internal/forwarder"
	"github.com/router-for-me/RelayCore/internal/health"
	"github.com/router-for-me/RelayCore/internal/logging"
	"github.com/router-for-me/RelayCore/internal/telemetry"
	"github.com/router-for-me/RelayCore/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("RelayCore Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Optional .env next to the binary; missing files are fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debugf("no .env loaded: %v", err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, "logs"); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	tel := telemetry.NewComposite(
		telemetry.LogConsumer{},
		telemetry.NewPrometheusConsumer(prometheus.DefaultRegisterer),
	)

	fwd := forwarder.New(forwarder.Options{
		RequestTimeout:  cfg.RequestTimeout.Std(),
		ActivityTimeout: cfg.ActivityTimeout.Std(),
		Telemetry:       tel,
	})

	prober := health.NewProber(nil)
	registerProbes(prober, cfg)
	prober.Start()
	defer prober.Close()

	server, err := api.NewServer(cfg, fwd, prober, tel)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := watcher.NewWatcher(configPath, func(newCfg *config.Config) {
		if newCfg.Debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		if errRoutes := server.UpdateRoutes(newCfg); errRoutes != nil {
			log.Errorf("config reload: route update rejected: %v", errRoutes)
			return
		}
		registerProbes(prober, newCfg)
	})
	if err != nil {
		log.Fatalf("failed to create config watcher: %v", err)
	}
	if err = w.Start(ctx); err != nil {
		log.Fatalf("failed to start config watcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	if err = server.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Info("shutdown complete")
}

// registerProbes reconciles the prober against cfg: new destinations are
// registered, existing ones get their period pushed.
func registerProbes(prober *health.Prober, cfg *config.Config) {
	for _, route := range cfg.Routes {
		if route.Health == nil {
			continue
		}
		id := route.Destination
		prober.Register(id, route.Destination, route.Health.Path, route.Health.Period.Std())
		prober.SetPeriod(id, route.Health.Period.Std())
	}
}
