package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sorenmh/infrastructure-shared/appd/api"
	"github.com/sorenmh/infrastructure-shared/appd/config"
	"github.com/sorenmh/infrastructure-shared/appd/db"
	"github.com/sorenmh/infrastructure-shared/appd/git"
	"github.com/sorenmh/infrastructure-shared/appd/lifecycle"
	"github.com/sorenmh/infrastructure-shared/appd/logging"
	"github.com/sorenmh/infrastructure-shared/appd/metrics"
	"github.com/sorenmh/infrastructure-shared/appd/registry"
	"github.com/sorenmh/infrastructure-shared/appd/shell"
	"github.com/sorenmh/infrastructure-shared/appd/systemd"
	"github.com/sorenmh/infrastructure-shared/appd/telemetry"
	"github.com/sorenmh/infrastructure-shared/appd/units"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		l := logging.GetLogger()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	if err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		l := logging.GetLogger()
		l.Fatal().Err(err).Msg("failed to initialize logging")
	}
	log := logging.WithComponent("appd")
	log.Info().Str("version", version).Str("commit", commit).Msg("appd starting")

	if cfg.Insecure {
		log.Warn().Msg("no master_key configured, using the built-in default key; anyone who can reach the port can control this host")
	}

	// Initialize stores
	apps := registry.Load(cfg.Paths.RegistryFile, logging.WithComponent("registry"))

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer database.Close()
	log.Info().Str("path", cfg.Database.Path).Msg("database initialized")

	// Initialize external tools
	gitClient := git.NewClient(git.Options{
		Username:              cfg.Git.Username,
		Token:                 cfg.Git.Token,
		SSHKeyPath:            cfg.Git.SSHKeyPath,
		SSHKeyPassword:        cfg.Git.SSHKeyPassword,
		InsecureIgnoreHostKey: cfg.Git.InsecureIgnoreHostKey,
		Depth:                 cfg.Git.Depth,
	}, logging.WithComponent("git"))
	runner := shell.New(cfg.Lifecycle.Shell, logging.WithComponent("shell"))
	services := systemd.New(cfg.Paths.UnitDir, cfg.UserScope(), logging.WithComponent("systemd"))
	sampler := telemetry.NewHostSampler(logging.WithComponent("telemetry"), cfg.Session.SampleWindow)

	reg := metrics.NewRegistry()

	manager := lifecycle.NewManager(lifecycle.Options{
		AppsDir:     cfg.Paths.AppsDir,
		ToolTimeout: cfg.Lifecycle.ToolTimeout,
		Units: units.Options{
			Shell:      cfg.Lifecycle.Shell,
			RestartSec: cfg.Lifecycle.RestartSec,
			UserScope:  cfg.UserScope(),
		},
	}, apps, gitClient, runner, services, logging.WithComponent("lifecycle"),
		lifecycle.WithHistory(database),
		lifecycle.WithMetrics(metrics.NewLifecycleMetrics(reg)),
	)

	server := api.NewServer(cfg, manager, database, sampler, reg, logging.WithComponent("api"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", cfg.Address()).Int("apps", len(apps.List())).Msg("appd ready")
	if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server failed")
		database.Close()
		os.Exit(1)
	}
	log.Info().Msg("appd stopped")
}
