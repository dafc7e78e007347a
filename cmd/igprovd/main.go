package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/igprov/internal/api"
	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/backend/core"
	"github.com/seantiz/igprov/internal/backend/edge"
	"github.com/seantiz/igprov/internal/config"
	"github.com/seantiz/igprov/internal/engine"
	"github.com/seantiz/igprov/internal/netmon"
	"github.com/seantiz/igprov/internal/peers"
	"github.com/seantiz/igprov/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "igprovd",
		Usage: "gateway provisioning daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to igprovd.yaml",
				EnvVars: []string{"IGPROVD_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			return run(c.Context, c.String("config"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "igprovd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bootID := uuid.NewString()
	logger := config.NewLogger(os.Stdout, config.ParseLogLevel(cfg.Log.Level), cfg.Log.Format)
	if cfg.Log.UID {
		logger = logger.With("uid", bootID)
	}

	logger.Info("igprovd: starting",
		"listen_addr", cfg.HTTP.ListenAddr,
		"store_path", cfg.Store.Path,
		"network_source", cfg.Network.Source,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := backend.NewExecRunner(newToolLogger(cfg.Log))

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		if cfg.Network.Source == "networkmanager" {
			return fmt.Errorf("connect system bus: %w", err)
		}
		logger.Warn("system bus unavailable, peer services disabled", "error", err)
	} else {
		defer conn.Close()
	}

	var (
		monitor netmon.Monitor
		peerSvc core.Peers = noPeers{}
	)
	if conn != nil {
		peerSvc = peers.New(conn)
	}
	switch cfg.Network.Source {
	case "static":
		monitor = netmon.NewStatic(netmon.Level(cfg.Network.StaticLevel), cfg.Network.StaticAddr, cfg.Network.Interface)
	default:
		monitor = netmon.NewNetworkManager(conn, cfg.Network.Interface, logger)
	}

	coreBackend := core.New(core.Config{
		ToolPath:       cfg.Core.ToolPath,
		DeviceCertFile: cfg.Core.DeviceCertFile,
		RequestTimeout: cfg.Core.RequestTimeout,
		LogSyncCommand: cfg.LogSync.Command,
		StagingDir:     cfg.Core.StagingDir,
	}, runner, peerSvc, logger)

	edgeBackend := edge.New(edge.Config{
		ToolPath:       cfg.Edge.ToolPath,
		AssetsURL:      cfg.Edge.AssetsURL,
		BinaryURL:      cfg.Edge.BinaryURL,
		PlatformURL:    cfg.Edge.PlatformURL,
		ServiceName:    cfg.Edge.ServiceName,
		RequestTimeout: cfg.Edge.RequestTimeout,
		Broker:         edge.Broker(cfg.Edge.Broker),
		InstallDir:     cfg.Edge.InstallDir,
	}, runner, logger)

	reg := backend.NewRegistry(coreBackend, edgeBackend, cfg.Edge.DomainMarker)

	level, err := monitor.Connectivity(ctx)
	if err != nil {
		logger.Warn("read connectivity", "error", err)
		level = netmon.LevelUnknown
	}

	eng, err := engine.New(ctx, engine.Config{
		Registry:     reg,
		Addresses:    monitor,
		Connectivity: level,
		Logger:       logger,
		BootID:       bootID,
		CheckTimeout: cfg.Engine.CheckTimeout,
		LoadEscrow: func() (*engine.EscrowConfig, error) {
			return loadEscrow(cfg.Escrow.ConfigFile)
		},
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Store.Path, cfg.Store.Retain)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	srv := api.NewServer(cfg.HTTP.ListenAddr, eng, db, reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	recorder, err := eng.NewHistoryRecorder(gctx, db)
	if err != nil {
		stop()
		g.Wait()
		return fmt.Errorf("start history recorder: %w", err)
	}
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return monitor.Watch(gctx, eng.ConnectivityChanged) })
	g.Go(func() error { return srv.Serve(gctx) })
	srv.SetReady(true)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("igprovd: component failed", "error", err)
	}

	logger.Info("igprovd: waiting for in-flight provisioning")
	eng.Wait()
	logger.Info("igprovd: stopped")
	return err
}

// newToolLogger returns the logger installer tool output is streamed to.
func newToolLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func loadEscrow(path string) (*engine.EscrowConfig, error) {
	esc, err := config.LoadEscrow(path)
	if err != nil {
		return nil, err
	}
	return &engine.EscrowConfig{
		MinDelay:  esc.MinSec,
		MaxDelay:  esc.MaxSec,
		Prefix:    esc.Prefix,
		CompanyID: esc.CompanyID,
	}, nil
}

// noPeers stands in for the sibling gateway services when the system bus is
// unavailable.
type noPeers struct{}

var errNoBus = errors.New("system bus unavailable")

func (noPeers) SetUpdateSchedule(context.Context, string) (int32, error) { return -1, errNoBus }
func (noPeers) SetWirelessConfig(context.Context, string) (int32, error) { return -1, errNoBus }
