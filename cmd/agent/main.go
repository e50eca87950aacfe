package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/svcreg/discovery"
	"github.com/ryandielhenn/svcreg/internal/config"
	"github.com/ryandielhenn/svcreg/internal/logging"
	"github.com/ryandielhenn/svcreg/internal/telemetry"
	"github.com/ryandielhenn/svcreg/pkg/agent"
	"github.com/ryandielhenn/svcreg/pkg/feed"
	"github.com/ryandielhenn/svcreg/pkg/registration"
	"github.com/ryandielhenn/svcreg/pkg/registry"
	"github.com/ryandielhenn/svcreg/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "svcreg-agent:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("SVCREG_CONFIG"), "path to a .yaml or .toml config file")
	dev := flag.Bool("dev", false, "human-readable logs")
	flag.Parse()

	// 1. Load config and build the logger
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level := cfg.LogLevel
	if cfg.Registry.Debug {
		level = "debug"
	}
	log, err := logging.New(level, *dev)
	if err != nil {
		return err
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Registry client
	t, err := transport.New(transport.Config{
		BaseURL:    cfg.Registry.URL,
		Tenant:     cfg.Registry.Tenant,
		Token:      cfg.Registry.Token,
		UserAgent:  cfg.Registry.UserAgent,
		Persistent: cfg.Registry.Persistent,
		Timeout:    cfg.Registry.RequestTimeout,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	reg := registry.New(t)
	if limits, err := reg.Account.Limits(ctx); err == nil {
		log.Info("account limits", zap.Any("limits", limits))
	} else {
		log.Warn("could not read account limits", zap.Error(err))
	}

	// 3. Optional etcd: feed marker checkpoint, service mirror, self announcement
	var (
		cli     *clientv3.Client
		markers feed.MarkerStore
	)
	if len(cfg.Etcd.Endpoints) > 0 {
		log.Info("creating etcd client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		cli, err = discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, log)
		if err != nil {
			return err
		}
		defer cli.Close()
		markers = discovery.NewMarkerStore(cli, cfg.Etcd.Prefix)
	}

	// 4. Agent
	a, err := agent.New(agent.FromClient(reg), agent.Config{
		ServiceID:        cfg.Service.ID,
		Address:          cfg.Service.Address,
		Tags:             cfg.Service.Tags,
		Metadata:         cfg.Service.Metadata,
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		Retry: registration.Options{
			RetryDelay: cfg.Service.RetryDelay,
			RetryCount: cfg.Service.RetryCount,
		},
		Feed:         cfg.Feed.Enabled,
		FeedInterval: cfg.Feed.Interval,
		MarkerStore:  markers,
		MemberTag:    cfg.Feed.Tag,
		HostInfo:     agent.HostMetadata,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	if cli != nil && a.Poller() != nil {
		mirror := discovery.NewMirror(cli, discovery.MirrorConfig{Prefix: cfg.Etcd.Prefix, Logger: log})
		defer mirror.Attach(a.Poller())()
	}

	log.Info("starting agent", zap.String("service_id", cfg.Service.ID), zap.String("registry", cfg.Registry.URL))
	if err := a.Start(ctx); err != nil {
		return err
	}

	if cli != nil && cfg.Service.Address != "" {
		ttl := int64(cfg.Session.HeartbeatTimeout / time.Second)
		key := discovery.Key(cfg.Etcd.Prefix, "agents", cfg.Service.ID)
		if _, err := discovery.Announce(ctx, cli, cli, key, cfg.Service.Address, ttl); err != nil {
			log.Warn("could not announce agent in etcd", zap.Error(err))
		}
	}

	// 5. HTTP endpoints
	srv := &http.Server{Addr: cfg.Listen, Handler: a.Routes()}
	errc := make(chan error, 1)
	go func() {
		log.Info("agent listening", zap.String("addr", cfg.Listen))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err = <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := a.Stop(shutdownCtx); stopErr != nil {
		log.Warn("agent stop", zap.Error(stopErr))
	}
	_ = srv.Shutdown(shutdownCtx)
	return err
}
