package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/openhab/openhab-cloud/auth"
	"github.com/openhab/openhab-cloud/cluster"
	"github.com/openhab/openhab-cloud/config"
	"github.com/openhab/openhab-cloud/directory"
	"github.com/openhab/openhab-cloud/logger"
	"github.com/openhab/openhab-cloud/metrics"
	"github.com/openhab/openhab-cloud/notification"
	"github.com/openhab/openhab-cloud/proxy"
	"github.com/openhab/openhab-cloud/session"
	"github.com/openhab/openhab-cloud/stats"
)

const (
	connectTimeout = 15 * time.Second
	statsInterval  = 5 * time.Minute
)

// Version is set at build time via -ldflags.
var Version = "DEV"

func main() {
	app := &cli.App{
		Name:    "openhab-cloud",
		Usage:   "Tunnel gateway connecting openHAB sites behind NAT to their users",
		Version: Version,
		Flags:   flags(),
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to the configuration YAML file",
		},
		&cli.StringFlag{
			Name:  config.ListenAddressFlag,
			Usage: "Bind address of the public HTTP server",
		},
		&cli.StringFlag{
			Name:  config.NodeAddressFlag,
			Usage: "Address under which peer nodes reach this node",
		},
		&cli.StringFlag{
			Name:  config.MetricsAddressFlag,
			Usage: "Bind address of the metrics endpoint",
		},
		&cli.StringFlag{
			Name:  config.StoreConnectionFlag,
			Usage: "Redis URL of the shared state store",
		},
		&cli.StringFlag{
			Name:  config.DirectoryConnFlag,
			Usage: "MongoDB URI of the account directory",
		},
		&cli.BoolFlag{
			Name:  config.TrustProxyFlag,
			Usage: "Honor X-Forwarded-* headers from the load balancer",
		},
		&cli.StringFlag{
			Name:  config.SessionSecretFlag,
			Usage: "Secret that signs session cookies, shared across nodes",
		},
		&cli.StringFlag{
			Name:  config.FCMServerKeyFlag,
			Usage: "FCM server key for push notifications, empty disables push",
		},
		&cli.DurationFlag{
			Name:  config.ConnectionLockTTLTag,
			Usage: "TTL of the per-site connection lock",
		},
		&cli.DurationFlag{
			Name:  config.PingIntervalFlag,
			Usage: "Interval between tunnel heartbeat pings",
		},
		&cli.DurationFlag{
			Name:  config.PingTimeoutFlag,
			Usage: "How long to wait for a pong before declaring the tunnel dead",
		},
		&cli.DurationFlag{
			Name:  config.RequestMaxAgeFlag,
			Usage: "Age after which unanswered proxied requests time out",
		},
		&cli.DurationFlag{
			Name:  config.BlockTTLFlag,
			Usage: "How long a uuid stays blocked after a failed handshake",
		},
		&cli.IntFlag{
			Name:  config.MaxNotificationFlag,
			Usage: "Largest accepted notification payload in bytes",
		},
		&cli.DurationFlag{
			Name:  config.ShutdownGraceFlag,
			Usage: "How long shutdown waits for sessions to drain",
		},
		&cli.StringFlag{
			Name:  logger.LogLevelFlag,
			Value: "info",
			Usage: "Application logging level {debug, info, warn, error, fatal}",
		},
		&cli.StringFlag{
			Name:  logger.LogFileFlag,
			Usage: "Save application log to this file",
		},
		&cli.StringFlag{
			Name:  logger.LogDirectoryFlag,
			Usage: "Save application log to this directory with rotation",
		},
		&cli.BoolFlag{
			Name:  logger.LogFormatJSON,
			Usage: "Use JSON log format for console output",
		},
	}
}

func run(c *cli.Context) error {
	log := logger.CreateLoggerFromContext(c, logger.EnableTerminalLog)

	cfg, err := config.FromContext(c)
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	storeOpts, err := redis.ParseURL(cfg.StoreConnection)
	if err != nil {
		return errors.Wrap(err, "invalid store connection URL")
	}
	store := redis.NewClient(storeOpts)
	if err := store.Ping(connectCtx).Err(); err != nil {
		return errors.Wrap(err, "unable to reach the state store")
	}
	defer store.Close()

	dir, err := directory.ConnectMongo(connectCtx, cfg.DirectoryConnection)
	if err != nil {
		return errors.Wrap(err, "unable to reach the directory")
	}
	defer dir.Close(context.Background())

	log.Info().
		Str("version", Version).
		Str("nodeAddress", cfg.NodeAddress).
		Msg("Starting openHAB Cloud gateway")

	manager := cluster.NewConnectionManager(store, dir, cfg.ConnectionLockTTL, cfg.BlockTTL, log)
	sessions := auth.NewSessionCodec(cfg.SessionSecret)
	gateway := auth.NewGateway(dir, sessions, log)
	pushProvider := notification.NewFCMProvider(cfg.FCMServerKey, log)
	notifier := notification.NewService(dir, pushProvider, cfg.MaxNotificationPayloadBytes, log)

	hub := session.NewHub(gateway, manager, dir, notifier, session.Config{
		NodeAddress:   cfg.NodeAddress,
		PingInterval:  cfg.PingInterval,
		PingTimeout:   cfg.PingTimeout,
		RequestMaxAge: cfg.RequestMaxAge,
	}, log)

	dispatcher := proxy.NewDispatcher(hub, gateway, dir, manager, cfg.NodeAddress, cfg.RequestMaxAge, cfg.TrustProxy, log)
	router := proxy.NewRouter(dispatcher, hub)

	server := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: router,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info().Str("address", cfg.ListenAddress).Msg("Public server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "public server failed")
		}
		return nil
	})

	group.Go(func() error {
		listener, err := net.Listen("tcp", cfg.MetricsAddress)
		if err != nil {
			return errors.Wrap(err, "unable to bind metrics listener")
		}
		return metrics.ServeMetrics(groupCtx, listener, log)
	})

	group.Go(func() error {
		job := stats.NewJob(store, dir, hub, statsInterval, log)
		if err := job.Run(groupCtx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdown(server, hub, cfg.ShutdownGrace, log)
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Shutdown complete")
	return nil
}

// shutdown drains sessions first so sites release their locks before the
// listener goes away, then stops the HTTP server.
func shutdown(server *http.Server, hub *session.Hub, grace time.Duration, log *zerolog.Logger) {
	log.Info().Dur("grace", grace).Msg("Shutting down")
	hub.Shutdown(grace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
	}
}
