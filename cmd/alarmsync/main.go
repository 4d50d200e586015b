// alarmsync keeps a live, validated copy of the alarm panel state and serves
// it to local viewers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markus-barta/alarmsync/internal/api"
	"github.com/markus-barta/alarmsync/internal/cache"
	"github.com/markus-barta/alarmsync/internal/config"
	"github.com/markus-barta/alarmsync/internal/console"
	"github.com/markus-barta/alarmsync/internal/metrics"
	"github.com/markus-barta/alarmsync/internal/reachability"
	"github.com/markus-barta/alarmsync/internal/realtime"
	"github.com/markus-barta/alarmsync/internal/session"
	"github.com/markus-barta/alarmsync/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	envFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "alarmsync",
		Short:         "Real-time alarm state synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "load environment variables from this file if it exists")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override ALARMSYNC_LOG_LEVEL (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log output: console or json")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Sync alarm state and serve the local console",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate config and test the alarm server login",
			RunE: func(cmd *cobra.Command, args []string) error {
				return check(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version and exit",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("alarmsync %s\n", version.Info())
			},
		},
	)
	return root
}

func newLogger(level string) zerolog.Logger {
	var log zerolog.Logger
	if logFormat == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log = log.With().Timestamp().Logger()

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	return log
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(envFile, envFile != ".env"); err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = strings.ToLower(logLevel)
	}
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return err
	}
	log := newLogger(cfg.LogLevel)

	log.Info().
		Str("version", version.Info()).
		Str("api", cfg.APIURL).
		Str("socket", cfg.SocketURL).
		Msg("alarmsync starting")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// The supervisor is created before the clients whose 401 hooks feed it.
	var supervisor *session.Supervisor
	expired := func() { supervisor.Expired() }

	client, err := api.New(api.Options{
		BaseURL:        cfg.APIURL,
		Timeout:        cfg.RequestTimeout,
		OnUnauthorized: expired,
		Metrics:        m,
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to create API client")
		return err
	}

	supervisor = session.NewSupervisor(func(ctx context.Context) error {
		creds, err := api.NewCredentials(cfg.Username, cfg.Password, cfg.TOTPSecret)
		if err != nil {
			return err
		}
		return client.Login(ctx, creds)
	}, cfg.ReconnectInitial, cfg.ReconnectMax, log)

	conn := realtime.NewManager(realtime.Options{
		URL:            cfg.SocketURL,
		Header:         client.AuthHeader,
		InitialBackoff: cfg.ReconnectInitial,
		MaxBackoff:     cfg.ReconnectMax,
		MaxAttempts:    cfg.ReconnectAttempts,
		RetryInterval:  cfg.RetryInterval,
		OnUnauthorized: expired,
		Metrics:        m,
	}, log)

	store, rec := cache.New()

	tracker := reachability.NewTracker(reachability.TrackerOptions{
		BannerDuration: cfg.BannerDuration,
		Metrics:        m,
	}, log)
	defer tracker.Close()

	controller := session.New(session.Options{
		Connector:  conn,
		API:        client,
		Reconciler: rec,
		Metrics:    m,
		OnTeardown: tracker.Reset,
	}, log)

	unsubStatus := store.Subscribe(func(ch cache.Change) {
		if ch.Has(cache.KindConnection) {
			tracker.ObserveStatus(store.ConnectionStatus())
		}
	})
	defer unsubStatus()

	monitor := reachability.NewMonitor(nil, cfg.ProbeInterval, log)
	unsubOnline := monitor.OnChange(tracker.SetOnline)
	defer unsubOnline()

	srv := console.New(console.Options{
		ListenAddr: cfg.ListenAddr,
		Cache:      store,
		Session:    controller,
		Tracker:    tracker,
		Metrics:    m,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		controller.Watch(gctx, supervisor.Auth())
		return nil
	})
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()
	controller.Close()

	logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if lerr := client.Logout(logoutCtx); lerr != nil && !errors.Is(lerr, api.ErrUnauthorized) {
		log.Debug().Err(lerr).Msg("logout failed")
	}

	if err != nil {
		log.Error().Err(err).Msg("alarmsync stopped")
		return err
	}
	log.Info().Msg("alarmsync stopped")
	return nil
}

func check(ctx context.Context) error {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return err
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  API:         %s\n", cfg.APIURL)
	fmt.Printf("  Socket:      %s\n", cfg.SocketURL)
	fmt.Printf("  Username:    %s\n", cfg.Username)
	fmt.Printf("  TOTP:        %t\n", cfg.HasTOTP())
	fmt.Printf("  Console:     %s\n", cfg.ListenAddr)
	fmt.Println()

	client, err := api.New(api.Options{BaseURL: cfg.APIURL, Timeout: cfg.RequestTimeout}, zerolog.Nop())
	if err != nil {
		fmt.Printf("❌ Client error: %v\n", err)
		return err
	}

	fmt.Print("Testing alarm server login... ")
	creds, err := api.NewCredentials(cfg.Username, cfg.Password, cfg.TOTPSecret)
	if err != nil {
		fmt.Printf("❌ Failed\n  Error: %v\n", err)
		return err
	}
	start := time.Now()
	if err := client.Login(ctx, creds); err != nil {
		fmt.Printf("❌ Failed\n  Error: %v\n", err)
		return err
	}
	fmt.Printf("✓ OK (latency: %dms)\n", time.Since(start).Milliseconds())
	defer func() { _ = client.Logout(context.Background()) }()

	fmt.Print("Fetching alarm state... ")
	payload, err := client.FetchAlarmState(ctx)
	if err != nil {
		fmt.Printf("❌ Failed\n  Error: %v\n", err)
		return err
	}
	fmt.Printf("✓ %s\n", payload.State.CurrentState)
	return nil
}
