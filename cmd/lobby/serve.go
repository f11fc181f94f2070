package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jason-s-yu/gamelobby/internal/auth"
	"github.com/jason-s-yu/gamelobby/internal/cache"
	"github.com/jason-s-yu/gamelobby/internal/config"
	"github.com/jason-s-yu/gamelobby/internal/database"
	"github.com/jason-s-yu/gamelobby/internal/developer"
	"github.com/jason-s-yu/gamelobby/internal/handlers"
	"github.com/jason-s-yu/gamelobby/internal/lobby"
	"github.com/jason-s-yu/gamelobby/internal/notify"
	"github.com/jason-s-yu/gamelobby/internal/orchestrator"
	"github.com/jason-s-yu/gamelobby/internal/ports"
	"github.com/jason-s-yu/gamelobby/internal/version"
)

var (
	flagListen    string
	flagWS        string
	flagTicketKey string
	flagTicketPub string
	flagMigrate   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept lobby clients and launch game servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagListen != "" {
			cfg.Server.ListenAddr = flagListen
		}
		if flagWS != "" {
			cfg.Server.WSAddr = flagWS
		}
		return serve(cfg, newLogger(cfg))
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "TCP listen address (overrides LOBBY_ADDR)")
	serveCmd.Flags().StringVar(&flagWS, "ws", "", "WebSocket listen address (overrides LOBBY_WS_ADDR)")
	serveCmd.Flags().StringVar(&flagTicketKey, "ticket-key", "", "Raw ed25519 private key file for join tickets (random if empty)")
	serveCmd.Flags().StringVar(&flagTicketPub, "ticket-pub", "", "Raw ed25519 public key file matching --ticket-key")
	serveCmd.Flags().BoolVar(&flagMigrate, "migrate", false, "Create database tables before serving")
}

func serve(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	store, err := database.Connect(ctx, cfg.Database.URL, database.Options{
		MaxRetries: cfg.Database.MaxRetries,
		Timeout:    cfg.Database.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	if flagMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	dev, err := developer.NewClient(cfg.Developer.URL, developer.Options{
		Timeout:    cfg.Developer.Timeout,
		MaxRetries: cfg.Developer.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var (
		versionCache version.Cache
		recorder     orchestrator.Recorder
		rdb          *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb, err = cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		versionCache = cache.NewVersionCache(rdb, logger)
		recorder = cache.NewHistoryPublisher(rdb, cfg.Redis.HistoryQueue)
		logger.WithField("addr", cfg.Redis.Addr).Info("using redis for catalog cache and session history")
	}

	resolver := version.NewResolver(dev, version.Options{
		Cache:       versionCache,
		TTL:         cfg.Versions.CacheTTL,
		AutoUpgrade: cfg.Versions.AutoUpgrade,
		Logger:      logger,
	})

	var probe ports.Prober
	if cfg.Games.ProbePorts {
		probe = ports.TCPProber
	}
	pool, err := ports.New(cfg.Games.PortMin, cfg.Games.PortMax, probe, logger)
	if err != nil {
		return err
	}
	lo, hi := pool.Range()
	logger.WithFields(logrus.Fields{"min": lo, "max": hi, "probe": probe != nil}).Info("game port pool ready")

	signer, err := ticketSigner(cfg.Games.TicketTTL)
	if err != nil {
		return err
	}

	hub := notify.NewHub(logger)
	reg := lobby.NewRegistry(resolver, hub, logger)
	orch := orchestrator.New(orchestrator.Config{
		AdvertiseHost:  cfg.Server.AdvertiseHost,
		GamesDir:       cfg.Games.Dir,
		LogDir:         cfg.Games.LogDir,
		AcquireTimeout: cfg.Games.AcquireTimeout,
		StartupGrace:   cfg.Games.StartupGrace,
		ShutdownGrace:  cfg.Games.ShutdownGrace,
	}, orchestrator.Deps{
		Registry: reg,
		Ports:    pool,
		Releases: dev,
		Signer:   signer,
		Notifier: hub,
		Recorder: recorder,
		Logger:   logger,
	})
	reg.SetGameAborter(orch)

	srv := handlers.NewServer(handlers.Config{
		AdvertiseHost: cfg.Server.AdvertiseHost,
		WriteTimeout:  cfg.Server.WriteTimeout,
		OutboxSize:    cfg.Server.OutboxSize,
	}, handlers.Deps{
		Accounts: store,
		Reviews:  store,
		Catalog:  dev,
		Rooms:    reg,
		Games:    orch,
		Hub:      hub,
		Logger:   logger,
	})

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ServeTCP(ctx, ln); err != nil {
			errCh <- err
		}
	}()

	var httpSrv *http.Server
	if cfg.Server.WSAddr != "" {
		httpSrv = &http.Server{
			Addr:              cfg.Server.WSAddr,
			Handler:           srv.WSHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.WithField("addr", cfg.Server.WSAddr).Info("websocket endpoint listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	logger.WithFields(logrus.Fields{
		"ports":        fmt.Sprintf("%d-%d", cfg.Games.PortMin, cfg.Games.PortMax),
		"auto_upgrade": cfg.Versions.AutoUpgrade,
	}).Info("lobby started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
		logger.WithError(runErr).Error("listener failed")
	}
	stop()
	_ = ln.Close()

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Games.ShutdownGrace+5*time.Second)
	defer cancel()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(sctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("websocket endpoint: %w", err))
		}
	}
	if err := srv.Shutdown(sctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("sessions: %w", err))
	}
	if err := orch.Shutdown(sctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("game servers: %w", err))
	}

	logger.Info("lobby stopped")
	return result.ErrorOrNil()
}

func ticketSigner(ttl time.Duration) (*auth.TicketSigner, error) {
	if flagTicketKey == "" {
		return auth.NewTicketSigner(ttl)
	}
	return auth.LoadTicketSigner(flagTicketKey, flagTicketPub, ttl)
}
