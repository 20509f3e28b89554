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

	"ecolift/internal/auth"
	"ecolift/internal/config"
	"ecolift/internal/id"
	"ecolift/internal/inbox"
	"ecolift/internal/location"
	"ecolift/internal/log"
	"ecolift/internal/metrics"
	"ecolift/internal/pickup"
	"ecolift/internal/push"
	"ecolift/internal/realtime"
	"ecolift/internal/server"
	"ecolift/internal/store"
	"ecolift/internal/userservice"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "ecolift",
		Short:        "Waste pickup coordination service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML config file")
	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema or Mongo indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := log.NewLogger(cfg.LogLevel)
			defer logger.Sync()

			st, err := openStores(cmd.Context(), cfg, true, logger)
			if err != nil {
				return err
			}
			st.close()
			logger.Info("Migration complete", zap.String("store_driver", cfg.StoreDriver))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed development token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			tok, err := auth.NewJWTVerifier(cfg.JWTSecret).Issue(userID, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleCustomer), "customer or collector")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

type stores struct {
	pickups pickup.Store
	inbox   inbox.Store
	health  server.Pinger
	close   func()
}

func openStores(ctx context.Context, cfg *config.Config, migrate bool, logger *log.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := store.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, err
			}
		}
		pg := store.NewPGStore(db, logger.Named("store"))
		return &stores{
			pickups: pg,
			inbox:   store.NewPGInbox(db, logger.Named("inbox")),
			health:  pg,
			close:   func() { db.Close() },
		}, nil

	case config.DriverMongo:
		client, err := store.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.MongoDatabase)
		if migrate {
			if err := store.EnsureMongoIndexes(ctx, db); err != nil {
				_ = client.Disconnect(context.Background())
				return nil, err
			}
		}
		ms := store.NewMongoStore(db, logger.Named("store"))
		return &stores{
			pickups: ms,
			inbox:   store.NewMongoInbox(db, logger.Named("inbox")),
			health:  ms,
			close:   func() { _ = client.Disconnect(context.Background()) },
		}, nil
	}

	logger.Warn("Using in-memory store, data is lost on restart")
	mem := store.NewMemoryStore()
	return &stores{
		pickups: mem,
		inbox:   store.NewMemoryInbox(),
		health:  mem,
		close:   func() {},
	}, nil
}

func serve(cfg *config.Config, migrate bool) error {
	logger := log.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return run(ctx, cfg, migrate, logger, nil)
}

// run wires every component and serves HTTP until ctx is done. When ready is
// not nil it receives the bound API address once the listener is open.
func run(ctx context.Context, cfg *config.Config, migrate bool, logger *log.Logger, ready chan<- string) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go metrics.Serve(ctx, cfg.MetricsAddr, reg, logger)

	ids, err := id.NewGenerator(cfg.NodeID)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg, migrate, logger)
	if err != nil {
		logger.Error("Failed to open store", zap.String("store_driver", cfg.StoreDriver), zap.Error(err))
		return err
	}
	defer st.close()
	checks := []server.Check{{Name: "store", Target: st.health}}

	// The location store is optional; without it live reports are refused
	// and proximity targeting falls back to every collector.
	var (
		positions location.Store
		nearby    push.Nearby
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis is not reachable yet", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		rs := location.NewRedisStore(client, cfg.LocationActiveTTL)
		positions, nearby = rs, rs
		checks = append(checks, server.Check{Name: "redis", Target: rs})
	} else {
		logger.Warn("REDIS_ADDR not set, live location tracking disabled")
	}

	users := userservice.NewClient(cfg.UserServiceURL, cfg.ExternalTimeout, logger.Named("userservice"))

	var sender push.Sender
	if cfg.FirebaseCredFile != "" {
		fcm, err := push.NewFCMSender(ctx, cfg.FirebaseCredFile)
		if err != nil {
			logger.Error("Failed to initialize FCM", zap.Error(err))
			return err
		}
		sender = fcm
	} else {
		logger.Warn("FIREBASE_CREDENTIALS_FILE not set, push notifications are logged only")
		sender = push.NewLogSender(logger.Named("push"))
	}
	dispatcher := push.NewDispatcher(sender, st.inbox, ids, push.DispatcherConfig{
		MaxRetries:     cfg.PushMaxRetries,
		Backoff:        cfg.PushRetryBackoff,
		AttemptTimeout: cfg.ExternalTimeout,
	}, m, logger.Named("push"))
	notifier := push.NewNotifier(dispatcher, users, nearby, cfg.NearbyRadiusKm, logger.Named("push"))

	registry := realtime.NewRegistry(cfg.HandshakeGrace, m, logger.Named("realtime"))
	go registry.Run(ctx, cfg.SweepInterval)
	events := realtime.NewRouter(registry, m, logger.Named("realtime"))

	engine := pickup.NewEngine(st.pickups, events, ids, notifier, users, m, logger.Named("pickup"))
	relay := location.NewRelay(positions, engine, m, logger.Named("location"))
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	gateway := realtime.NewServer(registry, realtime.NewHandshake(registry, verifier, logger.Named("realtime")), relay,
		realtime.ServerConfig{HandshakeGrace: cfg.HandshakeGrace, SendBuffer: cfg.SendBuffer}, logger.Named("realtime"))

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, server.Services{
		Pickups:   engine,
		Locations: relay,
		Inbox:     inbox.NewService(st.inbox, logger.Named("inbox")),
		Verifier:  verifier,
		Realtime:  gateway,
		Health:    checks,
	}, logger)
	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("Failed to listen", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
		dispatcher.Close(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
		return err
	}

	logger.Info("Shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	dispatcher.Close(shutdownCtx)
	return nil
}
