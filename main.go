package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"couplemode_server/config"
	"couplemode_server/events"
	"couplemode_server/routes"
	"couplemode_server/services"
	"couplemode_server/socket"
	"couplemode_server/storage"
	"couplemode_server/utils"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config.Config{}
	cobra.CheckErr(config.NewCmd(cfg, run).ExecuteContext(ctx))
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Store {
	case config.StoreDynamoDB:
		logger.Info("🔧 initializing DynamoDB client", "region", cfg.AWSRegion, "tablePrefix", cfg.TablePrefix)
		client, err := storage.InitializeDynamoDBClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		return storage.NewDynamoStore(client, cfg.TablePrefix, logger), nil
	case config.StorePostgres:
		logger.Info("🔧 connecting to postgres")
		db, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := storage.RunMigrations(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
			logger.Info("✅ migrations applied")
		}
		return storage.NewPostgresStore(db), nil
	default:
		logger.Warn("⚠️ using in-memory store; sessions are lost on restart")
		return storage.NewMemoryStore(), nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := utils.InitLogger(os.Stderr, cfg.LogLevel, cfg.Environment)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	defer store.Close()

	pubsub, err := events.NewPubSub(ctx, events.Config{
		Provider: cfg.EventBus,
		RedisURL: cfg.RedisURL,
	}, watermill.NewSlogLogger(logger))
	if err != nil {
		return fmt.Errorf("open %s event bus: %w", cfg.EventBus, err)
	}
	broadcaster := events.NewBroadcaster(pubsub, store, cfg.TopicPrefix, logger)
	defer broadcaster.Close()

	settings := services.Settings{
		SessionTTL:     cfg.SessionTTL,
		CodeAttempts:   cfg.CodeAttempts,
		StoreRetries:   cfg.StoreRetries,
		PublishTimeout: cfg.RequestTimeout,
	}
	sessionService := services.NewSessionService(store, broadcaster, settings, logger)
	matchService := services.NewMatchService(store, broadcaster, settings, logger)
	swipeService := services.NewSwipeService(store, broadcaster, matchService, settings, logger)
	expiryWorker := services.NewExpiryWorker(sessionService, cfg.ExpiryInterval, logger)

	socketServer := socket.NewSocketServer(sessionService, broadcaster, cfg.RequestTimeout, logger)
	stream := socket.NewStreamHandler(sessionService, broadcaster, cfg.RequestTimeout, cfg.AllowedOrigins, logger)

	r := mux.NewRouter()
	r.PathPrefix("/socket.io/").Handler(socketServer.IO)
	routes.RegisterStreamRoutes(r, stream)
	routes.RegisterSessionRoutes(r, sessionService, cfg.RequestTimeout, logger)
	routes.RegisterSwipeRoutes(r, swipeService, cfg.RequestTimeout, logger)
	routes.RegisterMatchRoutes(r, sessionService, matchService, cfg.RequestTimeout, logger)
	routes.RegisterRoutes(r, store, cfg.RequestTimeout, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-User-ID"},
		AllowCredentials: true,
	}).Handler(r)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           corsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("🚀 starting server", "addr", srv.Addr, "version", config.ReleaseVersion, "store", cfg.Store, "eventBus", cfg.EventBus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return socketServer.Serve(gctx)
	})

	g.Go(func() error {
		return expiryWorker.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🛑 shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
