package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snapfeed-backend/internal/auth"
	"snapfeed-backend/internal/blob"
	"snapfeed-backend/internal/config"
	"snapfeed-backend/internal/handlers"
	"snapfeed-backend/internal/middleware"
	"snapfeed-backend/internal/notify"
	"snapfeed-backend/internal/repository"
	"snapfeed-backend/internal/services"
	"snapfeed-backend/internal/tree"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Run() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level)

	ctx := context.Background()

	// Connect to database
	db, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	log.Info().Msg("Database connection established")

	if err := repository.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	// Initialize repositories
	treeRepo := repository.NewTreeRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)

	// Restore the realtime tree
	shards, err := treeRepo.LoadShards(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load tree")
	}
	store := tree.New(tree.WithPersister(treeRepo))
	if err := store.Restore(shards); err != nil {
		log.Fatal().Err(err).Msg("Failed to restore tree")
	}
	log.Info().Int("shards", len(shards)).Msg("Tree restored")

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create blob store")
	}

	provider, issuer, err := newAuthProvider(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create identity provider")
	}

	notifier, err := newNotifier(cfg, deviceRepo, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create notifier")
	}

	wsHub := services.NewWSHub()

	// Initialize handlers
	userHandler := handlers.NewUserHandler(store, provider, issuer, deviceRepo, wsHub)
	feedHandler := handlers.NewFeedHandler(store)
	postHandler := handlers.NewPostHandler(store, blobs, notifier, wsHub)
	wsHandler := handlers.NewWebSocketHandler(wsHub, provider, services.SessionDeps{
		Store:           store,
		Blobs:           blobs,
		Notifier:        notifier,
		RefreshInterval: cfg.Feed.RefreshInterval,
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	// Routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/users", userHandler.CreateUser)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(provider))
			r.Get("/users/me", userHandler.GetMe)
			r.Put("/users/me", userHandler.UpdateMe)
			r.Post("/users/me/push-token", userHandler.RegisterPushToken)
			r.Post("/auth/signout", userHandler.SignOut)
			r.Get("/users/me/posts", feedHandler.GetMyPosts)
			r.Get("/feed", feedHandler.GetFeed)
			r.Post("/posts", postHandler.CreatePost)
			r.Post("/posts/{user_id}/{post_key}/like", postHandler.ToggleLike)
			r.Patch("/posts/{post_key}", postHandler.EditPost)
			r.Delete("/posts/{post_key}", postHandler.DeletePost)
		})
	})

	// WebSocket route
	r.Get("/ws", wsHandler.HandleWebSocket)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
			Str("blob_driver", cfg.Blob.Driver).
			Str("auth_provider", cfg.Auth.Provider).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by the server
	wsHub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	store.Close()

	log.Info().Msg("Server exited")
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.Blob.Driver != config.BlobDriverS3 {
		log.Warn().Msg("Using in-memory blob store, photos are lost on restart")
		return blob.NewMemoryStore(), nil
	}
	s3Store, err := blob.NewS3Store(ctx, blob.S3Options{
		Region:        cfg.AWS.Region,
		Bucket:        cfg.AWS.S3Bucket,
		AccessKey:     cfg.AWS.AccessKey,
		SecretKey:     cfg.AWS.SecretKey,
		Endpoint:      cfg.AWS.Endpoint,
		PublicBaseURL: cfg.AWS.PublicBaseURL,
	})
	if err != nil {
		return nil, err
	}
	return s3Store, nil
}

// newAuthProvider returns the identity provider and, for self-issued
// tokens, the issuer used at sign-up
func newAuthProvider(ctx context.Context, cfg *config.Config) (auth.Provider, handlers.TokenIssuer, error) {
	if cfg.Auth.Provider == config.AuthProviderFirebase {
		p, err := auth.NewFirebaseProvider(ctx, cfg.Auth.FirebaseCredentials)
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	}
	p := auth.NewJWTProvider(cfg.Auth.JWTSecret)
	return p, p, nil
}

func newNotifier(cfg *config.Config, devices notify.Devices, users notify.Users) (notify.Notifier, error) {
	if cfg.APNs.Certificate == "" {
		log.Info().Msg("APNs not configured, like notifications disabled")
		return notify.Nop{}, nil
	}
	n, err := notify.NewAPNsNotifier(notify.APNsOptions{
		Certificate: cfg.APNs.Certificate,
		Password:    cfg.APNs.Password,
		Topic:       cfg.APNs.Topic,
		Production:  cfg.APNs.Production,
	}, devices, users)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// setupLogger configures zerolog logger
func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
