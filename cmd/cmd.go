package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal-backend/internal/broadcast"
	"portal-backend/internal/config"
	"portal-backend/internal/feed"
	"portal-backend/internal/handlers"
	"portal-backend/internal/identity"
	"portal-backend/internal/notify"
	"portal-backend/internal/pairing"
	"portal-backend/internal/reconcile"
	"portal-backend/internal/repository"
	"portal-backend/internal/services"
	"portal-backend/internal/settings"
	"portal-backend/internal/storage"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Run() {
	// Load configuration
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logger
	setupLogger(cfg.Log.Level)

	// Cancelled on shutdown; ends the feed bridge and every live session
	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Connect to database
	db, err := repository.Open(cfg.Database.DSN(), cfg.Database.MaxOpenConns)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	if err := repository.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}
	log.Info().Msg("Database connection established")

	// Change feed
	hub := feed.NewHub(cfg.Feed.Buffer)
	var publisher feed.Publisher = hub
	if cfg.Feed.Driver == config.DriverPostgres {
		pool, err := pgxpool.New(rootCtx, cfg.Database.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create feed pool")
		}
		defer pool.Close()
		if err := pool.Ping(rootCtx); err != nil {
			log.Fatal().Err(err).Msg("Failed to ping database for feed")
		}

		bridge := feed.NewPGBridge(pool, hub, cfg.Feed.Channel)
		publisher = bridge
		go func() {
			if err := bridge.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				log.Error().Err(err).Msg("Change feed bridge stopped")
			}
		}()
		log.Info().Str("channel", cfg.Feed.Channel).Msg("Change feed listening")
	}

	// Broadcast bus and token denylist
	var bus broadcast.Bus = broadcast.NewMemoryBus()
	var denylist identity.Denylist = identity.NewMemoryDenylist()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(rootCtx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}

		denylist = identity.NewRedisDenylist(client, cfg.Broadcast.Prefix)
		if cfg.Broadcast.Driver == config.DriverRedis {
			bus = broadcast.NewRedisBus(client, cfg.Broadcast.Prefix)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
	}

	tokens := identity.NewProvider(cfg.JWT.Secret, cfg.JWT.TTL, denylist)

	// Image storage is optional
	var blobs services.BlobStore
	if cfg.AWS.S3Bucket != "" {
		s3Store, err := storage.NewS3Store(rootCtx, storage.Config{
			Region:       cfg.AWS.Region,
			Bucket:       cfg.AWS.S3Bucket,
			AccessKey:    cfg.AWS.AccessKey,
			SecretKey:    cfg.AWS.SecretKey,
			Endpoint:     cfg.AWS.Endpoint,
			PublicURL:    cfg.AWS.PublicURL,
			UsePathStyle: cfg.AWS.UsePathStyle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create image store")
		}
		blobs = s3Store
	} else {
		log.Warn().Msg("No S3 bucket configured, image uploads disabled")
	}

	// Push notifications are optional
	var pusher notify.Pusher = notify.Noop{}
	if cfg.APNs.KeyPath != "" {
		client, err := notify.NewClient(notify.Config{
			KeyPath:    cfg.APNs.KeyPath,
			KeyID:      cfg.APNs.KeyID,
			TeamID:     cfg.APNs.TeamID,
			Topic:      cfg.APNs.Topic,
			Production: cfg.APNs.Production,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create APNs client")
		}
		pusher = notify.NewAPNs(client, cfg.APNs.Topic)
	}

	localSettings, err := settings.Open(cfg.Settings.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open settings store")
	}
	defer localSettings.Close()

	// Initialize repositories
	profileRepo := repository.NewProfileRepository(db, publisher)
	coupleRepo := repository.NewCoupleRepository(db, publisher)
	moodRepo := repository.NewMoodRepository(db, publisher)
	scoreRepo := repository.NewScoreRepository(db, publisher)
	starRepo := repository.NewStarRepository(db, publisher)
	drawingRepo := repository.NewDrawingRepository(db, publisher)

	// Initialize services
	engine := pairing.NewEngine(profileRepo, coupleRepo, bus)
	presence := services.NewPresence(bus)
	members := services.NewMemberResolver(profileRepo)
	accountService := services.NewAccountService(profileRepo, engine, tokens, localSettings)
	snapshotService := services.NewSnapshotService(profileRepo, moodRepo, scoreRepo, starRepo)
	moodService := services.NewMoodService(moodRepo, profileRepo, bus)
	gameService := services.NewGameService(scoreRepo, bus)
	starService := services.NewStarService(starRepo, blobs)
	drawingService := services.NewDrawingService(drawingRepo, blobs, bus)
	pokeService := services.NewPokeService(profileRepo, presence, bus, pusher)

	// Initialize handlers
	set := &handlers.Set{
		Accounts: handlers.NewAccountHandler(accountService),
		Pairs:    handlers.NewPairHandler(engine),
		Couple: handlers.NewCoupleHandler(
			members,
			snapshotService,
			moodService,
			gameService,
			starService,
			drawingService,
			pokeService,
		),
		WebSocket: handlers.NewWebSocketHandler(tokens, reconcile.Deps{
			Members:   members,
			Profiles:  profileRepo,
			Snapshots: snapshotService,
			Moods:     moodService,
			Stars:     starService,
			Settings:  accountService,
			Games:     gameService,
			Drawings:  drawingService,
			Pokes:     pokeService,
			Presence:  presence,
			Feed:      hub,
			Bus:       bus,
		}),
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	// Routes
	set.Mount(r, tokens)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return rootCtx
		},
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("host", cfg.Server.Host).
			Int("port", cfg.Server.Port).
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

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// WebSocket connections are hijacked and not tracked by Shutdown
	stop()

	log.Info().Msg("Server exited")
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
