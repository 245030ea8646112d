package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campuslink/internal/cache"
	"github.com/campuslink/internal/chat"
	"github.com/campuslink/internal/config"
	"github.com/campuslink/internal/handler"
	"github.com/campuslink/internal/logger"
	"github.com/campuslink/internal/middleware"
	"github.com/campuslink/internal/notify"
	"github.com/campuslink/internal/push"
	"github.com/campuslink/internal/repository"
	"github.com/campuslink/internal/startup"
	"github.com/campuslink/internal/storage"
	"github.com/campuslink/internal/storage/memory"
	"github.com/campuslink/internal/ws"
	"github.com/campuslink/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory store (no external services)")
	flag.Parse()

	logger.Info("starting API service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	// KV-хранилище и шина: Redis в проде, память в -dev.
	var store storage.Store
	var bus storage.EventBus
	if *dev {
		mem := memory.New()
		store, bus = mem, mem
		logger.Info("using in-memory store and event bus")
	} else {
		redisClient := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		defer redisClient.Close()
		store, bus = redisClient, redisClient
		logger.Info("redis connected")
	}

	cacheMgr := cache.New(store, cfg.CacheTTL())

	userRepo := repository.NewUserRepository(pool)
	chatRepo := repository.NewChatRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	prefsRepo := repository.NewPrefsRepository(pool)
	notifRepo := repository.NewNotificationRepository(pool)

	pushClient := push.NewClient(cfg.PushServiceURL)
	notifySvc := notify.NewService(notifRepo)
	chatSvc := chat.NewService(chatRepo, msgRepo, prefsRepo, cacheMgr, bus, pushClient, notifySvc)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(chatSvc, chatRepo, userRepo, msgRepo, bus, cfg.MaxWSConnections, cfg.FeedPollInterval)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	authH := handler.NewAuthHandler(userRepo, store)
	chatH := handler.NewChatHandler(chatRepo, userRepo, prefsRepo)
	msgH := handler.NewMessageHandler(chatSvc, chatRepo, userRepo)
	prefsH := handler.NewPrefsHandler(chatSvc)
	notifH := handler.NewNotificationHandler(notifRepo)
	userH := handler.NewUserHandler(userRepo)
	pushH := handler.NewPushHandler(pushClient, cfg.PushVAPIDPublicKey)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket — иначе ResponseWriter теряет http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Post("/api/auth/register", authH.Register)
	r.Post("/api/auth/login", authH.Login)
	r.Get("/api/push/vapid-public", pushH.VAPIDPublicKey)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(store, userRepo))
		r.Post("/api/auth/logout", authH.Logout)

		r.Get("/api/users/me", userH.Me)
		r.Get("/api/users/search", userH.Search)
		r.Get("/api/users/{userID}", userH.Get)

		r.Get("/api/chats", chatH.ListChats)
		r.Get("/api/chats/bookmarked", chatH.ListBookmarkedChats)
		r.Post("/api/chats/private", chatH.CreatePrivateChat)
		r.Post("/api/chats/group", chatH.CreateGroupChat)
		r.Get("/api/chats/{chatID}", chatH.GetChat)
		r.Put("/api/chats/{chatID}/settings", chatH.UpdateSettings)
		r.Post("/api/chats/{chatID}/participants", chatH.AddParticipants)
		r.Delete("/api/chats/{chatID}/participants/{userID}", chatH.RemoveParticipant)

		r.Get("/api/chats/{chatID}/messages", msgH.List)
		r.Post("/api/chats/{chatID}/messages", msgH.Send)
		r.Post("/api/chats/{chatID}/messages/{messageID}/read", msgH.MarkRead)
		r.Get("/api/chats/{chatID}/messages/{messageID}/image", msgH.Image)
		r.Post("/api/chats/{chatID}/read", msgH.MarkChatRead)
		r.Get("/api/chats/{chatID}/unread", msgH.UnreadCount)
		r.Get("/api/chats/{chatID}/pinned", msgH.ListPinned)
		r.Post("/api/chats/{chatID}/messages/{messageID}/pin", msgH.Pin)
		r.Delete("/api/chats/{chatID}/messages/{messageID}/pin", msgH.Unpin)

		r.Get("/api/chats/{chatID}/prefs", prefsH.Get)
		r.Put("/api/chats/{chatID}/prefs/mute", prefsH.SetMuted)
		r.Put("/api/chats/{chatID}/prefs/bookmark", prefsH.SetBookmarked)

		r.Get("/api/notifications", notifH.List)
		r.Get("/api/notifications/unread", notifH.UnreadCount)
		r.Post("/api/notifications/read-all", notifH.MarkAllRead)
		r.Post("/api/notifications/{notificationID}/read", notifH.MarkRead)

		r.Post("/api/push/subscriptions", pushH.Subscribe)
		r.Delete("/api/push/subscriptions", pushH.Unsubscribe)

		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "campuslink"
		password = "campuslink_secret"
		database = "campuslink"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
