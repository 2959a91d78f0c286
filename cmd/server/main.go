package main // Entry point package

import (
	"context"
	"errors"
	"log" // Logging library
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4" // Echo web framework
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/account-guard/internal/config" // Internal config loader
	"github.com/iliyamo/account-guard/internal/database"
	"github.com/iliyamo/account-guard/internal/integrity"
	"github.com/iliyamo/account-guard/internal/lock"
	"github.com/iliyamo/account-guard/internal/queue"
	"github.com/iliyamo/account-guard/internal/repository"
	"github.com/iliyamo/account-guard/internal/router" // Internal router setup
	"github.com/iliyamo/account-guard/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load() // Load environment config; exits on missing or unsafe keys

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Options{
		User:     cfg.DBUser,
		Pass:     cfg.DBPass,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
		MaxConns: cfg.DBMaxConns,
	})
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db, database.MySQLSchema); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	checker, err := integrity.NewChecker(cfg.Keys, cfg.Bounds)
	if err != nil {
		log.Fatalf("integrity: %v", err)
	}

	// Redis backs both the lock and the rate limiter.  Without it locks fall
	// back to this process and rate limiting is skipped.
	rcfg := config.LoadRedisConfig()
	var rdb *redis.Client
	if cfg.LockBackend == "redis" {
		rdb, err = config.NewRedisClient(rcfg)
		if err != nil {
			log.Printf("redis unavailable, using in-process locks: %v", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}
	var backend lock.Backend = lock.NewMemoryBackend()
	if rdb != nil {
		backend = lock.NewRedisBackend(rdb, rcfg.Prefix)
	}
	locker := lock.New(backend, cfg.LockLease)

	var events service.Publisher = service.NopPublisher{}
	if cfg.RabbitURL != "" {
		events = &service.AMQPPublisher{URL: cfg.RabbitURL}
		if cfg.StartConsumer {
			go queue.StartSecurityConsumer(cfg.RabbitURL, cfg.SecurityLogDir)
		}
	} else {
		log.Printf("RABBITMQ_URL not set, security events are not published")
	}

	svc, err := service.New(db, cfg.Keys, checker, locker, events, service.Options{
		BcryptCost:  cfg.BcryptCost,
		LockPoll:    cfg.LockPoll,
		LockTimeout: cfg.LockTimeout,
		Issuer:      cfg.TOTPIssuer,
	})
	if err != nil {
		log.Fatalf("service: %v", err)
	}
	bootstrapAdmin(ctx, svc)

	go svc.RunRetention(ctx, cfg.RetentionEvery, cfg.SessionMaxAge)

	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Use(echomw.Logger(), echomw.Recover())
	router.RegisterRoutes(e, db) // Register application routes
	router.RegisterAuth(e, svc, config.LoadRateLimitConfig(), rdb)

	addr := ":" + cfg.Port                                // Address string with port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env) // Print startup info

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err) // Log and exit if server fails
	}
}

// bootstrapAdmin creates the first administrator when BOOTSTRAP_ADMIN_USERNAME
// and BOOTSTRAP_ADMIN_PASSWORD are set.  An existing account is left alone.
func bootstrapAdmin(ctx context.Context, svc *service.AccountService) {
	username, password := os.Getenv("BOOTSTRAP_ADMIN_USERNAME"), os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")
	if username == "" || password == "" {
		return
	}
	_, err := svc.CreateAccount(ctx, service.NewAccount{
		Username:    username,
		Password:    password,
		Role:        service.RoleAdmin,
		Permissions: []string{service.PermAccountsRead, service.PermAccountsWrite},
	})
	switch {
	case err == nil:
		log.Printf("bootstrap: created admin %q", username)
	case errors.Is(err, repository.ErrConflict):
		log.Printf("bootstrap: admin %q already exists", username)
	default:
		log.Fatalf("bootstrap admin: %v", err)
	}
}
