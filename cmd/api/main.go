package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/authcore/server/internal/auth"
	"github.com/authcore/server/internal/clock"
	"github.com/authcore/server/internal/config"
	"github.com/authcore/server/internal/db"
	httphandler "github.com/authcore/server/internal/http"
	"github.com/authcore/server/internal/http/handlers"
	"github.com/authcore/server/internal/logger"
	"github.com/authcore/server/internal/middleware"
	"github.com/authcore/server/internal/notify"
	"github.com/authcore/server/internal/repo"
)

const (
	purgeInterval = 15 * time.Minute
	purgeGrace    = time.Hour
)

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	env := cfg.AppEnv
	if cfg.IsProduction() {
		env = "production"
	}
	zl, err := logger.New(env, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error("server exited with error", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
	zl.Info("server exited")
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	clk := clock.System()

	users, otps, database, err := openStorage(ctx, cfg, zl)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if database != nil {
		registry.MustRegister(collectors.NewDBStatsCollector(database, "auth"))
	}

	tokens, err := auth.NewTokenIssuer(auth.SigningConfig{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.AccessTokenTTL,
	}, clk)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}
	hasher, err := auth.NewPasswordHasher(cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("password hasher: %w", err)
	}
	otpStore := auth.NewOtpStore(otps, auth.NewSecretGenerator(nil), clk, auth.OtpConfig{
		TTL:         cfg.OTPTTL,
		Length:      cfg.OTPLength,
		MaxAttempts: cfg.OTPMaxAttempts,
		Salt:        cfg.OTPSalt,
	})

	dispatcher, closeNotifier := buildNotifier(cfg, clk, zl)
	defer closeNotifier()

	if cfg.OTPDevMode {
		zl.Warn("OTP dev mode enabled: issued codes are echoed in responses")
	}
	authService := auth.NewAuthService(users, otpStore, tokens, hasher, dispatcher, clk,
		zl.Named("auth"), auth.NewMetrics(registry), auth.ServiceConfig{
			DispatchTimeout: cfg.DispatchTimeout,
			DevMode:         cfg.OTPDevMode,
		})

	ipLimiter, contactLimits, closeLimiters, err := buildLimiters(ctx, cfg, clk, zl)
	if err != nil {
		return err
	}
	defer closeLimiters()

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("parse TRUSTED_PROXIES: %w", err)
	}

	var pinger handlers.Pinger
	if database != nil {
		pinger = database
	}
	router := httphandler.NewRouter(httphandler.RouterDeps{
		Auth:           handlers.NewAuthHandler(authService, contactLimits, zl.Named("http")),
		Health:         handlers.NewHealthHandler(pinger, zl),
		Tokens:         authService,
		Users:          users,
		IPLimiter:      ipLimiter,
		TrustedProxies: proxies,
		Gatherer:       registry,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Log:            zl.Named("http"),
	})

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10*time.Second + cfg.DispatchTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("server starting", zap.String("port", cfg.Port), zap.String("storage", cfg.StorageDriver), zap.String("notifier", cfg.Notifier))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		purgeExpiredOtps(gctx, otpStore, zl)
		return nil
	})

	return g.Wait()
}

func openStorage(ctx context.Context, cfg *config.Config, zl *zap.Logger) (repo.UserRepo, repo.OtpRepo, *sql.DB, error) {
	if cfg.StorageDriver == config.StorageMemory {
		zl.Warn("using in-memory storage; data is lost on restart")
		return repo.NewMemoryUserRepo(), repo.NewMemoryOtpRepo(), nil, nil
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, zl)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return repo.NewUserRepo(database), repo.NewOtpRepo(database), database, nil
}

func buildNotifier(cfg *config.Config, clk clock.Clock, zl *zap.Logger) (auth.Dispatcher, func()) {
	switch cfg.Notifier {
	case config.NotifierSMTP:
		return notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}), func() {}
	case config.NotifierKafka:
		n := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.OTPTopic, clk, zl.Named("notify"))
		return n, func() { _ = n.Close() }
	default:
		return notify.NewLogNotifier(zl.Named("notify")), func() {}
	}
}

// buildLimiters returns the per-IP limiter for /auth and the per-contact
// resend and login limiters. REDIS_URL shares them across instances;
// otherwise they are process-local.
func buildLimiters(ctx context.Context, cfg *config.Config, clk clock.Clock, zl *zap.Logger) (middleware.Limiter, handlers.Limiters, func(), error) {
	const (
		ipWindow     = 10 * time.Minute
		ipMax        = 60
		resendWindow = 10 * time.Minute
		resendMax    = 3
		loginWindow  = 15 * time.Minute
		loginMax     = 10
	)

	if cfg.RedisURL != "" {
		client, err := middleware.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, handlers.Limiters{}, nil, err
		}
		zl.Info("redis rate limiting enabled")
		return middleware.NewRedisLimiter(client, "rl:ip", ipWindow, ipMax, clk),
			handlers.Limiters{
				Resend: middleware.NewRedisLimiter(client, "rl:resend", resendWindow, resendMax, clk),
				Login:  middleware.NewRedisLimiter(client, "rl:login", loginWindow, loginMax, clk),
			},
			func() { _ = client.Close() }, nil
	}

	ip := middleware.NewRateLimiter(ipWindow, ipMax, clk)
	resend := middleware.NewRateLimiter(resendWindow, resendMax, clk)
	login := middleware.NewRateLimiter(loginWindow, loginMax, clk)
	return ip, handlers.Limiters{Resend: resend, Login: login}, func() {
		ip.Stop()
		resend.Stop()
		login.Stop()
	}, nil
}

func purgeExpiredOtps(ctx context.Context, store *auth.OtpStore, zl *zap.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx, purgeGrace)
			if err != nil {
				zl.Warn("purge expired otps", zap.Error(err))
				continue
			}
			if n > 0 {
				zl.Debug("purged expired otps", zap.Int64("count", n))
			}
		}
	}
}
