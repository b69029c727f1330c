package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/config"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/notify"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/obs"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/otp"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/permission"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/refresh"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/router"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/scheduler"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-shop-auth/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/database"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

func main() {
	// best-effort: a missing .env falls back to the real environment
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()
	sugar := lg.Sugar()

	if err := run(sugar); err != nil {
		sugar.Errorw("service stopped with error", "err", err)
		_ = lg.Sync()
		os.Exit(1)
	}
	sugar.Info("goodbye")
}

func run(sugar *zap.SugaredLogger) (err error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	sugar.Infow("starting service-shop-auth", "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DB())
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	if cfg.MigrateOnStart {
		if err := database.Migrate(ctx, db.DB, "up"); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.New(reg)

	var cache permission.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { err = multierr.Append(err, rdb.Close()) }()
		if perr := rdb.Ping(ctx).Err(); perr != nil {
			sugar.Warnw("redis unreachable, permission lookups fall through to the database", "addr", cfg.Redis.Addr, "err", perr)
		}
		cache = permission.NewRedisCache(rdb, "perm:user:", cfg.PermissionCacheTTL())
		sugar.Infow("permission cache: redis", "addr", cfg.Redis.Addr)
	} else {
		cache = permission.NewMemoryCache(cfg.PermissionCacheTTL(), nil)
		sugar.Info("permission cache: in-process")
	}

	signer, err := token.NewSigner(cfg.JWT.SigningKey,
		token.WithAccessTTL(cfg.AccessTTL()), token.WithRefreshTTL(cfg.RefreshTTL()))
	if err != nil {
		return err
	}

	smtp := notify.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, sugar)
	mailer := notify.NewAsyncSender(smtp, cfg.MailWorkers, sugar)
	// workers outlive the signal so requests still draining can deliver
	mailer.Start(context.Background())
	defer mailer.Close()

	users := userrepo.NewUserRepo(db)
	userSvc := user.NewUserService(db, users, nil, sugar)
	perms := permission.NewService(users, cache, sugar)
	otpMgr := otp.NewManager(db, nil, userSvc, mailer, sugar,
		otp.WithMetrics(metrics), otp.WithCleanupBatch(cfg.CleanupBatchSize))
	refreshSvc := refresh.NewService(db, nil, userSvc, signer, sugar,
		refresh.WithMetrics(metrics), refresh.WithCleanupBatch(cfg.CleanupBatchSize))
	sessions := auth.NewService(userSvc, otpMgr, signer, refreshSvc, metrics, sugar,
		auth.WithTransactor(database.NewTransactor(db)))

	sched := scheduler.New(sugar)
	sched.Add(scheduler.Job{Name: "otp_cleanup", Schedule: scheduler.Hourly(), Run: otpMgr.CleanupExpired, Timeout: 5 * time.Minute})
	sched.Add(scheduler.Job{Name: "refresh_token_cleanup", Schedule: scheduler.DailyAt(3, 0), Run: refreshSvc.CleanupExpired, Timeout: 30 * time.Minute})
	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	proxies, err := cfg.TrustedProxies()
	if err != nil {
		return err
	}
	limiter := router.NewIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, proxies...)
	go limiter.Run(ctx)

	handler := router.RegisterRoutes(sugar, router.Deps{
		OTP:         otp.NewHandler(otpMgr, sugar),
		Auth:        auth.NewHandler(sessions, sugar),
		Admin:       permission.NewHandler(perms, sugar),
		Tokens:      signer,
		Permissions: perms,
		Metrics:     metrics,
		Limiter:     limiter,
		DB:          db,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-schedDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	sugar.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		err = multierr.Append(err, fmt.Errorf("http shutdown: %w", serr))
	}
	mailer.Close()
	<-schedDone
	return err
}
