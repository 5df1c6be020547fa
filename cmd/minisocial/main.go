package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/totegamma/minisocial/internal/config"
	"github.com/totegamma/minisocial/internal/infra/cache"
	"github.com/totegamma/minisocial/internal/infra/database"
	"github.com/totegamma/minisocial/internal/infra/gateway"
	"github.com/totegamma/minisocial/internal/infra/memory"
	"github.com/totegamma/minisocial/internal/infra/repository"
	"github.com/totegamma/minisocial/internal/present/rest"
	"github.com/totegamma/minisocial/internal/present/rest/middleware"
	"github.com/totegamma/minisocial/internal/service"
	"github.com/totegamma/minisocial/internal/usecase"
	"github.com/totegamma/minisocial/policy"
)

var (
	version = "dev"
)

func main() {
	configPath := flag.String("config", "/etc/minisocial/config.yaml", "path to the YAML config file")
	issueToken := flag.String("issue-token", "", "print a bearer token for the given user id and exit")
	bootstrapAdmin := flag.String("bootstrap-admin", "", "give the user id the admin role and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", slog.String("error", err.Error()))
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	conf, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authService := service.NewAuthService(conf.Domain())
	if *issueToken != "" {
		token, err := authService.IssueToken(ctx, *issueToken)
		if err != nil {
			slog.Error("failed to issue token", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := checkBootstrap(conf, *bootstrapAdmin); err != nil {
		slog.Error("refusing -bootstrap-admin", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if conf.Server.EnableTrace {
		cleanup, err := setupTraceProvider(ctx, conf.Server.TraceEndpoint, "minisocial", version)
		if err != nil {
			slog.Error("failed to setup tracing", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer cleanup()
	}

	backend, closeBackend, err := openBackend(ctx, conf)
	if err != nil {
		slog.Error("failed to open backend", slog.String("backend", conf.Server.Backend), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer closeBackend()

	var roleCache usecase.RoleCache
	if conf.Server.MemcachedAddr != "" {
		roleCache = cache.NewMemcacheRoleCache(database.NewMemcached(conf.Server.MemcachedAddr), conf.Server.RoleCacheTTL)
	} else {
		roleCache = cache.NewLocalRoleCache(conf.Server.RoleCacheTTL)
	}

	domainConfig := conf.Domain()
	records := usecase.NewRecordUsecase(backend, nil)
	subscriptions := usecase.NewSubscriptionManager(
		backend,
		usecase.WithRetryPolicy(usecase.RetryPolicy{
			MaxRetries:      conf.Realtime.Retry.MaxRetries,
			InitialInterval: conf.Realtime.Retry.InitialInterval,
			MaxInterval:     conf.Realtime.Retry.MaxInterval,
		}),
		usecase.WithSnapshotBuffer(conf.Realtime.SnapshotBuffer),
	)
	defer subscriptions.Close()

	gate := usecase.NewPermissionGate(backend, roleCache)
	posts := usecase.NewPostUsecase(records, subscriptions, domainConfig)
	comments := usecase.NewCommentUsecase(records, subscriptions)
	conversations := usecase.NewConversationUsecase(records)
	messages := usecase.NewMessageUsecase(records, subscriptions, domainConfig)
	moderation := usecase.NewModerationUsecase(records, gate)
	users := usecase.NewUserUsecase(records, subscriptions, gate)

	if *bootstrapAdmin != "" {
		err := users.CreateUserWithRole(ctx, *bootstrapAdmin, "", policy.RoleAdmin)
		if err != nil {
			slog.Error("failed to bootstrap admin", slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("admin granted", slog.String("user", *bootstrapAdmin))
		return
	}

	handler := rest.NewHandler(domainConfig, posts, comments, conversations, messages, moderation, users)
	authMiddleware := middleware.NewAuthMiddleware(authService)

	e := echo.New()
	e.HideBanner = true
	if conf.Server.EnableTrace {
		e.Use(otelecho.Middleware("minisocial", otelecho.WithSkipper(func(c echo.Context) bool {
			return c.Path() == "/realtime" || c.Path() == "/health"
		})))
	}
	e.Use(echomiddleware.Logger())
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(authMiddleware.IdentifyIdentity)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "version": version, "backend": conf.Server.Backend})
	})
	handler.RegisterRoutes(e)

	go func() {
		slog.Info("minisocial started", slog.String("listen", conf.Server.Listen), slog.String("backend", conf.Server.Backend))
		if err := e.Start(conf.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown", slog.String("error", err.Error()))
	}
}

// loadConfig falls back to defaults and environment overrides when the
// file does not exist.
func loadConfig(path string) (config.Config, error) {
	conf, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("config file not found, using environment", slog.String("path", path))
		return config.Decode(strings.NewReader(""))
	}
	return conf, err
}

// checkBootstrap rejects -bootstrap-admin when the grant would not outlive
// the process.
func checkBootstrap(conf config.Config, uid string) error {
	if uid != "" && conf.Server.Backend == config.BackendMemory {
		return fmt.Errorf("the %s backend is discarded on exit, grant %q from a running server instead", conf.Server.Backend, uid)
	}
	return nil
}

// openBackend wires the storage and change feed selected by server.backend.
func openBackend(ctx context.Context, conf config.Config) (usecase.Backend, func(), error) {
	switch conf.Server.Backend {
	case config.BackendPostgres:
		db, err := database.NewPostgres(conf.Server.PostgresDsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect database: %w", err)
		}
		if err := database.MigratePostgres(db); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		rdb := database.NewRedis(conf.Server.RedisAddr, conf.Server.RedisPassword, conf.Server.RedisDB)
		if err := database.PingRedis(ctx, rdb); err != nil {
			return nil, nil, err
		}

		signals := service.NewSignalService(rdb)
		records := repository.NewRecordRepository(db, signals)
		backend := struct {
			usecase.RecordRepository
			usecase.LiveQuery
		}{records, repository.NewLiveQuery(records, signals)}

		return backend, func() {
			rdb.Close()
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}, nil

	case config.BackendFirebase:
		client, err := gateway.NewRealtimeDBClient(ctx, conf.Firebase.DatabaseURL, conf.Firebase.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return gateway.NewFirebaseGateway(client, conf.Firebase.PollInterval), func() {}, nil

	default:
		slog.Warn("using the in-memory backend; data is lost on restart")
		return memory.NewStore(), func() {}, nil
	}
}
