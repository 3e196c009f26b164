package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrymomot/mailslot/modules/billing"
	"github.com/dmitrymomot/mailslot/pkg/config"
	"github.com/dmitrymomot/mailslot/pkg/entitlement"
	"github.com/dmitrymomot/mailslot/pkg/httpserver"
	"github.com/dmitrymomot/mailslot/pkg/logger"
	"github.com/dmitrymomot/mailslot/pkg/pg"
	"github.com/dmitrymomot/mailslot/pkg/redis"
)

type appConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"APP_NAME" envDefault:"mailslot"`

	// CatalogPath optionally points at a YAML price catalog; when empty
	// the catalog is read from BILLING_* environment variables.
	CatalogPath string `env:"BILLING_CATALOG_PATH"`

	ViewCacheTTL time.Duration `env:"VIEW_CACHE_TTL" envDefault:"1m"`
}

func main() {
	var appCfg appConfig
	config.MustLoad(&appCfg)

	log := logger.New(logger.WithEnvironment(appCfg.Environment, appCfg.ServiceName))
	logger.SetAsDefault(log)

	if err := run(context.Background(), appCfg, log); err != nil {
		log.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, appCfg appConfig, log *slog.Logger) error {
	var pgCfg pg.Config
	config.MustLoad(&pgCfg)
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	var redisCfg redis.Config
	config.MustLoad(&redisCfg)
	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	var paddleCfg entitlement.PaddleConfig
	config.MustLoad(&paddleCfg)
	provider, err := entitlement.NewPaddleProvider(paddleCfg)
	if err != nil {
		return err
	}

	catalog, err := loadCatalog(appCfg)
	if err != nil {
		return err
	}

	svc, err := entitlement.NewService(
		entitlement.NewPostgresEntitlementStore(pool),
		entitlement.NewPostgresAccountStore(pool),
		provider,
		catalog,
		entitlement.WithLogger(log),
		entitlement.WithViewCache(entitlement.NewRedisViewCache(redisClient, appCfg.ViewCacheTTL)),
	)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", httpserver.HealthHandler(map[string]httpserver.HealthCheck{
		"postgres": pg.Healthcheck(pool),
		"redis":    redis.Healthcheck(redisClient),
	}))
	r.Mount("/billing", billing.Router(svc, ownerFromHeader, log))

	var httpCfg httpserver.Config
	config.MustLoad(&httpCfg)
	return httpserver.New(httpCfg, log).Run(ctx, r)
}

func loadCatalog(appCfg appConfig) (entitlement.Catalog, error) {
	if appCfg.CatalogPath != "" {
		return entitlement.LoadCatalog(appCfg.CatalogPath)
	}
	var catalog entitlement.Catalog
	if err := config.Load(&catalog); err != nil {
		return entitlement.Catalog{}, err
	}
	return catalog, nil
}

// ownerFromHeader trusts the authenticating reverse proxy to set the
// owner ID header. Swap for a session or JWT resolver when the service
// terminates auth itself.
func ownerFromHeader(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-Owner-ID")
	if raw == "" {
		return uuid.Nil, errors.New("missing X-Owner-ID header")
	}
	return uuid.Parse(raw)
}
