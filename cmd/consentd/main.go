package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/consentd/internal/config"
	"github.com/ehr/consentd/internal/domain/access"
	"github.com/ehr/consentd/internal/platform/auth"
	"github.com/ehr/consentd/internal/platform/db"
	"github.com/ehr/consentd/internal/platform/events"
	"github.com/ehr/consentd/internal/platform/metrics"
	"github.com/ehr/consentd/internal/platform/middleware"
	"github.com/ehr/consentd/internal/platform/websocket"
	"github.com/ehr/consentd/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "consentd",
		Short: "Patient record access control and audit service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Create the default tenant schema and apply migrations before serving")
	return cmd
}

// withPool loads the config and opens a pool for the one-shot commands.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				if !db.ValidTenant(tenant) {
					return fmt.Errorf("invalid tenant identifier: %s", tenant)
				}
				schema := db.SchemaFor(tenant)
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant to migrate (default DEFAULT_TENANT)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				if !db.ValidTenant(tenant) {
					return fmt.Errorf("invalid tenant identifier: %s", tenant)
				}
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, db.SchemaFor(tenant))
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), db.SchemaFor(tenant), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant to inspect (default DEFAULT_TENANT)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenant(name) {
				return fmt.Errorf("invalid tenant identifier: %s", name)
			}
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaFor(name))
				if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Tenant created.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric and underscore)")

	cmd.AddCommand(createCmd)
	return cmd
}

// server is everything runServer starts and stops.
type server struct {
	echo    *echo.Echo
	service *access.Service
	closers []func()
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// newServer wires the store, publishers, metrics and HTTP routes for cfg.
// ctx bounds background goroutines.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, migrate bool) (*server, error) {
	srv := &server{}

	var (
		store access.Store
		pool  *pgxpool.Pool
	)
	switch cfg.Store {
	case config.StoreMemory:
		store = access.NewMemoryStore()
		logger.Warn().Msg("using in-memory store; state is lost on exit")
	default:
		var err error
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		srv.closers = append(srv.closers, pool.Close)
		logger.Info().Msg("connected to database")
		if migrate {
			if err := db.CreateTenantSchema(ctx, pool, cfg.DefaultTenant, migrations.FS); err != nil {
				srv.close()
				return nil, err
			}
		}
		store = access.NewPGStore(pool)
	}

	svc := access.NewService(store, logger)
	srv.service = svc

	hub := websocket.NewHub(func(ctx context.Context, actor, topic string) bool {
		patient, ok := strings.CutPrefix(topic, "patient/")
		return ok && svc.CanFollow(ctx, actor, patient)
	}, logger)
	pubs := events.Multi{events.NewLogPublisher(logger), hub}
	if cfg.RedisURL != "" {
		rp, err := events.NewRedisPublisher(ctx, cfg.RedisURL, cfg.EventsChannel)
		if err != nil {
			srv.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		srv.closers = append(srv.closers, func() { rp.Close() })
		pubs = append(pubs, rp)
		logger.Info().Str("channel", cfg.EventsChannel).Msg("publishing events to redis")
	}
	svc.SetPublisher(pubs)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	srv.echo = e

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID", auth.ActorHeader},
	}))

	if cfg.MetricsEnabled {
		m := metrics.New()
		svc.SetMetrics(m)
		e.Use(m.Middleware())
		e.GET("/metrics", m.Handler())
	}

	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: cfg.SigningKey(),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	tenanted := e.Group("", db.TenantMiddleware(pool, cfg.DefaultTenant))
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(tenanted)
	apiV1 := tenanted.Group("/api/v1",
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RequestTimeout(cfg.RequestTimeout),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
	)
	access.NewHandler(svc).RegisterRoutes(apiV1, middleware.BreakGlassLimit(ctx, logger, cfg.BreakGlassRate))

	return srv, nil
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		logger.Warn().Msg("AUTH_MODE=development: the X-Actor header is trusted as the caller identity")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, cfg, logger, migrate)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer srv.close()

	errc := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
