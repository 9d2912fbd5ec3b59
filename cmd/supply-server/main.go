package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/supply/internal/config"
	"github.com/clinic/supply/internal/domain/catalog"
	"github.com/clinic/supply/internal/domain/theatre"
	"github.com/clinic/supply/internal/platform/auth"
	"github.com/clinic/supply/internal/platform/db"
	"github.com/clinic/supply/internal/platform/middleware"
	"github.com/clinic/supply/internal/platform/telemetry"
	"github.com/clinic/supply/migrations"
)

const (
	serviceName = "supply-server"
	version     = "0.1.0"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Surgical consumables supply API server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(stockCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the supply API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// loadConfig reads and validates configuration. Every command goes through
// it so a bad environment fails before a pool is opened.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Str("service", serviceName).Logger()
}

// migrationSource prefers MIGRATIONS_DIR so operators can ship hotfix SQL
// without a rebuild; the embedded scripts are the default.
func migrationSource(cfg *config.Config, dirFlag string) fs.FS {
	dir := dirFlag
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.Files
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: cfg.DBMaxConnLifetime,
		MaxConnIdleTime: cfg.DBMaxConnIdle,
		ApplicationName: serviceName,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(tenant)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigratorFS(pool, migrationSource(cfg, dir)).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant whose schema is migrated (defaults to DEFAULT_TENANT)")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaName(tenant)
			statuses, err := db.NewMigratorFS(pool, migrationSource(cfg, dir)).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant whose schema is inspected (defaults to DEFAULT_TENANT)")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
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
		Short: "Manage clinic tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return errors.New("--name is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrationSource(cfg, "")); err != nil {
				return err
			}
			fmt.Fprintln(out, "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	cmd.AddCommand(createCmd)
	return cmd
}

// stockQueryFlags are the parsed arguments of `stock query`.
type stockQueryFlags struct {
	tenant string
	store  uuid.UUID
	item   uuid.UUID
	low    bool
}

func parseStockQueryFlags(cmd *cobra.Command, defaultTenant string) (stockQueryFlags, error) {
	var f stockQueryFlags
	f.tenant, _ = cmd.Flags().GetString("tenant")
	if f.tenant == "" {
		f.tenant = defaultTenant
	}
	f.low, _ = cmd.Flags().GetBool("low")

	storeRaw, _ := cmd.Flags().GetString("store")
	store, err := uuid.Parse(storeRaw)
	if err != nil {
		return f, fmt.Errorf("--store must be a store id: %w", err)
	}
	f.store = store

	if itemRaw, _ := cmd.Flags().GetString("item"); itemRaw != "" {
		item, err := uuid.Parse(itemRaw)
		if err != nil {
			return f, fmt.Errorf("--item must be an item id: %w", err)
		}
		f.item = item
	}
	if f.low && f.item != uuid.Nil {
		return f, errors.New("--low and --item cannot be combined")
	}
	return f, nil
}

func stockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Inspect store stock",
	}

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Print the batches held by a store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flags, err := parseStockQueryFlags(cmd, cfg.DefaultTenant)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, release, err := db.WithTenantConn(ctx, pool, flags.tenant)
			if err != nil {
				return err
			}
			defer release()

			ledger := theatre.NewLedger(theatre.NewStockRepoPG(pool), db.NewTxRunner(pool), theatre.Options{
				Logger: zerolog.Nop(),
			})

			var batches []*theatre.StoreBatchStock
			switch {
			case flags.low:
				batches, err = ledger.LowStock(ctx, flags.store)
			case flags.item != uuid.Nil:
				batches, err = ledger.Query(ctx, flags.store, flags.item)
			default:
				batches, err = ledger.StoreStock(ctx, flags.store)
			}
			if err != nil {
				return err
			}
			printBatches(cmd.OutOrStdout(), batches)
			return nil
		},
	}
	queryCmd.Flags().String("tenant", "", "Tenant to query (defaults to DEFAULT_TENANT)")
	queryCmd.Flags().String("store", "", "Store id (required)")
	queryCmd.Flags().String("item", "", "Restrict to one item id")
	queryCmd.Flags().Bool("low", false, "Only batches at or below their minimum quantity")
	_ = queryCmd.MarkFlagRequired("store")
	cmd.AddCommand(queryCmd)
	return cmd
}

func printBatches(w io.Writer, batches []*theatre.StoreBatchStock) {
	fmt.Fprintf(w, "%-36s %-24s %10s %-10s %-6s %s\n", "ITEM", "BATCH", "AVAILABLE", "EXPIRES", "ACTIVE", "LOW")
	for _, b := range batches {
		expires := "-"
		if b.ExpiryDate != nil {
			expires = b.ExpiryDate.Format("2006-01-02")
		}
		low := ""
		if b.BelowMinimum() {
			low = "yes"
		}
		fmt.Fprintf(w, "%-36s %-24s %10d %-10s %-6t %s\n", b.ItemID, b.BatchNumber, b.QuantityAvailable, expires, b.IsActive, low)
	}
	fmt.Fprintf(w, "%d batch(es)\n", len(batches))
}

// app bundles what newServer needs; runServer fills it from the
// environment and tests can build it with a nil pool.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	metrics *telemetry.Provider
}

func (a *app) theatreOptions() theatre.Options {
	opts := theatre.Options{
		RequisitionPrefix: a.cfg.RequisitionPrefix,
		CentralStoreName:  a.cfg.CentralStoreName,
		Logger:            a.logger,
	}
	if a.metrics != nil {
		opts.Metrics = a.metrics.Supply
	}
	return opts
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.ResolvedAuthMode() == "development" {
		a.logger.Warn().Msg("development auth enabled; every request runs as admin")
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:   a.cfg.AuthIssuer,
		Audience: a.cfg.AuthAudience,
		JWKSURL:  a.cfg.AuthJWKSURL,
	})
}

// newServer builds the echo instance with every route registered.
func (a *app) newServer() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-User-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit))
	if cfg.MetricsEnabled && a.metrics != nil {
		e.Use(a.metrics.MetricsMiddleware())
		e.GET("/metrics", a.metrics.Handler())
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": serviceName, "version": version})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, serviceName, version))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}

	apiV1 := e.Group("/api/v1",
		a.authMiddleware(),
		db.TenantMiddleware(a.pool, cfg.DefaultTenant),
		middleware.RateLimit(rl),
		middleware.Audit(a.logger),
	)

	opts := a.theatreOptions()
	txRunner := db.NewTxRunner(a.pool)

	catalogSvc := catalog.NewService(catalog.NewItemRepoPG(a.pool), a.logger)
	catalog.NewHandler(catalogSvc).RegisterRoutes(apiV1)

	requisitions := theatre.NewRequisitionRepoPG(a.pool)
	stores := theatre.NewStoreRepoPG(a.pool)
	ledger := theatre.NewLedger(theatre.NewStockRepoPG(a.pool), txRunner, opts)
	workflow := theatre.NewWorkflow(requisitions, catalogSvc, db.NewSequence(a.pool), txRunner, opts)
	transfers := theatre.NewTransferExecutor(theatre.NewTransferRepoPG(a.pool), requisitions, stores, catalogSvc, ledger, txRunner, opts)
	usage := theatre.NewConsumptionRecorder(theatre.NewUsageRepoPG(a.pool), catalogSvc, ledger, txRunner, opts)
	storeSvc := theatre.NewStoreService(stores, opts)

	theatre.NewHandler(workflow, transfers, ledger, usage, storeSvc).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	metrics := telemetry.NewProvider(version)
	metrics.RegisterPool(pool)

	a := &app{cfg: cfg, logger: logger, pool: pool, metrics: metrics}
	e := a.newServer()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
