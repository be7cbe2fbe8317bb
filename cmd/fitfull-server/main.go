package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fitfull/consultation/internal/config"
	"github.com/fitfull/consultation/internal/domain/consultation"
	"github.com/fitfull/consultation/internal/domain/identity"
	"github.com/fitfull/consultation/internal/insight"
	"github.com/fitfull/consultation/internal/platform/auth"
	"github.com/fitfull/consultation/internal/platform/db"
	"github.com/fitfull/consultation/internal/platform/eventbus"
	"github.com/fitfull/consultation/internal/platform/fieldcrypt"
	"github.com/fitfull/consultation/internal/platform/middleware"
	"github.com/fitfull/consultation/internal/platform/websocket"
	"github.com/fitfull/consultation/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fitfull-server",
		Short: "FitFull consultation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the consultation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationFiles returns the on-disk directory when dir is set and the
// migrations compiled into the binary otherwise.
func migrationFiles(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationFiles(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (default: embedded migrations)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (default: embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
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

// sweepCmd runs one expiry pass. Events are still published to the
// configured Redis and AMQP sinks so connected clients hear about it.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one session expiry pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Getenv("ENV"))
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			cipher, err := newCipher(cfg)
			if err != nil {
				return err
			}
			pub, closeSinks, err := buildFanout(cfg, nil, logger, nil)
			if err != nil {
				return err
			}
			defer closeSinks()

			svc := consultation.NewService(
				consultation.NewSessionRepo(pool, cipher),
				identity.NewService(identity.NewPatientRepo(pool), identity.NewDoctorRepo(pool)),
				pub, logger, expiryPolicy(cfg))

			res, err := svc.Sweep(ctx, time.Now().UTC())
			fmt.Fprintf(cmd.OutOrStdout(), "promoted=%d expired=%d abandoned=%d\n", res.Promoted, res.Expired, res.Abandoned)
			return err
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newCipher(cfg *config.Config) (*fieldcrypt.Cipher, error) {
	key, err := cfg.FieldKey()
	if err != nil {
		return nil, err
	}
	return fieldcrypt.New(key)
}

func expiryPolicy(cfg *config.Config) consultation.ExpiryPolicy {
	return consultation.ExpiryPolicy{PendingTTL: cfg.PendingTTL, ActiveTTL: cfg.ActiveTTL}
}

// buildFanout assembles the event sinks: the local hub when hub is non-nil,
// then the Redis relay and the AMQP feed when configured. The relay is
// stored in relayOut so the caller can run its subscriber.
func buildFanout(cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger, relayOut **eventbus.RedisRelay) (*eventbus.Fanout, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	sinks := []eventbus.Sink{}
	if hub != nil {
		sinks = append(sinks, eventbus.Sink{Name: "hub", Publisher: hub})
	}

	if cfg.RedisURL != "" {
		client, err := eventbus.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { client.Close() })

		var local websocket.EventPublisher
		if hub != nil {
			local = hub
		}
		relay := eventbus.NewRedisRelay(client, cfg.RedisChannel, local, logger)
		sinks = append(sinks, eventbus.Sink{Name: "redis", Publisher: relay})
		if relayOut != nil {
			*relayOut = relay
		}
		logger.Info().Str("channel", cfg.RedisChannel).Str("origin", relay.Origin()).Msg("redis event relay enabled")
	}

	if cfg.AMQPURL != "" {
		amqpPub, err := eventbus.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, amqpPub.Close)
		sinks = append(sinks, eventbus.Sink{Name: "amqp", Publisher: amqpPub})
		logger.Info().Str("exchange", cfg.AMQPExchange).Msg("amqp event feed enabled")
	}

	return eventbus.NewFanout(sinks...), closeAll, nil
}

// server holds everything the HTTP layer needs.
type server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	db         db.Pinger
	identity   *identity.Service
	sessions   *consultation.Service
	hub        *websocket.Hub
	generator  insight.Generator
	authMiddle echo.MiddlewareFunc
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
}

func (s *server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.DevActorHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(s.db))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", s.authMiddle, middleware.Audit(s.logger), middleware.RateLimit(rateLimitCfg))
	identity.NewHandler(s.identity).RegisterRoutes(apiV1)
	consultation.NewHandler(s.sessions).RegisterRoutes(apiV1)
	insight.NewHandler(s.sessions, s.generator, s.logger).RegisterRoutes(apiV1)

	wsGroup := e.Group("", s.authMiddle)
	websocket.NewWebSocketHandler(s.hub, s.logger, s.cfg.CORSOrigins).RegisterRoutes(wsGroup)

	return e
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	cipher, err := newCipher(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid field encryption key")
	}
	if !cipher.Enabled() {
		logger.Warn().Msg("field encryption disabled; session free text is stored in plain text")
	}

	hub := websocket.NewHub(logger, nil)

	var relay *eventbus.RedisRelay
	pub, closeSinks, err := buildFanout(cfg, hub, logger, &relay)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect event sinks")
	}
	defer closeSinks()
	if relay != nil {
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("redis relay stopped")
			}
		}()
	}

	identitySvc := identity.NewService(identity.NewPatientRepo(pool), identity.NewDoctorRepo(pool))
	sessionSvc := consultation.NewService(consultation.NewSessionRepo(pool, cipher), identitySvc, pub, logger, expiryPolicy(cfg))
	hub.SetAuthorizer(sessionSvc)

	go consultation.NewSweeper(sessionSvc, cfg.SweepInterval, logger).Run(ctx)

	var gen insight.Generator
	if g := insight.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIModel); g != nil {
		gen = g
	}

	srv := &server{
		cfg:        cfg,
		logger:     logger,
		db:         pool,
		identity:   identitySvc,
		sessions:   sessionSvc,
		hub:        hub,
		generator:  gen,
		authMiddle: authMiddleware(cfg),
	}
	e := srv.router()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
