package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dietcare/dietcare/internal/config"
	"github.com/dietcare/dietcare/internal/domain/admin"
	"github.com/dietcare/dietcare/internal/domain/logbook"
	"github.com/dietcare/dietcare/internal/domain/patient"
	"github.com/dietcare/dietcare/internal/platform/auth"
	"github.com/dietcare/dietcare/internal/platform/blobstore"
	"github.com/dietcare/dietcare/internal/platform/changefeed"
	"github.com/dietcare/dietcare/internal/platform/db"
	"github.com/dietcare/dietcare/internal/platform/gemini"
	"github.com/dietcare/dietcare/internal/platform/kakao"
	"github.com/dietcare/dietcare/internal/platform/middleware"
	"github.com/dietcare/dietcare/internal/platform/validation"
	"github.com/dietcare/dietcare/internal/platform/websocket"
	"github.com/dietcare/dietcare/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dietcare-server",
		Short: "DietCare diet tracking API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adminCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the DietCare API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
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

	return fn(ctx, db.NewMigrator(pool, migrations.FS))
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

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin dashboard utilities",
	}

	hashCmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	hashCmd.Flags().String("password", "", "Password to hash (read from stdin when empty)")

	cmd.AddCommand(hashCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	loc, _ := cfg.Location()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if n, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	} else if n > 0 {
		logger.Info().Int("count", n).Msg("applied migrations")
	}

	// Meal photo storage
	store, media, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure photo storage")
	}
	logger.Info().Str("backend", cfg.StorageBackend).Msg("photo storage ready")

	// Food analysis
	if cfg.GeminiAPIKey == "" {
		logger.Warn().Msg("GEMINI_API_KEY is empty; meal analysis will return the fallback result")
	}
	analyzer := gemini.NewAnalyzer(gemini.NewClient(gemini.Config{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Timeout: cfg.AITimeout,
	}), logger)

	sessions := auth.NewSessionManager(auth.SessionConfig{
		Secret: []byte(cfg.SessionSecret),
		TTL:    cfg.SessionTTL,
		Secure: cfg.IsProduction(),
	})

	// Live change stream
	hub := websocket.NewHub(logger)
	sinks, closeSinks, err := buildSinks(ctx, cfg, hub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure event sink")
	}
	defer closeSinks()
	listener := changefeed.NewListener(pool, logger, sinks...)
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("change listener stopped")
		}
	}()

	patientSvc := patient.NewService(patient.NewRepo(pool), logger.With().Str("component", "patient").Logger())
	logbookSvc := logbook.NewService(logbook.NewRepo(pool), store, analyzer, loc, logger)

	e := newEcho(cfg, logger, services{
		sessions: sessions,
		patients: patient.NewHandler(patientSvc, sessions, kakao.NewClient(cfg.KakaoAPIURL, 10*time.Second)),
		logbook:  logbook.NewHandler(logbookSvc, cfg.MaxUploadBytes()),
		admin:    admin.NewHandler(sessions, auth.NewAdminAuthenticator(cfg.AdminPasswordHash), hub, logger),
		streams:  websocket.NewHandler(hub, cfg.CORSOrigins),
		media:    media,
		pool:     pool,
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// services are the mounted handlers. media is nil unless photos live in
// process memory.
type services struct {
	sessions *auth.SessionManager
	patients *patient.Handler
	logbook  *logbook.Handler
	admin    *admin.Handler
	streams  *websocket.Handler
	media    *blobstore.BlobHandler
	pool     db.Pinger
}

func newEcho(cfg *config.Config, logger zerolog.Logger, s services) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()
	e.Server.ReadHeaderTimeout = 10 * time.Second

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	rl.KeyFunc = middleware.DeviceOrIPKey

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID, auth.DeviceHeader},
		ExposeHeaders:    []string{auth.DeviceHeader, echo.HeaderXRequestID},
		AllowCredentials: true,
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", fmt.Sprintf("%dM", cfg.MaxUploadMB*2), isUpload))
	e.Use(middleware.RateLimit(rl))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, isChangeStream))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.pool != nil {
		e.GET("/health/db", db.HealthHandler(s.pool))
	}
	if s.media != nil {
		s.media.RegisterRoutes(e.Group(""))
	}

	api := e.Group("/api/v1", s.sessions.SessionMiddleware(), middleware.Audit(logger))
	me := api.Group("/me", auth.RequirePatient(), s.patients.RequireActive())
	adminGroup := api.Group("/admin", auth.RequireAdmin())

	s.patients.RegisterRoutes(api, me, adminGroup)
	s.logbook.RegisterRoutes(api, me, adminGroup)
	s.admin.RegisterRoutes(api, adminGroup)
	s.streams.RegisterRoutes(adminGroup)

	return e
}

// isUpload matches the routes that may carry a photo, as multipart or as a
// base64 image_data field.
var isUpload = middleware.UploadPaths("/meals/photo", "/me/meals", "/analyze/image")

func isChangeStream(c echo.Context) bool {
	return strings.HasSuffix(c.Request().URL.Path, "/changes")
}

// newBlobStore picks the photo backend. The in-memory store also returns the
// handler that serves its blobs under /media.
func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, *blobstore.BlobHandler, error) {
	switch cfg.StorageBackend {
	case "s3":
		store, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PublicBaseURL:   cfg.S3PublicBaseURL,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			MaxSize:         cfg.MaxUploadBytes(),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case "memory", "":
		store := blobstore.NewInMemoryBlobStore("/media", cfg.MaxUploadBytes())
		return store, blobstore.NewBlobHandler(store), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// buildSinks returns the hub plus the optional external event sink, and a
// func that flushes the external sink on shutdown.
func buildSinks(ctx context.Context, cfg *config.Config, hub *websocket.Hub) ([]changefeed.Sink, func(), error) {
	sinks := []changefeed.Sink{hub}
	noop := func() {}

	switch cfg.EventSink {
	case "", "none":
		return sinks, noop, nil
	case "kafka":
		k := changefeed.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		return append(sinks, k), func() { k.Close() }, nil
	case "sqs":
		q, err := changefeed.NewSQSSink(ctx, changefeed.SQSConfig{
			QueueName:       cfg.SQSQueueName,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, noop, err
		}
		return append(sinks, q), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown event sink %q", cfg.EventSink)
	}
}
