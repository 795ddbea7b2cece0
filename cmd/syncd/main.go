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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicsync/syncd/internal/clinic"
	"github.com/clinicsync/syncd/internal/config"
	"github.com/clinicsync/syncd/internal/crm"
	"github.com/clinicsync/syncd/internal/domain/credential"
	"github.com/clinicsync/syncd/internal/domain/inbound"
	"github.com/clinicsync/syncd/internal/domain/invoice"
	"github.com/clinicsync/syncd/internal/domain/mirror"
	"github.com/clinicsync/syncd/internal/domain/outbound"
	"github.com/clinicsync/syncd/internal/platform/db"
	"github.com/clinicsync/syncd/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncd",
		Short: "Clinic/CRM synchronization daemon",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// deps is the wired object graph shared by the server and the one-shot
// commands.
type deps struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	repo     mirror.Repository
	tokens   *credential.Manager
	oauth    *crm.OAuth
	clinic   *clinic.Client
	crm      *crm.Client
	invoices *invoice.Resolver
	engine   *outbound.Engine
}

func buildDeps(ctx context.Context, logger zerolog.Logger) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	repo := mirror.NewRepoPG(pool)
	credRepo := credential.NewRepoPG(pool)

	oauth := crm.NewOAuth(crm.OAuthConfig{
		BaseURL:      cfg.CRMBaseURL,
		ClientID:     cfg.CRMClientID,
		ClientSecret: cfg.CRMClientSecret,
		RedirectURI:  cfg.CRMRedirectURI,
		Scope:        cfg.CRMScope,
		Timeout:      cfg.HTTPTimeout,
	})
	tokens := credential.NewManager(credRepo, oauth, cfg.RefreshInterval(), logger)

	crmClient := crm.NewClient(crm.Config{
		BaseURL:        cfg.CRMBaseURL,
		CalendarID:     cfg.CRMCalendarID,
		AssignedUserID: cfg.CRMAssignedUser,
		PageSize:       cfg.SyncPageSize,
		Timeout:        cfg.HTTPTimeout,
	}, tokens, logger)

	clinicClient := clinic.NewClient(clinic.Config{
		BaseURL:  cfg.ClinicBaseURL,
		Email:    cfg.ClinicEmail,
		Password: cfg.ClinicPassword,
		PageSize: cfg.SyncPageSize,
		Timeout:  cfg.HTTPTimeout,
	}, logger)

	engine := outbound.NewEngine(repo, clinicClient, crmClient, outbound.Config{
		Window:               cfg.SyncWindow(),
		ReconcileInterval:    cfg.SyncInterval,
		DeadLetterThreshold:  cfg.DeadLetterThreshold,
		CRMRequestsPerSecond: cfg.CRMRateLimitRPS,
		CRMBurst:             cfg.CRMRateLimitBurst,
		InTx: func(ctx context.Context, fn func(context.Context) error) error {
			return db.RunInTx(ctx, pool, fn)
		},
	}, logger)

	return &deps{
		cfg:      cfg,
		pool:     pool,
		repo:     repo,
		tokens:   tokens,
		oauth:    oauth,
		clinic:   clinicClient,
		crm:      crmClient,
		invoices: invoice.NewResolver(clinicClient, logger),
		engine:   engine,
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := buildDeps(ctx, logger)
	if err != nil {
		return err
	}
	defer d.pool.Close()
	logger.Info().Msg("connected to database")

	dispatcher := inbound.NewDispatcher(4, 256, logger)
	dispatcher.Start(ctx)

	inboundSvc := inbound.NewService(d.repo, d.repo, d.clinic, d.invoices, dispatcher, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	inbound.NewHandler(inboundSvc, logger).Register(e)

	// OAuth connect flow for the CRM location.
	e.GET("/oauth/connect", func(c echo.Context) error {
		return c.Redirect(http.StatusFound, d.oauth.ConnectURL())
	})
	e.GET("/oauth/callback", func(c echo.Context) error {
		code := c.QueryParam("code")
		if code == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "missing code parameter")
		}
		grant, err := d.oauth.Exchange(c.Request().Context(), code)
		if err != nil {
			logger.Error().Err(err).Msg("oauth code exchange failed")
			return echo.NewHTTPError(http.StatusBadGateway, "code exchange failed")
		}
		if err := d.tokens.StoreGrant(c.Request().Context(), grant); err != nil {
			logger.Error().Err(err).Msg("storing oauth grant failed")
			return echo.NewHTTPError(http.StatusInternalServerError, "could not store credentials")
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":      "connected",
			"location_id": grant.LocationID,
		})
	})

	// Manual cycle trigger. The cycle runs in the background; overlapping
	// triggers are refused by the engine's run lock.
	e.POST("/api/v1/sync/run", func(c echo.Context) error {
		go func() {
			summary, err := d.engine.RunCycle(ctx)
			if errors.Is(err, outbound.ErrCycleRunning) {
				logger.Info().Msg("manual sync trigger ignored, cycle already running")
				return
			}
			if err != nil {
				logger.Error().Err(err).Msg("manual sync cycle failed")
				return
			}
			logger.Info().Interface("summary", summary).Msg("manual sync cycle done")
		}()
		return c.JSON(http.StatusAccepted, map[string]string{"status": "cycle started"})
	})

	// Background loops: proactive token refresh and the periodic sync cycle.
	go d.tokens.Run(ctx)
	go runSyncLoop(ctx, d.engine, d.cfg.SyncInterval, logger)

	go func() {
		addr := ":" + d.cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	dispatcher.Stop()
	return nil
}

// runSyncLoop runs one cycle immediately, then one per interval until ctx is
// cancelled.
func runSyncLoop(ctx context.Context, engine *outbound.Engine, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		summary, err := engine.RunCycle(ctx)
		switch {
		case errors.Is(err, outbound.ErrCycleRunning):
			// A manual trigger is in flight; next tick picks up.
		case err != nil:
			logger.Error().Err(err).Msg("sync cycle failed")
		default:
			logger.Info().
				Int("contacts_pushed", summary.Contacts.Pushed).
				Int("appointments_pushed", summary.Appointments.Pushed).
				Msg("scheduled sync cycle done")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
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

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
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

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run synchronization tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run a single sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := context.Background()

			d, err := buildDeps(ctx, logger)
			if err != nil {
				return err
			}
			defer d.pool.Close()

			summary, err := d.engine.RunCycle(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Cycle finished in %s\n", summary.Duration.Round(time.Millisecond))
			fmt.Printf("Contacts:     created=%d updated=%d pushed=%d failed=%d skipped=%d\n",
				summary.Contacts.Created, summary.Contacts.Updated, summary.Contacts.Pushed,
				summary.Contacts.Failed, summary.Contacts.Skipped)
			fmt.Printf("Appointments: created=%d updated=%d pushed=%d failed=%d skipped=%d\n",
				summary.Appointments.Created, summary.Appointments.Updated, summary.Appointments.Pushed,
				summary.Appointments.Failed, summary.Appointments.Skipped)
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the CRM OAuth credential",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Force a token refresh now",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := context.Background()

			d, err := buildDeps(ctx, logger)
			if err != nil {
				return err
			}
			defer d.pool.Close()

			if err := d.tokens.Refresh(ctx); err != nil {
				if errors.Is(err, credential.ErrReauthRequired) {
					return fmt.Errorf("refresh token rejected; reconnect the CRM location via /oauth/connect")
				}
				return err
			}
			fmt.Println("Token refreshed.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "connect-url",
		Short: "Print the CRM marketplace connect URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			oauth := crm.NewOAuth(crm.OAuthConfig{
				BaseURL:      cfg.CRMBaseURL,
				ClientID:     cfg.CRMClientID,
				ClientSecret: cfg.CRMClientSecret,
				RedirectURI:  cfg.CRMRedirectURI,
				Scope:        cfg.CRMScope,
			})
			fmt.Println(oauth.ConnectURL())
			return nil
		},
	})

	return cmd
}
