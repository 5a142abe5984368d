package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/api"
	"taskboard/board"
	"taskboard/domain"
	"taskboard/repair"
	"taskboard/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	root := &cobra.Command{
		Use:           "taskboard",
		Short:         "Collaborative task board backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	root.AddCommand(newServeCmd(), newRepairCmd(), newInitStorageCmd(), newTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log.StandardLogger())
		},
	}
}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Replay failed member copy writes from the repair queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRepair(ctx, cfg, log.StandardLogger())
		},
	}
}

func newInitStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the documents table and repair queue if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return initStorage(cmd.Context(), cfg, log.StandardLogger())
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a test-mode bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ident := domain.Identity{UserID: args[0], Email: email}
			token, err := api.SignTestToken([]byte(os.Getenv("TEST_JWT_SECRET")), ident, cfg.FirebaseProjectID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func newAuth(cfg Config) (*api.Auth, error) {
	if cfg.AuthTestMode {
		return api.NewAuth(nil, cfg.FirebaseProjectID), nil
	}
	if cfg.FirebaseProjectID == "" {
		return nil, errors.New("missing FIREBASE_PROJECT_ID")
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = api.FirebaseJWKSURL
	}
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval: time.Hour,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, err
	}
	return api.NewAuth(jwks, cfg.FirebaseProjectID), nil
}

// newService wires the store, resolver, synchronizer and failure sink.
func newService(cfg Config, st storage.Store, logger *log.Logger) (*board.Service, *board.Synchronizer, error) {
	sink, err := newSink(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	resolver := board.NewResolver(st, logger)
	synchronizer := board.NewSynchronizer(st, sink, cfg.FanoutConcurrency, logger)
	return board.NewService(st, resolver, synchronizer, logger), synchronizer, nil
}

func newServer(svc api.BoardService, auth api.Authenticator, logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowCredentials: false,
	}))
	e.Use(api.GzipRequestMiddleware())
	e.Use(echoprometheus.NewMiddleware("taskboard"))
	api.Register(e, svc, auth, logger)
	return e
}

func serve(ctx context.Context, cfg Config, logger *log.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.WithError(err).Warn("close store")
		}
	}()

	svc, _, err := newService(cfg, st, logger)
	if err != nil {
		return err
	}
	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}
	e := newServer(svc, auth, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{"port": cfg.Port, "backend": cfg.Backend}).Info("taskboard api starting")
		errCh <- e.Start(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func runRepair(ctx context.Context, cfg Config, logger *log.Logger) error {
	q, err := openRepairQueue(cfg)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.WithError(err).Warn("close store")
		}
	}()

	// Replays must not feed back into the queue they are read from.
	replayCfg := cfg
	replayCfg.RepairQueue = ""
	_, synchronizer, err := newService(replayCfg, st, logger)
	if err != nil {
		return err
	}
	logger.WithField("queue", cfg.RepairQueue).Info("repair worker starting")
	return repair.NewWorker(q, synchronizer, logger).Run(ctx)
}

func initStorage(ctx context.Context, cfg Config, logger *log.Logger) error {
	logger.Info("storage init starting")
	if cfg.Backend == backendTables {
		t, err := storage.NewTables(cfg.ConnectionString, cfg.DocumentsTable)
		if err != nil {
			return err
		}
		if err := t.EnsureTable(ctx); err != nil {
			return err
		}
		logger.WithField("table", cfg.DocumentsTable).Info("documents table ready")
	}
	if cfg.RepairQueue != "" {
		q, err := openRepairQueue(cfg)
		if err != nil {
			return err
		}
		if err := q.Ensure(ctx); err != nil {
			return err
		}
		logger.WithField("queue", cfg.RepairQueue).Info("repair queue ready")
	}
	logger.Info("storage init complete")
	return nil
}
