package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/c66w/business-cooperation-sub000/actions"
	"github.com/c66w/business-cooperation-sub000/application"
	"github.com/c66w/business-cooperation-sub000/assist"
	"github.com/c66w/business-cooperation-sub000/audit"
	"github.com/c66w/business-cooperation-sub000/auth"
	"github.com/c66w/business-cooperation-sub000/config"
	"github.com/c66w/business-cooperation-sub000/db"
	"github.com/c66w/business-cooperation-sub000/logging"
	"github.com/c66w/business-cooperation-sub000/metrics"
	"github.com/c66w/business-cooperation-sub000/migrations"
	"github.com/c66w/business-cooperation-sub000/outbox"
	"github.com/c66w/business-cooperation-sub000/review"
	"github.com/c66w/business-cooperation-sub000/reviewer"
	"github.com/c66w/business-cooperation-sub000/storage"
	"github.com/c66w/business-cooperation-sub000/workflow"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "coop",
	Short:         "Merchant cooperation review service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var withRelay bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return migrations.Up(cfg.Database.URL)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return migrations.Down(cfg.Database.URL)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		v, dirty, err := migrations.Version(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", v, dirty)
		return nil
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish outbox events to Kafka",
	RunE:  runRelay,
}

var (
	accountEmail    string
	accountPassword string
	accountName     string
	accountRole     string
	accountCapacity int
)

var createAccountCmd = &cobra.Command{
	Use:   "create-account",
	Short: "Create an account of any role, including admin",
	RunE:  runCreateAccount,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml, json or toml)")

	serveCmd.Flags().BoolVar(&withRelay, "with-relay", false, "also run the outbox relay in this process")

	createAccountCmd.Flags().StringVar(&accountEmail, "email", "", "account email")
	createAccountCmd.Flags().StringVar(&accountPassword, "password", "", "account password")
	createAccountCmd.Flags().StringVar(&accountName, "name", "", "full name")
	createAccountCmd.Flags().StringVar(&accountRole, "role", string(auth.RoleAdmin), "merchant, reviewer or admin")
	createAccountCmd.Flags().IntVar(&accountCapacity, "capacity", 10, "concurrent task limit for reviewers")
	_ = createAccountCmd.MarkFlagRequired("email")
	_ = createAccountCmd.MarkFlagRequired("password")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, relayCmd, createAccountCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads config, builds the logger and opens the pool.
func bootstrap(ctx context.Context) (*config.Config, *zap.Logger, *pgxpool.Pool, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Database.MigrateOnStart {
		if err := migrations.Up(cfg.Database.URL); err != nil {
			return nil, nil, nil, err
		}
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	return cfg, logger, pool, nil
}

// services is the wired object graph shared by the subcommands.
type services struct {
	apps       *application.Service
	reviews    *review.Service
	reviewers  *reviewer.Service
	history    *audit.Repository
	workflows  *workflow.Orchestrator
	dispatcher *actions.Dispatcher
	auth       *auth.Service
	assistant  *assist.Assistant
	metrics    *metrics.Metrics
}

func wire(cfg *config.Config, logger *zap.Logger, pool *pgxpool.Pool) (*services, error) {
	node, err := snowflake.NewNode(cfg.IDs.Node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	files, err := storage.NewFileStore(cfg.Storage.Root, cfg.Storage.BaseURL)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	history := audit.NewRepository(pool)
	out := outbox.NewWriter()
	reviewerRepo := reviewer.NewRepository(pool)

	apps := application.NewService(pool, application.NewRepository(pool), history, out).
		WithIDGenerator(application.SnowflakeIDs(node)).
		WithUploader(files).
		WithLogger(logger).
		WithMetrics(m)

	reviews := review.NewService(pool, review.NewRepository(pool), reviewerRepo, apps, history).
		WithOutbox(out).
		WithDefaultReviewer(cfg.Review.DefaultReviewer).
		WithLogger(logger).
		WithMetrics(m)

	flows := workflow.NewOrchestrator(workflow.NewPGStore(pool), apps, reviews).
		WithLogger(logger).
		WithObservers(workflow.NewLogObserver(logger), m)

	return &services{
		apps:       apps,
		reviews:    reviews,
		reviewers:  reviewer.NewService(reviewerRepo),
		history:    history,
		workflows:  flows,
		dispatcher: actions.NewDispatcher(reviews, flows).WithLogger(logger),
		auth:       auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret).WithTokenTTL(cfg.Auth.TokenTTL),
		assistant:  assist.New(assist.TextExtractor{MaxBytes: 1 << 20}, assist.LabelSuggester{Labels: fieldLabels()}).WithLogger(logger),
		metrics:    m,
	}, nil
}

// fieldLabels maps "Factory address" style labels to dynamic field names.
func fieldLabels() map[string]string {
	labels := map[string]string{
		"company name":  "companyName",
		"contact name":  "contactName",
		"contact phone": "contactPhone",
	}
	for _, name := range application.KnownFields() {
		labels[strings.ReplaceAll(name, "_", " ")] = name
	}
	return labels
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, pool, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer func() { _ = logger.Sync() }()

	svc, err := wire(cfg, logger, pool)
	if err != nil {
		return err
	}

	server := &Server{
		applicationService:      svc.apps,
		workflowService:         svc.workflows,
		taskService:             svc.reviews,
		historyService:          svc.history,
		dispatcher:              svc.dispatcher,
		authService:             svc.auth,
		reviewerPool:            svc.reviewers,
		assistant:               svc.assistant,
		submitLimiter:           newPrincipalLimiter(cfg.HTTP.SubmitRate, cfg.HTTP.SubmitBurst),
		metricsHandler:          svc.metrics.Handler(),
		logger:                  logger,
		maxBodyBytes:            cfg.HTTP.MaxBodyBytes,
		defaultReviewerCapacity: 10,
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.Routes(svc.metrics.Middleware),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  2 * cfg.HTTP.ReadTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return watchOverdue(ctx, logger, svc.dispatcher, cfg.Review.OverdueAfter)
	})
	if withRelay {
		g.Go(func() error {
			return relay(ctx, cfg, logger, pool)
		})
	}
	return g.Wait()
}

// watchOverdue logs pending tasks older than age once per age/4.
func watchOverdue(ctx context.Context, logger *zap.Logger, d *actions.Dispatcher, age time.Duration) error {
	if age <= 0 {
		return nil
	}
	ticker := time.NewTicker(age / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		out, err := d.Execute(ctx, actions.OverdueTasks{OlderThan: age.String()}, audit.System)
		if err != nil {
			logger.Warn("overdue task check failed", zap.Error(err))
			continue
		}
		for _, t := range out.([]review.Task) {
			logger.Warn("review task overdue",
				zap.String("task_id", t.ID),
				zap.String("application_id", t.ApplicationID),
				zap.String("assignee", t.Assignee()),
				zap.Time("created_at", t.CreatedAt),
			)
		}
	}
}

func runRelay(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, pool, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer func() { _ = logger.Sync() }()
	return relay(ctx, cfg, logger, pool)
}

func relay(ctx context.Context, cfg *config.Config, logger *zap.Logger, pool *pgxpool.Pool) error {
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("relay: kafka.brokers is not configured")
	}
	pub := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Warn("close kafka writer", zap.Error(err))
		}
	}()
	r := outbox.NewRelay(pool, outbox.NewPGStore(), pub).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxAttempts(cfg.Outbox.MaxAttempts).
		WithLogger(logger)
	logger.Info("outbox relay started", zap.Strings("brokers", cfg.Kafka.Brokers))
	err := r.Run(ctx, cfg.Outbox.Interval)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runCreateAccount(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, logger, pool, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer func() { _ = logger.Sync() }()

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret)
	acct, err := authSvc.CreateAccount(ctx, auth.RegisterRequest{
		Email:    accountEmail,
		Password: accountPassword,
		FullName: accountName,
		Role:     auth.Role(accountRole),
	})
	if err != nil {
		return err
	}
	if acct.Role == auth.RoleReviewer {
		reviewers := reviewer.NewService(reviewer.NewRepository(pool))
		if _, err := reviewers.Register(ctx, reviewer.Reviewer{
			ID:                 acct.ID,
			DisplayName:        acct.FullName,
			MaxConcurrentTasks: accountCapacity,
			IsActive:           true,
		}); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s account %s (%s)\n", acct.Role, acct.ID, acct.Email)
	return nil
}
