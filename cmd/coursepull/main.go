package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coursepull/coursepull/internal/auth"
	"github.com/coursepull/coursepull/internal/config"
	"github.com/coursepull/coursepull/internal/course"
	"github.com/coursepull/coursepull/internal/engine"
	"github.com/coursepull/coursepull/internal/http/rest"
	"github.com/coursepull/coursepull/internal/layout"
	"github.com/coursepull/coursepull/internal/logctx"
	"github.com/coursepull/coursepull/internal/media"
	"github.com/coursepull/coursepull/internal/notifier"
	"github.com/coursepull/coursepull/internal/pipeline"
	"github.com/coursepull/coursepull/internal/platform"
	"github.com/coursepull/coursepull/internal/report"
	"github.com/coursepull/coursepull/internal/storage/sqlite"
	"github.com/coursepull/coursepull/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewSpanHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("coursepull starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.TelemetryEnabled,
		ServiceName: "coursepull",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	// =========================================================================
	// Start Authenticated API Client
	api := platform.NewClient(platform.ClientConfig{
		Subdomain: cfg.Subdomain,
		Email:     cfg.Email,
		Password:  cfg.Password,
		PageSize:  cfg.PageSize,
		Timeout:   cfg.RequestTimeout,
		Base:      otelhttp.NewTransport(http.DefaultTransport),
	})

	session := auth.NewSession(api, auth.NewKeyringStore(cfg.KeyringService), otelhttp.NewTransport(http.DefaultTransport))
	if cfg.AccessToken != "" {
		session.Seed(auth.Credential{Token: cfg.AccessToken, Subdomain: cfg.Subdomain})
	}

	if _, err := session.Acquire(ctx); err != nil {
		return fmt.Errorf("authentication error: %w", err)
	}

	api.UseSession(session, cfg.RequestTimeout)

	if cfg.ListCourses {
		return listCourses(ctx, api, cfg.SearchQuery)
	}

	// =========================================================================
	// Start Ledger
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("DB error: %w", err)
	}
	defer database.Close()

	ledger := sqlite.NewLectureLedger(database)

	// =========================================================================
	// Start Pipeline
	fs := afero.NewOsFs()
	lay := layout.New(fs, cfg.OutputDir)
	eng := engine.New(api.HTTPClient(), lay, cfg.MaxParallel, cfg.MaxAttempts)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	rep := report.New(ledger, notif, tel)

	reporterDone := make(chan struct{})

	go func() {
		rep.Consume(ctx, eng.Events)
		close(reporterDone)
	}()

	engineDone := make(chan error, 1)

	go func() {
		engineDone <- eng.Run(ctx)
	}()

	// =========================================================================
	// Start Status Server
	serverErrors := make(chan error, 1)
	server := setupServer(ctx, rep, tel, cfg)

	if server != nil {
		go func() {
			logger.Info("serving run status", "host", cfg.Web.BindAddress)
			serverErrors <- server.ListenAndServe()
		}()
	}

	// =========================================================================
	// Walk Courses
	pipe := pipeline.New(
		course.NewTree(api, cfg.MaxParallel),
		media.NewResolver(api),
		eng,
		lay,
		rep,
		cfg.SkipSupplementary,
	)

	for _, courseID := range cfg.CourseIDs {
		if ctx.Err() != nil {
			break
		}

		err := pipe.ProcessCourse(ctx, courseID)

		var structureErr *course.StructureFetchError

		switch {
		case err == nil:
			tel.RecordStructureFetch(ctx, "ok")
		case errors.As(err, &structureErr):
			// One broken course never takes down its siblings.
			tel.RecordStructureFetch(ctx, "failed")
			logger.Error("skipping course", "course_id", structureErr.CourseID, "err", err)
		case errors.Is(err, context.Canceled):
		default:
			logger.Error("course processing error", "course_id", courseID, "err", err)
		}
	}

	eng.Close()

	runErr := <-engineDone
	<-reporterDone

	rep.LogSummary(ctx)

	if server != nil {
		select {
		case err := <-serverErrors:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
		default:
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}
		}
	}

	return runErr
}

func listCourses(ctx context.Context, api *platform.Client, keyword string) error {
	logger := logctx.LoggerFromContext(ctx)

	courses, err := api.SubscribedCourses(ctx, keyword)
	if err != nil {
		return fmt.Errorf("failed to list courses: %w", err)
	}

	for _, c := range courses {
		logger.Info("subscribed course", "course_id", c.ID, "title", c.Title, "protected", c.IsDRMed)
	}

	return nil
}

// setupServer prepares the optional status server. A blank bind address
// disables it.
func setupServer(ctx context.Context, rep *report.Reporter, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	if cfg.Web.BindAddress == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Mount("/", rest.NewStatusHandler(rep, tel.Handler()).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
