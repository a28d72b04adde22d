package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/autograder/internal/dispute"
	"github.com/pavelanni/autograder/internal/events"
	"github.com/pavelanni/autograder/internal/handler"
	appI18n "github.com/pavelanni/autograder/internal/i18n"
	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/queue"
	"github.com/pavelanni/autograder/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "autograder",
		Short:        "Asynchronous exam grading service",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), regradeCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `autograder --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and grading workers",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("exams", "e", nil, "Exam JSON files to import on start (repeatable)")
	f.String("admin-password", "", "Admin password for /api/v1/admin (or set AUTOGRADER_ADMIN_PASSWORD)")
	f.Duration("shutdown-timeout", 30*time.Second, "Time to wait for in-flight requests on shutdown")
	f.Int("event-buffer", events.DefaultBuffer, "Per-subscriber live event buffer")
	addCommonFlags(cmd)
	addGradingFlags(cmd)
	addQueueFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import exams from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	cmd.Flags().Bool("force", false, "Import changed files as new exams")
	addCommonFlags(cmd)
	return cmd
}

func regradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regrade",
		Short: "Schedule grading again for submissions",
		RunE:  runRegrade,
	}
	f := cmd.Flags()
	f.Int64Slice("submission", nil, "Submission IDs to regrade (repeatable)")
	f.Bool("delayed", false, "Regrade every submission whose grading failed")
	addCommonFlags(cmd)
	addQueueFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export exam results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.Int64("exam", 0, "Exam ID to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(cmd)

	_ = cmd.MarkFlagRequired("exam")

	return cmd
}

func addCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "autograder.db", "SQLite database path")
	f.StringP("lang", "l", "en", "Feedback language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("AUTOGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("autograder")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/autograder")
	v.AddConfigPath("/etc/autograder")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	password := v.GetString("admin-password")
	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or AUTOGRADER_ADMIN_PASSWORD env var")
	}
	adminHash, err := handler.HashPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	completer, closeLLM, err := newCompleter(ctx, v)
	if err != nil {
		return err
	}
	defer closeLLM()

	bus := events.NewBus(v.GetInt("event-buffer"))
	defer bus.Close()

	q := queue.New(db, gradingPolicy(v), notificationPolicy(v))
	svc := newPipeline(v, db, q, completer, bus)
	if err := importFiles(ctx, svc, v.GetStringSlice("exams"), false); err != nil {
		return err
	}

	pool := queue.NewPool(q)
	svc.Register(pool)

	h := handler.New(svc, dispute.New(db, bus), bus, adminHash)
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("starting server",
		"addr", addr,
		"llm_provider", v.GetString("llm-provider"),
		"model", v.GetString("llm-model"),
		"lang", lang,
		"grading_workers", q.Policy(model.QueueGrading).Concurrency,
		"notification_workers", q.Policy(model.QueueNotification).Concurrency,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
		defer cancel()
		// Live streams only end when their subscriptions close.
		bus.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	svc := newPipeline(v, db, queue.New(db, queue.Policy{}, queue.Policy{}), nil, nil)
	return importFiles(cmd.Context(), svc, args, v.GetBool("force"))
}

func runRegrade(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ids, err := cmd.Flags().GetInt64Slice("submission")
	if err != nil {
		return err
	}
	if v.GetBool("delayed") {
		delayed, err := db.ListSubmissionsByStatus(ctx, model.SubmissionDelayed)
		if err != nil {
			return fmt.Errorf("list delayed submissions: %w", err)
		}
		for _, s := range delayed {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("nothing to regrade: pass --submission or --delayed")
	}

	svc := newPipeline(v, db, queue.New(db, gradingPolicy(v), notificationPolicy(v)), nil, nil)
	for _, id := range ids {
		jobID, err := svc.Regrade(ctx, id)
		if err != nil {
			return fmt.Errorf("regrade submission %d: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "submission %d: job %s\n", id, jobID)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportExam(cmd.Context(), v.GetInt64("exam"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
