package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/autograder/internal/events"
	"github.com/pavelanni/autograder/internal/feedback"
	"github.com/pavelanni/autograder/internal/grading"
	"github.com/pavelanni/autograder/internal/llm"
	"github.com/pavelanni/autograder/internal/llm/prompts"
	"github.com/pavelanni/autograder/internal/pipeline"
	"github.com/pavelanni/autograder/internal/queue"
	"github.com/pavelanni/autograder/internal/store"
)

func addGradingFlags(cmd *cobra.Command) {
	d := grading.DefaultConfig()
	f := cmd.Flags()
	f.String("llm-provider", "openai", "Completion provider (openai, gemini)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for the completion provider")
	f.String("llm-model", "llama3.2", "Model name")
	f.Float64("llm-rate", 0, "Completion calls per second (0 = unlimited)")
	f.Int("llm-burst", 1, "Completion call burst size")
	f.Duration("completion-timeout", d.CompletionTimeout, "Deadline for a single grading call")
	f.Duration("feedback-timeout", 90*time.Second, "Deadline for the summary feedback call")
	f.Int("grading-concurrency", d.Concurrency, "Questions graded in parallel per submission")
	f.Float32("grading-temperature", d.Temperature, "Sampling temperature for grading calls")
	f.Int("essay-band-full", d.EssayBands.Full, "Essay score percent for a complete answer")
	f.Int("essay-band-thin-low", d.EssayBands.ThinLow, "Lower percent for correct but thin essays")
	f.Int("essay-band-thin-high", d.EssayBands.ThinHigh, "Upper percent for correct but thin essays")
	f.Int("essay-band-partial-low", d.EssayBands.PartialLow, "Lower percent for partially correct essays")
	f.Int("essay-band-partial-high", d.EssayBands.PartialHigh, "Upper percent for partially correct essays")
	f.Float64("essay-fallback-ratio", d.EssayFallbackRatio, "Share of marks given when an essay cannot be graded")
	f.Float64("essay-fallback-confidence", d.EssayFallbackConfidence, "Confidence of the essay fallback result")
}

func addQueueFlags(cmd *cobra.Command) {
	g := queue.DefaultGradingPolicy()
	n := queue.DefaultNotificationPolicy()
	f := cmd.Flags()
	f.Int("grading-max-attempts", g.MaxAttempts, "Attempts per grading job")
	f.String("grading-backoff", string(g.Backoff), "Grading retry backoff (exponential, fixed)")
	f.Duration("grading-base-delay", g.BaseDelay, "First grading retry delay")
	f.Duration("grading-max-delay", g.MaxDelay, "Longest grading retry delay")
	f.Int("grading-workers", g.Concurrency, "Concurrent grading jobs")
	f.Duration("grading-lease", g.Lease, "How long a grading job may run before it is reclaimed")
	f.Int("notification-max-attempts", n.MaxAttempts, "Attempts per notification job")
	f.Duration("notification-delay", n.BaseDelay, "Notification retry delay")
	f.Int("notification-workers", n.Concurrency, "Concurrent notification jobs")
	f.Duration("poll-interval", g.PollInterval, "Idle worker poll interval")
}

func gradingPolicy(v *viper.Viper) queue.Policy {
	return queue.Policy{
		MaxAttempts:  v.GetInt("grading-max-attempts"),
		Backoff:      queue.Backoff(strings.ToLower(v.GetString("grading-backoff"))),
		BaseDelay:    v.GetDuration("grading-base-delay"),
		MaxDelay:     v.GetDuration("grading-max-delay"),
		Concurrency:  v.GetInt("grading-workers"),
		Lease:        v.GetDuration("grading-lease"),
		PollInterval: v.GetDuration("poll-interval"),
	}
}

func notificationPolicy(v *viper.Viper) queue.Policy {
	return queue.Policy{
		MaxAttempts:  v.GetInt("notification-max-attempts"),
		Backoff:      queue.BackoffFixed,
		BaseDelay:    v.GetDuration("notification-delay"),
		Concurrency:  v.GetInt("notification-workers"),
		PollInterval: v.GetDuration("poll-interval"),
	}
}

func gradingConfig(v *viper.Viper) grading.Config {
	return grading.Config{
		CompletionTimeout: v.GetDuration("completion-timeout"),
		Concurrency:       v.GetInt("grading-concurrency"),
		Temperature:       float32(v.GetFloat64("grading-temperature")),
		EssayBands: prompts.Bands{
			Full:        v.GetInt("essay-band-full"),
			ThinLow:     v.GetInt("essay-band-thin-low"),
			ThinHigh:    v.GetInt("essay-band-thin-high"),
			PartialLow:  v.GetInt("essay-band-partial-low"),
			PartialHigh: v.GetInt("essay-band-partial-high"),
		},
		EssayFallbackRatio:      v.GetFloat64("essay-fallback-ratio"),
		EssayFallbackConfidence: v.GetFloat64("essay-fallback-confidence"),
	}
}

// newCompleter creates the configured completion provider. The returned
// function releases it.
func newCompleter(ctx context.Context, v *viper.Viper) (llm.Completer, func(), error) {
	var (
		c       llm.Completer
		release = func() {}
	)
	provider := strings.ToLower(v.GetString("llm-provider"))
	switch provider {
	case "openai":
		client := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
		if err := client.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		c = client
	case "gemini":
		client, err := llm.NewGemini(ctx, v.GetString("llm-key"), v.GetString("llm-model"))
		if err != nil {
			return nil, nil, fmt.Errorf("create Gemini client: %w", err)
		}
		release = func() {
			if err := client.Close(); err != nil {
				slog.Warn("close Gemini client", "error", err)
			}
		}
		c = client
	default:
		return nil, nil, fmt.Errorf("unknown llm-provider %q (want openai or gemini)", provider)
	}

	if rate := v.GetFloat64("llm-rate"); rate > 0 {
		c = llm.NewThrottled(c, rate, v.GetInt("llm-burst"))
	}
	return c, release, nil
}

// newPipeline wires the pipeline service. Commands that never grade pass a
// nil completer and get the default grading configuration.
func newPipeline(v *viper.Viper, db *store.Store, q *queue.Queue, c llm.Completer, bus *events.Bus) *pipeline.Service {
	if c == nil {
		return pipeline.New(db, q, grading.New(nil, grading.DefaultConfig()), feedback.New(nil, 0), bus, v.GetString("lang"))
	}
	engine := grading.New(c, gradingConfig(v))
	synth := feedback.New(c, v.GetDuration("feedback-timeout"))
	return pipeline.New(db, q, engine, synth, bus, v.GetString("lang"))
}

func importFiles(ctx context.Context, svc *pipeline.Service, paths []string, force bool) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		res, err := svc.ImportExam(ctx, path, data, force)
		if err != nil {
			return err
		}
		if !res.Skipped {
			fmt.Fprintf(os.Stdout, "%s: exam %d with %d questions\n", path, res.ExamID, res.Questions)
		}
	}
	return nil
}
