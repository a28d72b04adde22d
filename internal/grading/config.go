package grading

import (
	"time"

	"github.com/pavelanni/autograder/internal/llm/prompts"
)

// Config holds grading parameters. Essay bands and fallback values are
// heuristics and are meant to be tuned per deployment.
type Config struct {
	// CompletionTimeout bounds every externally-assisted call.
	CompletionTimeout time.Duration
	// Concurrency limits how many questions of one submission are graded at once.
	Concurrency int
	Temperature float32

	EssayBands prompts.Bands
	// EssayFallbackRatio is the share of marks given to an essay that could
	// not be graded automatically.
	EssayFallbackRatio      float64
	EssayFallbackConfidence float64
}

// DefaultConfig returns the default grading parameters.
func DefaultConfig() Config {
	return Config{
		CompletionTimeout: 60 * time.Second,
		Concurrency:       4,
		Temperature:       0.2,
		EssayBands: prompts.Bands{
			Full:        100,
			ThinLow:     60,
			ThinHigh:    80,
			PartialLow:  30,
			PartialHigh: 50,
		},
		EssayFallbackRatio:      0.5,
		EssayFallbackConfidence: 0.3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = d.CompletionTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.EssayBands == (prompts.Bands{}) {
		c.EssayBands = d.EssayBands
	}
	c.EssayFallbackRatio = clamp(c.EssayFallbackRatio, 0, 1)
	c.EssayFallbackConfidence = clamp(c.EssayFallbackConfidence, 0, 1)
	return c
}
