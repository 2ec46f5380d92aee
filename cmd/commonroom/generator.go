package main

import (
	"errors"
	"fmt"

	"commonroom/internal/config"
	"commonroom/pkg/generation"
)

// errNoAPIKey is returned when a live generator is needed but no key is set.
var errNoAPIKey = errors.New(config.EnvAPIKey + " is not set (use --offline to run without Gemini)")

// newGenerator returns the Gemini client, or an echo generator when offline.
func newGenerator(cfg *config.Config, offline bool) (generation.Generator, error) {
	if offline {
		return generation.Echo{}, nil
	}
	if cfg.GeminiAPIKey == "" {
		return nil, errNoAPIKey
	}
	g, err := generation.NewGemini(cfg.GeminiAPIKey, generation.WithModel(cfg.GeminiModel))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return g, nil
}
