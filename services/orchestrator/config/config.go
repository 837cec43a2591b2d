// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the agents service configuration.
//
// # Description
//
// Configuration is layered: DefaultConfig, then the YAML file (if any),
// then environment variables. The merged result is validated with
// go-playground/validator tags. Credentials are only read from the
// environment and are never written back to a file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianAgents/services/agents/classifier"
	"github.com/AleutianAI/AleutianAgents/services/agents/code"
	"github.com/AleutianAI/AleutianAgents/services/agents/content"
	"github.com/AleutianAI/AleutianAgents/services/agents/routing"
	"github.com/AleutianAI/AleutianAgents/services/tasks/gateway"
	"github.com/AleutianAI/AleutianAgents/services/tasks/processor"
	kv "github.com/AleutianAI/AleutianAgents/services/tasks/storage/badger"
)

// =============================================================================
// Types
// =============================================================================

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Storage    kv.Config                   `yaml:"storage"`
	LLM        LLMConfig                   `yaml:"llm"`
	Search     SearchConfig                `yaml:"search"`
	Routing    RoutingConfig               `yaml:"routing"`
	Classifier classifier.ClassifierConfig `yaml:"classifier"`
	Processor  processor.Config            `yaml:"processor"`
	Workers    WorkersConfig               `yaml:"workers"`
	Content    content.Config              `yaml:"content"`
	Code       code.Config                 `yaml:"code"`
	Events     EventsConfig                `yaml:"events"`
	Stats      StatsConfig                 `yaml:"stats"`
	Screening  ScreeningConfig             `yaml:"screening"`
	Tracing    TracingConfig               `yaml:"tracing"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port               int           `yaml:"port" validate:"gte=1,lte=65535"`
	GinMode            string        `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" validate:"gte=0"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// APIKeys enables X-API-Key authentication when non-empty.
	APIKeys []string `yaml:"-"`
}

// LLMConfig configures the OpenAI-compatible backend.
type LLMConfig struct {
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	DefaultModel      string  `yaml:"default_model" validate:"required"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`

	APIKey string `yaml:"-"`
}

// SearchConfig configures the Tavily search provider.
type SearchConfig struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	APIKey string `yaml:"-"`
}

// RoutingConfig holds router thresholds. Hot-reloadable.
type RoutingConfig struct {
	MinConfidence float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
}

// WorkersConfig sizes the worker pool and queue.
type WorkersConfig struct {
	Count         int `yaml:"count" validate:"gte=1,lte=256"`
	QueueCapacity int `yaml:"queue_capacity" validate:"gte=1"`

	// EnqueueTimeout bounds a submission's wait on a full queue.
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout" validate:"gt=0"`

	// SweepInterval is how often queued tasks are checked for staleness.
	// Zero disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`

	// StaleAfter is how long a task may stay queued before it is
	// enqueued again.
	StaleAfter time.Duration `yaml:"stale_after" validate:"gt=0"`
}

// EventsConfig sizes per-subscriber buffers.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" validate:"gte=1,lte=4096"`
}

// StatsConfig configures the system metrics endpoint.
type StatsConfig struct {
	HistoryDays int `yaml:"history_days" validate:"gte=1,lte=30"`
}

// ScreeningConfig controls credential screening of submitted tasks.
type ScreeningConfig struct {
	// RejectCredentials turns detected secrets into 400 responses.
	RejectCredentials bool `yaml:"reject_credentials"`

	// MinConfidence is the lowest finding confidence that rejects.
	MinConfidence string `yaml:"min_confidence" validate:"oneof=low medium high"`
}

// TracingConfig selects the span exporter. An OTLP endpoint wins over
// stdout; with neither, tracing is disabled.
type TracingConfig struct {
	ServiceName  string `yaml:"service_name" validate:"required"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Stdout       bool   `yaml:"stdout"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:               12230,
			RateLimitPerMinute: 60,
			ShutdownTimeout:    15 * time.Second,
		},
		Storage: defaultStorage(),
		LLM: LLMConfig{
			DefaultModel:      "gpt-4.1-mini",
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Search:     SearchConfig{Timeout: 15 * time.Second},
		Routing:    RoutingConfig{MinConfidence: routing.DefaultMinConfidence},
		Classifier: classifier.DefaultClassifierConfig(),
		Processor:  processor.DefaultConfig(),
		Workers: WorkersConfig{
			Count:          processor.DefaultWorkers,
			QueueCapacity:  1024,
			EnqueueTimeout: gateway.DefaultEnqueueTimeout,
			SweepInterval:  processor.DefaultSweepInterval,
			StaleAfter:     processor.DefaultStaleAfter,
		},
		Content:    content.DefaultConfig(),
		Code:       code.DefaultConfig(),
		Events:     EventsConfig{BufferSize: 16},
		Stats:      StatsConfig{HistoryDays: 5},
		Screening:  ScreeningConfig{MinConfidence: "high"},
		Tracing:    TracingConfig{ServiceName: "agents-service"},
	}
}

func defaultStorage() kv.Config {
	cfg := kv.DefaultConfig()
	cfg.Path = "./data/agents"
	return cfg
}

// =============================================================================
// Loading
// =============================================================================

var configValidate = validator.New()

// Load builds the configuration.
//
// # Inputs
//
//   - path: YAML file. Empty skips the file. A missing file is an error.
//   - getenv: Environment lookup, usually os.Getenv.
//
// # Outputs
//
//   - Config: Merged and validated configuration.
//   - error: Read, parse, override or validation failure.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags and the component configs.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %s", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.Storage.InMemory && strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("invalid config: storage.path is required unless storage.in_memory is set")
	}
	if err := c.Classifier.Validate(); err != nil {
		return fmt.Errorf("invalid config: classifier: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("OPENAI_API_KEY", &cfg.LLM.APIKey)
	str("LLM_BASE_URL", &cfg.LLM.BaseURL)
	str("TAVILY_API_KEY", &cfg.Search.APIKey)
	str("AGENTS_DATA_DIR", &cfg.Storage.Path)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)
	str("GIN_MODE", &cfg.Server.GinMode)
	str("ROUTER_MODEL", &cfg.Classifier.Model)
	str("CONTENT_MODEL", &cfg.Content.Model)
	str("CODE_MODEL", &cfg.Code.Model)

	for key, dst := range map[string]*int{
		"AGENTS_PORT":           &cfg.Server.Port,
		"RATE_LIMIT_PER_MINUTE": &cfg.Server.RateLimitPerMinute,
		"AGENTS_WORKERS":        &cfg.Workers.Count,
		"METRICS_HISTORY_DAYS":  &cfg.Stats.HistoryDays,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v := strings.TrimSpace(getenv("ROUTER_MIN_CONFIDENCE")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ROUTER_MIN_CONFIDENCE: %w", err)
		}
		cfg.Routing.MinConfidence = f
	}
	if v := getenv("AGENTS_API_KEYS"); v != "" {
		cfg.Server.APIKeys = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LogSummary writes the non-secret settings at startup.
func (c Config) LogSummary(logger *slog.Logger) {
	logger.Info("configuration loaded",
		slog.Int("port", c.Server.Port),
		slog.String("data_dir", c.Storage.Path),
		slog.Bool("in_memory", c.Storage.InMemory),
		slog.String("llm_base_url", c.LLM.BaseURL),
		slog.Bool("llm_key_set", c.LLM.APIKey != ""),
		slog.Bool("search_enabled", c.Search.APIKey != ""),
		slog.Int("api_keys", len(c.Server.APIKeys)),
		slog.Float64("min_confidence", c.Routing.MinConfidence),
		slog.Int("workers", c.Workers.Count),
		slog.Bool("reject_credentials", c.Screening.RejectCredentials),
	)
}
