// Package config loads process settings for programs embedding the engine:
// defaults first, then an optional YAML file, then STAGERUN_* environment
// variables, each layer overriding the previous one.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// envPrefix is stripped from environment variables before they are merged,
// so STAGERUN_WORKER_COUNT overrides the "worker.count" key.
const envPrefix = "STAGERUN_"

// Settings holds everything a process embedding the engine needs to boot.
type Settings struct {
	// DatabasePath is the SQLite database location. Empty selects the
	// in-memory store.
	DatabasePath string

	// HTTPAddr is the listen address for programs exposing an HTTP surface.
	HTTPAddr string

	WorkerCount     int
	QueueSize       int
	TaskTimeout     time.Duration
	DispatchRetries int

	LogLevel string
}

func defaults() map[string]any {
	return map[string]any{
		"database.path":    "",
		"http.addr":        ":8000",
		"worker.count":     5,
		"worker.queue":     32,
		"task.timeout":     "5m",
		"dispatch.retries": 5,
		"log.level":        "INFO",
	}
}

// Load reads settings from the optional YAML file at path (empty skips the
// file layer) and the environment.
func Load(path string) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	timeout, err := time.ParseDuration(k.String("task.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid task.timeout: %w", err)
	}

	s := &Settings{
		DatabasePath:    k.String("database.path"),
		HTTPAddr:        k.String("http.addr"),
		WorkerCount:     k.Int("worker.count"),
		QueueSize:       k.Int("worker.queue"),
		TaskTimeout:     timeout,
		DispatchRetries: k.Int("dispatch.retries"),
		LogLevel:        strings.ToUpper(k.String("log.level")),
	}

	if s.WorkerCount <= 0 {
		return nil, fmt.Errorf("worker.count must be positive, got %d", s.WorkerCount)
	}
	if s.QueueSize <= 0 {
		return nil, fmt.Errorf("worker.queue must be positive, got %d", s.QueueSize)
	}

	return s, nil
}
