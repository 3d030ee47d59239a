// Copyright (C) 2025 Halcyon Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads chatd configuration from an optional YAML file
// with environment variable overrides. Environment always wins, so a
// container deployment can run without any config file at all.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt is the standing instruction prepended to every
// model context.
const DefaultSystemPrompt = "You are a helpful assistant. Answer the " +
	"user's questions clearly and concisely, using prior turns of the " +
	"conversation for context."

// Config is the full chatd configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	LLM     LLMConfig     `yaml:"llm"`
	Tracing TracingConfig `yaml:"tracing"`
}

type ServerConfig struct {
	// Port the HTTP server listens on.
	Port string `yaml:"port"`
}

type StorageConfig struct {
	// Path is the BadgerDB data directory.
	Path string `yaml:"path"`
	// InMemory runs storage without disk persistence. Tests and demos.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces an fsync per commit.
	SyncWrites bool `yaml:"sync_writes"`
}

type LLMConfig struct {
	// Backend selects the model provider: "ollama", "openai" or
	// "anthropic".
	Backend string `yaml:"backend"`
	// SystemPrompt overrides the standing system instruction.
	SystemPrompt string `yaml:"system_prompt"`
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string `yaml:"endpoint"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: "12250"},
		Storage: StorageConfig{Path: "/var/lib/threadline", SyncWrites: true},
		LLM:     LLMConfig{Backend: "ollama", SystemPrompt: DefaultSystemPrompt},
	}
}

// Load reads configuration in precedence order: defaults, then the YAML
// file at path (skipped when path is empty or the file does not exist),
// then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file; fall through to env overrides.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	switch cfg.LLM.Backend {
	case "ollama", "openai", "anthropic":
	default:
		return Config{}, fmt.Errorf("unknown llm backend %q", cfg.LLM.Backend)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "THREADLINE_PORT")
	setString(&cfg.Storage.Path, "THREADLINE_DATA_DIR")
	setBool(&cfg.Storage.InMemory, "THREADLINE_IN_MEMORY")
	setBool(&cfg.Storage.SyncWrites, "THREADLINE_SYNC_WRITES")
	setString(&cfg.LLM.Backend, "LLM_BACKEND_TYPE")
	setString(&cfg.LLM.SystemPrompt, "THREADLINE_SYSTEM_PROMPT")
	setString(&cfg.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
