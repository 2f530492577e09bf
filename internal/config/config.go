// Package config loads the application configuration. Defaults are layered
// first, then an optional TOML file, then environment variables with the
// CODESCOUT_ prefix (CODESCOUT_LLM_MODEL=... overrides llm.model).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full application configuration.
type Config struct {
	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	Server struct {
		Addr string `koanf:"addr"`
	} `koanf:"server"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`

	Diff struct {
		ContextLines     int `koanf:"context_lines"`
		MaxLinesPerChunk int `koanf:"max_lines_per_chunk"`
	} `koanf:"diff"`

	LLM struct {
		Provider       string        `koanf:"provider"`
		Model          string        `koanf:"model"`
		BaseURL        string        `koanf:"base_url"`
		APIKey         string        `koanf:"api_key"`
		Timeout        time.Duration `koanf:"timeout"`
		Temperature    float64       `koanf:"temperature"`
		MaxRetries     int           `koanf:"max_retries"`
		CircuitBreaker struct {
			FailureRate float64       `koanf:"failure_rate"`
			Window      time.Duration `koanf:"window"`
			Cooldown    time.Duration `koanf:"cooldown"`
		} `koanf:"circuit_breaker"`
	} `koanf:"llm"`

	SCM struct {
		GitHub struct {
			BaseURL string `koanf:"base_url"`
			Token   string `koanf:"token"`
		} `koanf:"github"`
		GitLab struct {
			BaseURL string `koanf:"base_url"`
			Token   string `koanf:"token"`
		} `koanf:"gitlab"`
	} `koanf:"scm"`

	Queue struct {
		StreamKey        string        `koanf:"stream_key"`
		ConsumerGroup    string        `koanf:"consumer_group"`
		ConsumerID       string        `koanf:"consumer_id"`
		BatchSize        int           `koanf:"batch_size"`
		ClaimBlockTime   time.Duration `koanf:"claim_block_timeout"`
		MinIdleReclaim   time.Duration `koanf:"min_idle_reclaim"`
		HighWaterMark    int64         `koanf:"high_water_mark"`
		StatusChannelFmt string        `koanf:"status_channel_fmt"`
	} `koanf:"queue"`

	Workers struct {
		Diff    int `koanf:"diff"`
		Agentic int `koanf:"agentic"`
	} `koanf:"workers"`

	Agent struct {
		WorkspaceRoot string `koanf:"workspace_root"`
		Clone         struct {
			Depth int `koanf:"depth"`
		} `koanf:"clone"`
		Tests struct {
			Enabled bool `koanf:"enabled"`
		} `koanf:"tests"`
		Analysis struct {
			Timeout time.Duration `koanf:"timeout"`
		} `koanf:"analysis"`
		Aggregation struct {
			DeduplicationEnabled bool    `koanf:"deduplication_enabled"`
			SimilarityThreshold  float64 `koanf:"similarity_threshold"`
			LineTolerance        int     `koanf:"line_tolerance"`
			MinConfidence        float64 `koanf:"min_confidence"`
			MaxIssuesPerFile     int     `koanf:"max_issues_per_file"`
		} `koanf:"aggregation"`
		Sandbox struct {
			Image           string `koanf:"image"`
			Workdir         string `koanf:"workdir"`
			MemoryBytes     int64  `koanf:"memory_bytes"`
			NanoCPUs        int64  `koanf:"nano_cpus"`
			ReadOnly        bool   `koanf:"read_only"`
			AutoRemove      bool   `koanf:"auto_remove"`
			NoNewPrivileges bool   `koanf:"no_new_privileges"`
		} `koanf:"sandbox"`
	} `koanf:"agent"`

	Prompt struct {
		Language       string   `koanf:"language"`
		Focus          string   `koanf:"focus"`
		RedactPatterns []string `koanf:"redact_patterns"`
		TicketPattern  string   `koanf:"ticket_pattern"`
	} `koanf:"prompt"`

	Ticket struct {
		BaseURL string        `koanf:"base_url"`
		Token   string        `koanf:"token"`
		Timeout time.Duration `koanf:"timeout"`
	} `koanf:"ticket"`

	Publish struct {
		IncludeSuggestedFix bool `koanf:"include_suggested_fix"`
		PartialOnFailure    bool `koanf:"partial_on_failure"`
	} `koanf:"publish"`

	Result struct {
		TTL time.Duration `koanf:"ttl"`
	} `koanf:"result"`
}

// defaults mirrors the recognized-options table in the project docs. Every
// tunable has a sane value so an empty config file still runs.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"log.level": "info",
		"log.format": "json",

		"server.addr": ":8080",

		"redis.addr": "localhost:6379",
		"redis.db": 0,

		"diff.context_lines": 5,
		"diff.max_lines_per_chunk": 1500,

		"llm.provider": "openai",
		"llm.model": "gpt-4o-mini",
		"llm.timeout": "120s",
		"llm.temperature": 0.2,
		"llm.max_retries": 3,
		"llm.circuit_breaker.failure_rate": 0.5,
		"llm.circuit_breaker.window": "60s",
		"llm.circuit_breaker.cooldown": "30s",

		"scm.github.base_url": "https://api.github.com",
		"scm.gitlab.base_url": "https://gitlab.com",

		"queue.stream_key": "codescout:reviews",
		"queue.consumer_group": "reviewers",
		"queue.batch_size": 4,
		"queue.claim_block_timeout": "5s",
		"queue.min_idle_reclaim": "5m",
		"queue.high_water_mark": 1000,
		"queue.status_channel_fmt": "codescout:status:%s",

		"workers.diff": 2,
		"workers.agentic": 1,

		"agent.clone.depth": 1,
		"agent.tests.enabled": true,
		"agent.analysis.timeout": "600s",
		"agent.aggregation.deduplication_enabled": true,
		"agent.aggregation.similarity_threshold": 0.85,
		"agent.aggregation.line_tolerance": 5,
		"agent.aggregation.min_confidence": 0.7,
		"agent.aggregation.max_issues_per_file": 10,

		"agent.sandbox.image": "codescout/analysis:latest",
		"agent.sandbox.workdir": "/workspace",
		"agent.sandbox.memory_bytes": int64(2 << 30),
		"agent.sandbox.nano_cpus": int64(2e9),
		"agent.sandbox.read_only": true,
		"agent.sandbox.auto_remove": true,
		"agent.sandbox.no_new_privileges": true,

		"prompt.ticket_pattern": `[A-Z][A-Z0-9]+-\d+`,

		"ticket.timeout": "5s",

		"publish.include_suggested_fix": false,
		"publish.partial_on_failure": true,

		"result.ttl": "24h",
	}
}

// Load reads configuration from defaults, an optional TOML file, and the
// environment, in that order of precedence (later wins).
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	} else {
		for _, path := range []string{"./codescout.toml", "$HOME/.codescout.toml"} {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	if err := k.Load(env.Provider("CODESCOUT_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CODESCOUT_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.Agent.WorkspaceRoot == "" {
		cfg.Agent.WorkspaceRoot = os.TempDir()
	}

	return &cfg, nil
}

// Validate rejects configurations that cannot possibly run.
func Validate(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if cfg.Queue.StreamKey == "" || cfg.Queue.ConsumerGroup == "" {
		return fmt.Errorf("queue.stream_key and queue.consumer_group are required")
	}
	if cfg.Diff.MaxLinesPerChunk < 1 {
		return fmt.Errorf("diff.max_lines_per_chunk must be positive")
	}
	if cfg.Agent.Clone.Depth < 1 {
		return fmt.Errorf("agent.clone.depth must be at least 1")
	}
	if t := cfg.Agent.Aggregation.SimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("agent.aggregation.similarity_threshold must be in [0,1]")
	}
	return nil
}
