package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cast"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "INBOXRANK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "INBOXRANK_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "log.level", typ: kString, env: "INBOXRANK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INBOXRANK_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "INBOXRANK_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "INBOXRANK_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "ai.enabled", typ: kBool, env: "INBOXRANK_AI_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.AI.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.AI.Enabled },
	},
	{
		key: "ai.timeout", typ: kString, env: "INBOXRANK_AI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.AI.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.Timeout },
	},
	{
		key: "ai.max_attempts", typ: kInt, env: "INBOXRANK_AI_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.AI.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.AI.MaxAttempts },
	},
	{
		key: "ai.initial_backoff", typ: kString, env: "INBOXRANK_AI_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.AI.InitialBackoff = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.InitialBackoff },
	},
	{
		key: "classify.concurrency", typ: kInt, env: "INBOXRANK_CLASSIFY_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Classify.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Classify.Concurrency },
	},
	{
		key: "classify.baseline_confidence", typ: kFloat, env: "INBOXRANK_CLASSIFY_BASELINE_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Classify.BaselineConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Classify.BaselineConfidence },
	},
	{
		key: "rules.path", typ: kString, env: "INBOXRANK_RULES_PATH",
		apply:   func(cfg *Config, v any) { cfg.Rules.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Rules.Path },
	},
	{
		key: "urgency.recent_hours", typ: kInt, env: "INBOXRANK_URGENCY_RECENT_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Urgency.RecentHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Urgency.RecentHours },
	},
	{
		key: "urgency.medium_hours", typ: kInt, env: "INBOXRANK_URGENCY_MEDIUM_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Urgency.MediumHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Urgency.MediumHours },
	},
	{
		key: "search.subject_weight", typ: kFloat, env: "INBOXRANK_SEARCH_SUBJECT_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.SubjectWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.SubjectWeight },
	},
	{
		key: "search.sender_weight", typ: kFloat, env: "INBOXRANK_SEARCH_SENDER_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.SenderWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.SenderWeight },
	},
	{
		key: "search.body_weight", typ: kFloat, env: "INBOXRANK_SEARCH_BODY_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.BodyWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.BodyWeight },
	},
	{
		key: "search.recency_weight", typ: kFloat, env: "INBOXRANK_SEARCH_RECENCY_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.RecencyWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.RecencyWeight },
	},
	{
		key: "search.recency_half_life_hours", typ: kInt, env: "INBOXRANK_SEARCH_RECENCY_HALF_LIFE_HOURS",
		apply:   func(cfg *Config, v any) { cfg.Search.RecencyHalfLifeHours = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.RecencyHalfLifeHours },
	},
	{
		key: "query.default_limit", typ: kInt, env: "INBOXRANK_QUERY_DEFAULT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Query.DefaultLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Query.DefaultLimit },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

func castInt(v any) (int, error) {
	return cast.ToIntE(v)
}
