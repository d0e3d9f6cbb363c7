package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	Ollama   OllamaConfig
	AI       AIConfig
	Classify ClassifyConfig
	Rules    RulesConfig
	Urgency  UrgencyConfig
	Search   SearchConfig
	Query    QueryConfig
}

type ServerConfig struct {
	Port int
	// APIToken guards the REST API. Empty disables authentication.
	APIToken string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type AIConfig struct {
	Enabled        bool
	Timeout        string
	MaxAttempts    int
	InitialBackoff string
}

type ClassifyConfig struct {
	Concurrency        int
	BaselineConfidence float64
}

type RulesConfig struct {
	Path string
}

// UrgencyConfig sets the recency thresholds that rules files may leave unset.
type UrgencyConfig struct {
	RecentHours int
	MediumHours int
}

type SearchConfig struct {
	SubjectWeight        float64
	SenderWeight         float64
	BodyWeight           float64
	RecencyWeight        float64
	RecencyHalfLifeHours int
}

type QueryConfig struct {
	DefaultLimit int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4100},
		Log:    LogConfig{Level: "info"},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "qwen2.5:7b",
		},
		AI: AIConfig{
			Enabled:        true,
			Timeout:        "20s",
			MaxAttempts:    3,
			InitialBackoff: "500ms",
		},
		Classify: ClassifyConfig{
			Concurrency:        4,
			BaselineConfidence: 0.5,
		},
		Rules:   RulesConfig{Path: defaultRulesPath()},
		Urgency: UrgencyConfig{RecentHours: 48, MediumHours: 168},
		Search: SearchConfig{
			SubjectWeight:        3.0,
			SenderWeight:         2.5,
			BodyWeight:           1.0,
			RecencyWeight:        0.25,
			RecencyHalfLifeHours: 168,
		},
		Query: QueryConfig{DefaultLimit: 50},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/inboxrank/config.yaml and applies INBOXRANK_* environment
// overrides on top. A missing file means defaults.
func Load() (Config, error) {
	b, err := newFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that the key table cannot type-check.
func (c Config) Validate() error {
	var errs []error
	if _, err := time.ParseDuration(c.AI.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("ai.timeout: %w", err))
	}
	if _, err := time.ParseDuration(c.AI.InitialBackoff); err != nil {
		errs = append(errs, fmt.Errorf("ai.initial_backoff: %w", err))
	}
	if c.AI.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ai.max_attempts must be at least 1"))
	}
	if c.Classify.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("classify.concurrency must be at least 1"))
	}
	if c.Classify.BaselineConfidence < 0 || c.Classify.BaselineConfidence > 1 {
		errs = append(errs, fmt.Errorf("classify.baseline_confidence must be within [0,1]"))
	}
	if c.Urgency.RecentHours <= 0 || c.Urgency.MediumHours < c.Urgency.RecentHours {
		errs = append(errs, fmt.Errorf("urgency: need 0 < recent_hours <= medium_hours"))
	}
	if c.Search.SubjectWeight < 0 || c.Search.SenderWeight < 0 || c.Search.BodyWeight < 0 || c.Search.RecencyWeight < 0 {
		errs = append(errs, fmt.Errorf("search weights must not be negative"))
	}
	if c.Search.RecencyHalfLifeHours <= 0 {
		errs = append(errs, fmt.Errorf("search.recency_half_life_hours must be positive"))
	}
	if c.Query.DefaultLimit < 1 {
		errs = append(errs, fmt.Errorf("query.default_limit must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AITimeout is the per-attempt scorer timeout.
func (c Config) AITimeout() time.Duration {
	d, _ := time.ParseDuration(c.AI.Timeout)
	return d
}

// AIInitialBackoff is the wait before the first scorer retry.
func (c Config) AIInitialBackoff() time.Duration {
	d, _ := time.ParseDuration(c.AI.InitialBackoff)
	return d
}
