package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/opencron/condwatch/internal/dispatcher"
	"github.com/opencron/condwatch/internal/engine"
	"github.com/opencron/condwatch/internal/evaluator"
)

// EnvPrefix namespaces environment overrides, e.g. CONDWATCH_HTTP_LISTEN.
const EnvPrefix = "CONDWATCH"

type HTTPConfig struct {
	Listen string `mapstructure:"listen" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type SchedulerConfig struct {
	TickInterval  time.Duration `mapstructure:"tick_interval" validate:"min=1s"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl" validate:"min=1s"`
	WorkerID      string        `mapstructure:"worker_id" validate:"required"`
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"min=1"`
}

type ProviderCredentials struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type StaticConfig struct {
	Answer       string `mapstructure:"answer"`
	ConditionMet bool   `mapstructure:"condition_met"`
}

type EvaluatorConfig struct {
	SearchProvider    string              `mapstructure:"search_provider" validate:"oneof=perplexity openai static"`
	JudgeProvider     string              `mapstructure:"judge_provider" validate:"oneof=perplexity openai static"`
	Timeout           time.Duration       `mapstructure:"timeout" validate:"min=1s"`
	RequestsPerMinute int                 `mapstructure:"requests_per_minute" validate:"min=0"`
	OpenAI            ProviderCredentials `mapstructure:"openai"`
	Perplexity        ProviderCredentials `mapstructure:"perplexity"`
	Static            StaticConfig        `mapstructure:"static"`
}

type DispatcherConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" validate:"min=1s"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"min=100ms"`
	MaxConcurrency int           `mapstructure:"max_concurrency" validate:"min=1"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1"`
	ProductName    string        `mapstructure:"product_name" validate:"required"`
	MaxSkew        time.Duration `mapstructure:"max_skew" validate:"min=0"`
}

type Config struct {
	DataDir    string           `mapstructure:"data_dir" validate:"required"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Evaluator  EvaluatorConfig  `mapstructure:"evaluator"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}

	v.SetDefault("data_dir", ".")
	v.SetDefault("http.listen", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("scheduler.tick_interval", 10*time.Second)
	v.SetDefault("scheduler.lease_ttl", 5*time.Minute)
	v.SetDefault("scheduler.worker_id", hostname)
	v.SetDefault("scheduler.max_concurrent", 4)

	v.SetDefault("evaluator.search_provider", "perplexity")
	v.SetDefault("evaluator.judge_provider", "perplexity")
	v.SetDefault("evaluator.timeout", 60*time.Second)
	v.SetDefault("evaluator.requests_per_minute", 30)
	v.SetDefault("evaluator.openai.api_key", "")
	v.SetDefault("evaluator.openai.model", "gpt-4o-mini")
	v.SetDefault("evaluator.openai.base_url", "")
	v.SetDefault("evaluator.perplexity.api_key", "")
	v.SetDefault("evaluator.perplexity.model", "sonar")
	v.SetDefault("evaluator.perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("evaluator.static.answer", "")
	v.SetDefault("evaluator.static.condition_met", false)

	v.SetDefault("dispatcher.timeout", 10*time.Second)
	v.SetDefault("dispatcher.poll_interval", 5*time.Second)
	v.SetDefault("dispatcher.max_concurrency", 8)
	v.SetDefault("dispatcher.batch_size", 50)
	v.SetDefault("dispatcher.product_name", "Condwatch")
	v.SetDefault("dispatcher.max_skew", 5*time.Minute)
}

// Load reads .env, the optional YAML file at path and CONDWATCH_* overrides,
// in increasing precedence. An empty path skips the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and the cross-field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Scheduler.LeaseTTL <= c.Evaluator.Timeout {
		return fmt.Errorf("invalid config: scheduler.lease_ttl (%s) must exceed evaluator.timeout (%s)",
			c.Scheduler.LeaseTTL, c.Evaluator.Timeout)
	}
	return nil
}

func (c *Config) SchedulerConfig() engine.SchedulerConfig {
	return engine.SchedulerConfig{
		TickInterval:  c.Scheduler.TickInterval,
		LeaseTTL:      c.Scheduler.LeaseTTL,
		WorkerID:      c.Scheduler.WorkerID,
		MaxConcurrent: c.Scheduler.MaxConcurrent,
	}
}

func (c *Config) DispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		Timeout:        c.Dispatcher.Timeout,
		PollInterval:   c.Dispatcher.PollInterval,
		MaxConcurrency: c.Dispatcher.MaxConcurrency,
		BatchSize:      c.Dispatcher.BatchSize,
		ProductName:    c.Dispatcher.ProductName,
	}
}

func (c *Config) ProviderConfig() evaluator.ProviderConfig {
	e := c.Evaluator
	return evaluator.ProviderConfig{
		OpenAI: evaluator.OpenAIConfig{
			APIKey:  e.OpenAI.APIKey,
			Model:   e.OpenAI.Model,
			BaseURL: e.OpenAI.BaseURL,
		},
		Perplexity: evaluator.PerplexityConfig{
			APIKey:  e.Perplexity.APIKey,
			Model:   e.Perplexity.Model,
			BaseURL: e.Perplexity.BaseURL,
		},
		Static: evaluator.Static{
			Answer:       e.Static.Answer,
			ConditionMet: e.Static.ConditionMet,
		},
		Timeout: e.Timeout,
	}
}
