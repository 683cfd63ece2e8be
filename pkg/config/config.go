package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	env "github.com/netflix/go-env"
	"gopkg.in/yaml.v3"
)

// DefaultFirecrawlURL is the hosted Firecrawl API, which requires a key
const DefaultFirecrawlURL = "https://api.firecrawl.dev"

// Config represents the complete application configuration
type Config struct {
	Search        SearchConfig        `yaml:"search"`
	Crawl         CrawlConfig         `yaml:"crawl"`
	Research      ResearchConfig      `yaml:"research"`
	Models        ModelsConfig        `yaml:"models"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SearchConfig selects and tunes the search backend
type SearchConfig struct {
	SearxngURL       string        `yaml:"searxng_url" env:"SEARXNG_URL"`
	SearxngEngines   string        `yaml:"searxng_engines" env:"SEARXNG_ENGINES"`
	TavilyKey        string        `yaml:"tavily_key,omitempty" env:"TAVILY_KEY"`
	TavilyMaxResults int           `yaml:"tavily_max_results" env:"TAVILY_MAX_NUM"`
	Concurrency      int           `yaml:"concurrency" env:"SEARCH_API_LIMIT"`
	RequestsPerSec   float64       `yaml:"requests_per_second" env:"SEARCH_REQUESTS_PER_SECOND"`
	Timeout          time.Duration `yaml:"timeout" env:"SEARCH_TIMEOUT"`
	MaxCandidates    int           `yaml:"max_candidates"`
	BlacklistFile    string        `yaml:"blacklist_file" env:"BLACKLIST_FILE"`
}

// CrawlConfig configures the content acquisition chain
type CrawlConfig struct {
	FirecrawlURL      string        `yaml:"firecrawl_url" env:"FIRECRAWL_API_URL"`
	FirecrawlKey      string        `yaml:"firecrawl_key,omitempty" env:"FIRECRAWL_API_KEY"`
	Crawl4AIURL       string        `yaml:"crawl4ai_url" env:"CRAWL4AI_API_URL"`
	Crawl4AIKey       string        `yaml:"crawl4ai_key,omitempty" env:"CRAWL4AI_API_KEY"`
	DirectFetch       bool          `yaml:"direct_fetch" env:"DIRECT_FETCH_ENABLED"`
	Concurrency       int           `yaml:"concurrency" env:"CRAWL_THREAD_NUM"`
	Timeout           time.Duration `yaml:"timeout" env:"CRAWL_TIMEOUT"`
	MinContentLength  int           `yaml:"min_content_length"`
	Passes            int           `yaml:"passes"`
	MaxDocumentBytes  int64         `yaml:"max_document_bytes"`
	BreakerFailures   int           `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
	CompressThreshold int           `yaml:"compress_threshold"`
	CompressInputCap  int           `yaml:"compress_input_cap"`
}

// ResearchConfig contains research loop configuration
type ResearchConfig struct {
	MaxResults          int           `yaml:"max_results" env:"MAX_SEARCH_RESULTS"`
	MaxIterations       int           `yaml:"max_iterations" env:"MAX_RESEARCH_NUM"`
	EvaluateConcurrency int           `yaml:"evaluate_concurrency" env:"EVALUATE_THREAD_NUM"`
	BatchSize           int           `yaml:"batch_size"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	JoinTimeout         time.Duration `yaml:"join_timeout"`
	DumpPath            string        `yaml:"dump_path" env:"RESEARCH_DUMP_PATH"`
	SessionDir          string        `yaml:"session_dir,omitempty" env:"RESEARCH_SESSION_DIR"`
	DefaultLanguage     string        `yaml:"default_language"`
}

// ModelsConfig holds one endpoint per logical LLM role
type ModelsConfig struct {
	BaseChat      ModelConfig `yaml:"base_chat"`
	SearchKeyword ModelConfig `yaml:"search_keyword"`
	Evaluate      ModelConfig `yaml:"evaluate"`
	Compress      ModelConfig `yaml:"compress"`
	Summary       ModelConfig `yaml:"summary"`
}

// API types understood by llm.NewClient
const (
	APITypeOpenAI = "OPENAI"
	APITypeGemini = "GEMINI"
)

// ModelConfig describes one LLM endpoint. APIKeys is a comma-separated list.
type ModelConfig struct {
	Type        string        `yaml:"type"`
	APIKeys     string        `yaml:"api_keys,omitempty"`
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Keys splits APIKeys into its non-empty entries
func (m ModelConfig) Keys() []string {
	var keys []string
	for _, k := range strings.Split(m.APIKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// APIConfig contains API server configuration
type APIConfig struct {
	Port         int             `yaml:"port" env:"API_PORT"`
	Host         string          `yaml:"host" env:"API_HOST"`
	APIKey       string          `yaml:"api_key,omitempty" env:"API_KEY"`
	SystemPrompt string          `yaml:"system_prompt,omitempty"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" env:"API_RATE_LIMIT_ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// ObservabilityConfig contains observability configuration
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	Endpoint     string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"METRICS_ENABLED"`
	Port    int  `yaml:"port" env:"METRICS_PORT"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // "debug", "info", "warn", "error"
	Format string `yaml:"format" env:"LOG_FORMAT"` // "json", "console"
}

// roleEnv maps each model role to its environment prefix
var roleEnv = []struct {
	prefix string
	model  func(*ModelsConfig) *ModelConfig
}{
	{"BASE_CHAT", func(m *ModelsConfig) *ModelConfig { return &m.BaseChat }},
	{"SEARCH_KEYWORD", func(m *ModelsConfig) *ModelConfig { return &m.SearchKeyword }},
	{"EVALUATE", func(m *ModelsConfig) *ModelConfig { return &m.Evaluate }},
	{"COMPRESS", func(m *ModelsConfig) *ModelConfig { return &m.Compress }},
	{"SUMMARY", func(m *ModelsConfig) *ModelConfig { return &m.Summary }},
}

// Load builds the configuration from defaults, an optional YAML file, an
// optional .env file next to the working directory and the environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config file not found: %s", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := config.overrideFromEnv(); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Search: SearchConfig{
			SearxngEngines:   "bing,duckduckgo,google,wikipedia",
			TavilyMaxResults: 20,
			Concurrency:      5,
			RequestsPerSec:   0,
			Timeout:          15 * time.Second,
			MaxCandidates:    50,
		},
		Crawl: CrawlConfig{
			FirecrawlURL:      DefaultFirecrawlURL,
			Concurrency:       5,
			Timeout:           20 * time.Second,
			MinContentLength:  1000,
			Passes:            2,
			MaxDocumentBytes:  10 << 20,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
			CompressThreshold: 2000,
			CompressInputCap:  70000,
		},
		Research: ResearchConfig{
			MaxResults:          6,
			MaxIterations:       12,
			EvaluateConcurrency: 5,
			BatchSize:           15,
			HeartbeatTimeout:    15 * time.Second,
			JoinTimeout:         5 * time.Second,
			DumpPath:            "temp_research.txt",
			DefaultLanguage:     "zh_CN",
		},
		Models: ModelsConfig{
			BaseChat: ModelConfig{Type: APITypeOpenAI, Temperature: 0.3, Timeout: 60 * time.Second},
		},
		API: APIConfig{
			Port: 8000,
			Host: "0.0.0.0",
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 60,
				BurstSize:         10,
			},
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:      false,
				Endpoint:     "localhost:4318",
				SamplingRate: 1.0,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Port:    2223,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
	}
}

// overrideFromEnv overlays environment variables on the loaded configuration
func (c *Config) overrideFromEnv() error {
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	for _, role := range roleEnv {
		m := role.model(&c.Models)
		if v, ok := os.LookupEnv(role.prefix + "_API_KEY"); ok {
			m.APIKeys = v
		}
		if v, ok := os.LookupEnv(role.prefix + "_API_URL"); ok {
			m.URL = v
		}
		if v, ok := os.LookupEnv(role.prefix + "_MODEL"); ok {
			m.Model = v
		}
		if v, ok := os.LookupEnv(role.prefix + "_API_TYPE"); ok {
			m.Type = strings.ToUpper(v)
		}
	}
	return nil
}

// applyDefaults fills fields the file and environment left empty
func (c *Config) applyDefaults() {
	defaults := Default()

	// Roles without their own endpoint inherit the base chat model.
	base := c.Models.BaseChat
	for _, role := range roleEnv[1:] {
		m := role.model(&c.Models)
		if m.URL == "" && m.Model == "" && m.APIKeys == "" && m.Type == "" {
			*m = base
			continue
		}
		if m.URL == "" {
			m.URL = base.URL
		}
		if m.Model == "" {
			m.Model = base.Model
		}
		if m.APIKeys == "" && (m.Type == "" || m.Type == base.Type) {
			m.APIKeys = base.APIKeys
		}
		if m.Type == "" {
			m.Type = APITypeOpenAI
		}
		if m.Timeout == 0 {
			m.Timeout = base.Timeout
		}
	}
	if c.Models.BaseChat.Type == "" {
		c.Models.BaseChat.Type = APITypeOpenAI
	}

	c.Crawl.FirecrawlURL = strings.TrimRight(c.Crawl.FirecrawlURL, "/")
	if c.Crawl.FirecrawlURL == DefaultFirecrawlURL && c.Crawl.FirecrawlKey == "" {
		c.Crawl.FirecrawlURL = ""
	}

	if c.Search.Concurrency < 1 {
		c.Search.Concurrency = defaults.Search.Concurrency
	}
	if c.Search.MaxCandidates < 1 {
		c.Search.MaxCandidates = defaults.Search.MaxCandidates
	}
	if c.Search.TavilyMaxResults < 1 {
		c.Search.TavilyMaxResults = defaults.Search.TavilyMaxResults
	}
	if c.Crawl.Concurrency < 1 {
		c.Crawl.Concurrency = defaults.Crawl.Concurrency
	}
	if c.Crawl.Passes < 1 {
		c.Crawl.Passes = defaults.Crawl.Passes
	}
	if c.Research.MaxResults < 1 {
		c.Research.MaxResults = defaults.Research.MaxResults
	}
	if c.Research.MaxIterations < 1 {
		c.Research.MaxIterations = defaults.Research.MaxIterations
	}
	if c.Research.EvaluateConcurrency < 1 {
		c.Research.EvaluateConcurrency = defaults.Research.EvaluateConcurrency
	}
	if c.Research.BatchSize < 1 {
		c.Research.BatchSize = defaults.Research.BatchSize
	}
	if c.Research.HeartbeatTimeout <= 0 {
		c.Research.HeartbeatTimeout = defaults.Research.HeartbeatTimeout
	}
	if c.Research.JoinTimeout <= 0 {
		c.Research.JoinTimeout = defaults.Research.JoinTimeout
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Search.SearxngURL == "" && c.Search.TavilyKey == "" {
		return fmt.Errorf("a search backend is required: set SEARXNG_URL or TAVILY_KEY")
	}
	if c.Crawl.FirecrawlURL == "" && c.Crawl.Crawl4AIURL == "" && !c.Crawl.DirectFetch {
		return fmt.Errorf("at least one crawler is required: FIRECRAWL_API_URL, CRAWL4AI_API_URL or DIRECT_FETCH_ENABLED")
	}
	if c.Models.BaseChat.URL == "" {
		return fmt.Errorf("base chat url is required")
	}
	if c.Models.BaseChat.Model == "" {
		return fmt.Errorf("base chat model is required")
	}
	for _, role := range roleEnv {
		m := role.model(&c.Models)
		if m.Type != APITypeOpenAI && m.Type != APITypeGemini {
			return fmt.Errorf("%s: unsupported api type %q", strings.ToLower(role.prefix), m.Type)
		}
		if m.Type == APITypeGemini && len(m.Keys()) == 0 {
			return fmt.Errorf("%s: gemini requires an api key", strings.ToLower(role.prefix))
		}
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api port must be between 1 and 65535")
	}
	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
