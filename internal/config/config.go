// Package config loads runtime settings from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr      string          `yaml:"addr"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Files     FilesConfig     `yaml:"files"`
	OCR       OCRConfig       `yaml:"ocr"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retention RetentionConfig `yaml:"retention"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type QueueConfig struct {
	Backend string   `yaml:"backend"`
	Workers int      `yaml:"workers"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type FilesConfig struct {
	Backend        string `yaml:"backend"`
	MediaRoot      string `yaml:"media_root"`
	AzureAccount   string `yaml:"azure_account"`
	AzureKey       string `yaml:"azure_key"`
	AzureContainer string `yaml:"azure_container"`
}

type OCRConfig struct {
	Engine         string   `yaml:"engine"`
	Languages      []string `yaml:"languages"`
	Preprocess     bool     `yaml:"preprocess"`
	VisionProvider string   `yaml:"vision_provider"`
	VisionModel    string   `yaml:"vision_model"`
}

// Provider holds credentials for one LLM vendor; it is enabled when
// APIKey (or URL for ollama) is set
type Provider struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	URL    string `yaml:"url,omitempty"`
}

type ProvidersConfig struct {
	Gemini    Provider `yaml:"gemini"`
	OpenAI    Provider `yaml:"openai"`
	Anthropic Provider `yaml:"anthropic"`
	Groq      Provider `yaml:"groq"`
	Ollama    Provider `yaml:"ollama"`
}

type PipelineConfig struct {
	ProviderTimeout      time.Duration `yaml:"provider_timeout"`
	StepTimeout          time.Duration `yaml:"step_timeout"`
	RecordFailedAttempts bool          `yaml:"record_failed_attempts"`
}

type RetentionConfig struct {
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		Addr:      ":8080",
		LogLevel:  "INFO",
		LogFormat: "text",
		Database:  DatabaseConfig{Driver: "sqlite", URL: "photoqa.db"},
		Queue: QueueConfig{
			Backend: "memory",
			Workers: 4,
			Topic:   "photoqa-tasks",
			GroupID: "photoqa-workers",
		},
		Files: FilesConfig{Backend: "local", MediaRoot: "media"},
		OCR: OCRConfig{
			Engine:         "tesseract",
			Languages:      []string{"eng"},
			Preprocess:     true,
			VisionProvider: "ollama",
		},
		Providers: ProvidersConfig{
			Gemini:    Provider{Model: "gemini-1.5-flash"},
			OpenAI:    Provider{Model: "gpt-4o"},
			Anthropic: Provider{Model: "claude-3-5-sonnet-latest"},
			Groq:      Provider{Model: "llama-3.3-70b-versatile"},
			Ollama:    Provider{Model: "mistral-small3.2:24b"},
		},
		Pipeline: PipelineConfig{
			ProviderTimeout: 30 * time.Second,
			StepTimeout:     5 * time.Minute,
		},
		Retention: RetentionConfig{
			Window:        7 * 24 * time.Hour,
			SweepInterval: 24 * time.Hour,
		},
	}
}

// Load applies defaults, then the YAML file at path (if non-empty), then the environment
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Addr, "PHOTOQA_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")

	setString(&c.Queue.Backend, "QUEUE_BACKEND")
	setList(&c.Queue.Brokers, "KAFKA_BROKERS")
	setString(&c.Queue.Topic, "KAFKA_TOPIC")
	setString(&c.Queue.GroupID, "KAFKA_GROUP_ID")

	setString(&c.Files.Backend, "FILES_BACKEND")
	setString(&c.Files.MediaRoot, "MEDIA_ROOT")
	setString(&c.Files.AzureAccount, "AZURE_STORAGE_ACCOUNT")
	setString(&c.Files.AzureKey, "AZURE_STORAGE_KEY")
	setString(&c.Files.AzureContainer, "AZURE_STORAGE_CONTAINER")

	setString(&c.OCR.Engine, "OCR_ENGINE")
	setList(&c.OCR.Languages, "OCR_LANGUAGES")
	setString(&c.OCR.VisionProvider, "OCR_VISION_PROVIDER")
	setString(&c.OCR.VisionModel, "OCR_VISION_MODEL")

	setString(&c.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&c.Providers.Gemini.APIKey, "GOOGLE_API_KEY")
	setString(&c.Providers.Gemini.Model, "GEMINI_MODEL")
	setString(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.Providers.OpenAI.Model, "OPENAI_MODEL")
	setString(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.Providers.Anthropic.Model, "ANTHROPIC_MODEL")
	setString(&c.Providers.Groq.APIKey, "GROQ_API_KEY")
	setString(&c.Providers.Groq.Model, "GROQ_MODEL")
	setString(&c.Providers.Ollama.URL, "OLLAMA_URL")
	setString(&c.Providers.Ollama.Model, "OLLAMA_MODEL")

	var errs []error
	errs = append(errs,
		setInt(&c.Queue.Workers, "QUEUE_WORKERS"),
		setBool(&c.OCR.Preprocess, "OCR_PREPROCESS"),
		setBool(&c.Pipeline.RecordFailedAttempts, "RECORD_FAILED_ATTEMPTS"),
		setSeconds(&c.Pipeline.ProviderTimeout, "TIMEOUT_SECONDS"),
		setDuration(&c.Pipeline.StepTimeout, "STEP_TIMEOUT"),
		setDuration(&c.Retention.Window, "RETENTION_WINDOW"),
		setDuration(&c.Retention.SweepInterval, "SWEEP_INTERVAL"),
	)
	return errors.Join(errs...)
}

// Validate checks enum values and the settings each backend requires
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("invalid DATABASE_DRIVER: %q (supported: sqlite, postgres)", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	switch c.Queue.Backend {
	case "memory":
	case "kafka":
		if len(c.Queue.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka queue"))
		}
		if c.Queue.Topic == "" || c.Queue.GroupID == "" {
			errs = append(errs, errors.New("KAFKA_TOPIC and KAFKA_GROUP_ID are required for the kafka queue"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid QUEUE_BACKEND: %q (supported: memory, kafka)", c.Queue.Backend))
	}
	if c.Queue.Workers < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_WORKERS must be > 0 (got %d)", c.Queue.Workers))
	}

	switch c.Files.Backend {
	case "local":
		if c.Files.MediaRoot == "" {
			errs = append(errs, errors.New("MEDIA_ROOT is required for local files"))
		}
	case "azure":
		if c.Files.AzureAccount == "" || c.Files.AzureKey == "" || c.Files.AzureContainer == "" {
			errs = append(errs, errors.New("AZURE_STORAGE_ACCOUNT, AZURE_STORAGE_KEY and AZURE_STORAGE_CONTAINER are required for azure files"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid FILES_BACKEND: %q (supported: local, azure)", c.Files.Backend))
	}

	switch c.OCR.Engine {
	case "tesseract":
	case "vision":
		switch c.OCR.VisionProvider {
		case "ollama", "openai":
		default:
			errs = append(errs, fmt.Errorf("invalid OCR_VISION_PROVIDER: %q (supported: ollama, openai)", c.OCR.VisionProvider))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid OCR_ENGINE: %q (supported: tesseract, vision)", c.OCR.Engine))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT: %q (supported: text, json)", c.LogFormat))
	}

	if c.Pipeline.ProviderTimeout <= 0 || c.Pipeline.StepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("timeouts must be > 0 (got provider=%s, step=%s)", c.Pipeline.ProviderTimeout, c.Pipeline.StepTimeout))
	}
	if c.Retention.Window <= 0 || c.Retention.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("retention window and sweep interval must be > 0 (got window=%s, interval=%s)", c.Retention.Window, c.Retention.SweepInterval))
	}

	return errors.Join(errs...)
}

// EnabledProviders lists configured providers in race order
func (c *Config) EnabledProviders() []string {
	var names []string
	if c.Providers.Gemini.APIKey != "" {
		names = append(names, "gemini")
	}
	if c.Providers.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if c.Providers.Anthropic.APIKey != "" {
		names = append(names, "anthropic")
	}
	if c.Providers.Groq.APIKey != "" {
		names = append(names, "groq")
	}
	if c.Providers.Ollama.URL != "" {
		names = append(names, "ollama")
	}
	return names
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setList(dst *[]string, key string) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return
	}
	var items []string
	for _, item := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == '+' }) {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	*dst = items
}

func setInt(dst *int, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, value)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, value)
	}
	*dst = d
	return nil
}

func setSeconds(dst *time.Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, value)
	}
	*dst = time.Duration(secs * float64(time.Second))
	return nil
}
