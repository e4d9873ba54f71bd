package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv       = "PAGEWATCH_CONFIG"
	databasePathEnv     = "PAGEWATCH_DB"
	summarizerKeyEnv    = "SUMMARIZER_API_KEY"
	summarizerModelEnv  = "SUMMARIZER_MODEL"
	ocrEndpointEnv      = "OCR_ENDPOINT"
	smtpPasswordEnv     = "SMTP_PASSWORD"
	calendarEndpointEnv = "CALENDAR_ENDPOINT"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Normalize  NormalizeConfig  `yaml:"normalize"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	OCR        OCRConfig        `yaml:"ocr"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Email      EmailConfig      `yaml:"email"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
}

// DatabaseConfig describes the sqlite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig wires slog level and lumberjack rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// SchedulerConfig controls the due-source polling loop.
type SchedulerConfig struct {
	PollIntervalSec   int `yaml:"pollIntervalSec"`
	Workers           int `yaml:"workers"`
	DefaultCadenceMin int `yaml:"defaultCadenceMin"`
	DeactivateAfter   int `yaml:"deactivateAfter"` // consecutive permanent failures
}

// PollInterval returns the scheduler tick period.
func (s SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSec) * time.Second
}

// DefaultCadence returns the fallback polling cadence per source.
func (s SchedulerConfig) DefaultCadence() time.Duration {
	return time.Duration(s.DefaultCadenceMin) * time.Minute
}

// FetchConfig bounds outbound HTTP behavior.
type FetchConfig struct {
	TimeoutSec   int    `yaml:"timeoutSec"`
	MaxRetries   int    `yaml:"maxRetries"`
	BackoffMinMS int    `yaml:"backoffMinMs"`
	BackoffMaxMS int    `yaml:"backoffMaxMs"`
	JitterPct    int    `yaml:"jitterPct"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes"`
	UserAgent    string `yaml:"userAgent"`
}

// Timeout returns the per-request HTTP timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSec) * time.Second
}

// NormalizeConfig holds the configuration points separating cosmetic from
// meaningful change.
type NormalizeConfig struct {
	StripSelectors   []string `yaml:"stripSelectors"`
	VolatilePatterns []string `yaml:"volatilePatterns"`
}

// PipelineConfig bounds orchestrator concurrency and per-stage retries.
type PipelineConfig struct {
	Workers         int `yaml:"workers"`
	MaxAttempts     int `yaml:"maxAttempts"`
	RetryBackoffSec int `yaml:"retryBackoffSec"`
	PollIntervalSec int `yaml:"pollIntervalSec"`
}

// RetryBackoff returns the base backoff between stage attempts.
func (p PipelineConfig) RetryBackoff() time.Duration {
	return time.Duration(p.RetryBackoffSec) * time.Second
}

// PollInterval returns the queue polling period.
func (p PipelineConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSec) * time.Second
}

// OCRConfig defines how to contact the text-extraction capability.
type OCRConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"apiKey"`
	TimeoutSec int    `yaml:"timeoutSec"`
}

// Timeout returns the OCR call timeout.
func (o OCRConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSec) * time.Second
}

// SummarizerConfig defines how to contact the summarization capability.
type SummarizerConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
	TimeoutSec   int    `yaml:"timeoutSec"`
}

// Timeout returns the summarization call timeout.
func (s SummarizerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// EmailConfig wires the SMTP delivery channel.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// CalendarConfig wires the calendar-sync capability.
type CalendarConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"apiKey"`
	Timezone   string `yaml:"timezone"`
	TimeoutSec int    `yaml:"timeoutSec"`
}

// Timeout returns the calendar call timeout.
func (c CalendarConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// DeliveryConfig bounds notification retries.
type DeliveryConfig struct {
	MaxAttempts      int `yaml:"maxAttempts"`
	RetryIntervalSec int `yaml:"retryIntervalSec"`
}

// RetryInterval returns the delivery retry period.
func (d DeliveryConfig) RetryInterval() time.Duration {
	return time.Duration(d.RetryIntervalSec) * time.Second
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databasePathEnv); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(summarizerKeyEnv); v != "" {
		c.Summarizer.APIKey = v
	}
	if v := os.Getenv(summarizerModelEnv); v != "" {
		c.Summarizer.Model = v
	}
	if v := os.Getenv(ocrEndpointEnv); v != "" {
		c.OCR.Endpoint = v
	}
	if v := os.Getenv(smtpPasswordEnv); v != "" {
		c.Email.Password = v
	}
	if v := os.Getenv(calendarEndpointEnv); v != "" {
		c.Calendar.Endpoint = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Database.Path != "" {
		base.Database = override.Database
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.File != "" {
		base.Logging.File = override.Logging.File
	}
	if override.Logging.MaxSizeMB > 0 {
		base.Logging.MaxSizeMB = override.Logging.MaxSizeMB
	}
	if override.Logging.MaxBackups > 0 {
		base.Logging.MaxBackups = override.Logging.MaxBackups
	}
	if override.Logging.MaxAgeDays > 0 {
		base.Logging.MaxAgeDays = override.Logging.MaxAgeDays
	}

	if override.Scheduler.PollIntervalSec > 0 {
		base.Scheduler.PollIntervalSec = override.Scheduler.PollIntervalSec
	}
	if override.Scheduler.Workers > 0 {
		base.Scheduler.Workers = override.Scheduler.Workers
	}
	if override.Scheduler.DefaultCadenceMin > 0 {
		base.Scheduler.DefaultCadenceMin = override.Scheduler.DefaultCadenceMin
	}
	if override.Scheduler.DeactivateAfter > 0 {
		base.Scheduler.DeactivateAfter = override.Scheduler.DeactivateAfter
	}

	if override.Fetch.TimeoutSec > 0 {
		base.Fetch.TimeoutSec = override.Fetch.TimeoutSec
	}
	if override.Fetch.MaxRetries > 0 {
		base.Fetch.MaxRetries = override.Fetch.MaxRetries
	}
	if override.Fetch.BackoffMinMS > 0 {
		base.Fetch.BackoffMinMS = override.Fetch.BackoffMinMS
	}
	if override.Fetch.BackoffMaxMS > 0 {
		base.Fetch.BackoffMaxMS = override.Fetch.BackoffMaxMS
	}
	if override.Fetch.JitterPct > 0 {
		base.Fetch.JitterPct = override.Fetch.JitterPct
	}
	if override.Fetch.MaxBodyBytes > 0 {
		base.Fetch.MaxBodyBytes = override.Fetch.MaxBodyBytes
	}
	if override.Fetch.UserAgent != "" {
		base.Fetch.UserAgent = override.Fetch.UserAgent
	}

	if len(override.Normalize.StripSelectors) > 0 {
		base.Normalize.StripSelectors = override.Normalize.StripSelectors
	}
	if len(override.Normalize.VolatilePatterns) > 0 {
		base.Normalize.VolatilePatterns = override.Normalize.VolatilePatterns
	}

	if override.Pipeline.Workers > 0 {
		base.Pipeline.Workers = override.Pipeline.Workers
	}
	if override.Pipeline.MaxAttempts > 0 {
		base.Pipeline.MaxAttempts = override.Pipeline.MaxAttempts
	}
	if override.Pipeline.RetryBackoffSec > 0 {
		base.Pipeline.RetryBackoffSec = override.Pipeline.RetryBackoffSec
	}
	if override.Pipeline.PollIntervalSec > 0 {
		base.Pipeline.PollIntervalSec = override.Pipeline.PollIntervalSec
	}

	if override.OCR.Endpoint != "" {
		base.OCR.Endpoint = override.OCR.Endpoint
	}
	if override.OCR.APIKey != "" {
		base.OCR.APIKey = override.OCR.APIKey
	}
	if override.OCR.TimeoutSec > 0 {
		base.OCR.TimeoutSec = override.OCR.TimeoutSec
	}

	if override.Summarizer.Endpoint != "" {
		base.Summarizer.Endpoint = override.Summarizer.Endpoint
	}
	if override.Summarizer.Model != "" {
		base.Summarizer.Model = override.Summarizer.Model
	}
	if override.Summarizer.APIKey != "" {
		base.Summarizer.APIKey = override.Summarizer.APIKey
	}
	if override.Summarizer.SystemPrompt != "" {
		base.Summarizer.SystemPrompt = override.Summarizer.SystemPrompt
	}
	if override.Summarizer.TimeoutSec > 0 {
		base.Summarizer.TimeoutSec = override.Summarizer.TimeoutSec
	}

	if override.Email.Host != "" {
		base.Email.Host = override.Email.Host
	}
	if override.Email.Port > 0 {
		base.Email.Port = override.Email.Port
	}
	if override.Email.Username != "" {
		base.Email.Username = override.Email.Username
	}
	if override.Email.Password != "" {
		base.Email.Password = override.Email.Password
	}
	if override.Email.From != "" {
		base.Email.From = override.Email.From
	}

	if override.Calendar.Endpoint != "" {
		base.Calendar.Endpoint = override.Calendar.Endpoint
	}
	if override.Calendar.APIKey != "" {
		base.Calendar.APIKey = override.Calendar.APIKey
	}
	if override.Calendar.Timezone != "" {
		base.Calendar.Timezone = override.Calendar.Timezone
	}
	if override.Calendar.TimeoutSec > 0 {
		base.Calendar.TimeoutSec = override.Calendar.TimeoutSec
	}

	if override.Delivery.MaxAttempts > 0 {
		base.Delivery.MaxAttempts = override.Delivery.MaxAttempts
	}
	if override.Delivery.RetryIntervalSec > 0 {
		base.Delivery.RetryIntervalSec = override.Delivery.RetryIntervalSec
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Path: "pagewatch.db"},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Scheduler: SchedulerConfig{
			PollIntervalSec:   60,
			Workers:           8,
			DefaultCadenceMin: 60,
			DeactivateAfter:   3,
		},
		Fetch: FetchConfig{
			TimeoutSec:   30,
			MaxRetries:   3,
			BackoffMinMS: 500,
			BackoffMaxMS: 8000,
			JitterPct:    20,
			MaxBodyBytes: 10 * 1024 * 1024,
			UserAgent:    "pagewatch/1.0",
		},
		Normalize: NormalizeConfig{
			StripSelectors: []string{
				"script", "style", "nav", "footer", "iframe",
				".ads", "[class*='advertisement']", "[id*='banner']",
			},
			VolatilePatterns: []string{
				`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(:\d{2})?`,
				`(?i)(sessionid|session_id|jsessionid|phpsessid|csrf_token)=[A-Za-z0-9+/=_-]+`,
				`(?i)\b\d{1,2}:\d{2}(:\d{2})?\s*(am|pm)?\b`,
			},
		},
		Pipeline: PipelineConfig{
			Workers:         4,
			MaxAttempts:     3,
			RetryBackoffSec: 2,
			PollIntervalSec: 5,
		},
		OCR: OCRConfig{TimeoutSec: 60},
		Summarizer: SummarizerConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o-mini",
			SystemPrompt: "You summarize web page changes into a structured notice digest.",
			TimeoutSec:   60,
		},
		Email:    EmailConfig{Port: 587},
		Calendar: CalendarConfig{Timezone: "Asia/Seoul", TimeoutSec: 15},
		Delivery: DeliveryConfig{MaxAttempts: 3, RetryIntervalSec: 60},
	}
}
