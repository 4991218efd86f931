package models

import "time"

// Config represents the service configuration
type Config struct {
	// Server config
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	Log        LogConfig        `yaml:"log"`
	Intake     IntakeConfig     `yaml:"intake"`
	OCR        OCRConfig        `yaml:"ocr"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Queue      QueueConfig      `yaml:"queue"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Chat       ChatConfig       `yaml:"chat"`
	Auth       AuthConfig       `yaml:"auth"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// IntakeConfig bounds what the upload endpoint accepts
type IntakeConfig struct {
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	AllowedTypes   []string `yaml:"allowed_types"`
}

// OCRConfig represents OCR-specific configuration
type OCRConfig struct {
	Binary        string        `yaml:"binary"`      // tesseract executable
	Language      string        `yaml:"language"`    // default: "vie+eng"
	TessdataDir   string        `yaml:"tessdata_dir"`
	PSM           int           `yaml:"psm"`
	Timeout       time.Duration `yaml:"timeout"`
	Preprocess    bool          `yaml:"preprocess"`     // ImageMagick enhancement
	TSVConfidence bool          `yaml:"tsv_confidence"` // second pass for word confidence
}

// ExtractionConfig holds the confidence model knobs
type ExtractionConfig struct {
	ReviewThreshold float64 `yaml:"review_threshold"`
	FieldWeight     float64 `yaml:"field_weight"`
	EngineWeight    float64 `yaml:"engine_weight"`

	// Per-type overrides, keyed by invoice type name
	RequiredFields map[string][]string `yaml:"required_fields"`
	Keywords       map[string][]string `yaml:"keywords"`
}

// QueueConfig configures the worker pool and its broker
type QueueConfig struct {
	Driver         string        `yaml:"driver"` // "memory" or "rabbitmq"
	Workers        int           `yaml:"workers"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	LeaseTimeout   time.Duration `yaml:"lease_timeout"`
	ReapInterval   time.Duration `yaml:"reap_interval"`
	RabbitMQURL    string        `yaml:"rabbitmq_url"`
	QueueName      string        `yaml:"queue_name"`
}

// DatabaseConfig selects the store: Postgres when URL is set, Bolt otherwise
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	BoltPath string `yaml:"bolt_path"`
}

// StorageConfig for MinIO (used together with Postgres)
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ChatConfig configures the command router and its fallback provider
type ChatConfig struct {
	Provider     string        `yaml:"provider"` // "openai", "gemini" or empty
	SystemPrompt string        `yaml:"system_prompt"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	Timezone     string        `yaml:"timezone"` // IANA name used for "today"
	OpenAI       OpenAIConfig  `yaml:"openai"`
	Gemini       GeminiConfig  `yaml:"gemini"`
}

// OpenAIConfig for OpenAI or any compatible endpoint
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
}

// GeminiConfig for Google Gemini
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"` // empty disables token checks
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Intake.MaxUploadBytes == 0 {
		c.Intake.MaxUploadBytes = 10 * 1024 * 1024
	}
	if len(c.Intake.AllowedTypes) == 0 {
		c.Intake.AllowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/heic", "image/heif"}
	}

	if c.OCR.Binary == "" {
		c.OCR.Binary = "tesseract"
	}
	if c.OCR.Language == "" {
		c.OCR.Language = "vie+eng"
	}
	if c.OCR.Timeout == 0 {
		c.OCR.Timeout = 60 * time.Second
	}

	if c.Extraction.ReviewThreshold == 0 {
		c.Extraction.ReviewThreshold = 0.6
	}
	if c.Extraction.FieldWeight == 0 && c.Extraction.EngineWeight == 0 {
		c.Extraction.FieldWeight = 0.7
		c.Extraction.EngineWeight = 0.3
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = 2 * time.Second
	}
	if c.Queue.BackoffMax == 0 {
		c.Queue.BackoffMax = time.Minute
	}
	if c.Queue.ProcessTimeout == 0 {
		c.Queue.ProcessTimeout = 3 * time.Minute
	}
	if c.Queue.LeaseTimeout == 0 {
		c.Queue.LeaseTimeout = 10 * time.Minute
	}
	if c.Queue.ReapInterval == 0 {
		c.Queue.ReapInterval = 30 * time.Second
	}
	if c.Queue.QueueName == "" {
		c.Queue.QueueName = "invoice_jobs"
	}

	if c.Database.BoltPath == "" {
		c.Database.BoltPath = "invoices.db"
	}
	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "hoadon"
	}

	if c.Chat.SessionTTL == 0 {
		c.Chat.SessionTTL = 30 * time.Minute
	}
	if c.Chat.Timezone == "" {
		c.Chat.Timezone = "Asia/Ho_Chi_Minh"
	}
	if c.Chat.OpenAI.Model == "" {
		c.Chat.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Chat.Gemini.Model == "" {
		c.Chat.Gemini.Model = "gemini-1.5-flash"
	}

	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
}
