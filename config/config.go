// Package config loads the application configuration from an optional YAML
// file, then the environment (with .env support), on top of defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Worker      WorkerConfig      `yaml:"worker"`
	Storage     StorageConfig     `yaml:"storage"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Events      EventsConfig      `yaml:"events"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Addr               string        `yaml:"addr"`
	ReadTimeout        time.Duration `yaml:"readTimeout"`
	WriteTimeout       time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdownTimeout"`
	MaxMultipartMemory int64         `yaml:"maxMultipartMemory"`
	CORSOrigins        []string      `yaml:"corsOrigins"`
	PresignTTL         time.Duration `yaml:"presignTTL"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "pgx".
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

type WorkerConfig struct {
	// Queue is "asynq" or "memory".
	Queue       string         `yaml:"queue"`
	Concurrency int            `yaml:"concurrency"`
	Queues      map[string]int `yaml:"queues"`
	TaskTimeout time.Duration  `yaml:"taskTimeout"`
	HealthAddr  string         `yaml:"healthAddr"`
}

type StorageConfig struct {
	Type  string       `yaml:"type"`
	S3    *S3Config    `yaml:"s3"`
	Minio *MinioConfig `yaml:"minio"`
	GCS   *GCSConfig   `yaml:"gcs"`
}

type PipelineConfig struct {
	MaxFileSize          int64         `yaml:"maxFileSize"`
	AllowedMimeTypes     []string      `yaml:"allowedMimeTypes"`
	ContainerMimeTypes   []string      `yaml:"containerMimeTypes"`
	RenderDPI            int           `yaml:"renderDPI"`
	MinEmbeddedTextChars int           `yaml:"minEmbeddedTextChars"`
	SplitMode            string        `yaml:"splitMode"`
	DuplicateScope       string        `yaml:"duplicateScope"`
	ReclassifyPolicy     string        `yaml:"reclassifyPolicy"`
	MaxTransientRetries  int           `yaml:"maxTransientRetries"`
	InitialBackoff       time.Duration `yaml:"initialBackoff"`
	MaxBackoff           time.Duration `yaml:"maxBackoff"`
	BackoffMultiplier    float64       `yaml:"backoffMultiplier"`
	StallTimeout         time.Duration `yaml:"stallTimeout"`
	MaxConflictRetries   int           `yaml:"maxConflictRetries"`
	PageReuseDistance    int           `yaml:"pageReuseDistance"`
}

type IdempotencyConfig struct {
	// Backend is "sql", "redis" or "memory".
	Backend      string        `yaml:"backend"`
	TTL          time.Duration `yaml:"ttl"`
	Lease        time.Duration `yaml:"lease"`
	Wait         time.Duration `yaml:"wait"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type ExtractionConfig struct {
	// Provider is "textract", "ollama", "vertex", "tesseract" or "text".
	Provider      string          `yaml:"provider"`
	Timeout       time.Duration   `yaml:"timeout"`
	RatePerSecond float64         `yaml:"ratePerSecond"`
	Burst         int             `yaml:"burst"`
	Textract      *TextractConfig `yaml:"textract"`
	Ollama        OllamaConfig    `yaml:"ollama"`
	Tesseract     TesseractConfig `yaml:"tesseract"`
}

type OllamaConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

type TesseractConfig struct {
	Languages []string `yaml:"languages"`
}

type EventsConfig struct {
	// Sinks lists "log", "redis" and/or "cloudevents".
	Sinks             []string `yaml:"sinks"`
	RedisChannel      string   `yaml:"redisChannel"`
	CloudEventsTarget string   `yaml:"cloudEventsTarget"`
	Source            string   `yaml:"source"`
}

type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Encoding    string   `yaml:"encoding"`
	OutputPaths []string `yaml:"outputPaths"`
	ErrorPaths  []string `yaml:"errorPaths"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8080",
			ReadTimeout:        30 * time.Second,
			WriteTimeout:       60 * time.Second,
			ShutdownTimeout:    5 * time.Second,
			MaxMultipartMemory: 32 << 20,
			CORSOrigins:        []string{"*"},
			PresignTTL:         15 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "data/ingest.db",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Worker: WorkerConfig{
			Queue:       "asynq",
			Concurrency: 10,
			Queues:      map[string]int{"critical": 6, "default": 3, "low": 1},
			TaskTimeout: 30 * time.Minute,
			HealthAddr:  ":9090",
		},
		Storage: StorageConfig{Type: "minio"},
		Pipeline: PipelineConfig{
			MaxFileSize:          50 << 20,
			AllowedMimeTypes:     []string{"application/pdf", "image/jpeg", "image/png", "image/tiff"},
			ContainerMimeTypes:   []string{"application/pdf"},
			RenderDPI:            150,
			MinEmbeddedTextChars: 20,
			SplitMode:            "per_page",
			DuplicateScope:       "tenant",
			ReclassifyPolicy:     "annotate",
			MaxTransientRetries:  3,
			InitialBackoff:       500 * time.Millisecond,
			MaxBackoff:           10 * time.Second,
			BackoffMultiplier:    2,
			StallTimeout:         15 * time.Minute,
			MaxConflictRetries:   5,
			PageReuseDistance:    4,
		},
		Idempotency: IdempotencyConfig{
			Backend:      "sql",
			TTL:          24 * time.Hour,
			Lease:        2 * time.Minute,
			Wait:         10 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Extraction: ExtractionConfig{
			Provider:      "textract",
			Timeout:       60 * time.Second,
			RatePerSecond: 5,
			Burst:         10,
			Ollama: OllamaConfig{
				Endpoint: "http://localhost:11434",
				Model:    "llama3.2-vision",
			},
			Tesseract: TesseractConfig{Languages: []string{"eng"}},
		},
		Events: EventsConfig{
			Sinks:        []string{"log"},
			RedisChannel: "ingest.events",
			Source:       "ingest-pipeline",
		},
		Logging: LoggingConfig{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout"},
			ErrorPaths:  []string{"stderr"},
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	loadDotEnv()
	cfg.applyEnv()
	cfg.resolveBackends()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("HTTP_ADDR", c.Server.Addr)
	c.Server.CORSOrigins = getEnvAsList("CORS_ORIGINS", c.Server.CORSOrigins)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("DB_URL", c.Database.DSN)
	c.Database.MaxOpenConns = getEnvAsInt("DB_MAX_CONNS", c.Database.MaxOpenConns)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Worker.Queue = getEnv("WORKER_QUEUE", c.Worker.Queue)
	c.Worker.Concurrency = getEnvAsInt("WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.HealthAddr = getEnv("WORKER_HEALTH_ADDR", c.Worker.HealthAddr)

	c.Storage.Type = getEnv("STORAGE_TYPE", c.Storage.Type)

	c.Pipeline.MaxFileSize = getEnvAsInt64("MAX_FILE_SIZE", c.Pipeline.MaxFileSize)
	c.Pipeline.AllowedMimeTypes = getEnvAsList("ALLOWED_MIME_TYPES", c.Pipeline.AllowedMimeTypes)
	c.Pipeline.ContainerMimeTypes = getEnvAsList("CONTAINER_MIME_TYPES", c.Pipeline.ContainerMimeTypes)
	c.Pipeline.RenderDPI = getEnvAsInt("RENDER_DPI", c.Pipeline.RenderDPI)
	c.Pipeline.SplitMode = getEnv("SPLIT_MODE", c.Pipeline.SplitMode)
	c.Pipeline.DuplicateScope = getEnv("DUPLICATE_SCOPE", c.Pipeline.DuplicateScope)
	c.Pipeline.ReclassifyPolicy = getEnv("RECLASSIFY_POLICY", c.Pipeline.ReclassifyPolicy)
	c.Pipeline.MaxTransientRetries = getEnvAsInt("MAX_TRANSIENT_RETRIES", c.Pipeline.MaxTransientRetries)
	c.Pipeline.StallTimeout = getEnvAsDuration("STALL_TIMEOUT", c.Pipeline.StallTimeout)

	c.Idempotency.Backend = getEnv("IDEMPOTENCY_BACKEND", c.Idempotency.Backend)
	c.Idempotency.TTL = getEnvAsDuration("IDEMPOTENCY_TTL", c.Idempotency.TTL)
	c.Idempotency.Wait = getEnvAsDuration("IDEMPOTENCY_WAIT", c.Idempotency.Wait)

	c.Extraction.Provider = getEnv("EXTRACTION_PROVIDER", c.Extraction.Provider)
	c.Extraction.Timeout = getEnvAsDuration("EXTRACTION_TIMEOUT", c.Extraction.Timeout)
	c.Extraction.Ollama.Endpoint = getEnv("OLLAMA_ENDPOINT", c.Extraction.Ollama.Endpoint)
	c.Extraction.Ollama.Model = getEnv("OLLAMA_MODEL", c.Extraction.Ollama.Model)
	c.Extraction.Tesseract.Languages = getEnvAsList("TESSERACT_LANGUAGES", c.Extraction.Tesseract.Languages)

	c.Events.Sinks = getEnvAsList("EVENT_SINKS", c.Events.Sinks)
	c.Events.CloudEventsTarget = getEnv("CLOUDEVENTS_TARGET", c.Events.CloudEventsTarget)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Encoding = getEnv("LOG_ENCODING", c.Logging.Encoding)
	c.Logging.OutputPaths = getEnvAsList("LOG_OUTPUT_PATHS", c.Logging.OutputPaths)
}

// resolveBackends fills backend sections the YAML left empty from the
// environment getters.
func (c *Config) resolveBackends() {
	switch c.Storage.Type {
	case "s3":
		if c.Storage.S3 == nil {
			c.Storage.S3 = GetS3Config()
		}
	case "minio":
		if c.Storage.Minio == nil {
			c.Storage.Minio = GetMinioConfig()
		}
	case "gcs":
		if c.Storage.GCS == nil {
			c.Storage.GCS = GetGCSConfig()
		}
	}
	switch c.Extraction.Provider {
	case "textract":
		if c.Extraction.Textract == nil {
			c.Extraction.Textract = GetTextractConfig()
		}
	case "vertex":
		if c.Storage.GCS == nil {
			c.Storage.GCS = GetGCSConfig()
		}
	}
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (allowed: %v)", field, value, allowed)
}

// Validate checks enumerations and bounds.
func (c *Config) Validate() error {
	checks := []error{
		oneOf("database.driver", c.Database.Driver, "sqlite", "pgx"),
		oneOf("worker.queue", c.Worker.Queue, "asynq", "memory"),
		oneOf("storage.type", c.Storage.Type, "s3", "minio", "gcs", "memory"),
		oneOf("pipeline.splitMode", c.Pipeline.SplitMode, "none", "per_page", "ranges", "heuristic"),
		oneOf("pipeline.duplicateScope", c.Pipeline.DuplicateScope, "tenant", "company"),
		oneOf("pipeline.reclassifyPolicy", c.Pipeline.ReclassifyPolicy, "annotate", "requeue"),
		oneOf("idempotency.backend", c.Idempotency.Backend, "sql", "redis", "memory"),
		oneOf("extraction.provider", c.Extraction.Provider, "textract", "ollama", "vertex", "tesseract", "text"),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Pipeline.MaxFileSize <= 0 {
		return fmt.Errorf("pipeline.maxFileSize must be positive")
	}
	if len(c.Pipeline.AllowedMimeTypes) == 0 {
		return fmt.Errorf("pipeline.allowedMimeTypes must not be empty")
	}
	if c.Pipeline.RenderDPI < 36 || c.Pipeline.RenderDPI > 1200 {
		return fmt.Errorf("pipeline.renderDPI %d out of range [36,1200]", c.Pipeline.RenderDPI)
	}
	if c.Pipeline.MaxTransientRetries < 0 {
		return fmt.Errorf("pipeline.maxTransientRetries must not be negative")
	}
	if c.Idempotency.TTL <= 0 || c.Idempotency.Lease <= 0 {
		return fmt.Errorf("idempotency ttl and lease must be positive")
	}
	for _, s := range c.Events.Sinks {
		if err := oneOf("events.sinks", s, "log", "redis", "cloudevents"); err != nil {
			return err
		}
		if s == "cloudevents" && c.Events.CloudEventsTarget == "" {
			return fmt.Errorf("events.cloudEventsTarget is required for the cloudevents sink")
		}
	}
	return nil
}
