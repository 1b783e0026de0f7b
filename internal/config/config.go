package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	VideoStore VideoStoreConfig `yaml:"videostore"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	RetryBackoffBase  time.Duration `yaml:"retry_backoff_base"`
	RetryBackoffCap   time.Duration `yaml:"retry_backoff_cap"`
}

// PipelineConfig holds the scoring pipeline settings shared by both services.
// ItemCount and MaxAttempts are the defaults stamped onto newly submitted
// jobs; the per-job values on the row win at processing time.
type PipelineConfig struct {
	SampleInterval      time.Duration `yaml:"sample_interval"`
	FrameCount          int           `yaml:"frame_count"`
	ItemCount           int           `yaml:"item_count"`
	MaxAttempts         int           `yaml:"max_attempts"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	IoUThreshold        float64       `yaml:"iou_threshold"`
	ColumnRatio         float64       `yaml:"column_ratio"`
}

// RuntimeConfig holds the model runtime pool settings
type RuntimeConfig struct {
	RelevanceInstances  int           `yaml:"relevance_instances"`
	DetectorInstances   int           `yaml:"detector_instances"`
	ClassifierInstances int           `yaml:"classifier_instances"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	SidecarCommand      string        `yaml:"sidecar_command"`
	RelevanceModelPath  string        `yaml:"relevance_model_path"`
	DetectorModelPath   string        `yaml:"detector_model_path"`
	ClassifierModelPath string        `yaml:"classifier_model_path"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`
	FFmpegPath          string        `yaml:"ffmpeg_path"`
	FFprobePath         string        `yaml:"ffprobe_path"`
}

// VideoStoreConfig holds the video source settings
type VideoStoreConfig struct {
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// UploadBaseURL is the storage endpoint upload references are minted
	// under. The API hands clients a PUT target there.
	UploadBaseURL string `yaml:"upload_base_url"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateAPIConfig checks the configuration the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Pipeline.ItemCount <= 0 {
		return fmt.Errorf("pipeline item_count must be greater than 0")
	}

	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline max_attempts must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the configuration the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.RetryBackoffBase <= 0 {
		return fmt.Errorf("worker retry_backoff_base must be greater than 0")
	}

	if c.Worker.RetryBackoffCap < c.Worker.RetryBackoffBase {
		return fmt.Errorf("worker retry_backoff_cap must not be below retry_backoff_base")
	}

	// Exactly one sampling policy must be configured.
	if (c.Pipeline.SampleInterval <= 0) == (c.Pipeline.FrameCount <= 0) {
		return fmt.Errorf("pipeline requires exactly one of sample_interval or frame_count")
	}

	if c.Pipeline.ConfidenceThreshold <= 0 || c.Pipeline.ConfidenceThreshold >= 1 {
		return fmt.Errorf("pipeline confidence_threshold must be in (0, 1)")
	}

	if c.Pipeline.IoUThreshold <= 0 || c.Pipeline.IoUThreshold >= 1 {
		return fmt.Errorf("pipeline iou_threshold must be in (0, 1)")
	}

	if c.Pipeline.ColumnRatio <= 0 || c.Pipeline.ColumnRatio > 1 {
		return fmt.Errorf("pipeline column_ratio must be in (0, 1]")
	}

	if c.Runtime.RelevanceInstances <= 0 || c.Runtime.DetectorInstances <= 0 || c.Runtime.ClassifierInstances <= 0 {
		return fmt.Errorf("runtime instance counts must be greater than 0")
	}

	if c.Runtime.AcquireTimeout <= 0 {
		return fmt.Errorf("runtime acquire_timeout must be greater than 0")
	}

	if c.Runtime.SidecarCommand == "" {
		return fmt.Errorf("runtime sidecar_command is required")
	}

	if c.Runtime.RelevanceModelPath == "" || c.Runtime.DetectorModelPath == "" || c.Runtime.ClassifierModelPath == "" {
		return fmt.Errorf("runtime model paths are required")
	}

	if c.VideoStore.FetchTimeout <= 0 {
		return fmt.Errorf("videostore fetch_timeout must be greater than 0")
	}

	return nil
}
