package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	// DSN is a pgx connection string for postgres or a file path
	// (":memory:" allowed) for sqlite.
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// QueueConfig governs the claim protocol. LeaseDurationSec must
// exceed the 99th-percentile processing+upload time: too short causes
// duplicate work, too long delays recovery from real crashes.
type QueueConfig struct {
	MaxAttempts      int `yaml:"maxAttempts"`
	LeaseDurationSec int `yaml:"leaseDurationSec"`
	RequeueDelaySec  int `yaml:"requeueDelaySec"`
}

type WorkerConfig struct {
	StoreRetryAttempts int `yaml:"storeRetryAttempts"`
	StoreRetryBaseMs   int `yaml:"storeRetryBaseMs"`
	ProcessTimeoutMs   int `yaml:"processTimeoutMs"`
}

// ProcessorConfig names the external command that transforms a
// document. The literal {payload} in args is replaced with the job's
// payload reference.
type ProcessorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"pathStyle"`
}

type FSConfig struct {
	Dir string `yaml:"dir"`
}

type ArtifactsConfig struct {
	// Backend selects where artifacts are persisted: "s3" or "fs".
	Backend string   `yaml:"backend"`
	S3      S3Config `yaml:"s3"`
	FS      FSConfig `yaml:"fs"`
}

// ScalerConfig drives the queue-depth control loop. Mode "local"
// launches worker processes on this host; "log" only emits scale
// intents for an external cluster collaborator to act on.
type ScalerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Mode           string   `yaml:"mode"`
	PollIntervalMs int      `yaml:"pollIntervalMs"`
	JobsPerWorker  int      `yaml:"jobsPerWorker"`
	MaxWorkers     int      `yaml:"maxWorkers"`
	WorkerCommand  string   `yaml:"workerCommand"`
	WorkerArgs     []string `yaml:"workerArgs"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Processor ProcessorConfig `yaml:"processor"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Scaler    ScalerConfig    `yaml:"scaler"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "data/vellum.db"
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.LeaseDurationSec <= 0 {
		c.Queue.LeaseDurationSec = 300
	}
	if c.Queue.RequeueDelaySec < 0 {
		c.Queue.RequeueDelaySec = 0
	} else if c.Queue.RequeueDelaySec == 0 {
		c.Queue.RequeueDelaySec = 30
	}
	if c.Worker.StoreRetryAttempts <= 0 {
		c.Worker.StoreRetryAttempts = 4
	}
	if c.Worker.StoreRetryBaseMs <= 0 {
		c.Worker.StoreRetryBaseMs = 250
	}
	if c.Worker.ProcessTimeoutMs <= 0 {
		c.Worker.ProcessTimeoutMs = 600000
	}
	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "fs"
	}
	if c.Artifacts.FS.Dir == "" {
		c.Artifacts.FS.Dir = "data/artifacts"
	}
	if c.Scaler.Mode == "" {
		c.Scaler.Mode = "log"
	}
	if c.Scaler.PollIntervalMs <= 0 {
		c.Scaler.PollIntervalMs = 2000
	}
	if c.Scaler.JobsPerWorker <= 0 {
		c.Scaler.JobsPerWorker = 1
	}
	if c.Scaler.MaxWorkers <= 0 {
		c.Scaler.MaxWorkers = 10
	}
}
