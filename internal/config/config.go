package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Server contains HTTP API configuration.
type Server struct {
	Bind                   string `toml:"bind"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

// Auth contains credential verification settings.
type Auth struct {
	JWTSecret       string `toml:"jwt_secret"`
	TokenTTLMinutes int    `toml:"token_ttl_minutes"`
}

// Queue contains task queue tuning.
type Queue struct {
	LeaseSeconds        int `toml:"lease_seconds"`
	MaxAttempts         int `toml:"max_attempts"`
	DequeuePollMillis   int `toml:"dequeue_poll_millis"`
	ReapIntervalSeconds int `toml:"reap_interval_seconds"`

	// Per stage-kind in-flight ceilings. Zero means one at a time.
	ExtractConcurrency    int `toml:"extract_concurrency"`
	ScriptConcurrency     int `toml:"script_concurrency"`
	SpeechConcurrency     int `toml:"speech_concurrency"`
	ComposeConcurrency    int `toml:"compose_concurrency"`
	DistributeConcurrency int `toml:"distribute_concurrency"`
}

// Workflow contains orchestration timing and retry policy.
type Workflow struct {
	Workers              int `toml:"workers"`
	HeartbeatSeconds     int `toml:"heartbeat_seconds"`
	ConflictRetries      int `toml:"conflict_retries"`
	ProgressPollSeconds  int `toml:"progress_poll_seconds"`
	StageTimeoutSeconds  int `toml:"stage_timeout_seconds"`
	SubmitRetryBaseMilli int `toml:"submit_retry_base_millis"`
}

// Redis contains the optional progress snapshot cache settings.
type Redis struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// Storage contains object storage settings for generated artifacts.
type Storage struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Service describes one external generation collaborator.
type Service struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Services groups the external collaborators invoked from stage executors.
type Services struct {
	Extractor   Service `toml:"extractor"`
	Script      Service `toml:"script"`
	Speech      Service `toml:"speech"`
	Composer    Service `toml:"composer"`
	Distributor Service `toml:"distributor"`
}

// Logging contains log output settings.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the explicit process-wide configuration. It is constructed once
// at startup and threaded into every component; there are no ambient
// singletons.
type Config struct {
	Paths    Paths    `toml:"paths"`
	Server   Server   `toml:"server"`
	Auth     Auth     `toml:"auth"`
	Queue    Queue    `toml:"queue"`
	Workflow Workflow `toml:"workflow"`
	Redis    Redis    `toml:"redis"`
	Storage  Storage  `toml:"storage"`
	Services Services `toml:"services"`
	Logging  Logging  `toml:"logging"`
}

// Default returns the baseline configuration before any file overlay.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".local", "share", "podforge")
	return Config{
		Paths: Paths{
			DataDir: base,
			LogDir:  filepath.Join(base, "logs"),
		},
		Server: Server{
			Bind:                   "127.0.0.1:8480",
			ShutdownTimeoutSeconds: 10,
		},
		Auth: Auth{
			TokenTTLMinutes: 60,
		},
		Queue: Queue{
			LeaseSeconds:          120,
			MaxAttempts:           3,
			DequeuePollMillis:     500,
			ReapIntervalSeconds:   15,
			ExtractConcurrency:    2,
			ScriptConcurrency:     2,
			SpeechConcurrency:     1,
			ComposeConcurrency:    1,
			DistributeConcurrency: 2,
		},
		Workflow: Workflow{
			Workers:              2,
			HeartbeatSeconds:     10,
			ConflictRetries:      3,
			ProgressPollSeconds:  2,
			StageTimeoutSeconds:  600,
			SubmitRetryBaseMilli: 250,
		},
		Redis: Redis{
			TTLSeconds: 30,
		},
		Services: Services{
			Extractor:   Service{TimeoutSeconds: 60},
			Script:      Service{TimeoutSeconds: 120},
			Speech:      Service{TimeoutSeconds: 300},
			Composer:    Service{TimeoutSeconds: 300},
			Distributor: Service{TimeoutSeconds: 60},
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the config file at path (if present) over the defaults.
// A missing file is not an error; callers get the defaults back.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "podforge.toml"
	}
	return filepath.Join(home, ".config", "podforge", "config.toml")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		problems = append(problems, "auth.jwt_secret must be set")
	}
	if c.Queue.LeaseSeconds <= 0 {
		problems = append(problems, "queue.lease_seconds must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		problems = append(problems, "queue.max_attempts must be positive")
	}
	if c.Workflow.Workers <= 0 {
		problems = append(problems, "workflow.workers must be positive")
	}
	if c.Workflow.ProgressPollSeconds <= 0 {
		problems = append(problems, "workflow.progress_poll_seconds must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EnsureDirectories creates the data and log directories when missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteSample writes the annotated sample config to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o600)
}
