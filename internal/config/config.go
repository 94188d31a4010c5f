package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Recovery   Settings         `yaml:"recovery"`
	Sequence   SequenceConfig   `yaml:"sequence"`
	Firmware   FirmwareConfig   `yaml:"firmware"`
	Host       HostConfig       `yaml:"host"`
	Files      FilesConfig      `yaml:"files"`
	HTTP       HTTPConfig       `yaml:"http"`
	LogLevel   string           `yaml:"log_level"`
}

// CheckpointConfig locates the durable artifacts
type CheckpointConfig struct {
	BaseDir      string `yaml:"base_dir"`
	FileName     string `yaml:"file_name"`
	Journal      string `yaml:"journal"`
	SettingsFile string `yaml:"settings_file"`
}

// SequenceConfig holds the fixed values used by the recovery replay
type SequenceConfig struct {
	SafeToolTemperature   float64 `yaml:"safe_tool_temperature"`
	SafeBedTemperature    float64 `yaml:"safe_bed_temperature"`
	WaypointX             float64 `yaml:"waypoint_x"`
	WaypointY             float64 `yaml:"waypoint_y"`
	WaypointZ             float64 `yaml:"waypoint_z"`
	TravelFeedRate        float64 `yaml:"travel_feed_rate"`
	PrimeLength           float64 `yaml:"prime_length"`
	PrimeFeedRate         float64 `yaml:"prime_feed_rate"`
	FileNamespace         string  `yaml:"file_namespace"`
	SettleTimeoutSeconds  int     `yaml:"settle_timeout_seconds"`
	CommandTimeoutSeconds int     `yaml:"command_timeout_seconds"`
}

// FirmwareConfig lists the firmware variants that support babystepping
type FirmwareConfig struct {
	BabystepVariants []string `yaml:"babystep_variants"`
}

// HostConfig describes the NATS bus shared with the printer host
type HostConfig struct {
	NatsURL        string `yaml:"nats_url"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	RequestTimeout int    `yaml:"request_timeout_seconds"`
}

// FilesConfig selects how job files are resolved on resume
type FilesConfig struct {
	Source   string   `yaml:"source"`
	LocalDir string   `yaml:"local_dir"`
	S3       S3Config `yaml:"s3"`
}

// S3Config represents S3-compatible storage configuration
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	SpoolDir  string `yaml:"spool_dir"`
}

// HTTPConfig configures the control surface
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// File sources
const (
	FilesFromHost  = "host"
	FilesFromLocal = "local"
	FilesFromS3    = "s3"
)

// Default returns the configuration used when nothing else is provided
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Checkpoint: CheckpointConfig{
			BaseDir:      ".",
			FileName:     "print_restore.json",
			Journal:      "./print_restore.db",
			SettingsFile: "./print_restore_settings.yaml",
		},
		Recovery: DefaultSettings(),
		Sequence: SequenceConfig{
			SafeToolTemperature:   150,
			SafeBedTemperature:    50,
			WaypointX:             0,
			WaypointY:             0,
			WaypointZ:             10,
			TravelFeedRate:        9000,
			PrimeLength:           5,
			PrimeFeedRate:         200,
			FileNamespace:         "local",
			SettleTimeoutSeconds:  900, // the done marker queues behind the heat-up waits
			CommandTimeoutSeconds: 600, // heat-up waits are slow
		},
		Firmware: FirmwareConfig{
			BabystepVariants: []string{
				"JULIA_2018_PRO_SINGLE",
				"JULIA_2018_PRO_DUAL",
				"JULIA_2018_ADVANCED",
			},
		},
		Host: HostConfig{
			NatsURL:        "nats://localhost:4222",
			SubjectPrefix:  "printrestore.printer0",
			RequestTimeout: 5,
		},
		Files: FilesConfig{
			Source:   FilesFromHost,
			LocalDir: "./uploads",
			S3: S3Config{
				SpoolDir: "./spool",
			},
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("checkpoint-dir") {
		cfg.Checkpoint.BaseDir, _ = flags.GetString("checkpoint-dir")
	}
	if flags.Changed("checkpoint-file") {
		cfg.Checkpoint.FileName, _ = flags.GetString("checkpoint-file")
	}
	if flags.Changed("journal") {
		cfg.Checkpoint.Journal, _ = flags.GetString("journal")
	}
	if flags.Changed("settings-file") {
		cfg.Checkpoint.SettingsFile, _ = flags.GetString("settings-file")
	}

	if flags.Changed("nats-url") {
		cfg.Host.NatsURL, _ = flags.GetString("nats-url")
	}
	if flags.Changed("subject-prefix") {
		cfg.Host.SubjectPrefix, _ = flags.GetString("subject-prefix")
	}

	if flags.Changed("files-source") {
		cfg.Files.Source, _ = flags.GetString("files-source")
	}
	if flags.Changed("files-dir") {
		cfg.Files.LocalDir, _ = flags.GetString("files-dir")
	}

	if flags.Changed("listen") {
		cfg.HTTP.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Checkpoint.FileName == "" {
		return fmt.Errorf("checkpoint file name is required")
	}
	if c.Checkpoint.SettingsFile == "" {
		return fmt.Errorf("settings file is required")
	}

	if err := c.Recovery.Validate(); err != nil {
		return err
	}

	if c.Sequence.SafeToolTemperature <= 0 || c.Sequence.SafeBedTemperature < 0 {
		return fmt.Errorf("safe temperatures must be positive")
	}
	if c.Sequence.TravelFeedRate <= 0 || c.Sequence.PrimeFeedRate <= 0 {
		return fmt.Errorf("feed rates must be positive")
	}
	if c.Sequence.PrimeLength < 0 {
		return fmt.Errorf("prime length cannot be negative")
	}
	if c.Sequence.SettleTimeoutSeconds <= 0 {
		return fmt.Errorf("settle timeout must be positive")
	}
	if c.Sequence.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.Host.SubjectPrefix == "" {
		return fmt.Errorf("host subject prefix is required")
	}
	if c.Host.RequestTimeout <= 0 {
		return fmt.Errorf("host request timeout must be positive")
	}

	switch c.Files.Source {
	case FilesFromHost:
	case FilesFromLocal:
		if c.Files.LocalDir == "" {
			return fmt.Errorf("files local_dir is required for source %q", FilesFromLocal)
		}
	case FilesFromS3:
		if c.Files.S3.Endpoint == "" {
			return fmt.Errorf("s3 endpoint is required")
		}
		if c.Files.S3.Bucket == "" {
			return fmt.Errorf("s3 bucket is required")
		}
		if c.Files.S3.SpoolDir == "" {
			return fmt.Errorf("s3 spool_dir is required")
		}
	default:
		return fmt.Errorf("unknown files source %q", c.Files.Source)
	}

	return nil
}

// CheckpointPath returns the final checkpoint path
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.Checkpoint.BaseDir, c.Checkpoint.FileName)
}

// SettleTimeout is how long a replay waits for its completion marker echo
func (s SequenceConfig) SettleTimeout() time.Duration {
	return time.Duration(s.SettleTimeoutSeconds) * time.Second
}

// CommandTimeout bounds sending a whole replay to the host
func (s SequenceConfig) CommandTimeout() time.Duration {
	return time.Duration(s.CommandTimeoutSeconds) * time.Second
}

// Timeout bounds a single request to the host
func (h HostConfig) Timeout() time.Duration {
	return time.Duration(h.RequestTimeout) * time.Second
}
