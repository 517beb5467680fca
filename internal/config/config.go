// Package config provides YAML-based configuration loading for linewatch.
package config

import (
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Environment variables holding secrets. They override the YAML values.
const (
	EnvDBPassword   = "LINEWATCH_DB_PASSWORD"
	EnvSMTPPassword = "LINEWATCH_SMTP_PASSWORD"
	EnvSlackToken   = "LINEWATCH_SLACK_TOKEN"
	EnvDiscordToken = "LINEWATCH_DISCORD_TOKEN"
	EnvMQTTPassword = "LINEWATCH_MQTT_PASSWORD"
)

// Config is the top-level linewatch configuration, loaded from linewatch.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Workers   WorkersConfig   `yaml:"workers"`
	Scorer    ScorerConfig    `yaml:"scorer"`
	Sweep     SweepConfig     `yaml:"sweep"`
	API       APIConfig       `yaml:"api"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// DatabaseConfig selects and addresses the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// StorageConfig holds the on-disk roots for line data, models and defect overlays.
type StorageConfig struct {
	DataRoot    string `yaml:"data_root"`
	ModelsRoot  string `yaml:"models_root"`
	DefectsRoot string `yaml:"defects_root"`
}

// WorkersConfig tunes the job worker pool.
type WorkersConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleThreshold    time.Duration `yaml:"stale_threshold"`
}

// ScorerConfig describes the external vision scorer command and the
// outlier classification parameters.
type ScorerConfig struct {
	Command          string        `yaml:"command"`
	Args             []string      `yaml:"args"`
	Timeout          time.Duration `yaml:"timeout"`
	ReferenceSamples int           `yaml:"reference_samples"`
	Neighbors        int           `yaml:"neighbors"`
	Extent           float64       `yaml:"extent"`
}

// SweepConfig controls the periodic quality sweep.
type SweepConfig struct {
	Schedule string        `yaml:"schedule"`
	Window   time.Duration `yaml:"window"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Port int `yaml:"port"`
}

// ArtifactsConfig selects where trained model artifacts are published.
// With no S3 bucket, artifacts stay on local disk under storage.models_root.
type ArtifactsConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config addresses the artifact bucket.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// NotifyConfig lists the alert channels. Every configured channel receives
// every alert.
type NotifyConfig struct {
	Email   EmailConfig   `yaml:"email"`
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Command string        `yaml:"command"` // shell template, e.g. "notify-send '{{.Subject}}' '{{.Body}}'"
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// SlackConfig holds the Slack alert channel.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// DiscordConfig holds the Discord alert channel.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// MQTTConfig holds the broker used to push alerts to line devices.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // "{device_token}" is replaced per line
}

// CronParser accepts 5-field expressions and descriptors such as "@every 1m".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// LoadEnvFile loads KEY=value pairs from the given .env files into the
// process environment. Missing files are ignored.
func LoadEnvFile(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load env %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDBPassword); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv(EnvSMTPPassword); v != "" {
		c.Notify.Email.Password = v
	}
	if v := os.Getenv(EnvSlackToken); v != "" {
		c.Notify.Slack.Token = v
	}
	if v := os.Getenv(EnvDiscordToken); v != "" {
		c.Notify.Discord.Token = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.Notify.MQTT.Password = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "linewatch"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "linewatch.db"
	}

	if c.Storage.DataRoot == "" {
		c.Storage.DataRoot = "data"
	}
	if c.Storage.ModelsRoot == "" {
		c.Storage.ModelsRoot = "models"
	}
	if c.Storage.DefectsRoot == "" {
		c.Storage.DefectsRoot = "defects"
	}

	if c.Workers.Concurrency == 0 {
		c.Workers.Concurrency = 4
	}
	if c.Workers.PollInterval == 0 {
		c.Workers.PollInterval = 2 * time.Second
	}
	if c.Workers.HeartbeatInterval == 0 {
		c.Workers.HeartbeatInterval = 10 * time.Second
	}
	if c.Workers.StaleThreshold == 0 {
		c.Workers.StaleThreshold = 60 * time.Second
	}

	if c.Scorer.Timeout == 0 {
		c.Scorer.Timeout = 30 * time.Minute
	}
	if c.Scorer.ReferenceSamples == 0 {
		c.Scorer.ReferenceSamples = 10
	}
	if c.Scorer.Neighbors == 0 {
		c.Scorer.Neighbors = 10
	}
	if c.Scorer.Extent == 0 {
		c.Scorer.Extent = 3
	}

	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "@every 1m"
	}
	if c.Sweep.Window == 0 {
		c.Sweep.Window = 3 * time.Minute
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}

	if c.Artifacts.S3.Bucket != "" {
		if c.Artifacts.S3.Region == "" {
			c.Artifacts.S3.Region = "us-east-1"
		}
		if c.Artifacts.S3.Prefix == "" {
			c.Artifacts.S3.Prefix = "models/"
		}
	}

	if c.Notify.Email.Host != "" && c.Notify.Email.Port == 0 {
		c.Notify.Email.Port = 587
	}
	if c.Notify.MQTT.Broker != "" {
		if c.Notify.MQTT.ClientID == "" {
			c.Notify.MQTT.ClientID = "linewatch"
		}
		if c.Notify.MQTT.Topic == "" {
			c.Notify.MQTT.Topic = "lines/{device_token}/alerts"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	if c.Workers.Concurrency < 0 {
		errs = append(errs, "workers.concurrency must not be negative")
	}
	if c.Workers.StaleThreshold <= c.Workers.HeartbeatInterval {
		errs = append(errs, "workers.stale_threshold must exceed workers.heartbeat_interval")
	}
	if c.Scorer.Command == "" {
		errs = append(errs, "scorer.command is required")
	}
	if c.Scorer.Timeout < 0 {
		errs = append(errs, "scorer.timeout must not be negative")
	}
	if c.Scorer.ReferenceSamples < 2 {
		errs = append(errs, "scorer.reference_samples must be at least 2")
	}
	if c.Scorer.Neighbors < 1 {
		errs = append(errs, "scorer.neighbors must be positive")
	}
	if c.Scorer.Extent <= 0 {
		errs = append(errs, "scorer.extent must be positive")
	}
	if _, err := CronParser.Parse(c.Sweep.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("sweep.schedule %q: %v", c.Sweep.Schedule, err))
	}
	if c.Sweep.Window <= 0 {
		errs = append(errs, "sweep.window must be positive")
	}
	if c.Notify.Email.Host != "" {
		if _, err := mail.ParseAddress(c.Notify.Email.From); err != nil {
			errs = append(errs, fmt.Sprintf("notify.email.from %q is not a valid address", c.Notify.Email.From))
		}
	}
	if c.Notify.Slack.Channel != "" && c.Notify.Slack.Token == "" {
		errs = append(errs, "notify.slack.token is required when a channel is set (or "+EnvSlackToken+")")
	}
	if c.Notify.Discord.Channel != "" && c.Notify.Discord.Token == "" {
		errs = append(errs, "notify.discord.token is required when a channel is set (or "+EnvDiscordToken+")")
	}
	if c.Notify.MQTT.Broker != "" && !strings.Contains(c.Notify.MQTT.Topic, "{device_token}") {
		errs = append(errs, "notify.mqtt.topic must contain {device_token}")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
