package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: lw
  name: linewatch_prod

storage:
  data_root: /srv/lw/data
  models_root: /srv/lw/models
  defects_root: /srv/lw/defects

workers:
  concurrency: 8
  poll_interval: 500ms
  heartbeat_interval: 5s
  stale_threshold: 45s

scorer:
  command: python3
  args: ["-m", "patchcore_cli"]
  timeout: 10m
  reference_samples: 12
  neighbors: 8
  extent: 2

sweep:
  schedule: "*/2 * * * *"
  window: 5m

api:
  port: 9090

artifacts:
  s3:
    bucket: lw-artifacts

notify:
  email:
    host: smtp.example.com
    username: alerts
    from: alerts@example.com
  slack:
    token: xoxb-test
    channel: C0123
  mqtt:
    broker: tcp://broker:1883
`

const minimalYAML = `
scorer:
  command: ./score.sh
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database addr = %s:%d, want 10.0.0.5:3307", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.Name != "linewatch_prod" {
		t.Errorf("Database.Name = %q", cfg.Database.Name)
	}
	if cfg.Storage.DefectsRoot != "/srv/lw/defects" {
		t.Errorf("Storage.DefectsRoot = %q", cfg.Storage.DefectsRoot)
	}
	if cfg.Workers.Concurrency != 8 {
		t.Errorf("Workers.Concurrency = %d, want 8", cfg.Workers.Concurrency)
	}
	if cfg.Workers.PollInterval != 500*time.Millisecond {
		t.Errorf("Workers.PollInterval = %v, want 500ms", cfg.Workers.PollInterval)
	}
	if cfg.Scorer.Timeout != 10*time.Minute {
		t.Errorf("Scorer.Timeout = %v, want 10m", cfg.Scorer.Timeout)
	}
	if len(cfg.Scorer.Args) != 2 || cfg.Scorer.Args[1] != "patchcore_cli" {
		t.Errorf("Scorer.Args = %v", cfg.Scorer.Args)
	}
	if cfg.Scorer.Extent != 2 {
		t.Errorf("Scorer.Extent = %v, want 2", cfg.Scorer.Extent)
	}
	if cfg.Sweep.Window != 5*time.Minute {
		t.Errorf("Sweep.Window = %v, want 5m", cfg.Sweep.Window)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.Artifacts.S3.Region != "us-east-1" {
		t.Errorf("Artifacts.S3.Region = %q, want us-east-1 (default)", cfg.Artifacts.S3.Region)
	}
	if cfg.Artifacts.S3.Prefix != "models/" {
		t.Errorf("Artifacts.S3.Prefix = %q, want models/ (default)", cfg.Artifacts.S3.Prefix)
	}
	if cfg.Notify.Email.Port != 587 {
		t.Errorf("Notify.Email.Port = %d, want 587 (default)", cfg.Notify.Email.Port)
	}
	if cfg.Notify.MQTT.Topic != "lines/{device_token}/alerts" {
		t.Errorf("Notify.MQTT.Topic = %q", cfg.Notify.MQTT.Topic)
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite (default)", cfg.Database.Driver)
	}
	if cfg.Database.Path != "linewatch.db" {
		t.Errorf("Database.Path = %q, want linewatch.db (default)", cfg.Database.Path)
	}
	if cfg.Workers.Concurrency != 4 {
		t.Errorf("Workers.Concurrency = %d, want 4 (default)", cfg.Workers.Concurrency)
	}
	if cfg.Workers.StaleThreshold != time.Minute {
		t.Errorf("Workers.StaleThreshold = %v, want 1m (default)", cfg.Workers.StaleThreshold)
	}
	if cfg.Scorer.ReferenceSamples != 10 || cfg.Scorer.Neighbors != 10 || cfg.Scorer.Extent != 3 {
		t.Errorf("Scorer defaults = %+v", cfg.Scorer)
	}
	if cfg.Sweep.Schedule != "@every 1m" {
		t.Errorf("Sweep.Schedule = %q, want @every 1m (default)", cfg.Sweep.Schedule)
	}
	if cfg.Sweep.Window != 3*time.Minute {
		t.Errorf("Sweep.Window = %v, want 3m (default)", cfg.Sweep.Window)
	}
	if cfg.Artifacts.S3.Bucket != "" || cfg.Artifacts.S3.Region != "" {
		t.Errorf("S3 defaults should stay empty without a bucket: %+v", cfg.Artifacts.S3)
	}
}

func TestParse_MySQLDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "database:\n  driver: mysql\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Host != "127.0.0.1" || cfg.Database.Port != 3306 {
		t.Errorf("Database addr = %s:%d, want 127.0.0.1:3306", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.User != "root" || cfg.Database.Name != "linewatch" {
		t.Errorf("Database user/name = %s/%s", cfg.Database.User, cfg.Database.Name)
	}
}

func TestParse_EnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvSlackToken, "xoxb-from-env")
	t.Setenv(EnvSMTPPassword, "hunter2")

	cfg, err := Parse([]byte(minimalYAML + "notify:\n  slack:\n    channel: C1\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Notify.Slack.Token != "xoxb-from-env" {
		t.Errorf("Slack.Token = %q, want value from env", cfg.Notify.Slack.Token)
	}
	if cfg.Notify.Email.Password != "hunter2" {
		t.Errorf("Email.Password = %q, want value from env", cfg.Notify.Email.Password)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing scorer command",
			yaml: "api:\n  port: 1\n",
			want: "scorer.command is required",
		},
		{
			name: "bad driver",
			yaml: minimalYAML + "database:\n  driver: oracle\n",
			want: "must be mysql or sqlite",
		},
		{
			name: "bad schedule",
			yaml: minimalYAML + "sweep:\n  schedule: \"every minute\"\n",
			want: "sweep.schedule",
		},
		{
			name: "negative window",
			yaml: minimalYAML + "sweep:\n  window: -1m\n",
			want: "sweep.window must be positive",
		},
		{
			name: "stale threshold below heartbeat",
			yaml: minimalYAML + "workers:\n  heartbeat_interval: 30s\n  stale_threshold: 10s\n",
			want: "stale_threshold must exceed",
		},
		{
			name: "slack channel without token",
			yaml: minimalYAML + "notify:\n  slack:\n    channel: C1\n",
			want: "notify.slack.token is required",
		},
		{
			name: "bad email sender",
			yaml: minimalYAML + "notify:\n  email:\n    host: smtp.example.com\n    from: not-an-address\n",
			want: "notify.email.from",
		},
		{
			name: "mqtt topic without placeholder",
			yaml: minimalYAML + "notify:\n  mqtt:\n    broker: tcp://b:1883\n    topic: alerts\n",
			want: "{device_token}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: oracle\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "; ") {
		t.Errorf("expected joined errors, got %q", err.Error())
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("scorer: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "linewatch.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scorer.Command != "./score.sh" {
		t.Errorf("Scorer.Command = %q", cfg.Scorer.Command)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("LINEWATCH_TEST_ENVFILE=loaded\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("LINEWATCH_TEST_ENVFILE") })

	if err := LoadEnvFile(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("LINEWATCH_TEST_ENVFILE"); got != "loaded" {
		t.Errorf("LINEWATCH_TEST_ENVFILE = %q, want loaded", got)
	}
}
