package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"careflow/envelope"
)

const testKeyHex = "0001020304050607080910111213141516171819202122232425262728293031"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "careflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func minimalYAML() string {
	return `
environment: development
keys:
  current: k-2025-a
  keys:
    - id: k-2025-a
      material: ` + testKeyHex + `
`
}

func TestLoad_MinimalConfigGetsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Storage.Backend != "memory" {
		t.Fatalf("default backend %q", cfg.Storage.Backend)
	}
	if cfg.Export.ObjectPrefix != "intake" {
		t.Fatalf("default prefix %q", cfg.Export.ObjectPrefix)
	}
	if cfg.Export.SignedURLTTL.Std() != 24*time.Hour {
		t.Fatalf("default ttl %v", cfg.Export.SignedURLTTL.Std())
	}
	if cfg.Export.RetentionDays != 7 {
		t.Fatalf("default retention %d", cfg.Export.RetentionDays)
	}
	if cfg.Notify.Kind != "log" {
		t.Fatalf("default notify kind %q", cfg.Notify.Kind)
	}
	if cfg.Contact.Provider != "noop" {
		t.Fatalf("default contact provider %q", cfg.Contact.Provider)
	}

	ring, err := cfg.KeyRing()
	if err != nil {
		t.Fatalf("key ring: %v", err)
	}
	key, err := ring.Current()
	if err != nil {
		t.Fatalf("current key: %v", err)
	}
	if key.ID != "k-2025-a" {
		t.Fatalf("current key id %q", key.ID)
	}
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
environment: production
database:
  url: postgres://app@db:5432/careflow
storage:
  backend: s3
  bucket: careflow-intake
  endpoint: https://minio.internal:9000
  region: eu-west-2
  path_style: true
export:
  exporter_id: careflow-prod
  object_prefix: handoff
  signed_url_ttl: 2h30m
  retention_days: 14
keys:
  current: k-2025-a
  keys:
    - id: k-2025-a
      algorithm: xchacha20-poly1305
      material: `+testKeyHex+`
notify:
  kind: sqs
  queue_url: https://sqs.eu-west-2.amazonaws.com/1234/careflow-events
contact:
  provider: kafka
  brokers: [broker-1:9092, broker-2:9092]
  submission_topic: contact-submissions
  subscription_topic: newsletter-subscriptions
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != Production {
		t.Fatalf("environment %q", cfg.Environment)
	}
	if cfg.Export.SignedURLTTL.Std() != 2*time.Hour+30*time.Minute {
		t.Fatalf("ttl %v", cfg.Export.SignedURLTTL.Std())
	}
	if !cfg.Storage.PathStyle || cfg.Storage.Endpoint == "" {
		t.Fatalf("storage %+v", cfg.Storage)
	}
	if len(cfg.Contact.Brokers) != 2 {
		t.Fatalf("brokers %v", cfg.Contact.Brokers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CAREFLOW_DATABASE_URL", "postgres://override@db/careflow")
	t.Setenv("CAREFLOW_SQS_QUEUE_URL", "https://sqs.test/q")
	t.Setenv("CAREFLOW_MASTER_KEY", "k-env:"+testKeyHex)

	cfg, err := Load(writeConfig(t, minimalYAML()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://override@db/careflow" {
		t.Fatalf("database url %q", cfg.Database.URL)
	}
	if cfg.Notify.QueueURL != "https://sqs.test/q" {
		t.Fatalf("queue url %q", cfg.Notify.QueueURL)
	}
	// The env key joins the ring and becomes current.
	if cfg.Keys.Current != "k-env" {
		t.Fatalf("current key %q", cfg.Keys.Current)
	}
	if len(cfg.Keys.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(cfg.Keys.Keys))
	}
}

func TestLoad_NoPathAndNoEnvFails(t *testing.T) {
	t.Setenv("CAREFLOW_CONFIG", "")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error with no config path")
	}
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := writeConfig(t, minimalYAML())
	t.Setenv("CAREFLOW_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Keys.Current != "k-2025-a" {
		t.Fatalf("unexpected config %+v", cfg.Keys)
	}
}

func TestLoad_BadDurationRejected(t *testing.T) {
	path := writeConfig(t, `
export:
  signed_url_ttl: soon
keys:
  current: k
  keys:
    - id: k
      material: `+testKeyHex+`
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse duration") {
		t.Fatalf("expected duration parse error, got %v", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown environment", func(c *Config) { c.Environment = "qa" }, "unknown environment"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }, "storage.bucket"},
		{"local without dir", func(c *Config) { c.Storage.Backend = "local" }, "storage.local_dir"},
		{"local without secret", func(c *Config) {
			c.Storage.Backend = "local"
			c.Storage.LocalDir = "/var/lib/careflow"
		}, "local_signing_secret"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }, "unknown storage backend"},
		{"no keys", func(c *Config) { c.Keys.Keys = nil }, "master key"},
		{"no current key", func(c *Config) { c.Keys.Current = "" }, "keys.current"},
		{"bad key material", func(c *Config) { c.Keys.Keys[0].Material = "abc" }, "material"},
		{"sqs without queue", func(c *Config) { c.Notify.Kind = "sqs" }, "queue_url"},
		{"unknown notify kind", func(c *Config) { c.Notify.Kind = "smtp" }, "unknown notify kind"},
		{"webhook without url", func(c *Config) { c.Contact.Provider = "webhook" }, "webhook_url"},
		{"kafka without brokers", func(c *Config) { c.Contact.Provider = "kafka" }, "brokers"},
		{"unknown contact provider", func(c *Config) { c.Contact.Provider = "pigeon" }, "unknown contact provider"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func validConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	cfg.Keys = KeysConfig{
		Current: "k-2025-a",
		Keys:    []envelope.KeyConfig{{ID: "k-2025-a", Material: testKeyHex}},
	}
	return cfg
}
