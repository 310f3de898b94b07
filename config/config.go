// Package config loads the careflow configuration from a single YAML file
// with environment-variable overrides for secrets. Core packages never
// read the environment themselves; they receive the typed structs below.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"careflow/envelope"
)

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

type Config struct {
	Environment Environment   `yaml:"environment"`
	Database    Database      `yaml:"database"`
	Storage     StorageConfig `yaml:"storage"`
	Export      ExportConfig  `yaml:"export"`
	Keys        KeysConfig    `yaml:"keys"`
	Notify      NotifyConfig  `yaml:"notify"`
	Contact     ContactConfig `yaml:"contact"`
}

type Database struct {
	URL string `yaml:"url"`
}

type StorageConfig struct {
	// Backend selects the object store: s3, local, or memory.
	Backend         string `yaml:"backend"`
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PathStyle       bool   `yaml:"path_style"`

	LocalDir           string `yaml:"local_dir"`
	LocalSigningSecret string `yaml:"local_signing_secret"`
}

type ExportConfig struct {
	ExporterID    string   `yaml:"exporter_id"`
	ObjectPrefix  string   `yaml:"object_prefix"`
	SignedURLTTL  Duration `yaml:"signed_url_ttl"`
	RetentionDays int      `yaml:"retention_days"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("config: duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type KeysConfig struct {
	Current string               `yaml:"current"`
	Keys    []envelope.KeyConfig `yaml:"keys"`
}

type NotifyConfig struct {
	// Kind selects the dispatcher: sqs, log, or none.
	Kind     string `yaml:"kind"`
	QueueURL string `yaml:"queue_url"`
}

type ContactConfig struct {
	// Provider selects the funnel integration: webhook, kafka, or noop.
	Provider          string   `yaml:"provider"`
	WebhookURL        string   `yaml:"webhook_url"`
	WebhookSecret     string   `yaml:"webhook_secret"`
	Brokers           []string `yaml:"brokers"`
	SubmissionTopic   string   `yaml:"submission_topic"`
	SubscriptionTopic string   `yaml:"subscription_topic"`
}

// Load reads the config file, applies defaults and environment overrides,
// and validates the result. There is no config discovery: the path comes
// from the --config flag or CAREFLOW_CONFIG.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("CAREFLOW_CONFIG")
	}
	if path == "" {
		return Config{}, fmt.Errorf("config: no path given and CAREFLOW_CONFIG unset")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = Development
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Export.ObjectPrefix == "" {
		c.Export.ObjectPrefix = "intake"
	}
	if c.Export.SignedURLTTL <= 0 {
		c.Export.SignedURLTTL = Duration(24 * time.Hour)
	}
	if c.Export.RetentionDays <= 0 {
		c.Export.RetentionDays = 7
	}
	if c.Notify.Kind == "" {
		c.Notify.Kind = "log"
	}
	if c.Contact.Provider == "" {
		c.Contact.Provider = "noop"
	}
}

// applyEnv overlays secret material from the environment. CAREFLOW_MASTER_KEY
// has the form <id>:<hex>; it is appended to the ring and made current.
func (c *Config) applyEnv() {
	if v := os.Getenv("CAREFLOW_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("CAREFLOW_SQS_QUEUE_URL"); v != "" {
		c.Notify.QueueURL = v
	}
	if v := os.Getenv("CAREFLOW_MASTER_KEY"); v != "" {
		id, material, ok := strings.Cut(v, ":")
		if ok && id != "" {
			c.Keys.Keys = append(c.Keys.Keys, envelope.KeyConfig{ID: id, Material: material})
			c.Keys.Current = id
		}
	}
}

func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}

	switch c.Storage.Backend {
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config: storage.bucket required for s3 backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("config: storage.local_dir required for local backend")
		}
		if c.Storage.LocalSigningSecret == "" {
			return fmt.Errorf("config: storage.local_signing_secret required for local backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	if len(c.Keys.Keys) == 0 {
		return fmt.Errorf("config: at least one master key required")
	}
	if c.Keys.Current == "" {
		return fmt.Errorf("config: keys.current required")
	}
	// Construction validates id uniqueness, algorithms, and material.
	if _, err := envelope.NewKeyRing(c.Keys.Keys, c.Keys.Current); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch c.Notify.Kind {
	case "sqs":
		if c.Notify.QueueURL == "" {
			return fmt.Errorf("config: notify.queue_url required for sqs dispatcher")
		}
	case "log", "none":
	default:
		return fmt.Errorf("config: unknown notify kind %q", c.Notify.Kind)
	}

	switch c.Contact.Provider {
	case "webhook":
		if c.Contact.WebhookURL == "" {
			return fmt.Errorf("config: contact.webhook_url required for webhook provider")
		}
	case "kafka":
		if len(c.Contact.Brokers) == 0 {
			return fmt.Errorf("config: contact.brokers required for kafka provider")
		}
	case "noop":
	default:
		return fmt.Errorf("config: unknown contact provider %q", c.Contact.Provider)
	}

	return nil
}

// KeyRing builds the envelope key ring from the validated key config.
func (c *Config) KeyRing() (*envelope.KeyRing, error) {
	return envelope.NewKeyRing(c.Keys.Keys, c.Keys.Current)
}
