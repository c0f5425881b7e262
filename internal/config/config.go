// Package config loads the relay configuration from a YAML file with
// RELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	KindMemory   = "memory"
	KindRabbitMQ = "rabbitmq"
	KindPostgres = "postgres"
)

// Config is the relay configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	PublicURL string `yaml:"public_url"`

	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`
	SAS     SASConfig     `yaml:"sas"`
	Broker  BrokerConfig  `yaml:"broker"`
	Storage StorageConfig `yaml:"storage"`
	NATS    NATSConfig    `yaml:"nats"`
	DataBus DataBusConfig `yaml:"databus"`
	Push    PushConfig    `yaml:"push"`
	Cloud   CloudConfig   `yaml:"cloud"`

	Shutdown time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	// JWKSURL may list several URLs separated by commas.
	JWKSURL  string `yaml:"jwks_url"`
	Audience string `yaml:"audience"`
	Issuer   string `yaml:"issuer"`

	// Scope is required at negotiate for a role whose own scope is empty.
	// The role scopes must differ so a client token cannot negotiate as a
	// connector.
	Scope          string `yaml:"scope"`
	ClientScope    string `yaml:"client_scope"`
	ConnectorScope string `yaml:"connector_scope"`

	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
}

type SASConfig struct {
	Secret      string        `yaml:"secret"`
	QueueTTL    time.Duration `yaml:"queue_ttl"`
	UploadTTL   time.Duration `yaml:"upload_ttl"`
	DownloadTTL time.Duration `yaml:"download_ttl"`
}

type BrokerConfig struct {
	Kind            string        `yaml:"kind"`
	URL             string        `yaml:"url"`
	Prefetch        int           `yaml:"prefetch"`
	MaxChannels     int           `yaml:"max_channels"`
	MaxDeliveries   int           `yaml:"max_deliveries"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay"`
}

type StorageConfig struct {
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
}

type NATSConfig struct {
	// URL empty keeps notifications local to this instance.
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type DataBusConfig struct {
	MessageCeiling   int           `yaml:"message_ceiling"`
	ImmediateRetries int           `yaml:"immediate_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
}

// CloudConfig tunes the diagnostic cloud endpoint started by serve --echo.
type CloudConfig struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	HandlerRetries int           `yaml:"handler_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

type PushConfig struct {
	OriginPatterns []string `yaml:"origin_patterns"`
	MaxBlobSize    int64    `yaml:"max_blob_size"`
}

// Default returns a configuration runnable on one machine with in-memory
// backends. Secrets have no default.
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		PublicURL: "http://localhost:8080",
		Log:       LogConfig{Level: "info", Format: "json"},
		Auth: AuthConfig{
			Scope:          "relay.access",
			ClientScope:    "relay.clients",
			ConnectorScope: "relay.connectors",
			SessionTTL:     time.Hour,
		},
		SAS: SASConfig{
			QueueTTL:    24 * time.Hour,
			UploadTTL:   time.Hour,
			DownloadTTL: 4 * time.Hour,
		},
		Broker: BrokerConfig{
			Kind:            KindMemory,
			Prefetch:        10,
			MaxChannels:     10,
			MaxDeliveries:   5,
			RedeliveryDelay: time.Second,
		},
		Storage: StorageConfig{Kind: KindMemory},
		NATS:    NATSConfig{Name: "mmate-relay", SubjectPrefix: "relay.notify"},
		DataBus: DataBusConfig{
			MessageCeiling:   130,
			ImmediateRetries: 3,
			RetryDelay:       200 * time.Millisecond,
		},
		Push:     PushConfig{MaxBlobSize: 256 << 20},
		Cloud: CloudConfig{
			HandlerTimeout: 30 * time.Second,
			HandlerRetries: 2,
			RetryDelay:     100 * time.Millisecond,
		},
		Shutdown: 30 * time.Second,
	}
}

// Load reads path, when non-empty, over the defaults and then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = []byte(expandVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"RELAY_LISTEN":               &c.Listen,
		"RELAY_PUBLIC_URL":           &c.PublicURL,
		"RELAY_LOG_LEVEL":            &c.Log.Level,
		"RELAY_LOG_FORMAT":           &c.Log.Format,
		"RELAY_JWKS_URL":             &c.Auth.JWKSURL,
		"RELAY_AUTH_AUDIENCE":        &c.Auth.Audience,
		"RELAY_AUTH_ISSUER":          &c.Auth.Issuer,
		"RELAY_AUTH_SCOPE":           &c.Auth.Scope,
		"RELAY_AUTH_CLIENT_SCOPE":    &c.Auth.ClientScope,
		"RELAY_AUTH_CONNECTOR_SCOPE": &c.Auth.ConnectorScope,
		"RELAY_SESSION_SECRET":       &c.Auth.SessionSecret,
		"RELAY_SAS_SECRET":           &c.SAS.Secret,
		"RELAY_BROKER_KIND":          &c.Broker.Kind,
		"RELAY_BROKER_URL":           &c.Broker.URL,
		"RELAY_STORAGE_KIND":         &c.Storage.Kind,
		"RELAY_DATABASE_URL":         &c.Storage.DSN,
		"RELAY_NATS_URL":             &c.NATS.URL,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"RELAY_SESSION_TTL":      &c.Auth.SessionTTL,
		"RELAY_SHUTDOWN_TIMEOUT": &c.Shutdown,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := lookup("RELAY_MESSAGE_CEILING"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: RELAY_MESSAGE_CEILING: %w", err)
		}
		c.DataBus.MessageCeiling = n
	}
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${NAME} and ${NAME:-default} with environment values.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if !strings.HasPrefix(c.PublicURL, "http://") && !strings.HasPrefix(c.PublicURL, "https://") {
		errs = append(errs, fmt.Errorf("public_url must be an http(s) URL, got %q", c.PublicURL))
	}
	if c.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("auth.jwks_url is required"))
	}
	if len(c.Auth.SessionSecret) < 32 {
		errs = append(errs, errors.New("auth.session_secret must be at least 32 bytes"))
	}
	if len(c.SAS.Secret) < 32 {
		errs = append(errs, errors.New("sas.secret must be at least 32 bytes"))
	}
	if c.SAS.Secret != "" && c.SAS.Secret == c.Auth.SessionSecret {
		errs = append(errs, errors.New("sas.secret and auth.session_secret must differ"))
	}
	if c.Auth.RequiredScope(contracts.RoleClient) == c.Auth.RequiredScope(contracts.RoleConnector) {
		errs = append(errs, errors.New("auth.client_scope and auth.connector_scope must differ"))
	}

	switch c.Broker.Kind {
	case KindMemory:
	case KindRabbitMQ:
		if c.Broker.URL == "" {
			errs = append(errs, errors.New("broker.url is required for rabbitmq"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.kind must be %q or %q, got %q", KindMemory, KindRabbitMQ, c.Broker.Kind))
	}

	switch c.Storage.Kind {
	case KindMemory:
	case KindPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.kind must be %q or %q, got %q", KindMemory, KindPostgres, c.Storage.Kind))
	}

	if c.DataBus.MessageCeiling <= 0 {
		errs = append(errs, errors.New("databus.message_ceiling must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RequiredScope is the scope a bearer token needs to negotiate as role.
func (a AuthConfig) RequiredScope(role contracts.Role) string {
	switch {
	case role == contracts.RoleClient && a.ClientScope != "":
		return a.ClientScope
	case role == contracts.RoleConnector && a.ConnectorScope != "":
		return a.ConnectorScope
	}
	return a.Scope
}

// NewLogger builds the process logger.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
