// Package config loads and validates the portal configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the GG_ prefix (e.g. GG_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a
// config.yaml locally and with pure environment variables in containers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// TrustedProxies is passed to gin so ClientIP() honours X-Forwarded-For
	// only when the request came through the portal front end.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
	// AutoMigrate applies pending migrations when the server starts.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	// Enabled turns audit persistence on. When false the logger reports every
	// entry as not logged without touching the database.
	Enabled bool `mapstructure:"enabled"`
	// WriteTimeout bounds a single audit write so a slow database cannot stall
	// the business operation that is being audited.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxSnapshotBytes bounds the serialised size of old_values / new_values.
	MaxSnapshotBytes int `mapstructure:"max_snapshot_bytes"`
	// OwnershipAtomic writes the ownership ledger row and the ASSIGN audit row
	// in one transaction instead of two independent best-effort writes.
	OwnershipAtomic bool `mapstructure:"ownership_atomic"`
	// RecentLimitDefault is used by the recent-activity reader when no limit is given.
	RecentLimitDefault int `mapstructure:"recent_limit_default"`
	// RecentLimitMax caps the recent-activity reader.
	RecentLimitMax int `mapstructure:"recent_limit_max"`
	// ReadRequestsPerMinute rate limits the /api/v1/audit endpoints per caller; 0 disables.
	ReadRequestsPerMinute int `mapstructure:"read_requests_per_minute"`
	ReadBurst             int `mapstructure:"read_burst"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file, archive
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
	Archive *AuditArchiveConfig `mapstructure:"archive"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditArchiveConfig holds object storage archive configuration. Each shipped
// entry is written as one JSON object under Prefix/YYYY/MM/DD/<id>.json.
type AuditArchiveConfig struct {
	Backend string             `mapstructure:"backend"` // local, s3, azure, gcs
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
	S3      S3ArchiveConfig    `mapstructure:"s3"`
	Azure   AzureArchiveConfig `mapstructure:"azure"`
	GCS     GCSArchiveConfig   `mapstructure:"gcs"`
}

// LocalArchiveConfig holds local filesystem archive configuration
type LocalArchiveConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3ArchiveConfig holds S3-compatible archive configuration
type S3ArchiveConfig struct {
	Endpoint        string `mapstructure:"endpoint"` // For MinIO and other S3-compatible services
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AuthMethod      string `mapstructure:"auth_method"` // default, static, oidc, assume_role
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN              string `mapstructure:"role_arn"`
	RoleSessionName      string `mapstructure:"role_session_name"`
	ExternalID           string `mapstructure:"external_id"`
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// AzureArchiveConfig holds Azure Blob Storage archive configuration
type AzureArchiveConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	ServiceURL    string `mapstructure:"service_url"`
}

// GCSArchiveConfig holds Google Cloud Storage archive configuration
type GCSArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	AuthMethod      string `mapstructure:"auth_method"` // default, service_account, workload_identity, none
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	Endpoint        string `mapstructure:"endpoint"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not populate nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.trusted_proxies",

		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",
		"database.auto_migrate",

		"logging.level",
		"logging.format",

		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		"audit.enabled",
		"audit.write_timeout",
		"audit.max_snapshot_bytes",
		"audit.ownership_atomic",
		"audit.recent_limit_default",
		"audit.recent_limit_max",
		"audit.read_requests_per_minute",
		"audit.read_burst",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/gladgrade-portal")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	for i := range cfg.Audit.Shippers {
		if wh := cfg.Audit.Shippers[i].Webhook; wh != nil {
			for k, val := range wh.Headers {
				wh.Headers[k] = expandEnv(val)
			}
		}
		if ar := cfg.Audit.Shippers[i].Archive; ar != nil {
			ar.S3.SecretAccessKey = expandEnv(ar.S3.SecretAccessKey)
			ar.Azure.AccountKey = expandEnv(ar.Azure.AccountKey)
			ar.GCS.CredentialsJSON = expandEnv(ar.GCS.CredentialsJSON)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "gladgrade_portal")
	v.SetDefault("database.user", "portal")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.min_idle_connections", 5)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.write_timeout", "3s")
	v.SetDefault("audit.max_snapshot_bytes", 64*1024)
	v.SetDefault("audit.ownership_atomic", false)
	v.SetDefault("audit.recent_limit_default", 50)
	v.SetDefault("audit.recent_limit_max", 500)
	v.SetDefault("audit.read_requests_per_minute", 120)
	v.SetDefault("audit.read_burst", 20)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

var validArchiveBackends = map[string]bool{"local": true, "s3": true, "azure": true, "gcs": true}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Audit.WriteTimeout < 0 {
		return fmt.Errorf("audit.write_timeout must not be negative")
	}
	if c.Audit.MaxSnapshotBytes < 0 {
		return fmt.Errorf("audit.max_snapshot_bytes must not be negative")
	}
	if c.Audit.ReadRequestsPerMinute < 0 || c.Audit.ReadBurst < 0 {
		return fmt.Errorf("audit read rate limits must not be negative")
	}
	if c.Audit.RecentLimitDefault < 0 || c.Audit.RecentLimitMax < 0 {
		return fmt.Errorf("audit recent limits must not be negative")
	}
	if c.Audit.RecentLimitMax > 0 && c.Audit.RecentLimitDefault > c.Audit.RecentLimitMax {
		return fmt.Errorf("audit.recent_limit_default (%d) exceeds audit.recent_limit_max (%d)",
			c.Audit.RecentLimitDefault, c.Audit.RecentLimitMax)
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
			}
		case "archive":
			if s.Archive == nil {
				return fmt.Errorf("audit.shippers[%d]: archive config is required", i)
			}
			if !validArchiveBackends[s.Archive.Backend] {
				return fmt.Errorf("audit.shippers[%d]: invalid archive backend %q (must be local, s3, azure, or gcs)", i, s.Archive.Backend)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown shipper type %q (must be webhook, file, or archive)", i, s.Type)
		}
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
