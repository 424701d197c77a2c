package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/guided-traffic/agency-interchange/internal/orchestration"
	"github.com/guided-traffic/agency-interchange/internal/sftp"
	"github.com/guided-traffic/agency-interchange/internal/workflow"
	"github.com/spf13/viper"
)

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`      // Enable/disable monitoring
	BindAddress string `mapstructure:"bind_address"` // Address to bind monitoring server (default: :9090)
	MetricsPath string `mapstructure:"metrics_path"` // Path for metrics endpoint (default: /metrics)
}

// CallbackConfig configures the token callback endpoint.
type CallbackConfig struct {
	// HS256 secret for bearer tokens; empty disables authentication
	JWTSecret     string        `mapstructure:"jwt_secret"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

// ProviderConfig selects and configures the crypto provider.
type ProviderConfig struct {
	Type             string        `mapstructure:"type" validate:"oneof=http loopback"`
	BaseURL          string        `mapstructure:"base_url" validate:"required_if=Type http,omitempty,url"`
	TokenPath        string        `mapstructure:"token_path"`
	SLIFTEncryptPath string        `mapstructure:"slift_encrypt_path"`
	SLIFTDecryptPath string        `mapstructure:"slift_decrypt_path"`
	PGPEncryptPath   string        `mapstructure:"pgp_encrypt_path"`
	PGPDecryptPath   string        `mapstructure:"pgp_decrypt_path"`
	APIKeyHeader     string        `mapstructure:"api_key_header"`
	APIKey           string        `mapstructure:"api_key"` // literal or secretsmanager: reference
	Timeout          time.Duration `mapstructure:"timeout"`
	LoopbackDelay    time.Duration `mapstructure:"loopback_delay"`
}

// StorageConfig holds object storage configuration
type StorageConfig struct {
	Endpoint           string `mapstructure:"endpoint"`
	Region             string `mapstructure:"region" validate:"required"`
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretKey          string `mapstructure:"secret_key"`
	ForcePathStyle     bool   `mapstructure:"force_path_style"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"` // Only for development/testing
	PartSize           int64  `mapstructure:"part_size" validate:"omitempty,min=5242880"`
}

// SFTPConfig lists the transfer endpoints by name.
type SFTPConfig struct {
	Servers map[string]sftp.ServerConfig `mapstructure:"servers" validate:"dive"`
}

// SecretsConfig configures Secrets Manager lookups.
type SecretsConfig struct {
	Region   string        `mapstructure:"region"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// PostgresConfig configures the Postgres operation registry.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=0"`
}

// RedisConfig configures the Redis operation registry.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
	PoolSize  int    `mapstructure:"pool_size" validate:"min=0"`
}

// RegistryConfig selects where operations are kept.
type RegistryConfig struct {
	Backend  string         `mapstructure:"backend" validate:"oneof=memory postgres redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// KafkaConfig configures the Kafka ingestion sink.
type KafkaConfig struct {
	Brokers  []string      `mapstructure:"brokers"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// IngestConfig selects where decoded replies are published.
type IngestConfig struct {
	Sink  string      `mapstructure:"sink" validate:"oneof=log kafka"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// Config holds the application configuration
type Config struct {
	// Server configuration
	BindAddress       string        `mapstructure:"bind_address" validate:"required"`
	LogLevel          string        `mapstructure:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat         string        `mapstructure:"log_format" validate:"oneof=text json"`
	LogHealthRequests bool          `mapstructure:"log_health_requests"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	TLS               TLSConfig     `mapstructure:"tls"`

	Monitoring   MonitoringConfig     `mapstructure:"monitoring"`
	Callback     CallbackConfig       `mapstructure:"callback"`
	Provider     ProviderConfig       `mapstructure:"provider"`
	Storage      StorageConfig        `mapstructure:"storage"`
	SFTP         SFTPConfig           `mapstructure:"sftp"`
	Secrets      SecretsConfig        `mapstructure:"secrets"`
	Registry     RegistryConfig       `mapstructure:"registry"`
	Orchestrator orchestration.Config `mapstructure:"orchestrator"`
	Ingest       IngestConfig         `mapstructure:"ingest"`

	// Profiles replaces the built-in LTA, MHA and Toppan routing when set
	Profiles []workflow.ProfileSpec `mapstructure:"profiles"`
}

// InitConfig initializes the configuration system
func InitConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".agency-interchange")
	}

	viper.SetEnvPrefix("AIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// Load loads the configuration from viper
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(cfg.Profiles) == 0 {
		cfg.Profiles = workflow.DefaultProfiles()
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("bind_address", "0.0.0.0:8080")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("log_health_requests", false)
	viper.SetDefault("shutdown_timeout", 30*time.Second)

	viper.SetDefault("tls.enabled", false)

	viper.SetDefault("monitoring.enabled", false)
	viper.SetDefault("monitoring.bind_address", ":9090")
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	viper.SetDefault("callback.lookup_timeout", 5*time.Second)

	viper.SetDefault("provider.type", "loopback")
	viper.SetDefault("provider.token_path", "/api/v1/token")
	viper.SetDefault("provider.slift_encrypt_path", "/api/v1/slift/{appcode}/encrypt")
	viper.SetDefault("provider.slift_decrypt_path", "/api/v1/slift/{appcode}/decrypt")
	viper.SetDefault("provider.pgp_encrypt_path", "/api/v1/pgp/{appcode}/encrypt")
	viper.SetDefault("provider.pgp_decrypt_path", "/api/v1/pgp/{appcode}/decrypt")
	viper.SetDefault("provider.api_key_header", "X-API-Key")
	viper.SetDefault("provider.timeout", 60*time.Second)
	viper.SetDefault("provider.loopback_delay", 100*time.Millisecond)

	viper.SetDefault("storage.region", "ap-southeast-1")
	viper.SetDefault("storage.force_path_style", true)

	viper.SetDefault("secrets.cache_ttl", 5*time.Minute)

	viper.SetDefault("registry.backend", "memory")
	viper.SetDefault("registry.postgres.max_conns", 10)
	viper.SetDefault("registry.redis.key_prefix", "aix:operation:")

	defaults := orchestration.DefaultConfig()
	viper.SetDefault("orchestrator.token_retries", defaults.TokenRetries)
	viper.SetDefault("orchestrator.token_backoff", defaults.TokenBackoff)
	viper.SetDefault("orchestrator.max_concurrency", defaults.MaxConcurrency)
	viper.SetDefault("orchestrator.lookup_timeout", defaults.LookupTimeout)
	viper.SetDefault("orchestrator.poll_interval", defaults.PollInterval)
	viper.SetDefault("orchestrator.sweep_interval", defaults.SweepInterval)
	viper.SetDefault("orchestrator.operation_timeout", defaults.OperationTimeout)
	viper.SetDefault("orchestrator.retention", defaults.Retention)

	viper.SetDefault("ingest.sink", "log")
	viper.SetDefault("ingest.kafka.topic", "aix.agency.replies")
	viper.SetDefault("ingest.kafka.client_id", "agency-interchange")
}

// validate validates the configuration
func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if cfg.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
		if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS certificate file does not exist: %s", cfg.TLS.CertFile)
		}
		if _, err := os.Stat(cfg.TLS.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("TLS key file does not exist: %s", cfg.TLS.KeyFile)
		}
	}

	switch cfg.Registry.Backend {
	case "postgres":
		if cfg.Registry.Postgres.URL == "" {
			return fmt.Errorf("registry.postgres.url is required for the postgres backend")
		}
	case "redis":
		if cfg.Registry.Redis.URL == "" {
			return fmt.Errorf("registry.redis.url is required for the redis backend")
		}
	}

	if cfg.Ingest.Sink == "kafka" {
		if len(cfg.Ingest.Kafka.Brokers) == 0 {
			return fmt.Errorf("ingest.kafka.brokers is required for the kafka sink")
		}
		if cfg.Ingest.Kafka.Topic == "" {
			return fmt.Errorf("ingest.kafka.topic is required for the kafka sink")
		}
	}

	// Every profile must point at a configured SFTP server
	for _, p := range cfg.Profiles {
		if _, ok := cfg.SFTP.Servers[p.TransferServer]; !ok {
			return fmt.Errorf("profile %s uses sftp server %q which is not configured under sftp.servers", p.Profile, p.TransferServer)
		}
	}
	for name, s := range cfg.SFTP.Servers {
		if s.Password == "" && s.PrivateKey == "" {
			return fmt.Errorf("sftp server %s needs a password or private_key", name)
		}
		if s.KnownHostsFile == "" && !s.InsecureIgnoreHostKey {
			return fmt.Errorf("sftp server %s needs known_hosts_file or insecure_ignore_host_key", name)
		}
	}

	if _, err := workflow.NewResolver(cfg.Profiles); err != nil {
		return fmt.Errorf("invalid profiles: %w", err)
	}
	return nil
}
