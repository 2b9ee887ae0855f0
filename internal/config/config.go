// Package config loads service settings from defaults, an optional config
// file and CASEVAULT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Image       ImageConfig       `mapstructure:"image"`
	Scanner     ScannerConfig     `mapstructure:"scanner"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	APIKeys         []string      `mapstructure:"api_keys"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	Dev             bool          `mapstructure:"dev"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type StorageConfig struct {
	UploadDir         string        `mapstructure:"upload_dir"`
	MaxFileSize       int64         `mapstructure:"max_file_size"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	BackupToLocal     bool          `mapstructure:"backup_to_local"`
	RejectSuspicious  bool          `mapstructure:"reject_suspicious"`
	PresignTTL        time.Duration `mapstructure:"presign_ttl"`
}

// ObjectStoreConfig selects the primary backend. An empty driver runs
// local-only.
type ObjectStoreConfig struct {
	Driver             string        `mapstructure:"driver"`
	Bucket             string        `mapstructure:"bucket"`
	Region             string        `mapstructure:"region"`
	AccessKeyID        string        `mapstructure:"access_key_id"`
	SecretAccessKey    string        `mapstructure:"secret_access_key"`
	Endpoint           string        `mapstructure:"endpoint"`
	UseSSL             bool          `mapstructure:"use_ssl"`
	ForcePathStyle     bool          `mapstructure:"force_path_style"`
	SSE                bool          `mapstructure:"sse"`
	GCSCredentialsFile string        `mapstructure:"gcs_credentials_file"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
}

type ImageConfig struct {
	MaxDimension   int  `mapstructure:"max_dimension"`
	Quality        int  `mapstructure:"quality"`
	UseJPEG        bool `mapstructure:"use_jpeg"`
	AsyncThreshold int  `mapstructure:"async_threshold"`
	Workers        int  `mapstructure:"workers"`
}

type ScannerConfig struct {
	ClamdAddr string `mapstructure:"clamd_addr"`
}

type AuditConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var drivers = map[string]bool{"": true, "s3": true, "minio": true, "gcs": true, "memory": true}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.api_keys", []string{})
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.dev", false)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.upload_dir", "./uploads")
	v.SetDefault("storage.max_file_size", 50*1024*1024)
	v.SetDefault("storage.allowed_extensions", []string{})
	v.SetDefault("storage.backup_to_local", false)
	v.SetDefault("storage.reject_suspicious", false)
	v.SetDefault("storage.presign_ttl", time.Hour)

	v.SetDefault("object_store.driver", "")
	v.SetDefault("object_store.bucket", "")
	v.SetDefault("object_store.region", "eu-west-2")
	v.SetDefault("object_store.access_key_id", "")
	v.SetDefault("object_store.secret_access_key", "")
	v.SetDefault("object_store.endpoint", "")
	v.SetDefault("object_store.use_ssl", true)
	v.SetDefault("object_store.force_path_style", false)
	v.SetDefault("object_store.sse", true)
	v.SetDefault("object_store.gcs_credentials_file", "")
	v.SetDefault("object_store.probe_interval", 30*time.Second)

	v.SetDefault("image.max_dimension", 2048)
	v.SetDefault("image.quality", 85)
	v.SetDefault("image.use_jpeg", true)
	v.SetDefault("image.async_threshold", 5*1024*1024)
	v.SetDefault("image.workers", 0)

	v.SetDefault("scanner.clamd_addr", "")

	v.SetDefault("audit.nats_url", "")
	v.SetDefault("audit.subject", "casevault.audit")

	v.SetDefault("tracing.enabled", false)
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CASEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Storage.UploadDir == "" {
		errs = append(errs, errors.New("storage.upload_dir is required"))
	}
	if c.Storage.MaxFileSize <= 0 {
		errs = append(errs, errors.New("storage.max_file_size must be positive"))
	}
	for _, ext := range c.Storage.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") || ext != strings.ToLower(ext) {
			errs = append(errs, fmt.Errorf("storage.allowed_extensions: %q must be lowercase and start with a dot", ext))
		}
	}
	if !drivers[c.ObjectStore.Driver] {
		errs = append(errs, fmt.Errorf("object_store.driver %q is not one of s3, minio, gcs, memory", c.ObjectStore.Driver))
	}
	if c.ObjectStore.Driver != "" && c.ObjectStore.Driver != "memory" && c.ObjectStore.Bucket == "" {
		errs = append(errs, errors.New("object_store.bucket is required"))
	}
	if c.ObjectStore.Driver == "minio" && c.ObjectStore.Endpoint == "" {
		errs = append(errs, errors.New("object_store.endpoint is required for minio"))
	}
	if c.Image.Quality < 1 || c.Image.Quality > 100 {
		errs = append(errs, errors.New("image.quality must be between 1 and 100"))
	}
	return errors.Join(errs...)
}
