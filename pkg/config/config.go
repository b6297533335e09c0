// Package config handles loading and validating ingestd configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for ingestd.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Upload  UploadConfig  `yaml:"upload"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Blob    BlobConfig    `yaml:"blob"`
	Batch   BatchConfig   `yaml:"batch"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// ServerConfig controls the transport listener.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	Debug          bool     `yaml:"debug"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	ReadLimit      int64    `yaml:"read_limit"` // max inbound frame size in bytes
}

// AuthConfig configures token verification.
type AuthConfig struct {
	Key       string        `yaml:"key"`
	Algorithm string        `yaml:"algorithm"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// UploadConfig controls chunk reassembly and retrieval.
type UploadConfig struct {
	TempDir   string `yaml:"temp_dir"`
	ChunkSize int64  `yaml:"chunk_size"` // bytes per retrieval frame
	Convert   bool   `yaml:"convert"`    // turn CSV uploads into batch prompts

	// Limits on in-flight uploads; zero disables a limit.
	MaxChunks       int   `yaml:"max_chunks"`
	MaxPendingBytes int64 `yaml:"max_pending_bytes"`
	MaxSessions     int   `yaml:"max_sessions"`
}

// LedgerConfig selects and configures the file record store.
type LedgerConfig struct {
	Backend     string `yaml:"backend"` // postgres, dynamodb, memory
	DatabaseURL string `yaml:"database_url"`
	Table       string `yaml:"table"`
	OwnerIndex  string `yaml:"owner_index"` // dynamodb GSI on username; scans when empty
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
}

// BlobConfig selects and configures the artifact store.
type BlobConfig struct {
	Backend   string `yaml:"backend"` // s3, gcs, minio, local
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	LocalDir  string `yaml:"local_dir"`
}

// BatchConfig selects and configures the batch job runner.
type BatchConfig struct {
	Backend    string `yaml:"backend"` // bedrock, local
	Region     string `yaml:"region"`
	RoleARN    string `yaml:"role_arn"`
	ModelID    string `yaml:"model_id"`
	LocalPolls int    `yaml:"local_polls"`
	Cache      string `yaml:"cache"` // memory, redis
	CacheSize  int    `yaml:"cache_size"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	// CacheTTL bounds how long a settled job status is remembered.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// WebhookConfig enables the signed job status push endpoint.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a Config with sensible defaults for local runs.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8080",
			ReadLimit: 16 << 20,
		},
		Auth: AuthConfig{
			Algorithm: "HS256",
			TokenTTL:  time.Hour,
		},
		Upload: UploadConfig{
			TempDir:         filepath.Join(os.TempDir(), "ingestd"),
			ChunkSize:       1 << 20,
			Convert:         true,
			MaxChunks:       1 << 16,
			MaxPendingBytes: 64 << 20,
			MaxSessions:     1024,
		},
		Ledger: LedgerConfig{
			Backend: "memory",
			Table:   "files",
		},
		Blob: BlobConfig{
			Backend:  "local",
			Bucket:   "uploads",
			LocalDir: filepath.Join(os.TempDir(), "ingestd-blobs"),
		},
		Batch: BatchConfig{
			Backend:    "local",
			LocalPolls: 1,
			Cache:      "memory",
			CacheSize:  1024,
			CacheTTL:   24 * time.Hour,
		},
	}
}

// Load reads a config file from the given path and applies environment
// overrides. If path is empty or the file does not exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Server.Port)
	str("JWT_KEY", &c.Auth.Key)
	str("JWT_ALGO", &c.Auth.Algorithm)
	str("JWT_ISS", &c.Auth.Issuer)
	str("TEMP_FILE_LOCATION", &c.Upload.TempDir)
	str("LEDGER_BACKEND", &c.Ledger.Backend)
	str("DATABASE_URL", &c.Ledger.DatabaseURL)
	str("AWS_FILE_TABLE_NAME", &c.Ledger.Table)
	str("AWS_FILE_OWNER_INDEX", &c.Ledger.OwnerIndex)
	str("BLOB_BACKEND", &c.Blob.Backend)
	str("AWS_S3_UPLOAD_NAME", &c.Blob.Bucket)
	str("BLOB_ENDPOINT", &c.Blob.Endpoint)
	str("BLOB_ACCESS_KEY", &c.Blob.AccessKey)
	str("BLOB_SECRET_KEY", &c.Blob.SecretKey)
	str("LOCAL_STORAGE_PATH", &c.Blob.LocalDir)
	str("BATCH_BACKEND", &c.Batch.Backend)
	str("AWS_ROLE_ARN", &c.Batch.RoleARN)
	str("AWS_MODEL_ID", &c.Batch.ModelID)
	str("REDIS_ADDR", &c.Batch.RedisAddr)
	str("WEBHOOK_SECRET", &c.Webhook.Secret)

	if v, ok := lookup("AWS_REGION"); ok && v != "" {
		c.Ledger.Region = v
		c.Blob.Region = v
		c.Batch.Region = v
	}
	if v, ok := lookup("CHUNK_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing CHUNK_SIZE: %w", err)
		}
		c.Upload.ChunkSize = n
	}
	if v, ok := lookup("JWT_TIMEOUT"); ok && v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing JWT_TIMEOUT: %w", err)
		}
		c.Auth.TokenTTL = time.Duration(secs) * time.Second
	}
	if v, ok := lookup("DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing DEBUG: %w", err)
		}
		c.Server.Debug = b
	}
	return nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	var problems []string

	if c.Auth.Key == "" {
		problems = append(problems, "auth.key is required")
	}
	switch strings.ToUpper(c.Auth.Algorithm) {
	case "HS256", "HS384", "HS512":
	default:
		problems = append(problems, fmt.Sprintf("auth.algorithm %q is not supported", c.Auth.Algorithm))
	}
	if c.Upload.ChunkSize <= 0 {
		problems = append(problems, "upload.chunk_size must be positive")
	}
	if c.Upload.TempDir == "" {
		problems = append(problems, "upload.temp_dir is required")
	}
	if c.Upload.MaxChunks < 0 || c.Upload.MaxPendingBytes < 0 || c.Upload.MaxSessions < 0 {
		problems = append(problems, "upload limits must not be negative")
	}

	switch c.Ledger.Backend {
	case "memory":
	case "postgres":
		if c.Ledger.DatabaseURL == "" {
			problems = append(problems, "ledger.database_url is required for postgres")
		}
	case "dynamodb":
		if c.Ledger.Table == "" {
			problems = append(problems, "ledger.table is required for dynamodb")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown ledger backend %q", c.Ledger.Backend))
	}

	switch c.Blob.Backend {
	case "local":
		if c.Blob.LocalDir == "" {
			problems = append(problems, "blob.local_dir is required for local")
		}
	case "s3", "gcs":
		if c.Blob.Bucket == "" {
			problems = append(problems, "blob.bucket is required")
		}
	case "minio":
		if c.Blob.Bucket == "" || c.Blob.Endpoint == "" {
			problems = append(problems, "blob.bucket and blob.endpoint are required for minio")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown blob backend %q", c.Blob.Backend))
	}

	switch c.Batch.Backend {
	case "local":
	case "bedrock":
		if c.Batch.RoleARN == "" || c.Batch.ModelID == "" {
			problems = append(problems, "batch.role_arn and batch.model_id are required for bedrock")
		}
		if c.Blob.Backend != "s3" {
			problems = append(problems, "bedrock batch jobs read from s3; set blob.backend to s3")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown batch backend %q", c.Batch.Backend))
	}

	switch c.Batch.Cache {
	case "", "memory":
	case "redis":
		if c.Batch.RedisAddr == "" {
			problems = append(problems, "batch.redis_addr is required for redis cache")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown batch cache %q", c.Batch.Cache))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
