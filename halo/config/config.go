package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "halo.config"

const EnvPrefix = "halo"

const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
)

var ErrInvalidConfig = errors.New("invalid config")

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	HTTPAddr string `yaml:"httpAddr" envconfig:"HTTP_ADDR"`
	DBDriver string `yaml:"dbDriver" envconfig:"DB_DRIVER"`
	DBDSN    string `yaml:"dbDsn"    envconfig:"DB_DSN"`

	RateLimitPerMinute int           `yaml:"rateLimitPerMinute" envconfig:"RATE_LIMIT_PER_MINUTE"`
	RateLimitWindow    time.Duration `yaml:"rateLimitWindow"    envconfig:"RATE_LIMIT_WINDOW"`
	MaxContentLength   int           `yaml:"maxContentLength"   envconfig:"MAX_CONTENT_LENGTH"`
	TimestampSkew      time.Duration `yaml:"timestampSkew"      envconfig:"TIMESTAMP_SKEW"`
	TrustProxy         bool          `yaml:"trustProxy"         envconfig:"TRUST_PROXY"`

	SignatureEnforce bool   `yaml:"signatureEnforce" envconfig:"SIGNATURE_ENFORCE"`
	BundleID         string `yaml:"bundleId"         envconfig:"BUNDLE_ID"`
	AddressVersion   uint8  `yaml:"addressVersion"   envconfig:"ADDRESS_VERSION"`
	SeqcodeMinWidth  int    `yaml:"seqcodeMinWidth"  envconfig:"SEQCODE_MIN_WIDTH"`

	CharterURL             string        `yaml:"charterUrl"             envconfig:"CHARTER_URL"`
	CharterFile            string        `yaml:"charterFile"            envconfig:"CHARTER_FILE"`
	CharterRefreshInterval time.Duration `yaml:"charterRefreshInterval" envconfig:"CHARTER_REFRESH_INTERVAL"`

	ModerationProvider    string `yaml:"moderationProvider"    envconfig:"MODERATION_PROVIDER"`
	ModerationProviderURL string `yaml:"moderationProviderUrl" envconfig:"MODERATION_PROVIDER_URL"`
	ModerationProviderKey string `yaml:"moderationProviderKey" envconfig:"MODERATION_PROVIDER_KEY"`

	AuthRequired bool   `yaml:"authRequired" envconfig:"AUTH_REQUIRED"`
	JWTSecret    string `yaml:"jwtSecret"    envconfig:"JWT_SECRET"`

	BatchMaxPosts      int           `yaml:"batchMaxPosts"      envconfig:"BATCH_MAX_POSTS"`
	BatchFlushInterval time.Duration `yaml:"batchFlushInterval" envconfig:"BATCH_FLUSH_INTERVAL"`
	BatchQueueSize     int           `yaml:"batchQueueSize"     envconfig:"BATCH_QUEUE_SIZE"`
	AnchorURL          string        `yaml:"anchorUrl"          envconfig:"ANCHOR_URL"`
	IPFSAPIURL         string        `yaml:"ipfsApiUrl"         envconfig:"IPFS_API_URL"`
	ArchiveDir         string        `yaml:"archiveDir"         envconfig:"ARCHIVE_DIR"`

	MDNSEnabled bool   `yaml:"mdnsEnabled" envconfig:"MDNS_ENABLED"`
	MDNSService string `yaml:"mdnsService" envconfig:"MDNS_SERVICE"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:               "127.0.0.1:8080",
		DBDriver:               "sqlite",
		DBDSN:                  "halo-indexer.db",
		RateLimitPerMinute:     30,
		RateLimitWindow:        time.Minute,
		MaxContentLength:       25000,
		TimestampSkew:          120 * time.Second,
		SignatureEnforce:       true,
		BundleID:               "io.halo.app",
		AddressVersion:         66,
		SeqcodeMinWidth:        8,
		CharterFile:            "charter/halo_charter.json",
		CharterRefreshInterval: 90 * time.Second,
		ModerationProvider:     ProviderNone,
		AuthRequired:           true,
		BatchMaxPosts:          100,
		BatchFlushInterval:     5 * time.Minute,
		BatchQueueSize:         1024,
		MDNSService:            "_halo-indexer._tcp",
		ShutdownTimeout:        15 * time.Second,
	}
}

// LoadConfig starts from Default, overlays the YAML file at path (if any)
// and then HALO_* environment variables, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("unknown dbDriver %q", c.DBDriver))
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		problems = append(problems, "dbDsn is required")
	}
	if c.RateLimitPerMinute <= 0 {
		problems = append(problems, "rateLimitPerMinute must be positive")
	}
	if c.RateLimitWindow <= 0 {
		problems = append(problems, "rateLimitWindow must be positive")
	}
	if c.MaxContentLength <= 0 {
		problems = append(problems, "maxContentLength must be positive")
	}
	if c.TimestampSkew < 0 {
		problems = append(problems, "timestampSkew must not be negative")
	}
	if c.SeqcodeMinWidth < 1 || c.SeqcodeMinWidth > 64 {
		problems = append(problems, "seqcodeMinWidth must be between 1 and 64")
	}
	switch c.ModerationProvider {
	case "", ProviderNone:
	case ProviderOpenAI:
		if c.ModerationProviderKey == "" {
			problems = append(problems, "moderationProviderKey is required for the openai provider")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown moderationProvider %q", c.ModerationProvider))
	}
	if c.AuthRequired && c.JWTSecret == "" {
		problems = append(problems, "jwtSecret is required when authRequired is set")
	}
	if c.BatchMaxPosts <= 0 || c.BatchQueueSize <= 0 || c.BatchFlushInterval <= 0 {
		problems = append(problems, "batch settings must be positive")
	}
	if c.MDNSEnabled && c.MDNSService == "" {
		problems = append(problems, "mdnsService is required when mdnsEnabled is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
