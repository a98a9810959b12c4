package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "METASTREAM"
	defaultHTTPAddress       = "0.0.0.0:9000"
	defaultDatabasePath      = "metastream.db"
	defaultLogLevel          = "info"
	defaultStoreBackend      = StoreBackendRedis
	defaultRedisAddress      = "localhost:6379"
	defaultPresenceTTL       = 120 * time.Second
	defaultPeakInterval      = 2 * time.Minute
	defaultCommentDelay      = 15 * time.Second
	defaultInitialLimit      = 100
	defaultCommentRetention  = 24 * time.Hour
	defaultApproveInterval   = 5 * time.Second
	defaultAuthIssuer        = "metastream-auth"
	defaultAuthAudience      = "metastream-moderation"
	defaultAuthTokenTTL      = 12 * time.Hour
	defaultAuthCookieName    = "metastream_moderator"
	defaultCORSAllowedOrigin = "*"
)

// Event store backends.
const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

// AppConfig captures runtime configuration for the delivery server.
type AppConfig struct {
	HTTPAddress        string
	LogLevel           string
	DatabasePath       string
	StoreBackend       string
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	PresenceTTL        time.Duration
	PeakInterval       time.Duration
	CommentDelay       time.Duration
	InitialLimit       int
	CommentRetention   time.Duration
	ApproveInterval    time.Duration
	SigningSecret      string
	TokenIssuer        string
	TokenAudience      string
	TokenTTL           time.Duration
	AuthCookieName     string
	CORSAllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_allowed_origins", []string{defaultCORSAllowedOrigin})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("presence.peak_interval", defaultPeakInterval)
	configViper.SetDefault("comments.delay", defaultCommentDelay)
	configViper.SetDefault("comments.initial_limit", defaultInitialLimit)
	configViper.SetDefault("comments.retention", defaultCommentRetention)
	configViper.SetDefault("comments.approve_interval", defaultApproveInterval)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenTTL)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		DatabasePath:       configViper.GetString("database.path"),
		StoreBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		PresenceTTL:        configViper.GetDuration("presence.ttl"),
		PeakInterval:       configViper.GetDuration("presence.peak_interval"),
		CommentDelay:       configViper.GetDuration("comments.delay"),
		InitialLimit:       configViper.GetInt("comments.initial_limit"),
		CommentRetention:   configViper.GetDuration("comments.retention"),
		ApproveInterval:    configViper.GetDuration("comments.approve_interval"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenIssuer:        configViper.GetString("auth.issuer"),
		TokenAudience:      configViper.GetString("auth.audience"),
		TokenTTL:           configViper.GetDuration("auth.token_ttl"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		CORSAllowedOrigins: configViper.GetStringSlice("http.cors_allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.StoreBackend {
	case StoreBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis backend")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("store.backend %q is not supported", c.StoreBackend)
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{"presence.ttl", c.PresenceTTL},
		{"presence.peak_interval", c.PeakInterval},
		{"comments.delay", c.CommentDelay},
		{"comments.retention", c.CommentRetention},
		{"comments.approve_interval", c.ApproveInterval},
		{"auth.token_ttl", c.TokenTTL},
	}
	for _, duration := range durations {
		if duration.value <= 0 {
			return fmt.Errorf("%s must be positive", duration.key)
		}
	}
	if c.InitialLimit <= 0 {
		return fmt.Errorf("comments.initial_limit must be positive")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" || strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	return nil
}
