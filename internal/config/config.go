package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "DUET"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "duet.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultIssuer            = "duet-auth"
	defaultCookieName        = "app_session"
	defaultIdleTimeout       = 0
	defaultReapInterval      = 5 * time.Second
	defaultRetainOperations  = 1000
	defaultMaxParticipants   = 2
	defaultMaxContentRunes   = 1 << 20
	defaultOutboundBuffer    = 64
	defaultJournalBuffer     = 1024
	defaultJournalTimeout    = 5 * time.Second
	defaultJournalEnqueue    = 100 * time.Millisecond
	defaultShutdownTimeout   = 10 * time.Second
	defaultAutoGrant         = true
	defaultMetricsNamespace  = "duet"
	defaultTokenTTL          = 12 * time.Hour
	defaultAllowedOriginsAll = "*"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	DatabasePath string

	LogLevel  string
	LogFormat string

	SigningSecret string
	Issuer        string
	CookieName    string
	TokenTTL      time.Duration

	IdleTimeout      time.Duration
	ReapInterval     time.Duration
	RetainOperations int
	MaxParticipants  int
	MaxContentRunes  int
	OutboundBuffer   int
	AutoGrant        bool

	JournalBuffer         int
	JournalWriteTimeout   time.Duration
	JournalEnqueueTimeout time.Duration

	MetricsNamespace string
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
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOriginsAll})
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("session.idle_timeout", time.Duration(defaultIdleTimeout))
	configViper.SetDefault("session.reap_interval", defaultReapInterval)
	configViper.SetDefault("session.retain_operations", defaultRetainOperations)
	configViper.SetDefault("session.max_participants", defaultMaxParticipants)
	configViper.SetDefault("session.max_content_runes", defaultMaxContentRunes)
	configViper.SetDefault("session.outbound_buffer", defaultOutboundBuffer)
	configViper.SetDefault("session.auto_grant", defaultAutoGrant)
	configViper.SetDefault("journal.buffer", defaultJournalBuffer)
	configViper.SetDefault("journal.write_timeout", defaultJournalTimeout)
	configViper.SetDefault("journal.enqueue_timeout", defaultJournalEnqueue)
	configViper.SetDefault("metrics.namespace", defaultMetricsNamespace)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		AllowedOrigins:        splitList(configViper.GetStringSlice("http.allowed_origins")),
		ShutdownTimeout:       configViper.GetDuration("http.shutdown_timeout"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		LogFormat:             configViper.GetString("log.format"),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		Issuer:                configViper.GetString("auth.issuer"),
		CookieName:            configViper.GetString("auth.cookie_name"),
		TokenTTL:              configViper.GetDuration("auth.token_ttl"),
		IdleTimeout:           configViper.GetDuration("session.idle_timeout"),
		ReapInterval:          configViper.GetDuration("session.reap_interval"),
		RetainOperations:      configViper.GetInt("session.retain_operations"),
		MaxParticipants:       configViper.GetInt("session.max_participants"),
		MaxContentRunes:       configViper.GetInt("session.max_content_runes"),
		OutboundBuffer:        configViper.GetInt("session.outbound_buffer"),
		AutoGrant:             configViper.GetBool("session.auto_grant"),
		JournalBuffer:         configViper.GetInt("journal.buffer"),
		JournalWriteTimeout:   configViper.GetDuration("journal.write_timeout"),
		JournalEnqueueTimeout: configViper.GetDuration("journal.enqueue_timeout"),
		MetricsNamespace:      configViper.GetString("metrics.namespace"),
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
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("session.idle_timeout must not be negative")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("session.reap_interval must be positive")
	}
	if c.RetainOperations <= 0 {
		return fmt.Errorf("session.retain_operations must be positive")
	}
	if c.MaxParticipants < 0 {
		return fmt.Errorf("session.max_participants must not be negative")
	}
	if c.MaxContentRunes < 0 {
		return fmt.Errorf("session.max_content_runes must not be negative")
	}
	if c.OutboundBuffer <= 0 {
		return fmt.Errorf("session.outbound_buffer must be positive")
	}
	if c.JournalBuffer <= 0 {
		return fmt.Errorf("journal.buffer must be positive")
	}
	if c.JournalEnqueueTimeout <= 0 {
		return fmt.Errorf("journal.enqueue_timeout must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
