package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Issuer != defaultIssuer || !cfg.AutoGrant || cfg.MaxParticipants != defaultMaxParticipants {
		testContext.Fatalf("unexpected session defaults: %+v", cfg)
	}
	if cfg.IdleTimeout != 0 || cfg.ReapInterval != defaultReapInterval {
		testContext.Fatalf("unexpected idle settings: %v %v", cfg.IdleTimeout, cfg.ReapInterval)
	}
	if cfg.JournalEnqueueTimeout != defaultJournalEnqueue {
		testContext.Fatalf("unexpected journal enqueue timeout %v", cfg.JournalEnqueueTimeout)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		testContext.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("DUET_AUTH_SIGNING_SECRET", "from-env")
	testContext.Setenv("DUET_SESSION_IDLE_TIMEOUT", "90s")
	testContext.Setenv("DUET_SESSION_AUTO_GRANT", "false")
	testContext.Setenv("DUET_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		testContext.Fatalf("expected signing secret from env, got %q", cfg.SigningSecret)
	}
	if cfg.IdleTimeout != 90*time.Second {
		testContext.Fatalf("expected idle timeout from env, got %v", cfg.IdleTimeout)
	}
	if cfg.AutoGrant {
		testContext.Fatalf("expected auto grant disabled")
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example|https://b.example" {
		testContext.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidates(testContext *testing.T) {
	testCases := []struct {
		name   string
		key    string
		value  any
		expect string
	}{
		{name: "missing secret", key: "auth.signing_secret", value: "", expect: "auth.signing_secret"},
		{name: "negative idle", key: "session.idle_timeout", value: "-1s", expect: "session.idle_timeout"},
		{name: "zero buffer", key: "session.outbound_buffer", value: 0, expect: "session.outbound_buffer"},
		{name: "bad format", key: "log.format", value: "xml", expect: "log.format"},
		{name: "empty database", key: "database.path", value: " ", expect: "database.path"},
		{name: "zero enqueue timeout", key: "journal.enqueue_timeout", value: "0s", expect: "journal.enqueue_timeout"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.expect) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.expect, err)
			}
		})
	}
}
