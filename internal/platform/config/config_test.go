package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"CERTIFY_ADDR", "DATABASE_URL", "KAFKA_BROKERS", "CUSTODY_URL", "ANCHOR_BACKEND", "ANCHOR_AUTHORITIES", "LOG_LEVEL", "RATE_LIMIT_VERIFY", "RATE_LIMIT_WINDOW"} {
		t.Setenv(k, "")
	}
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Anchor.Backend)
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Custody.Remote())
	assert.Equal(t, "certify.credential.events", cfg.Kafka.EventsTopic)
	assert.Zero(t, cfg.Issuance.DefaultValidity)
	assert.Equal(t, 120, cfg.RateLimit.VerifyLimit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Empty(t, cfg.Authority)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://certify@localhost/certify")
	t.Setenv("ANCHOR_BACKEND", "postgres")
	t.Setenv("ANCHOR_AUTHORITIES", "dept-health=auth-health-1, dept-trade=auth-trade-1")
	t.Setenv("CUSTODY_URL", "http://custody:8090/")
	t.Setenv("CREDENTIAL_DEFAULT_VALIDITY", "8760h")
	t.Setenv("KAFKA_BROKERS", "k1:9092")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "http://custody:8090", cfg.Custody.URL)
	assert.True(t, cfg.Custody.Remote())
	assert.True(t, cfg.Kafka.Enabled())
	assert.Equal(t, 8760*time.Hour, cfg.Issuance.DefaultValidity)
	assert.Equal(t, []AuthorityGrant{
		{IssuerID: "dept-health", Authority: "auth-health-1"},
		{IssuerID: "dept-trade", Authority: "auth-trade-1"},
	}, cfg.Authority)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ANCHOR_BACKEND", "postgres")
	t.Setenv("TOKEN_TTL", "soon")
	t.Setenv("ANCHOR_AUTHORITIES", "dept-health")

	_, err := FromEnv()
	require.Error(t, err)
	assert.ErrorContains(t, err, "ANCHOR_BACKEND=postgres requires DATABASE_URL")
	assert.ErrorContains(t, err, "TOKEN_TTL")
	assert.ErrorContains(t, err, "malformed entry")
}

func TestCustodyFromEnv(t *testing.T) {
	t.Setenv("CUSTODY_ISSUERS", "dept-health, dept-trade,")
	t.Setenv("CUSTODY_ADMIN_TOKEN_HASH", "$2a$10$hash")

	cfg, err := CustodyFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Addr)
	assert.Equal(t, []string{"dept-health", "dept-trade"}, cfg.Issuers)
	assert.Equal(t, "$2a$10$hash", cfg.AdminTokenHash)
}
