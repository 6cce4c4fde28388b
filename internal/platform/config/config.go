// Package config reads typed configuration for the certify binaries from the
// environment. Every setting has a local-development default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server configures cmd/server, the issuer and verifier API.
type Server struct {
	Addr           string
	Environment    string
	LogLevel       slog.Level
	TrustedProxies string

	// JWTSigningKey signs official bearer tokens.
	JWTSigningKey string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Custody   CustodyClientConfig
	Tracing   TracingConfig
	Anchor    AnchorConfig
	Objects   ObjectStoreConfig
	Proving   ProvingConfig
	Issuance  IssuanceConfig
	RateLimit RateLimitConfig
	Authority []AuthorityGrant
}

// Custody configures cmd/custody, the signing and vault service.
type Custody struct {
	Addr        string
	Environment string
	LogLevel    slog.Level

	// ServiceTokenSecret validates service JWTs presented by the server.
	ServiceTokenSecret string
	ServiceTokenIssuer string
	ServiceAudience    string
	// AdminTokenHash is the bcrypt hash of the operator token for key
	// management. Empty disables the admin routes.
	AdminTokenHash string
	// Issuers get an Ed25519 key generated at startup.
	Issuers []string

	Redis RedisConfig
	Kafka KafkaConfig
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Migrate applies the embedded migrations at startup.
	Migrate bool
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers        string
	Acks           string
	EventsTopic    string
	KeyEventsTopic string
	GroupID        string
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool { return strings.TrimSpace(k.Brokers) != "" }

type CustodyClientConfig struct {
	URL                string
	ServiceTokenSecret string
	ServiceTokenIssuer string
	ServiceAudience    string
	Timeout            time.Duration
	KeyCacheSize       int
	KeyCacheTTL        time.Duration
}

// Remote reports whether a custody URL is configured. Without one the server
// runs an in-process keyring and vault, which is only fit for development.
func (c CustodyClientConfig) Remote() bool { return c.URL != "" }

type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

type AnchorConfig struct {
	// Backend is "memory" or "postgres".
	Backend string
}

type ObjectStoreConfig struct {
	// Root is the local CAS directory. Empty keeps documents in memory.
	Root string
}

type ProvingConfig struct {
	// KeyDir holds the Groth16 proving and verifying keys. When the files
	// are absent they are generated by a local setup and written there.
	KeyDir string
}

type IssuanceConfig struct {
	DefaultValidity time.Duration
	BatchWorkers    int
}

// RateLimitConfig throttles the public verification routes per client IP.
// A zero VerifyLimit disables throttling.
type RateLimitConfig struct {
	VerifyLimit int
	Window      time.Duration
}

// AuthorityGrant registers an anchor authority for an issuer at startup.
type AuthorityGrant struct {
	IssuerID  string
	Authority string
}

// FromEnv builds the server configuration.
func FromEnv() (Server, error) {
	var errs []error
	cfg := Server{
		Addr:           env("CERTIFY_ADDR", ":8080"),
		Environment:    env("CERTIFY_ENV", "local"),
		LogLevel:       parseLevel(env("LOG_LEVEL", "info"), &errs),
		TrustedProxies: os.Getenv("TRUSTED_PROXIES"),
		JWTSigningKey:  env("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		TokenIssuer:    env("JWT_ISSUER", "certify"),
		TokenAudience:  env("JWT_AUDIENCE", "certify-api"),
		TokenTTL:       duration("TOKEN_TTL", 15*time.Minute, &errs),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    integer("DATABASE_MAX_OPEN_CONNS", 25, &errs),
			MaxIdleConns:    integer("DATABASE_MAX_IDLE_CONNS", 5, &errs),
			ConnMaxLifetime: duration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute, &errs),
			Migrate:         env("DATABASE_MIGRATE", "true") == "true",
		},
		Redis: redisFromEnv(&errs),
		Kafka: KafkaConfig{
			Brokers:        os.Getenv("KAFKA_BROKERS"),
			Acks:           env("KAFKA_ACKS", "all"),
			EventsTopic:    env("KAFKA_EVENTS_TOPIC", "certify.credential.events"),
			KeyEventsTopic: env("KAFKA_KEY_EVENTS_TOPIC", "certify.custody.keys"),
			GroupID:        env("KAFKA_GROUP_ID", "certify-server"),
		},
		Custody: CustodyClientConfig{
			URL:                strings.TrimRight(os.Getenv("CUSTODY_URL"), "/"),
			ServiceTokenSecret: env("CUSTODY_SERVICE_SECRET", "dev-custody-secret-change-in-production"),
			ServiceTokenIssuer: env("CUSTODY_SERVICE_ISSUER", "certify-server"),
			ServiceAudience:    env("CUSTODY_AUDIENCE", "certify-custody"),
			Timeout:            duration("CUSTODY_TIMEOUT", 5*time.Second, &errs),
			KeyCacheSize:       integer("CUSTODY_KEY_CACHE_SIZE", 1024, &errs),
			KeyCacheTTL:        duration("CUSTODY_KEY_CACHE_TTL", 10*time.Minute, &errs),
		},
		Tracing: TracingConfig{
			Enabled:     env("TRACING_ENABLED", "false") == "true",
			ServiceName: env("OTEL_SERVICE_NAME", "certify-server"),
		},
		Anchor:  AnchorConfig{Backend: env("ANCHOR_BACKEND", "memory")},
		Objects: ObjectStoreConfig{Root: os.Getenv("OBJECT_STORE_ROOT")},
		Proving: ProvingConfig{KeyDir: os.Getenv("PROVING_KEY_DIR")},
		Issuance: IssuanceConfig{
			DefaultValidity: duration("CREDENTIAL_DEFAULT_VALIDITY", 0, &errs),
			BatchWorkers:    integer("ISSUANCE_BATCH_WORKERS", 4, &errs),
		},
		RateLimit: RateLimitConfig{
			VerifyLimit: integer("RATE_LIMIT_VERIFY", 120, &errs),
			Window:      duration("RATE_LIMIT_WINDOW", time.Minute, &errs),
		},
	}
	cfg.Authority = parseGrants(os.Getenv("ANCHOR_AUTHORITIES"), &errs)

	if cfg.RateLimit.VerifyLimit > 0 && cfg.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive when RATE_LIMIT_VERIFY is set"))
	}

	switch cfg.Anchor.Backend {
	case "memory":
	case "postgres":
		if cfg.Database.URL == "" {
			errs = append(errs, errors.New("ANCHOR_BACKEND=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("ANCHOR_BACKEND must be memory or postgres, got %q", cfg.Anchor.Backend))
	}
	return cfg, errors.Join(errs...)
}

// CustodyFromEnv builds the custody service configuration.
func CustodyFromEnv() (Custody, error) {
	var errs []error
	cfg := Custody{
		Addr:               env("CUSTODY_ADDR", ":8090"),
		Environment:        env("CERTIFY_ENV", "local"),
		LogLevel:           parseLevel(env("LOG_LEVEL", "info"), &errs),
		ServiceTokenSecret: env("CUSTODY_SERVICE_SECRET", "dev-custody-secret-change-in-production"),
		ServiceTokenIssuer: env("CUSTODY_SERVICE_ISSUER", "certify-server"),
		ServiceAudience:    env("CUSTODY_AUDIENCE", "certify-custody"),
		AdminTokenHash:     os.Getenv("CUSTODY_ADMIN_TOKEN_HASH"),
		Issuers:            splitList(os.Getenv("CUSTODY_ISSUERS")),
		Redis:              redisFromEnv(&errs),
		Kafka: KafkaConfig{
			Brokers:        os.Getenv("KAFKA_BROKERS"),
			Acks:           env("KAFKA_ACKS", "all"),
			KeyEventsTopic: env("KAFKA_KEY_EVENTS_TOPIC", "certify.custody.keys"),
		},
	}
	return cfg, errors.Join(errs...)
}

func redisFromEnv(errs *[]error) RedisConfig {
	return RedisConfig{
		URL:          os.Getenv("REDIS_URL"),
		PoolSize:     integer("REDIS_POOL_SIZE", 10, errs),
		MinIdleConns: integer("REDIS_MIN_IDLE_CONNS", 2, errs),
		DialTimeout:  duration("REDIS_DIAL_TIMEOUT", 5*time.Second, errs),
		ReadTimeout:  duration("REDIS_READ_TIMEOUT", 3*time.Second, errs),
		WriteTimeout: duration("REDIS_WRITE_TIMEOUT", 3*time.Second, errs),
	}
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return d
}

func integer(key string, fallback int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return fallback
	}
	return n
}

func parseLevel(raw string, errs *[]error) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		*errs = append(*errs, fmt.Errorf("LOG_LEVEL: %w", err))
		return slog.LevelInfo
	}
	return level
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseGrants reads "issuer=authority,issuer=authority".
func parseGrants(raw string, errs *[]error) []AuthorityGrant {
	var out []AuthorityGrant
	for _, part := range splitList(raw) {
		issuer, authority, ok := strings.Cut(part, "=")
		if !ok || issuer == "" || authority == "" {
			*errs = append(*errs, fmt.Errorf("ANCHOR_AUTHORITIES: malformed entry %q", part))
			continue
		}
		out = append(out, AuthorityGrant{IssuerID: strings.TrimSpace(issuer), Authority: strings.TrimSpace(authority)})
	}
	return out
}
