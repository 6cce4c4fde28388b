package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	custodyclient "certify/internal/credential/adapters/custody"
	"certify/internal/credential/disclosure"
	"certify/internal/credential/disclosure/zkbackend"
	"certify/internal/credential/objectstore"
	"certify/internal/credential/ports"
	"certify/internal/custody/keyring"
	custodyservice "certify/internal/custody/service"
	"certify/internal/custody/vault"
	jwttoken "certify/internal/jwt_token"
	"certify/internal/platform/config"
	"certify/internal/platform/health"
	"certify/internal/platform/kafka/consumer"
	"certify/pkg/platform/outbox/worker"
)

const (
	provingKeyFile   = "disclosure.pk"
	verifyingKeyFile = "disclosure.vk"
)

type custodyDeps struct {
	signer   ports.Signer
	keys     ports.KeyResolver
	vault    ports.BlindingVault
	consumer *consumer.Consumer
}

// newCustody connects to the remote custody service, or runs one in process
// when no URL is configured.
func newCustody(ctx context.Context, cfg config.Server, log *slog.Logger, publisher worker.Publisher, checks *health.Handler) (*custodyDeps, error) {
	if !cfg.Custody.Remote() {
		issuers := make([]string, 0, len(cfg.Authority))
		for _, g := range cfg.Authority {
			issuers = append(issuers, g.IssuerID)
		}
		log.Warn("CUSTODY_URL not set, issuer keys and blindings are held in process", "issuers", issuers)
		svc := custodyservice.New(keyring.New(), vault.NewMemory(),
			custodyservice.WithLogger(log),
			custodyservice.WithIssuers(issuers...),
			custodyservice.WithPublisher(publisher, cfg.Kafka.KeyEventsTopic),
		)
		if err := svc.Bootstrap(ctx); err != nil {
			return nil, err
		}
		return &custodyDeps{signer: svc, keys: svc, vault: svc}, nil
	}

	tokens := jwttoken.NewJWTService(
		cfg.Custody.ServiceTokenSecret,
		cfg.Custody.ServiceTokenIssuer,
		cfg.Custody.ServiceAudience,
		cfg.Custody.Timeout*2,
	)
	client := custodyclient.New(cfg.Custody.URL, custodyclient.ServiceTokens(tokens, "certify-server"),
		custodyclient.WithHTTPClient(&http.Client{Timeout: cfg.Custody.Timeout}),
		custodyclient.WithKeyCache(cfg.Custody.KeyCacheSize, cfg.Custody.KeyCacheTTL),
		custodyclient.WithLogger(log),
	)
	checks.RegisterCheck("custody", client.Check)
	deps := &custodyDeps{signer: client, keys: client, vault: client}

	if !cfg.Kafka.Enabled() {
		log.Warn("kafka not configured, revoked custody keys leave the cache only on expiry",
			"ttl", cfg.Custody.KeyCacheTTL)
		return deps, nil
	}
	// Every replica caches keys, so every replica needs every revocation.
	host, _ := os.Hostname()
	c, err := consumer.New(consumer.Config{
		Brokers:    cfg.Kafka.Brokers,
		GroupID:    fmt.Sprintf("%s-keys-%s", cfg.Kafka.GroupID, host),
		Topics:     []string{cfg.Kafka.KeyEventsTopic},
		FromLatest: true,
	}, custodyclient.KeyEventHandler(client, log), log)
	if err != nil {
		return nil, err
	}
	checks.RegisterCheck("kafka_consumer", c.Check)
	deps.consumer = c
	return deps, nil
}

func newObjectStore(cfg config.ObjectStoreConfig) (ports.ObjectStore, error) {
	if cfg.Root == "" {
		return objectstore.NewMemory(), nil
	}
	return objectstore.NewLocalFS(cfg.Root)
}

// newDisclosure loads the Groth16 keys from the key directory, running a setup
// and writing the keys there on first start. Without a directory the keys
// live only as long as the process.
func newDisclosure(cfg config.ProvingConfig, log *slog.Logger) (*disclosure.Prover, *disclosure.Verifier, error) {
	backend, err := loadBackend(cfg.KeyDir, log)
	if err != nil {
		return nil, nil, err
	}
	return disclosure.NewProver(backend), disclosure.NewVerifier(backend), nil
}

func loadBackend(dir string, log *slog.Logger) (*zkbackend.Backend, error) {
	if dir == "" {
		log.Warn("PROVING_KEY_DIR not set, disclosure proofs do not survive a restart")
		return zkbackend.Ephemeral()
	}
	pkPath := filepath.Join(dir, provingKeyFile)
	vkPath := filepath.Join(dir, verifyingKeyFile)

	pk, err := os.Open(pkPath)
	switch {
	case err == nil:
		defer pk.Close()
		vk, err := os.Open(vkPath)
		if err != nil {
			return nil, fmt.Errorf("open verifying key: %w", err)
		}
		defer vk.Close()
		return zkbackend.Load(pk, vk)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("open proving key: %w", err)
	}

	log.Info("no disclosure keys found, running setup", "dir", dir)
	backend, err := zkbackend.Setup()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	pkOut, err := os.OpenFile(pkPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create proving key: %w", err)
	}
	defer pkOut.Close()
	vkOut, err := os.OpenFile(vkPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create verifying key: %w", err)
	}
	defer vkOut.Close()
	if err := backend.WriteKeys(pkOut, vkOut); err != nil {
		return nil, err
	}
	return backend, nil
}
