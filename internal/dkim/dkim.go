// Package dkim manages per-domain signing keys: generation, activation
// lifecycle, and DNS TXT record rendering for outbound signing setup.
package dkim

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/store"
)

// Key algorithms accepted by GenerateKey.
const (
	AlgoRSA2048 = "rsa2048"
	AlgoEd25519 = "ed25519"
)

// ErrUnknownAlgorithm is returned for an unsupported key algorithm.
var ErrUnknownAlgorithm = errors.New("unknown key algorithm")

// Manager owns the DKIM key lifecycle for all domains.
type Manager struct {
	router *store.Router
	clock  clock.Clock
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(router *store.Router, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{router: router, clock: clk, logger: logger}
}

// GenerateKey mints a new keypair for the domain under the given selector,
// activates it, and deactivates all prior keys. Empty algo defaults to
// rsa2048.
func (m *Manager) GenerateKey(ctx context.Context, domainName, selector, algo string) (*store.DkimKey, error) {
	if algo == "" {
		algo = AlgoRSA2048
	}
	if selector == "" {
		return nil, errors.New("selector is required")
	}

	st, err := m.router.ForDomain(domainName)
	if err != nil {
		return nil, err
	}
	domain, err := st.DomainByName(ctx, domainName)
	if err != nil {
		return nil, err
	}

	m.logger.Info("generating dkim keypair", "domain", domain.Name, "selector", selector, "algo", algo)

	var pkey crypto.Signer
	switch algo {
	case AlgoRSA2048:
		pkey, err = rsa.GenerateKey(rand.Reader, 2048)
	case AlgoEd25519:
		_, pkey, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algo)
	}
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", algo, err)
	}

	privatePEM, err := encodePrivateKey(pkey)
	if err != nil {
		return nil, err
	}
	publicB64, err := encodePublicKey(pkey)
	if err != nil {
		return nil, err
	}

	key := &store.DkimKey{
		DomainID:   domain.ID,
		Selector:   selector,
		PrivateKey: privatePEM,
		PublicKey:  publicB64,
		CreatedAt:  m.clock.Now(),
	}
	err = st.WithTx(ctx, func(tx *store.Store) error {
		return tx.CreateDkimKey(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ActiveKey returns the domain's active key, or store.ErrNotFound.
func (m *Manager) ActiveKey(ctx context.Context, domainName string) (*store.DkimKey, error) {
	st, err := m.router.ForDomain(domainName)
	if err != nil {
		return nil, err
	}
	domain, err := st.DomainByName(ctx, domainName)
	if err != nil {
		return nil, err
	}
	return st.ActiveDkimKey(ctx, domain.ID)
}

// ListKeys returns all of the domain's keys, newest first.
func (m *Manager) ListKeys(ctx context.Context, domainName string) ([]store.DkimKey, error) {
	st, err := m.router.ForDomain(domainName)
	if err != nil {
		return nil, err
	}
	domain, err := st.DomainByName(ctx, domainName)
	if err != nil {
		return nil, err
	}
	return st.ListDkimKeys(ctx, domain.ID)
}

// Signer parses the stored private key back into a crypto.Signer.
func Signer(key *store.DkimKey) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(key.PrivateKey))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("invalid PEM block")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", parsed)
	}
	return signer, nil
}

// DNSRecord renders the TXT record value to publish at
// <selector>._domainkey.<domain>.
func DNSRecord(key *store.DkimKey) (string, error) {
	signer, err := Signer(key)
	if err != nil {
		return "", err
	}
	algoName := "rsa"
	if _, ok := signer.Public().(ed25519.PublicKey); ok {
		algoName = "ed25519"
	}
	return fmt.Sprintf("v=DKIM1; k=%s; p=%s", algoName, key.PublicKey), nil
}

// encodePrivateKey renders PKCS#8 PEM.
func encodePrivateKey(pkey crypto.Signer) (string, error) {
	blob, err := x509.MarshalPKCS8PrivateKey(pkey)
	if err != nil {
		return "", fmt.Errorf("marshaling private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: blob})), nil
}

// encodePublicKey renders the base64 SPKI public key, which is also the
// p= value of the DNS record for RSA; ed25519 publishes the raw key.
func encodePublicKey(pkey crypto.Signer) (string, error) {
	switch pub := pkey.Public().(type) {
	case *rsa.PublicKey:
		blob, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return "", fmt.Errorf("marshaling public key: %w", err)
		}
		return base64.StdEncoding.EncodeToString(blob), nil
	case ed25519.PublicKey:
		return base64.StdEncoding.EncodeToString(pub), nil
	default:
		return "", fmt.Errorf("unsupported public key type %T", pub)
	}
}
