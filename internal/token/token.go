// Package token issues and verifies the bearer tokens that protect the
// provisioning API, using an ES384 JWK keypair stored on disk.
package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/sirupsen/logrus"
)

const (
	Issuer   = "codespace-userd"
	Audience = "codespace-userd/api"

	PrivateKeyFile = "jwk.private.json"
	PublicKeyFile  = "jwk.public.json"
)

type Manager struct {
	logger     *logrus.Logger
	privateJWK jose.JSONWebKey
	publicJWK  jose.JSONWebKey
	signer     jose.Signer
}

func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{logger: logger}
}

// GenerateKeyPair creates a new ES384 keypair and writes both halves to
// path as JWK JSON files.
func (m *Manager) GenerateKeyPair(path string) error {
	if err := m.ensureKeyDirectory(path); err != nil {
		return fmt.Errorf("key directory not accessible: %w", err)
	}

	m.logger.WithField("path", path).Info("Generating new ES384 JWK key pair")

	privateKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	privateJWK := jose.JSONWebKey{
		Key:       privateKey,
		Algorithm: string(jose.ES384),
		Use:       "sig",
	}
	publicJWK := jose.JSONWebKey{
		Key:       &privateKey.PublicKey,
		Algorithm: string(jose.ES384),
		Use:       "sig",
	}

	privateKeyPath := filepath.Join(path, PrivateKeyFile)
	if err := saveJWK(privateKeyPath, privateJWK); err != nil {
		return fmt.Errorf("failed to save private JWK: %w", err)
	}
	if err := os.Chmod(privateKeyPath, 0400); err != nil {
		m.logger.WithError(err).Warn("Failed to set restrictive permissions on private key")
	}

	publicKeyPath := filepath.Join(path, PublicKeyFile)
	if err := saveJWK(publicKeyPath, publicJWK.Public()); err != nil {
		return fmt.Errorf("failed to save public JWK: %w", err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES384, Key: privateJWK}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	m.privateJWK = privateJWK
	m.publicJWK = publicJWK
	m.signer = signer

	m.logger.Info("Generated new ES384 JWK key pair")
	return nil
}

// LoadPrivateKey loads both key halves and prepares the manager for issuing.
func (m *Manager) LoadPrivateKey(path string) error {
	privateKeyPath := filepath.Join(path, PrivateKeyFile)
	if _, err := os.Stat(privateKeyPath); os.IsNotExist(err) {
		return fmt.Errorf("private key not found at %s (generate one with: codespace-userd keygen --key-path %s)", privateKeyPath, path)
	}

	privateJWK, err := loadJWK(privateKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load private JWK from %s: %w", privateKeyPath, err)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES384, Key: privateJWK}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	m.privateJWK = privateJWK
	m.publicJWK = privateJWK.Public()
	m.signer = signer
	m.logger.WithField("path", privateKeyPath).Debug("Loaded private JWK")
	return nil
}

// LoadPublicKey loads only the public half, enough for verification.
func (m *Manager) LoadPublicKey(path string) error {
	publicKeyPath := filepath.Join(path, PublicKeyFile)
	if _, err := os.Stat(publicKeyPath); os.IsNotExist(err) {
		return fmt.Errorf("public key not found at %s (generate one with: codespace-userd keygen --key-path %s)", publicKeyPath, path)
	}

	publicJWK, err := loadJWK(publicKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load public JWK from %s: %w", publicKeyPath, err)
	}

	m.publicJWK = publicJWK
	m.logger.WithField("path", publicKeyPath).Debug("Loaded public JWK")
	return nil
}

// Issue creates a signed token for the given subject with the given lifetime.
func (m *Manager) Issue(subject string, ttl time.Duration) (string, error) {
	if m.signer == nil {
		return "", fmt.Errorf("signer not initialized - call LoadPrivateKey or GenerateKeyPair first")
	}

	now := time.Now()
	claims := jwt.Claims{
		Issuer:   Issuer,
		Subject:  subject,
		Audience: jwt.Audience{Audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}

	token, err := jwt.Signed(m.signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// Verify checks the signature and standard claims of a raw token and
// returns its subject.
func (m *Manager) Verify(raw string) (string, error) {
	if m.publicJWK.Key == nil {
		return "", fmt.Errorf("public key not loaded")
	}

	parsed, err := jwt.ParseSigned(raw)
	if err != nil {
		return "", fmt.Errorf("malformed token: %w", err)
	}

	var claims jwt.Claims
	if err := parsed.Claims(m.publicJWK.Key, &claims); err != nil {
		return "", fmt.Errorf("invalid token signature: %w", err)
	}

	if err := claims.Validate(jwt.Expected{
		Issuer:   Issuer,
		Audience: jwt.Audience{Audience},
		Time:     time.Now(),
	}); err != nil {
		return "", fmt.Errorf("token rejected: %w", err)
	}

	return claims.Subject, nil
}

func (m *Manager) ensureKeyDirectory(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(path, 0700); err != nil {
				return fmt.Errorf("cannot create directory %s: %w", path, err)
			}
			m.logger.WithField("path", path).Info("Created key directory")
			return nil
		}
		return fmt.Errorf("cannot access directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

func loadJWK(path string) (jose.JSONWebKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("cannot read JWK file: %w", err)
	}

	var jwk jose.JSONWebKey
	if err := json.Unmarshal(data, &jwk); err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("failed to parse JWK JSON: %w", err)
	}
	return jwk, nil
}

func saveJWK(path string, jwk jose.JSONWebKey) error {
	data, err := json.MarshalIndent(jwk, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JWK: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
