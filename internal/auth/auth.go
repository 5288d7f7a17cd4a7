package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Organization represents an authenticated tenant.
type Organization struct {
	ID        string
	Name      string
	PlanID    string
	RateLimit int
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 12 characters of the plaintext key
}

// OrgLookup is the interface for retrieving organizations by their key hash.
type OrgLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Organization, error)
}

// Metrics is an optional interface for recording authentication outcomes.
type Metrics interface {
	IncAuthFailure(authType string)
	IncAuthSuccess(authType string)
}

// Service provides authentication operations backed by an organization store.
type Service struct {
	store   OrgLookup
	metrics Metrics
}

// NewService creates a new authentication service.
func NewService(store OrgLookup) *Service {
	return &Service{store: store}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

func (s *Service) recordFailure(authType string) {
	if s.metrics != nil {
		s.metrics.IncAuthFailure(authType)
	}
}

func (s *Service) recordSuccess(authType string) {
	if s.metrics != nil {
		s.metrics.IncAuthSuccess(authType)
	}
}

// GenerateAPIKey creates a new API key with the "gab_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing
// the hash and prefix) and the full plaintext key. The plaintext is shown
// once at creation time and never stored.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	random := base64.RawURLEncoding.EncodeToString(b)
	plaintext := "gab_" + random

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:12],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
