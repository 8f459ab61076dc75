// ABOUTME: API key issuance and verification for machine callers
// ABOUTME: Keys look like pk_<prefix>_<secret>; only a bcrypt hash of the secret is stored

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/probeops/probeops-gateway/internal/store"
)

// API key errors
var (
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrRevokedAPIKey = errors.New("api key revoked")
)

const (
	apiKeyScheme     = "pk"
	prefixBytes      = 4
	secretBytes      = 24
	apiKeyBcryptCost = bcrypt.DefaultCost
)

// KeyStore is the API key persistence the verifier needs.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, k *store.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*store.APIKey, error)
	TouchAPIKey(ctx context.Context, id int64, at time.Time) error
}

// APIKeyVerifier checks presented keys against the store.
type APIKeyVerifier struct {
	keys   KeyStore
	now    func() time.Time
	logger *slog.Logger
}

// NewAPIKeyVerifier creates a verifier backed by keys.
func NewAPIKeyVerifier(keys KeyStore, logger *slog.Logger) *APIKeyVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyVerifier{keys: keys, now: time.Now, logger: logger.With("component", "auth")}
}

// Issue creates a new key for userID and returns the plaintext once.
func (v *APIKeyVerifier) Issue(ctx context.Context, userID int64, name string) (string, *store.APIKey, error) {
	prefix, err := randomHex(prefixBytes)
	if err != nil {
		return "", nil, err
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return "", nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyBcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing api key: %w", err)
	}

	key := &store.APIKey{
		UserID:    userID,
		Name:      name,
		Prefix:    prefix,
		Hash:      string(hash),
		CreatedAt: v.now().UTC(),
	}
	if err := v.keys.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("storing api key: %w", err)
	}

	return fmt.Sprintf("%s_%s_%s", apiKeyScheme, prefix, secret), key, nil
}

// Verify checks raw and returns the stored key on success.
func (v *APIKeyVerifier) Verify(ctx context.Context, raw string) (*store.APIKey, error) {
	prefix, secret, ok := splitAPIKey(raw)
	if !ok {
		return nil, ErrInvalidAPIKey
	}

	key, err := v.keys.GetAPIKeyByPrefix(ctx, prefix)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.RevokedAt != nil {
		return nil, ErrRevokedAPIKey
	}

	if err := v.keys.TouchAPIKey(ctx, key.ID, v.now().UTC()); err != nil {
		v.logger.Warn("failed to record api key use", "key_id", key.ID, "error", err)
	}
	return key, nil
}

func splitAPIKey(raw string) (prefix, secret string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != apiKeyScheme || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
