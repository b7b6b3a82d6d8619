package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrTokenExists is returned when issuing a token for a cluster that already
// has one and no override was supplied. Surfaces as 409.
var ErrTokenExists = errors.New("executor token already exists for cluster")

// TokenStore is the slice of the state store the registry needs.
type TokenStore interface {
	GetExecutorToken(ctx context.Context, clusterID string) (string, error)
	SetExecutorToken(ctx context.Context, clusterID, token string) error
	SetExecutorTokenNX(ctx context.Context, clusterID, token string) (bool, error)
	DeleteExecutorToken(ctx context.Context, clusterID string) (bool, error)
}

// TokenRegistry issues, revokes, and checks the per-cluster executor tokens.
// Tokens are opaque 256-bit URL-safe strings with no expiry; rotation is
// revoke + reissue (or issue with an explicit override).
type TokenRegistry struct {
	store     TokenStore
	lookupEnv func(string) string
}

// NewTokenRegistry builds a registry over the given store.
func NewTokenRegistry(store TokenStore) *TokenRegistry {
	return &TokenRegistry{store: store, lookupEnv: os.Getenv}
}

// Issue creates and stores a token for the cluster, returning the plaintext
// exactly once. Without customToken, an existing token is a conflict
// (ErrTokenExists); with customToken, the stored value is replaced in place.
func (r *TokenRegistry) Issue(ctx context.Context, clusterID, customToken string) (string, error) {
	if customToken != "" {
		if err := r.store.SetExecutorToken(ctx, clusterID, customToken); err != nil {
			return "", fmt.Errorf("store executor token: %w", err)
		}
		return customToken, nil
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	ok, err := r.store.SetExecutorTokenNX(ctx, clusterID, token)
	if err != nil {
		return "", fmt.Errorf("store executor token: %w", err)
	}
	if !ok {
		return "", ErrTokenExists
	}
	return token, nil
}

// Revoke deletes the cluster's token. False when none existed.
func (r *TokenRegistry) Revoke(ctx context.Context, clusterID string) (bool, error) {
	return r.store.DeleteExecutorToken(ctx, clusterID)
}

// VerifyExecutor compares the presented credential against the stored token
// for the cluster, constant time. The static environment fallback
// AGENT_TOKEN_<CLUSTER> is consulted only when no dynamic token exists.
// Any store error denies.
func (r *TokenRegistry) VerifyExecutor(ctx context.Context, clusterID, presented string) bool {
	if clusterID == "" || presented == "" {
		return false
	}
	stored, err := r.store.GetExecutorToken(ctx, clusterID)
	if err != nil {
		return false
	}
	if stored == "" {
		stored = r.lookupEnv(envTokenName(clusterID))
	}
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// generateToken returns 32 random bytes as unpadded URL-safe base64.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate executor token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func envTokenName(clusterID string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(clusterID, "-", "_"))
	return "AGENT_TOKEN_" + normalized
}
