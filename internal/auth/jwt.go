package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	jwtCacheSize = 1024
	jwtCacheTTL  = 5 * time.Minute
)

// Claims is the subset of a verified token the rest of the system needs.
type Claims struct {
	Subject string
	Email   string
	Expiry  time.Time
}

// Identity returns the caller identity: email when present, subject otherwise.
func (c *Claims) Identity() string {
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// JWTConfig selects the verification source. JWKSURI, when set, is used
// directly (keys fetched lazily on first verification); otherwise the
// issuer's discovery document is consulted at construction.
type JWTConfig struct {
	Enabled  bool
	Issuer   string
	Audience string
	JWKSURI  string
}

// JWTVerifier validates bearer tokens against a remote key set. There is no
// unverified path: a verifier without a key source rejects every token, and
// construction failures degrade to that same fail-closed state.
type JWTVerifier struct {
	verifier *oidc.IDTokenVerifier
	cache    *expirable.LRU[string, Claims]
	log      *slog.Logger
}

// NewJWTVerifier builds the verifier. When discovery against the issuer
// fails, the error is reported but the returned verifier is still usable;
// it simply denies all tokens until the process is restarted with a
// reachable issuer.
func NewJWTVerifier(ctx context.Context, cfg JWTConfig, log *slog.Logger) (*JWTVerifier, error) {
	v := &JWTVerifier{
		cache: expirable.NewLRU[string, Claims](jwtCacheSize, nil, jwtCacheTTL),
		log:   log,
	}
	if !cfg.Enabled {
		return v, nil
	}

	oidcCfg := &oidc.Config{ClientID: cfg.Audience}
	if cfg.JWKSURI != "" {
		keySet := oidc.NewRemoteKeySet(ctx, cfg.JWKSURI)
		v.verifier = oidc.NewVerifier(cfg.Issuer, keySet, oidcCfg)
		return v, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		log.Error("oidc discovery failed; jwt validation will deny all tokens",
			"issuer", cfg.Issuer, "error", err)
		return v, err
	}
	v.verifier = provider.VerifierContext(ctx, oidcCfg)
	return v, nil
}

// Verify checks the raw token: signature against the key set, issuer,
// audience, expiry. Returns nil when the token is not acceptable. Successful
// validations are cached for five minutes keyed by SHA-256 of the token;
// cached entries still honor the token's own expiry.
func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) *Claims {
	if rawToken == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(rawToken))
	cacheKey := hex.EncodeToString(sum[:])

	if claims, ok := v.cache.Get(cacheKey); ok {
		if time.Now().Before(claims.Expiry) {
			return &claims
		}
		v.cache.Remove(cacheKey)
		return nil
	}

	if v.verifier == nil {
		// No key source configured or discovery failed: fail closed.
		return nil
	}

	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		v.log.Debug("jwt verification failed", "error", err)
		return nil
	}

	var extra struct {
		Email string `json:"email"`
	}
	// Email is optional; a claims decode failure only loses the nicety.
	_ = idToken.Claims(&extra)

	claims := Claims{
		Subject: idToken.Subject,
		Email:   extra.Email,
		Expiry:  idToken.Expiry,
	}
	v.cache.Add(cacheKey, claims)
	return &claims
}
