package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/kubently/kubently/internal/pkg/audit"
	"github.com/kubently/kubently/internal/pkg/logger"
	"github.com/kubently/kubently/internal/pkg/metrics"
	"github.com/kubently/kubently/internal/pkg/redact"
)

// Authentication methods and permission classes reported with a verdict.
const (
	MethodJWT           = "jwt"
	MethodAPIKey        = "api_key"
	MethodExecutorToken = "executor_token"

	PermissionsHumanUser      = "human-user"
	PermissionsServiceAccount = "service-account"
)

// CallerResult is the outcome of verifying one inbound client request.
type CallerResult struct {
	Valid       bool
	Identity    string
	Method      string
	Permissions string
}

// Verifier implements caller verification: JWT first, static API key as the
// fallback. Every decision is audited and counted; any internal error denies.
type Verifier struct {
	jwt             *JWTVerifier
	keys            *KeySet
	tokens          *TokenRegistry
	trail           *audit.Trail
	adminIdentities map[string]struct{}
}

// NewVerifier assembles the verification chain. adminIdentities may be empty,
// in which case every authenticated caller may use admin endpoints.
func NewVerifier(jwt *JWTVerifier, keys *KeySet, tokens *TokenRegistry, trail *audit.Trail, adminIdentities []string) *Verifier {
	admins := make(map[string]struct{}, len(adminIdentities))
	for _, id := range adminIdentities {
		admins[id] = struct{}{}
	}
	return &Verifier{jwt: jwt, keys: keys, tokens: tokens, trail: trail, adminIdentities: admins}
}

// VerifyCaller checks the request's credentials. Strategy: a bearer token is
// tried as a JWT first; on any JWT failure the same value falls through to
// the API-key comparison alongside X-API-Key. Never panics; every path
// produces exactly one audit record.
func (v *Verifier) VerifyCaller(r *http.Request) CallerResult {
	ctx := r.Context()
	requestID := logger.FromContext(ctx)
	correlationID := r.Header.Get("X-Correlation-ID")

	bearer := bearerToken(r)
	if bearer != "" && v.jwt != nil {
		if claims := v.jwt.Verify(ctx, bearer); claims != nil {
			res := CallerResult{
				Valid:       true,
				Identity:    claims.Identity(),
				Method:      MethodJWT,
				Permissions: PermissionsHumanUser,
			}
			v.record(ctx, MethodJWT, res.Identity, audit.VerdictAccepted, requestID, correlationID)
			return res
		}
	}

	for _, candidate := range []string{r.Header.Get("X-API-Key"), bearer} {
		if candidate == "" || v.keys == nil {
			continue
		}
		if identity, ok := v.keys.Match(candidate); ok {
			res := CallerResult{
				Valid:       true,
				Identity:    identity,
				Method:      MethodAPIKey,
				Permissions: PermissionsServiceAccount,
			}
			v.record(ctx, MethodAPIKey, identity, audit.VerdictAccepted, requestID, correlationID)
			return res
		}
	}

	// Denied. Audit with a truncated credential prefix only.
	presented := r.Header.Get("X-API-Key")
	method := MethodAPIKey
	if presented == "" {
		presented = bearer
		method = MethodJWT
	}
	v.record(ctx, method, redact.Token(presented), audit.VerdictRejected, requestID, correlationID)
	return CallerResult{Valid: false}
}

// VerifyExecutor checks an executor's cluster token and id headers. The
// cluster id is returned so handlers never re-read the header themselves.
func (v *Verifier) VerifyExecutor(r *http.Request) (clusterID string, ok bool) {
	ctx := r.Context()
	clusterID = r.Header.Get("X-Cluster-ID")
	token := bearerToken(r)
	if v.tokens == nil || !v.tokens.VerifyExecutor(ctx, clusterID, token) {
		v.trail.Record(ctx, audit.Event{
			Action:    audit.ActionAuthDecision,
			Method:    MethodExecutorToken,
			Identity:  redact.Token(token),
			Verdict:   audit.VerdictRejected,
			ClusterID: clusterID,
			RequestID: logger.FromContext(ctx),
		})
		metrics.AuthDecisionsTotal.WithLabelValues(MethodExecutorToken, audit.VerdictRejected).Inc()
		return "", false
	}
	metrics.AuthDecisionsTotal.WithLabelValues(MethodExecutorToken, audit.VerdictAccepted).Inc()
	return clusterID, true
}

// IsAdmin reports whether the identity may call token-management endpoints.
func (v *Verifier) IsAdmin(identity string) bool {
	if len(v.adminIdentities) == 0 {
		return true
	}
	_, ok := v.adminIdentities[identity]
	return ok
}

func (v *Verifier) record(ctx context.Context, method, identity, verdict, requestID, correlationID string) {
	v.trail.AuthDecision(ctx, method, identity, verdict, requestID, correlationID)
	metrics.AuthDecisionsTotal.WithLabelValues(method, verdict).Inc()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
