package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/kubently/kubently/internal/pkg/audit"
)

func newTestVerifier(t *testing.T, f *jwksFixture, apiKeys []string, admins []string) *Verifier {
	t.Helper()
	var jwtV *JWTVerifier
	if f != nil {
		jwtV = testVerifier(t, f)
	} else {
		var err error
		jwtV, err = NewJWTVerifier(context.Background(), JWTConfig{Enabled: false},
			slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			t.Fatalf("NewJWTVerifier: %v", err)
		}
	}
	keys, err := ParseAPIKeys(apiKeys)
	if err != nil {
		t.Fatalf("ParseAPIKeys: %v", err)
	}
	return NewVerifier(jwtV, keys, testRegistry(t), audit.New(nil), admins)
}

func TestVerifyCaller_APIKeyHeader(t *testing.T) {
	v := newTestVerifier(t, nil, []string{"admin:k1"}, nil)
	r := httptest.NewRequest("GET", "/debug/clusters", nil)
	r.Header.Set("X-API-Key", "k1")

	res := v.VerifyCaller(r)
	if !res.Valid || res.Identity != "admin" || res.Method != MethodAPIKey || res.Permissions != PermissionsServiceAccount {
		t.Fatalf("VerifyCaller = %+v", res)
	}
}

func TestVerifyCaller_BearerAPIKeyFallback(t *testing.T) {
	v := newTestVerifier(t, nil, []string{"svc:bearer-key"}, nil)
	r := httptest.NewRequest("GET", "/debug/clusters", nil)
	r.Header.Set("Authorization", "Bearer bearer-key")

	res := v.VerifyCaller(r)
	if !res.Valid || res.Identity != "svc" || res.Method != MethodAPIKey {
		t.Fatalf("VerifyCaller = %+v", res)
	}
}

func TestVerifyCaller_JWTPreferredOverAPIKey(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestVerifier(t, f, []string{"svc:k1"}, nil)
	r := httptest.NewRequest("GET", "/debug/clusters", nil)
	r.Header.Set("Authorization", "Bearer "+f.mint(t, f.claims(nil)))
	r.Header.Set("X-API-Key", "k1")

	res := v.VerifyCaller(r)
	if !res.Valid || res.Method != MethodJWT || res.Identity != "dev@example.com" || res.Permissions != PermissionsHumanUser {
		t.Fatalf("VerifyCaller = %+v, want jwt identity", res)
	}
}

func TestVerifyCaller_InvalidJWTFallsThroughToAPIKey(t *testing.T) {
	f := newJWKSFixture(t)
	v := newTestVerifier(t, f, []string{"svc:k1"}, nil)
	r := httptest.NewRequest("GET", "/debug/clusters", nil)
	r.Header.Set("Authorization", "Bearer not-a-valid-jwt")
	r.Header.Set("X-API-Key", "k1")

	res := v.VerifyCaller(r)
	if !res.Valid || res.Method != MethodAPIKey || res.Identity != "svc" {
		t.Fatalf("VerifyCaller = %+v, want api_key fallback", res)
	}
}

func TestVerifyCaller_NoCredentialsDenied(t *testing.T) {
	v := newTestVerifier(t, nil, []string{"svc:k1"}, nil)
	r := httptest.NewRequest("GET", "/debug/clusters", nil)
	if res := v.VerifyCaller(r); res.Valid {
		t.Fatalf("VerifyCaller = %+v, want denial", res)
	}
}

func TestVerifyExecutor_HeaderPair(t *testing.T) {
	v := newTestVerifier(t, nil, nil, nil)
	tok, err := v.tokens.Issue(context.Background(), "kind", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	r := httptest.NewRequest("GET", "/agent/commands", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	r.Header.Set("X-Cluster-ID", "kind")
	clusterID, ok := v.VerifyExecutor(r)
	if !ok || clusterID != "kind" {
		t.Fatalf("VerifyExecutor = (%q,%v)", clusterID, ok)
	}

	r.Header.Set("X-Cluster-ID", "other")
	if _, ok := v.VerifyExecutor(r); ok {
		t.Fatal("token accepted for mismatched cluster id")
	}
}

func TestIsAdmin(t *testing.T) {
	open := newTestVerifier(t, nil, nil, nil)
	if !open.IsAdmin("anyone") {
		t.Fatal("empty admin list should admit every authenticated caller")
	}
	scoped := newTestVerifier(t, nil, nil, []string{"admin"})
	if !scoped.IsAdmin("admin") || scoped.IsAdmin("intruder") {
		t.Fatal("admin scoping broken")
	}
}
