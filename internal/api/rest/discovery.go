package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// oidcEndpoints is the slice of the issuer's discovery document the CLI
// needs for the device flow.
type oidcEndpoints struct {
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint"`
	TokenEndpoint               string `json:"token_endpoint"`
	JWKSURI                     string `json:"jwks_uri"`
}

var (
	discoverOnce      sync.Once
	discoveredOIDC    oidcEndpoints
	discoverIssuerURL string
)

// AuthDiscovery handles GET /.well-known/kubently-auth. Unauthenticated by
// design: CLIs call it before they have credentials to decide how to log in.
func (h *Handler) AuthDiscovery(w http.ResponseWriter, r *http.Request) {
	methods := []string{}
	if h.cfg != nil && len(h.cfg.APIKeys) > 0 {
		methods = append(methods, "api_key")
	}
	doc := map[string]interface{}{
		"api_key": map[string]string{"header": "X-API-Key"},
	}

	oauth := map[string]interface{}{"enabled": false}
	if h.cfg != nil && h.cfg.OIDCEnabled {
		methods = append(methods, "oauth")
		oauth = map[string]interface{}{
			"enabled":   true,
			"issuer":    h.cfg.OIDCIssuer,
			"client_id": h.cfg.OIDCClientID,
			"scopes":    strings.Fields(h.cfg.OIDCScopes),
		}
		ep := fetchIssuerEndpoints(r.Context(), h.cfg.OIDCIssuer)
		if h.cfg.OIDCJWKSURI != "" {
			oauth["jwks_uri"] = h.cfg.OIDCJWKSURI
		} else if ep.JWKSURI != "" {
			oauth["jwks_uri"] = ep.JWKSURI
		}
		if ep.DeviceAuthorizationEndpoint != "" {
			oauth["device_authorization_endpoint"] = ep.DeviceAuthorizationEndpoint
		}
		if ep.TokenEndpoint != "" {
			oauth["token_endpoint"] = ep.TokenEndpoint
		}
	}
	doc["authentication_methods"] = methods
	doc["oauth"] = oauth
	if h.cfg != nil && h.cfg.A2AExternalURL != "" {
		doc["a2a_url"] = h.cfg.A2AExternalURL
	}
	respondJSON(w, http.StatusOK, doc)
}

// fetchIssuerEndpoints reads the issuer's own discovery document once per
// process. An unreachable issuer just leaves the optional endpoints out of
// the advertisement; it never fails the request.
func fetchIssuerEndpoints(ctx context.Context, issuer string) oidcEndpoints {
	discoverOnce.Do(func() {
		discoverIssuerURL = strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoverIssuerURL, nil)
		if err != nil {
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return
		}
		_ = json.NewDecoder(resp.Body).Decode(&discoveredOIDC)
	})
	return discoveredOIDC
}
