// Package auth resolves client credentials to tenants and gates requests
// by tenant state and model allow-list.
package auth

import (
	"net/http"
	"strings"

	gate "github.com/ccgate/ccgate/internal"
	"github.com/ccgate/ccgate/internal/wildcard"
)

// TenantResolver looks up a tenant by its secret key.
type TenantResolver interface {
	TenantByKey(key string) (*gate.Tenant, bool)
}

// Authenticator validates request credentials against the tenant table.
type Authenticator struct {
	resolver func() TenantResolver
}

// New returns an Authenticator reading tenants from the given snapshot
// accessor, so reloads are picked up without reconstruction.
func New(resolver func() TenantResolver) *Authenticator {
	return &Authenticator{resolver: resolver}
}

// ExtractKey pulls the client credential from the request. Sources are
// checked in order: Authorization Bearer, Authorization API-Key, the
// X-Api-Key header, then the api_key query parameter.
func ExtractKey(r *http.Request) (string, bool) {
	if authz := r.Header.Get("Authorization"); authz != "" {
		if token, ok := cutPrefixFold(authz, "Bearer "); ok && token != "" {
			return token, true
		}
		if token, ok := cutPrefixFold(authz, "API-Key "); ok && token != "" {
			return token, true
		}
	}
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key, true
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key, true
	}
	return "", false
}

// cutPrefixFold is strings.CutPrefix with ASCII case-insensitive matching
// of the scheme, per RFC 9110 auth-scheme comparison.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// Authenticate resolves the request's credential to an enabled tenant.
// Failures carry distinct error kinds: missing_auth, invalid_key,
// tenant_disabled.
func (a *Authenticator) Authenticate(r *http.Request) (*gate.Tenant, *gate.APIError) {
	key, ok := ExtractKey(r)
	if !ok {
		return nil, gate.ErrMissingAuth
	}
	tenant, ok := a.resolver().TenantByKey(key)
	if !ok {
		return nil, gate.ErrInvalidKey
	}
	if !tenant.Enabled {
		return nil, gate.ErrTenantDisabled
	}
	return tenant, nil
}

// CheckModel verifies the requested model against the tenant allow-list.
// An empty model (absent from the request body) skips the check; the
// upstream may still reject the request. An empty allow-list permits
// every model.
func CheckModel(tenant *gate.Tenant, model string) *gate.APIError {
	if model == "" || len(tenant.AllowedModels) == 0 {
		return nil
	}
	if wildcard.MatchAny(tenant.AllowedModels, model) {
		return nil
	}
	return gate.Errf(gate.KindModelNotAllowed, http.StatusForbidden,
		"model %s not permitted", model)
}
