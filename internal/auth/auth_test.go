package auth

import (
	"net/http/httptest"
	"testing"

	gate "github.com/ccgate/ccgate/internal"
)

type staticResolver map[string]*gate.Tenant

func (r staticResolver) TenantByKey(key string) (*gate.Tenant, bool) {
	t, ok := r[key]
	return t, ok
}

func newAuth(tenants ...*gate.Tenant) *Authenticator {
	m := staticResolver{}
	for _, t := range tenants {
		m[t.Key] = t
	}
	return New(func() TenantResolver { return m })
}

func TestExtractKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		header [2]string
		query  string
		want   string
		wantOK bool
	}{
		{name: "bearer", header: [2]string{"Authorization", "Bearer tk-1"}, want: "tk-1", wantOK: true},
		{name: "bearer case-insensitive", header: [2]string{"Authorization", "bearer tk-1"}, want: "tk-1", wantOK: true},
		{name: "api-key scheme", header: [2]string{"Authorization", "API-Key tk-2"}, want: "tk-2", wantOK: true},
		{name: "x-api-key", header: [2]string{"X-Api-Key", "tk-3"}, want: "tk-3", wantOK: true},
		{name: "query param", query: "api_key=tk-4", want: "tk-4", wantOK: true},
		{name: "missing", wantOK: false},
		{name: "unknown scheme", header: [2]string{"Authorization", "Basic dXNlcg=="}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/anthropic/v1/messages"
			if tt.query != "" {
				target += "?" + tt.query
			}
			r := httptest.NewRequest("POST", target, nil)
			if tt.header[0] != "" {
				r.Header.Set(tt.header[0], tt.header[1])
			}
			got, ok := ExtractKey(r)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ExtractKey = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestExtractKeyPrecedence(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest("POST", "/v1/messages?api_key=query-key", nil)
	r.Header.Set("Authorization", "Bearer bearer-key")
	r.Header.Set("X-Api-Key", "header-key")
	got, _ := ExtractKey(r)
	if got != "bearer-key" {
		t.Errorf("ExtractKey = %q, want bearer-key (Authorization first)", got)
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	enabled := &gate.Tenant{ID: "acme", Key: "tk-acme", Enabled: true}
	disabled := &gate.Tenant{ID: "dead", Key: "tk-dead", Enabled: false}
	a := newAuth(enabled, disabled)

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	if _, err := a.Authenticate(r); err == nil || err.Kind != gate.KindMissingAuth {
		t.Errorf("missing auth err = %v", err)
	}

	r.Header.Set("Authorization", "Bearer nope")
	if _, err := a.Authenticate(r); err == nil || err.Kind != gate.KindInvalidKey {
		t.Errorf("invalid key err = %v", err)
	}

	r.Header.Set("Authorization", "Bearer tk-dead")
	if _, err := a.Authenticate(r); err == nil || err.Kind != gate.KindTenantDisabled {
		t.Errorf("disabled tenant err = %v", err)
	}

	r.Header.Set("Authorization", "Bearer tk-acme")
	tenant, err := a.Authenticate(r)
	if err != nil || tenant.ID != "acme" {
		t.Errorf("Authenticate = %v, %v", tenant, err)
	}
}

func TestCheckModel(t *testing.T) {
	t.Parallel()
	tenant := &gate.Tenant{ID: "acme", AllowedModels: []string{"*haiku*"}}

	if err := CheckModel(tenant, "claude-3-5-haiku-20241022"); err != nil {
		t.Errorf("allowed model rejected: %v", err)
	}
	err := CheckModel(tenant, "claude-sonnet-4-20250514")
	if err == nil || err.Kind != gate.KindModelNotAllowed || err.Status != 403 {
		t.Errorf("disallowed model err = %v", err)
	}

	// Absent model or empty allow-list skips the check.
	if err := CheckModel(tenant, ""); err != nil {
		t.Errorf("empty model rejected: %v", err)
	}
	open := &gate.Tenant{ID: "open"}
	if err := CheckModel(open, "anything"); err != nil {
		t.Errorf("open tenant rejected: %v", err)
	}
}
