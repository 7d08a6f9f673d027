package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "padded", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc123", wantErr: true},
		{name: "empty token", header: "Bearer    ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "alice-token", Subject: "alice", Scopes: []string{ScopeJobsRW}},
		{Token: "bob-token", Subject: "bob", Scopes: []string{ScopeJobsRO, " ", ScopeEventsRO}},
	}

	p, ok := Authenticate("alice-token", tokens)
	require.True(t, ok)
	assert.Equal(t, "alice", p.Subject)
	assert.True(t, HasAnyScope(p, ScopeJobsRO), "rw implies ro")
	assert.False(t, HasAnyScope(p, ScopeEventsRO))

	p, ok = Authenticate("bob-token", tokens)
	require.True(t, ok)
	assert.Equal(t, "bob", p.Subject)
	assert.False(t, HasAnyScope(p, ScopeJobsRW))
	assert.Len(t, p.Scopes, 2)

	_, ok = Authenticate("nobody", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", []TokenConfig{{Token: "", Subject: "x"}})
	assert.False(t, ok, "empty tokens never authenticate")
}

func TestHasAnyScopeWildcard(t *testing.T) {
	p := Principal{Subject: "admin", Scopes: map[string]struct{}{ScopeAll: {}}}
	assert.True(t, HasAnyScope(p, ScopeJobsRW))
	assert.True(t, HasAnyScope(Principal{}))
}

func TestPrincipalContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, ok := PrincipalFromContext(r.Context())
	assert.False(t, ok)

	ctx := WithPrincipal(r.Context(), Principal{Subject: "carol"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "carol", p.Subject)
}
