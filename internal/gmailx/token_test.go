package gmailx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/mailvault/internal/common"
)

func TestStoredToken_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	in := StoredToken{
		AccessToken:  "at-1",
		ClientID:     "cid",
		ClientSecret: "cs",
		Expiry:       time.Unix(1700000000, 0).UTC(),
		RefreshToken: "rt-1",
		Scopes:       ReadScopes(),
		TokenType:    "Bearer",
		TokenURI:     "https://oauth2.googleapis.com/token",
	}

	require.NoError(t, WriteStoredToken(path, in))

	out, err := ReadStoredToken(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadStoredToken_MissingFile(t *testing.T) {
	_, err := ReadStoredToken(filepath.Join(t.TempDir(), "token.json"))
	assert.ErrorIs(t, err, common.ErrNoToken)
}

func TestReadStoredToken_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{ nope"), 0o600))

	_, err := ReadStoredToken(path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrNoToken)
}

func TestHasScopes(t *testing.T) {
	granted := []string{ScopeReadonly, ScopeInsert}

	assert.True(t, HasScopes(granted, ScopeReadonly))
	assert.True(t, HasScopes(granted, ScopeReadonly, ScopeInsert))
	assert.False(t, HasScopes(granted, ScopeModify))
	assert.False(t, HasScopes(granted, ScopeInsert, ScopeModify))
	assert.True(t, HasScopes(granted), "empty requirement is always satisfied")
	assert.False(t, HasScopes(nil, ScopeReadonly))
}

func TestConnect_NoToken(t *testing.T) {
	_, err := Connect(context.Background(), t.TempDir(), ScopeReadonly)
	assert.ErrorIs(t, err, common.ErrNoToken)
}

func TestConnect_MissingScope(t *testing.T) {
	dir := t.TempDir()
	doc := StoredToken{
		AccessToken:  "at",
		ClientID:     "cid",
		ClientSecret: "cs",
		RefreshToken: "rt",
		Scopes:       ReadScopes(),
		TokenType:    "Bearer",
	}
	require.NoError(t, WriteStoredToken(TokenPath(dir), doc))

	_, err := Connect(context.Background(), dir, WriteScopes()...)
	assert.ErrorIs(t, err, common.ErrMissingScope)
}

func TestConnect_BuildsClientWithValidScopes(t *testing.T) {
	dir := t.TempDir()
	doc := StoredToken{
		AccessToken:  "at",
		ClientID:     "cid",
		ClientSecret: "cs",
		Expiry:       time.Now().Add(time.Hour),
		RefreshToken: "rt",
		Scopes:       []string{ScopeReadonly, ScopeInsert, ScopeModify},
		TokenType:    "Bearer",
	}
	require.NoError(t, WriteStoredToken(TokenPath(dir), doc))

	c, err := Connect(context.Background(), dir, WriteScopes()...)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestOAuthConfig_RequiresSomeCredentials(t *testing.T) {
	_, err := OAuthConfig("", "", "", ReadScopes())
	assert.Error(t, err)

	oc, err := OAuthConfig("", "cid", "cs", ReadScopes())
	require.NoError(t, err)
	assert.Equal(t, "cid", oc.ClientID)
	assert.Equal(t, ReadScopes(), oc.Scopes)
}

func TestOAuthConfig_MissingCredentialsFile(t *testing.T) {
	_, err := OAuthConfig(filepath.Join(t.TempDir(), "absent.json"), "", "", ReadScopes())
	assert.Error(t, err)
}
