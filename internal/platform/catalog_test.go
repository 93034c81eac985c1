package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twinsight/connect/internal/domain"
)

func TestCatalog_GetBuiltin(t *testing.T) {
	t.Setenv("SPOTIFY_CLIENT_ID", "client")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "secret")

	catalog, err := Load("")
	require.NoError(t, err)

	p, err := catalog.Get("spotify")
	require.NoError(t, err)
	require.Equal(t, "https://accounts.spotify.com/api/token", p.TokenURL)
	require.Equal(t, AuthStyleBasic, p.AuthStyle)
	require.Equal(t, "client", p.ClientID)
}

func TestCatalog_GetIsCaseInsensitive(t *testing.T) {
	t.Setenv("SPOTIFY_CLIENT_ID", "client")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "secret")

	catalog, err := Load("")
	require.NoError(t, err)

	_, err = catalog.Get("  Spotify ")
	require.NoError(t, err)
}

func TestCatalog_UnknownPlatform(t *testing.T) {
	catalog, err := Load("")
	require.NoError(t, err)

	_, err = catalog.Get("myspace")
	require.ErrorIs(t, err, domain.ErrUnknownPlatform)
}

func TestCatalog_MissingCredentials(t *testing.T) {
	t.Setenv("STRAVA_CLIENT_ID", "")
	t.Setenv("STRAVA_CLIENT_SECRET", "")

	catalog, err := Load("")
	require.NoError(t, err)

	_, err = catalog.Get("strava")
	require.ErrorIs(t, err, domain.ErrPlatformNotConfigured)
}

func TestCatalog_OverlayExtendsAndReplaces(t *testing.T) {
	overlay := `
platforms:
  - name: oura
    display_name: Oura
    auth_url: https://cloud.ouraring.com/oauth/authorize
    token_url: https://api.ouraring.com/oauth/token
    scopes: [daily, heartrate]
    auth_style: client_secret_post
  - name: spotify
    display_name: Spotify
    auth_url: https://accounts.spotify.com/authorize
    token_url: https://example.test/override/token
    auth_style: client_secret_basic
`
	path := filepath.Join(t.TempDir(), "platforms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o600))

	t.Setenv("OURA_CLIENT_ID", "oura-client")
	t.Setenv("OURA_CLIENT_SECRET", "oura-secret")
	t.Setenv("SPOTIFY_CLIENT_ID", "client")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "secret")

	catalog, err := Load(path)
	require.NoError(t, err)

	oura, err := catalog.Get("oura")
	require.NoError(t, err)
	require.Equal(t, "https://api.ouraring.com/oauth/token", oura.TokenURL)
	require.Equal(t, AuthStylePost, oura.AuthStyle)

	spotify, err := catalog.Get("spotify")
	require.NoError(t, err)
	require.Equal(t, "https://example.test/override/token", spotify.TokenURL)
}

func TestCatalog_OverlayBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platforms: {not: a list}"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestPlatform_JoinScopes(t *testing.T) {
	p := Platform{Definition: Definition{Scopes: []string{"a", "b"}}}
	require.Equal(t, "a b", p.JoinScopes())

	p.ScopeSeparator = ","
	require.Equal(t, "a,b", p.JoinScopes())
}
