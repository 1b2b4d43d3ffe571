package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func writeHosts(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hosts.yml"), []byte(content), 0o600))
	t.Setenv("GH_CONFIG_DIR", dir)
	t.Setenv("GITHUB_TOKEN", "")
}

func TestGHHost(t *testing.T) {
	assert.Equal(t, "github.com", GHHost(""))
	assert.Equal(t, "github.com", GHHost("https://api.github.com"))
	assert.Equal(t, "ghe.example.com", GHHost("https://ghe.example.com/api"))
}

func TestGHTokenFromEnv(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "from-env")
	tok, err := GHToken("github.com")
	require.NoError(t, err)
	assert.Equal(t, "from-env", tok.Reveal())
}

func TestGHTokenFromHostsFile(t *testing.T) {
	writeHosts(t, "github.com:\n    user: octo\n    oauth_token: gho_legacy\n")
	tok, err := GHToken("github.com")
	require.NoError(t, err)
	assert.Equal(t, "gho_legacy", tok.Reveal())

	_, err = GHToken("ghe.example.com")
	assert.ErrorContains(t, err, "no config for ghe.example.com")
}

func TestGHTokenFromKeyring(t *testing.T) {
	keyring.MockInit()
	writeHosts(t, "github.com:\n    user: octo\n    git_protocol: https\n")
	require.NoError(t, keyring.Set("gh:github.com", "octo", "gho_secret"))

	tok, err := GHToken("github.com")
	require.NoError(t, err)
	assert.Equal(t, "gho_secret", tok.Reveal())

	require.NoError(t, keyring.Delete("gh:github.com", "octo"))
	_, err = GHToken("github.com")
	assert.ErrorContains(t, err, `service="gh:github.com"`)
}

func TestGHTokenNoUser(t *testing.T) {
	writeHosts(t, "github.com:\n    git_protocol: ssh\n")
	_, err := GHToken("github.com")
	assert.ErrorContains(t, err, "no user configured")
}
