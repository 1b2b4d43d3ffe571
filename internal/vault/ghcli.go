package vault

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GHHost returns the gh CLI host name for a GitHub instance base URL.
func GHHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || u.Host == "api.github.com" {
		return "github.com"
	}
	return u.Host
}

// GHToken finds the token the gh CLI uses for hostname: GITHUB_TOKEN, then
// the oauth_token in gh's hosts.yml, then gh's entry in the key store.
func GHToken(hostname string) (Secret, error) {
	return ghToken(systemKeyring{}, hostname)
}

func ghToken(ring Keyring, hostname string) (Secret, error) {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return NewSecret(token), nil
	}

	dir := os.Getenv("GH_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Secret{}, fmt.Errorf("could not get home directory: %w", err)
		}
		dir = filepath.Join(home, ".config", "gh")
	}
	data, err := os.ReadFile(filepath.Join(dir, "hosts.yml"))
	if err != nil {
		return Secret{}, fmt.Errorf("no GITHUB_TOKEN and could not read gh config: %w", err)
	}

	var hosts map[string]struct {
		User       string `yaml:"user"`
		OAuthToken string `yaml:"oauth_token"`
	}
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return Secret{}, fmt.Errorf("could not parse gh config: %w", err)
	}
	host, ok := hosts[hostname]
	if !ok {
		return Secret{}, fmt.Errorf("no config for %s in gh hosts.yml", hostname)
	}
	// older gh versions
	if host.OAuthToken != "" {
		return NewSecret(host.OAuthToken), nil
	}
	if host.User == "" {
		return Secret{}, fmt.Errorf("no user configured for %s in gh hosts.yml", hostname)
	}

	service := "gh:" + hostname
	token, err := ring.Get(service, host.User)
	if err != nil {
		return Secret{}, fmt.Errorf("could not get token from keyring (service=%q, user=%q): %w", service, host.User, err)
	}
	return NewSecret(token), nil
}
