// Package platform holds the static catalog of external platforms the
// service can connect. Per-platform endpoint and webhook differences are
// configuration here, not control-flow branches elsewhere.
package platform

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/twinsight/connect/internal/domain"
)

// AuthStyle selects how client credentials accompany token-endpoint calls.
type AuthStyle string

const (
	// AuthStyleBasic sends client_id/client_secret via HTTP Basic auth.
	AuthStyleBasic AuthStyle = "client_secret_basic"
	// AuthStylePost sends client credentials in the form body.
	AuthStylePost AuthStyle = "client_secret_post"
)

// WebhookScheme selects how inbound push notifications are verified.
type WebhookScheme string

const (
	// WebhookNone means the platform pushes no notifications.
	WebhookNone WebhookScheme = ""
	// WebhookHMACSHA256Timestamped verifies hex HMAC-SHA256 over
	// "<timestamp>.<raw body>" with a replay window on the timestamp.
	WebhookHMACSHA256Timestamped WebhookScheme = "hmac_sha256_timestamped"
	// WebhookHMACSHA1 verifies base64 HMAC-SHA1 over the raw body alone.
	WebhookHMACSHA1 WebhookScheme = "hmac_sha1"
	// WebhookVerifyToken compares a shared verify token and answers the
	// subscription challenge handshake; the payload itself is unsigned.
	WebhookVerifyToken WebhookScheme = "verify_token"
)

// Definition describes one platform's endpoints and request shaping.
type Definition struct {
	Name            string            `yaml:"name"`
	DisplayName     string            `yaml:"display_name"`
	AuthURL         string            `yaml:"auth_url"`
	TokenURL        string            `yaml:"token_url"`
	IdentityURL     string            `yaml:"identity_url"`
	IdentityField   string            `yaml:"identity_field"`
	Scopes          []string          `yaml:"scopes"`
	ScopeSeparator  string            `yaml:"scope_separator"`
	ExtraAuthParams map[string]string `yaml:"extra_auth_params"`
	AuthStyle       AuthStyle         `yaml:"auth_style"`
	WebhookScheme   WebhookScheme     `yaml:"webhook_scheme"`
	// IdentityInPath marks platforms whose webhook payload cannot carry a
	// provider-side identity; their endpoint is scoped by internal user id.
	IdentityInPath bool `yaml:"identity_in_path"`
}

// Credentials are the deployment secrets for one platform, read from env.
type Credentials struct {
	ClientID      string
	ClientSecret  string
	WebhookSecret string
}

// Platform is a catalog entry: static definition plus deployment credentials.
type Platform struct {
	Definition
	Credentials
}

// Configured reports whether client credentials are present.
func (p Platform) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// JoinScopes renders the scope list with the platform's separator.
func (p Platform) JoinScopes() string {
	sep := p.ScopeSeparator
	if sep == "" {
		sep = " "
	}
	return strings.Join(p.Scopes, sep)
}

// Catalog looks platforms up by name.
type Catalog struct {
	platforms map[string]Platform
}

// Load builds the catalog from built-in definitions, an optional YAML
// overlay file, and per-platform credentials from the environment
// (<PLATFORM>_CLIENT_ID, <PLATFORM>_CLIENT_SECRET, <PLATFORM>_WEBHOOK_SECRET).
func Load(overlayPath string) (*Catalog, error) {
	defs := make(map[string]Definition, len(builtins))
	for _, def := range builtins {
		defs[def.Name] = def
	}

	if overlayPath != "" {
		overlay, err := loadOverlay(overlayPath)
		if err != nil {
			return nil, err
		}
		for _, def := range overlay {
			name := strings.ToLower(strings.TrimSpace(def.Name))
			if name == "" {
				continue
			}
			def.Name = name
			defs[name] = def
		}
	}

	platforms := make(map[string]Platform, len(defs))
	for name, def := range defs {
		platforms[name] = Platform{
			Definition:  def,
			Credentials: credentialsFromEnv(name),
		}
	}
	return &Catalog{platforms: platforms}, nil
}

func loadOverlay(path string) ([]Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platforms file: %w", err)
	}
	var doc struct {
		Platforms []Definition `yaml:"platforms"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse platforms file: %w", err)
	}
	return doc.Platforms, nil
}

func credentialsFromEnv(name string) Credentials {
	prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return Credentials{
		ClientID:      strings.TrimSpace(os.Getenv(prefix + "_CLIENT_ID")),
		ClientSecret:  strings.TrimSpace(os.Getenv(prefix + "_CLIENT_SECRET")),
		WebhookSecret: strings.TrimSpace(os.Getenv(prefix + "_WEBHOOK_SECRET")),
	}
}

// Get returns the configured platform or ErrUnknownPlatform /
// ErrPlatformNotConfigured.
func (c *Catalog) Get(name string) (Platform, error) {
	p, ok := c.platforms[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Platform{}, fmt.Errorf("platform %q: %w", name, domain.ErrUnknownPlatform)
	}
	if !p.Configured() {
		return Platform{}, fmt.Errorf("platform %q: %w", name, domain.ErrPlatformNotConfigured)
	}
	return p, nil
}

// Lookup returns the catalog entry regardless of credential presence.
func (c *Catalog) Lookup(name string) (Platform, bool) {
	p, ok := c.platforms[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names lists all catalog entries in stable order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.platforms))
	for name := range c.platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
