// Package provider encapsulates outbound HTTP calls to external platforms'
// OAuth token and identity endpoints.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twinsight/connect/internal/domain"
	"github.com/twinsight/connect/internal/platform"
)

// TokenGrant models a token-endpoint response.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Scope        string
	Raw          map[string]any
}

// ExpiresAt converts the returned lifetime into an absolute expiry. Absent
// lifetime means the token is treated as non-expiring until a refresh
// attempt proves otherwise.
func (g *TokenGrant) ExpiresAt(now time.Time) *time.Time {
	if g.ExpiresIn <= 0 {
		return nil
	}
	at := now.Add(time.Duration(g.ExpiresIn) * time.Second).UTC()
	return &at
}

// Client is the outbound surface the authorization flow and the refresh
// scheduler share.
type Client interface {
	ExchangeCode(ctx context.Context, p platform.Platform, code, redirectURI string) (*TokenGrant, error)
	RefreshGrant(ctx context.Context, p platform.Platform, refreshToken string) (*TokenGrant, error)
	FetchIdentity(ctx context.Context, p platform.Platform, accessToken string) (string, error)
}

// HTTPClient is the default HTTP implementation.
type HTTPClient struct {
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default Client.
func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{httpClient: client}
}

// ExchangeCode performs the authorization-code grant. Any non-success
// response is ErrCodeExchangeFailed and is never retried here: a used code
// cannot be exchanged twice.
func (c *HTTPClient) ExchangeCode(ctx context.Context, p platform.Platform, code, redirectURI string) (*TokenGrant, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)

	grant, _, err := c.tokenRequest(ctx, p, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCodeExchangeFailed, err)
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token", domain.ErrCodeExchangeFailed)
	}
	return grant, nil
}

// RefreshGrant performs the refresh-token grant. Only responses whose OAuth
// error code says the grant or client itself is rejected map to
// ErrTerminalGrant; throttling, timeouts, 5xx, and malformed responses map
// to ErrTransientProvider so the next sweep retries them.
func (c *HTTPClient) RefreshGrant(ctx context.Context, p platform.Platform, refreshToken string) (*TokenGrant, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	grant, _, err := c.tokenRequest(ctx, p, data)
	if err != nil {
		var endpointErr *tokenEndpointError
		if errors.As(err, &endpointErr) && endpointErr.terminal() {
			return nil, fmt.Errorf("%w: %v", domain.ErrTerminalGrant, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientProvider, err)
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token", domain.ErrTransientProvider)
	}
	return grant, nil
}

// tokenEndpointError is a non-2xx token-endpoint response with its parsed
// OAuth error code, kept structured so RefreshGrant can classify it.
type tokenEndpointError struct {
	status int
	code   string
}

func (e *tokenEndpointError) Error() string {
	return fmt.Sprintf("token endpoint status=%d error=%q", e.status, e.code)
}

// terminal reports whether the response proves the grant can never succeed
// again. A 429 or 408 is load shedding, not revocation, and an unrecognized
// 4xx code stays transient: wrongly demoting a live grant to needs_reauth
// costs the user a re-authorization, wrongly retrying costs one sweep cycle.
func (e *tokenEndpointError) terminal() bool {
	if e.status < 400 || e.status >= 500 {
		return false
	}
	if e.status == http.StatusTooManyRequests || e.status == http.StatusRequestTimeout {
		return false
	}
	switch e.code {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	return false
}

// tokenRequest posts a form-encoded grant to the platform's token endpoint
// and decodes the response. The returned status is zero for transport errors.
func (c *HTTPClient) tokenRequest(ctx context.Context, p platform.Platform, data url.Values) (*TokenGrant, int, error) {
	if strings.TrimSpace(p.TokenURL) == "" {
		return nil, 0, fmt.Errorf("token url missing")
	}
	if p.AuthStyle != platform.AuthStyleBasic {
		data.Set("client_id", p.ClientID)
		data.Set("client_secret", p.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if p.AuthStyle == platform.AuthStyleBasic {
		req.SetBasicAuth(p.ClientID, p.ClientSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &tokenEndpointError{status: resp.StatusCode, code: oauthErrorCode(body)}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode token response: %w", err)
	}

	return &TokenGrant{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		ExpiresIn:    int64Value(raw["expires_in"]),
		TokenType:    stringValue(raw["token_type"]),
		Scope:        stringValue(raw["scope"]),
		Raw:          raw,
	}, resp.StatusCode, nil
}

// FetchIdentity loads the provider-side user identifier used to resolve
// inbound webhook events back to an internal user. Platforms without an
// identity endpoint return an empty id.
func (c *HTTPClient) FetchIdentity(ctx context.Context, p platform.Platform, accessToken string) (string, error) {
	if strings.TrimSpace(p.IdentityURL) == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.IdentityURL, nil)
	if err != nil {
		return "", fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read identity response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("identity endpoint status=%d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("decode identity response: %w", err)
	}

	id := stringValue(fieldPath(raw, p.IdentityField))
	if id == "" {
		return "", fmt.Errorf("identity field %q missing", p.IdentityField)
	}
	return id, nil
}

// fieldPath walks a dotted path ("user.encodedId") through nested objects.
func fieldPath(raw map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var current any = raw
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = obj[part]
	}
	return current
}

func oauthErrorCode(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
