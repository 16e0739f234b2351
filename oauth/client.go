package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultRequestTimeout is the hard per-request deadline spec.md §5
// requires ("each outbound HTTP request carries a hard deadline (default
// 30s)").
const DefaultRequestTimeout = 30 * time.Second

// TokenResponse is the token endpoint's JSON body, per spec.md §6.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    *int   `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// Error is pizauth's OAuthError kind (spec.md §7): a well-formed error
// response from the token endpoint.
type Error struct {
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("oauth: %s", e.Code)
}

// Permanent reports whether the server-reported error code means the
// refresh/exchange can never succeed without a fresh authorization
// (spec.md §7's distinction between Transport and a terminal OAuthError).
func (e *Error) Permanent() bool {
	switch e.Code {
	case "invalid_grant", "unauthorized_client", "access_denied":
		return true
	default:
		return false
	}
}

// Client performs synchronous token-endpoint POSTs, grounded on the
// teacher's auth.ExchangeCodeForTokens / auth.RefreshTokens.
type Client struct {
	HTTPClient *http.Client
}

// NewClient returns a Client whose requests time out after
// DefaultRequestTimeout.
func NewClient() *Client {
	return &Client{HTTPClient: &http.Client{Timeout: DefaultRequestTimeout}}
}

// ExchangeCodeParams is the request body for the authorization_code grant,
// spec.md §6.
type ExchangeCodeParams struct {
	TokenURI     string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// ExchangeCode performs the authorization-code token exchange.
func (c *Client) ExchangeCode(ctx context.Context, p ExchangeCodeParams) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {p.Code},
		"redirect_uri":  {p.RedirectURI},
		"client_id":     {p.ClientID},
		"client_secret": {p.ClientSecret},
		"code_verifier": {p.CodeVerifier},
	}
	return c.post(ctx, p.TokenURI, form)
}

// RefreshParams is the request body for the refresh_token grant, spec.md
// §6.
type RefreshParams struct {
	TokenURI     string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// Refresh performs the refresh-token token exchange.
func (c *Client) Refresh(ctx context.Context, p RefreshParams) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {p.RefreshToken},
		"client_id":     {p.ClientID},
		"client_secret": {p.ClientSecret},
	}
	return c.post(ctx, p.TokenURI, form)
}

func (c *Client) post(ctx context.Context, tokenURI string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oauth: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &errBody) == nil && errBody.Error != "" {
			return nil, &Error{Code: errBody.Error, Description: errBody.ErrorDescription}
		}
		return nil, fmt.Errorf("oauth: token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("oauth: parsing response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("oauth: response missing access_token")
	}

	return &tokenResp, nil
}
