package oauth

import "net/url"

// AuthURLParams is everything needed to build an authorization URL, per
// spec.md §4.1.
type AuthURLParams struct {
	AuthURI     string
	ClientID    string
	RedirectURI string
	Scopes      []string
	State       string
	LoginHint   string
	PKCE        *PKCE
}

// BuildAuthURL constructs the authorization URL spec.md §4.1 describes:
// response_type=code, client_id, redirect_uri, space-joined scope, state,
// optional login_hint, and PKCE's code_challenge/code_challenge_method.
func BuildAuthURL(p AuthURLParams) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", p.ClientID)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("scope", joinScopes(p.Scopes))
	q.Set("state", p.State)
	if p.LoginHint != "" {
		q.Set("login_hint", p.LoginHint)
	}
	q.Set("code_challenge", p.PKCE.Challenge)
	q.Set("code_challenge_method", "S256")

	return p.AuthURI + "?" + q.Encode()
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}
