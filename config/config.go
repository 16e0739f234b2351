// Package config provides pizauth's configuration types, the parser for
// its account-block file format, and the reload diffing logic the
// daemon's config binder (spec.md C8) uses to decide which accounts keep
// their runtime state across a reload.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Default durations, per spec.md §3.
const (
	DefaultNotifyInterval        = 15 * time.Minute
	DefaultRefreshRetryInterval  = 40 * time.Second
	DefaultRefreshBeforeExpiry   = 90 * time.Second
	DefaultRefreshAtLeast        = 90 * time.Minute
)

// AccountConfig is the immutable-per-reload configuration for one account,
// spec.md §3.
type AccountConfig struct {
	ID                  string
	AuthURI             string
	TokenURI            string
	RedirectURI         string
	ClientID            string
	ClientSecret        string
	Scopes              []string
	LoginHint           string
	RefreshBeforeExpiry time.Duration
	RefreshAtLeast      time.Duration
}

// Equal reports whether two account configurations are byte-identical in
// every field spec.md invariant 4 lists, i.e. whether an account's runtime
// state should survive a reload.
func (a *AccountConfig) Equal(b *AccountConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID ||
		a.AuthURI != b.AuthURI ||
		a.TokenURI != b.TokenURI ||
		a.RedirectURI != b.RedirectURI ||
		a.ClientID != b.ClientID ||
		a.ClientSecret != b.ClientSecret ||
		a.LoginHint != b.LoginHint ||
		a.RefreshBeforeExpiry != b.RefreshBeforeExpiry ||
		a.RefreshAtLeast != b.RefreshAtLeast {
		return false
	}
	if len(a.Scopes) != len(b.Scopes) {
		return false
	}
	for i := range a.Scopes {
		if a.Scopes[i] != b.Scopes[i] {
			return false
		}
	}
	return true
}

// Config is the full, parsed configuration for one daemon instance,
// spec.md §3.
type Config struct {
	NotifyInterval        time.Duration
	RefreshRetryInterval  time.Duration
	Accounts              map[string]*AccountConfig
	// AccountOrder preserves source order, used only by Encode so that
	// round-tripping a file doesn't reorder its accounts.
	AccountOrder []string
}

// New returns an empty Config with global defaults applied.
func New() *Config {
	return &Config{
		NotifyInterval:       DefaultNotifyInterval,
		RefreshRetryInterval: DefaultRefreshRetryInterval,
		Accounts:             make(map[string]*AccountConfig),
	}
}

// Validate checks the mandatory-key and loopback-redirect-uri rules from
// spec.md §6 and §9's second open question. It returns a ConfigError naming
// the first offending account, per spec.md §6 ("missing → reload fails
// with a diagnostic naming the first offender").
func (c *Config) Validate() error {
	for _, id := range c.AccountOrder {
		acc := c.Accounts[id]
		if acc.AuthURI == "" {
			return &Error{Account: id, Msg: "missing auth_uri"}
		}
		if acc.TokenURI == "" {
			return &Error{Account: id, Msg: "missing token_uri"}
		}
		if acc.RedirectURI == "" {
			return &Error{Account: id, Msg: "missing redirect_uri"}
		}
		if acc.ClientID == "" {
			return &Error{Account: id, Msg: "missing client_id"}
		}
		if len(acc.Scopes) == 0 {
			return &Error{Account: id, Msg: "scopes must be non-empty"}
		}
		if err := validateLoopback(acc.RedirectURI); err != nil {
			return &Error{Account: id, Msg: err.Error()}
		}
	}
	return nil
}

// validateLoopback implements spec.md §9's open question: refuse to start
// when redirect_uri names a non-loopback host, since the daemon cannot
// bind to receive such a redirect.
func validateLoopback(redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri %q: %w", redirectURI, err)
	}
	host := u.Hostname()
	switch host {
	case "localhost", "127.0.0.1", "::1", "":
		return nil
	default:
		return fmt.Errorf("redirect_uri %q does not name a loopback host", redirectURI)
	}
}

// Error is pizauth's ConfigError kind (spec.md §7): a syntactic or
// semantic configuration failure naming the offending account or
// location.
type Error struct {
	Account string
	Line    int
	Msg     string
}

func (e *Error) Error() string {
	switch {
	case e.Account != "" && e.Line > 0:
		return fmt.Sprintf("config: account %q: %s (line %d)", e.Account, e.Msg, e.Line)
	case e.Account != "":
		return fmt.Sprintf("config: account %q: %s", e.Account, e.Msg)
	case e.Line > 0:
		return fmt.Sprintf("config: line %d: %s", e.Line, e.Msg)
	default:
		return fmt.Sprintf("config: %s", e.Msg)
	}
}
