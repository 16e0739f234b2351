package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
notify_interval = 30m
refresh_retry_interval = 1m

account "work" {
    auth_uri = "https://idp.example.com/authorize"
    token_uri = "https://idp.example.com/token"
    redirect_uri = "http://localhost:0/"
    client_id = "abc123"
    client_secret = "s3cret"
    scopes = ["mail.read", "mail.send"]
    login_hint = "me@example.com"
    refresh_before_expiry = 60s
    refresh_at_least = 45m
}

account "personal" {
    auth_uri = "https://other.example.com/authorize"
    token_uri = "https://other.example.com/token"
    redirect_uri = "http://localhost/"
    client_id = "xyz"
    scopes = ["offline_access"]
}
`

func TestParseBasic(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.NotifyInterval)
	assert.Equal(t, time.Minute, cfg.RefreshRetryInterval)
	require.Len(t, cfg.Accounts, 2)

	work := cfg.Accounts["work"]
	require.NotNil(t, work)
	assert.Equal(t, []string{"mail.read", "mail.send"}, work.Scopes)
	assert.Equal(t, 60*time.Second, work.RefreshBeforeExpiry)
	assert.Equal(t, 45*time.Minute, work.RefreshAtLeast)
	assert.Equal(t, "me@example.com", work.LoginHint)

	personal := cfg.Accounts["personal"]
	require.NotNil(t, personal)
	assert.Equal(t, DefaultRefreshBeforeExpiry, personal.RefreshBeforeExpiry)
	assert.Equal(t, DefaultRefreshAtLeast, personal.RefreshAtLeast)
	assert.Equal(t, "", personal.ClientSecret)
}

func TestValidateMissingMandatoryKey(t *testing.T) {
	cfg, err := Parse(`account "broken" {
        token_uri = "https://x/token"
        redirect_uri = "http://localhost/"
        client_id = "abc"
        scopes = ["a"]
    }`)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "broken", cerr.Account)
	assert.Contains(t, cerr.Error(), "auth_uri")
}

func TestValidateRejectsNonLoopbackRedirect(t *testing.T) {
	cfg, err := Parse(`account "remote" {
        auth_uri = "https://x/authorize"
        token_uri = "https://x/token"
        redirect_uri = "https://not-loopback.example.com/cb"
        client_id = "abc"
        scopes = ["a"]
    }`)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loopback")
}

func TestDuplicateAccountRejected(t *testing.T) {
	_, err := Parse(`
account "dup" { auth_uri = "https://x/a" token_uri = "https://x/t" redirect_uri = "http://localhost/" client_id = "a" scopes = ["s"] }
account "dup" { auth_uri = "https://x/a" token_uri = "https://x/t" redirect_uri = "http://localhost/" client_id = "a" scopes = ["s"] }
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRoundTrip(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, cfg.Encode(&buf))

	reparsed, err := Parse(buf.String())
	require.NoError(t, err)

	assert.Equal(t, cfg.NotifyInterval, reparsed.NotifyInterval)
	assert.Equal(t, cfg.RefreshRetryInterval, reparsed.RefreshRetryInterval)
	require.Len(t, reparsed.Accounts, len(cfg.Accounts))
	for id, acc := range cfg.Accounts {
		other, ok := reparsed.Accounts[id]
		require.True(t, ok)
		assert.True(t, acc.Equal(other), "account %s did not round-trip", id)
	}
}

func TestIdempotentReload(t *testing.T) {
	cfg1, err := Parse(sampleConfig)
	require.NoError(t, err)
	cfg2, err := Parse(sampleConfig)
	require.NoError(t, err)

	d := cfg1.Diff(cfg2)
	assert.ElementsMatch(t, []string{"work", "personal"}, d.Unchanged)
	assert.Empty(t, d.Changed)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
}

func TestDiffClassifiesChangedAddedRemoved(t *testing.T) {
	oldCfg, err := Parse(`
account "a" { auth_uri = "https://x/a" token_uri = "https://x/t" redirect_uri = "http://localhost/" client_id = "1" scopes = ["s"] }
account "b" { auth_uri = "https://x/a" token_uri = "https://x/t" redirect_uri = "http://localhost/" client_id = "1" scopes = ["s"] }
account "d" { auth_uri = "https://x/a" token_uri = "https://x/t" redirect_uri = "http://localhost/" client_id = "1" scopes = ["s"] }
`)
	require.NoError(t, err)

	newCfg, err := Parse(`
account "a" { auth_uri = "https://x/a" token_uri = "https://x/t" redirect_uri = "http://localhost/" client_id = "1" scopes = ["s"] }
account "b" { auth_uri = "https://x/a" token_uri = "https://x/t" redirect_uri = "http://localhost/" client_id = "CHANGED" scopes = ["s"] }
account "c" { auth_uri = "https://x/a" token_uri = "https://x/t" redirect_uri = "http://localhost/" client_id = "1" scopes = ["s"] }
`)
	require.NoError(t, err)

	d := oldCfg.Diff(newCfg)
	assert.ElementsMatch(t, []string{"a"}, d.Unchanged)
	assert.ElementsMatch(t, []string{"b"}, d.Changed)
	assert.ElementsMatch(t, []string{"c"}, d.Added)
	assert.ElementsMatch(t, []string{"d"}, d.Removed)
}

func TestDurationLiteralUnits(t *testing.T) {
	cfg, err := Parse(`notify_interval = 2h
refresh_retry_interval = 1d
`)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.NotifyInterval)
	assert.Equal(t, 24*time.Hour, cfg.RefreshRetryInterval)
}

func TestInvalidDurationUnit(t *testing.T) {
	_, err := Parse(`notify_interval = 5x`)
	require.Error(t, err)
}
