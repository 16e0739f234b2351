package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Encode serializes cfg back to pizauth's configuration grammar. Together
// with Parse it satisfies spec.md §8's round-trip testable property:
// Parse(Encode(cfg)) is semantically equal to cfg.
func (c *Config) Encode(w io.Writer) error {
	if c.NotifyInterval != DefaultNotifyInterval {
		if _, err := fmt.Fprintf(w, "notify_interval = %s\n", encodeDuration(c.NotifyInterval)); err != nil {
			return err
		}
	}
	if c.RefreshRetryInterval != DefaultRefreshRetryInterval {
		if _, err := fmt.Fprintf(w, "refresh_retry_interval = %s\n", encodeDuration(c.RefreshRetryInterval)); err != nil {
			return err
		}
	}

	for _, id := range c.AccountOrder {
		acc := c.Accounts[id]
		if err := encodeAccount(w, acc); err != nil {
			return err
		}
	}
	return nil
}

func encodeAccount(w io.Writer, acc *AccountConfig) error {
	if _, err := fmt.Fprintf(w, "account %s {\n", quote(acc.ID)); err != nil {
		return err
	}
	fields := []struct {
		key, val string
		omit     bool
	}{
		{"auth_uri", quote(acc.AuthURI), false},
		{"token_uri", quote(acc.TokenURI), false},
		{"redirect_uri", quote(acc.RedirectURI), false},
		{"client_id", quote(acc.ClientID), false},
		{"client_secret", quote(acc.ClientSecret), acc.ClientSecret == ""},
		{"login_hint", quote(acc.LoginHint), acc.LoginHint == ""},
	}
	for _, f := range fields {
		if f.omit {
			continue
		}
		if _, err := fmt.Fprintf(w, "    %s = %s\n", f.key, f.val); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(w, "    scopes = [%s]\n", encodeStringList(acc.Scopes)); err != nil {
		return err
	}
	if acc.RefreshBeforeExpiry != DefaultRefreshBeforeExpiry {
		if _, err := fmt.Fprintf(w, "    refresh_before_expiry = %s\n", encodeDuration(acc.RefreshBeforeExpiry)); err != nil {
			return err
		}
	}
	if acc.RefreshAtLeast != DefaultRefreshAtLeast {
		if _, err := fmt.Fprintf(w, "    refresh_at_least = %s\n", encodeDuration(acc.RefreshAtLeast)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "}\n")
	return err
}

func encodeStringList(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = quote(v)
	}
	return strings.Join(quoted, ", ")
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// encodeDuration picks the largest whole unit (d, h, m, s) that represents
// d exactly, to keep round-tripped output close to hand-written configs.
func encodeDuration(d time.Duration) string {
	for _, u := range []struct {
		unit byte
		size time.Duration
	}{
		{'d', 24 * time.Hour},
		{'h', time.Hour},
		{'m', time.Minute},
		{'s', time.Second},
	} {
		if d%u.size == 0 {
			return strconv.FormatInt(int64(d/u.size), 10) + string(u.unit)
		}
	}
	return strconv.FormatInt(int64(d/time.Second), 10) + "s"
}
