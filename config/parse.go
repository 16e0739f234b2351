package config

import (
	"fmt"
	"strconv"
	"time"
)

// Parse parses the contents of a pizauth configuration file, per the
// grammar documented in spec.md §6:
//
//	notify_interval = 15m
//	refresh_retry_interval = 40s
//	account "work" {
//	    auth_uri = "https://example.com/authorize"
//	    token_uri = "https://example.com/token"
//	    redirect_uri = "http://localhost/"
//	    client_id = "abc"
//	    client_secret = "def"
//	    scopes = ["mail.read", "mail.send"]
//	    login_hint = "me@example.com"
//	    refresh_before_expiry = 90s
//	    refresh_at_least = 90m
//	}
func Parse(src string) (*Config, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p.parseConfig()
}

type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.cur.kind != kind {
		return token{}, &Error{Line: p.cur.line, Msg: fmt.Sprintf("expected %s", what)}
	}
	tok := p.cur
	if err := p.advance(); err != nil {
		return token{}, err
	}
	return tok, nil
}

// skipOptSemicolons consumes zero or more statement-separating semicolons;
// the grammar treats newlines as insignificant so ';' is optional.
func (p *parser) skipOptSemicolons() error {
	for p.cur.kind == tokSemicolon {
		if err := p.advance(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseConfig() (*Config, error) {
	cfg := New()

	for p.cur.kind != tokEOF {
		if p.cur.kind != tokIdent {
			return nil, &Error{Line: p.cur.line, Msg: "expected a top-level key or account block"}
		}
		key := p.cur.val
		line := p.cur.line
		if err := p.advance(); err != nil {
			return nil, err
		}

		switch key {
		case "account":
			if err := p.parseAccount(cfg); err != nil {
				return nil, err
			}
		case "notify_interval", "refresh_retry_interval":
			if _, err := p.expect(tokEquals, "'='"); err != nil {
				return nil, err
			}
			d, err := p.parseDurationValue()
			if err != nil {
				return nil, err
			}
			if key == "notify_interval" {
				cfg.NotifyInterval = d
			} else {
				cfg.RefreshRetryInterval = d
			}
		default:
			return nil, &Error{Line: line, Msg: fmt.Sprintf("unknown top-level key %q", key)}
		}

		if err := p.skipOptSemicolons(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (p *parser) parseAccount(cfg *Config) error {
	idTok, err := p.expect(tokString, "account identifier string")
	if err != nil {
		return err
	}
	id := idTok.val
	if _, exists := cfg.Accounts[id]; exists {
		return &Error{Account: id, Line: idTok.line, Msg: "duplicate account identifier"}
	}

	if _, err := p.expect(tokLBrace, "'{'"); err != nil {
		return err
	}

	acc := &AccountConfig{
		ID:                  id,
		RefreshBeforeExpiry: DefaultRefreshBeforeExpiry,
		RefreshAtLeast:      DefaultRefreshAtLeast,
	}

	for p.cur.kind != tokRBrace {
		if p.cur.kind == tokEOF {
			return &Error{Account: id, Msg: "unterminated account block"}
		}
		if p.cur.kind != tokIdent {
			return &Error{Account: id, Line: p.cur.line, Msg: "expected a field name"}
		}
		field := p.cur.val
		line := p.cur.line
		if err := p.advance(); err != nil {
			return err
		}
		if _, err := p.expect(tokEquals, "'='"); err != nil {
			return err
		}

		switch field {
		case "auth_uri":
			s, err := p.parseStringValue()
			if err != nil {
				return err
			}
			acc.AuthURI = s
		case "token_uri":
			s, err := p.parseStringValue()
			if err != nil {
				return err
			}
			acc.TokenURI = s
		case "redirect_uri":
			s, err := p.parseStringValue()
			if err != nil {
				return err
			}
			acc.RedirectURI = s
		case "client_id":
			s, err := p.parseStringValue()
			if err != nil {
				return err
			}
			acc.ClientID = s
		case "client_secret":
			s, err := p.parseStringValue()
			if err != nil {
				return err
			}
			acc.ClientSecret = s
		case "login_hint":
			s, err := p.parseStringValue()
			if err != nil {
				return err
			}
			acc.LoginHint = s
		case "scopes":
			list, err := p.parseStringList()
			if err != nil {
				return err
			}
			acc.Scopes = list
		case "refresh_before_expiry":
			d, err := p.parseDurationValue()
			if err != nil {
				return err
			}
			acc.RefreshBeforeExpiry = d
		case "refresh_at_least":
			d, err := p.parseDurationValue()
			if err != nil {
				return err
			}
			acc.RefreshAtLeast = d
		default:
			return &Error{Account: id, Line: line, Msg: fmt.Sprintf("unknown account field %q", field)}
		}

		if err := p.skipOptSemicolons(); err != nil {
			return err
		}
	}

	if err := p.advance(); err != nil { // consume '}'
		return err
	}

	cfg.Accounts[id] = acc
	cfg.AccountOrder = append(cfg.AccountOrder, id)
	return nil
}

func (p *parser) parseStringValue() (string, error) {
	tok, err := p.expect(tokString, "a string")
	if err != nil {
		return "", err
	}
	return tok.val, nil
}

func (p *parser) parseDurationValue() (time.Duration, error) {
	if p.cur.kind != tokDuration {
		return 0, &Error{Line: p.cur.line, Msg: "expected a duration literal (e.g. 90s, 15m, 1h)"}
	}
	tok := p.cur
	if err := p.advance(); err != nil {
		return 0, err
	}
	return parseDurationLiteral(tok.val)
}

func parseDurationLiteral(lit string) (time.Duration, error) {
	unit := lit[len(lit)-1]
	n, err := strconv.Atoi(lit[:len(lit)-1])
	if err != nil {
		return 0, &Error{Msg: fmt.Sprintf("invalid duration literal %q", lit)}
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, &Error{Msg: fmt.Sprintf("invalid duration unit in %q", lit)}
	}
}

func (p *parser) parseStringList() ([]string, error) {
	if _, err := p.expect(tokLBracket, "'['"); err != nil {
		return nil, err
	}
	var out []string
	for p.cur.kind != tokRBracket {
		if p.cur.kind == tokEOF {
			return nil, &Error{Msg: "unterminated scope list"}
		}
		s, err := p.parseStringValue()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		if p.cur.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if err := p.advance(); err != nil { // consume ']'
		return nil, err
	}
	return out, nil
}
