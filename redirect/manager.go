package redirect

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"

	"go.uber.org/zap"
)

// Manager runs one Listener per distinct loopback address referenced by
// a set of accounts' redirect_uri values, since accounts frequently
// share a port (or even a path — disambiguation happens by state token,
// not by address).
type Manager struct {
	listeners []*Listener
	logger    *zap.Logger
}

// uriGroup collects every redirect_uri that binds to the same address:
// either an explicit host:port, or (when a redirect_uri names no port at
// all, spec.md §4.3's loopback-any-port case) every no-port redirect_uri
// on a given host, which share a single ephemerally-bound listener.
type uriGroup struct {
	bindAddr string
	paths    []string
	uris     []string
}

// NewManager parses every redirectURI, groups them by bind address, and
// builds one Listener per group, binding an ephemeral port for any
// redirect_uri that named none. It does not start serving until Start.
//
// The returned map holds, for every redirect_uri that had no explicit
// port, its effective form with the actual bound port substituted in —
// the caller must write this back into the corresponding account's
// redirect_uri before it is used to build an authorization URL or an
// exchange request, since the provider must redirect to the port this
// Manager actually bound.
func NewManager(redirectURIs []string, handler Handler, logger *zap.Logger) (*Manager, map[string]string, error) {
	groups := make(map[string]*uriGroup)
	var order []string

	for _, raw := range redirectURIs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("redirect: invalid redirect_uri %q: %w", raw, err)
		}

		host := u.Hostname()
		port := u.Port()
		key := net.JoinHostPort(host, port) // port "" groups every no-port URI on host together

		bindAddr := u.Host
		if port == "" {
			bindAddr = net.JoinHostPort(host, "0")
		}

		path := u.Path
		if path == "" {
			path = "/"
		}

		g, ok := groups[key]
		if !ok {
			g = &uriGroup{bindAddr: bindAddr}
			groups[key] = g
			order = append(order, key)
		}
		g.paths = append(g.paths, path)
		g.uris = append(g.uris, raw)
	}

	sort.Strings(order) // deterministic bind order, mainly for tests

	m := &Manager{logger: logger}
	rewrites := make(map[string]string)
	for _, key := range order {
		g := groups[key]
		l, err := NewListener(g.bindAddr, g.paths, handler, logger)
		if err != nil {
			m.shutdownAll(context.Background())
			return nil, nil, err
		}
		m.listeners = append(m.listeners, l)

		tcpAddr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			continue
		}
		for _, raw := range g.uris {
			u, err := url.Parse(raw)
			if err != nil || u.Port() != "" {
				continue
			}
			u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(tcpAddr.Port))
			rewrites[raw] = u.String()
		}
	}
	return m, rewrites, nil
}

// Start serves every listener on its own goroutine.
func (m *Manager) Start() {
	for _, l := range m.listeners {
		go func(l *Listener) {
			if err := l.Serve(); err != nil {
				m.logger.Error("redirect listener stopped unexpectedly", zap.Error(err))
			}
		}(l)
	}
}

// Shutdown gracefully stops every listener.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.shutdownAll(ctx)
}

func (m *Manager) shutdownAll(ctx context.Context) error {
	var firstErr error
	for _, l := range m.listeners {
		if err := l.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
