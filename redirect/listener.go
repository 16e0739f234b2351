// Package redirect implements the loopback HTTP listener(s) that catch
// the OAuth authorization server's browser redirect (spec.md §4.1, C3),
// grounded on the teacher's auth.CallbackServer.
package redirect

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Handler is called with the query parameters of every redirect request
// a Listener accepts; it returns the error to report to the browser (nil
// means "accepted").
type Handler func(ctx context.Context, code, state, errParam, errDescription string) error

// readWriteTimeout mirrors the teacher's CallbackServer ReadTimeout /
// WriteTimeout of 10s, generous for a same-host browser round trip.
const readWriteTimeout = 10 * time.Second

// Listener serves one loopback address, matching every account whose
// redirect_uri resolves to that address (accounts may share an address
// but use distinct paths, or share a path entirely — state-token lookup,
// not the path, is what identifies the account).
type Listener struct {
	addr     string
	handler  Handler
	logger   *zap.Logger
	server   *http.Server
	listener net.Listener
}

// NewListener builds a Listener bound to addr, routing every path in
// paths to handler. It does not start serving until Serve is called,
// mirroring auth.NewCallbackServer + Start being separate steps.
func NewListener(addr string, paths []string, handler Handler, logger *zap.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("redirect: binding %s: %w", addr, err)
	}

	l := &Listener{addr: addr, handler: handler, logger: logger, listener: ln}

	mux := http.NewServeMux()
	for _, p := range dedupePaths(paths) {
		mux.HandleFunc(p, l.handle)
	}
	l.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  readWriteTimeout,
		WriteTimeout: readWriteTimeout,
	}

	return l, nil
}

func dedupePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			p = "/"
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// Addr returns the bound address, useful when redirect_uri requested an
// ephemeral port (":0") and the actual port must be substituted back in.
func (l *Listener) Addr() net.Addr { return l.listener.Addr() }

// Serve runs the HTTP server until Shutdown is called. It is meant to be
// called in its own goroutine.
func (l *Listener) Serve() error {
	if err := l.server.Serve(l.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	errParam := q.Get("error")
	errDesc := q.Get("error_description")

	if errParam == "" && code == "" {
		l.renderError(w, http.StatusBadRequest, "no authorization code was received")
		return
	}

	err := l.handler(r.Context(), code, state, errParam, errDesc)
	if err != nil {
		l.logger.Warn("redirect rejected", zap.Error(err), zap.String("state", state))
		l.renderError(w, http.StatusBadRequest, err.Error())
		return
	}
	l.renderSuccess(w)
}

func (l *Listener) renderSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!DOCTYPE html><html><head><title>pizauth</title></head>
<body><h1>Authentication successful</h1><p>You can close this window.</p></body></html>`)
}

func (l *Listener) renderError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>pizauth</title></head>
<body><h1>Authentication failed</h1><p>%s</p></body></html>`, html.EscapeString(msg))
}
