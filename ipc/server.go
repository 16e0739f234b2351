package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Daemon is the narrow surface the IPC server drives; daemon.Controller
// implements it by delegating to scheduler.Loop and the config binder,
// keeping this package free of a direct dependency on either.
type Daemon interface {
	Show(ctx context.Context, accountID string) (ShowResult, error)
	Refresh(ctx context.Context, accountIDs []string) error
	Reload(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ShowResult is what a "show" request reports back, spec.md §4.4. A
// live authorization URL is never carried here: it already went out via
// notification when the authentication flow began.
type ShowResult struct {
	Token     string
	Pending   bool
	ErrorKind string
	Message   string
}

// kindedError is implemented by daemon-side errors that carry one of
// spec.md §7's client-visible kinds (e.g. account.UnknownAccountError),
// letting the wire reply include a kind without this package depending
// on the account package.
type kindedError interface {
	error
	ErrorKind() string
}

// errorReply renders err as the tail of an ERROR reply: "<kind>
// <message>" when err carries a kind, otherwise just its message.
func errorReply(err error) string {
	var ke kindedError
	if errors.As(err, &ke) {
		return ke.ErrorKind() + " " + ke.Error()
	}
	return err.Error()
}

// requestTimeout bounds how long the server waits on the Daemon for any
// single request, so one slow account can't wedge the whole socket.
const requestTimeout = 30 * time.Second

// Server listens on a Unix domain socket and serves pizauth's
// line-oriented control protocol.
type Server struct {
	path     string
	daemon   Daemon
	logger   *zap.Logger
	listener net.Listener
}

// Listen creates the socket at path with 0600 permissions, removing a
// stale socket file left behind by a crashed daemon first (spec.md §9:
// "a socket file that nothing is listening on is removed and replaced").
func Listen(path string, daemon Daemon, logger *zap.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ipc: creating socket directory: %w", err)
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: setting socket permissions: %w", err)
	}

	return &Server{path: path, daemon: daemon, logger: logger, listener: ln}, nil
}

// removeStaleSocket deletes path if it exists and nothing accepts
// connections on it; leaves it alone (and lets net.Listen fail loudly)
// if a live daemon is already listening.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("ipc: %s is already in use by a running daemon", path)
	}
	return os.Remove(path)
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)

	if !scanner.Scan() {
		return
	}
	line := scanner.Text()

	req, err := parseRequest(line)
	if err != nil {
		_ = writeReply(w, ReplyError+" "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	reply := s.dispatch(ctx, req)
	if err := writeReply(w, reply); err != nil {
		s.logger.Warn("ipc: writing reply failed", zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, req request) string {
	switch req.verb {
	case "show":
		if len(req.args) != 1 {
			return ReplyError + " show requires exactly one account"
		}
		res, err := s.daemon.Show(ctx, req.args[0])
		if err != nil {
			return ReplyError + " " + errorReply(err)
		}
		switch {
		case res.Token != "":
			return ReplyToken + " " + res.Token
		case res.Pending:
			return ReplyPending
		default:
			return ReplyError + " " + res.ErrorKind + " " + res.Message
		}

	case "refresh":
		if len(req.args) == 0 {
			return ReplyError + " refresh requires at least one account"
		}
		if err := s.daemon.Refresh(ctx, req.args); err != nil {
			return ReplyError + " " + errorReply(err)
		}
		return ReplyOK

	case "reload":
		if err := s.daemon.Reload(ctx); err != nil {
			return ReplyError + " " + errorReply(err)
		}
		return ReplyOK

	case "shutdown":
		if err := s.daemon.Shutdown(ctx); err != nil {
			return ReplyError + " " + errorReply(err)
		}
		return ReplyOK

	default:
		return ReplyError + " unknown verb " + strings.TrimSpace(req.verb)
	}
}
