// Package daemon wires together every other package into the running
// pizauth process: the scheduler event loop, the redirect listener(s),
// the IPC control socket, and the config reload binder (spec.md C8).
package daemon

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pizauth/pizauth/account"
	"github.com/pizauth/pizauth/clock"
	"github.com/pizauth/pizauth/config"
	"github.com/pizauth/pizauth/ipc"
	"github.com/pizauth/pizauth/notify"
	"github.com/pizauth/pizauth/oauth"
	"github.com/pizauth/pizauth/redirect"
	"github.com/pizauth/pizauth/scheduler"
)

// Controller owns everything started by `pizauth server`: it satisfies
// ipc.Daemon so the control socket can drive it, and holds the pieces
// needed to apply a config reload (spec.md §4.1's reload operation).
type Controller struct {
	loop        *scheduler.Loop
	redirectMgr *redirect.Manager
	ipcServer   *ipc.Server
	logger      *zap.Logger
	configPath  string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	mu      sync.Mutex
	current *config.Config
}

// Options bundles what New needs beyond the initial config, letting
// tests substitute a clock.Virtual and a fake TokenClient.
type Options struct {
	ConfigPath string
	SocketPath string
	Clock      clock.Clock
	Client     scheduler.TokenClient
	Notifier   notify.Notifier
	Logger     *zap.Logger
}

// New constructs a Controller, binding the redirect listener(s) and the
// IPC socket. It does not start serving until Run is called.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Client == nil {
		opts.Client = oauth.NewClient()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewDesktop(opts.Logger)
	}

	c := &Controller{
		logger:     opts.Logger,
		configPath: opts.ConfigPath,
		current:    cfg,
		shutdownCh: make(chan struct{}),
	}

	// Bind the redirect listener(s) before building the account table: a
	// redirect_uri with no explicit port binds an ephemeral one, and the
	// account config must carry the actual bound port before anything
	// reads it to build an authorization URL or an exchange request.
	redirectMgr, err := c.buildRedirectManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("daemon: starting redirect listener(s): %w", err)
	}
	c.redirectMgr = redirectMgr

	table := account.NewTable(cfg)
	c.loop = scheduler.New(cfg, table, opts.Clock, opts.Client, opts.Notifier, opts.Logger)

	ipcServer, err := ipc.Listen(opts.SocketPath, c, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("daemon: starting control socket: %w", err)
	}
	c.ipcServer = ipcServer

	return c, nil
}

// buildRedirectManager binds one redirect.Manager for every account in
// cfg, rewriting each account's redirect_uri in place when it named no
// explicit port so later authorization URLs and exchange requests carry
// the port the Manager actually bound (spec.md §4.3).
func (c *Controller) buildRedirectManager(cfg *config.Config) (*redirect.Manager, error) {
	redirectURIs := make([]string, 0, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		redirectURIs = append(redirectURIs, acc.RedirectURI)
	}

	mgr, rewrites, err := redirect.NewManager(redirectURIs, c.onRedirect, c.logger)
	if err != nil {
		return nil, err
	}

	for _, acc := range cfg.Accounts {
		if effective, ok := rewrites[acc.RedirectURI]; ok {
			acc.RedirectURI = effective
		}
	}
	return mgr, nil
}

// Run starts every subsystem and blocks until ctx is cancelled or
// Shutdown is called via the IPC socket.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()
	go c.loop.Run(loopCtx)

	c.redirectMgr.Start()
	defer func() {
		c.mu.Lock()
		mgr := c.redirectMgr
		c.mu.Unlock()
		mgr.Shutdown(context.Background())
	}()

	go func() {
		if err := c.ipcServer.Serve(); err != nil {
			c.logger.Error("ipc server stopped", zap.Error(err))
		}
	}()
	defer c.ipcServer.Close()

	select {
	case <-ctx.Done():
	case <-c.shutdownCh:
	}
	return nil
}

func (c *Controller) onRedirect(ctx context.Context, code, state, errParam, errDesc string) error {
	if errParam != "" {
		return fmt.Errorf("authorization server reported %s: %s", errParam, errDesc)
	}
	return c.loop.Redirect(ctx, code, state)
}

// shutdownError reports spec.md §7's client-visible Shutdown kind: the
// daemon has already begun shutting down and won't service new work.
type shutdownError struct{}

func (*shutdownError) Error() string     { return "daemon is shutting down" }
func (*shutdownError) ErrorKind() string { return "Shutdown" }

// shuttingDown reports whether Shutdown has already been invoked.
func (c *Controller) shuttingDown() bool {
	select {
	case <-c.shutdownCh:
		return true
	default:
		return false
	}
}

// Show implements ipc.Daemon.
func (c *Controller) Show(ctx context.Context, accountID string) (ipc.ShowResult, error) {
	if c.shuttingDown() {
		return ipc.ShowResult{}, &shutdownError{}
	}
	outcome, err := c.loop.Request(ctx, accountID)
	if err != nil {
		return ipc.ShowResult{}, err
	}
	if outcome.Available {
		return ipc.ShowResult{Token: outcome.Token}, nil
	}
	if outcome.ErrorKind != "" {
		return ipc.ShowResult{ErrorKind: string(outcome.ErrorKind), Message: outcome.Reason}, nil
	}
	return ipc.ShowResult{Pending: true}, nil
}

// Refresh implements ipc.Daemon.
func (c *Controller) Refresh(ctx context.Context, accountIDs []string) error {
	if c.shuttingDown() {
		return &shutdownError{}
	}
	for _, id := range accountIDs {
		if err := c.loop.ForceRefresh(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Reload implements ipc.Daemon: re-reads the config file from disk,
// diffs it against the currently running configuration (spec.md
// invariant 4), and applies the delta to the running account table.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()

	next, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("daemon: reload: %w", err)
	}

	delta := prev.Diff(next)
	if err := c.loop.Reload(ctx, next, delta); err != nil {
		return err
	}

	if len(delta.Added) > 0 || len(delta.Removed) > 0 || len(delta.Changed) > 0 {
		if err := c.rebindRedirectListeners(next); err != nil {
			return fmt.Errorf("daemon: reload: %w", err)
		}
	}

	c.mu.Lock()
	c.current = next
	c.mu.Unlock()

	c.logger.Info("config reloaded",
		zap.Strings("unchanged", delta.Unchanged),
		zap.Strings("changed", delta.Changed),
		zap.Strings("added", delta.Added),
		zap.Strings("removed", delta.Removed))
	return nil
}

// rebindRedirectListeners replaces the redirect.Manager wholesale:
// Added/Changed/Removed accounts may have introduced or dropped a
// redirect_uri address or path, and Manager has no incremental update
// path, so a reload simply tears down and rebuilds it against the new
// account set. The brief gap is invisible to users: no redirect can
// legitimately arrive for an account whose authorization flow only
// just started under the new configuration.
func (c *Controller) rebindRedirectListeners(next *config.Config) error {
	c.mu.Lock()
	old := c.redirectMgr
	c.mu.Unlock()
	if err := old.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutting down redirect listeners: %w", err)
	}

	mgr, err := c.buildRedirectManager(next)
	if err != nil {
		return fmt.Errorf("rebinding redirect listeners: %w", err)
	}

	c.mu.Lock()
	c.redirectMgr = mgr
	c.mu.Unlock()

	mgr.Start()
	return nil
}

// Shutdown implements ipc.Daemon.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
	return nil
}
