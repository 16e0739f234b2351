// Package scheduler implements pizauth's single-goroutine event loop
// (spec.md §5, §9): it owns the account.Table exclusively, multiplexes
// IPC/redirect/timer input over one select, and offloads the actual
// OAuth HTTP calls to a bounded worker pool that reports back onto the
// loop goroutine rather than mutating state directly.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pizauth/pizauth/account"
	"github.com/pizauth/pizauth/clock"
	"github.com/pizauth/pizauth/config"
	"github.com/pizauth/pizauth/notify"
	"github.com/pizauth/pizauth/oauth"
)

// TokenClient is the subset of oauth.Client the scheduler's workers call.
// Satisfied by *oauth.Client; tests substitute a fake.
type TokenClient interface {
	ExchangeCode(ctx context.Context, p oauth.ExchangeCodeParams) (*oauth.TokenResponse, error)
	Refresh(ctx context.Context, p oauth.RefreshParams) (*oauth.TokenResponse, error)
}

// maxConcurrentWork bounds the worker pool, spec.md §5's "a small bounded
// number of outbound HTTP requests in flight at once".
const maxConcurrentWork = 4

// Loop is pizauth's event loop. Every exported method other than Run is
// safe to call from any goroutine: each submits a message and blocks for
// a reply, never touching the account.Table directly.
type Loop struct {
	clock    clock.Clock
	table    *account.Table
	client   TokenClient
	notifier notify.Notifier
	logger   *zap.Logger

	notifyInterval       time.Duration
	refreshRetryInterval time.Duration

	events   chan interface{}
	results  chan func()
	workSem  chan struct{}
	stopOnce chan struct{}
}

// New builds a Loop ready to Run. cfg supplies the global timing
// defaults; table should already be populated (account.NewTable(cfg)).
func New(cfg *config.Config, table *account.Table, clk clock.Clock, client TokenClient, notifier notify.Notifier, logger *zap.Logger) *Loop {
	return &Loop{
		clock:                clk,
		table:                table,
		client:               client,
		notifier:             notifier,
		logger:               logger,
		notifyInterval:       cfg.NotifyInterval,
		refreshRetryInterval: cfg.RefreshRetryInterval,
		events:               make(chan interface{}),
		results:              make(chan func()),
		workSem:              make(chan struct{}, maxConcurrentWork),
		stopOnce:             make(chan struct{}),
	}
}

type requestMsg struct {
	accountID string
	reply     chan requestReply
}

type requestReply struct {
	outcome account.Outcome
	err     error
}

type forceRefreshMsg struct {
	accountID string
	reply     chan error
}

type redirectMsg struct {
	code, state string
	reply       chan error
}

type reloadMsg struct {
	cfg   *config.Config
	delta config.Delta
	reply chan error
}

type shutdownMsg struct{}

// Request asks the loop for a usable token for accountID, blocking until
// the loop goroutine replies or ctx is done. Implements spec.md §4.4's
// IPC "show"/token-request verb.
func (l *Loop) Request(ctx context.Context, accountID string) (account.Outcome, error) {
	reply := make(chan requestReply, 1)
	select {
	case l.events <- requestMsg{accountID: accountID, reply: reply}:
	case <-ctx.Done():
		return account.Outcome{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return account.Outcome{}, ctx.Err()
	}
}

// ForceRefresh asks the loop to force a refresh of accountID, spec.md
// §4.4's "refresh" IPC verb.
func (l *Loop) ForceRefresh(ctx context.Context, accountID string) error {
	reply := make(chan error, 1)
	select {
	case l.events <- forceRefreshMsg{accountID: accountID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Redirect feeds a completed OAuth redirect (code, state) into the loop,
// spec.md §4.1's on_redirect operation, called by the redirect listener.
func (l *Loop) Redirect(ctx context.Context, code, state string) error {
	reply := make(chan error, 1)
	select {
	case l.events <- redirectMsg{code: code, state: state, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reload applies a new configuration, spec.md §4.1's reload operation
// (C8's binder), blocking until the loop has applied it.
func (l *Loop) Reload(ctx context.Context, cfg *config.Config, delta config.Delta) error {
	reply := make(chan error, 1)
	select {
	case l.events <- reloadMsg{cfg: cfg, delta: delta, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown asks the loop to stop at its next opportunity; Run returns as
// soon as it receives the request, without applying the results of any
// worker calls still in flight.
func (l *Loop) Shutdown() {
	select {
	case l.events <- shutdownMsg{}:
	case <-l.stopOnce:
	}
}

// Run is the event loop itself. It owns l.table exclusively until it
// returns.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.stopOnce)

	for {
		now := l.clock.Now()
		item, hasTimer := l.nextTimerItem(now)

		var timerCh <-chan time.Time
		if hasTimer {
			timerCh = l.clock.After(item.deadline.Sub(now))
		}

		select {
		case <-ctx.Done():
			return

		case <-timerCh:
			l.fireTimer(item, l.clock.Now())

		case fn := <-l.results:
			fn()

		case ev := <-l.events:
			if _, isShutdown := ev.(shutdownMsg); isShutdown {
				return
			}
			l.handle(ev)
		}
	}
}

func (l *Loop) handle(ev interface{}) {
	now := l.clock.Now()
	switch m := ev.(type) {
	case requestMsg:
		outcome, work, authEv, err := l.table.Request(m.accountID, now)
		l.dispatch(m.accountID, work)
		l.surface(authEv)
		m.reply <- requestReply{outcome: outcome, err: err}

	case forceRefreshMsg:
		work, authEv, err := l.table.ForceRefresh(m.accountID, now)
		l.dispatch(m.accountID, work)
		l.surface(authEv)
		m.reply <- err

	case redirectMsg:
		m.reply <- l.handleRedirect(m.code, m.state, now)

	case reloadMsg:
		l.table.Reload(m.cfg, m.delta)
		l.notifyInterval = m.cfg.NotifyInterval
		l.refreshRetryInterval = m.cfg.RefreshRetryInterval
		m.reply <- nil

	default:
		l.logger.Warn("scheduler: unknown event type", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (l *Loop) handleRedirect(code, state string, now time.Time) error {
	rec, ok := l.table.OnRedirect(state)
	if !ok {
		return fmt.Errorf("pizauth: no pending authentication matches that redirect")
	}
	l.dispatchExchange(rec.ID, rec.Config, rec.Pending.CodeVerifier, code)
	return nil
}

// dispatch starts the HTTP work a transition requested, if any.
func (l *Loop) dispatch(accountID string, work account.Work) {
	if work.Kind == account.WorkRefresh {
		l.dispatchRefresh(accountID)
	}
}

func (l *Loop) dispatchRefresh(accountID string) {
	rec := l.table.Get(accountID)
	if rec == nil || rec.RefreshingState == nil {
		return
	}
	cfg := rec.Config
	refreshToken := rec.RefreshingState.Prior.RefreshToken
	corrID := uuid.NewString()

	runWorkGeneric(l, func() account.RefreshResult {
		l.logger.Debug("dispatching refresh", zap.String("account", accountID), zap.String("correlation_id", corrID))
		resp, err := l.client.Refresh(context.Background(), oauth.RefreshParams{
			TokenURI:     cfg.TokenURI,
			RefreshToken: refreshToken,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		})
		if err != nil {
			return account.RefreshResult{Err: err}
		}
		return account.RefreshResult{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken, ExpiresIn: resp.ExpiresIn}
	}, func(res account.RefreshResult) {
		l.completeRefresh(accountID, res)
	})
}

func (l *Loop) dispatchExchange(accountID string, cfg *config.AccountConfig, verifier, code string) {
	corrID := uuid.NewString()

	runWorkGeneric(l, func() account.ExchangeResult {
		l.logger.Debug("dispatching code exchange", zap.String("account", accountID), zap.String("correlation_id", corrID))
		resp, err := l.client.ExchangeCode(context.Background(), oauth.ExchangeCodeParams{
			TokenURI:     cfg.TokenURI,
			Code:         code,
			RedirectURI:  cfg.RedirectURI,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			CodeVerifier: verifier,
		})
		if err != nil {
			return account.ExchangeResult{Err: err}
		}
		return account.ExchangeResult{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken, ExpiresIn: resp.ExpiresIn}
	}, func(res account.ExchangeResult) {
		l.completeExchange(accountID, res)
	})
}

// runWorkGeneric runs do() on a bounded worker goroutine and posts apply(result)
// back onto the loop goroutine via l.results, so every mutation of
// l.table still happens on the single owning goroutine.
func runWorkGeneric[T any](l *Loop, do func() T, apply func(T)) {
	l.workSem <- struct{}{}
	go func() {
		defer func() { <-l.workSem }()
		res := do()
		l.results <- func() { apply(res) }
	}()
}

func (l *Loop) completeExchange(accountID string, res account.ExchangeResult) {
	rec := l.table.Get(accountID)
	if rec == nil {
		return
	}
	now := l.clock.Now()
	authEv := rec.OnExchangeResult(now, res)
	l.surface(authEv)
}

func (l *Loop) completeRefresh(accountID string, res account.RefreshResult) {
	rec := l.table.Get(accountID)
	if rec == nil {
		return
	}
	now := l.clock.Now()
	_, authEv := rec.OnRefreshResult(now, res, l.refreshRetryInterval)
	l.surface(authEv)
}

// surface turns a non-nil account.AuthEvent into a notification.
func (l *Loop) surface(ev *account.AuthEvent) {
	if ev == nil {
		return
	}
	switch {
	case ev.Failed:
		l.notify(ev.AccountID, fmt.Sprintf("pizauth: %s needs attention", ev.AccountID),
			"authentication failed; a fresh login is required")
	case ev.Reminder:
		l.notify(ev.AccountID, fmt.Sprintf("pizauth: %s still needs authentication", ev.AccountID), ev.URL)
	default:
		l.notify(ev.AccountID, fmt.Sprintf("pizauth: %s needs authentication", ev.AccountID), ev.URL)
	}
}

func (l *Loop) notify(accountID, title, body string) {
	if err := l.notifier.Notify(title, body); err != nil {
		l.logger.Warn("notification failed", zap.String("account", accountID), zap.Error(err))
	}
}

// fireTimer acts on the earliest scheduled deadline once it arrives.
func (l *Loop) fireTimer(item timerItem, now time.Time) {
	rec := l.table.Get(item.accountID)
	if rec == nil {
		return
	}
	switch item.kind {
	case timerRefresh:
		work := rec.RefreshDue(now)
		l.dispatch(item.accountID, work)
	case timerNotify:
		authEv, err := rec.Reminder(now)
		if err != nil {
			l.logger.Error("generating reminder failed", zap.String("account", item.accountID), zap.Error(err))
			return
		}
		l.surface(authEv)
	}
}

// nextTimerItem returns the earliest pending deadline across every
// account, built fresh each iteration via container/heap since account
// counts are small and state changes on every event anyway.
func (l *Loop) nextTimerItem(now time.Time) (timerItem, bool) {
	h := make(timerHeap, 0, len(l.table.IDs()))
	for _, id := range l.table.IDs() {
		rec := l.table.Get(id)
		switch rec.Status {
		case account.StatusActive:
			h = append(h, timerItem{deadline: rec.NextDeadline(now, l.notifyInterval), accountID: id, kind: timerRefresh})
		case account.StatusEmpty, account.StatusPending:
			h = append(h, timerItem{deadline: rec.NextDeadline(now, l.notifyInterval), accountID: id, kind: timerNotify})
		}
	}
	if len(h) == 0 {
		return timerItem{}, false
	}
	heap.Init(&h)
	return h[0], true
}
