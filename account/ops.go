package account

import (
	"fmt"
	"time"

	"github.com/pizauth/pizauth/oauth"
)

// ErrorKind tags why an Outcome carries no token, mirroring the
// client-visible kinds spec.md §7 enumerates. It is left empty for a
// Pending/Refreshing account with no usable prior token: that case is
// not an error, just something the caller should wait out.
type ErrorKind string

// NoToken is the only Outcome-level kind: an Empty account has neither
// a token nor an authentication flow already in flight, so request()
// just started one and there is nothing to hand back this call.
const ErrorKindNoToken ErrorKind = "NoToken"

// Outcome is what a Table operation hands back to the IPC layer or
// scheduler: either a usable token, or a reason there isn't one, per
// spec.md §4.1/§4.4.
type Outcome struct {
	Token     string
	Available bool
	Reason    string // e.g. "no valid token", "authentication in progress"
	ErrorKind ErrorKind
	// AuthURL is set whenever there's a live authorization URL: freshly
	// issued for a newly-Empty account, or the still-valid URL of an
	// already-Pending one. Notified out-of-band rather than returned on
	// the show wire reply.
	AuthURL string
}

// Work describes the at-most-one outbound HTTP call a transition may
// require the scheduler to dispatch, preserving invariant 2 by never
// letting account itself perform network I/O. The code-exchange call is
// dispatched separately by the caller of Table.OnRedirect, which already
// holds the authorization code and code verifier; Work only ever
// describes a refresh.
type Work struct {
	Kind WorkKind
}

// WorkKind tags the shape of Work.
type WorkKind int

const (
	WorkNone WorkKind = iota
	WorkRefresh
)

// AuthEvent is emitted whenever a fresh authorization URL is issued, for
// the notifier (spec.md §4.1: "surface it to the user via notification
// and/or IPC reply").
type AuthEvent struct {
	AccountID string
	URL       string
	// Reminder distinguishes a periodic nudge from the initial prompt, so
	// the notifier can word them differently.
	Reminder bool
	// Failed marks a terminal failure notification (no URL to show).
	Failed bool
}

// Request implements spec.md §4.1's request(account) operation.
func (r *Record) Request(now time.Time) (Outcome, Work, *AuthEvent, error) {
	switch r.Status {
	case StatusActive:
		if now.Add(r.Config.RefreshBeforeExpiry).Before(r.ActiveState.Expiry) {
			return Outcome{Token: r.ActiveState.AccessToken, Available: true}, Work{}, nil, nil
		}
		// Expiring soon or already past: start a refresh, still hand back
		// the token if it hasn't actually expired yet.
		work := r.beginRefresh(now)
		if now.Before(r.ActiveState.Expiry) {
			return Outcome{Token: r.RefreshingState.Prior.AccessToken, Available: true}, work, nil, nil
		}
		return Outcome{Reason: "no valid token, refresh in progress"}, work, nil, nil

	case StatusRefreshing:
		if tok, ok := r.usableToken(now); ok {
			return Outcome{Token: tok, Available: true}, Work{}, nil, nil
		}
		return Outcome{Reason: "no valid token, refresh in progress"}, Work{}, nil, nil

	case StatusPending:
		return Outcome{Reason: "no valid token, authentication in progress", AuthURL: r.Pending.IssuedURL}, Work{}, nil, nil

	case StatusEmpty:
		ev, err := r.beginPending(now)
		if err != nil {
			return Outcome{}, Work{}, nil, err
		}
		return Outcome{Reason: "no valid token", ErrorKind: ErrorKindNoToken, AuthURL: ev.URL}, Work{}, ev, nil
	}

	return Outcome{}, Work{}, nil, fmt.Errorf("account: unknown status %v", r.Status)
}

// ForceRefresh implements spec.md §4.1's force_refresh(account) operation.
func (r *Record) ForceRefresh(now time.Time) (Work, *AuthEvent, error) {
	switch r.Status {
	case StatusActive:
		return r.beginRefresh(now), nil, nil
	case StatusEmpty:
		ev, err := r.beginPending(now)
		if err != nil {
			return Work{}, nil, err
		}
		return Work{}, ev, nil
	case StatusPending, StatusRefreshing:
		return Work{}, nil, nil // no-op, per spec.md §4.1
	}
	return Work{}, nil, fmt.Errorf("account: unknown status %v", r.Status)
}

// beginPending transitions Empty -> Pending, generating a fresh PKCE pair
// and state token and building the authorization URL, spec.md §4.1. Every
// caller surfaces the returned event at once, so the issue time is also
// recorded as the Pending record's last notification.
func (r *Record) beginPending(now time.Time) (*AuthEvent, error) {
	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("account %s: generating PKCE: %w", r.ID, err)
	}
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, fmt.Errorf("account %s: generating state: %w", r.ID, err)
	}

	r.Status = StatusPending
	notified := now
	r.Pending = &Pending{
		StateToken:   state,
		CodeVerifier: pkce.Verifier,
		Started:      now,
		LastNotified: &notified,
	}
	r.ActiveState = nil
	r.RefreshingState = nil

	authURL := oauth.BuildAuthURL(oauth.AuthURLParams{
		AuthURI:     r.Config.AuthURI,
		ClientID:    r.Config.ClientID,
		RedirectURI: r.Config.RedirectURI,
		Scopes:      r.Config.Scopes,
		State:       state,
		LoginHint:   r.Config.LoginHint,
		PKCE:        pkce,
	})
	r.Pending.IssuedURL = authURL

	return &AuthEvent{AccountID: r.ID, URL: authURL}, nil
}

// Reminder implements spec.md §4.1's periodic re-notification: an Empty
// record gets a freshly issued authorization URL (any previously issued
// one was never opened by anyone), while a Pending record's existing URL
// is resent unchanged so a browser tab the user already opened stays
// valid (its state token and code verifier must not change underfoot).
func (r *Record) Reminder(now time.Time) (*AuthEvent, error) {
	switch r.Status {
	case StatusEmpty:
		return r.beginPending(now)
	case StatusPending:
		notified := now
		r.Pending.LastNotified = &notified
		return &AuthEvent{AccountID: r.ID, URL: r.Pending.IssuedURL, Reminder: true}, nil
	default:
		return nil, nil
	}
}

// RefreshDue begins a refresh for an Active record whose scheduled
// deadline (NextRefreshDeadline) has arrived. It is a no-op for any other
// status: the scheduler only calls it after confirming via NextDeadline
// that an Active record is due, but a concurrent IPC-triggered refresh or
// exchange result may have already moved the record on.
func (r *Record) RefreshDue(now time.Time) Work {
	if r.Status != StatusActive {
		return Work{}
	}
	return r.beginRefresh(now)
}

// beginRefresh transitions Active -> Refreshing and returns the Work the
// scheduler must dispatch to a worker goroutine.
func (r *Record) beginRefresh(now time.Time) Work {
	prior := *r.ActiveState
	r.Status = StatusRefreshing
	r.RefreshingState = &Refreshing{Prior: prior, Started: now}
	r.ActiveState = nil
	return Work{Kind: WorkRefresh}
}

// ExchangeResult is what the scheduler feeds back after performing the
// code-exchange HTTP call a Pending record's beginPending implicitly
// requires (dispatched by the caller once the user's browser hits the
// redirect listener).
type ExchangeResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    *int
	Err          error
}

// OnExchangeResult implements the success/failure halves of
// spec.md §4.1's on_redirect(code, state) operation, once the exchange
// HTTP call the scheduler dispatched has resolved.
func (r *Record) OnExchangeResult(now time.Time, res ExchangeResult) *AuthEvent {
	if r.Status != StatusPending {
		return nil // stale result for an account that moved on; ignore
	}

	if res.Err != nil {
		r.Status = StatusEmpty
		notified := now
		r.EmptyLastNotified = &notified
		r.Pending = nil
		return &AuthEvent{AccountID: r.ID, Failed: true}
	}

	expiry := expiryFromResponse(now, res.ExpiresIn, r.Config.RefreshAtLeast)
	r.Status = StatusActive
	r.ActiveState = &Active{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Expiry:       expiry,
		Acquired:     now,
	}
	r.Pending = nil
	return nil
}

// RefreshResult is what the scheduler feeds back once a dispatched
// refresh HTTP call resolves.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    *int
	Err          error
}

// OnRefreshResult implements spec.md §4.1's on_refresh_result operation.
// retryAfter is non-zero only when the caller should re-schedule a retry
// attempt that many duration units from now.
func (r *Record) OnRefreshResult(now time.Time, res RefreshResult, retryInterval time.Duration) (retryAfter time.Duration, notify *AuthEvent) {
	if r.Status != StatusRefreshing {
		return 0, nil
	}
	prior := r.RefreshingState.Prior

	if res.Err != nil {
		if now.Before(prior.Expiry) {
			// Prior token still valid: stay Active, retry later.
			r.Status = StatusActive
			r.ActiveState = &prior
			r.RefreshingState = nil
			return retryInterval, nil
		}
		r.Status = StatusEmpty
		notified := now
		r.EmptyLastNotified = &notified
		r.RefreshingState = nil
		return 0, &AuthEvent{AccountID: r.ID, Failed: true}
	}

	refreshToken := res.RefreshToken
	if refreshToken == "" {
		refreshToken = prior.RefreshToken
	}
	expiry := expiryFromResponse(now, res.ExpiresIn, r.Config.RefreshAtLeast)

	r.Status = StatusActive
	r.ActiveState = &Active{
		AccessToken:  res.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       expiry,
		Acquired:     now,
	}
	r.RefreshingState = nil
	return 0, nil
}

// expiryFromResponse implements spec.md §9's first open question: default
// to refresh_at_least when the server omits expires_in.
func expiryFromResponse(now time.Time, expiresIn *int, refreshAtLeast time.Duration) time.Time {
	if expiresIn != nil {
		return now.Add(time.Duration(*expiresIn) * time.Second)
	}
	return now.Add(refreshAtLeast)
}

// NextRefreshDeadline implements spec.md §4.1's timing rule for an Active
// record: min(expiry-refresh_before_expiry, acquired+refresh_at_least),
// clamped to now if already past.
func (a *Active) NextRefreshDeadline(now time.Time, cfg AccountTiming) time.Time {
	d1 := a.Expiry.Add(-cfg.RefreshBeforeExpiry)
	d2 := a.Acquired.Add(cfg.RefreshAtLeast)
	deadline := d1
	if d2.Before(deadline) {
		deadline = d2
	}
	if deadline.Before(now) {
		return now
	}
	return deadline
}

// AccountTiming carries the two per-account durations NextRefreshDeadline
// needs, decoupling the calculation from the config package's richer
// AccountConfig type.
type AccountTiming struct {
	RefreshBeforeExpiry time.Duration
	RefreshAtLeast      time.Duration
}

// NextNotifyDeadline implements spec.md §4.1's reminder timing rule for
// Empty/Pending records: last_notified+notify_interval, or now if never
// notified.
func NextNotifyDeadline(lastNotified *time.Time, notifyInterval time.Duration, now time.Time) time.Time {
	if lastNotified == nil {
		return now
	}
	return lastNotified.Add(notifyInterval)
}
