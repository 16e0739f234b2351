package account

import (
	"fmt"
	"time"

	"github.com/pizauth/pizauth/config"
)

// UnknownAccountError reports that an operation named an account absent
// from the current configuration, spec.md §7's client-visible
// UnknownAccount kind.
type UnknownAccountError struct {
	ID string
}

func (e *UnknownAccountError) Error() string {
	return fmt.Sprintf("account: no such account %q", e.ID)
}

// ErrorKind implements the ipc package's kindedError interface without
// either package importing the other.
func (e *UnknownAccountError) ErrorKind() string { return "UnknownAccount" }

// Table owns every account's Record. It is exclusive to the scheduler's
// single event-loop goroutine (spec.md §5, §9) and deliberately carries
// no mutex: concurrent access from any other goroutine is a bug, not a
// race to be papered over.
type Table struct {
	records map[string]*Record
}

// NewTable builds a Table with one Empty record per configured account,
// spec.md §3's lifecycle rule.
func NewTable(cfg *config.Config) *Table {
	t := &Table{records: make(map[string]*Record, len(cfg.Accounts))}
	for id, acfg := range cfg.Accounts {
		t.records[id] = NewEmptyRecord(id, acfg)
	}
	return t
}

// Get returns the record for id, or nil if no such account is configured.
func (t *Table) Get(id string) *Record {
	return t.records[id]
}

// IDs returns every configured account identifier.
func (t *Table) IDs() []string {
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	return ids
}

// FindByState returns the unique record currently Pending with the given
// state token, implementing the lookup half of spec.md §4.1's
// on_redirect(code, state): "find the account whose Pending.state_token
// equals state" (invariant 3: state tokens are unguessable and therefore
// unique in practice, but Table still only returns the first match it
// sees were two ever to collide).
func (t *Table) FindByState(state string) *Record {
	for _, r := range t.records {
		if r.Status == StatusPending && r.Pending.StateToken == state {
			return r
		}
	}
	return nil
}

// Reload applies a config.Delta (spec.md §4.1's reload/reconfigure
// operation, invariant 4):
//   - Unchanged: record and its in-flight state survive untouched.
//   - Changed: record is reset to Empty under the new config, discarding
//     any token or in-flight authentication — the old credentials may no
//     longer be valid for the new settings.
//   - Added: a fresh Empty record is created.
//   - Removed: the record is dropped entirely.
func (t *Table) Reload(next *config.Config, delta config.Delta) {
	for _, id := range delta.Changed {
		t.records[id] = NewEmptyRecord(id, next.Accounts[id])
	}
	for _, id := range delta.Added {
		t.records[id] = NewEmptyRecord(id, next.Accounts[id])
	}
	for _, id := range delta.Removed {
		delete(t.records, id)
	}
	// Unchanged records keep their existing *Record, but its Config
	// pointer is refreshed in case Equal-but-reordered fields moved the
	// account to a new pointer in next.
	for _, id := range delta.Unchanged {
		if r, ok := t.records[id]; ok {
			r.Config = next.Accounts[id]
		}
	}
}

// Request delegates to the named record's Request, spec.md §4.1.
func (t *Table) Request(id string, now time.Time) (Outcome, Work, *AuthEvent, error) {
	r := t.records[id]
	if r == nil {
		return Outcome{}, Work{}, nil, &UnknownAccountError{ID: id}
	}
	return r.Request(now)
}

// ForceRefresh delegates to the named record's ForceRefresh, spec.md §4.1.
func (t *Table) ForceRefresh(id string, now time.Time) (Work, *AuthEvent, error) {
	r := t.records[id]
	if r == nil {
		return Work{}, nil, &UnknownAccountError{ID: id}
	}
	return r.ForceRefresh(now)
}

// OnRedirect implements the full spec.md §4.1 on_redirect(code, state)
// operation's lookup and non-reentrancy guard; callers still dispatch the
// actual HTTP exchange and feed its outcome back via OnExchangeResult.
func (t *Table) OnRedirect(state string) (r *Record, ok bool) {
	if state == "" {
		return nil, false
	}
	r = t.FindByState(state)
	if r == nil {
		return nil, false
	}
	// Consume the state token: a repeated redirect carrying it no longer
	// matches, so at most one code exchange is dispatched per flow.
	r.Pending.StateToken = ""
	return r, true
}

// NextDeadline computes when the scheduler should next act on this
// account absent any external event — a refresh, a retry, or a reminder
// notification — per spec.md §4.1's timing rules.
func (r *Record) NextDeadline(now time.Time, notifyInterval time.Duration) time.Time {
	switch r.Status {
	case StatusActive:
		return r.ActiveState.NextRefreshDeadline(now, AccountTiming{
			RefreshBeforeExpiry: r.Config.RefreshBeforeExpiry,
			RefreshAtLeast:      r.Config.RefreshAtLeast,
		})
	case StatusEmpty:
		return NextNotifyDeadline(r.EmptyLastNotified, notifyInterval, now)
	case StatusPending:
		return NextNotifyDeadline(r.Pending.LastNotified, notifyInterval, now)
	default:
		// Refreshing: nothing to schedule, the in-flight HTTP call's
		// completion drives the next transition.
		return time.Time{}
	}
}
