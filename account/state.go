// Package account implements pizauth's per-account runtime state machine
// (spec.md §3, §4.1): the tagged variant Empty/Pending/Active/Refreshing,
// its transition operations, and the account.Table that owns every
// record. All mutation happens on the scheduler's single goroutine; see
// scheduler.Loop.
package account

import (
	"time"

	"github.com/pizauth/pizauth/config"
)

// Status tags which variant a Record currently holds.
type Status int

const (
	StatusEmpty Status = iota
	StatusPending
	StatusActive
	StatusRefreshing
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Pending is the state while an authorization URL has been issued and the
// daemon awaits a matching redirect, spec.md §3.
type Pending struct {
	StateToken   string
	CodeVerifier string
	IssuedURL    string
	Started      time.Time
	LastNotified *time.Time
}

// Active is the state while a usable access token is held, spec.md §3.
type Active struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Acquired     time.Time
}

// Refreshing is the state while a refresh request is in flight; Prior is
// retained so readers keep seeing a usable token until the refresh
// resolves, spec.md §3.
type Refreshing struct {
	Prior   Active
	Started time.Time
}

// Record is one account's runtime state: a tagged variant (invariant 1:
// exactly one non-nil of Pending/Active/Refreshing, or all nil for
// Empty).
type Record struct {
	ID     string
	Config *config.AccountConfig

	Status Status

	EmptyLastNotified *time.Time
	Pending           *Pending
	ActiveState       *Active
	RefreshingState   *Refreshing
}

// NewEmptyRecord returns a freshly created Empty record for an account
// identifier, per spec.md §3's lifecycle rule ("created on first
// reference to its identifier").
func NewEmptyRecord(id string, cfg *config.AccountConfig) *Record {
	return &Record{ID: id, Config: cfg, Status: StatusEmpty}
}

// usableToken returns the access token a reader may currently hand out,
// and whether one exists, without regard to the refresh_before_expiry
// margin (spec.md §4.1's "still valid" check for Active/Refreshing).
func (r *Record) usableToken(now time.Time) (string, bool) {
	switch r.Status {
	case StatusActive:
		if now.Before(r.ActiveState.Expiry) {
			return r.ActiveState.AccessToken, true
		}
	case StatusRefreshing:
		if now.Before(r.RefreshingState.Prior.Expiry) {
			return r.RefreshingState.Prior.AccessToken, true
		}
	}
	return "", false
}
