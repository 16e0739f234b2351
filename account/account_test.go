package account

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pizauth/pizauth/config"
)

func testConfig() *config.AccountConfig {
	return &config.AccountConfig{
		ID:                  "work",
		AuthURI:             "https://idp.example.com/authorize",
		TokenURI:            "https://idp.example.com/token",
		RedirectURI:         "http://localhost:9999/",
		ClientID:            "cid",
		ClientSecret:        "secret",
		Scopes:              []string{"email"},
		RefreshBeforeExpiry: 90 * time.Second,
		RefreshAtLeast:      90 * time.Minute,
	}
}

func TestColdShowHasNoToken(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()

	outcome, work, ev, err := r.Request(now)
	require.NoError(t, err)
	assert.False(t, outcome.Available)
	assert.Equal(t, ErrorKindNoToken, outcome.ErrorKind)
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, WorkNone, work.Kind)
	require.NotNil(t, ev)
	assert.Contains(t, ev.URL, "response_type=code")
	assert.NotEmpty(t, r.Pending.StateToken)
	assert.NotEmpty(t, r.Pending.CodeVerifier)
}

func TestAlreadyPendingShowCarriesNoErrorKind(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()
	r.Status = StatusPending
	r.Pending = &Pending{StateToken: "s", CodeVerifier: "v", Started: now, IssuedURL: "https://idp.example.com/authorize?x=1"}

	outcome, _, ev, err := r.Request(now)
	require.NoError(t, err)
	assert.False(t, outcome.Available)
	assert.Empty(t, outcome.ErrorKind) // steady-state Pending: report PENDING, not an error
	assert.Nil(t, ev)                  // no fresh notification for a repeat show
}

func TestUnknownAccountRequestReturnsKindedError(t *testing.T) {
	tbl := &Table{records: map[string]*Record{}}

	_, _, _, err := tbl.Request("ghost", time.Now())
	var uae *UnknownAccountError
	require.ErrorAs(t, err, &uae)
	assert.Equal(t, "ghost", uae.ID)
	assert.Equal(t, "UnknownAccount", uae.ErrorKind())
}

func TestHappyPathExchangeToActive(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()

	_, _, ev, err := r.Request(now)
	require.NoError(t, err)
	state := r.Pending.StateToken

	// Simulate the redirect listener matching the state token.
	found, ok := (&Table{records: map[string]*Record{"work": r}}).OnRedirect(state)
	require.True(t, ok)
	assert.Same(t, r, found)
	_ = ev

	expIn := 3600
	notifyEv := r.OnExchangeResult(now, ExchangeResult{
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		ExpiresIn:    &expIn,
	})
	assert.Nil(t, notifyEv)
	assert.Equal(t, StatusActive, r.Status)
	assert.Equal(t, "AT1", r.ActiveState.AccessToken)
	assert.Equal(t, "RT1", r.ActiveState.RefreshToken)

	outcome, work, _, err := r.Request(now)
	require.NoError(t, err)
	assert.True(t, outcome.Available)
	assert.Equal(t, "AT1", outcome.Token)
	assert.Equal(t, WorkNone, work.Kind)
}

func TestCSRFMismatchLeavesRecordPending(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()
	_, _, _, err := r.Request(now)
	require.NoError(t, err)

	tbl := &Table{records: map[string]*Record{"work": r}}
	_, ok := tbl.OnRedirect("some-other-state-entirely")
	assert.False(t, ok)
	assert.Equal(t, StatusPending, r.Status) // unaffected by the unmatched redirect
}

func TestRefreshOnSchedule(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()
	r.Status = StatusActive
	r.ActiveState = &Active{
		AccessToken:  "AT-old",
		RefreshToken: "RT-old",
		Expiry:       now.Add(60 * time.Second), // within the 90s refresh_before_expiry margin
		Acquired:     now.Add(-30 * time.Minute),
	}

	outcome, work, _, err := r.Request(now)
	require.NoError(t, err)
	assert.True(t, outcome.Available) // prior token still handed out
	assert.Equal(t, "AT-old", outcome.Token)
	assert.Equal(t, WorkRefresh, work.Kind)
	assert.Equal(t, StatusRefreshing, r.Status)
	assert.Equal(t, "AT-old", r.RefreshingState.Prior.AccessToken)
}

func TestRefreshFailureWithPriorStillValidStaysActive(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()
	r.Status = StatusRefreshing
	r.RefreshingState = &Refreshing{
		Prior: Active{
			AccessToken:  "AT-old",
			RefreshToken: "RT-old",
			Expiry:       now.Add(5 * time.Minute),
			Acquired:     now.Add(-10 * time.Minute),
		},
		Started: now,
	}

	retryAfter, notify := r.OnRefreshResult(now, RefreshResult{Err: errors.New("network blip")}, 40*time.Second)
	assert.Nil(t, notify)
	assert.Equal(t, 40*time.Second, retryAfter)
	assert.Equal(t, StatusActive, r.Status)
	assert.Equal(t, "AT-old", r.ActiveState.AccessToken)
}

func TestRefreshFailureWithPriorExpiredGoesEmpty(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()
	r.Status = StatusRefreshing
	r.RefreshingState = &Refreshing{
		Prior: Active{
			AccessToken:  "AT-old",
			RefreshToken: "RT-old",
			Expiry:       now.Add(-time.Minute), // already expired
			Acquired:     now.Add(-2 * time.Hour),
		},
		Started: now,
	}

	retryAfter, notify := r.OnRefreshResult(now, RefreshResult{Err: errors.New("invalid_grant")}, 40*time.Second)
	require.NotNil(t, notify)
	assert.Equal(t, time.Duration(0), retryAfter)
	assert.Equal(t, StatusEmpty, r.Status)
	assert.NotNil(t, r.EmptyLastNotified)
}

func TestRefreshSuccessRetainsPriorRefreshTokenWhenOmitted(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()
	r.Status = StatusRefreshing
	r.RefreshingState = &Refreshing{
		Prior: Active{
			AccessToken:  "AT-old",
			RefreshToken: "RT-old",
			Expiry:       now.Add(time.Minute),
			Acquired:     now.Add(-time.Hour),
		},
		Started: now,
	}

	retryAfter, notify := r.OnRefreshResult(now, RefreshResult{AccessToken: "AT-new"}, 40*time.Second)
	assert.Nil(t, notify)
	assert.Equal(t, time.Duration(0), retryAfter)
	assert.Equal(t, StatusActive, r.Status)
	assert.Equal(t, "AT-new", r.ActiveState.AccessToken)
	assert.Equal(t, "RT-old", r.ActiveState.RefreshToken) // carried forward
}

func TestForceRefreshIsNoOpWhilePendingOrRefreshing(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()
	r.Status = StatusPending
	r.Pending = &Pending{StateToken: "s", CodeVerifier: "v", Started: now}

	work, ev, err := r.ForceRefresh(now)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, WorkNone, work.Kind)
	assert.Equal(t, StatusPending, r.Status)

	r2 := NewEmptyRecord("work", testConfig())
	r2.Status = StatusRefreshing
	r2.RefreshingState = &Refreshing{
		Prior:   Active{AccessToken: "AT-old", Expiry: now.Add(time.Hour), Acquired: now},
		Started: now,
	}

	work, ev, err = r2.ForceRefresh(now)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, WorkNone, work.Kind)
	assert.Equal(t, StatusRefreshing, r2.Status)
}

func TestTableReloadClassification(t *testing.T) {
	oldCfg := testConfig()
	tbl := &Table{records: map[string]*Record{"work": NewEmptyRecord("work", oldCfg)}}
	tbl.records["work"].Status = StatusActive
	tbl.records["work"].ActiveState = &Active{AccessToken: "AT1", Expiry: time.Now().Add(time.Hour)}

	changedCfg := testConfig()
	changedCfg.ClientID = "different-client"
	next := &config.Config{Accounts: map[string]*config.AccountConfig{"work": changedCfg}}

	tbl.Reload(next, config.Delta{Changed: []string{"work"}})
	assert.Equal(t, StatusEmpty, tbl.Get("work").Status) // credentials discarded on Changed

	tbl2 := &Table{records: map[string]*Record{"work": NewEmptyRecord("work", oldCfg)}}
	tbl2.records["work"].Status = StatusActive
	tbl2.records["work"].ActiveState = &Active{AccessToken: "AT1", Expiry: time.Now().Add(time.Hour)}
	tbl2.Reload(next, config.Delta{Unchanged: []string{"work"}})
	assert.Equal(t, StatusActive, tbl2.Get("work").Status) // survives Unchanged
}

func TestNextDeadlineUsesSmallerOfTheTwoRefreshBounds(t *testing.T) {
	r := NewEmptyRecord("work", testConfig())
	now := time.Now()
	r.Status = StatusActive
	r.ActiveState = &Active{
		AccessToken: "AT1",
		Expiry:      now.Add(2 * time.Hour), // expiry-margin deadline is far off
		Acquired:    now.Add(-89*time.Minute - 59*time.Second),
	}

	deadline := r.NextDeadline(now, config.DefaultNotifyInterval)
	// acquired+refresh_at_least (90m) is the binding constraint here.
	assert.WithinDuration(t, r.ActiveState.Acquired.Add(90*time.Minute), deadline, time.Second)
}
