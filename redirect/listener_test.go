package redirect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startListener(t *testing.T, handler Handler) *Listener {
	t.Helper()
	l, err := NewListener("127.0.0.1:0", []string{"/"}, handler, zap.NewNop())
	require.NoError(t, err)
	go l.Serve()
	t.Cleanup(func() { _ = l.Shutdown(context.Background()) })
	return l
}

func TestListenerAcceptsValidRedirect(t *testing.T) {
	var gotCode, gotState string
	l := startListener(t, func(ctx context.Context, code, state, errParam, errDesc string) error {
		gotCode, gotState = code, state
		return nil
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/?code=C1&state=S1", l.Addr().String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "successful")
	assert.Equal(t, "C1", gotCode)
	assert.Equal(t, "S1", gotState)
}

func TestListenerRejectsUnmatchedState(t *testing.T) {
	l := startListener(t, func(ctx context.Context, code, state, errParam, errDesc string) error {
		return fmt.Errorf("no pending authentication matches that redirect")
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/?code=C1&state=unknown", l.Addr().String()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListenerRejectsMissingCode(t *testing.T) {
	l := startListener(t, func(ctx context.Context, code, state, errParam, errDesc string) error {
		t.Fatal("handler should not be called without a code or error param")
		return nil
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/", l.Addr().String()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListenerForwardsAuthServerError(t *testing.T) {
	var gotErrParam string
	l := startListener(t, func(ctx context.Context, code, state, errParam, errDesc string) error {
		gotErrParam = errParam
		return nil
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/?error=access_denied&error_description=nope", l.Addr().String()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "access_denied", gotErrParam)
}

func TestManagerGroupsAccountsSharingAnAddress(t *testing.T) {
	m, _, err := NewManager(
		[]string{"http://127.0.0.1:0/cb1", "http://127.0.0.1:0/cb2", "http://127.0.0.1:0/cb1"},
		func(ctx context.Context, code, state, errParam, errDesc string) error { return nil },
		zap.NewNop(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	// All three redirect_uris share the literal host:port "127.0.0.1:0",
	// so they collapse onto a single Listener bound to one ephemeral port
	// serving both distinct paths.
	assert.Len(t, m.listeners, 1)
}

func TestManagerBindsEphemeralPortAndRewritesNoPortRedirectURI(t *testing.T) {
	m, rewrites, err := NewManager(
		[]string{"http://localhost/", "http://localhost/other"},
		func(ctx context.Context, code, state, errParam, errDesc string) error { return nil },
		zap.NewNop(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	// Both no-port redirect_uris on "localhost" share one ephemeral bind.
	require.Len(t, m.listeners, 1)
	require.Len(t, rewrites, 2)

	effective, ok := rewrites["http://localhost/"]
	require.True(t, ok)
	assert.Regexp(t, `^http://localhost:\d+/$`, effective)
	assert.NotContains(t, effective, ":0/")

	effectiveOther, ok := rewrites["http://localhost/other"]
	require.True(t, ok)
	assert.Regexp(t, `^http://localhost:\d+/other$`, effectiveOther)
}

func TestManagerDoesNotRewriteExplicitPortRedirectURI(t *testing.T) {
	m, rewrites, err := NewManager(
		[]string{"http://127.0.0.1:0/"},
		func(ctx context.Context, code, state, errParam, errDesc string) error { return nil },
		zap.NewNop(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	// ":0" is an explicit (if unusual) port, not the no-port case: nothing
	// to rewrite back into the account config.
	assert.Empty(t, rewrites)
}
