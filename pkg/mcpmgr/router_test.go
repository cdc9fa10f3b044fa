package mcpmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, fake *fakeServers, capacity int, ids ...string) *Router {
	t.Helper()
	doc := &Document{MCPServers: map[string]ServerDescriptor{}}
	for _, id := range ids {
		doc.MCPServers[id] = ServerDescriptor{Command: "fake-" + id}
	}
	return NewRouter(doc, newTestPool(t, fake, capacity), &RouterOptions{CallTimeout: 5 * time.Second})
}

func TestRouterCallEcho(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "alpha")

	res, err := router.Call(context.Background(), "alpha", "echo", map[string]any{"text": "hello"}, 0)
	require.NoError(t, err)
	assert.Equal(t, CallOK, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, "hello", ResultText(res.Result))
	assert.Equal(t, []string{"alpha"}, router.Pool().SnapshotIDs())
}

func TestRouterUnknownServerFailsFast(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "alpha")

	_, err := router.Call(context.Background(), "ghost", "echo", nil, 0)
	require.ErrorIs(t, err, ErrUnknownServer)
	assert.Zero(t, fake.Connects("ghost"))
	assert.Zero(t, router.Pool().Len())

	res := router.Execute(context.Background(), "ghost", "echo", nil, 0)
	assert.True(t, res.IsError)
	assert.Contains(t, ResultText(res), "unknown server")
}

func TestRouterTimeoutKeepsSessionPooled(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "slow")
	ctx := context.Background()

	res, err := router.Call(ctx, "slow", "sleep", map[string]any{"millis": 2000}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, CallTimedOut, res.Status)
	assert.ErrorIs(t, res.Err, ErrCallTimeout)
	assert.True(t, res.Result.IsError)
	assert.Equal(t, "Tool sleep in slow call timed out.", ResultText(res.Result))
	assert.Less(t, res.Duration, time.Second)

	session, ok := router.Pool().Get("slow")
	require.True(t, ok)
	assert.False(t, session.Closed())

	again, err := router.Call(ctx, "slow", "echo", map[string]any{"text": "still here"}, 0)
	require.NoError(t, err)
	assert.Equal(t, CallOK, again.Status)
	assert.Equal(t, 1, fake.Connects("slow"))
}

func TestRouterSlowCallDoesNotBlockOtherServers(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "slow", "fast")
	ctx := context.Background()

	_, err := router.Session(ctx, "slow")
	require.NoError(t, err)
	_, err = router.Session(ctx, "fast")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = router.Call(ctx, "slow", "sleep", map[string]any{"millis": 1000}, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	res, err := router.Call(ctx, "fast", "echo", map[string]any{"text": "quick"}, 0)
	require.NoError(t, err)
	assert.Equal(t, CallOK, res.Status)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	wg.Wait()
}

func TestRouterToolError(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "alpha")

	res, err := router.Call(context.Background(), "alpha", "fail", map[string]any{"text": "x"}, 0)
	require.NoError(t, err)
	assert.Equal(t, CallToolError, res.Status)
	assert.ErrorIs(t, res.Err, ErrToolExecution)

	var toolErr *ToolExecutionError
	require.ErrorAs(t, res.Err, &toolErr)
	assert.Equal(t, "boom", toolErr.Message)
}

func TestRouterConnectFailureIsReturned(t *testing.T) {
	t.Parallel()

	fake := newFakeServers().fail("broken")
	router := newTestRouter(t, fake, 2, "broken")

	_, err := router.Call(context.Background(), "broken", "echo", nil, 0)
	require.ErrorIs(t, err, ErrConnect)

	res := router.Execute(context.Background(), "broken", "echo", nil, 0)
	assert.True(t, res.IsError)
}

func TestRouterConnectFailureIsNotRedialed(t *testing.T) {
	t.Parallel()

	fake := newFakeServers().fail("broken")
	router := newTestRouter(t, fake, 2, "broken", "alpha")
	ctx := context.Background()

	_, first := router.Call(ctx, "broken", "echo", nil, 0)
	require.ErrorIs(t, first, ErrConnect)
	for i := 0; i < 3; i++ {
		_, err := router.Call(ctx, "broken", "echo", nil, 0)
		require.ErrorIs(t, err, ErrConnect)
		assert.Same(t, first, err)
	}
	_, err := router.ListTools(ctx, "broken")
	require.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, 1, fake.Connects("broken"))

	status := router.Status()
	require.Len(t, status, 2)
	assert.NoError(t, status[0].Err)
	assert.Equal(t, "broken", status[1].ID)
	assert.ErrorIs(t, status[1].Err, ErrConnect)

	_, err = router.Reconnect(ctx, "broken")
	require.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, 2, fake.Connects("broken"))
	_, err = router.Call(ctx, "broken", "echo", nil, 0)
	require.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, 2, fake.Connects("broken"))

	fake.heal("broken")
	require.NoError(t, router.Remove(ctx, "broken"))
	res, err := router.Call(ctx, "broken", "echo", map[string]any{"text": "back"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "back", ResultText(res.Result))
	assert.Equal(t, 3, fake.Connects("broken"))
	assert.NoError(t, router.Status()[1].Err)
}

func TestRouterReconnectClearsConnectFailure(t *testing.T) {
	t.Parallel()

	fake := newFakeServers().fail("flaky")
	router := newTestRouter(t, fake, 2, "flaky")
	ctx := context.Background()

	_, err := router.Session(ctx, "flaky")
	require.ErrorIs(t, err, ErrConnect)

	fake.heal("flaky")
	s, err := router.Reconnect(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.Supervisor().State())
	assert.Equal(t, 2, fake.Connects("flaky"))
}

func TestRouterCancelledConnectIsNotCached(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := router.Session(ctx, "alpha")
	require.Error(t, err)

	s, err := router.Session(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", s.ServerID)
}

func TestRouterReconnectReplacesSession(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "alpha")
	ctx := context.Background()

	first, err := router.Session(ctx, "alpha")
	require.NoError(t, err)
	second, err := router.Reconnect(ctx, "alpha")
	require.NoError(t, err)

	assert.NotEqual(t, first.Generation, second.Generation)
	assert.Equal(t, StateClosed, first.Supervisor().State())
	assert.Equal(t, 2, fake.Connects("alpha"))

	_, err = router.Reconnect(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestRouterStatusAndPing(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "alpha", "beta")
	ctx := context.Background()

	assert.Equal(t, StatusDisconnected, router.Ping(ctx, "alpha"))
	_, err := router.Session(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, router.Ping(ctx, "alpha"))

	status := router.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "alpha", status[0].ID)
	assert.Equal(t, StatusConnected, status[0].Status)
	assert.Equal(t, StateActive, status[0].State)
	assert.NotEmpty(t, status[0].Generation)
	assert.Equal(t, "beta", status[1].ID)
	assert.Equal(t, StatusDisconnected, status[1].Status)
}

func TestRouterListTools(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "alpha")

	tools, err := router.ListTools(context.Background(), "alpha")
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "sleep", "fail"}, names)
}

type staticMatcher []Candidate

func (m staticMatcher) Match(context.Context, string) ([]Candidate, error) { return m, nil }

func TestRouterRoute(t *testing.T) {
	t.Parallel()

	fake := newFakeServers()
	router := newTestRouter(t, fake, 2, "alpha")
	_, err := router.Route(context.Background(), "anything")
	require.Error(t, err)

	want := staticMatcher{{ServerID: "alpha", ToolName: "echo", Score: 0.9}}
	routed := NewRouter(&Document{}, router.Pool(), &RouterOptions{Matcher: want})
	got, err := routed.Route(context.Background(), "echo something")
	require.NoError(t, err)
	assert.Equal(t, []Candidate(want), got)
}
