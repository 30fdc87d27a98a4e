package app

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/taskdeck/internal/api"
	"github.com/ent0n29/taskdeck/internal/config"
	"github.com/ent0n29/taskdeck/internal/credentials"
	"github.com/ent0n29/taskdeck/internal/httpapi"
	"github.com/ent0n29/taskdeck/internal/stream"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		APIBaseURL:         baseURL + "/api",
		StreamBaseURL:      baseURL,
		StreamTransport:    stream.TransportSSE,
		StrictEvents:       true,
		StreamReconnect:    true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		RequestTimeout:     5 * time.Second,
		RefreshTimeout:     2 * time.Second,
		PageSize:           20,
		SignalHistory:      10,
		MetricsNamespace:   "taskdeck_test",
	}
}

func buildTestApp(t *testing.T, cfg func(*config.Config), opts Options) (*App, *httpapi.Server) {
	t.Helper()
	backend := httpapi.New()
	ts := httptest.NewServer(backend.Router())
	t.Cleanup(func() {
		backend.DropStreams()
		ts.Close()
	})

	c := testConfig(ts.URL)
	if cfg != nil {
		cfg(&c)
	}
	if opts.Store == nil {
		opts.Store = credentials.NewInMemoryStore()
	}
	opts.Logger = log.New(io.Discard, "", 0)
	a, err := Build(context.Background(), c, opts)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	backend.AddUser("ada", "pw", false)
	if _, err := a.Login(context.Background(), "ada", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return a, backend
}

func (a *App) trackedViews() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.views)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func isLive(live func() (bool, error)) func() bool {
	return func() bool {
		ok, _ := live()
		return ok
	}
}

func TestDroppedStreamIsReopened(t *testing.T) {
	a, backend := buildTestApp(t, nil, Options{})
	feed := a.TaskFeed(api.TaskFilter{})
	defer feed.Close()
	waitFor(t, "initial connect", isLive(feed.Live))

	backend.DropStreams()
	waitFor(t, "reconnect", func() bool {
		ok, _ := feed.Live()
		return ok && backend.StreamConnections(httpapi.TopicTasks) == 1
	})

	name := "writer"
	agent, err := a.Client.CreateAgent(context.Background(), api.AgentInput{Name: &name})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	task, err := a.Client.RunTask(context.Background(), agent.ID, "after reconnect")
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	waitFor(t, "event after reconnect", func() bool {
		view := feed.View()
		return len(view) == 1 && view[0].ID == task.ID
	})
}

func TestReconnectDisabledLeavesStreamDown(t *testing.T) {
	a, backend := buildTestApp(t, func(c *config.Config) { c.StreamReconnect = false }, Options{})
	feed := a.TaskFeed(api.TaskFilter{})
	defer feed.Close()
	waitFor(t, "initial connect", isLive(feed.Live))

	backend.DropStreams()
	waitFor(t, "drop", func() bool { return !isLive(feed.Live)() })
	time.Sleep(100 * time.Millisecond)
	if live, err := feed.Live(); live || err == nil {
		t.Fatalf("Live() = %v, %v; want down with an error", live, err)
	}
}

func TestUnauthorizedStreamRefreshesBeforeReconnect(t *testing.T) {
	a, backend := buildTestApp(t, nil, Options{})
	feed := a.TaskFeed(api.TaskFilter{})
	defer feed.Close()
	waitFor(t, "initial connect", isLive(feed.Live))

	backend.ExpireAccessTokens()
	backend.DropStreams()
	waitFor(t, "refresh and reconnect", func() bool {
		return backend.RefreshCalls() == 1 && isLive(feed.Live)()
	})
	if _, err := a.Client.Me(context.Background()); err != nil {
		t.Fatalf("Me() after stream refresh error = %v", err)
	}
	if n := backend.RefreshCalls(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
}

func TestLogoutResetsViews(t *testing.T) {
	var expired atomic.Int32
	a, _ := buildTestApp(t, nil, Options{OnSessionExpired: func() { expired.Add(1) }})

	name := "writer"
	agent, err := a.Client.CreateAgent(context.Background(), api.AgentInput{Name: &name})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	if _, err := a.Client.RunTask(context.Background(), agent.ID, "hello"); err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	feed := a.TaskFeed(api.TaskFilter{})
	defer feed.Close()
	conv := a.Conversation(agent.ID)
	defer conv.Close()
	if err := feed.Refresh(context.Background()); err != nil {
		t.Fatalf("feed Refresh() error = %v", err)
	}
	if err := conv.Refresh(context.Background()); err != nil {
		t.Fatalf("conversation Refresh() error = %v", err)
	}
	if len(feed.View()) != 1 || len(conv.View()) != 1 {
		t.Fatalf("views before logout = %d/%d rows, want 1/1", len(feed.View()), len(conv.View()))
	}

	if err := a.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if len(feed.View()) != 0 || len(conv.View()) != 0 {
		t.Fatalf("views after logout = %d/%d rows, want empty", len(feed.View()), len(conv.View()))
	}
	if n := expired.Load(); n != 1 {
		t.Fatalf("session expired hook calls = %d, want 1", n)
	}
	pair, _ := a.Store.Get(context.Background())
	if !pair.Empty() {
		t.Fatalf("store after logout = %+v, want empty", pair)
	}
}

func TestMetricsHandlerExposesClientMetrics(t *testing.T) {
	a, _ := buildTestApp(t, nil, Options{})
	if _, err := a.Client.Me(context.Background()); err != nil {
		t.Fatalf("Me() error = %v", err)
	}

	rec := httptest.NewRecorder()
	a.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "taskdeck_test_gateway_requests_total") {
		t.Fatalf("metrics output missing gateway counter:\n%s", body)
	}
}

func TestLogoutClosesPreviousSessionStreams(t *testing.T) {
	a, backend := buildTestApp(t, nil, Options{})
	name := "writer"
	agent, err := a.Client.CreateAgent(context.Background(), api.AgentInput{Name: &name})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	task, err := a.Client.RunTask(context.Background(), agent.ID, "hello")
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	feed := a.TaskFeed(api.TaskFilter{})
	defer feed.Close()
	waitFor(t, "initial connect", isLive(feed.Live))
	if err := feed.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if err := a.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if live, _ := feed.Live(); live {
		t.Fatal("tasks stream still live after Logout")
	}
	waitFor(t, "server side teardown", func() bool { return backend.StreamConnections(httpapi.TopicTasks) == 0 })

	backend.CompleteTask(task.ID, "secret answer")
	time.Sleep(100 * time.Millisecond)
	if view := feed.View(); len(view) != 0 {
		t.Fatalf("view after logout = %+v, want empty", view)
	}
	if live, _ := feed.Live(); live {
		t.Fatal("tasks stream reopened without a session")
	}

	if _, err := a.Login(context.Background(), "ada", "pw"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	waitFor(t, "reconnect under new login", isLive(feed.Live))
	next, err := a.Client.RunTask(context.Background(), agent.ID, "again")
	if err != nil {
		t.Fatalf("RunTask() error = %v", err)
	}
	waitFor(t, "event under new login", func() bool {
		view := feed.View()
		return len(view) == 1 && view[0].ID == next.ID
	})
}

func TestClosedViewsAreReleased(t *testing.T) {
	a, _ := buildTestApp(t, nil, Options{})
	feed := a.TaskFeed(api.TaskFilter{})
	conv := a.Conversation(1)
	mon := a.SignalMonitor()
	if n := a.trackedViews(); n != 3 {
		t.Fatalf("tracked views = %d, want 3", n)
	}

	feed.Close()
	feed.Close()
	mon.Close()
	if n := a.trackedViews(); n != 1 {
		t.Fatalf("tracked views after Close = %d, want 1", n)
	}
	conv.Close()
	if n := a.trackedViews(); n != 0 {
		t.Fatalf("tracked views = %d, want 0", n)
	}
	if err := a.Logout(context.Background()); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
}
