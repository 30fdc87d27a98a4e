package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/taskdeck/internal/api"
	"github.com/ent0n29/taskdeck/internal/config"
	"github.com/ent0n29/taskdeck/internal/credentials"
	"github.com/ent0n29/taskdeck/internal/gateway"
	"github.com/ent0n29/taskdeck/internal/liveview"
	"github.com/ent0n29/taskdeck/internal/observability"
	"github.com/ent0n29/taskdeck/internal/stream"
)

type Options struct {
	// Store overrides the store selected by cfg.DatabaseURL.
	Store      credentials.Store
	HTTPClient *http.Client
	Registry   *prometheus.Registry
	Logger     *log.Logger

	// OnSessionExpired runs after the credentials are cleared, the streams
	// are closed and every open view built by the App is reset.
	OnSessionExpired func()
}

// App is the assembled client: credential store, gateway, REST client,
// snapshot fetcher, stream subscriber and the live views built on them.
type App struct {
	Config   config.Config
	Store    credentials.Store
	Gateway  *gateway.Gateway
	Client   *api.Client
	Fetcher  *api.Fetcher
	Stream   *stream.Subscriber
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	logger    *log.Logger
	reconnect *reconnector
	onExpired func()

	mu       sync.Mutex
	views    map[int]resettable
	nextView int
}

type resettable interface {
	Reset()
}

type closable interface {
	resettable
	OnClose(fn func())
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	store := opts.Store
	if store == nil {
		var err error
		store, err = credentials.NewStore(ctx, cfg.DatabaseURL, cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("credential store init failed: %w", err)
		}
	}

	a := &App{
		Config:    cfg,
		Store:     store,
		Metrics:   metrics,
		Registry:  reg,
		logger:    logger,
		onExpired: opts.OnSessionExpired,
		views:     make(map[int]resettable),
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	gw, err := gateway.New(gateway.Options{
		BaseURL:          cfg.APIBaseURL,
		HTTPClient:       httpClient,
		Store:            store,
		RefreshTimeout:   cfg.RefreshTimeout,
		Metrics:          metrics,
		Logger:           logger,
		OnSessionExpired: a.sessionExpired,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("gateway init failed: %w", err)
	}
	a.Gateway = gw
	a.Client = api.NewClient(gw)
	a.Fetcher = api.NewFetcher(a.Client)

	a.reconnect = newReconnector(cfg, store, gw.Coordinator(), logger)
	sub, err := stream.New(stream.Options{
		BaseURL:     cfg.StreamBaseURL,
		Transport:   cfg.StreamTransport,
		Credentials: store,
		Strict:      cfg.StrictEvents,
		Metrics:     metrics,
		Logger:      logger,
		OnLiveness:  a.reconnect.observe,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("stream subscriber init failed: %w", err)
	}
	a.Stream = sub
	a.reconnect.attach(sub)
	return a, nil
}

func (a *App) deps() liveview.Deps {
	return liveview.Deps{
		Client:  a.Client,
		Fetcher: a.Fetcher,
		Stream:  a.Stream,
		Metrics: a.Metrics,
		Logger:  a.logger,
	}
}

// track keeps v for session resets until it is closed.
func (a *App) track(v closable) {
	a.mu.Lock()
	a.nextView++
	id := a.nextView
	a.views[id] = v
	a.mu.Unlock()

	v.OnClose(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.views, id)
	})
}

// TaskFeed builds a live task list. Page size defaults to the configured
// one.
func (a *App) TaskFeed(filter api.TaskFilter) *liveview.TaskFeed {
	if filter.PageSize <= 0 {
		filter.PageSize = a.Config.PageSize
	}
	f := liveview.NewTaskFeed(a.deps(), filter)
	a.track(f)
	return f
}

func (a *App) Conversation(agentID int64) *liveview.Conversation {
	c := liveview.NewConversation(a.deps(), agentID)
	a.track(c)
	return c
}

func (a *App) SignalMonitor() *liveview.SignalMonitor {
	m := liveview.NewSignalMonitor(a.deps(), a.Config.SignalHistory)
	a.track(signalReset{m})
	return m
}

// Login signs in and reopens the streams under the new credentials. Open
// views start empty; call Refresh on them to load the new session's data.
func (a *App) Login(ctx context.Context, username, password string) (credentials.Pair, error) {
	pair, err := a.Client.Login(ctx, username, password)
	if err != nil {
		return credentials.Pair{}, err
	}
	a.startSession()
	return pair, nil
}

// Register creates an account. The server logs the new user in, so its
// session starts like Login.
func (a *App) Register(ctx context.Context, in api.RegisterRequest) (api.User, error) {
	u, err := a.Client.Register(ctx, in)
	if err != nil {
		return api.User{}, err
	}
	a.startSession()
	return u, nil
}

// Logout ends the session on the server (best effort) and locally.
func (a *App) Logout(ctx context.Context) error {
	return a.Client.Logout(ctx)
}

func (a *App) startSession() {
	a.reconnect.reset()
	a.Stream.DropAll()
	a.resetViews()
	a.Stream.ReconnectAll()
}

func (a *App) resetViews() {
	a.mu.Lock()
	views := make([]resettable, 0, len(a.views))
	for _, v := range a.views {
		views = append(views, v)
	}
	a.mu.Unlock()
	for _, v := range views {
		v.Reset()
	}
}

// MetricsHandler serves the App's instruments.
func (a *App) MetricsHandler() http.Handler {
	return observability.MetricsHandler(a.Registry)
}

// sessionExpired closes the streams before resetting the views, so nothing
// from the old session's connections lands in them afterwards. The
// streams stay down until the next Login.
func (a *App) sessionExpired() {
	if a.Stream != nil {
		a.reconnect.reset()
		a.Stream.DropAll()
	}
	a.resetViews()
	if a.onExpired != nil {
		a.onExpired()
	}
}

// Close releases the stream connections and the credential store.
func (a *App) Close() error {
	a.reconnect.stop()
	a.Stream.Close()
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close credential store: %w", err)
	}
	return nil
}

type signalReset struct {
	m *liveview.SignalMonitor
}

func (s signalReset) Reset()            { s.m.Clear() }
func (s signalReset) OnClose(fn func()) { s.m.OnClose(fn) }
