package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/taskdeck/internal/credentials"
	"github.com/ent0n29/taskdeck/internal/observability"
)

// RefreshFunc exchanges a refresh token for fresh credentials. The
// returned pair's Refresh is empty unless the server rotated it.
type RefreshFunc func(ctx context.Context, refreshToken string) (credentials.Pair, error)

type RefreshState string

const (
	StateIdle       RefreshState = "idle"
	StateRefreshing RefreshState = "refreshing"
)

type refreshResult struct {
	access string
	err    error
}

// Coordinator guarantees at most one refresh in flight. Every caller that
// arrives while refreshing joins the same waiter list and receives the
// same outcome.
type Coordinator struct {
	store     credentials.Store
	refresh   RefreshFunc
	timeout   time.Duration
	onFailure func(ctx context.Context)
	metrics   *observability.Metrics
	logger    Logger

	mu      sync.Mutex
	state   RefreshState
	waiters []chan refreshResult
}

// NewCoordinator builds an idle coordinator. onFailure runs once per failed
// refresh, before waiters are released.
func NewCoordinator(store credentials.Store, refresh RefreshFunc, timeout time.Duration, onFailure func(ctx context.Context)) *Coordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{
		store:     store,
		refresh:   refresh,
		timeout:   timeout,
		onFailure: onFailure,
		logger:    defaultLogger(),
		state:     StateIdle,
	}
}

func (c *Coordinator) State() RefreshState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Waiting reports how many callers are parked on the in-flight refresh.
func (c *Coordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Await returns an access token to replay with after rejected was refused.
// It starts a refresh when idle, or joins the one in flight. The refresh
// itself is detached from ctx so one caller giving up does not fail the
// others.
func (c *Coordinator) Await(ctx context.Context, rejected string) (string, error) {
	ch := make(chan refreshResult, 1)

	c.mu.Lock()
	if c.state == StateIdle {
		if access, ok := c.newerAccessLocked(ctx, rejected); ok {
			c.mu.Unlock()
			return access, nil
		}
		c.state = StateRefreshing
		go c.run()
	}
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case res := <-ch:
		return res.access, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// newerAccessLocked covers a 401 that lands after a refresh already
// replaced the token the request was sent with.
func (c *Coordinator) newerAccessLocked(ctx context.Context, rejected string) (string, bool) {
	if rejected == "" {
		return "", false
	}
	pair, err := c.store.Get(ctx)
	if err != nil || pair.Access == "" || pair.Access == rejected {
		return "", false
	}
	return pair.Access, true
}

func (c *Coordinator) run() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	access, err := c.exchange(ctx)
	switch {
	case errors.Is(err, ErrSessionReplaced):
		c.logger.Printf("credential refresh discarded: %v", err)
		err = &AuthExpiredError{Cause: err}
	case err != nil:
		c.logger.Printf("credential refresh failed: %v", err)
		if c.onFailure != nil {
			c.onFailure(context.WithoutCancel(ctx))
		}
		err = &AuthExpiredError{Cause: err}
	}

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.state = StateIdle
	c.mu.Unlock()

	result := "ok"
	switch {
	case errors.Is(err, ErrSessionReplaced):
		result = "replaced"
	case err != nil:
		result = "failed"
	}
	c.metrics.ObserveRefresh(result, len(waiters))

	for _, ch := range waiters {
		ch <- refreshResult{access: access, err: err}
	}
}

func (c *Coordinator) exchange(ctx context.Context) (string, error) {
	pair, err := c.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(pair.Refresh) == "" {
		return "", ErrNoRefreshToken
	}
	if c.refresh == nil {
		return "", errors.New("no refresh function configured")
	}
	next, err := c.refresh(ctx, pair.Refresh)
	if err != nil {
		if c.replaced(ctx, pair.Refresh) {
			return "", ErrSessionReplaced
		}
		return "", err
	}
	next.Access = strings.TrimSpace(next.Access)
	if next.Access == "" {
		return "", errors.New("refresh returned an empty access token")
	}
	wrote, err := c.store.Rotate(ctx, pair.Refresh, next)
	if err != nil {
		return "", err
	}
	if !wrote {
		return "", ErrSessionReplaced
	}
	return next.Access, nil
}

// replaced reports whether the store no longer holds the refresh token
// that was exchanged, because a login or logout happened meanwhile.
func (c *Coordinator) replaced(ctx context.Context, exchanged string) bool {
	pair, err := c.store.Get(ctx)
	if err != nil {
		return false
	}
	return pair.Refresh != exchanged
}
