package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/taskdeck/internal/credentials"
	"github.com/ent0n29/taskdeck/internal/gateway"
)

const (
	pathLogin    = "/auth/login/"
	pathRegister = "/auth/register/"
	pathLogout   = "/auth/logout/"
	pathMe       = "/auth/me/"
	pathProfile  = "/auth/profile/"
	pathAgents   = "/agents/"
	pathTasks    = "/tasks/"
	pathRunTask  = "/tasks/run/"
)

var ErrInvalidID = errors.New("invalid id")

// Client is the typed REST surface of the task service. Every call goes
// through the gateway, so expiry handling is transparent to callers.
type Client struct {
	gw     *gateway.Gateway
	logger gateway.Logger
}

func NewClient(gw *gateway.Gateway) *Client {
	return &Client{gw: gw, logger: log.Default()}
}

func (c *Client) Gateway() *gateway.Gateway {
	return c.gw
}

func (c *Client) do(ctx context.Context, req gateway.Request, out any) error {
	resp, err := c.gw.Send(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Login exchanges username and password for a credential pair and stores it.
func (c *Client) Login(ctx context.Context, username, password string) (credentials.Pair, error) {
	var pair credentials.Pair
	err := c.do(ctx, gateway.Request{
		Method:   http.MethodPost,
		Path:     pathLogin,
		Body:     map[string]string{"username": strings.TrimSpace(username), "password": password},
		SkipAuth: true,
	}, &pair)
	if err != nil {
		return credentials.Pair{}, err
	}
	if pair.Access == "" {
		return credentials.Pair{}, errors.New("login response carried no access token")
	}
	if err := c.gw.Store().Set(ctx, pair); err != nil {
		return credentials.Pair{}, fmt.Errorf("store credentials: %w", err)
	}
	return pair, nil
}

// Register creates an account. The server logs the new user in, so the
// returned tokens are stored like a login.
func (c *Client) Register(ctx context.Context, in RegisterRequest) (User, error) {
	var out struct {
		User   User             `json:"user"`
		Tokens credentials.Pair `json:"tokens"`
	}
	err := c.do(ctx, gateway.Request{
		Method:   http.MethodPost,
		Path:     pathRegister,
		Body:     in,
		SkipAuth: true,
	}, &out)
	if err != nil {
		return User{}, err
	}
	if out.Tokens.Access != "" {
		if err := c.gw.Store().Set(ctx, out.Tokens); err != nil {
			return User{}, fmt.Errorf("store credentials: %w", err)
		}
	}
	return out.User, nil
}

// Refresh exchanges a refresh token without touching the store.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (credentials.Pair, error) {
	return c.gw.RefreshCredentials(ctx, refreshToken)
}

// Logout asks the server to blacklist the refresh token, then always tears
// the local session down. A failed blacklist is logged, not returned.
func (c *Client) Logout(ctx context.Context) error {
	pair, err := c.gw.Store().Get(ctx)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	if pair.Refresh != "" && pair.Access != "" {
		err := c.do(ctx, gateway.Request{
			Method: http.MethodPost,
			Path:   pathLogout,
			Body:   map[string]string{"refresh": pair.Refresh},
		}, nil)
		if err != nil && !errors.Is(err, gateway.ErrAuthExpired) {
			c.logger.Printf("logout blacklist failed: %v", err)
		}
	}
	c.gw.ExpireSession(ctx)
	return nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var out User
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: pathMe}, &out)
	return out, err
}

func (c *Client) Profile(ctx context.Context) (User, error) {
	var out User
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: pathProfile}, &out)
	return out, err
}

func (c *Client) UpdateProfile(ctx context.Context, in ProfileUpdate) (User, error) {
	var out User
	err := c.do(ctx, gateway.Request{Method: http.MethodPatch, Path: pathProfile, Body: in}, &out)
	return out, err
}

// ListAgents returns one page of agents; page <= 0 means the first.
func (c *Client) ListAgents(ctx context.Context, page int) (Page[Agent], error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	return c.listAgents(ctx, q)
}

func (c *Client) listAgents(ctx context.Context, q url.Values) (Page[Agent], error) {
	var out Page[Agent]
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: pathAgents, Query: q}, &out)
	return out, err
}

func (c *Client) GetAgent(ctx context.Context, id int64) (Agent, error) {
	var out Agent
	if id <= 0 {
		return out, ErrInvalidID
	}
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: agentPath(id)}, &out)
	return out, err
}

func (c *Client) CreateAgent(ctx context.Context, in AgentInput) (Agent, error) {
	var out Agent
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		return out, errors.New("agent name is required")
	}
	err := c.do(ctx, gateway.Request{Method: http.MethodPost, Path: pathAgents, Body: in}, &out)
	return out, err
}

func (c *Client) UpdateAgent(ctx context.Context, id int64, in AgentInput) (Agent, error) {
	var out Agent
	if id <= 0 {
		return out, ErrInvalidID
	}
	err := c.do(ctx, gateway.Request{Method: http.MethodPatch, Path: agentPath(id), Body: in}, &out)
	return out, err
}

func (c *Client) DeleteAgent(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrInvalidID
	}
	return c.do(ctx, gateway.Request{Method: http.MethodDelete, Path: agentPath(id)}, nil)
}

// TaskFilter mirrors the list filters the tasks endpoint accepts. Zero
// values are not sent.
type TaskFilter struct {
	Status        TaskStatus
	Agent         int64
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Search        string
	Ordering      string
	Page          int
	PageSize      int
}

func (f TaskFilter) Values() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Agent > 0 {
		q.Set("agent", strconv.FormatInt(f.Agent, 10))
	}
	if !f.CreatedAfter.IsZero() {
		q.Set("created_at__gte", f.CreatedAfter.UTC().Format(time.RFC3339))
	}
	if !f.CreatedBefore.IsZero() {
		q.Set("created_at__lte", f.CreatedBefore.UTC().Format(time.RFC3339))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		q.Set("search", s)
	}
	if s := strings.TrimSpace(f.Ordering); s != "" {
		q.Set("ordering", s)
	}
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if f.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(f.PageSize))
	}
	return q
}

func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) (Page[Task], error) {
	return c.listTasks(ctx, filter.Values())
}

func (c *Client) listTasks(ctx context.Context, q url.Values) (Page[Task], error) {
	var out Page[Task]
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: pathTasks, Query: q}, &out)
	return out, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var out Task
	if id <= 0 {
		return out, ErrInvalidID
	}
	err := c.do(ctx, gateway.Request{Method: http.MethodGet, Path: taskPath(id)}, &out)
	return out, err
}

// RunTask creates a pending task for agentID and queues it server-side.
func (c *Client) RunTask(ctx context.Context, agentID int64, input string) (Task, error) {
	var out Task
	if agentID <= 0 {
		return out, ErrInvalidID
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return out, errors.New("task input is required")
	}
	err := c.do(ctx, gateway.Request{
		Method: http.MethodPost,
		Path:   pathRunTask,
		Body:   map[string]any{"agent": agentID, "input_text": input},
	}, &out)
	return out, err
}

func agentPath(id int64) string {
	return pathAgents + strconv.FormatInt(id, 10) + "/"
}

func taskPath(id int64) string {
	return pathTasks + strconv.FormatInt(id, 10) + "/"
}

// nextQuery extracts the query of a server-built next link. The link is
// absolute; only its query string is reused against the same endpoint.
func nextQuery(next string) (url.Values, error) {
	u, err := url.Parse(next)
	if err != nil {
		return nil, fmt.Errorf("parse next link: %w", err)
	}
	return u.Query(), nil
}
