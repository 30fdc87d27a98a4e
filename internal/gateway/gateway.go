package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/taskdeck/internal/credentials"
	"github.com/ent0n29/taskdeck/internal/observability"
	"github.com/ent0n29/taskdeck/internal/policy"
	"github.com/ent0n29/taskdeck/internal/reliability"
)

const defaultRefreshPath = "/auth/refresh/"

type Logger interface {
	Printf(format string, args ...any)
}

func defaultLogger() Logger {
	return log.Default()
}

// Request describes one outbound call relative to the API base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header

	// SkipAuth sends the request without a credential. A 401 on such a
	// request is reported as a ValidationError and never starts a refresh.
	SkipAuth bool
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) Decode(out any) error {
	if out == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Store          credentials.Store
	Refresh        RefreshFunc
	RefreshTimeout time.Duration
	Metrics        *observability.Metrics
	Logger         Logger

	// OnSessionExpired runs after the credential store is cleared on a
	// terminal AuthExpired. It may run more than once per session and must
	// be idempotent.
	OnSessionExpired func()
}

// Gateway wraps every outbound call: it attaches the stored credential,
// detects expiry, joins the single-flight refresh and replays once.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	store      credentials.Store
	metrics    *observability.Metrics
	logger     Logger
	onExpired  func()

	coordinator *Coordinator
}

func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, errors.New("credential store is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	g := &Gateway{
		baseURL:    baseURL,
		httpClient: httpClient,
		store:      opts.Store,
		metrics:    opts.Metrics,
		logger:     logger,
		onExpired:  opts.OnSessionExpired,
	}
	refresh := opts.Refresh
	if refresh == nil {
		refresh = g.RefreshCredentials
	}
	g.coordinator = NewCoordinator(opts.Store, refresh, opts.RefreshTimeout, g.endSession)
	g.coordinator.metrics = opts.Metrics
	g.coordinator.logger = logger
	return g, nil
}

func (g *Gateway) Store() credentials.Store {
	return g.store
}

func (g *Gateway) Coordinator() *Coordinator {
	return g.coordinator
}

func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// Send dispatches req and returns the 2xx response or a typed error.
func (g *Gateway) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	resp, sent, err := g.dispatch(ctx, req, body, "")
	if err != nil {
		g.metrics.ObserveRequest("network")
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || req.SkipAuth {
		return g.finish(resp)
	}

	access, err := g.coordinator.Await(ctx, sent)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) {
			g.metrics.ObserveRequest("auth_expired")
		}
		return nil, err
	}

	g.metrics.ObserveReplay()
	resp, _, err = g.dispatch(ctx, req, body, access)
	if err != nil {
		g.metrics.ObserveRequest("network")
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		g.logger.Printf("replayed %s %s rejected; ending session", req.Method, req.Path)
		g.endSession(ctx)
		g.metrics.ObserveRequest("auth_expired")
		return nil, &AuthExpiredError{Cause: errors.New("replayed request rejected")}
	}
	return g.finish(resp)
}

// ExpireSession tears the session down as if a terminal AuthExpired had
// occurred. Logout uses it for local teardown.
func (g *Gateway) ExpireSession(ctx context.Context) {
	g.endSession(ctx)
}

// endSession is the single place session teardown happens.
func (g *Gateway) endSession(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := g.store.Clear(ctx); err != nil {
		g.logger.Printf("clear credentials failed: %v", err)
	}
	if g.onExpired != nil {
		g.onExpired()
	}
}

// dispatch performs one HTTP round trip. override, when set, is used
// instead of the stored access token. It returns the token actually sent.
func (g *Gateway) dispatch(ctx context.Context, req Request, body []byte, override string) (*Response, string, error) {
	target := g.baseURL + ensureLeadingSlash(req.Path)
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	token := ""
	if !req.SkipAuth {
		token = override
		if token == "" {
			pair, err := g.store.Get(ctx)
			if err != nil {
				return nil, "", fmt.Errorf("read credentials: %w", err)
			}
			token = pair.Access
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, token, &NetworkError{Method: method, URL: policy.RedactURL(target), Err: err}
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, token, &NetworkError{Method: method, URL: policy.RedactURL(target), Err: fmt.Errorf("read response: %w", err)}
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: payload}, token, nil
}

func (g *Gateway) finish(resp *Response) (*Response, error) {
	switch reliability.ClassifyHTTPStatus(resp.StatusCode) {
	case reliability.StatusOK:
		g.metrics.ObserveRequest("ok")
		return resp, nil
	case reliability.StatusUnauthorized, reliability.StatusClientError:
		g.metrics.ObserveRequest("validation")
		return nil, newValidationError(resp.StatusCode, resp.Body)
	default:
		g.metrics.ObserveRequest("server")
		return nil, &ServerError{StatusCode: resp.StatusCode, Body: truncateBody(resp.Body)}
	}
}

// RefreshCredentials exchanges refreshToken at the auth service without
// touching the store. It is the default RefreshFunc.
func (g *Gateway) RefreshCredentials(ctx context.Context, refreshToken string) (credentials.Pair, error) {
	resp, err := g.Send(ctx, Request{
		Method:   http.MethodPost,
		Path:     defaultRefreshPath,
		Body:     map[string]string{"refresh": refreshToken},
		SkipAuth: true,
	})
	if err != nil {
		return credentials.Pair{}, err
	}
	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := resp.Decode(&out); err != nil {
		return credentials.Pair{}, err
	}
	return credentials.Pair{Access: out.Access, Refresh: out.Refresh}, nil
}

func encodeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		return b, nil
	}
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
