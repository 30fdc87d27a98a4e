package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/taskdeck/internal/credentials"
	"github.com/ent0n29/taskdeck/internal/observability"
)

// expiringBackend accepts only the current access token and counts every
// call per X-Call header.
type expiringBackend struct {
	mu       sync.Mutex
	valid    string
	attempts map[string]int

	rejected     int32
	refreshCalls int32
	refreshGate  func()
	refreshOK    bool
}

func newExpiringBackend(valid string) *expiringBackend {
	return &expiringBackend{valid: valid, attempts: make(map[string]int), refreshOK: true}
}

func (b *expiringBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/auth/refresh/" {
		atomic.AddInt32(&b.refreshCalls, 1)
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "refresh must not carry a credential", http.StatusBadRequest)
			return
		}
		if b.refreshGate != nil {
			b.refreshGate()
		}
		if !b.refreshOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Token is invalid or expired"}`))
			return
		}
		b.mu.Lock()
		b.valid = "new"
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"new"}`))
		return
	}

	b.mu.Lock()
	b.attempts[r.Header.Get("X-Call")]++
	ok := r.Header.Get("Authorization") == "Bearer "+b.valid
	b.mu.Unlock()
	if !ok {
		atomic.AddInt32(&b.rejected, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Given token not valid for any token type"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"call":"` + r.Header.Get("X-Call") + `"}`))
}

func (b *expiringBackend) attemptsFor(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[call]
}

func newTestGateway(t *testing.T, baseURL string, store credentials.Store, onExpired func()) *Gateway {
	t.Helper()
	g, err := New(Options{
		BaseURL:          baseURL,
		Store:            store,
		RefreshTimeout:   2 * time.Second,
		Metrics:          observability.NewMetrics("test_gateway", prometheus.NewRegistry()),
		OnSessionExpired: onExpired,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return g
}

func callHeader(i int) http.Header {
	h := http.Header{}
	h.Set("X-Call", fmt.Sprintf("c%d", i))
	return h
}

func TestSendAttachesStoredCredential(t *testing.T) {
	var gotAuth, gotRequestID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL, seededStore(t, "a1", "r1"), nil)
	resp, err := g.Send(context.Background(), Request{Method: http.MethodGet, Path: "/tasks/7/"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Bearer a1" {
		t.Fatalf("Authorization = %q, want %q", gotAuth, "Bearer a1")
	}
	if gotRequestID == "" {
		t.Fatalf("X-Request-Id missing")
	}
	var out struct {
		ID int `json:"id"`
	}
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.ID != 7 {
		t.Fatalf("id = %d, want 7", out.ID)
	}
}

func TestSendWithoutCredentialOmitsHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL, credentials.NewInMemoryStore(), nil)
	if _, err := g.Send(context.Background(), Request{Path: "/agents/"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "" {
		t.Fatalf("Authorization = %q, want empty", gotAuth)
	}
}

func TestConcurrentUnauthorizedCallsShareOneRefresh(t *testing.T) {
	const n = 8
	backend := newExpiringBackend("rotated-away")
	backend.refreshGate = func() {
		deadline := time.Now().Add(2 * time.Second)
		for atomic.LoadInt32(&backend.rejected) < n && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	server := httptest.NewServer(backend)
	defer server.Close()

	store := seededStore(t, "old", "r1")

	g := newTestGateway(t, server.URL, store, nil)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := g.Send(context.Background(), Request{Path: "/tasks/", Header: callHeader(i)})
			if err != nil {
				errs[i] = err
				return
			}
			var out map[string]string
			if err := json.Unmarshal(resp.Body, &out); err != nil || out["call"] != fmt.Sprintf("c%d", i) {
				errs[i] = fmt.Errorf("unexpected body %q", resp.Body)
			}
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&backend.refreshCalls); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d error = %v", i, errs[i])
		}
		if got := backend.attemptsFor(fmt.Sprintf("c%d", i)); got != 2 {
			t.Fatalf("call %d attempts = %d, want 2 (original + one replay)", i, got)
		}
	}
	pair, _ := store.Get(context.Background())
	if pair.Access != "new" {
		t.Fatalf("stored access = %q, want new", pair.Access)
	}
}

func TestRefreshFailureExpiresEveryCaller(t *testing.T) {
	const n = 6
	backend := newExpiringBackend("rotated-away")
	backend.refreshOK = false
	backend.refreshGate = func() {
		deadline := time.Now().Add(2 * time.Second)
		for atomic.LoadInt32(&backend.rejected) < n && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}
	server := httptest.NewServer(backend)
	defer server.Close()

	store := seededStore(t, "old", "r1")
	var expired int32
	g := newTestGateway(t, server.URL, store, func() { atomic.AddInt32(&expired, 1) })

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Send(context.Background(), Request{Path: "/tasks/", Header: callHeader(i)})
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&backend.refreshCalls); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
	for i, err := range errs {
		if !errors.Is(err, ErrAuthExpired) {
			t.Fatalf("call %d error = %v, want ErrAuthExpired", i, err)
		}
		if got := backend.attemptsFor(fmt.Sprintf("c%d", i)); got != 1 {
			t.Fatalf("call %d attempts = %d, want 1", i, got)
		}
	}
	pair, _ := store.Get(context.Background())
	if !pair.Empty() {
		t.Fatalf("store after failed refresh = %+v, want empty", pair)
	}
	if atomic.LoadInt32(&expired) == 0 {
		t.Fatalf("OnSessionExpired not called")
	}
}

func TestReplayRejectedTwiceIsTerminal(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh/" {
			_, _ = w.Write([]byte(`{"access":"new"}`))
			return
		}
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	store := seededStore(t, "old", "r1")
	g := newTestGateway(t, server.URL, store, nil)
	_, err := g.Send(context.Background(), Request{Path: "/auth/me/"})
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("Send() error = %v, want ErrAuthExpired", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	pair, _ := store.Get(context.Background())
	if !pair.Empty() {
		t.Fatalf("store = %+v, want empty", pair)
	}
}

func TestSkipAuthUnauthorizedIsValidationError(t *testing.T) {
	var refreshCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh/" {
			atomic.AddInt32(&refreshCalls, 1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"No active account found with the given credentials"}`))
	}))
	defer server.Close()

	store := seededStore(t, "old", "r1")
	g := newTestGateway(t, server.URL, store, nil)
	_, err := g.Send(context.Background(), Request{
		Method:   http.MethodPost,
		Path:     "/auth/login/",
		Body:     map[string]string{"username": "u", "password": "bad"},
		SkipAuth: true,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Send() error = %v, want *ValidationError", err)
	}
	if verr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("StatusCode = %d, want 401", verr.StatusCode)
	}
	if verr.Detail == "" {
		t.Fatalf("Detail empty, want server message")
	}
	if atomic.LoadInt32(&refreshCalls) != 0 {
		t.Fatalf("refresh called for SkipAuth request")
	}
	pair, _ := store.Get(context.Background())
	if pair.Access != "old" {
		t.Fatalf("store mutated by validation error: %+v", pair)
	}
}

func TestValidationErrorFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"name":["This field is required."],"temperature":"Must be <= 2."}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server.URL, seededStore(t, "a1", "r1"), nil)
	_, err := g.Send(context.Background(), Request{Method: http.MethodPost, Path: "/agents/", Body: map[string]any{}})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Send() error = %v, want *ValidationError", err)
	}
	if got := verr.Fields["name"]; len(got) != 1 || got[0] != "This field is required." {
		t.Fatalf("Fields[name] = %v", got)
	}
	if got := verr.Fields["temperature"]; len(got) != 1 {
		t.Fatalf("Fields[temperature] = %v", got)
	}
}

func TestServerErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	store := seededStore(t, "a1", "r1")
	g := newTestGateway(t, server.URL, store, nil)
	_, err := g.Send(context.Background(), Request{Path: "/tasks/"})
	var serr *ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("Send() error = %v, want *ServerError", err)
	}
	if serr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("StatusCode = %d, want 503", serr.StatusCode)
	}
	if !serr.Temporary() {
		t.Fatal("Temporary() = false for 503, want true")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	pair, _ := store.Get(context.Background())
	if pair.Access != "a1" {
		t.Fatalf("store mutated by server error: %+v", pair)
	}
}

func TestNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	g := newTestGateway(t, url, seededStore(t, "a1", "r1"), nil)
	_, err := g.Send(context.Background(), Request{Path: "/tasks/"})
	var nerr *NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("Send() error = %v, want *NetworkError", err)
	}
}
