// Package httpapi is an in-process implementation of the task service's
// REST and push-stream contract. It backs end-to-end tests of the client
// layer and exposes knobs to expire credentials, drive task progress and
// inject raw stream frames.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const defaultPageSize = 20

type errorResponse struct {
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

type userRecord struct {
	ID         int64
	Username   string
	Email      string
	FirstName  string
	LastName   string
	Password   string
	Superuser  bool
	DateJoined time.Time
	LastLogin  *time.Time
}

type agentRecord struct {
	ID          int64
	Owner       int64
	Name        string
	Description string
	Model       string
	Temperature float64
	CreatedAt   time.Time
}

type taskRecord struct {
	ID         int64
	Owner      int64
	Agent      int64
	InputText  string
	OutputText string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

type Server struct {
	mu sync.Mutex

	users       map[int64]*userRecord
	byUsername  map[string]int64
	access      map[string]int64
	refresh     map[string]int64
	blacklisted map[string]bool
	agents      map[int64]*agentRecord
	tasks       map[int64]*taskRecord
	nextUserID  int64
	nextAgentID int64
	nextTaskID  int64

	calls        map[string]int
	refreshCalls int
	failRefresh  bool
	rotate       bool
	refreshGate  func()

	subscribers map[string]map[int]chan frame
	nextSubID   int

	upgrader websocket.Upgrader
	now      func() time.Time
}

func New() *Server {
	return &Server{
		users:       make(map[int64]*userRecord),
		byUsername:  make(map[string]int64),
		access:      make(map[string]int64),
		refresh:     make(map[string]int64),
		blacklisted: make(map[string]bool),
		agents:      make(map[int64]*agentRecord),
		tasks:       make(map[int64]*taskRecord),
		calls:       make(map[string]int),
		subscribers: make(map[string]map[int]chan frame),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.countCalls)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login/", s.handleLogin)
		r.Post("/auth/register/", s.handleRegister)
		r.Post("/auth/refresh/", s.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/auth/logout/", s.handleLogout)
			r.Get("/auth/me/", s.handleMe)
			r.Get("/auth/profile/", s.handleMe)
			r.Patch("/auth/profile/", s.handleUpdateProfile)

			r.Get("/agents/", s.handleListAgents)
			r.Post("/agents/", s.handleCreateAgent)
			r.Get("/agents/{id}/", s.handleGetAgent)
			r.Patch("/agents/{id}/", s.handleUpdateAgent)
			r.Put("/agents/{id}/", s.handleUpdateAgent)
			r.Delete("/agents/{id}/", s.handleDeleteAgent)

			r.Get("/tasks/", s.handleListTasks)
			r.Post("/tasks/run/", s.handleRunTask)
			r.Get("/tasks/{id}/", s.handleGetTask)
		})
	})

	r.Get("/stream/tasks/", s.handleStream(TopicTasks))
	r.Get("/stream/signals/", s.handleStream(TopicSignals))
	return r
}

// AddUser registers an account directly and returns its id.
func (s *Server) AddUser(username, password string, superuser bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(username, username+"@example.com", password, superuser).ID
}

func (s *Server) addUserLocked(username, email, password string, superuser bool) *userRecord {
	s.nextUserID++
	u := &userRecord{
		ID:         s.nextUserID,
		Username:   username,
		Email:      email,
		Password:   password,
		Superuser:  superuser,
		DateJoined: s.now(),
	}
	s.users[u.ID] = u
	s.byUsername[username] = u.ID
	return u
}

// ExpireAccessTokens invalidates every issued access token. Refresh
// tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]int64)
}

// FailRefresh makes every refresh exchange answer 401 while set.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// RotateRefreshTokens makes refresh exchanges also issue a new refresh
// token and blacklist the old one.
func (s *Server) RotateRefreshTokens(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate = rotate
}

// SetRefreshGate installs a hook that runs at the start of every refresh
// exchange, outside the server lock. Tests use it to hold a refresh open.
func (s *Server) SetRefreshGate(gate func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshGate = gate
}

func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// Calls reports how many requests hit method and path, e.g. "GET /api/tasks/".
func (s *Server) Calls(methodAndPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[methodAndPath]
}

func (s *Server) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

type userKey struct{}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if auth == "" {
			respondError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			respondError(w, http.StatusUnauthorized, "Authorization header must contain a Bearer token.")
			return
		}
		user, ok := s.userForAccess(token)
		if !ok {
			respondError(w, http.StatusUnauthorized, "Given token not valid for any token type")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), user)))
	})
}

func (s *Server) userForAccess(token string) (userRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.access[strings.TrimSpace(token)]
	if !ok {
		return userRecord{}, false
	}
	u, ok := s.users[id]
	if !ok {
		return userRecord{}, false
	}
	return *u, true
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorResponse{Detail: detail})
}

func respondFieldErrors(w http.ResponseWriter, fields map[string][]string) {
	respondJSON(w, http.StatusBadRequest, fields)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

type page struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  any     `json:"results"`
}

// paginate slices n items by the page and page_size query parameters and
// builds absolute next/previous links the way the service does.
func paginate(r *http.Request, n int) (start, end int, next, prev *string, ok bool) {
	q := r.URL.Query()
	size := defaultPageSize
	if raw := q.Get("page_size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, nil, nil, false
		}
		size = v
	}
	num := 1
	if raw := q.Get("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, nil, nil, false
		}
		num = v
	}
	start = (num - 1) * size
	if start > n {
		if n == 0 && num == 1 {
			return 0, 0, nil, nil, true
		}
		return 0, 0, nil, nil, false
	}
	end = start + size
	if end > n {
		end = n
	}
	link := func(p int) *string {
		u := url.URL{Scheme: "http", Host: r.Host, Path: r.URL.Path}
		lq := r.URL.Query()
		lq.Set("page", strconv.Itoa(p))
		u.RawQuery = lq.Encode()
		s := u.String()
		return &s
	}
	if end < n {
		next = link(num + 1)
	}
	if num > 1 {
		prev = link(num - 1)
	}
	return start, end, next, prev, true
}
