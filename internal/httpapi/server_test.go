package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.DropStreams()
		ts.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if out != nil {
		_ = json.NewDecoder(res.Body).Decode(out)
	}
	return res.StatusCode
}

func login(t *testing.T, ts *httptest.Server, username, password string) tokenPair {
	t.Helper()
	res := postJSON(t, ts.URL+"/api/auth/login/", "", map[string]string{"username": username, "password": password})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", res.StatusCode)
	}
	var pair tokenPair
	if err := json.NewDecoder(res.Body).Decode(&pair); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return pair
}

func TestLoginExpireRefresh(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.AddUser("ada", "pw", false)

	pair := login(t, ts, "ada", "pw")
	var me userResponse
	if code := getJSON(t, ts.URL+"/api/auth/me/", pair.Access, &me); code != http.StatusOK {
		t.Fatalf("me status = %d, want 200", code)
	}
	if me.Username != "ada" {
		t.Fatalf("username = %q, want ada", me.Username)
	}

	srv.ExpireAccessTokens()
	if code := getJSON(t, ts.URL+"/api/auth/me/", pair.Access, nil); code != http.StatusUnauthorized {
		t.Fatalf("me after expiry status = %d, want 401", code)
	}

	res := postJSON(t, ts.URL+"/api/auth/refresh/", "", map[string]string{"refresh": pair.Refresh})
	defer res.Body.Close()
	var refreshed tokenPair
	_ = json.NewDecoder(res.Body).Decode(&refreshed)
	if res.StatusCode != http.StatusOK || refreshed.Access == "" {
		t.Fatalf("refresh status = %d access = %q", res.StatusCode, refreshed.Access)
	}
	if code := getJSON(t, ts.URL+"/api/auth/me/", refreshed.Access, nil); code != http.StatusOK {
		t.Fatalf("me after refresh status = %d, want 200", code)
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Fatalf("RefreshCalls() = %d, want 1", got)
	}
}

func TestRegisterRejectsMismatchedPasswords(t *testing.T) {
	_, ts := newTestServer(t)
	res := postJSON(t, ts.URL+"/api/auth/register/", "", map[string]string{
		"username":         "bob",
		"email":            "bob@example.com",
		"password":         "one",
		"password_confirm": "two",
	})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	var fields map[string][]string
	_ = json.NewDecoder(res.Body).Decode(&fields)
	if len(fields["password_confirm"]) == 0 {
		t.Fatalf("missing password_confirm error: %+v", fields)
	}
}

func TestTaskListPaginatesWithAbsoluteLinks(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.AddUser("ada", "pw", false)
	pair := login(t, ts, "ada", "pw")

	res := postJSON(t, ts.URL+"/api/agents/", pair.Access, map[string]any{"name": "writer"})
	var agent agentResponse
	_ = json.NewDecoder(res.Body).Decode(&agent)
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agent status = %d", res.StatusCode)
	}
	for i := 0; i < 3; i++ {
		res := postJSON(t, ts.URL+"/api/tasks/run/", pair.Access, map[string]any{"agent": agent.ID, "input_text": "hi"})
		res.Body.Close()
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("run status = %d", res.StatusCode)
		}
	}

	var first struct {
		Count   int            `json:"count"`
		Next    *string        `json:"next"`
		Results []taskResponse `json:"results"`
	}
	if code := getJSON(t, ts.URL+"/api/tasks/?page_size=2", pair.Access, &first); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if first.Count != 3 || len(first.Results) != 2 {
		t.Fatalf("page 1 count=%d len=%d, want 3 and 2", first.Count, len(first.Results))
	}
	if first.Results[0].ID != 3 {
		t.Fatalf("first id = %d, want newest (3)", first.Results[0].ID)
	}
	if first.Next == nil || !strings.HasPrefix(*first.Next, "http://") || !strings.Contains(*first.Next, "page=2") {
		t.Fatalf("next = %v, want absolute link to page 2", first.Next)
	}
}

func TestSignalsStreamRequiresSuperuser(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.AddUser("ada", "pw", false)
	pair := login(t, ts, "ada", "pw")

	if code := getJSON(t, ts.URL+"/stream/signals/", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", code)
	}
	if code := getJSON(t, ts.URL+"/stream/signals/?token="+pair.Access, "", nil); code != http.StatusForbidden {
		t.Fatalf("non-superuser status = %d, want 403", code)
	}
}

func TestTaskStreamCarriesUpdates(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.AddUser("ada", "pw", false)
	pair := login(t, ts, "ada", "pw")

	res, err := http.Get(ts.URL + "/stream/tasks/?token=" + pair.Access)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	srv.Keepalive(TopicTasks)
	srv.PublishRaw(TopicTasks, `{"id":9,"status":"running"}`)

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(res.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	want := []string{": keepalive", "", `data: {"id":9,"status":"running"}`, ""}
	for i, w := range want {
		select {
		case got := <-lines:
			if got != w {
				t.Fatalf("line %d = %q, want %q", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for line %d", i)
		}
	}
}
