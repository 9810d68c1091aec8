// Package testutil provides testing utilities for the puller: an HTTP mock of
// the remote API and an in-memory scripted remote.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// MockResponse defines a canned response for a mock endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockUser is an account served by MockRemote.
type MockUser struct {
	ID       string
	Username string
	Name     string
	// Posts are served newest first.
	Posts []map[string]any
}

// MockRemote is a configurable mock of the remote REST API.
type MockRemote struct {
	server   *httptest.Server
	mu       sync.RWMutex
	users    map[string]MockUser
	queued   map[string][]MockResponse
	pageSize int

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
}

// NewMockRemote creates a new mock remote server.
func NewMockRemote() *MockRemote {
	mock := &MockRemote{
		users:    make(map[string]MockUser),
		queued:   make(map[string][]MockResponse),
		pageSize: 40,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()

		if queue := mock.queued[r.URL.Path]; len(queue) > 0 {
			resp := queue[0]
			mock.queued[r.URL.Path] = queue[1:]
			mock.mu.Unlock()
			writeResponse(w, resp)
			return
		}
		mock.mu.Unlock()

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockRemote) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockRemote) Close() {
	m.server.Close()
}

// Reset clears tracking counters and queued responses.
func (m *MockRemote) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.queued = make(map[string][]MockResponse)
}

// SetPageSize sets how many posts are served per page.
func (m *MockRemote) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// AddUser registers an account and its posts.
func (m *MockRemote) AddUser(u MockUser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Username] = u
}

// QueueResponse queues a response for path. Queued responses are served in
// order before the default handler takes over again.
func (m *MockRemote) QueueResponse(path string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[path] = append(m.queued[path], resp)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockRemote) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// UserPath returns the lookup path for a username.
func UserPath(username string) string {
	return "/users/by/username/" + username
}

// PostsPath returns the timeline path for a user id.
func PostsPath(userID string) string {
	return "/users/" + userID + "/tweets"
}

// defaultHandler serves users and paginated posts.
func (m *MockRemote) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/users/by/username/"):
		name := strings.TrimPrefix(r.URL.Path, "/users/by/username/")
		u, ok := m.users[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "not found"}`))
			return
		}
		writeJSON(w, map[string]any{
			"data": map[string]any{"id": u.ID, "username": u.Username, "name": u.Name},
		})

	case strings.HasPrefix(r.URL.Path, "/users/") && strings.HasSuffix(r.URL.Path, "/tweets"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/users/"), "/tweets")
		var user *MockUser
		for _, u := range m.users {
			if u.ID == id {
				u := u
				user = &u
				break
			}
		}
		if user == nil {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "not found"}`))
			return
		}

		offset := 0
		if token := r.URL.Query().Get("pagination_token"); token != "" {
			offset, _ = strconv.Atoi(token)
		}
		size := m.pageSize
		if v, err := strconv.Atoi(r.URL.Query().Get("max_results")); err == nil && v > 0 && v < size {
			size = v
		}

		end := offset + size
		if end > len(user.Posts) {
			end = len(user.Posts)
		}
		page := []map[string]any{}
		if offset < len(user.Posts) {
			page = user.Posts[offset:end]
		}

		meta := map[string]any{"result_count": len(page)}
		if end < len(user.Posts) {
			meta["next_token"] = strconv.Itoa(end)
		}
		writeJSON(w, map[string]any{"data": page, "meta": meta})

	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "unknown path"}`))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewRateLimitResponse creates a 429 response. A zero reset omits the reset header.
func NewRateLimitResponse(reset time.Time) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
	if !reset.IsZero() {
		resp.Headers["X-Rate-Limit-Reset"] = strconv.FormatInt(reset.Unix(), 10)
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error": "Unauthorized"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewForbiddenResponse creates a 403 response.
func NewForbiddenResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       `{"error": "Forbidden"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// Posts generates n posts newest first, one minute apart, ending at newest.
func Posts(n int, newest time.Time) []map[string]any {
	posts := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		id := strconv.Itoa(1000 + n - i)
		posts = append(posts, map[string]any{
			"id":             id,
			"text":           "post " + id,
			"created_at":     newest.Add(-time.Duration(i) * time.Minute).UTC().Format(time.RFC3339),
			"lang":           "en",
			"favorite_count": i,
			"author":         map[string]any{"id": "42", "username": "gopher", "name": "Gopher"},
		})
	}
	return posts
}
