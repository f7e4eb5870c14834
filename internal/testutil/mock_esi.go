// Package testutil provides a mock ESI upstream for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockESIResponse defines the behavior for a mock ESI endpoint response.
type MockESIResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockESI is a configurable mock ESI server. Unregistered paths answer 404.
type MockESI struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc

	requestCount int
	pathCounts   map[string]int
	lastHeader   http.Header
}

// NewMockESI creates a new mock ESI server.
func NewMockESI() *MockESI {
	mock := &MockESI{
		handlers:   make(map[string]http.HandlerFunc),
		pathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pathCounts[r.URL.Path]++
		mock.lastHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		setBudgetHeaders(w, 100, 60)

		if exists {
			handler(w, r)
			return
		}

		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"Not found"}`))
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockESI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockESI) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockESI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.lastHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockESI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockESI) SetResponse(path string, resp MockESIResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		writeResponse(w, resp)
	})
}

// SetJSON serves v as a 200 JSON body on path.
func (m *MockESI) SetJSON(path string, v any) {
	m.SetResponse(path, NewHealthyResponse(mustJSON(v)))
}

// SetPages serves each element of pages as one page of path and reports
// len(pages) in X-Pages. Requests beyond the last page answer 404.
func (m *MockESI) SetPages(path string, pages ...any) {
	bodies := make([]string, len(pages))
	for i, p := range pages {
		bodies[i] = mustJSON(p)
	}

	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		page := 1
		if v := r.URL.Query().Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			page = n
		}
		if page < 1 || page > len(bodies) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"Requested page does not exist!"}`))
			return
		}

		w.Header().Set("X-Pages", strconv.Itoa(len(bodies)))
		writeResponse(w, NewHealthyResponse(bodies[page-1]))
	})
}

// SetFailing makes path always answer with status.
func (m *MockESI) SetFailing(path string, status int) {
	m.SetResponse(path, MockESIResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"error":"mock failure %d"}`, status),
	})
}

// FailThenServe answers the first n requests for path with status, then
// serves v.
func (m *MockESI) FailThenServe(path string, n, status int, v any) {
	body := mustJSON(v)
	var mu sync.Mutex
	calls := 0

	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		current := calls
		mu.Unlock()

		if current <= n {
			writeResponse(w, MockESIResponse{
				StatusCode: status,
				Body:       fmt.Sprintf(`{"error":"mock failure %d"}`, status),
			})
			return
		}
		writeResponse(w, NewHealthyResponse(body))
	})
}

// RequestCount returns the number of requests made to the server.
func (m *MockESI) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests made for path.
func (m *MockESI) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockESI) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHeader
}

// NewHealthyResponse creates a standard 200 OK response with ESI headers.
func NewHealthyResponse(data string) MockESIResponse {
	return MockESIResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"Expires":      time.Now().Add(5 * time.Minute).Format(http.TimeFormat),
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewErrorLimitedResponse creates the 420 ESI answers once the error limit is hit.
func NewErrorLimitedResponse() MockESIResponse {
	return MockESIResponse{
		StatusCode: 420,
		Body:       `{"error":"This software has exceeded the error limit for ESI."}`,
		Headers: map[string]string{
			"X-ESI-Error-Limit-Remain": "0",
			"X-ESI-Error-Limit-Reset":  "30",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockESIResponse {
	return MockESIResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"X-ESI-Error-Limit-Remain": "95",
			"X-ESI-Error-Limit-Reset":  "60",
		},
	}
}

func writeResponse(w http.ResponseWriter, resp MockESIResponse) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func setBudgetHeaders(w http.ResponseWriter, remain, reset int) {
	w.Header().Set("X-ESI-Error-Limit-Remain", strconv.Itoa(remain))
	w.Header().Set("X-ESI-Error-Limit-Reset", strconv.Itoa(reset))
}

func mustJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal fixture: %v", err))
	}
	return string(b)
}
