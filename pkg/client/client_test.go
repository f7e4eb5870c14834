package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/testutil"
	"github.com/Sternrassler/eve-market-replica/pkg/ratelimit"
	"github.com/rs/zerolog"
)

type testRegion struct {
	RegionID int32  `json:"region_id"`
	Name     string `json:"name"`
}

func newTestGate() *ratelimit.Gate {
	return ratelimit.NewGate(ratelimit.DefaultGateConfig(), zerolog.Nop())
}

// newTestClient builds a client against mock with millisecond retry delays.
func newTestClient(t *testing.T, mock *testutil.MockESI, gate *ratelimit.Gate, mutate func(*Config)) *Client {
	t.Helper()

	cfg := DefaultConfig("TestApp/1.0.0 (test@example.com)")
	cfg.BaseURL = mock.URL()
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	if gate == nil {
		gate = newTestGate()
	}

	c, err := New(cfg, gate, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	gate := newTestGate()

	tests := []struct {
		name        string
		mutate      func(*Config)
		gate        *ratelimit.Gate
		expectError bool
	}{
		{
			name: "valid config",
			gate: gate,
		},
		{
			name:        "empty user agent",
			mutate:      func(c *Config) { c.UserAgent = "" },
			gate:        gate,
			expectError: true,
		},
		{
			name:        "nil gate",
			gate:        nil,
			expectError: true,
		},
		{
			name:        "empty base url",
			mutate:      func(c *Config) { c.BaseURL = "" },
			gate:        gate,
			expectError: true,
		},
		{
			name:        "zero connections",
			mutate:      func(c *Config) { c.MaxConnections = 0 },
			gate:        gate,
			expectError: true,
		},
		{
			name:        "negative retries",
			mutate:      func(c *Config) { c.MaxRetries = -1 },
			gate:        gate,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("TestApp/1.0.0 (test@example.com)")
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}

			_, err := New(cfg, tt.gate, nil)
			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("TestApp/1.0.0")

	if cfg.MaxConnections != 100 {
		t.Errorf("MaxConnections = %d, want 100", cfg.MaxConnections)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.RetryDelay != time.Second {
		t.Errorf("RetryDelay = %v, want 1s", cfg.RetryDelay)
	}
	if cfg.PageConcurrency != 1 {
		t.Errorf("PageConcurrency = %d, want 1", cfg.PageConcurrency)
	}
	if cfg.BaseURL != "https://esi.evetech.net/latest" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
}

func TestGet_DecodesAndSetsHeaders(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()

	mock.SetJSON("/universe/regions/10000002/", testRegion{RegionID: 10000002, Name: "The Forge"})

	c := newTestClient(t, mock, nil, nil)

	region, err := Get[testRegion](context.Background(), c, "/universe/regions/10000002/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if region.Name != "The Forge" {
		t.Errorf("Name = %q, want The Forge", region.Name)
	}

	header := mock.LastRequestHeader()
	if got := header.Get("User-Agent"); got != "TestApp/1.0.0 (test@example.com)" {
		t.Errorf("User-Agent = %q", got)
	}
	if got := header.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}
}

func TestDo_RetryOnServerError(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()

	path := "/universe/regions/1/"
	mock.FailThenServe(path, 2, http.StatusBadGateway, testRegion{RegionID: 1, Name: "A"})

	gate := newTestGate()
	c := newTestClient(t, mock, gate, nil)

	region, err := Get[testRegion](context.Background(), c, path)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if region.RegionID != 1 {
		t.Errorf("RegionID = %d, want 1", region.RegionID)
	}
	if got := mock.PathCount(path); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	if got := gate.Snapshot().ErrorCount; got != 0 {
		t.Errorf("gate ErrorCount = %d, want 0 (recovered)", got)
	}
}

func TestDo_RetryExhausted(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()

	path := "/universe/regions/1/"
	mock.SetFailing(path, http.StatusInternalServerError)

	gate := newTestGate()
	c := newTestClient(t, mock, gate, nil)

	_, err := c.Do(context.Background(), path, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if ClassOf(err) != ErrorClassServer {
		t.Errorf("ClassOf = %q, want server", ClassOf(err))
	}
	// initial attempt + 3 retries
	if got := mock.PathCount(path); got != 4 {
		t.Errorf("requests = %d, want 4", got)
	}
	if got := gate.Snapshot().ErrorCount; got != 1 {
		t.Errorf("gate ErrorCount = %d, want 1", got)
	}
}

func TestDo_NotRetried(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		expectedClass ErrorClass
	}{
		{name: "not found", status: http.StatusNotFound, expectedClass: ErrorClassClient},
		{name: "bad request", status: http.StatusBadRequest, expectedClass: ErrorClassClient},
		{name: "error limited", status: StatusErrorLimited, expectedClass: ErrorClassRateLimit},
		{name: "too many requests", status: http.StatusTooManyRequests, expectedClass: ErrorClassRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockESI()
			defer mock.Close()

			path := "/universe/types/34/"
			mock.SetFailing(path, tt.status)

			gate := newTestGate()
			c := newTestClient(t, mock, gate, nil)

			_, err := c.Do(context.Background(), path, nil)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrBadStatus) {
				t.Errorf("error = %v, want ErrBadStatus", err)
			}
			if errors.Is(err, ErrRetryExhausted) {
				t.Error("non-retriable error must not report retry exhaustion")
			}

			var esiErr *ESIError
			if !errors.As(err, &esiErr) {
				t.Fatalf("error is not *ESIError: %v", err)
			}
			if esiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", esiErr.StatusCode, tt.status)
			}
			if esiErr.ErrorClass != tt.expectedClass {
				t.Errorf("ErrorClass = %q, want %q", esiErr.ErrorClass, tt.expectedClass)
			}
			if got := mock.PathCount(path); got != 1 {
				t.Errorf("requests = %d, want 1", got)
			}
			if got := gate.Snapshot().ErrorCount; got != 1 {
				t.Errorf("gate ErrorCount = %d, want 1", got)
			}
		})
	}
}

func TestGet_DecodeErrorCounted(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()

	path := "/universe/regions/1/"
	mock.SetResponse(path, testutil.NewHealthyResponse(`{"region_id": "not-a-number"`))

	gate := newTestGate()
	c := newTestClient(t, mock, gate, nil)

	_, err := Get[testRegion](context.Background(), c, path)
	if ClassOf(err) != ErrorClassDecode {
		t.Fatalf("ClassOf(err) = %q, want decode (err = %v)", ClassOf(err), err)
	}
	if got := mock.PathCount(path); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
	if got := gate.Snapshot().ErrorCount; got != 1 {
		t.Errorf("gate ErrorCount = %d, want 1", got)
	}
}

func TestDo_WaitsWhileGateLimited(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetJSON("/universe/regions/", []int32{1})

	gate := ratelimit.NewGate(ratelimit.GateConfig{
		ErrorThreshold: 1,
		ErrorWindow:    300 * time.Millisecond,
	}, zerolog.Nop())
	gate.RecordError()
	if !gate.IsRateLimited() {
		t.Fatal("gate should be limited")
	}

	c := newTestClient(t, mock, gate, nil)

	start := time.Now()
	if _, err := GetList[int32](context.Background(), c, "/universe/regions/"); err != nil {
		t.Fatalf("GetList() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("request went out after %v, expected to wait for the gate", elapsed)
	}
	if c.IsRateLimited() {
		t.Error("gate should be lifted after waiting")
	}
}

func TestDo_ContextCancelledWhileGated(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()

	gate := ratelimit.NewGate(ratelimit.GateConfig{
		ErrorThreshold: 1,
		ErrorWindow:    time.Minute,
	}, zerolog.Nop())
	gate.RecordError()

	c := newTestClient(t, mock, gate, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, "/universe/regions/", nil)
	if !errors.Is(err, ErrContextCancelled) {
		t.Fatalf("error = %v, want ErrContextCancelled", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("requests = %d, want 0", mock.RequestCount())
	}
	if got := c.AvailableConnections(); got != 100 {
		t.Errorf("AvailableConnections() = %d, want 100", got)
	}
}

func TestDo_ConnectionBudget(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()

	var inFlight, maxInFlight atomic.Int32
	mock.SetHandler("/slow/", func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte(`[]`))
	})

	c := newTestClient(t, mock, nil, func(cfg *Config) { cfg.MaxConnections = 2 })

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Do(context.Background(), "/slow/", nil); err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got > 2 {
		t.Errorf("max in-flight requests = %d, want <= 2", got)
	}
	if got := c.AvailableConnections(); got != 2 {
		t.Errorf("AvailableConnections() = %d, want 2 (slot leaked)", got)
	}
}

func TestDo_ReleasesSlotOnFailure(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetFailing("/broken/", http.StatusInternalServerError)

	c := newTestClient(t, mock, nil, func(cfg *Config) { cfg.MaxConnections = 1 })

	for i := 0; i < 3; i++ {
		if _, err := c.Do(context.Background(), "/broken/", nil); err == nil {
			t.Fatal("expected error, got nil")
		}
	}
	if got := c.AvailableConnections(); got != 1 {
		t.Errorf("AvailableConnections() = %d, want 1", got)
	}
}

func TestDo_RequestPacing(t *testing.T) {
	mock := testutil.NewMockESI()
	defer mock.Close()
	mock.SetJSON("/universe/regions/", []int32{1})

	c := newTestClient(t, mock, nil, func(cfg *Config) {
		cfg.RequestsPerSecond = 20
		cfg.Burst = 1
	})

	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := c.Do(context.Background(), "/universe/regions/", nil); err != nil {
			t.Fatalf("Do() error = %v", err)
		}
	}
	// 5 requests at 20/s with burst 1: at least 4 intervals of 50ms
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("5 paced requests took %v, want >= ~200ms", elapsed)
	}
}

func TestEndpointLabel(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{path: "/universe/regions/", expected: "/universe/regions/"},
		{path: "/universe/regions/10000002/", expected: "/universe/regions/{id}/"},
		{path: "/markets/10000002/orders/?order_type=all", expected: "/markets/{id}/orders/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := endpointLabel(tt.path); got != tt.expected {
				t.Errorf("endpointLabel(%q) = %q, want %q", tt.path, got, tt.expected)
			}
		})
	}
}
