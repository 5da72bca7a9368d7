package cac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const sampleDocument = `{
  "contexts": [
    {"id": "ctx-city", "condition": {"==": [{"var": "city"}, "Bangalore"]}, "priority": 1, "override_with_keys": ["ov-city"]},
    {"id": "ctx-city-cab", "condition": {"and": [{"==": [{"var": "city"}, "Bangalore"]}, {"==": [{"var": "vehicle"}, "cab"]}]}, "priority": 2, "override_with_keys": ["ov-cab"]}
  ],
  "overrides": {
    "ov-city": {"pricing.base": 20, "ui": {"theme": "dark"}},
    "ov-cab": {"pricing.base": 30, "ui": {"banner": true}, "unknown.key": 1}
  },
  "default_configs": {
    "pricing.base": 10,
    "pricing.surge": false,
    "ui": {"theme": "light", "banner": false},
    "support.email": "help@example.com"
  }
}`

// fakeServer mimics the CAC read API for one tenant.
type fakeServer struct {
	tenant string

	mu           sync.Mutex
	body         string
	lastModified time.Time
	status       int

	requests    atomic.Int32
	notModified atomic.Int32
}

func newFakeServer(t *testing.T, tenant, body string) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		tenant:       tenant,
		body:         body,
		lastModified: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		status:       http.StatusOK,
	}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (f *fakeServer) set(body string, lastModified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = body
	f.lastModified = lastModified
}

func (f *fakeServer) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	f.mu.Lock()
	body, lastModified, status := f.body, f.lastModified, f.status
	f.mu.Unlock()

	if r.URL.Path != "/config" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("x-tenant") != f.tenant {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "tenant not found"})
		return
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" {
		if parsed, err := http.ParseTime(since); err == nil && !lastModified.After(parsed) {
			f.notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
	_, _ = w.Write([]byte(body))
}
