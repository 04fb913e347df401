package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockServer provides an in-memory remote record store for testing.
type MockServer struct {
	*httptest.Server
	mu      sync.RWMutex
	data    map[string]map[string]*mockRecord // collection -> server id -> record
	idSeq   int
	failN   int // fail the next N requests
	failC   int // with this status code
	reqs    int
	latency time.Duration
	clockAt time.Time // non-zero overrides updated_at stamping
}

type mockRecord struct {
	fields    map[string]interface{}
	updatedAt time.Time
}

// NewMockServer creates a mock remote store server.
func NewMockServer() *MockServer {
	m := &MockServer{
		data: make(map[string]map[string]*mockRecord),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if m.injectFailure(w) {
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", m.handle)

	m.Server = httptest.NewServer(mux)
	return m
}

// FailNext makes the next n requests fail with the given status code.
func (m *MockServer) FailNext(n, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
	m.failC = code
}

// SetLatency delays every subsequent request by d.
func (m *MockServer) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetClock pins the updated_at timestamp stamped on subsequent writes.
func (m *MockServer) SetClock(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clockAt = t
}

// RequestCount returns the number of requests handled so far.
func (m *MockServer) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reqs
}

// Seed inserts a record directly, bypassing the HTTP surface.
func (m *MockServer) Seed(collection, id string, fields map[string]interface{}, updatedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]*mockRecord)
	}
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	m.data[collection][id] = &mockRecord{fields: copied, updatedAt: updatedAt}
}

// Get returns a record's fields for test assertions, or nil if absent.
func (m *MockServer) Get(collection, id string) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[collection][id]
	if !ok {
		return nil
	}
	copied := make(map[string]interface{}, len(rec.fields))
	for k, v := range rec.fields {
		copied[k] = v
	}
	return copied
}

// Count returns the number of records in a collection.
func (m *MockServer) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[collection])
}

// Reset clears all records and failure injection.
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]map[string]*mockRecord)
	m.failN = 0
	m.reqs = 0
	m.latency = 0
	m.clockAt = time.Time{}
}

func (m *MockServer) injectFailure(w http.ResponseWriter) bool {
	m.mu.Lock()
	m.reqs++
	latency := m.latency
	fail := false
	if m.failN > 0 {
		m.failN--
		fail = true
	}
	code := m.failC
	m.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	if fail {
		http.Error(w, "injected failure", code)
	}
	return fail
}

func (m *MockServer) now() time.Time {
	if !m.clockAt.IsZero() {
		return m.clockAt
	}
	return time.Now().UTC()
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	if m.injectFailure(w) {
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		collection := parts[0]
		switch r.Method {
		case http.MethodGet:
			m.handleList(w, r, collection)
		case http.MethodPost:
			m.handleInsert(w, r, collection)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case len(parts) == 2:
		collection, id := parts[0], parts[1]
		switch r.Method {
		case http.MethodPatch:
			m.handleUpdate(w, r, collection, id)
		case http.MethodDelete:
			m.handleDelete(w, collection, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *MockServer) render(id string, rec *mockRecord) map[string]interface{} {
	out := make(map[string]interface{}, len(rec.fields)+2)
	for k, v := range rec.fields {
		out[k] = v
	}
	out["id"] = id
	out["updated_at"] = rec.updatedAt.Format(time.RFC3339Nano)
	return out
}

func (m *MockServer) handleInsert(w http.ResponseWriter, r *http.Request, collection string) {
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]*mockRecord)
	}
	m.idSeq++
	id := fmt.Sprintf("srv-%d", m.idSeq)
	delete(fields, "id")
	rec := &mockRecord{fields: fields, updatedAt: m.now()}
	m.data[collection][id] = rec
	body := m.render(id, rec)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(body)
}

func (m *MockServer) handleUpdate(w http.ResponseWriter, r *http.Request, collection, id string) {
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	rec, ok := m.data[collection][id]
	if !ok {
		m.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	for k, v := range fields {
		if k == "id" || k == "updated_at" {
			continue
		}
		rec.fields[k] = v
	}
	rec.updatedAt = m.now()
	body := m.render(id, rec)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (m *MockServer) handleDelete(w http.ResponseWriter, collection, id string) {
	m.mu.Lock()
	_, ok := m.data[collection][id]
	if !ok {
		m.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	delete(m.data[collection], id)
	m.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (m *MockServer) handleList(w http.ResponseWriter, r *http.Request, collection string) {
	since := r.URL.Query().Get("since")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	var cutoff time.Time
	if since != "" {
		parsed, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		cutoff = parsed
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.data[collection]))
	for id, rec := range m.data[collection] {
		if cutoff.IsZero() || !rec.updatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.render(id, m.data[collection][id]))
	}
	m.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
