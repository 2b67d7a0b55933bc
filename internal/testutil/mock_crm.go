package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// CRMRequest is one request received by MockCRM.
type CRMRequest struct {
	Path string
	Body map[string]any
}

// MockCRM is an httptest CRM. By default every call answers
// {"success":true}; set Status and Body to simulate failures.
type MockCRM struct {
	*httptest.Server

	mu          sync.Mutex
	requests    []CRMRequest
	Status      int
	Body        string
	ContentType string
}

// NewMockCRM starts a MockCRM closed on test cleanup.
func NewMockCRM(t *testing.T) *MockCRM {
	t.Helper()
	m := &MockCRM{}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

func (m *MockCRM) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	m.mu.Lock()
	m.requests = append(m.requests, CRMRequest{Path: r.URL.Path, Body: body})
	status, respBody, ct := m.Status, m.Body, m.ContentType
	m.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	if respBody == "" {
		respBody = `{"success":true}`
	}
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(respBody))
}

// Requests returns a copy of received requests.
func (m *MockCRM) Requests() []CRMRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CRMRequest(nil), m.requests...)
}

// RequestsTo filters received requests by path.
func (m *MockCRM) RequestsTo(path string) []CRMRequest {
	var out []CRMRequest
	for _, r := range m.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Fail makes subsequent calls return status with body.
func (m *MockCRM) Fail(status int, contentType, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Status, m.ContentType, m.Body = status, contentType, body
}
