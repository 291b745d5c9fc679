// Package testutil provides common test utilities and helpers for AbeAI tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/BTreeMap/AbeAI/internal/genai"
	"github.com/BTreeMap/AbeAI/internal/models"
	"github.com/BTreeMap/AbeAI/internal/rules"
	"github.com/BTreeMap/AbeAI/internal/store"
)

// FakeCompleter is a goroutine-safe completion stub that records every request.
type FakeCompleter struct {
	mu       sync.Mutex
	Reply    string
	Err      error
	requests []genai.Request
}

// NewFakeCompleter returns a completer that always answers with reply.
func NewFakeCompleter(reply string) *FakeCompleter {
	return &FakeCompleter{Reply: reply}
}

// Complete records the request and returns the configured reply or error.
func (f *FakeCompleter) Complete(ctx context.Context, req genai.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.Err != nil {
		return "", f.Err
	}
	return f.Reply, nil
}

// Calls returns how many completions were requested.
func (f *FakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// LastRequest returns the most recent request, failing the test if there was none.
func (f *FakeCompleter) LastRequest(t *testing.T) genai.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("expected a completion request, got none")
	}
	return f.requests[len(f.requests)-1]
}

// MustRules loads the embedded rule table.
func MustRules(t *testing.T) *rules.Rules {
	t.Helper()
	r, err := rules.Default()
	if err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}
	return r
}

// SeedRecord stores rec as a new record.
func SeedRecord(t *testing.T, st store.Store, rec *models.Record) {
	t.Helper()
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("failed to seed record %s: %v", rec.ID, err)
	}
}

// LoadRecord fetches a record, failing the test if it does not exist.
func LoadRecord(t *testing.T, st store.Store, id string) *models.Record {
	t.Helper()
	rec, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load record %s: %v", id, err)
	}
	if rec == nil {
		t.Fatalf("record %s does not exist", id)
	}
	return rec
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON envelope and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// DecodeChatResponse decodes a chat reply body.
func DecodeChatResponse(t *testing.T, rr *httptest.ResponseRecorder) models.ChatResponse {
	t.Helper()
	var resp models.ChatResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode chat response: %v (body %q)", err, rr.Body.String())
	}
	return resp
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
