package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/AbeAI/internal/coach"
	"github.com/BTreeMap/AbeAI/internal/identity"
	"github.com/BTreeMap/AbeAI/internal/models"
	"github.com/BTreeMap/AbeAI/internal/store"
	"github.com/BTreeMap/AbeAI/internal/testutil"
)

type testEnv struct {
	server    *Server
	handler   http.Handler
	store     *store.InMemoryStore
	completer *testutil.FakeCompleter
}

// newTestServer builds a server backed by the in-memory store and a fake completer.
// Rate limiting is off unless opts turn it on.
func newTestServer(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	fc := testutil.NewFakeCompleter("Stay hydrated!")
	c := coach.New(st, testutil.MustRules(t), fc)
	srv := NewServer(c, append([]Option{WithRateLimit(0, 0)}, opts...)...)
	return &testEnv{server: srv, handler: srv.Router(), store: st, completer: fc}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func TestChatHandler_Success(t *testing.T) {
	env := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/", map[string]string{"message": "hello", "user_id": "u-1"})
	rr := env.do(req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "chat success")
	if len(rr.Result().Cookies()) != 0 {
		t.Error("expected no cookie when user_id is supplied")
	}
	resp := testutil.DecodeChatResponse(t, rr)
	if resp.Response != "Stay hydrated!" || resp.SessionID != "" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if rec := testutil.LoadRecord(t, env.store, "u-1"); rec.UsageCount != 1 {
		t.Errorf("expected usage 1, got %d", rec.UsageCount)
	}
}

func TestChatHandler_ChatAlias(t *testing.T) {
	env := newTestServer(t)
	rr := env.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/chat", map[string]string{"message": "hello", "user_id": "u-1"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST /chat")
}

func TestChatHandler_MintsSessionCookie(t *testing.T) {
	env := newTestServer(t)
	rr := env.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/", map[string]string{"message": "hello"}))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "minted session")
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != identity.CookieName {
		t.Fatalf("expected session cookie, got %v", cookies)
	}
	if !strings.Contains(rr.Header().Get("Set-Cookie"), "SameSite=None") {
		t.Errorf("unexpected Set-Cookie header %q", rr.Header().Get("Set-Cookie"))
	}
	resp := testutil.DecodeChatResponse(t, rr)
	if resp.SessionID == "" || resp.SessionID != cookies[0].Value {
		t.Errorf("expected sessionId %q in body, got %q", cookies[0].Value, resp.SessionID)
	}

	// The cookie identifies the same record on the next request.
	next := testutil.CreateHTTPRequest(t, http.MethodPost, "/", map[string]string{"message": "hello again"})
	next.AddCookie(cookies[0])
	rr = env.do(next)
	if len(rr.Result().Cookies()) != 0 {
		t.Error("expected no new cookie for a known session")
	}
	if got := testutil.DecodeChatResponse(t, rr).SessionID; got != "" {
		t.Errorf("expected no sessionId for a known session, got %q", got)
	}
	if rec := testutil.LoadRecord(t, env.store, cookies[0].Value); rec.UsageCount != 2 {
		t.Errorf("expected both turns on one record, usage %d", rec.UsageCount)
	}
}

func TestChatHandler_BadRequests(t *testing.T) {
	env := newTestServer(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{"message":`, "Invalid JSON format"},
		{"empty message", `{"message":"   ","user_id":"u"}`, models.ErrEmptyMessage.Error()},
		{"invalid tier", `{"message":"hi","tier":"Gold"}`, models.ErrInvalidTier.Error()},
		{"long message", `{"message":"` + strings.Repeat("a", models.MaxMessageLength+1) + `"}`, models.ErrMessageTooLong.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			rr := env.do(req)
			testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, tt.name)
			resp := testutil.AssertJSONResponse(t, rr, "error")
			if resp["message"] != tt.want || resp["response"] != tt.want {
				t.Errorf("expected message %q, got %v", tt.want, resp)
			}
		})
	}
	if env.completer.Calls() != 0 {
		t.Error("completer called for a rejected request")
	}
}

func TestChatHandler_BodyTooLarge(t *testing.T) {
	env := newTestServer(t, WithMaxBodyBytes(64))
	body := bytes.NewBufferString(`{"message":"` + strings.Repeat("x", 200) + `"}`)
	rr := env.do(httptest.NewRequest(http.MethodPost, "/", body))
	testutil.AssertHTTPStatus(t, http.StatusRequestEntityTooLarge, rr.Code, "oversized body")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestChatHandler_MethodNotAllowed(t *testing.T) {
	env := newTestServer(t)
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rr := env.do(httptest.NewRequest(method, "/", nil))
		testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, method)
		if rr.Header().Get("Allow") != http.MethodPost {
			t.Errorf("%s: expected Allow: POST, got %q", method, rr.Header().Get("Allow"))
		}
		testutil.AssertJSONResponse(t, rr, "error")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestServer(t, WithAllowedOrigins("https://downscaleai.com"))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://downscaleai.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rr := env.do(req)

	testutil.AssertHTTPStatus(t, http.StatusNoContent, rr.Code, "preflight")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://downscaleai.com" {
		t.Errorf("expected echoed origin, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr = env.do(req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("expected no CORS grant for unlisted origin, got %q", got)
	}
}

func TestCORSWildcard(t *testing.T) {
	env := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/", map[string]string{"message": "hi", "user_id": "u"})
	req.Header.Set("Origin", "https://any.example")
	rr := env.do(req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestServer(t, WithRateLimit(0.001, 2))
	send := func() *httptest.ResponseRecorder {
		return env.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/", map[string]string{"message": "hi", "user_id": "u"}))
	}
	for i := 0; i < 2; i++ {
		testutil.AssertHTTPStatus(t, http.StatusOK, send().Code, "within burst")
	}
	rr := send()
	testutil.AssertHTTPStatus(t, http.StatusTooManyRequests, rr.Code, "over limit")
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestGeoHeaderSetsAustralian(t *testing.T) {
	env := newTestServer(t)
	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/", map[string]string{"message": "hi", "user_id": "au-user"})
	req.Header.Set(DefaultGeoHeader, "au")
	rr := env.do(req)

	resp := testutil.DecodeChatResponse(t, rr)
	if !strings.HasPrefix(resp.Response, "G'day! ") {
		t.Errorf("expected Australian greeting, got %q", resp.Response)
	}
	if !testutil.LoadRecord(t, env.store, "au-user").IsAustralian {
		t.Error("expected record flagged Australian")
	}
}

func TestGeoAustralianUnknownCountry(t *testing.T) {
	srv := NewServer(nil)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if srv.geoAustralian(req) != nil {
		t.Error("expected nil without header")
	}
	req.Header.Set(DefaultGeoHeader, "XX")
	if srv.geoAustralian(req) != nil {
		t.Error("expected nil for unknown country")
	}
	req.Header.Set(DefaultGeoHeader, "NZ")
	if got := srv.geoAustralian(req); got == nil || *got {
		t.Error("expected false for NZ")
	}
}

func TestChatHandler_FieldAliases(t *testing.T) {
	env := newTestServer(t)
	body := `{"message":"hi","user_id":"alias","subscription_tier":"premium","user_context":{"fitnessLevel":"beginner"}}`
	rr := env.do(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "aliases")

	rec := testutil.LoadRecord(t, env.store, "alias")
	if rec.Tier != models.TierPremium || rec.Profile.FitnessLevel != "beginner" {
		t.Errorf("aliases not applied: tier=%s profile=%+v", rec.Tier, rec.Profile)
	}
}

func TestChatHandler_HandledOutcomesReturn200(t *testing.T) {
	env := newTestServer(t)
	for _, msg := range []string{"I want to kill myself", "I'm 15 years old", "welcome", "snack ideas?"} {
		rr := env.do(testutil.CreateHTTPRequest(t, http.MethodPost, "/", map[string]string{"message": msg, "user_id": "o-" + msg}))
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, msg)
	}
	if env.completer.Calls() != 0 {
		t.Errorf("expected no completions for rule-handled outcomes, got %d", env.completer.Calls())
	}
}

func TestHealthAndNotFound(t *testing.T) {
	env := newTestServer(t)
	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")

	rr = env.do(httptest.NewRequest(http.MethodPost, "/nowhere", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown path")
	testutil.AssertJSONResponse(t, rr, "error")

	rr = env.do(httptest.NewRequest(http.MethodPost, TwilioWebhookPath, nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "webhook disabled")
}

func TestClientLimiterEvict(t *testing.T) {
	l := newClientLimiter(1, 1)
	l.allow("a")
	l.idle = 0
	if n := l.evict(); n != 1 {
		t.Errorf("expected 1 evicted bucket, got %d", n)
	}
}

type deadlineHandler struct {
	remaining time.Duration
}

func (h *deadlineHandler) Handle(ctx context.Context, turn coach.Turn) *coach.Reply {
	if deadline, ok := ctx.Deadline(); ok {
		h.remaining = time.Until(deadline)
	}
	return &coach.Reply{ChatResponse: models.ChatResponse{Response: "ok"}}
}

func TestChatHandler_TurnTimeout(t *testing.T) {
	h := &deadlineHandler{}
	srv := NewServer(h, WithRateLimit(0, 0), WithTurnTimeout(2*time.Second))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, testutil.CreateHTTPRequest(t, http.MethodPost, "/", models.ChatRequest{Message: "hi", UserID: "u1"}))

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "turn timeout")
	if h.remaining <= 0 || h.remaining > 2*time.Second {
		t.Errorf("expected a 2s turn deadline, %v remaining", h.remaining)
	}
}
