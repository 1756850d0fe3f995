package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

// TestMain bootstraps the real SDK providers once so spans mint trace IDs
// and DefaultMetrics binds to a live meter.
func TestMain(m *testing.M) {
	shutdown, err := InitProvider(context.Background(), ProviderConfig{ServiceName: "lumora-test"})
	if err != nil {
		panic(err)
	}
	code := m.Run()
	_ = shutdown(context.Background())
	os.Exit(code)
}

// TestRouteLabel collapses ID-shaped path segments so metric labels stay
// bounded while static segments survive untouched.
func TestRouteLabel(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/api/sessions", "/api/sessions"},
		{"/api/sessions/0198c1c2-6f3a-7b44-9d10-3a57be08c2aa", "/api/sessions/{id}"},
		{"/api/courses/42", "/api/courses/{id}"},
		{"/api/courses/0198c1c2-6f3a-7b44-9d10-3a57be08c2aa/quizzes", "/api/courses/{id}/quizzes"},
		{"/api/tasks/0198C1C2-6F3A-7B44-9D10-3A57BE08C2AA", "/api/tasks/{id}"},
		{"/healthz", "/healthz"},
		{"/", "/"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

// TestIsIDSegment rejects segments that are merely ID-adjacent: wrong UUID
// length, non-hex characters, misplaced dashes, mixed alphanumerics.
func TestIsIDSegment(t *testing.T) {
	for _, seg := range []string{"7", "12345", "0198c1c2-6f3a-7b44-9d10-3a57be08c2aa"} {
		if !isIDSegment(seg) {
			t.Errorf("isIDSegment(%q) = false, want true", seg)
		}
	}
	for _, seg := range []string{
		"",
		"sessions",
		"v2",
		"0198c1c2-6f3a-7b44-9d10-3a57be08c2a",   // 35 chars
		"0198c1c2-6f3a-7b44-9d10-3a57be08c2azz", // 37 chars
		"0198c1c2x6f3a-7b44-9d10-3a57be08c2aa",  // dash replaced
		"0198c1c2-6f3a-7b44-9d10-3a57be08c2ag",  // non-hex
	} {
		if isIDSegment(seg) {
			t.Errorf("isIDSegment(%q) = true, want false", seg)
		}
	}
}

// TestMiddlewareCorrelationHeader serves a request through the middleware and
// checks that the client gets an X-Correlation-ID and the handler's status
// reaches the recorder.
func TestMiddlewareCorrelationHeader(t *testing.T) {
	handler := Middleware(DefaultMetrics())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusCreated)
	}
	if cid := rr.Header().Get("X-Correlation-ID"); cid == "" {
		t.Error("X-Correlation-ID header not set")
	}
}

// TestMiddlewareJoinsIncomingTrace propagates an incoming W3C traceparent:
// the correlation ID handed back must be the caller's trace ID, not a fresh
// one.
func TestMiddlewareJoinsIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	handler := Middleware(DefaultMetrics())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/courses/42", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

// TestMiddlewareDefaultStatus leaves the recorded status at 200 when the
// handler never calls WriteHeader.
func TestMiddlewareDefaultStatus(t *testing.T) {
	handler := Middleware(DefaultMetrics())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}
