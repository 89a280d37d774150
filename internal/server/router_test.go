package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubProxy struct {
	proxyCalls        int
	healthCalls       int
	adminActions      []string
	writeErrorCalled  bool
	writeErrorStatus  int
	writeErrorMessage string
}

func (s *stubProxy) ServeProxy(w http.ResponseWriter, r *http.Request) {
	s.proxyCalls++
	w.WriteHeader(http.StatusOK)
}

func (s *stubProxy) ServeHealth(w http.ResponseWriter, r *http.Request) {
	s.healthCalls++
	w.WriteHeader(http.StatusOK)
}

func (s *stubProxy) ServeAdmin(w http.ResponseWriter, r *http.Request, action string) {
	s.adminActions = append(s.adminActions, action)
	w.WriteHeader(http.StatusOK)
}

func (s *stubProxy) WriteError(w http.ResponseWriter, status int, message string) {
	s.writeErrorCalled = true
	s.writeErrorStatus = status
	s.writeErrorMessage = message
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func TestParseAdminRoute(t *testing.T) {
	cases := map[string]struct {
		path   string
		action string
		ok     bool
	}{
		"list":            {path: "/admin/list", action: "list", ok: true},
		"trailing slash":  {path: "/admin/reset/", action: "reset", ok: true},
		"mixed case":      {path: "/Admin/Inspect", action: "inspect", ok: true},
		"bare admin":      {path: "/admin", ok: false},
		"nested":          {path: "/admin/reset/all", ok: false},
		"proxy path":      {path: "/alerts/active", ok: false},
		"empty path":      {path: "/", ok: false},
		"admin elsewhere": {path: "/points/admin", ok: false},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			action, ok := parseAdminRoute(tc.path)
			if action != tc.action || ok != tc.ok {
				t.Fatalf("parseAdminRoute(%q) = (%q, %t), want (%q, %t)", tc.path, action, ok, tc.action, tc.ok)
			}
		})
	}
}

func TestNewProxyHandlerNilProxy(t *testing.T) {
	handler := NewProxyHandler(nil, HandlerOptions{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/alerts/active", http.NoBody)

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 when proxy unavailable, got %d", rec.Code)
	}
}

func TestProxyHandlerDispatchesRoutes(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name            string
		path            string
		opts            HandlerOptions
		wantStatus      int
		wantProxyCalls  int
		wantHealthCalls int
		wantAdmin       []string
	}{
		{name: "proxy path", path: "/alerts/active", wantStatus: http.StatusOK, wantProxyCalls: 1},
		{name: "healthz", path: "/healthz", wantStatus: http.StatusOK, wantHealthCalls: 1},
		{name: "health alias", path: "/health", wantStatus: http.StatusOK, wantHealthCalls: 1},
		{name: "metrics", path: "/metrics", opts: HandlerOptions{Metrics: metricsHandler}, wantStatus: http.StatusTeapot},
		{name: "metrics disabled falls through", path: "/metrics", wantStatus: http.StatusOK, wantProxyCalls: 1},
		{name: "admin", path: "/admin/list", opts: HandlerOptions{AdminEnabled: true}, wantStatus: http.StatusOK, wantAdmin: []string{"list"}},
		{name: "admin disabled", path: "/admin/list", wantStatus: http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubProxy{}
			handler := NewProxyHandler(stub, tc.opts)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.path, http.NoBody)
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
			if stub.proxyCalls != tc.wantProxyCalls {
				t.Fatalf("expected %d proxy calls, got %d", tc.wantProxyCalls, stub.proxyCalls)
			}
			if stub.healthCalls != tc.wantHealthCalls {
				t.Fatalf("expected %d health calls, got %d", tc.wantHealthCalls, stub.healthCalls)
			}
			if len(stub.adminActions) != len(tc.wantAdmin) {
				t.Fatalf("expected admin actions %v, got %v", tc.wantAdmin, stub.adminActions)
			}
			for i, action := range tc.wantAdmin {
				if stub.adminActions[i] != action {
					t.Fatalf("expected admin action %q, got %q", action, stub.adminActions[i])
				}
			}
		})
	}
}

func TestProxyHandlerAdminToken(t *testing.T) {
	stub := &stubProxy{}
	handler := NewProxyHandler(stub, HandlerOptions{AdminEnabled: true, AdminToken: "s3cret"})

	cases := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic s3cret", wantStatus: http.StatusUnauthorized},
		{name: "valid", header: "Bearer s3cret", wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer s3cret", wantStatus: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/admin/reset", http.NoBody)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
			if tc.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatalf("expected WWW-Authenticate challenge")
			}
		})
	}
	if len(stub.adminActions) != 2 {
		t.Fatalf("expected 2 authorized admin calls, got %d", len(stub.adminActions))
	}
}

func TestProxyHandlerAdminMethod(t *testing.T) {
	stub := &stubProxy{}
	handler := NewProxyHandler(stub, HandlerOptions{AdminEnabled: true})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/reset", http.NoBody))

	if !stub.writeErrorCalled || stub.writeErrorStatus != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 via WriteError, got called=%t status=%d", stub.writeErrorCalled, stub.writeErrorStatus)
	}
	if rec.Header().Get("Allow") != "GET, POST" {
		t.Fatalf("expected Allow header, got %q", rec.Header().Get("Allow"))
	}
	if len(stub.adminActions) != 0 {
		t.Fatalf("expected no admin calls")
	}
}
