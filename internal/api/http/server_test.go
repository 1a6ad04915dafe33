package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/tether/internal/api"
	"github.com/Paintersrp/tether/internal/lifecycle"
	"github.com/Paintersrp/tether/internal/metrics"
	"github.com/Paintersrp/tether/internal/supervisor"
)

type testController struct{}

func (t *testController) Status(stdcontext.Context) (*api.StatusReport, error) {
	return nil, nil
}

func (t *testController) RequestShutdown(stdcontext.Context) (*api.ShutdownResult, error) {
	return nil, nil
}

func TestNewServerRejectsTypedNilController(t *testing.T) {
	var ctrl api.Controller = (*testController)(nil)
	_, err := NewServer(Config{Controller: ctrl})
	if err == nil {
		t.Fatalf("expected error when controller is typed nil")
	}
	if !strings.Contains(err.Error(), "testController") {
		t.Fatalf("expected error to describe typed nil controller, got %v", err)
	}

	if _, err := NewServer(Config{}); err == nil {
		t.Fatalf("expected error when controller is missing")
	}
}

func TestNormalizeAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":           defaultAddr,
		":80":        "127.0.0.1:80",
		"0.0.0.0:80": "127.0.0.1:80",
		"[::]:80":    "127.0.0.1:80",
		"host:9000":  "host:9000",
		"[::1]:443":  "[::1]:443",
		"garbage":    "garbage",
	}

	for input, expected := range tests {
		input, expected := input, expected
		t.Run(fmt.Sprintf("%s->%s", input, expected), func(t *testing.T) {
			t.Parallel()
			if got := normalizeAddr(input); got != expected {
				t.Fatalf("normalizeAddr(%q)=%q, want %q", input, got, expected)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	ctrl := &mockController{
		statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
			return &api.StatusReport{
				App:         "desktop",
				Backend:     "api",
				State:       supervisor.StateRunning,
				GeneratedAt: time.Unix(123, 0),
				Process:     &api.ProcessReport{PID: 4242, Executable: "python3", Args: []string{"api_server.py", "5050"}},
			}, nil
		},
	}
	rec := serve(t, newTestServer(t, ctrl), http.MethodGet, "/api/v1/status")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}

	var body api.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed decoding response: %v", err)
	}
	if body.Backend != "api" || body.State != supervisor.StateRunning {
		t.Fatalf("unexpected status body %+v", body)
	}
	if body.Process == nil || body.Process.PID != 4242 {
		t.Fatalf("expected process report, got %+v", body.Process)
	}
}

func TestHandleStatusError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
		{err: api.ErrNoBackend, status: http.StatusNotFound, code: "no_backend"},
		{err: fmt.Errorf("status: %w", stdcontext.Canceled), status: 499, code: "context_canceled"},
	}

	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			ctrl := &mockController{
				statusFn: func(stdcontext.Context) (*api.StatusReport, error) {
					return nil, tc.err
				},
			}
			rec := serve(t, newTestServer(t, ctrl), http.MethodGet, "/api/v1/status")

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			var body errorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if body.Code != tc.code {
				t.Fatalf("expected %s code, got %q", tc.code, body.Code)
			}
			details, ok := body.Details.(map[string]any)
			if !ok {
				t.Fatalf("expected map details, got %T", body.Details)
			}
			if _, ok := details["timestamp"]; !ok {
				t.Fatalf("expected timestamp key in details")
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server := newTestServer(t, &mockController{})

	rec := serve(t, server, http.MethodPost, "/api/v1/status")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("expected Allow header %q, got %q", http.MethodGet, allow)
	}

	rec = serve(t, server, http.MethodGet, "/api/v1/shutdown")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("expected Allow header %q, got %q", http.MethodPost, allow)
	}
}

func TestNotFound(t *testing.T) {
	rec := serve(t, newTestServer(t, &mockController{}), http.MethodGet, "/api/v1/restart/api")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Code != "not_found" {
		t.Fatalf("expected not_found code, got %q", body.Code)
	}
}

func TestHandleShutdown(t *testing.T) {
	called := 0
	ctrl := &mockController{
		shutdownFn: func(stdcontext.Context) (*api.ShutdownResult, error) {
			called++
			return &api.ShutdownResult{Event: lifecycle.EventExitRequested}, nil
		},
	}
	rec := serve(t, newTestServer(t, ctrl), http.MethodPost, "/api/v1/shutdown")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if called != 1 {
		t.Fatalf("expected controller to be called once, got %d", called)
	}
	var body map[string]api.ShutdownResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body["shutdown"].Event != lifecycle.EventExitRequested {
		t.Fatalf("unexpected shutdown body %+v", body)
	}
}

func TestHostControllerShutdownStopsBackend(t *testing.T) {
	mgr := lifecycle.NewManager(quietLogger())
	sup := supervisor.New(supervisor.WithName("api"), supervisor.WithLogger(quietLogger()))
	lifecycle.Bind(mgr, sup, lifecycle.Launch{Executable: "/definitely/not/here"})
	_ = mgr.Ready(stdcontext.Background())

	host := &api.Host{App: "desktop", Supervisor: sup, Lifecycle: mgr}
	server := newTestServer(t, host)

	rec := serve(t, server, http.MethodGet, "/api/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status api.StatusReport
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if status.State != supervisor.StateIdle || status.Process != nil {
		t.Fatalf("expected idle backend after spawn failure, got %+v", status)
	}

	rec = serve(t, server, http.MethodPost, "/api/v1/shutdown")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case <-mgr.Done():
	default:
		t.Fatalf("expected shutdown hooks to have run")
	}
	if mgr.ShutdownEvent() != lifecycle.EventExitRequested {
		t.Fatalf("unexpected shutdown event %q", mgr.ShutdownEvent())
	}

	rec = serve(t, server, http.MethodPost, "/api/v1/shutdown")
	var body map[string]api.ShutdownResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !body["shutdown"].AlreadyShutdown {
		t.Fatalf("expected second request to report prior shutdown")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, &mockController{})

	backend := "http_metrics"
	metrics.SetBackendRunning(backend, true)
	metrics.IncrementBackendSpawn(backend, true)
	metrics.EmitBuildInfo()

	rec := serve(t, server, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", rec.Code)
	}
	body := rec.Body.String()
	expected := fmt.Sprintf("tether_backend_running{backend=\"%s\"} 1", backend)
	if !strings.Contains(body, expected) {
		t.Fatalf("expected body to contain %q, got:\n%s", expected, body)
	}
	if !strings.Contains(body, fmt.Sprintf("tether_backend_spawns_total{backend=\"%s\",result=\"ok\"} 1", backend)) {
		t.Fatalf("expected spawn counter for %q, got:\n%s", backend, body)
	}
	if !strings.Contains(body, "tether_build_info{") {
		t.Fatalf("expected metrics output to include build info, got:\n%s", body)
	}
}

func TestRunServesOnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, err := NewServer(Config{Controller: &mockController{}, Listener: ln, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()

	resp, err := http.Get("http://" + server.Addr() + "/api/v1/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

type mockController struct {
	statusFn   func(stdcontext.Context) (*api.StatusReport, error)
	shutdownFn func(stdcontext.Context) (*api.ShutdownResult, error)
}

func (m *mockController) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx)
	}
	return &api.StatusReport{State: supervisor.StateIdle}, nil
}

func (m *mockController) RequestShutdown(ctx stdcontext.Context) (*api.ShutdownResult, error) {
	if m.shutdownFn != nil {
		return m.shutdownFn(ctx)
	}
	return &api.ShutdownResult{Event: lifecycle.EventExitRequested}, nil
}

func newTestServer(t *testing.T, ctrl api.Controller) *Server {
	t.Helper()
	server, err := NewServer(Config{Controller: ctrl, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("failed creating server: %v", err)
	}
	return server
}

func serve(t *testing.T, server *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	server.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
