package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type fakeSupervisor struct {
	status   Status
	runlevel int
	reloads  int
	err      error
}

func (f *fakeSupervisor) Status() Status { return f.status }

func (f *fakeSupervisor) RequestRunlevel(level int) error {
	if f.err != nil {
		return f.err
	}
	f.runlevel = level
	return nil
}

func (f *fakeSupervisor) RequestReload() error {
	f.reloads++
	return f.err
}

func (f *fakeSupervisor) Version() map[string]string {
	return map[string]string{"version": "test"}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusEndpoint(t *testing.T) {
	sup := &fakeSupervisor{status: Status{Runlevel: 2, Prevlevel: 0, State: "running", Hostname: "beastie"}}
	srv := NewServer(Config{}, sup, nil, discard())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Runlevel != 2 || got.State != "running" || got.Hostname != "beastie" {
		t.Errorf("status = %+v", got)
	}
}

func TestRunlevelEndpoint(t *testing.T) {
	sup := &fakeSupervisor{}
	srv := NewServer(Config{}, sup, nil, discard())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runlevel", strings.NewReader(`{"level":3}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if sup.runlevel != 3 {
		t.Errorf("requested runlevel = %d, want 3", sup.runlevel)
	}
}

func TestRunlevelEndpointRejectsBadBody(t *testing.T) {
	sup := &fakeSupervisor{}
	srv := NewServer(Config{}, sup, nil, discard())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runlevel", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestReloadEndpoint(t *testing.T) {
	sup := &fakeSupervisor{}
	srv := NewServer(Config{}, sup, nil, discard())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reload", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || sup.reloads != 1 {
		t.Errorf("status = %d, reloads = %d", rec.Code, sup.reloads)
	}
}

func TestTCPRequiresAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	sup := &fakeSupervisor{}
	srv := NewServer(Config{Username: "admin", Password: string(hash)}, sup, nil, discard())

	// TCP-style request: non-empty RemoteAddr.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "10.0.0.1:4711"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "10.0.0.1:4711"
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", rec.Code)
	}

	// The Unix socket path skips auth entirely.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.RemoteAddr = "@"
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("unix-socket status = %d, want 200", rec.Code)
	}
}

func TestHealthzSkipsAuth(t *testing.T) {
	srv := NewServer(Config{Username: "admin", Password: "x"}, &fakeSupervisor{}, nil, discard())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:4711"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}
