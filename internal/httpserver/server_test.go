package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/supervisor"
)

type fakeSession struct {
	state supervisor.State
	pid   int
}

func (f fakeSession) State() supervisor.State { return f.state }
func (f fakeSession) PID() int                { return f.pid }

type fakeCounter int

func (c fakeCounter) Len() int { return int(c) }

func newTestServer(token string) *Server {
	gw := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	return New(Deps{
		Gateway:   gw,
		Session:   fakeSession{state: supervisor.Running, pid: 4242},
		Observers: fakeCounter(2),
		AuthToken: token,
	})
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer("secret")
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", w.Code, w.Body.String())
	}
}

func TestServer_State(t *testing.T) {
	srv := newTestServer("secret")
	r := httptest.NewRequest(http.MethodGet, "/state", nil)
	r.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap StateSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.SessionState != "running" || snap.SessionPID != 4242 || snap.Observers != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestServer_ObserverRoutesRequireToken(t *testing.T) {
	srv := newTestServer("secret")
	for _, path := range []string{"/", "/ws"} {
		w := httptest.NewRecorder()
		srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: got %d", path, w.Code)
		}
		w = httptest.NewRecorder()
		srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path+"?token=secret", nil))
		if w.Code != http.StatusTeapot {
			t.Fatalf("%s with token should reach the gateway, got %d", path, w.Code)
		}
	}
}

func TestServer_NoTokenConfigured(t *testing.T) {
	srv := newTestServer("")
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected open access, got %d", w.Code)
	}
}
