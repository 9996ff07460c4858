package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	mw "github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/middleware"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/supervisor"
)

// SessionState reports the supervised session slot.
type SessionState interface {
	State() supervisor.State
	PID() int
}

// ObserverCounter reports how many observers are connected.
type ObserverCounter interface {
	Len() int
}

// Deps are the handlers and state sources behind the routes.
type Deps struct {
	// Gateway serves the websocket observer channel.
	Gateway   http.Handler
	Session   SessionState
	Observers ObserverCounter
	AuthToken string
	Logger    *slog.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

// StateSnapshot is the body of GET /state.
type StateSnapshot struct {
	SessionState string `json:"session_state"`
	SessionPID   int    `json:"session_pid"`
	Observers    int    `json:"observers"`
}

// New constructs the HTTP server with routes.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := newRouter(logger)
	token := d.AuthToken
	e.Use(mw.TokenAuth(func() string { return token }, "/healthz"))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/state", func(c echo.Context) error {
		snap := StateSnapshot{SessionState: supervisor.Idle.String()}
		if d.Session != nil {
			snap.SessionState = d.Session.State().String()
			snap.SessionPID = d.Session.PID()
		}
		if d.Observers != nil {
			snap.Observers = d.Observers.Len()
		}
		return c.JSON(http.StatusOK, snap)
	})

	ws := echo.WrapHandler(d.Gateway)
	e.GET("/", ws)
	e.GET("/ws", ws)

	return &Server{Router: e}
}
