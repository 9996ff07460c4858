// Package gateway dispatches observer commands to the call backend, the
// session supervisor, the recognizer and the speech pipeline.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/backend"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/broadcast"
	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/speech"
)

// Backend is a line-command endpoint.
type Backend interface {
	Call(ctx context.Context, command string) backend.Response
}

// Session is the supervised call agent.
type Session interface {
	Start(ctx context.Context) (int, error)
	Stop(ctx context.Context) error
	Terminate(ctx context.Context) error
	Send(line string) error
	Running() bool
	PID() int
}

// Speaker runs audio jobs.
type Speaker interface {
	Speak(ctx context.Context, text string) speech.Result
	PlayFile(ctx context.Context, path string) speech.Result
}

// Registry tracks connected observers.
type Registry interface {
	Register(o broadcast.Observer)
	Unregister(o broadcast.Observer)
}

// Reply is one JSON response to an observer request.
type Reply map[string]any

func errorReply(msg string) Reply {
	return Reply{"status": "error", "message": msg}
}

// Options wires a Gateway.
type Options struct {
	CallBackend Backend
	Recognizer  Backend
	Session     Session
	Speaker     Speaker
	Registry    Registry

	// CallDomain is appended to dialled numbers as number@domain.
	CallDomain string
	// TestSound is the file played by test_sound.
	TestSound string

	PollRetries  int
	PollInterval time.Duration
	// ResetSettle is the pause after resetting a desynchronized backend.
	ResetSettle time.Duration
	// StraySettle is the pause after retiring a leftover session.
	StraySettle time.Duration
	// WriteTimeout bounds one websocket write.
	WriteTimeout time.Duration

	// BaseContext scopes background audio jobs; it should end at shutdown.
	BaseContext context.Context
	Logger      *slog.Logger
}

// Gateway handles requests. It is safe for concurrent use by many
// connections.
type Gateway struct {
	opts Options
	log  *slog.Logger

	// sessionMu serializes call and quit so session transitions queue.
	sessionMu sync.Mutex

	jobs sync.WaitGroup
}

func New(opts Options) *Gateway {
	if opts.PollRetries <= 0 {
		opts.PollRetries = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ResetSettle <= 0 {
		opts.ResetSettle = 100 * time.Millisecond
	}
	if opts.StraySettle <= 0 {
		opts.StraySettle = 500 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{opts: opts, log: logger}
}

// Wait blocks until background audio jobs have returned.
func (g *Gateway) Wait() { g.jobs.Wait() }

// Handle processes one raw request and always returns exactly one reply.
func (g *Gateway) Handle(ctx context.Context, raw []byte) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("command handler panic", "panic", r)
			reply = errorReply(fmt.Sprintf("Server processing error: %v", r))
		}
	}()

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var req map[string]any
	if err := dec.Decode(&req); err != nil || req == nil {
		g.log.Warn("invalid request", "raw", string(raw), "error", err)
		return errorReply("Invalid JSON format.")
	}
	command, _ := req["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return errorReply("Missing 'command' field.")
	}

	g.log.Info("command received", "command", command)
	switch command {
	case "status":
		return g.wrap(ctx, command, "/status")
	case "call":
		number, ok := argString(req, "number")
		if !ok {
			return errorReply("Missing 'number' for 'call' command.")
		}
		return g.call(ctx, number)
	case "hangup":
		return g.hangup(ctx)
	case "quit":
		return g.quit(ctx)
	case "speak":
		text, ok := argString(req, "text")
		if !ok {
			return errorReply("Missing 'text' for 'speak' command.")
		}
		return g.speak(text)
	case "test_sound":
		return g.testSound()
	case "start_recognition", "stop_recognition":
		return g.recognition(ctx, command)
	default:
		return g.wrap(ctx, command, "/"+command)
	}
}

// argString reads a non-empty scalar argument. Numbers are accepted as
// their literal text so {"number": 100} dials "100".
func argString(req map[string]any, key string) (string, bool) {
	switch v := req[key].(type) {
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

func (g *Gateway) wrap(ctx context.Context, command, line string) Reply {
	resp := g.opts.CallBackend.Call(ctx, line)
	return Reply{"status": "success", "command": command, "backend_response": resp}
}

var errNotActive = errors.New("backend call not active")

// pollActive asks the backend for its status up to PollRetries times and
// reports whether it claims an active call. The last response is returned.
func (g *Gateway) pollActive(ctx context.Context) (backend.Response, bool) {
	var last backend.Response
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		last = g.opts.CallBackend.Call(ctx, "/status")
		if last.Field("status") == "active" {
			g.log.Info("backend reports active call", "attempt", attempt)
			return struct{}{}, nil
		}
		g.log.Info("backend call not active", "attempt", attempt, "of", g.opts.PollRetries, "backend_status", last.Field("status"))
		return struct{}{}, errNotActive
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(g.opts.PollInterval)),
		backoff.WithMaxTries(uint(g.opts.PollRetries)),
	)
	return last, err == nil
}

func (g *Gateway) call(ctx context.Context, number string) Reply {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()

	status, active := g.pollActive(ctx)
	if active {
		if g.opts.Session.Running() {
			return Reply{
				"status":         "error",
				"message":        "Call already active, please hangup first.",
				"backend_status": status,
			}
		}
		// The backend thinks a call is up but nothing runs locally.
		g.log.Warn("backend active without local session; resetting backend")
		g.opts.CallBackend.Call(ctx, "/hangup")
		sleep(ctx, g.opts.ResetSettle)
	}

	if pid := g.opts.Session.PID(); pid != 0 {
		g.log.Warn("retiring leftover session before new call", "session_pid", pid)
		if err := g.opts.Session.Stop(ctx); err != nil {
			g.log.Warn("stop leftover session", "session_pid", pid, "error", err)
		}
		sleep(ctx, g.opts.StraySettle)
	}

	pid, err := g.opts.Session.Start(ctx)
	if err != nil {
		g.log.Error("session start failed", "error", err)
		return errorReply(fmt.Sprintf("Failed to start session program: %v", err))
	}

	target := number
	if g.opts.CallDomain != "" && !strings.Contains(number, "@") {
		target = number + "@" + g.opts.CallDomain
	}
	sendErr := g.opts.Session.Send("call " + target)
	if sendErr != nil {
		g.log.Warn("call instruction not delivered", "session_pid", pid, "error", sendErr)
	}
	resp := g.opts.CallBackend.Call(ctx, "/audio "+target)

	reply := Reply{
		"status":           "success",
		"command":          "call",
		"number":           number,
		"session_pid":      pid,
		"backend_response": resp,
	}
	switch {
	case sendErr != nil:
		reply["status"] = "error"
		reply["message"] = fmt.Sprintf("Failed to send call instruction: %v", sendErr)
	case !resp.OK():
		reply["status"] = "error"
		reply["message"] = "Backend rejected call: " + resp.Message
	}
	return reply
}

func (g *Gateway) hangup(ctx context.Context) Reply {
	resp := g.opts.CallBackend.Call(ctx, "/hangup")
	if g.opts.Session.Running() {
		if err := g.opts.Session.Send("hangup"); err != nil {
			g.log.Warn("hangup instruction not delivered", "error", err)
		}
	}
	return Reply{"status": "success", "command": "hangup", "backend_response": resp}
}

func (g *Gateway) quit(ctx context.Context) Reply {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	if err := g.opts.Session.Terminate(ctx); err != nil {
		return errorReply(fmt.Sprintf("Failed to terminate session program: %v", err))
	}
	return Reply{"status": "success", "command": "quit", "message": "Session program terminated."}
}

func (g *Gateway) speak(text string) Reply {
	g.background("speak", func(ctx context.Context) speech.Result {
		return g.opts.Speaker.Speak(ctx, text)
	})
	return Reply{"status": "success", "command": "speak", "message": "Speech generation initiated."}
}

func (g *Gateway) testSound() Reply {
	path := g.opts.TestSound
	g.background("test_sound", func(ctx context.Context) speech.Result {
		return g.opts.Speaker.PlayFile(ctx, path)
	})
	return Reply{"status": "success", "command": "test_sound", "message": "Test sound playback initiated."}
}

func (g *Gateway) background(name string, fn func(context.Context) speech.Result) {
	g.jobs.Add(1)
	go func() {
		defer g.jobs.Done()
		res := fn(g.opts.BaseContext)
		if res.OK() {
			g.log.Info("audio job done", "command", name, "job_id", res.JobID)
			return
		}
		g.log.Warn("audio job failed", "command", name, "job_id", res.JobID, "message", res.Message)
	}()
}

func (g *Gateway) recognition(ctx context.Context, command string) Reply {
	resp := g.opts.Recognizer.Call(ctx, command)
	return Reply{"status": resp.Status, "command": command, "message": resp.Message}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
