// Package backend talks to the line-oriented TCP command ports of the call
// agent and the recognition engine. Each request uses a fresh connection:
// one command line out, one JSON line back.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the classified result of one backend request. Payload is the
// decoded JSON object as sent by the backend, nil when nothing usable came
// back.
type Response struct {
	Status  string
	Message string
	Payload map[string]any
}

// OK reports whether the response is classified as success.
func (r Response) OK() bool { return r.Status == StatusSuccess }

// Field returns a string field of the raw payload, or "".
func (r Response) Field(key string) string {
	if r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return s
}

// MarshalJSON emits the backend payload verbatim when one was decoded, and a
// {status, message} object otherwise.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Payload != nil {
		return json.Marshal(r.Payload)
	}
	return json.Marshal(map[string]string{"status": r.Status, "message": r.Message})
}

func errorResponse(format string, args ...any) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// Client sends commands to one backend endpoint.
type Client struct {
	// Name is used in messages, e.g. "SIP client" or "Vosk client".
	Name    string
	Addr    string
	Timeout time.Duration
	Logger  *slog.Logger

	dialer net.Dialer
}

// NewClient returns a client for addr. A zero timeout defaults to 5s.
func NewClient(name, addr string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{Name: name, Addr: addr, Timeout: timeout, Logger: logger.With("backend", name)}
}

// Call sends command and waits for one reply line. Transport and protocol
// failures are folded into an error-classified Response; Call never returns
// a Go error.
func (c *Client) Call(ctx context.Context, command string) Response {
	ctx, span := tracer.Start(ctx, "backend.call", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("backend.name", c.Name),
		attribute.String("backend.addr", c.Addr),
		attribute.String("backend.command", command),
	)

	resp := c.call(ctx, command)
	span.SetAttributes(attribute.String("backend.status", resp.Status))
	if !resp.OK() {
		span.SetStatus(codes.Error, resp.Message)
		c.Logger.Warn("backend command failed", "command", command, "message", resp.Message)
	} else {
		c.Logger.Debug("backend command ok", "command", command)
	}
	return resp
}

func (c *Client) call(ctx context.Context, command string) Response {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	c.Logger.Info("sending backend command", "command", command, "addr", c.Addr)
	conn, err := c.dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return c.transportError(command, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.Logger.Debug("close backend connection", "error", cerr)
		}
	}()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	// Unblock the read promptly if the caller's context ends first.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := io.WriteString(conn, command+"\n"); err != nil {
		return c.transportError(command, ctxErr(ctx, err))
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	raw := strings.TrimSpace(line)
	if err != nil && !(errors.Is(err, io.EOF) && raw != "") {
		if errors.Is(err, io.EOF) {
			return errorResponse("%s closed connection without sending data.", c.Name)
		}
		return c.transportError(command, ctxErr(ctx, err))
	}
	if raw == "" {
		return errorResponse("%s closed connection without sending data.", c.Name)
	}
	return c.decode(raw)
}

func (c *Client) decode(raw string) Response {
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload == nil {
		return errorResponse("Invalid JSON from %s: %s", c.Name, raw)
	}
	r := Response{Status: StatusSuccess, Payload: payload}
	if s, _ := payload["status"].(string); s == StatusError {
		r.Status = StatusError
	}
	if m, ok := payload["message"].(string); ok {
		r.Message = m
	}
	return r
}

func (c *Client) transportError(command string, err error) Response {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return errorResponse("%s connection refused at %s.", c.Name, c.Addr)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded), isTimeout(err):
		return errorResponse("%s did not respond to command '%s' within %s.", c.Name, command, formatSeconds(c.Timeout))
	case errors.Is(err, context.Canceled):
		return errorResponse("Request to %s cancelled.", c.Name)
	default:
		return errorResponse("Error communicating with %s for command '%s': %v", c.Name, command, err)
	}
}

// ctxErr prefers the context's own error once it has ended, so a caller
// cancellation is not reported as a backend timeout.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func formatSeconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	return d.String()
}
