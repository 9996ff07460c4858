// Package inband reads the call agent's stdout and stderr. Lines are logged;
// the DTMF marker the agent prints on keypress is turned into an event.
package inband

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/events"
)

// The agent prints "Got DMTF <digit>" (sic); the corrected spelling is
// accepted as well.
var dtmfPattern = regexp.MustCompile(`Got D(?:MTF|TMF) (\S+)`)

// ParseLine reports the event carried by one stdout line, if any.
func ParseLine(line string) (events.Event, bool) {
	m := dtmfPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	return events.DTMFReceived{Digit: m[1]}, true
}

// Sink receives parsed events.
type Sink interface {
	Publish(ctx context.Context, ev events.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev events.Event)

func (f SinkFunc) Publish(ctx context.Context, ev events.Event) { f(ctx, ev) }

// Reader consumes the agent's stdout.
type Reader struct {
	Sink   Sink
	Logger *slog.Logger
}

// Run reads r line by line until EOF, a read error or ctx ends. Invalid
// UTF-8 is replaced rather than aborting the loop. Closing r is the way to
// stop a Run blocked in a read.
func (rd *Reader) Run(ctx context.Context, r io.Reader) error {
	logger := rd.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return scanLines(ctx, r, func(line string) {
		logger.Info("session output", "line", line)
		if ev, ok := ParseLine(line); ok {
			logger.Info("dtmf detected", "digit", ev.(events.DTMFReceived).Digit)
			if rd.Sink != nil {
				rd.Sink.Publish(ctx, ev)
			}
		}
	})
}

// Drain logs every stderr line until EOF. It produces no events.
func Drain(ctx context.Context, r io.Reader, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	return scanLines(ctx, r, func(line string) {
		logger.Warn("session stderr", "line", line)
	})
}

func scanLines(ctx context.Context, r io.Reader, handle func(string)) error {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := br.ReadBytes('\n')
		if len(b) > 0 {
			line := strings.TrimRight(strings.ToValidUTF8(string(b), "�"), "\r\n")
			if line != "" {
				handle(line)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}
