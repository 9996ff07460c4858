// Package recognition receives the speech recognizer's push channel: a TCP
// listener whose clients stream newline-delimited JSON result records.
package recognition

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alarm-System-Gazpromneft/alarm-system-voip-ai/internal/events"
)

// Sink receives decoded recognition events.
type Sink interface {
	Publish(ctx context.Context, ev events.Event)
}

// Relay forwards every decoded record to Sink.
type Relay struct {
	Addr   string
	Sink   Sink
	Logger *slog.Logger

	// MaxLineBytes bounds one record; longer lines drop the connection.
	MaxLineBytes int
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// ListenAndServe listens on r.Addr and serves until ctx ends.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.Addr)
	if err != nil {
		return err
	}
	return r.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends; ln is closed on return.
// Per-connection failures never stop the listener.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	log := r.logger()
	log.Info("recognition relay listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Back off on transient accept errors (e.g. EMFILE).
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			log.Warn("recognition relay accept", "error", err, "retry_in", tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		tempDelay = 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.handle(ctx, conn)
		}()
	}
}

func (r *Relay) handle(ctx context.Context, conn net.Conn) {
	log := r.logger().With("remote", conn.RemoteAddr().String())
	log.Info("recognizer connected")
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	limit := r.MaxLineBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	sc.Buffer(make([]byte, 0, 4096), limit)

	forwarded := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := events.Decode(line)
		if err != nil {
			log.Warn("skipping malformed recognition record", "line", string(line), "error", err)
			continue
		}
		if r.Sink != nil {
			r.Sink.Publish(ctx, ev)
		}
		forwarded++
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		log.Warn("recognizer connection error", "error", err)
	}
	log.Info("recognizer disconnected", "forwarded", forwarded)
}
