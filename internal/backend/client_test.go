package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

// serveOnce accepts a single connection, records the received line and
// responds with reply. A negative delay means never reply.
func serveOnce(t *testing.T, reply string, delay time.Duration) (addr string, got <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		ch <- line
		if delay < 0 {
			time.Sleep(2 * time.Second)
			return
		}
		time.Sleep(delay)
		_, _ = conn.Write([]byte(reply))
	}()
	return ln.Addr().String(), ch
}

func TestCall_Success(t *testing.T) {
	addr, got := serveOnce(t, `{"status":"active","call_id":"42"}`+"\n", 0)
	c := NewClient("SIP client", addr, time.Second, nil)

	resp := c.Call(context.Background(), "/status")
	if !resp.OK() {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.Field("status") != "active" {
		t.Fatalf("expected payload status active, got %q", resp.Field("status"))
	}
	if line := <-got; line != "/status\n" {
		t.Fatalf("backend received %q", line)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"call_id":"42"`) {
		t.Fatalf("payload not passed through: %s", b)
	}
}

func TestCall_BackendReportedError(t *testing.T) {
	addr, _ := serveOnce(t, `{"status":"error","message":"no call"}`+"\n", 0)
	resp := NewClient("SIP client", addr, time.Second, nil).Call(context.Background(), "/hangup")
	if resp.OK() || resp.Message != "no call" {
		t.Fatalf("expected error classification, got %+v", resp)
	}
}

func TestCall_MalformedJSON(t *testing.T) {
	addr, _ := serveOnce(t, "hello there\n", 0)
	resp := NewClient("SIP client", addr, time.Second, nil).Call(context.Background(), "/status")
	if resp.OK() {
		t.Fatalf("expected error")
	}
	if resp.Message != "Invalid JSON from SIP client: hello there" {
		t.Fatalf("unexpected message %q", resp.Message)
	}
}

func TestCall_ClosedWithoutData(t *testing.T) {
	addr, _ := serveOnce(t, "", 0)
	resp := NewClient("Vosk client", addr, time.Second, nil).Call(context.Background(), "start_recognition")
	if resp.OK() || !strings.Contains(resp.Message, "closed connection without sending data") {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCall_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	start := time.Now()
	resp := NewClient("SIP client", addr, 2*time.Second, nil).Call(context.Background(), "/status")
	if resp.OK() || !strings.Contains(resp.Message, "connection refused") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("refused connection took too long")
	}
	b, _ := json.Marshal(resp)
	if !strings.Contains(string(b), `"status":"error"`) {
		t.Fatalf("expected error envelope, got %s", b)
	}
}

func TestCall_Timeout(t *testing.T) {
	addr, _ := serveOnce(t, "", -1)
	start := time.Now()
	resp := NewClient("SIP client", addr, 200*time.Millisecond, nil).Call(context.Background(), "/status")
	if resp.OK() || !strings.Contains(resp.Message, "did not respond") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	addr, _ := serveOnce(t, "", -1)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	resp := NewClient("SIP client", addr, 5*time.Second, nil).Call(ctx, "/status")
	if resp.OK() || !strings.Contains(resp.Message, "cancelled") {
		t.Fatalf("unexpected response %+v", resp)
	}
}
