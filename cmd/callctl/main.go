// Command callctl sends one command to the orchestrator's observer channel
// and prints the reply. With --follow it keeps printing broadcast events.
//
//	callctl call --number 100
//	callctl speak --text "Alarm on line two"
//	callctl status --follow
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "callctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("callctl", pflag.ContinueOnError)
	url := fs.String("url", envOr("CALLCTL_URL", "ws://127.0.0.1:8765/ws"), "observer websocket URL")
	token := fs.String("token", os.Getenv("WS_AUTH_TOKEN"), "control token")
	number := fs.String("number", "", "number to dial (call)")
	text := fs.String("text", "", "text to synthesize (speak)")
	follow := fs.Bool("follow", false, "keep printing broadcast events after the reply")
	timeout := fs.Duration("timeout", 60*time.Second, "how long to wait for the reply")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: callctl <command> [--number N] [--text T] [--follow]")
	}

	req, err := buildRequest(fs.Arg(0), *number, *text)
	if err != nil {
		return err
	}

	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(*url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", *url, err, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", *url, err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	// Events may arrive before the reply; print them as they come.
	_ = conn.SetReadDeadline(time.Now().Add(*timeout))
	for {
		msg, err := readObject(conn)
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		printJSON(msg)
		if _, isEvent := msg["event"]; !isEvent {
			break
		}
	}
	if !*follow {
		return nil
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()
	_ = conn.SetReadDeadline(time.Time{})
	for {
		msg, err := readObject(conn)
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		printJSON(msg)
	}
}

func buildRequest(command, number, text string) ([]byte, error) {
	req := map[string]string{"command": command}
	switch command {
	case "call":
		if number == "" {
			return nil, errors.New("call requires --number")
		}
		req["number"] = number
	case "speak":
		if text == "" {
			return nil, errors.New("speak requires --text")
		}
		req["text"] = text
	}
	return json.Marshal(req)
}

func readObject(conn *websocket.Conn) (map[string]any, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return map[string]any{"raw": string(data)}, nil
	}
	return msg, nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
