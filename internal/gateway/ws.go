package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Control clients are not browsers; access is gated by the auth middleware.
		return true
	},
}

// wsObserver is one websocket client. Replies and broadcast events share
// the connection, so writes are serialized.
type wsObserver struct {
	id      string
	conn    *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

func (o *wsObserver) ID() string { return o.id }

func (o *wsObserver) Send(ctx context.Context, msg []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	deadline := time.Now().Add(o.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = o.conn.SetWriteDeadline(deadline)
	return o.conn.WriteMessage(websocket.TextMessage, msg)
}

func (o *wsObserver) reply(ctx context.Context, r Reply) error {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(errorReply("Server processing error: " + err.Error()))
	}
	return o.Send(ctx, b)
}

// ServeHTTP upgrades the request and serves one observer connection.
// Requests on the connection are handled strictly in order.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("ws upgrade error", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	obs := &wsObserver{id: uuid.NewString(), conn: conn, timeout: g.opts.WriteTimeout}
	log := g.log.With("observer_id", obs.id, "remote", r.RemoteAddr)
	if g.opts.Registry != nil {
		g.opts.Registry.Register(obs)
		defer g.opts.Registry.Unregister(obs)
	}
	log.Info("observer connected")

	ctx := r.Context()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("observer disconnected")
			} else {
				log.Warn("observer connection closed", "error", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		reply := g.Handle(ctx, data)
		if err := obs.reply(ctx, reply); err != nil {
			log.Warn("reply write failed", "error", err)
			return
		}
		log.Debug("reply sent", "status", reply["status"])
	}
}
