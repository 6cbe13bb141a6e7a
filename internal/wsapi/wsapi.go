// Package wsapi exposes the streaming endpoint: it upgrades HTTP requests
// with gobwas/ws, registers the resulting connection with the connection
// registry, and pumps inbound frames through the registry's activity
// tracking.
package wsapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/planforge/govern/internal/connreg"
	"github.com/planforge/govern/internal/logging"
)

// readTimeout bounds how long a read waits before the connection is
// considered dead. Idle eviction happens earlier via the registry.
const readTimeout = 15 * time.Minute

// wsTransport adapts a raw websocket net.Conn to the registry's Transport
// contract.
type wsTransport struct {
	conn net.Conn
}

// NewTransport wraps an upgraded websocket connection.
func NewTransport(conn net.Conn) connreg.Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return wsutil.WriteServerMessage(t.conn, ws.OpText, data)
}

func (t *wsTransport) Close() error {
	// Best-effort close frame; the peer may already be gone.
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wsutil.WriteServerMessage(t.conn, ws.OpClose, nil)
	return t.conn.Close()
}

// Handler serves the /ws endpoint.
type Handler struct {
	registry *connreg.Registry
	logger   zerolog.Logger
	connSeq  atomic.Int64
}

// NewHandler creates the websocket handler.
func NewHandler(registry *connreg.Registry, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger.With().Str("component", "wsapi").Logger(),
	}
}

// ServeHTTP upgrades the request and registers the connection. User and
// room identities come from the web layer (query parameters here; the
// excluded auth middleware populates them upstream). A quota rejection
// closes the raw connection immediately: a rejected connection must never
// be tracked.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	roomID := r.URL.Query().Get("room")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).
			Msg("websocket upgrade failed")
		return
	}

	id := fmt.Sprintf("ws-%d", h.connSeq.Add(1))
	transport := NewTransport(conn)

	if !h.registry.Add(id, transport, userID, roomID) {
		// Quota rejection. Close the transport directly; it was never
		// registered, so the registry will not.
		if err := transport.Close(); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", id).Msg("close after rejection failed")
		}
		return
	}

	h.logger.Debug().Str("conn_id", id).Str("user_id", userID).
		Str("room_id", roomID).Msg("connection established")

	go h.readLoop(id, conn)
}

// readLoop consumes inbound frames, refreshing the connection's activity
// on each one. Any read error removes the connection from the registry.
func (h *Handler) readLoop(id string, conn net.Conn) {
	defer logging.RecoverPanic(h.logger, "ws_read_loop")
	defer h.registry.Remove(id)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		_, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op == ws.OpClose {
			return
		}

		h.registry.Touch(id)
	}
}
