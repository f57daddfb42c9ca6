package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/datamesh/syncstore/internal/syncstore"
)

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// handleWebsocket upgrades the request and parks the connection in the hub
// until the peer goes away. The socket is push-only: clients receive change
// events here and make all their writes over the HTTP endpoints, identifying
// themselves with the clientId assigned in the welcome message so their own
// changes are not echoed back.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if _, authErr := authorizeBearer(bearerHeader(r), s.cfg.AuthSecret, "sync:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event hub is not configured", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	// The welcome goes out before the connection joins the hub, so the first
	// frame a client sees always carries its assigned id.
	clientID := syncstore.NewClientID()
	welcome := syncstore.Envelope{
		Event:     "connected",
		Data:      map[string]string{"clientId": clientID},
		Timestamp: time.Now().UTC(),
	}
	welcomeCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = writeWelcome(welcomeCtx, conn, welcome)
	cancel()
	if err != nil {
		return
	}

	s.hub.RegisterWithID(clientID, &wsConn{conn: conn})
	defer s.hub.Unregister(clientID)

	// Drain inbound frames so pings and close handshakes are serviced. Any
	// read error, including a normal close, ends the session.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func writeWelcome(ctx context.Context, conn *websocket.Conn, envelope syncstore.Envelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
