// Package transport adapts gorilla/websocket connections to the
// session manager's Conn interface.
package transport

import (
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"codecollab/server/internal/protocol"
	"codecollab/server/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to websocket sessions. The auth layer
// in front of this server resolves the user; here the identity arrives
// as uid/name query parameters and is trusted as-is.
func Handler(m *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.URL.Query().Get("uid")
		if uid == "" {
			http.Error(w, "missing uid", http.StatusUnauthorized)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = uid
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Errorf("websocket upgrade: %v", err)
			return
		}
		m.HandleConn(&wsConn{ws: ws}, protocol.UserIdentity{ID: uid, Name: name})
	}
}

// wsConn is owned by exactly one session: the session's read loop is
// the sole reader and its write loop the sole writer, which satisfies
// gorilla's single-reader/single-writer requirement.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadEvent() (protocol.Event, error) {
	var ev protocol.Event
	if err := c.ws.ReadJSON(&ev); err != nil {
		return protocol.Event{}, err
	}
	return ev, nil
}

func (c *wsConn) WriteEvent(ev protocol.Event) error {
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
