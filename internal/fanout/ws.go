package fanout

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect cross-origin; auth happens at the
	// HTTP layer before the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and streams course events to the peer as
// JSON until either side disconnects. A failed write drops the peer;
// reconnecting clients must re-sync by query, not event replay.
func ServeWS(w http.ResponseWriter, r *http.Request, broker Broker, courseID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("fanout: ws upgrade failed: %v", err)
		return
	}

	sub, err := broker.Subscribe(r.Context(), courseID)
	if err != nil {
		log.Printf("fanout: subscribe %s failed: %v", courseID, err)
		_ = conn.Close()
		return
	}

	// Reader exists only to observe the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
