package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// ServeWs handles websocket requests from subscribers. It upgrades the HTTP
// connection, registers a client with the hub for the environment in the
// path, and starts the read/write pumps. Disconnects clean themselves up
// through the read pump; no explicit unsubscribe call exists.
func ServeWs(hub *Hub, checker EnvironmentChecker, w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	environmentID, ok := mux.Vars(r)["environmentID"]
	if !ok || environmentID == "" {
		http.Error(w, "Missing environmentID", http.StatusBadRequest)
		return
	}

	exists, err := checker.EnvironmentExists(r.Context(), environmentID)
	if err != nil {
		logger.Error("Failed to check environment existence", "error", err, "environmentID", environmentID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "Environment not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an error response.
		logger.Error("Failed to upgrade WebSocket connection", "error", err, "environmentID", environmentID)
		return
	}

	client := &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		environmentID: environmentID,
		logger:        logger.With("component", "websocket-client", "environmentID", environmentID),
	}

	select {
	case client.hub.register <- client:
	case <-hub.done:
		// Hub already stopped; nothing will ever drain register.
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
