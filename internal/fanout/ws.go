package fanout

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowmaestro/flowmaestro/internal/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// TokenVerifier resolves the ?token= query parameter to the subscriber
// identity. An error closes the socket with policy-violation code 1008.
type TokenVerifier func(token string) (userID string, admin bool, err error)

// WSHandler upgrades /ws connections into hub subscriptions. The
// protocol is server-push only: a connected frame, then event frames;
// client frames after connect are ignored.
type WSHandler struct {
	hub    *Hub
	verify TokenVerifier
	logger *zap.Logger
}

func NewWSHandler(hub *Hub, verify TokenVerifier, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &WSHandler{hub: hub, verify: verify, logger: logger}
}

type connectedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

type eventFrame struct {
	Type  string                 `json:"type"`
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	userID, admin, err := h.verify(r.URL.Query().Get("token"))
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	connectionID := uuid.New().String()
	sub := h.hub.Subscribe(connectionID, userID, admin, 0)

	go h.writePump(conn, connectionID, sub)
	go h.readPump(conn, connectionID)
}

// writePump pushes the connected frame, then drains the subscription
// into the socket until either side goes away.
func (h *WSHandler) writePump(conn *websocket.Conn, connectionID string, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.hub.Unsubscribe(connectionID)
		_ = conn.Close()
	}()

	hello, _ := json.Marshal(connectedFrame{Type: "connected", ConnectionID: connectionID})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frame, err := json.Marshal(eventFrame{Type: "event", Event: string(ev.Kind), Data: eventData(ev)})
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump exists to notice the peer closing; inbound frames carry no
// meaning in this protocol and are discarded.
func (h *WSHandler) readPump(conn *websocket.Conn, connectionID string) {
	defer func() {
		h.hub.Unsubscribe(connectionID)
		_ = conn.Close()
	}()
	conn.SetReadLimit(4 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func eventData(ev engine.Event) map[string]interface{} {
	data := make(map[string]interface{}, len(ev.Data)+4)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["executionId"] = ev.ExecutionID
	if ev.WorkflowID != "" {
		data["workflowId"] = ev.WorkflowID
	}
	if ev.NodeID != "" {
		data["nodeId"] = ev.NodeID
	}
	data["timestamp"] = ev.Timestamp.Format(time.RFC3339Nano)
	return data
}
