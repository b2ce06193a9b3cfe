package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ecg-server/internal/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	outboxSize = 256
)

var (
	errOutboxFull   = errors.New("observer outbox full")
	errWriterClosed = errors.New("observer closed")
)

type LiveHandler struct {
	Hub    *hub.Hub
	Logger *slog.Logger
}

type clientMessage struct {
	Type string `json:"type"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter queues outgoing frames for a single pump goroutine, so a slow
// observer costs its own outbox and never the publisher.
type wsWriter struct {
	conn      *websocket.Conn
	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

func (w *wsWriter) Write(message []byte) error {
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case w.outbox <- message:
		return nil
	default:
		return errOutboxFull
	}
}

func (w *wsWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return w.conn.Close()
}

func (w *wsWriter) pump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case message := <-w.outbox:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				_ = w.Close()
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = w.Close()
				return
			}
		}
	}
}

func (h *LiveHandler) Serve(c *gin.Context) {
	pair, ok := pairParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid doctor or patient id"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	writer := newWSWriter(ws)
	conn := &hub.Connection{ID: uuid.NewString(), Group: hub.GroupName(pair), Writer: writer}
	h.Hub.Join(conn)
	h.logger().Info("live observer joined", "connection_id", conn.ID, "group", conn.Group)
	defer func() {
		h.Hub.Leave(conn)
		_ = writer.Close()
		h.logger().Info("live observer left", "connection_id", conn.ID, "group", conn.Group)
	}()

	go writer.pump()

	ws.SetReadLimit(64 * 1024)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			out, _ := json.Marshal(gin.H{"type": "pong"})
			_ = writer.Write(out)
		}
	}
}

func (h *LiveHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
