package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingInterval = (streamPongWait * 9) / 10
	streamReadLimit    = 512
	streamReplyBuffer  = 4
)

var (
	clientPing = []byte("ping")
	serverPong = []byte("pong")
)

type subscribeFunc func(ctx context.Context) (<-chan []byte, func(), error)

func newUpgrader(origins []string) websocket.Upgrader {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if allowsAnyOrigin(origins) {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
		return upgrader
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
		return ok
	}
	return upgrader
}

// serveStream upgrades the request and relays the subscription until either
// side goes away. A closed subscription means the hub dropped a slow consumer.
func (h *httpHandler) serveStream(c *gin.Context, name string, subscribe subscribeFunc) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("stream upgrade failed", zap.String("stream", name), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	messages, unsubscribe, err := subscribe(ctx)
	if err != nil {
		h.logger.Error("stream subscribe failed", zap.String("stream", name), zap.Error(err))
		closeStream(conn, websocket.CloseInternalServerErr, "subscribe_failed")
		return
	}
	defer unsubscribe()

	replies := make(chan []byte, streamReplyBuffer)
	go readStream(conn, replies, cancel)

	h.logger.Debug("stream opened", zap.String("stream", name))
	reason := writeStream(ctx, conn, messages, replies)
	h.logger.Debug("stream closed", zap.String("stream", name), zap.String("reason", reason))
}

func readStream(conn *websocket.Conn, replies chan<- []byte, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		if messageType != websocket.TextMessage || strings.TrimSpace(string(payload)) != string(clientPing) {
			continue
		}
		select {
		case replies <- serverPong:
		default:
		}
	}
}

func writeStream(ctx context.Context, conn *websocket.Conn, messages <-chan []byte, replies <-chan []byte) string {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeStream(conn, websocket.CloseNormalClosure, "")
			return "client_gone"
		case message, ok := <-messages:
			if !ok {
				closeStream(conn, websocket.CloseTryAgainLater, "slow_consumer")
				return "slow_consumer"
			}
			if err := writeFrame(conn, websocket.TextMessage, message); err != nil {
				return "write_failed"
			}
		case reply := <-replies:
			if err := writeFrame(conn, websocket.TextMessage, reply); err != nil {
				return "write_failed"
			}
		case <-ticker.C:
			if err := writeFrame(conn, websocket.PingMessage, nil); err != nil {
				return "ping_failed"
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, messageType int, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteMessage(messageType, payload)
}

func closeStream(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(streamWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}
