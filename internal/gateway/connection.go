package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
	frameOverhead  = 64 << 10
)

// membership is the per-room state of a connection.
type membership struct {
	canEdit bool
}

// connection is one authenticated websocket session. Its lifecycle is
// authenticated (after the upgrade) -> in zero or more rooms -> closed.
type connection struct {
	id       string
	identity auth.Identity
	socket   *websocket.Conn
	gateway  *Gateway
	logger   *zap.Logger

	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]membership
}

func newConnection(gateway *Gateway, id string, identity auth.Identity, socket *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:       id,
		identity: identity,
		socket:   socket,
		gateway:  gateway,
		logger:   gateway.logger.With(zap.String("connection_id", id), zap.String("user_id", identity.UserID)),
		send:     make(chan []byte, sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		rooms:    make(map[string]membership),
	}
}

// enqueue hands a frame to the write pump without blocking. Frames for a saturated
// connection are dropped; the client converges on its next sync.
func (conn *connection) enqueue(frame []byte) {
	select {
	case <-conn.ctx.Done():
		return
	default:
	}
	select {
	case conn.send <- frame:
	default:
		conn.logger.Warn("dropping frame for slow connection")
	}
}

func (conn *connection) emit(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		conn.logger.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	conn.enqueue(frame)
}

func (conn *connection) emitError(event string, documentID string, code string, message string) {
	conn.emit(EventError, ErrorPayload{Code: code, Message: message, DocumentID: documentID, Event: event})
}

func (conn *connection) membership(documentID string) (membership, bool) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	room, ok := conn.rooms[documentID]
	return room, ok
}

func (conn *connection) setMembership(documentID string, room membership) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.rooms[documentID] = room
}

func (conn *connection) dropMembership(documentID string) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if _, ok := conn.rooms[documentID]; !ok {
		return false
	}
	delete(conn.rooms, documentID)
	return true
}

func (conn *connection) joinedDocuments() []string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	documentIDs := make([]string, 0, len(conn.rooms))
	for documentID := range conn.rooms {
		documentIDs = append(documentIDs, documentID)
	}
	sort.Strings(documentIDs)
	return documentIDs
}

// readPump dispatches inbound frames in arrival order until the socket fails.
func (conn *connection) readPump() {
	defer conn.close()
	conn.socket.SetReadLimit(int64(conn.gateway.updateMaxBytes)*2 + frameOverhead)
	_ = conn.socket.SetReadDeadline(time.Now().Add(pongWait))
	conn.socket.SetPongHandler(func(string) error {
		return conn.socket.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, payload, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			conn.emitError("", "", CodeBadRequest, "text frames only")
			continue
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil || frame.Event == "" {
			conn.emitError("", "", CodeBadRequest, "malformed frame")
			continue
		}
		conn.gateway.dispatch(conn, frame)
	}
}

// writePump serializes outbound frames and keeps the socket alive with pings.
func (conn *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.socket.Close()
	}()
	for {
		select {
		case <-conn.ctx.Done():
			conn.drainOnClose()
			return
		case frame := <-conn.send:
			_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.close()
				return
			}
		case <-ticker.C:
			_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.close()
				return
			}
		}
	}
}

// drainOnClose flushes frames queued before the close, then sends a close frame.
func (conn *connection) drainOnClose() {
	for {
		select {
		case frame := <-conn.send:
			_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			_ = conn.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// close tears the session down once: leaves every room and releases per-connection state.
func (conn *connection) close() {
	conn.closeOnce.Do(func() {
		conn.gateway.disconnect(conn)
		conn.cancel()
	})
}
