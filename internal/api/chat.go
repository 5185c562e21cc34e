package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatrecall/internal/worker"
)

const (
	turnTimeout  = 2 * time.Minute
	wsReadLimit  = 64 << 10
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// User input interface
type inputRequest struct {
	Type      string `json:"type,omitempty"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	ModelType string `json:"model_type"`
	Provider  string `json:"provider"`
	// ClientTime is the sender's local time as RFC 3339, offset included.
	ClientTime string `json:"client_time,omitempty"`
	TimeZone   string `json:"time_zone,omitempty"`
}

// clientClock parses the optional sender clock of req. A known zone name
// moves the time into that zone; an unknown one is passed on as a label.
func clientClock(req inputRequest) (time.Time, string, error) {
	raw := strings.TrimSpace(req.ClientTime)
	zone := strings.TrimSpace(req.TimeZone)
	if raw == "" {
		return time.Time{}, "", nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("client_time must be RFC 3339: %w", err)
	}
	if zone != "" {
		if loc, err := time.LoadLocation(zone); err == nil {
			at = at.In(loc)
		}
	}
	return at, zone, nil
}

// eventSink receives the frames of one turn: ack, stream, done or error.
type eventSink func(event string, payload any) error

// runTurn validates req, resolves the provider key and runs the turn,
// reporting progress through send. Rejections are sent as error frames.
func (h *Handler) runTurn(ctx context.Context, userID int64, storeKey string, req inputRequest, send eventSink) {
	content := strings.TrimSpace(req.Content)
	sessionID := strings.TrimSpace(req.SessionID)
	provider := strings.TrimSpace(req.Provider)
	if sessionID == "" || content == "" || provider == "" {
		_ = send("error", gin.H{"message": "session_id, content and provider are required", "status": http.StatusBadRequest})
		return
	}
	clientTime, timeZone, err := clientClock(req)
	if err != nil {
		_ = send("error", gin.H{"message": err.Error(), "status": http.StatusBadRequest})
		return
	}
	token, err := h.assistant.EnsureAIReady(ctx, userID, provider)
	if err != nil {
		_ = send("error", gin.H{"message": err.Error(), "status": http.StatusBadRequest})
		return
	}
	if err := send("ack", gin.H{"session_id": sessionID, "content": content}); err != nil {
		return
	}

	turnCtx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()
	res, err := h.workers.Turn(worker.TurnRequest{
		Context:    turnCtx,
		UserID:     storeKey,
		SessionID:  sessionID,
		Provider:   provider,
		Model:      strings.TrimSpace(req.ModelType),
		Token:      token,
		Message:    content,
		ClientTime: clientTime,
		TimeZone:   timeZone,
		ChunkFn: func(chunk string) error {
			return send("stream", gin.H{"content": chunk})
		},
	})
	if err != nil {
		_ = send("error", gin.H{"message": errorMessage(err), "status": statusFor(err)})
		return
	}
	done := gin.H{
		"turn":      res.Turn,
		"stats":     res.Stats,
		"persisted": res.PersistErr == nil,
	}
	if res.PersistErr != nil {
		done["persist_error"] = res.PersistErr.Error()
	}
	_ = send("done", done)
}

// postMessage answers one message as a server-sent event stream.
func (h *Handler) postMessage(c *gin.Context) {
	userID, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	var mu sync.Mutex
	sendEvent := func(event string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	h.runTurn(c.Request.Context(), userID, storeKey, req, sendEvent)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsConn serialises writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// chatSocket runs turns for JSON frames received over a websocket. Turns
// on one connection are answered in order.
func (h *Handler) chatSocket(c *gin.Context) {
	userID, storeKey, ok := h.authorizedUser(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ws.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var frame inputRequest
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read for user %s failed: %v", storeKey, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if frame.Type != "message" {
			_ = ws.writeJSON(gin.H{"type": "error", "message": "unsupported frame type", "status": http.StatusBadRequest})
			continue
		}
		h.runTurn(ctx, userID, storeKey, frame, func(event string, payload any) error {
			out := gin.H{"type": event}
			if fields, ok := payload.(gin.H); ok {
				for k, v := range fields {
					out[k] = v
				}
			}
			return ws.writeJSON(out)
		})
		// pongs are only handled while reading
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	}
}
