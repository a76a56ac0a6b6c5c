package voice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatmate/backend/internal/service/conversation"
	voicesvc "github.com/zhouzirui/chatmate/backend/internal/service/voice"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// WebSocketHandler 语音输入与会话事件的 WebSocket 处理器
type WebSocketHandler struct {
	registry *conversation.Registry
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(registry *conversation.Registry) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由，r 挂载在 /conversations 下
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/{conversationID}/voice", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type inputData struct {
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection 串行化同一连接上的写操作
type connection struct {
	conn *websocket.Conn
	id   string

	mu     sync.Mutex
	closed bool
}

func (c *connection) send(msgType string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	msg := outgoingMessage{Type: msgType, Data: data, Timestamp: time.Now().Unix()}
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Str("component", "voice-ws").Str("conversation", c.id).Msg("write failed")
		c.closed = true
	}
}

func (c *connection) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *connection) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	inst, err := h.registry.Get(id)
	if err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "voice-ws").Msg("upgrade failed")
		return
	}
	defer ws.Close()

	conn := &connection{conn: ws, id: id}
	defer conn.close()

	log.Info().Str("component", "voice-ws").Str("conversation", id).Msg("client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	unsubscribe := []func(){
		inst.Voice.Subscribe(func(s voicesvc.State) { conn.send("voice", s) }),
		inst.Composer.Subscribe(func(text string) { conn.send("input", inputData{Text: text}) }),
		inst.Controller.Subscribe(func(ev conversation.Event) { conn.send("conversation", ev) }),
	}
	defer func() {
		for _, fn := range unsubscribe {
			fn()
		}
		// 连接断开后无法继续推送音频
		inst.Voice.Stop()
	}()

	conn.send("snapshot", inst.Controller.Snapshot())
	conn.send("voice", inst.Voice.State())
	conn.send("input", inputData{Text: inst.Composer.Input()})

	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go pingLoop(ctx, conn)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("component", "voice-ws").Str("conversation", id).Msg("read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))

		if msgType == websocket.BinaryMessage {
			if err := inst.Voice.WriteAudio(data); err != nil && !errors.Is(err, voicesvc.ErrNotRecording) {
				conn.send("error", map[string]string{"message": err.Error()})
			}
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.send("error", map[string]string{"message": "invalid message"})
			continue
		}
		h.handleMessage(ctx, conn, inst, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *connection, inst *conversation.Instance, msg *inboundMessage) {
	switch msg.Type {
	case "start":
		if !inst.Voice.State().IsRecording {
			inst.Composer.ToggleVoice()
		}
	case "stop":
		inst.Voice.Stop()
	case "toggle":
		inst.Composer.ToggleVoice()
	case "input":
		var in inputData
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			conn.send("error", map[string]string{"message": "invalid input payload"})
			return
		}
		inst.Composer.SetInput(in.Text)
	case "submit":
		// 回复流期间仍需读取音频和控制消息；本轮不随连接取消
		turnCtx := context.WithoutCancel(ctx)
		go inst.Composer.Submit(turnCtx)
	default:
		conn.send("error", map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
