package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chatmate/backend/internal/model/chat"
	"github.com/zhouzirui/chatmate/backend/internal/service/conversation"
	"github.com/zhouzirui/chatmate/backend/pkg/utils"
)

// Handler 会话的 REST 与 SSE 处理器
type Handler struct {
	registry *conversation.Registry
}

// New 创建会话处理器
func New(registry *conversation.Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes 注册会话相关的路由，r 挂载在 /conversations 下
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/{conversationID}", h.handleGet)
	r.Delete("/{conversationID}", h.handleDelete)
	r.Post("/{conversationID}/messages", h.handleSendMessage)
}

type conversationResponse struct {
	Conversation chat.Conversation     `json:"conversation"`
	State        conversation.Snapshot `json:"state"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	inst := h.registry.Create(r.Context())
	utils.RespondJSON(w, http.StatusCreated, conversationResponse{
		Conversation: inst.Info,
		State:        inst.Controller.Snapshot(),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, conversationResponse{
		Conversation: inst.Info,
		State:        inst.Controller.Snapshot(),
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	if err := h.registry.Remove(id); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage 运行一轮对话，并以 SSE 推送控制器事件，最后发送 done
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	inst, ok := h.lookup(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	controller := inst.Controller
	if !controller.Ready() || controller.Loading() {
		utils.RespondError(w, http.StatusConflict, "conversation is not ready for a new message")
		return
	}

	// 只推送本轮事件；轮次未被接受时监听者不会被调用，响应头尚未写出
	var broken bool
	write := func(event string, data any) {
		if broken {
			return
		}
		if err := utils.SendSSEEvent(w, flusher, event, data); err != nil {
			// 客户端断开后继续完成本轮，只是不再推送
			broken = true
			log.Debug().Err(err).Str("conversation", inst.Info.ID).Msg("sse client gone")
		}
	}

	started := false
	accepted := controller.StreamMessage(context.WithoutCancel(r.Context()), req.Text, func(ev conversation.Event) {
		if !started {
			utils.SetupSSEHeaders(w)
			w.WriteHeader(http.StatusOK)
			started = true
		}
		write(string(ev.Type), ev)
	})
	if !accepted {
		utils.RespondError(w, http.StatusConflict, "conversation is not ready for a new message")
		return
	}
	write("done", controller.Snapshot())
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*conversation.Instance, bool) {
	inst, err := h.registry.Get(chi.URLParam(r, "conversationID"))
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			utils.RespondError(w, http.StatusNotFound, err.Error())
		} else {
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return inst, true
}
