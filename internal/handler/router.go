package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zhouzirui/chatmate/backend/internal/handler/conversation"
	"github.com/zhouzirui/chatmate/backend/internal/handler/persona"
	"github.com/zhouzirui/chatmate/backend/internal/handler/voice"
	personaModel "github.com/zhouzirui/chatmate/backend/internal/model/persona"
	conversationService "github.com/zhouzirui/chatmate/backend/internal/service/conversation"
	"github.com/zhouzirui/chatmate/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(registry *conversationService.Registry, p personaModel.Persona, allowedOrigin string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := []string{"*"}
	if allowedOrigin != "" {
		origins = []string{allowedOrigin}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
		MaxAge:         300,
	}))

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":        "ok",
				"conversations": registry.Len(),
			})
		})

		persona.New(p).RegisterRoutes(api)
		api.Route("/conversations", func(r chi.Router) {
			conversation.New(registry).RegisterRoutes(r)
			voice.NewWebSocketHandler(registry).RegisterRoutes(r)
		})
	})

	return r
}
