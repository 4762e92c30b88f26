package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// RouterConfig holds what the sandbox router needs.
type RouterConfig struct {
	Chats *service.ChatService
	Polls *service.PollService

	JWTSecret         string
	TokenTTL          time.Duration
	RateLimitRequests int
	RateLimitWindow   time.Duration
	PollWait          time.Duration

	Logger *logger.Logger
}

// NewRouter builds the sandbox HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	log := logger.OrNop(cfg.Logger)

	healthHandler := NewHealthHandler(cfg.Chats.Hub())
	chatHandler := NewChatHandler(cfg.Chats, cfg.JWTSecret, cfg.TokenTTL, log)
	agentHandler := NewAgentHandler(cfg.Chats, log)
	channelHandler := NewChannelHandler(cfg.Chats, cfg.Polls, cfg.PollWait, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.OptionalAuth(cfg.JWTSecret)).Post("/chats", chatHandler.Create)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			if cfg.RateLimitRequests > 0 {
				r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			}

			r.Get("/chats/{id}/messages", chatHandler.History)
			r.Put("/chats/messages/{id}/read", chatHandler.MarkRead)

			r.Route("/agent/chats/{id}", func(r chi.Router) {
				r.Use(middleware.RequireScope(middleware.ScopeAgent))

				r.Get("/", agentHandler.Get)
				r.Post("/messages", agentHandler.Send)
				r.Post("/typing", agentHandler.Typing)
				r.Post("/read", agentHandler.Read)
				r.Put("/agent", agentHandler.Assign)
				r.Post("/drop", agentHandler.Drop)
				r.Post("/close", agentHandler.Close)
			})
		})
	})

	// Realtime channel
	r.Route("/chat", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))

		r.Get("/ws", channelHandler.WebSocket)
		r.Post("/poll", channelHandler.OpenPoll)
		r.Get("/poll/{sid}", channelHandler.Poll)
		r.Post("/poll/{sid}/emit", channelHandler.Emit)
		r.Delete("/poll/{sid}", channelHandler.ClosePoll)
	})

	return r
}
