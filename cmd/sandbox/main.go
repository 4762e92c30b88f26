// Package main runs the sandbox support backend: the REST endpoints, the
// realtime channel and an agent console API, all in memory.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/config"
	"github.com/capitalize-ai/support-chat/internal/handler"
	"github.com/capitalize-ai/support-chat/internal/middleware"
	"github.com/capitalize-ai/support-chat/internal/service"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/tracing"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadSandbox()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting sandbox server")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "support-chat-sandbox", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	hub := service.NewHub()
	chats := service.NewChatService(hub, log)
	polls := service.NewPollService(hub, log)
	polls.StartReaper(ctx, time.Minute, 2*cfg.PollWait+30*time.Second)

	router := handler.NewRouter(handler.RouterConfig{
		Chats:             chats,
		Polls:             polls,
		JWTSecret:         cfg.JWTSecret,
		TokenTTL:          cfg.JWTExpiration,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		PollWait:          cfg.PollWait,
		Logger:            log,
	})

	agentClaims := middleware.Claims{Name: "Support", Scopes: []string{middleware.ScopeAgent}}
	agentClaims.Subject = "agent-console"
	if token, err := middleware.IssueToken(cfg.JWTSecret, agentClaims, cfg.JWTExpiration); err == nil {
		log.Info("agent console token issued", zap.String("token", token))
	}

	// No WriteTimeout: it would cut websocket and long-poll responses.
	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     otelhttp.NewHandler(router, "sandbox"),
		ReadTimeout: cfg.ServerReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server", zap.Int("peers", hub.Total()))
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
