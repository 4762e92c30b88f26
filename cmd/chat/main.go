// Package main is a headless support chat client. Lines read from stdin are
// sent as messages; the transcript is written to stdout.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/backend"
	"github.com/capitalize-ai/support-chat/internal/channel"
	"github.com/capitalize-ai/support-chat/internal/chat"
	"github.com/capitalize-ai/support-chat/internal/config"
	"github.com/capitalize-ai/support-chat/internal/model"
	natsclient "github.com/capitalize-ai/support-chat/internal/nats"
	"github.com/capitalize-ai/support-chat/internal/transport"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewWithOutput(cfg.LogLevel, "stderr")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "support-chat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	var relay chat.Relay
	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Warn("relay disabled: failed to connect to NATS", zap.Error(err))
		} else {
			defer nc.Close()
			if err := natsclient.NewStreamManager(nc).EnsureStream(ctx); err != nil {
				log.Warn("relay disabled: failed to ensure stream", zap.Error(err))
			} else {
				relay = natsclient.NewRelay(nc.JetStream())
			}
		}
	}

	client, err := newClient(cfg, relay, log)
	if err != nil {
		log.Error("failed to build client", zap.Error(err))
		os.Exit(1)
	}
	defer client.Close()

	if err := open(ctx, client, cfg); err != nil {
		log.Error("failed to start chat", zap.Error(err))
		os.Exit(1)
	}
	if sess, ok := client.Session(); ok {
		fmt.Printf("chat %s started (%s)\n", sess.ID, client.PresenceLabel())
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, client, line) {
				return
			}
		}
	}
}

func newClient(cfg *config.Config, relay chat.Relay, log *logger.Logger) (*chat.Client, error) {
	base, err := config.ChannelBaseURL(cfg.APIBaseURL)
	if err != nil {
		return nil, err
	}
	transports, err := transport.ForNames(cfg.Transports,
		transport.NewPolling(nil, cfg.PollWait),
		transport.NewWebSocket(),
	)
	if err != nil {
		return nil, err
	}
	reconnector := transport.NewReconnector(transport.NewDialer(log, transports...), cfg.ReconnectMin, cfg.ReconnectMax, log)

	api := backend.New(cfg.APIBaseURL, cfg.HTTPTimeout, log)
	factory := func(token string) chat.Backend { return api.WithToken(token) }

	return chat.New(factory, channel.NewManager(reconnector, base, log), chat.Options{
		TypingDebounce:    cfg.TypingDebounce,
		RemoteTypingLimit: cfg.RemoteTypingLimit,
		Relay:             relay,
		Logger:            log,
		Notifier: chat.NotifierFunc(func(n chat.Notice) {
			fmt.Printf("! %s\n", n.Message)
		}),
		Hooks: chat.Hooks{
			OnMessage: func(m model.Message) {
				if m.SenderType == model.SenderAgent {
					fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format(time.Kitchen), m.SenderName, m.Body)
				}
			},
			OnTyping: func(typing bool) {
				if typing {
					fmt.Println("… agent is typing")
				}
			},
			OnPresence: func(online bool) {
				if online {
					fmt.Println("* online")
				} else {
					fmt.Println("* connecting…")
				}
			},
		},
	}), nil
}

func open(ctx context.Context, c *chat.Client, cfg *config.Config) error {
	if cfg.Token != "" {
		id := model.AuthenticatedIdentity(model.Account{
			ID:    cfg.UserID,
			Name:  cfg.Name,
			Email: cfg.Email,
			Phone: cfg.Phone,
		}, cfg.Token)
		return c.Open(ctx, &id)
	}

	if err := c.Open(ctx, nil); err != nil {
		return err
	}
	if cfg.Anonymous {
		return c.ChooseAnonymous(ctx)
	}
	return c.ChooseGuest(ctx, model.CustomerInfo{
		Name:    cfg.Name,
		Email:   cfg.Email,
		Phone:   cfg.Phone,
		Subject: cfg.Subject,
	})
}

// handleLine runs one input line. It returns false when the user quits.
func handleLine(ctx context.Context, c *chat.Client, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return true
	case line == "/quit":
		return false
	case line == "/hide":
		c.SetVisible(ctx, false)
		return true
	case line == "/show":
		if err := c.SetVisible(ctx, true); err != nil {
			fmt.Printf("! read receipts pending: %v\n", err)
		}
		return true
	case line == "/pending":
		for _, m := range c.Pending() {
			fmt.Printf("  %s %s %q\n", m.ID, m.Status, m.Body)
		}
		return true
	case strings.HasPrefix(line, "/retry "):
		if _, err := c.Retry(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/retry "))); err != nil {
			fmt.Printf("! %v\n", err)
		}
		return true
	}

	c.Keystroke()
	// Delivery failures are reported by the notifier.
	if _, err := c.Send(ctx, line); errors.Is(err, chat.ErrNoSession) {
		fmt.Printf("! %v\n", err)
	}
	return true
}

func serveMetrics(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Info("metrics listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
