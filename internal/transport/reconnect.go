package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// Hooks observe the lifecycle of a reconnecting channel.
type Hooks struct {
	// Connecting is called before every dial attempt.
	Connecting func()
	// Serve owns a fresh connection until it fails or ctx is done. Handlers
	// bound to a previous connection must be rebound here.
	Serve func(ctx context.Context, conn Conn, transport string) error
	// Disconnected is called after Serve returns and the connection is closed.
	Disconnected func(err error)
}

// Reconnector keeps a channel open, redialing with exponential backoff.
type Reconnector struct {
	dialer  *Dialer
	minWait time.Duration
	maxWait time.Duration
	logger  *logger.Logger
}

// NewReconnector creates a reconnector over dialer.
func NewReconnector(dialer *Dialer, minWait, maxWait time.Duration, log *logger.Logger) *Reconnector {
	if minWait <= 0 {
		minWait = 500 * time.Millisecond
	}
	if maxWait < minWait {
		maxWait = minWait
	}
	return &Reconnector{
		dialer:  dialer,
		minWait: minWait,
		maxWait: maxWait,
		logger:  logger.OrNop(log).Named("reconnect"),
	}
}

func (r *Reconnector) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.minWait
	b.MaxInterval = r.maxWait
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run dials ep and serves connections until ctx is done. It returns ctx.Err().
func (r *Reconnector) Run(ctx context.Context, ep Endpoint, hooks Hooks) error {
	b := r.newBackOff()
	log := r.logger.WithSession(ep.ChatID)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if hooks.Connecting != nil {
			hooks.Connecting()
		}

		conn, name, err := r.dialer.Dial(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := b.NextBackOff()
			log.Warn("channel dial failed",
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
			if hooks.Disconnected != nil {
				hooks.Disconnected(err)
			}
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		b.Reset()
		log.Info("channel connected", zap.String("transport", name))

		serveErr := hooks.Serve(ctx, conn, name)
		_ = conn.Close()

		if hooks.Disconnected != nil {
			hooks.Disconnected(serveErr)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		if errors.Is(serveErr, ErrClosed) {
			log.Info("channel closed by server", zap.Duration("retry_in", wait), zap.Error(serveErr))
		} else {
			log.Warn("channel dropped", zap.Duration("retry_in", wait), zap.Error(serveErr))
		}
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
