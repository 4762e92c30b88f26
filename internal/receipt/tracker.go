// Package receipt issues and applies read receipts for a chat session.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/model"
	"github.com/capitalize-ai/support-chat/pkg/logger"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
)

// ErrReadReceiptFailure is wrapped when the mark-read call fails.
var ErrReadReceiptFailure = errors.New("read receipt failed")

// Marker is the REST mark-read call.
type Marker interface {
	MarkRead(ctx context.Context, messageID string) error
}

// Log is the message log the tracker flips IsRead on.
type Log interface {
	Get(id string) (model.Message, bool)
	MarkRead(id string) bool
	Unread(sender model.SenderType) []model.Message
}

// Tracker marks counterparty messages read while the panel is visible.
type Tracker struct {
	marker Marker
	log    Log
	logger *logger.Logger

	mu       sync.Mutex
	visible  bool
	unsynced map[string]struct{}
}

// New creates a tracker. The panel starts visible.
func New(marker Marker, log Log, l *logger.Logger) *Tracker {
	return &Tracker{
		marker:   marker,
		log:      log,
		logger:   logger.OrNop(l).Named("receipt"),
		visible:  true,
		unsynced: make(map[string]struct{}),
	}
}

// Reset forgets unsynced receipts of a previous session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsynced = make(map[string]struct{})
}

// Visible reports whether the panel is visible.
func (t *Tracker) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.visible
}

// OnMessageVisible marks msg read if it came from the counterparty and the
// panel is visible. The local flag flips before the REST call. Already-read
// messages are a no-op.
func (t *Tracker) OnMessageVisible(ctx context.Context, msg model.Message) error {
	if msg.SenderType != model.SenderAgent || msg.ID == "" {
		return nil
	}

	t.mu.Lock()
	visible := t.visible
	t.mu.Unlock()
	if !visible {
		return nil
	}

	err := t.mark(ctx, msg.ID)
	t.retryUnsynced(ctx, msg.ID)
	return err
}

// OnRemoteRead applies the counterparty's acknowledgment of one of our
// messages. It reports whether the local entry changed.
func (t *Tracker) OnRemoteRead(messageID string) bool {
	msg, ok := t.log.Get(messageID)
	if !ok || msg.SenderType != model.SenderCustomer {
		return false
	}
	return t.log.MarkRead(messageID)
}

// SetVisible records panel visibility. Becoming visible marks every unread
// counterparty message and retries receipts that failed earlier.
func (t *Tracker) SetVisible(ctx context.Context, visible bool) error {
	t.mu.Lock()
	was := t.visible
	t.visible = visible
	t.mu.Unlock()

	if !visible || was {
		return nil
	}

	var errs []error
	for _, m := range t.log.Unread(model.SenderAgent) {
		if err := t.mark(ctx, m.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.retryUnsynced(ctx, ""); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Unsynced returns ids whose receipt has not reached the backend.
func (t *Tracker) Unsynced() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.unsynced))
	for id := range t.unsynced {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) mark(ctx context.Context, id string) error {
	changed := t.log.MarkRead(id)

	t.mu.Lock()
	_, pending := t.unsynced[id]
	t.mu.Unlock()
	if !changed && !pending {
		return nil
	}

	if err := t.marker.MarkRead(ctx, id); err != nil {
		t.mu.Lock()
		t.unsynced[id] = struct{}{}
		t.mu.Unlock()

		metrics.ReadReceipts.WithLabelValues("failure").Inc()
		t.logger.Warn("mark read failed", zap.String("message_id", id), zap.Error(err))
		return fmt.Errorf("%w: message %s: %w", ErrReadReceiptFailure, id, err)
	}

	t.mu.Lock()
	delete(t.unsynced, id)
	t.mu.Unlock()

	metrics.ReadReceipts.WithLabelValues("success").Inc()
	return nil
}

func (t *Tracker) retryUnsynced(ctx context.Context, skip string) error {
	var errs []error
	for _, id := range t.Unsynced() {
		if id == skip {
			continue
		}
		if err := t.mark(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
