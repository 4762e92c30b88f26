package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/internal/transport"
	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// ErrPollNotFound is returned for unknown, expired or dropped poll sessions.
var ErrPollNotFound = errors.New("poll session not found")

// maxFramesPerPoll bounds one poll response.
const maxFramesPerPoll = 64

// PollSession is a long-polling channel connection.
type PollSession struct {
	ID      string
	ChatID  string
	OwnerID string

	peer     *Peer
	mu       sync.Mutex
	lastSeen time.Time
}

// PollService keeps the long-polling sessions of the sandbox.
type PollService struct {
	hub    *Hub
	logger *logger.Logger

	sessions map[string]*PollSession
	mu       sync.RWMutex
}

// NewPollService creates a poll service attached to hub.
func NewPollService(hub *Hub, log *logger.Logger) *PollService {
	return &PollService{
		hub:      hub,
		logger:   logger.OrNop(log).Named("poll"),
		sessions: make(map[string]*PollSession),
	}
}

// Open starts a polling session for chatID on behalf of ownerID.
func (s *PollService) Open(ctx context.Context, chatID, ownerID string) *PollSession {
	sess := &PollSession{
		ID:       uuid.NewString(),
		ChatID:   chatID,
		OwnerID:  ownerID,
		peer:     s.hub.Join(chatID, "polling"),
		lastSeen: time.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Debug("poll session opened",
		zap.String("sid", sess.ID),
		zap.String("chat_id", chatID),
	)
	return sess
}

// Get returns a live session.
func (s *PollService) Get(sid string) (*PollSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sid]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrPollNotFound
	}

	select {
	case <-sess.peer.Done():
		s.remove(sid)
		return nil, ErrPollNotFound
	default:
	}
	return sess, nil
}

// Poll waits up to wait for frames. It returns an empty slice when nothing
// arrived in time.
func (s *PollService) Poll(ctx context.Context, sid string, wait time.Duration) ([]transport.Frame, error) {
	sess, err := s.Get(sid)
	if err != nil {
		return nil, err
	}
	sess.touch()
	defer sess.touch()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var frames []transport.Frame
	select {
	case f := <-sess.peer.Frames():
		frames = append(frames, f)
	case <-sess.peer.Done():
		s.remove(sid)
		return nil, ErrPollNotFound
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(frames) < maxFramesPerPoll {
		select {
		case f := <-sess.peer.Frames():
			frames = append(frames, f)
		default:
			return frames, nil
		}
	}
	return frames, nil
}

// Close ends a session.
func (s *PollService) Close(sid string) error {
	sess, ok := s.remove(sid)
	if !ok {
		return ErrPollNotFound
	}
	s.hub.Leave(sess.peer)
	return nil
}

// Reap closes sessions that have not polled for maxIdle and returns how
// many were closed.
func (s *PollService) Reap(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.RLock()
	var idle []string
	for id, sess := range s.sessions {
		if sess.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range idle {
		s.Close(id)
	}
	if len(idle) > 0 {
		s.logger.Debug("idle poll sessions reaped", zap.Int("count", len(idle)))
	}
	return len(idle)
}

// StartReaper reaps idle sessions every interval until ctx is done.
func (s *PollService) StartReaper(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Reap(maxIdle)
			}
		}
	}()
}

func (s *PollService) remove(sid string) (*PollSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	if ok {
		delete(s.sessions, sid)
	}
	return sess, ok
}

func (p *PollSession) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *PollSession) idleSince(cutoff time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen.Before(cutoff)
}
