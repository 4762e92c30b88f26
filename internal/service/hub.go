package service

import (
	"sync"

	"github.com/google/uuid"

	"github.com/capitalize-ai/support-chat/internal/transport"
	"github.com/capitalize-ai/support-chat/pkg/metrics"
)

// peerBuffer bounds the frames queued for one peer. A peer that falls this
// far behind is disconnected.
const peerBuffer = 128

// Peer is one live channel connection to a chat.
type Peer struct {
	ID        string
	ChatID    string
	Transport string

	out       chan transport.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// Frames returns the frames queued for the peer.
func (p *Peer) Frames() <-chan transport.Frame {
	return p.out
}

// Done is closed when the peer has been dropped.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		metrics.DecrementPeers(p.Transport)
	})
}

// Hub fans frames out to the live peers of each chat.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]map[*Peer]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string]map[*Peer]struct{})}
}

// Join registers a new peer for chatID.
func (h *Hub) Join(chatID, transportName string) *Peer {
	p := &Peer{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Transport: transportName,
		out:       make(chan transport.Frame, peerBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	set, ok := h.peers[chatID]
	if !ok {
		set = make(map[*Peer]struct{})
		h.peers[chatID] = set
	}
	set[p] = struct{}{}
	h.mu.Unlock()

	metrics.IncrementPeers(transportName)
	return p
}

// Leave unregisters p and closes it.
func (h *Hub) Leave(p *Peer) {
	h.mu.Lock()
	if set, ok := h.peers[p.ChatID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.peers, p.ChatID)
		}
	}
	h.mu.Unlock()
	p.close()
}

// Broadcast queues f for every peer of chatID and returns how many received
// it. Peers with a full queue are dropped.
func (h *Hub) Broadcast(chatID string, f transport.Frame) int {
	h.mu.RLock()
	var delivered int
	var slow []*Peer
	for p := range h.peers[chatID] {
		select {
		case p.out <- f:
			delivered++
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		h.Leave(p)
	}
	return delivered
}

// Drop closes every peer of chatID and returns how many were closed.
func (h *Hub) Drop(chatID string) int {
	h.mu.Lock()
	set := h.peers[chatID]
	delete(h.peers, chatID)
	h.mu.Unlock()

	for p := range set {
		p.close()
	}
	return len(set)
}

// Count returns the number of live peers of chatID.
func (h *Hub) Count(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[chatID])
}

// Total returns the number of live peers across all chats.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n int
	for _, set := range h.peers {
		n += len(set)
	}
	return n
}
