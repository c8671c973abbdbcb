// Package websocket carries the framed kernel protocol over gorilla
// WebSocket connections: command dispatch, authentication gating, and
// ownership-filtered event subscriptions.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aether/aether/internal/common/logger"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// Authenticator resolves the auth.* commands a client may issue before
// anything else.
type Authenticator interface {
	Register(ctx context.Context, username, password, displayName string) (*v1.User, string, error)
	Login(ctx context.Context, username, password, totp string) (*v1.User, string, error)
	VerifyToken(ctx context.Context, token string) (*v1.User, error)
	Logout(token string) error
	SetupMFA(ctx context.Context, userID string) (string, error)
	ConfirmMFA(ctx context.Context, userID, code string) error
}

// Hub tracks live client connections.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	logger *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run processes registrations until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("client", c.id))
		case c := <-h.unregister:
			h.remove(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.teardown()
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	registered := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if registered {
		c.teardown()
		h.logger.Debug("client disconnected", zap.String("client", c.id))
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) { h.register <- c }

// Unregister drops a connection and releases its subscriptions.
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
