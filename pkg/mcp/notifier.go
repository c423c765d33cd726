package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/streaming"
)

// NotificationMethod is the MCP method job events are pushed with.
const NotificationMethod = "notifications/message"

// Sender delivers a notification to one MCP session. *server.MCPServer
// implements it.
type Sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// Notifier forwards the job events of a user's channel to that user's MCP
// session. Delivery is best effort.
type Notifier struct {
	sender   Sender
	sessions *SessionRegistry
	hub      streaming.Hub
	logger   *slog.Logger

	mu       sync.Mutex
	watching map[string]func()
}

// NewNotifier creates a Notifier.
func NewNotifier(sender Sender, sessions *SessionRegistry, hub streaming.Hub, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender:   sender,
		sessions: sessions,
		hub:      hub,
		logger:   logger,
		watching: make(map[string]func()),
	}
}

// Watch starts forwarding events of userID's job channel. It is a no-op when
// the user is already watched.
func (n *Notifier) Watch(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.watching[userID]; ok {
		return
	}
	events, cancel, err := n.hub.Subscribe(context.Background(), streaming.Filter{
		Channels: []string{streaming.UserJobsChannel(userID)},
	})
	if err != nil {
		n.logger.Warn("job notifications unavailable", slog.String("user_id", userID), slog.String("error", err.Error()))
		return
	}
	n.watching[userID] = cancel
	go n.forward(userID, events)
}

// Stop ends every forwarding subscription.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for uid, cancel := range n.watching {
		cancel()
		delete(n.watching, uid)
	}
}

func (n *Notifier) forward(userID string, events <-chan streaming.Event) {
	for e := range events {
		sessionID, ok := n.sessions.SessionFor(userID)
		if !ok {
			n.unwatch(userID)
			continue
		}
		err := n.sender.SendNotificationToSpecificClient(sessionID, NotificationMethod, map[string]any{
			"channel":   e.Channel,
			"event":     e.Event,
			"data":      e.Data,
			"timestamp": e.Timestamp,
		})
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sessionID)
			n.unwatch(userID)
			continue
		}
		if err != nil {
			n.logger.Warn("notification failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}
}

// unwatch cancels the subscription of userID; the cancel closes the channel
// forward is ranging over.
func (n *Notifier) unwatch(userID string) {
	n.mu.Lock()
	cancel, ok := n.watching[userID]
	delete(n.watching, userID)
	n.mu.Unlock()
	if ok {
		cancel()
	}
}
