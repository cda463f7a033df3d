// Package notify delivers learner notifications through pluggable channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Kinds of notification the engine sends.
const (
	KindCertificateIssued = "certificate_issued"
	KindLevelUp           = "level_up"
)

// Notification is a message addressed to one user.
type Notification struct {
	Channel string
	UserID  string
	Kind    string
	Text    string
	Data    map[string]string
}

// Channel is implemented by each delivery mechanism (email, chat, push).
type Channel interface {
	Send(ctx context.Context, n Notification) error
}

// Gateway routes notifications to registered channels.
type Gateway struct {
	channels       map[string]Channel
	defaultChannel string
	mu             sync.RWMutex
}

// NewGateway creates a gateway. Notifications without a channel go to
// defaultChannel.
func NewGateway(defaultChannel string) *Gateway {
	return &Gateway{
		channels:       make(map[string]Channel),
		defaultChannel: defaultChannel,
	}
}

// Register adds a channel to the gateway.
func (g *Gateway) Register(name string, ch Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[name] = ch
	slog.Info("notification channel registered", "channel", name)
}

// HasChannel returns true if the named channel is registered.
func (g *Gateway) HasChannel(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.channels[name]
	return ok
}

// Send dispatches n to its channel.
func (g *Gateway) Send(ctx context.Context, n Notification) error {
	if n.Channel == "" {
		n.Channel = g.defaultChannel
	}

	g.mu.RLock()
	ch, ok := g.channels[n.Channel]
	g.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown channel: %s", n.Channel)
	}
	return ch.Send(ctx, n)
}

// LogChannel writes notifications to the structured log.
type LogChannel struct{}

func (LogChannel) Send(_ context.Context, n Notification) error {
	slog.Info("notification",
		"user_id", n.UserID,
		"kind", n.Kind,
		"text", n.Text,
	)
	return nil
}

// MockChannel is a test double for Channel.
type MockChannel struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

func (m *MockChannel) Send(_ context.Context, n Notification) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of the delivered notifications.
func (m *MockChannel) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}
