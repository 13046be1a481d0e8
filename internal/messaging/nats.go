// Package messaging publishes chat domain events over NATS so other services
// (export, notifications) can follow chats without talking to the chat server.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects. Per-chat events go to chat.<chat_id>.<kind>.
const (
	SubjectChatCreated = "chat.created"
	SubjectChat        = "chat"
)

// ChatSubject returns the subject for kind events of chatID.
func ChatSubject(chatID, kind string) string {
	return SubjectChat + "." + chatID + "." + kind
}

// NATSConfig holds NATS connection settings.
// Name is shown in server monitoring; MaxReconnects -1 retries forever.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultNATSConfig returns the settings cmd/wsserver starts from.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-server",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bus is a NATS connection carrying chat events.
type Bus struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials NATS. It fails if the first connection attempt fails; later
// outages are retried in the background.
func Connect(config NATSConfig, logger *zap.Logger) (*Bus, error) {
	logger = logger.Named("nats")
	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("connection lost", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("connection restored", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Warn("async error", fields...)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", config.URL, err)
	}
	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))
	return &Bus{nc: nc, logger: logger}, nil
}

// Publish sends data on subject.
func (b *Bus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

// Flush blocks until the server acknowledged everything sent so far.
func (b *Bus) Flush(ctx context.Context) error {
	return b.nc.FlushWithContext(ctx)
}

// Close drains subscriptions and pending publishes, then closes the
// connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn("drain", zap.Error(err))
	}
}
