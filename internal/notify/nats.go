package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "iap.events"

type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Close()
}

// NATSPublisher sends each notification as JSON to <prefix>.<Event>.
type NATSPublisher struct {
	conn   conn
	prefix string
	logger *slog.Logger
}

func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	nc, err := nats.Connect(url,
		nats.Name("iap-gateway"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to nats at %s: %w", url, err)
	}

	logger.Info("connected to nats", "url", nc.ConnectedUrl())
	return newNATSPublisher(nc, prefix, logger), nil
}

func newNATSPublisher(c conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: c, prefix: prefix, logger: logger}
}

func (p *NATSPublisher) Subject(e Event) string {
	return p.prefix + "." + string(e)
}

func (p *NATSPublisher) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", n.Event, err)
	}

	subject := p.Subject(n.Event)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("notify: publish to %s: %w", subject, err)
	}
	p.logger.DebugContext(ctx, "notification published", "subject", subject)
	return nil
}

func (p *NATSPublisher) IsConnected() bool {
	return p.conn.IsConnected()
}

func (p *NATSPublisher) Close() {
	p.conn.Close()
}
