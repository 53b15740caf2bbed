package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// Publisher is the subset of *nats.Conn used by the NATS notifier.
type Publisher interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// Message is the payload published for every notification.
type Message struct {
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// NATS publishes notifications on a subject.
type NATS struct {
	pub     Publisher
	subject string
	now     func() time.Time
	close   func()
}

var _ rebalance.Notifier = (*NATS)(nil)

// NewNATS creates a NATS notifier publishing through pub.
func NewNATS(pub Publisher, subject string) (*NATS, error) {
	if pub == nil {
		return nil, errors.New("nats publisher is required")
	}
	if subject == "" {
		return nil, errors.New("nats subject is required")
	}
	return &NATS{pub: pub, subject: subject, now: time.Now}, nil
}

// DialNATS connects to url and returns a notifier owning the connection.
func DialNATS(url, subject string, timeout time.Duration, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conn, err := nats.Connect(url,
		nats.Name("treasury-rebalancer"),
		nats.Timeout(timeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n, err := NewNATS(conn, subject)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.close = conn.Close

	logger.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()), zap.String("subject", subject))
	return n, nil
}

// Send publishes text and waits for the server to acknowledge the flush.
func (n *NATS) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(Message{Text: text, SentAt: n.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := n.pub.Publish(n.subject, payload); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	if err := n.pub.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush notification: %w", err)
	}
	return nil
}

// Close closes the connection if the notifier owns it.
func (n *NATS) Close() {
	if n.close != nil {
		n.close()
	}
}
