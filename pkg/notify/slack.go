// Package notify delivers operator messages to Slack and NATS.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/httpjson"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// Slack posts messages to an incoming webhook.
type Slack struct {
	http *httpjson.Client
	path string
}

var _ rebalance.Notifier = (*Slack)(nil)

type slackMessage struct {
	Text string `json:"text"`
}

// NewSlack creates a Slack notifier for webhookURL.
func NewSlack(webhookURL string, timeout time.Duration, logger *zap.Logger) (*Slack, error) {
	u, err := url.Parse(webhookURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.New("invalid slack webhook url")
	}
	base := u.Scheme + "://" + u.Host
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	opts := []httpjson.Option{httpjson.WithLogger(logger)}
	if timeout > 0 {
		opts = append(opts, httpjson.WithTimeout(timeout))
	}
	return &Slack{http: httpjson.New(base, opts...), path: path}, nil
}

// Send posts text to the webhook.
func (s *Slack) Send(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("empty notification")
	}
	err := s.http.Post(ctx, s.path, slackMessage{Text: text}, "", nil)
	var se *httpjson.StatusError
	if errors.As(err, &se) {
		// The webhook path is a credential, keep it out of errors.
		return fmt.Errorf("failed to post slack message: status %d: %s", se.StatusCode, se.Body)
	}
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}
