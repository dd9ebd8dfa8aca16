package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes each notification as JSON on <prefix>.<role>.
type NATSSink struct {
	Conn   *nats.Conn
	Prefix string
}

// ConnectNATS dials url with the reconnect settings used by the server.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("phaseline"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

func (s NATSSink) Subject(role string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "phaseline.notify"
	}
	return prefix + "." + role
}

func (s NATSSink) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.Conn.Publish(s.Subject(n.Role), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
