// internal/events/nats.go
package events

import (
    "context"
    "encoding/json"
    "fmt"
    "strings"
    "time"

    "github.com/nats-io/nats.go"
    "github.com/sirupsen/logrus"
    "netwatch/internal/config"
    "netwatch/internal/models"
)

// natsConn is the part of *nats.Conn the sink uses.
type natsConn interface {
    Publish(subject string, data []byte) error
    FlushTimeout(timeout time.Duration) error
    Close()
}

// NATSSink publishes each event as JSON on <prefix>.<event type>.
type NATSSink struct {
    conn   natsConn
    prefix string
}

func NewNATSSink(cfg config.NATSConfig) (*NATSSink, error) {
    name := cfg.Name
    if name == "" {
        name = "netwatch"
    }
    nc, err := nats.Connect(cfg.URL,
        nats.Name(name),
        nats.MaxReconnects(-1),
        nats.ReconnectWait(2*time.Second),
        nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
            logrus.WithError(err).Warn("NATS error")
        }),
        nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
            if err != nil {
                logrus.WithError(err).Warn("NATS disconnected")
            }
        }),
        nats.ReconnectHandler(func(nc *nats.Conn) {
            logrus.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
        }),
    )
    if err != nil {
        return nil, fmt.Errorf("failed to connect to NATS: %w", err)
    }
    logrus.WithField("url", nc.ConnectedUrl()).Info("Connected to NATS")
    return newNATSSink(nc, cfg.SubjectPrefix), nil
}

func newNATSSink(conn natsConn, prefix string) *NATSSink {
    if prefix == "" {
        prefix = "netwatch"
    }
    return &NATSSink{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

func (s *NATSSink) Name() string {
    return "nats"
}

func (s *NATSSink) Subject(t models.EventType) string {
    return s.prefix + "." + string(t)
}

func (s *NATSSink) Send(ctx context.Context, event models.Event) error {
    if err := ctx.Err(); err != nil {
        return err
    }
    data, err := json.Marshal(event)
    if err != nil {
        return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
    }
    if err := s.conn.Publish(s.Subject(event.Type), data); err != nil {
        return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
    }
    return nil
}

func (s *NATSSink) Close() error {
    err := s.conn.FlushTimeout(2 * time.Second)
    s.conn.Close()
    return err
}
