package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultSubjectPrefix is the subject prefix events are published under
const DefaultSubjectPrefix = "iotguard.events"

// LogSink writes events to the log. It is the sink used when no broker is
// configured.
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *logrus.Logger) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger}
}

// Send logs the event
func (s *LogSink) Send(_ context.Context, ev Event) error {
	entry := s.logger.WithFields(logrus.Fields{
		"event_id":    ev.ID,
		"type":        ev.Type,
		"mac":         ev.Device.MAC,
		"ip":          ev.Device.IP,
		"device_type": ev.Device.DeviceType,
		"risk_level":  ev.Device.RiskLevel,
	})
	if len(ev.Vulnerabilities) > 0 {
		cves := make([]string, len(ev.Vulnerabilities))
		for i, v := range ev.Vulnerabilities {
			cves[i] = v.Key()
		}
		entry = entry.WithField("vulnerabilities", cves)
	}
	if ev.Detail != "" {
		entry = entry.WithField("detail", ev.Detail)
	}
	entry.Info("Security event")
	return nil
}

// NATSSink publishes events as JSON on <prefix>.<event type>
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *logrus.Logger
}

// ConnectNATS dials the broker and returns a sink publishing under prefix
func ConnectNATS(url, prefix string, logger *logrus.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	conn, err := nats.Connect(url,
		nats.Name("iot-guardian-events"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("Event broker disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("Event broker reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.WithField("url", url).Info("Connected to event broker")
	return NewNATSSink(conn, prefix, logger), nil
}

// NewNATSSink wraps an existing connection
func NewNATSSink(conn *nats.Conn, prefix string, logger *logrus.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}
}

// Send publishes the event
func (s *NATSSink) Send(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.conn == nil || !s.conn.IsConnected() {
		return fmt.Errorf("event broker not connected")
	}

	msg, err := buildMsg(s.prefix, ev)
	if err != nil {
		return err
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"subject":  msg.Subject,
	}).Debug("Event published")
	return nil
}

// Close drains and closes the connection
func (s *NATSSink) Close() {
	if s.conn != nil {
		_ = s.conn.Drain()
	}
}

func buildMsg(prefix string, ev Event) (*nats.Msg, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(prefix + "." + string(ev.Type))
	msg.Data = data
	msg.Header.Set("x-event-id", ev.ID)
	msg.Header.Set("x-event-type", string(ev.Type))
	msg.Header.Set("x-device-mac", ev.Device.MAC)
	msg.Header.Set("x-timestamp", fmt.Sprintf("%d", ev.Timestamp.UnixMilli()))
	return msg, nil
}
