// Package netctl provides the network-control backends of the enforcement
// dispatcher. Controllers express intent; switches, firewalls or SDN
// agents subscribed to the intents carry them out.
package netctl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// DefaultSubjectPrefix is the subject prefix intents are published under
const DefaultSubjectPrefix = "iotguard.netctl"

// Intent is a network-control instruction for one device
type Intent struct {
	ID        string               `json:"id"`
	Action    models.NetworkAction `json:"action"`
	MAC       string               `json:"mac"`
	Allowed   []string             `json:"allowed_destinations,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// LogController only logs intents. It is used when no control plane is
// configured, so policies can be evaluated in a dry run.
type LogController struct {
	logger *logrus.Logger
}

// NewLogController creates a log-only controller
func NewLogController(logger *logrus.Logger) *LogController {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogController{logger: logger}
}

// Isolate logs an isolation intent
func (c *LogController) Isolate(_ context.Context, mac string) error {
	c.log(models.NetworkIsolate, mac, nil)
	return nil
}

// Restrict logs a restriction intent
func (c *LogController) Restrict(_ context.Context, mac string, allowed []string) error {
	c.log(models.NetworkRestrict, mac, allowed)
	return nil
}

// Monitor logs a monitoring intent
func (c *LogController) Monitor(_ context.Context, mac string) error {
	c.log(models.NetworkMonitor, mac, nil)
	return nil
}

func (c *LogController) log(action models.NetworkAction, mac string, allowed []string) {
	entry := c.logger.WithFields(logrus.Fields{
		"action": action,
		"mac":    mac,
	})
	if len(allowed) > 0 {
		entry = entry.WithField("allowed", allowed)
	}
	entry.Info("Network control intent (dry run)")
}

// NATSController publishes intents as JSON on <prefix>.<action> and waits
// for the broker to acknowledge the publish.
type NATSController struct {
	conn   *nats.Conn
	prefix string
	logger *logrus.Logger
	now    func() time.Time
}

// ConnectNATSController dials the broker
func ConnectNATSController(url, prefix string, logger *logrus.Logger) (*NATSController, error) {
	conn, err := nats.Connect(url,
		nats.Name("iot-guardian-netctl"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATSController(conn, prefix, logger), nil
}

// NewNATSController wraps an existing connection
func NewNATSController(conn *nats.Conn, prefix string, logger *logrus.Logger) *NATSController {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &NATSController{conn: conn, prefix: prefix, logger: logger, now: time.Now}
}

// Isolate publishes an isolation intent
func (c *NATSController) Isolate(ctx context.Context, mac string) error {
	return c.publish(ctx, c.intent(models.NetworkIsolate, mac, nil))
}

// Restrict publishes a restriction intent
func (c *NATSController) Restrict(ctx context.Context, mac string, allowed []string) error {
	return c.publish(ctx, c.intent(models.NetworkRestrict, mac, allowed))
}

// Monitor publishes a monitoring intent
func (c *NATSController) Monitor(ctx context.Context, mac string) error {
	return c.publish(ctx, c.intent(models.NetworkMonitor, mac, nil))
}

func (c *NATSController) intent(action models.NetworkAction, mac string, allowed []string) Intent {
	return Intent{
		ID:        uuid.NewString(),
		Action:    action,
		MAC:       mac,
		Allowed:   allowed,
		Timestamp: c.now(),
	}
}

// Subject returns the subject an action is published on
func (c *NATSController) Subject(action models.NetworkAction) string {
	return c.prefix + "." + string(action)
}

func (c *NATSController) publish(ctx context.Context, in Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	msg := nats.NewMsg(c.Subject(in.Action))
	msg.Data = data
	msg.Header.Set("x-intent-id", in.ID)
	msg.Header.Set("x-device-mac", in.MAC)

	if err := c.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s intent for %s: %w", in.Action, in.MAC, err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s intent for %s: %w", in.Action, in.MAC, err)
	}

	c.logger.WithFields(logrus.Fields{
		"action":  in.Action,
		"mac":     in.MAC,
		"subject": msg.Subject,
	}).Info("Network control intent published")
	return nil
}

// Close drains the connection
func (c *NATSController) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
