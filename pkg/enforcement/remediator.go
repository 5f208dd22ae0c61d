package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/ExclusiveAccount/iot-guardian/pkg/events"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// EventRemediator requests remediation by forwarding remediation_requested
// events. Patching and credential resets are carried out by whoever
// consumes the events.
type EventRemediator struct {
	forwarder events.Forwarder
	now       func() time.Time
}

// NewEventRemediator creates a remediator that forwards through f
func NewEventRemediator(f events.Forwarder) *EventRemediator {
	return &EventRemediator{forwarder: f, now: time.Now}
}

// Patch requests a firmware update
func (r *EventRemediator) Patch(ctx context.Context, d models.Device) error {
	return r.request(ctx, d, models.RemediationPatch, "")
}

// ResetCredentials requests a credential reset
func (r *EventRemediator) ResetCredentials(ctx context.Context, d models.Device) error {
	return r.request(ctx, d, models.RemediationCredentialReset, "")
}

// NotifyAdmin asks an administrator to look at the device
func (r *EventRemediator) NotifyAdmin(ctx context.Context, d models.Device, reason string) error {
	return r.request(ctx, d, models.RemediationNotifyAdmin, reason)
}

func (r *EventRemediator) request(ctx context.Context, d models.Device, action models.RemediationAction, reason string) error {
	ev := events.RemediationRequested(d, action, d.AppliedPolicy, r.now())
	if reason != "" {
		ev.Detail = reason
	}
	if err := r.forwarder.Forward(ctx, ev); err != nil {
		return fmt.Errorf("failed to request %s for %s: %w", action, d.MAC, err)
	}
	return nil
}
