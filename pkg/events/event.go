package events

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// Type names an event kind
type Type string

// Event types
const (
	TypeNewDevice            Type = "new_device_discovered"
	TypeVulnerabilitiesFound Type = "vulnerabilities_found"
	TypeAnomalyDetected      Type = "anomaly_detected"
	TypeRemediationRequested Type = "remediation_requested"
)

// DeviceRef carries a device's identity, classification and risk level
type DeviceRef struct {
	MAC string `json:"mac"`
	IP  string `json:"ip"`
	models.Classification
	RiskLevel models.RiskLevel `json:"risk_level"`
	RiskScore float64          `json:"risk_score"`
}

// RefFor builds a DeviceRef from a device
func RefFor(d models.Device) DeviceRef {
	return DeviceRef{
		MAC:            d.MAC,
		IP:             d.IP,
		Classification: d.Classification(),
		RiskLevel:      d.RiskLevel,
		RiskScore:      d.RiskScore,
	}
}

// Event is a structured record forwarded to external consumers
type Event struct {
	ID              string                 `json:"id"`
	Type            Type                   `json:"type"`
	Timestamp       time.Time              `json:"timestamp"`
	Device          DeviceRef              `json:"device"`
	Vulnerabilities []models.Vulnerability `json:"vulnerabilities,omitempty"`
	Detail          string                 `json:"detail,omitempty"`
	Attributes      map[string]string      `json:"attributes,omitempty"`

	// dedupeKey identifies repeats of the same fact; empty disables de-duplication
	dedupeKey string
}

// DedupeKey returns the key used to suppress repeated events
func (e Event) DedupeKey() string {
	return e.dedupeKey
}

// Forwarder delivers events to an external consumer. Delivery is best
// effort; callers log failures and carry on.
type Forwarder interface {
	Forward(ctx context.Context, ev Event) error
}

// Sink is the transport behind a Forwarder
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

func newEvent(t Type, d models.Device, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: at,
		Device:    RefFor(d),
	}
}

// NewDeviceDiscovered reports a device seen for the first time
func NewDeviceDiscovered(d models.Device, at time.Time) Event {
	ev := newEvent(TypeNewDevice, d, at)
	ev.dedupeKey = string(TypeNewDevice) + "/" + d.MAC
	return ev
}

// VulnerabilitiesFound reports vulnerabilities newly matched to a device
func VulnerabilitiesFound(d models.Device, found []models.Vulnerability, at time.Time) Event {
	ev := newEvent(TypeVulnerabilitiesFound, d, at)
	ev.Vulnerabilities = append([]models.Vulnerability(nil), found...)

	keys := make([]string, len(found))
	for i, v := range found {
		keys[i] = v.Key()
	}
	sort.Strings(keys)
	ev.dedupeKey = string(TypeVulnerabilitiesFound) + "/" + d.MAC + "/" + strings.Join(keys, ",")
	return ev
}

// AnomalyDetected reports a behavioral deviation. Anomalies are never
// de-duplicated.
func AnomalyDetected(d models.Device, kind, detail string, at time.Time) Event {
	ev := newEvent(TypeAnomalyDetected, d, at)
	ev.Detail = detail
	ev.Attributes = map[string]string{"kind": kind}
	return ev
}

// RemediationRequested asks an operator or external system to remediate a device
func RemediationRequested(d models.Device, action models.RemediationAction, policy string, at time.Time) Event {
	ev := newEvent(TypeRemediationRequested, d, at)
	ev.Detail = string(action)
	ev.Attributes = map[string]string{"action": string(action), "policy": policy}
	return ev
}
