package models

import (
	"time"
)

// IdentificationMethod records which fingerprinting strategy classified a device
type IdentificationMethod string

// Identification methods, in fallback order
const (
	IdentifiedBySignature IdentificationMethod = "signature_match"
	IdentifiedByMAC       IdentificationMethod = "mac_lookup"
	IdentifiedByBanner    IdentificationMethod = "banner_grab"
	Unidentified          IdentificationMethod = "unidentified"
)

// Unknown is the placeholder used for classification fields nothing could fill
const Unknown = "Unknown"

// RiskLevel is the categorical form of a risk score
type RiskLevel string

// Risk levels
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TrafficStats holds byte and packet counters in both directions
type TrafficStats struct {
	BytesIn    uint64 `json:"bytes_in" yaml:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out" yaml:"bytes_out"`
	PacketsIn  uint64 `json:"packets_in" yaml:"packets_in"`
	PacketsOut uint64 `json:"packets_out" yaml:"packets_out"`
}

// Add returns the sum of two sets of counters
func (t TrafficStats) Add(o TrafficStats) TrafficStats {
	return TrafficStats{
		BytesIn:    t.BytesIn + o.BytesIn,
		BytesOut:   t.BytesOut + o.BytesOut,
		PacketsIn:  t.PacketsIn + o.PacketsIn,
		PacketsOut: t.PacketsOut + o.PacketsOut,
	}
}

// Sub returns the counters accumulated since prev. Counters that went
// backwards (a restored or reset device) count from zero.
func (t TrafficStats) Sub(prev TrafficStats) TrafficStats {
	sub := func(a, b uint64) uint64 {
		if a < b {
			return a
		}
		return a - b
	}
	return TrafficStats{
		BytesIn:    sub(t.BytesIn, prev.BytesIn),
		BytesOut:   sub(t.BytesOut, prev.BytesOut),
		PacketsIn:  sub(t.PacketsIn, prev.PacketsIn),
		PacketsOut: sub(t.PacketsOut, prev.PacketsOut),
	}
}

// TotalBytes returns bytes in plus bytes out
func (t TrafficStats) TotalBytes() uint64 {
	return t.BytesIn + t.BytesOut
}

// Classification is the result of fingerprinting a device
type Classification struct {
	Manufacturer    string               `json:"manufacturer"`
	Model           string               `json:"model"`
	DeviceType      string               `json:"device_type"`
	FirmwareVersion string               `json:"firmware_version,omitempty"`
	IdentifiedBy    IdentificationMethod `json:"identified_by"`
}

// Device represents a network endpoint tracked by the registry
type Device struct {
	MAC       string `json:"mac"`       // Hardware address, the stable identity key
	IP        string `json:"ip"`        // Last observed network address
	Interface string `json:"interface"` // Interface the device was last observed on

	Manufacturer    string               `json:"manufacturer"`
	Model           string               `json:"model"`
	DeviceType      string               `json:"device_type"`
	FirmwareVersion string               `json:"firmware_version"`
	IdentifiedBy    IdentificationMethod `json:"identified_by"`

	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
	Protocols    map[string]bool `json:"protocols"`
	Ports        map[int]bool    `json:"ports"`
	Destinations map[string]bool `json:"destinations"`
	Banners      map[int]string  `json:"banners,omitempty"`
	Traffic      TrafficStats    `json:"traffic"`

	Authorized             bool            `json:"authorized"`
	DefaultCredentials     bool            `json:"default_credentials"` // External signal, set by active probing
	RiskScore              float64         `json:"risk_score"`
	RiskLevel              RiskLevel       `json:"risk_level"`
	RiskFactors            []string        `json:"risk_factors"`
	Vulnerabilities        []Vulnerability `json:"vulnerabilities"`
	LastAssessed           time.Time       `json:"last_assessed"`
	LastVulnerabilityCheck time.Time       `json:"last_vulnerability_check"`
	LastActiveScan         time.Time       `json:"last_active_scan"`

	AppliedPolicy      string    `json:"applied_policy"`
	LastEnforcement    time.Time `json:"last_enforcement"`
	EnhancedMonitoring bool      `json:"enhanced_monitoring"`
	AlertThreshold     float64   `json:"alert_threshold"`
}

// Vulnerability is a known vulnerability catalog entry. An empty
// FirmwareVersion means the entry applies to every firmware.
type Vulnerability struct {
	Manufacturer    string  `json:"manufacturer" yaml:"manufacturer"`
	Model           string  `json:"model" yaml:"model"`
	FirmwareVersion string  `json:"firmware_version,omitempty" yaml:"firmware_version"`
	CVSS            float64 `json:"cvss" yaml:"cvss"`
	CVE             string  `json:"cve,omitempty" yaml:"cve"`
	Description     string  `json:"description,omitempty" yaml:"description"`
}

// Key identifies a vulnerability entry for change detection
func (v Vulnerability) Key() string {
	if v.CVE != "" {
		return v.CVE
	}
	return v.Manufacturer + "/" + v.Model + "/" + v.FirmwareVersion + "/" + v.Description
}

// Observation is a normalized traffic observation delivered by a capture source
type Observation struct {
	MAC          string         `json:"mac"`
	IP           string         `json:"ip"`
	Interface    string         `json:"interface,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Protocols    []string     `json:"protocols"`
	Ports        []int        `json:"ports"`
	Destinations []string     `json:"destinations,omitempty"`
	Banners      map[int]string`json:"banners,omitempty"`
	Traffic      TrafficStats `json:"traffic"`
}
