package models

// Wildcard matches any device type or risk level in a policy rule
const Wildcard = "any"

// NetworkAction is the network-control directive of a policy
type NetworkAction string

// Network control actions. NetworkNone leaves the device untouched.
const (
	NetworkNone     NetworkAction = ""
	NetworkIsolate  NetworkAction = "isolate"
	NetworkRestrict NetworkAction = "restrict"
	NetworkMonitor  NetworkAction = "monitor"
)

// RemediationAction is the remediation directive applied to high-risk devices
type RemediationAction string

// Remediation actions
const (
	RemediationNone            RemediationAction = ""
	RemediationPatch           RemediationAction = "patch"
	RemediationCredentialReset RemediationAction = "credential_reset"
	RemediationNotifyAdmin     RemediationAction = "notify_admin"
)

// PolicyRule maps device types and risk levels to enforcement directives
type PolicyRule struct {
	Name                string            `json:"name" yaml:"name"`
	Priority            int               `json:"priority" yaml:"priority"` // Lower value wins
	DeviceTypes         []string          `json:"device_types" yaml:"device_types"`
	RiskLevels          []string          `json:"risk_levels" yaml:"risk_levels"`
	NetworkControl      NetworkAction     `json:"network_control" yaml:"network_control"`
	AllowedDestinations []string          `json:"allowed_destinations,omitempty" yaml:"allowed_destinations"`
	EnhancedMonitoring  bool              `json:"enhanced_monitoring" yaml:"enhanced_monitoring"`
	AlertThreshold      float64           `json:"alert_threshold" yaml:"alert_threshold"`
	Remediation         RemediationAction `json:"remediation" yaml:"remediation"`
}

// FingerprintEntry classifies devices whose protocol and port set matches exactly
type FingerprintEntry struct {
	Protocols       []string `json:"protocols" yaml:"protocols"`
	Ports           []int    `json:"ports" yaml:"ports"`
	Manufacturer    string   `json:"manufacturer" yaml:"manufacturer"`
	Model           string   `json:"model" yaml:"model"`
	DeviceType      string   `json:"device_type" yaml:"device_type"`
	FirmwareVersion string   `json:"firmware_version,omitempty" yaml:"firmware_version"`
}

// BannerRule infers manufacturer and model from service banner text
type BannerRule struct {
	Pattern      string `json:"pattern" yaml:"pattern"` // Regular expression
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	Model        string `json:"model" yaml:"model"`
	DeviceType   string `json:"device_type,omitempty" yaml:"device_type"`
}
