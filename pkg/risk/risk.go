// Package risk scores devices. The Assessor is stateless over immutable
// catalogs: every call recomputes the score from scratch.
package risk

import (
	"fmt"
	"math"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/registry"
)

// Factor weights
const (
	WeightUnauthorized       = 0.4
	WeightVulnerabilities    = 0.3
	WeightDefaultCredentials = 0.3
	WeightUnencrypted        = 0.2
	WeightExcessiveAccess    = 0.2
)

// Level thresholds. A score equal to a threshold belongs to the higher level.
const (
	HighThreshold   = 0.7
	MediumThreshold = 0.4
)

// Factor labels
const (
	FactorUnauthorized       = "Unauthorized device"
	FactorDefaultCredentials = "Default credentials"
	FactorUnencrypted        = "Unencrypted communications"
	FactorExcessiveAccess    = "Excessive network access"
)

// EncryptedProtocols is the fixed set of protocols that count as encrypted
var EncryptedProtocols = []string{"HTTPS", "SSH", "MQTTS", "MQTT-TLS", "TLS"}

// Predicate is a pluggable risk signal evaluated against a device
type Predicate func(models.Device) bool

// Assessment is the outcome of scoring one device
type Assessment struct {
	Score           float64
	Level           models.RiskLevel
	Factors         []string
	Vulnerabilities []models.Vulnerability
	Authorized      bool
}

// Options configures the pluggable parts of an Assessor
type Options struct {
	DefaultCredentials Predicate
	ExcessiveAccess    Predicate
}

// Assessor computes risk from device attributes, the authorized allow-list
// and the vulnerability catalog.
type Assessor struct {
	authorized         map[string]bool
	vulnerabilities    []models.Vulnerability
	defaultCredentials Predicate
	excessiveAccess    Predicate
}

// NewAssessor builds an assessor. Authorized addresses are compared in the
// registry's canonical form and unparseable entries are ignored; predicates
// left nil never fire.
func NewAssessor(authorized []string, vulns []models.Vulnerability, opts Options) *Assessor {
	a := &Assessor{
		authorized:         make(map[string]bool, len(authorized)),
		vulnerabilities:    append([]models.Vulnerability(nil), vulns...),
		defaultCredentials: opts.DefaultCredentials,
		excessiveAccess:    opts.ExcessiveAccess,
	}
	for _, entry := range authorized {
		if mac, err := registry.NormalizeMAC(entry); err == nil {
			a.authorized[mac] = true
		}
	}
	return a
}

// Assess scores a device
func (a *Assessor) Assess(d models.Device) Assessment {
	var (
		score   float64
		factors []string
	)

	authorized := a.IsAuthorized(d.MAC)
	if !authorized {
		score += WeightUnauthorized
		factors = append(factors, FactorUnauthorized)
	}

	vulns := a.Vulnerabilities(d)
	if maxCVSS := MaxCVSS(vulns); len(vulns) > 0 {
		score += (maxCVSS / 10.0) * WeightVulnerabilities
		factors = append(factors, fmt.Sprintf("Known vulnerabilities (max CVSS %.1f)", maxCVSS))
	}

	if a.defaultCredentials != nil && a.defaultCredentials(d) {
		score += WeightDefaultCredentials
		factors = append(factors, FactorDefaultCredentials)
	}

	if !UsesEncryption(d) {
		score += WeightUnencrypted
		factors = append(factors, FactorUnencrypted)
	}

	if a.excessiveAccess != nil && a.excessiveAccess(d) {
		score += WeightExcessiveAccess
		factors = append(factors, FactorExcessiveAccess)
	}

	score = Clamp(score)
	return Assessment{
		Score:           score,
		Level:           LevelFor(score),
		Factors:         factors,
		Vulnerabilities: vulns,
		Authorized:      authorized,
	}
}

// Apply writes an assessment onto a device
func (as Assessment) Apply(d *models.Device) {
	d.Authorized = as.Authorized
	d.RiskScore = as.Score
	d.RiskLevel = as.Level
	d.RiskFactors = append([]string(nil), as.Factors...)
	d.Vulnerabilities = append([]models.Vulnerability(nil), as.Vulnerabilities...)
}

// IsAuthorized reports whether a hardware address is on the allow-list
func (a *Assessor) IsAuthorized(mac string) bool {
	key, err := registry.NormalizeMAC(mac)
	if err != nil {
		return false
	}
	return a.authorized[key]
}

// Vulnerabilities returns the catalog entries matching the device
func (a *Assessor) Vulnerabilities(d models.Device) []models.Vulnerability {
	return MatchVulnerabilities(d, a.vulnerabilities)
}

// UsesEncryption reports whether any encrypted protocol has been observed
func UsesEncryption(d models.Device) bool {
	for _, p := range EncryptedProtocols {
		if d.HasProtocol(p) {
			return true
		}
	}
	return false
}

// MaxCVSS returns the highest CVSS score, or 0 for no vulnerabilities
func MaxCVSS(vulns []models.Vulnerability) float64 {
	maxScore := 0.0
	for _, v := range vulns {
		if v.CVSS > maxScore {
			maxScore = v.CVSS
		}
	}
	return maxScore
}

// Clamp bounds a score to [0,1] and rounds away float noise so that
// threshold comparisons are exact.
func Clamp(score float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return math.Round(score*1e6) / 1e6
}

// LevelFor maps a score to its level
func LevelFor(score float64) models.RiskLevel {
	switch {
	case score >= HighThreshold:
		return models.RiskHigh
	case score >= MediumThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

