// Package report turns a registry snapshot into the shape served by the API
// and written by the report command.
package report

import (
	"fmt"
	"time"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/risk"
)

// SegmentationThreshold is the number of high-risk devices above which
// network segmentation is recommended
const SegmentationThreshold = 3

// Summary holds aggregate counts over a device set
type Summary struct {
	TotalDevices        int                      `json:"total_devices"`
	ByLevel             map[models.RiskLevel]int `json:"by_level"`
	IdentifiedDevices   int                      `json:"identified_devices"`
	UnidentifiedDevices int                      `json:"unidentified_devices"`
	UnauthorizedDevices int                      `json:"unauthorized_devices"`
	VulnerableDevices   int                      `json:"vulnerable_devices"`
	DefaultCredsDevices int                      `json:"default_creds_devices"`
	UnencryptedDevices  int                      `json:"unencrypted_devices"`
	PolicyGaps          int                      `json:"policy_gaps"`
}

// Report is a point-in-time view of every known device
type Report struct {
	GeneratedAt     time.Time       `json:"generated_at"`
	Summary         Summary         `json:"summary"`
	Recommendations []string        `json:"recommendations"`
	PolicyGaps      []string        `json:"policy_gaps"` // Hardware addresses no policy rule matched
	Devices         []models.Device `json:"devices"`
}

// Build aggregates devices into a report
func Build(devices []models.Device, at time.Time) Report {
	r := Report{
		GeneratedAt: at,
		Summary:     Summarize(devices),
		Devices:     devices,
	}
	if r.Devices == nil {
		r.Devices = []models.Device{}
	}
	for _, d := range devices {
		if IsPolicyGap(d) {
			r.PolicyGaps = append(r.PolicyGaps, d.MAC)
		}
	}
	r.Recommendations = Recommendations(r.Summary)
	return r
}

// Summarize counts devices by level and risk signal
func Summarize(devices []models.Device) Summary {
	s := Summary{
		TotalDevices: len(devices),
		ByLevel: map[models.RiskLevel]int{
			models.RiskLow:    0,
			models.RiskMedium: 0,
			models.RiskHigh:   0,
		},
	}

	for _, d := range devices {
		if d.RiskLevel != "" {
			s.ByLevel[d.RiskLevel]++
		}
		if d.IsIdentified() {
			s.IdentifiedDevices++
		} else {
			s.UnidentifiedDevices++
		}
		if !d.Authorized {
			s.UnauthorizedDevices++
		}
		if len(d.Vulnerabilities) > 0 {
			s.VulnerableDevices++
		}
		if d.DefaultCredentials {
			s.DefaultCredsDevices++
		}
		if !risk.UsesEncryption(d) {
			s.UnencryptedDevices++
		}
		if IsPolicyGap(d) {
			s.PolicyGaps++
		}
	}
	return s
}

// IsPolicyGap reports whether a device was assessed but no policy rule
// covers it
func IsPolicyGap(d models.Device) bool {
	return !d.LastAssessed.IsZero() && d.AppliedPolicy == ""
}

// Recommendations derives operator guidance from a summary
func Recommendations(s Summary) []string {
	var recs []string

	if high := s.ByLevel[models.RiskHigh]; high > SegmentationThreshold {
		recs = append(recs, fmt.Sprintf("Segment the network: %d high-risk devices share it", high))
	}
	if s.UnauthorizedDevices > 0 {
		recs = append(recs, fmt.Sprintf("Review %d unauthorized devices and add legitimate ones to the authorized list", s.UnauthorizedDevices))
	}
	if s.VulnerableDevices > 0 {
		recs = append(recs, fmt.Sprintf("Patch firmware on %d devices with known vulnerabilities", s.VulnerableDevices))
	}
	if s.UnencryptedDevices > 0 {
		recs = append(recs, fmt.Sprintf("Enable encrypted protocols on %d devices communicating in cleartext", s.UnencryptedDevices))
	}
	if s.PolicyGaps > 0 {
		recs = append(recs, fmt.Sprintf("Extend policy coverage: %d devices match no policy rule", s.PolicyGaps))
	}
	return recs
}
