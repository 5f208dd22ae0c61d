package risk

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// MatchVulnerabilities returns every catalog entry whose manufacturer and
// model match the device and whose firmware constraint is absent or equal to
// the device firmware.
func MatchVulnerabilities(d models.Device, catalog []models.Vulnerability) []models.Vulnerability {
	var matches []models.Vulnerability
	for _, v := range catalog {
		if !strings.EqualFold(v.Manufacturer, d.Manufacturer) || !strings.EqualFold(v.Model, d.Model) {
			continue
		}
		if v.FirmwareVersion != "" && !SameFirmware(v.FirmwareVersion, d.FirmwareVersion) {
			continue
		}
		matches = append(matches, v)
	}
	return matches
}

// SameFirmware compares firmware versions. Versions that both parse as
// semantic versions compare by value ("1.0" equals "v1.0.0"); anything else
// must match exactly.
func SameFirmware(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return a == b
	}
	if a == b {
		return true
	}

	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return false
	}
	return va.Equal(vb)
}

// NewVulnerabilities returns the entries of current not present in previous
func NewVulnerabilities(previous, current []models.Vulnerability) []models.Vulnerability {
	seen := make(map[string]bool, len(previous))
	for _, v := range previous {
		seen[v.Key()] = true
	}

	var added []models.Vulnerability
	for _, v := range current {
		if !seen[v.Key()] {
			added = append(added, v)
		}
	}
	return added
}
