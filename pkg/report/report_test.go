package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

var assessedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func device(mac string, level models.RiskLevel, mutate func(*models.Device)) models.Device {
	d := models.Device{
		MAC:           mac,
		IdentifiedBy:  models.IdentifiedBySignature,
		Authorized:    true,
		RiskLevel:     level,
		Protocols:     map[string]bool{"HTTPS": true},
		LastAssessed:  assessedAt,
		AppliedPolicy: "baseline",
	}
	if mutate != nil {
		mutate(&d)
	}
	return d
}

func TestBuild_Summary(t *testing.T) {
	devices := []models.Device{
		device("AA:BB:CC:DD:EE:01", models.RiskHigh, func(d *models.Device) {
			d.Authorized = false
			d.Protocols = map[string]bool{"HTTP": true, "RTSP": true}
			d.Vulnerabilities = []models.Vulnerability{{CVE: "CVE-2021-36260", CVSS: 9.8}}
		}),
		device("AA:BB:CC:DD:EE:02", models.RiskMedium, func(d *models.Device) {
			d.IdentifiedBy = models.Unidentified
			d.AppliedPolicy = ""
		}),
		device("AA:BB:CC:DD:EE:03", models.RiskLow, func(d *models.Device) {
			d.DefaultCredentials = true
		}),
		device("AA:BB:CC:DD:EE:04", "", func(d *models.Device) {
			d.LastAssessed = time.Time{}
			d.AppliedPolicy = ""
		}),
	}

	r := Build(devices, assessedAt)

	assert.Equal(t, assessedAt, r.GeneratedAt)
	assert.Len(t, r.Devices, 4)
	s := r.Summary
	assert.Equal(t, 4, s.TotalDevices)
	assert.Equal(t, map[models.RiskLevel]int{models.RiskLow: 1, models.RiskMedium: 1, models.RiskHigh: 1}, s.ByLevel)
	assert.Equal(t, 3, s.IdentifiedDevices)
	assert.Equal(t, 1, s.UnidentifiedDevices)
	assert.Equal(t, 1, s.UnauthorizedDevices)
	assert.Equal(t, 1, s.VulnerableDevices)
	assert.Equal(t, 1, s.DefaultCredsDevices)
	assert.Equal(t, 1, s.UnencryptedDevices)

	// A device never assessed is not a gap yet
	assert.Equal(t, 1, s.PolicyGaps)
	assert.Equal(t, []string{"AA:BB:CC:DD:EE:02"}, r.PolicyGaps)
}

func TestBuild_Empty(t *testing.T) {
	r := Build(nil, assessedAt)
	assert.NotNil(t, r.Devices)
	assert.Empty(t, r.Recommendations)
	assert.Zero(t, r.Summary.TotalDevices)
}

func TestRecommendations(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    []string
	}{
		{
			name:    "clean network",
			summary: Summary{ByLevel: map[models.RiskLevel]int{models.RiskHigh: 3}},
			want:    nil,
		},
		{
			name:    "segmentation above three high-risk devices",
			summary: Summary{ByLevel: map[models.RiskLevel]int{models.RiskHigh: 4}},
			want:    []string{"Segment the network: 4 high-risk devices share it"},
		},
		{
			name: "every signal in order",
			summary: Summary{
				ByLevel:             map[models.RiskLevel]int{models.RiskHigh: 5},
				UnauthorizedDevices: 2,
				VulnerableDevices:   1,
				UnencryptedDevices:  3,
				PolicyGaps:          1,
			},
			want: []string{
				"Segment the network: 5 high-risk devices share it",
				"Review 2 unauthorized devices and add legitimate ones to the authorized list",
				"Patch firmware on 1 devices with known vulnerabilities",
				"Enable encrypted protocols on 3 devices communicating in cleartext",
				"Extend policy coverage: 1 devices match no policy rule",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recommendations(tt.summary))
		})
	}
}

func TestBuild_Recommendations(t *testing.T) {
	r := Build([]models.Device{
		device("AA:BB:CC:DD:EE:01", models.RiskMedium, func(d *models.Device) { d.Authorized = false }),
	}, assessedAt)
	require.Len(t, r.Recommendations, 1)
	assert.Contains(t, r.Recommendations[0], "unauthorized")
}
