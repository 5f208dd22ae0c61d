package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func camera() models.Device {
	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Device{
		MAC:             "AA:BB:CC:DD:EE:01",
		IP:              "192.168.1.50",
		Manufacturer:    "Hikvision",
		Model:           "DS-2CD2032",
		DeviceType:      "camera",
		FirmwareVersion: "5.4.0",
		IdentifiedBy:    models.IdentifiedBySignature,
		FirstSeen:       seen,
		LastSeen:        seen,
		Protocols:       map[string]bool{"HTTP": true, "RTSP": true},
		Ports:           map[int]bool{80: true, 554: true},
		Destinations:    map[string]bool{"192.168.1.10": true},
		Banners:         map[int]string{80: "Hikvision-Webs/5.4.0"},
		Traffic:         models.TrafficStats{BytesOut: 1200, PacketsOut: 4},
		RiskScore:       0.87,
		RiskLevel:       models.RiskHigh,
		RiskFactors:     []string{"Unauthorized device", "Unencrypted communications"},
		Vulnerabilities: []models.Vulnerability{{Manufacturer: "Hikvision", Model: "DS-2CD2032", CVE: "CVE-2021-36260", CVSS: 9.8}},
		LastAssessed:    seen,
		AppliedPolicy:   "isolate-high-risk-cameras",
		LastEnforcement: seen,
		AlertThreshold:  0.5,
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	want := camera()

	require.NoError(t, s.SaveDevices([]models.Device{want}))

	devices, err := s.LoadDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)

	got := devices[0]
	assert.Equal(t, want.MAC, got.MAC)
	assert.Equal(t, want.Manufacturer, got.Manufacturer)
	assert.Equal(t, want.IdentifiedBy, got.IdentifiedBy)
	assert.Equal(t, want.Protocols, got.Protocols)
	assert.Equal(t, want.Ports, got.Ports)
	assert.Equal(t, want.Destinations, got.Destinations)
	assert.Equal(t, want.Banners, got.Banners)
	assert.Equal(t, want.Traffic, got.Traffic)
	assert.Equal(t, want.RiskLevel, got.RiskLevel)
	assert.InDelta(t, want.RiskScore, got.RiskScore, 1e-9)
	assert.Equal(t, want.RiskFactors, got.RiskFactors)
	assert.Equal(t, want.Vulnerabilities, got.Vulnerabilities)
	assert.Equal(t, want.AppliedPolicy, got.AppliedPolicy)
	assert.True(t, want.LastAssessed.Equal(got.LastAssessed))
}

func TestStore_Upsert(t *testing.T) {
	s := openTestStore(t)
	d := camera()
	require.NoError(t, s.SaveDevices([]models.Device{d}))

	d.IP = "192.168.1.77"
	d.RiskLevel = models.RiskMedium
	other := camera()
	other.MAC = "AA:BB:CC:DD:EE:02"
	require.NoError(t, s.SaveDevices([]models.Device{other, d}))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.GetDevice("AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.77", got.IP)
	assert.Equal(t, models.RiskMedium, got.RiskLevel)

	devices, err := s.LoadDevices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", devices[0].MAC)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", devices[1].MAC)
}

func TestStore_EmptySets(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveDevices(nil))
	require.NoError(t, s.SaveDevices([]models.Device{{MAC: "AA:BB:CC:DD:EE:03"}}))

	got, err := s.GetDevice("AA:BB:CC:DD:EE:03")
	require.NoError(t, err)
	assert.NotNil(t, got.Protocols)
	assert.NotNil(t, got.Ports)
	assert.NotNil(t, got.Destinations)
	assert.Empty(t, got.Vulnerabilities)
}

func TestStore_MissingDevice(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDevice("AA:BB:CC:DD:EE:09")
	assert.Error(t, err)
}
