package fingerprint

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

type mockVendors struct {
	mock.Mock
}

func (m *mockVendors) LookupVendor(mac string) string {
	return m.Called(mac).String(0)
}

func testCatalog() []models.FingerprintEntry {
	return []models.FingerprintEntry{
		{Protocols: []string{"HTTP"}, Ports: []int{80}, Manufacturer: "Acme", Model: "Cam1", DeviceType: "camera", FirmwareVersion: "1.0"},
		{Protocols: []string{"rtsp", "HTTP"}, Ports: []int{554, 80}, Manufacturer: "Hikvision", Model: "IP Camera", DeviceType: "camera"},
	}
}

func testBannerRules() []models.BannerRule {
	return []models.BannerRule{
		{Pattern: "TP-LINK|tplink", Manufacturer: "TP-Link", Model: "Router", DeviceType: "router"},
		{Pattern: "Sonos", Manufacturer: "Sonos", Model: "Speaker"},
	}
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "HTTP|80", Signature([]string{"HTTP"}, []int{80}))
	assert.Equal(t, "HTTP,RTSP|80,554", Signature([]string{"rtsp", "HTTP", "http"}, []int{554, 80, 554}))
	assert.Equal(t, "|", Signature(nil, nil))
}

func TestMatcher_SignatureMatchSkipsOtherStrategies(t *testing.T) {
	vendors := new(mockVendors)
	m := NewMatcher(testCatalog(), vendors, testBannerRules(), nil)

	c := m.Identify(Evidence{
		MAC:       "AA:BB:CC:DD:EE:01",
		Protocols: []string{"HTTP"},
		Ports:     []int{80},
		Banners:   map[int]string{80: "TP-LINK httpd"},
	})

	assert.Equal(t, models.IdentifiedBySignature, c.IdentifiedBy)
	assert.Equal(t, "Acme", c.Manufacturer)
	assert.Equal(t, "Cam1", c.Model)
	assert.Equal(t, "camera", c.DeviceType)
	assert.Equal(t, "1.0", c.FirmwareVersion)
	vendors.AssertNotCalled(t, "LookupVendor", mock.Anything)
}

func TestMatcher_SignatureIsOrderInsensitive(t *testing.T) {
	m := NewMatcher(testCatalog(), nil, nil, nil)
	c := m.Identify(Evidence{Protocols: []string{"HTTP", "RTSP"}, Ports: []int{80, 554}})
	assert.Equal(t, "Hikvision", c.Manufacturer)
}

func TestMatcher_FallsBackToMACLookup(t *testing.T) {
	vendors := new(mockVendors)
	vendors.On("LookupVendor", "AA:BB:CC:DD:EE:01").Return("Espressif Inc.")
	m := NewMatcher(testCatalog(), vendors, testBannerRules(), nil)

	c := m.Identify(Evidence{
		MAC:       "AA:BB:CC:DD:EE:01",
		Protocols: []string{"MQTT"},
		Ports:     []int{1883},
		Banners:   map[int]string{80: "TP-LINK httpd"},
	})

	assert.Equal(t, models.IdentifiedByMAC, c.IdentifiedBy)
	assert.Equal(t, "Espressif Inc.", c.Manufacturer)
	assert.Empty(t, c.Model)
	assert.Empty(t, c.DeviceType)
	vendors.AssertExpectations(t)
}

func TestMatcher_FallsBackToBanner(t *testing.T) {
	vendors := new(mockVendors)
	vendors.On("LookupVendor", mock.Anything).Return("")
	m := NewMatcher(testCatalog(), vendors, testBannerRules(), nil)

	c := m.Identify(Evidence{
		MAC:     "AA:BB:CC:DD:EE:01",
		Ports:   []int{22, 80},
		Banners: map[int]string{22: "SSH-2.0-dropbear", 80: "Server: TP-LINK Router v3.16.9"},
	})

	assert.Equal(t, models.IdentifiedByBanner, c.IdentifiedBy)
	assert.Equal(t, "TP-Link", c.Manufacturer)
	assert.Equal(t, "Router", c.Model)
	assert.Equal(t, "router", c.DeviceType)
	assert.Equal(t, "3.16.9", c.FirmwareVersion)
}

func TestMatcher_Unidentified(t *testing.T) {
	m := NewMatcher(nil, nil, nil, nil)
	c := m.Identify(Evidence{MAC: "AA:BB:CC:DD:EE:01", Protocols: []string{"HTTP"}, Ports: []int{80}})

	assert.Equal(t, models.Classification{
		Manufacturer: models.Unknown,
		Model:        models.Unknown,
		DeviceType:   models.Unknown,
		IdentifiedBy: models.Unidentified,
	}, c)
}

func TestMatcher_InvalidBannerPatternSkipped(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	m := NewMatcher(nil, nil, []models.BannerRule{{Pattern: "([", Manufacturer: "Broken"}, {Pattern: "Sonos", Manufacturer: "Sonos"}}, logger)
	c := m.Identify(Evidence{Banners: map[int]string{1400: "Sonos/70.3"}})

	assert.Equal(t, "Sonos", c.Manufacturer)
	assert.Contains(t, buf.String(), "invalid pattern")
}

func TestMacVendorDB_Lookup(t *testing.T) {
	db := NewMacVendorDBFromMap(map[string]string{
		"AA-BB-CC":  "Acme Corp",
		"AABBCCDDE": "Acme Sub-block",
	})

	assert.Equal(t, "Acme Corp", db.LookupVendor("aa:bb:cc:00:00:01"))
	assert.Equal(t, "Acme Sub-block", db.LookupVendor("AA:BB:CC:DD:EE:01"))
	assert.Equal(t, "", db.LookupVendor("11:22:33:44:55:66"))
	assert.Equal(t, "", db.LookupVendor("AA:BB"))
	assert.True(t, db.Loaded())
	assert.Equal(t, 2, db.Count())
}

func TestMacVendorDB_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mac_vendors.csv")
	require.NoError(t, os.WriteFile(path, []byte("AABBCC,Acme Corp\nbroken line\n001122,Other\n"), 0644))

	db := NewMacVendorDB(path, nil)
	assert.True(t, db.Loaded())
	assert.Equal(t, 2, db.Count())
	assert.Equal(t, "Other", db.LookupVendor("00:11:22:33:44:55"))
}

func TestMacVendorDB_MissingFileDegrades(t *testing.T) {
	db := NewMacVendorDB(filepath.Join(t.TempDir(), "missing.csv"), nil)
	assert.False(t, db.Loaded())
	assert.Equal(t, 0, db.Count())
	assert.Equal(t, "", db.LookupVendor("AA:BB:CC:DD:EE:01"))
}

func TestParseIEEECSV(t *testing.T) {
	in := "Registry,Assignment,Organization Name,Organization Address\n" +
		"MA-L,EC4118,\"XIAOMI Electronics,CO.,LTD\",Beijing\n" +
		"MA-L,001A11,Google Inc.,Mountain View\n"
	var out bytes.Buffer

	vendors, err := parseIEEECSV(strings.NewReader(in), &out, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, "XIAOMI Electronics,CO.,LTD", vendors["EC4118"])
	assert.Equal(t, "Google Inc.", vendors["001A11"])
	assert.Contains(t, out.String(), "001A11,Google Inc.\n")
}
