package fingerprint

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

const (
	// SignatureDelimiter separates the protocol part from the port part
	SignatureDelimiter = "|"
	listDelimiter      = ","
)

var versionRegex = regexp.MustCompile(`[vV]?(\d+\.\d+(\.\d+)?)`)

// Evidence is what the matcher knows about a device when classifying it
type Evidence struct {
	MAC       string
	Protocols []string
	Ports     []int
	Banners   map[int]string
}

// EvidenceFor collects the classification evidence stored on a device
func EvidenceFor(d models.Device) Evidence {
	return Evidence{
		MAC:       d.MAC,
		Protocols: d.ProtocolList(),
		Ports:     d.PortList(),
		Banners:   d.Banners,
	}
}

// VendorLookup resolves a hardware address to its manufacturer
type VendorLookup interface {
	LookupVendor(mac string) string
}

type bannerRule struct {
	re   *regexp.Regexp
	rule models.BannerRule
}

// Matcher classifies devices. It tries, in order, an exact signature match
// against the fingerprint catalog, an OUI vendor lookup and banner rules.
type Matcher struct {
	signatures map[string]models.FingerprintEntry
	vendors    VendorLookup
	banners    []bannerRule
	logger     *logrus.Logger
}

// NewMatcher builds a matcher over immutable catalogs. vendors may be nil.
// Banner rules with invalid patterns are skipped with a warning.
func NewMatcher(entries []models.FingerprintEntry, vendors VendorLookup, rules []models.BannerRule, logger *logrus.Logger) *Matcher {
	if logger == nil {
		logger = logrus.New()
	}

	m := &Matcher{
		signatures: make(map[string]models.FingerprintEntry, len(entries)),
		vendors:    vendors,
		logger:     logger,
	}

	for _, entry := range entries {
		sig := Signature(entry.Protocols, entry.Ports)
		if _, dup := m.signatures[sig]; dup {
			logger.Warnf("Duplicate fingerprint signature %q, keeping first entry", sig)
			continue
		}
		m.signatures[sig] = entry
	}

	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			logger.Warnf("Skipping banner rule for %s: invalid pattern %q: %v", rule.Manufacturer, rule.Pattern, err)
			continue
		}
		m.banners = append(m.banners, bannerRule{re: re, rule: rule})
	}

	return m
}

// Signature builds the catalog key for a protocol and port set: sorted,
// de-duplicated, upper-cased protocols and sorted, de-duplicated ports,
// e.g. "HTTP,RTSP|80,554".
func Signature(protocols []string, ports []int) string {
	protoSet := make(map[string]bool, len(protocols))
	for _, p := range protocols {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			protoSet[p] = true
		}
	}
	protoList := make([]string, 0, len(protoSet))
	for p := range protoSet {
		protoList = append(protoList, p)
	}
	sort.Strings(protoList)

	portSet := make(map[int]bool, len(ports))
	for _, p := range ports {
		portSet[p] = true
	}
	portList := make([]int, 0, len(portSet))
	for p := range portSet {
		portList = append(portList, p)
	}
	sort.Ints(portList)

	portStrs := make([]string, len(portList))
	for i, p := range portList {
		portStrs[i] = strconv.Itoa(p)
	}

	return strings.Join(protoList, listDelimiter) + SignatureDelimiter + strings.Join(portStrs, listDelimiter)
}

// Identify classifies a device. Absence of a match is a normal outcome and
// yields an unidentified classification.
func (m *Matcher) Identify(ev Evidence) models.Classification {
	if c, ok := m.signatureMatch(ev); ok {
		return c
	}
	if c, ok := m.vendorMatch(ev); ok {
		return c
	}
	if c, ok := m.bannerMatch(ev); ok {
		return c
	}

	return models.Classification{
		Manufacturer: models.Unknown,
		Model:        models.Unknown,
		DeviceType:   models.Unknown,
		IdentifiedBy: models.Unidentified,
	}
}

func (m *Matcher) signatureMatch(ev Evidence) (models.Classification, bool) {
	entry, ok := m.signatures[Signature(ev.Protocols, ev.Ports)]
	if !ok {
		return models.Classification{}, false
	}
	return models.Classification{
		Manufacturer:    entry.Manufacturer,
		Model:           entry.Model,
		DeviceType:      entry.DeviceType,
		FirmwareVersion: entry.FirmwareVersion,
		IdentifiedBy:    models.IdentifiedBySignature,
	}, true
}

func (m *Matcher) vendorMatch(ev Evidence) (models.Classification, bool) {
	if m.vendors == nil || ev.MAC == "" {
		return models.Classification{}, false
	}
	vendor := m.vendors.LookupVendor(ev.MAC)
	if vendor == "" {
		return models.Classification{}, false
	}
	return models.Classification{
		Manufacturer: vendor,
		IdentifiedBy: models.IdentifiedByMAC,
	}, true
}

// bannerMatch applies banner rules in catalog order; banners are visited by
// ascending port so the result does not depend on map iteration.
func (m *Matcher) bannerMatch(ev Evidence) (models.Classification, bool) {
	if len(ev.Banners) == 0 || len(m.banners) == 0 {
		return models.Classification{}, false
	}

	ports := make([]int, 0, len(ev.Banners))
	for port := range ev.Banners {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, br := range m.banners {
		for _, port := range ports {
			banner := ev.Banners[port]
			if !br.re.MatchString(banner) {
				continue
			}

			c := models.Classification{
				Manufacturer: br.rule.Manufacturer,
				Model:        br.rule.Model,
				DeviceType:   br.rule.DeviceType,
				IdentifiedBy: models.IdentifiedByBanner,
			}
			if versionMatches := versionRegex.FindStringSubmatch(banner); len(versionMatches) > 1 {
				c.FirmwareVersion = versionMatches[1]
			}
			return c, true
		}
	}
	return models.Classification{}, false
}

// SignatureCount returns the number of catalog signatures
func (m *Matcher) SignatureCount() int {
	return len(m.signatures)
}
