// Package catalog loads the reference data of the pipeline: fingerprint
// entries, banner rules, vulnerability records, the authorized device list
// and policy rules. A missing or malformed file never aborts startup; the
// catalog falls back to empty and reports Loaded=false.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/registry"
)

// Paths locates the catalog files. YAML and JSON are both accepted.
type Paths struct {
	Fingerprints    string `mapstructure:"fingerprints"`
	BannerRules     string `mapstructure:"banner_rules"`
	Vulnerabilities string `mapstructure:"vulnerabilities"`
	Authorized      string `mapstructure:"authorized"`
	Policies        string `mapstructure:"policies"`
}

// Result is one loaded catalog
type Result[T any] struct {
	Items  []T
	Loaded bool
	Err    error
}

// Catalog is the full set of reference data
type Catalog struct {
	Fingerprints    Result[models.FingerprintEntry]
	BannerRules     Result[models.BannerRule]
	Vulnerabilities Result[models.Vulnerability]
	Authorized      Result[string]
	Policies        Result[models.PolicyRule]
}

// LoadFile reads a list of T from a YAML or JSON file
func LoadFile[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var items []T
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return items, nil
}

// Load reads a catalog file, degrading to empty on failure
func Load[T any](name, path string, logger *logrus.Logger) Result[T] {
	log := logger.WithFields(logrus.Fields{"catalog": name, "path": path})

	if path == "" {
		log.Warn("Catalog not configured, using empty catalog")
		return Result[T]{}
	}

	items, err := LoadFile[T](path)
	if err != nil {
		log.Warnf("Catalog unavailable, using empty catalog: %v", err)
		return Result[T]{Err: err}
	}

	log.WithField("entries", len(items)).Info("Catalog loaded")
	return Result[T]{Items: items, Loaded: true}
}

// LoadAll loads every catalog. Banner rules fall back to the built-in rules
// when no file is configured.
func LoadAll(paths Paths, logger *logrus.Logger) *Catalog {
	if logger == nil {
		logger = logrus.New()
	}

	c := &Catalog{
		Fingerprints:    Load[models.FingerprintEntry]("fingerprints", paths.Fingerprints, logger),
		Vulnerabilities: Load[models.Vulnerability]("vulnerabilities", paths.Vulnerabilities, logger),
		Authorized:      Load[string]("authorized", paths.Authorized, logger),
		Policies:        Load[models.PolicyRule]("policies", paths.Policies, logger),
	}

	if paths.BannerRules == "" {
		c.BannerRules = Result[models.BannerRule]{Items: DefaultBannerRules(), Loaded: true}
	} else {
		c.BannerRules = Load[models.BannerRule]("banner_rules", paths.BannerRules, logger)
	}

	c.Authorized.Items = normalizeAddresses(c.Authorized.Items, logger)
	return c
}

// Degraded returns the names of catalogs that failed to load
func (c *Catalog) Degraded() []string {
	var names []string
	if !c.Fingerprints.Loaded {
		names = append(names, "fingerprints")
	}
	if !c.BannerRules.Loaded {
		names = append(names, "banner_rules")
	}
	if !c.Vulnerabilities.Loaded {
		names = append(names, "vulnerabilities")
	}
	if !c.Authorized.Loaded {
		names = append(names, "authorized")
	}
	if !c.Policies.Loaded {
		names = append(names, "policies")
	}
	return names
}

// normalizeAddresses rewrites allow-list entries into the registry's key
// form. Blank entries are dropped; unparseable ones are logged and skipped.
func normalizeAddresses(in []string, logger *logrus.Logger) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		mac, err := registry.NormalizeMAC(entry)
		if err != nil {
			logger.WithField("entry", entry).Warnf("Skipping authorized address: %v", err)
			continue
		}
		out = append(out, mac)
	}
	return out
}

// DefaultBannerRules returns the built-in banner rules
func DefaultBannerRules() []models.BannerRule {
	return []models.BannerRule{
		{Pattern: "Hikvision", Manufacturer: "Hikvision", Model: "IP Camera", DeviceType: "camera"},
		{Pattern: "Dahua|wificam", Manufacturer: "Dahua", Model: "IP Camera", DeviceType: "camera"},
		{Pattern: "TP-LINK|tplink", Manufacturer: "TP-Link", Model: "Router", DeviceType: "router"},
		{Pattern: "D-Link|dlink", Manufacturer: "D-Link", Model: "Router", DeviceType: "router"},
		{Pattern: "NETGEAR|netgear", Manufacturer: "Netgear", Model: "Router", DeviceType: "router"},
		{Pattern: "(?i)philips hue", Manufacturer: "Philips Hue", Model: "Bridge", DeviceType: "hub"},
		{Pattern: "(?i)\\bnest\\b", Manufacturer: "Nest", Model: "Thermostat", DeviceType: "thermostat"},
		{Pattern: "Amazon|Echo|Alexa", Manufacturer: "Amazon", Model: "Echo", DeviceType: "speaker"},
		{Pattern: "Google Home|Google Nest", Manufacturer: "Google", Model: "Home", DeviceType: "speaker"},
		{Pattern: "Sonos", Manufacturer: "Sonos", Model: "Speaker", DeviceType: "speaker"},
	}
}
