package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ExclusiveAccount/iot-guardian/pkg/catalog"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// EnvPrefix prefixes environment overrides, e.g. IOTGUARD_API_ADDRESS
const EnvPrefix = "IOTGUARD"

// CaptureConfig configures passive observation sources
type CaptureConfig struct {
	Interfaces    []string      `mapstructure:"interfaces"`     // Interfaces to sniff, one worker each
	ReplayFiles   []string      `mapstructure:"replay_files"`   // JSON-lines observation files
	BPFFilter     string        `mapstructure:"bpf_filter"`     // Optional capture filter
	SnapLen       int           `mapstructure:"snaplen"`        // Bytes captured per packet
	Promiscuous   bool          `mapstructure:"promiscuous"`    // Capture traffic not addressed to us
	FlushInterval time.Duration `mapstructure:"flush_interval"` // How often aggregated traffic becomes observations
}

// BaselineConfig configures behavioral baselining
type BaselineConfig struct {
	Interval       time.Duration `mapstructure:"interval"`        // Sampling tick
	Window         int           `mapstructure:"window"`          // Samples kept per device
	Threshold      float64       `mapstructure:"threshold"`       // Relative deviation that raises an anomaly
	EnhancedFactor float64       `mapstructure:"enhanced_factor"` // Threshold multiplier for enhanced devices
}

// VulnerabilityConfig configures vulnerability re-checks
type VulnerabilityConfig struct {
	Interval time.Duration `mapstructure:"interval"` // Per-device re-check window
	Tick     time.Duration `mapstructure:"tick"`     // Outer loop tick
}

// ActiveScanConfig configures the optional active scan
type ActiveScanConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`    // Per-device scan window
	Tick        time.Duration `mapstructure:"tick"`        // Outer loop tick
	Ports       []int         `mapstructure:"ports"`       // Ports to scan
	Timeout     time.Duration `mapstructure:"timeout"`     // Timeout for network operations
	Concurrency int           `mapstructure:"concurrency"` // Devices scanned at once
}

// NATSConfig configures the broker used for events and control intents
type NATSConfig struct {
	URL            string `mapstructure:"url"` // Empty disables the broker
	EventsSubject  string `mapstructure:"events_subject"`
	ControlSubject string `mapstructure:"control_subject"`
}

// EventsConfig configures the event forwarding queue
type EventsConfig struct {
	QueueSize  int    `mapstructure:"queue_size"`
	MaxRetries uint64 `mapstructure:"max_retries"`
	DedupeSize int    `mapstructure:"dedupe_size"`
}

// APIConfig configures the reporting API
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// StoreConfig configures registry persistence
type StoreConfig struct {
	Path          string        `mapstructure:"path"` // Empty disables persistence
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Config holds the runtime configuration
type Config struct {
	LogLevel          string              `mapstructure:"log_level"`
	Capture           CaptureConfig       `mapstructure:"capture"`
	Catalog           catalog.Paths       `mapstructure:"catalog"`
	OUIDatabase       string              `mapstructure:"oui_database"` // prefix,vendor CSV
	Baseline          BaselineConfig      `mapstructure:"baseline"`
	Vulnerability     VulnerabilityConfig `mapstructure:"vulnerability"`
	ActiveScan        ActiveScanConfig    `mapstructure:"active_scan"`
	ActionTimeout     time.Duration       `mapstructure:"action_timeout"` // Bound on every enforcement call
	DestinationLimits map[string]int      `mapstructure:"destination_limits"`
	NATS              NATSConfig          `mapstructure:"nats"`
	Events            EventsConfig        `mapstructure:"events"`
	API               APIConfig           `mapstructure:"api"`
	Store             StoreConfig         `mapstructure:"store"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			SnapLen:       1600,
			Promiscuous:   true,
			FlushInterval: 30 * time.Second,
		},
		Catalog: catalog.Paths{
			Fingerprints:    "data/fingerprints.yaml",
			Vulnerabilities: "data/vulnerabilities.yaml",
			Authorized:      "data/authorized.yaml",
			Policies:        "data/policies.yaml",
		},
		OUIDatabase: "data/mac_vendors.csv",
		Baseline: BaselineConfig{
			Interval:       time.Minute,
			Window:         10,
			Threshold:      2.0,
			EnhancedFactor: 0.5,
		},
		Vulnerability: VulnerabilityConfig{
			Interval: 24 * time.Hour,
			Tick:     time.Hour,
		},
		ActiveScan: ActiveScanConfig{
			Enabled:  false,
			Interval: 24 * time.Hour,
			Tick:     time.Hour,
			Ports: []int{
				21,   // FTP
				22,   // SSH
				23,   // Telnet
				25,   // SMTP
				80,   // HTTP
				443,  // HTTPS
				554,  // RTSP
				1883, // MQTT
				5683, // CoAP
				8080, // HTTP Alt
				8443, // HTTPS Alt
				8883, // MQTT TLS
				9000, // UPnP
			},
			Timeout:     5 * time.Second,
			Concurrency: 10,
		},
		ActionTimeout: 10 * time.Second,
		NATS: NATSConfig{
			EventsSubject:  "iotguard.events",
			ControlSubject: "iotguard.netctl",
		},
		Events: EventsConfig{
			QueueSize:  1024,
			MaxRetries: 5,
			DedupeSize: 4096,
		},
		API: APIConfig{
			Enabled: true,
			Address: ":8080",
		},
		Store: StoreConfig{
			FlushInterval: time.Minute,
		},
	}
}

// setDefaults registers every default with v so environment overrides
// apply to keys absent from the file.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("capture.interfaces", cfg.Capture.Interfaces)
	v.SetDefault("capture.replay_files", cfg.Capture.ReplayFiles)
	v.SetDefault("capture.bpf_filter", cfg.Capture.BPFFilter)
	v.SetDefault("capture.snaplen", cfg.Capture.SnapLen)
	v.SetDefault("capture.promiscuous", cfg.Capture.Promiscuous)
	v.SetDefault("capture.flush_interval", cfg.Capture.FlushInterval)

	v.SetDefault("catalog.fingerprints", cfg.Catalog.Fingerprints)
	v.SetDefault("catalog.banner_rules", cfg.Catalog.BannerRules)
	v.SetDefault("catalog.vulnerabilities", cfg.Catalog.Vulnerabilities)
	v.SetDefault("catalog.authorized", cfg.Catalog.Authorized)
	v.SetDefault("catalog.policies", cfg.Catalog.Policies)
	v.SetDefault("oui_database", cfg.OUIDatabase)

	v.SetDefault("baseline.interval", cfg.Baseline.Interval)
	v.SetDefault("baseline.window", cfg.Baseline.Window)
	v.SetDefault("baseline.threshold", cfg.Baseline.Threshold)
	v.SetDefault("baseline.enhanced_factor", cfg.Baseline.EnhancedFactor)

	v.SetDefault("vulnerability.interval", cfg.Vulnerability.Interval)
	v.SetDefault("vulnerability.tick", cfg.Vulnerability.Tick)

	v.SetDefault("active_scan.enabled", cfg.ActiveScan.Enabled)
	v.SetDefault("active_scan.interval", cfg.ActiveScan.Interval)
	v.SetDefault("active_scan.tick", cfg.ActiveScan.Tick)
	v.SetDefault("active_scan.ports", cfg.ActiveScan.Ports)
	v.SetDefault("active_scan.timeout", cfg.ActiveScan.Timeout)
	v.SetDefault("active_scan.concurrency", cfg.ActiveScan.Concurrency)

	v.SetDefault("action_timeout", cfg.ActionTimeout)
	v.SetDefault("destination_limits", cfg.DestinationLimits)

	v.SetDefault("nats.url", cfg.NATS.URL)
	v.SetDefault("nats.events_subject", cfg.NATS.EventsSubject)
	v.SetDefault("nats.control_subject", cfg.NATS.ControlSubject)

	v.SetDefault("events.queue_size", cfg.Events.QueueSize)
	v.SetDefault("events.max_retries", cfg.Events.MaxRetries)
	v.SetDefault("events.dedupe_size", cfg.Events.DedupeSize)

	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.address", cfg.API.Address)

	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("store.flush_interval", cfg.Store.FlushInterval)
}

// LoadConfigFromFile loads configuration from a YAML or JSON file, applying
// IOTGUARD_* environment overrides. An empty path loads defaults and
// environment only. On error the defaults are returned with the error.
func LoadConfigFromFile(filePath string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", filePath, err)
		}
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	return loaded, nil
}

// WriteResultsToFile writes devices to a JSON file
func WriteResultsToFile(devices []models.Device, filePath string) error {
	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filePath, data, 0644)
}
