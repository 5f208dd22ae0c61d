// Package store persists the device registry to SQLite so a restarted
// pipeline resumes with its inventory, risk state and applied policies.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// DeviceRecord is the persisted form of a device
type DeviceRecord struct {
	MAC       string `gorm:"primaryKey"`
	IP        string `gorm:"index"`
	Interface string

	Manufacturer    string
	Model           string
	DeviceType      string `gorm:"index"`
	FirmwareVersion string
	IdentifiedBy    string

	FirstSeen    time.Time
	LastSeen     time.Time           `gorm:"index"`
	Protocols    map[string]bool     `gorm:"serializer:json"`
	Ports        map[int]bool        `gorm:"serializer:json"`
	Destinations map[string]bool     `gorm:"serializer:json"`
	Banners      map[int]string      `gorm:"serializer:json"`
	Traffic      models.TrafficStats `gorm:"serializer:json"`

	Authorized             bool
	DefaultCredentials     bool
	RiskScore              float64
	RiskLevel              string                 `gorm:"index"`
	RiskFactors            []string               `gorm:"serializer:json"`
	Vulnerabilities        []models.Vulnerability `gorm:"serializer:json"`
	LastAssessed           time.Time
	LastVulnerabilityCheck time.Time
	LastActiveScan         time.Time

	AppliedPolicy      string
	LastEnforcement    time.Time
	EnhancedMonitoring bool
	AlertThreshold     float64

	UpdatedAt time.Time
}

// TableName keeps the table name stable across renames of the Go type
func (DeviceRecord) TableName() string {
	return "devices"
}

// Store reads and writes device records
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates the schema
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&DeviceRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveDevices upserts devices in a single transaction
func (s *Store) SaveDevices(devices []models.Device) error {
	if len(devices) == 0 {
		return nil
	}

	records := make([]DeviceRecord, len(devices))
	for i, d := range devices {
		records[i] = toRecord(d)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			UpdateAll: true,
		}).CreateInBatches(records, 100).Error
	})
}

// LoadDevices returns every persisted device ordered by hardware address
func (s *Store) LoadDevices() ([]models.Device, error) {
	var records []DeviceRecord
	if err := s.db.Order("mac").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("loading devices: %w", err)
	}

	devices := make([]models.Device, len(records))
	for i, r := range records {
		devices[i] = r.toDevice()
	}
	return devices, nil
}

// GetDevice returns one persisted device
func (s *Store) GetDevice(mac string) (models.Device, error) {
	var r DeviceRecord
	if err := s.db.First(&r, "mac = ?", mac).Error; err != nil {
		return models.Device{}, err
	}
	return r.toDevice(), nil
}

// Count returns the number of persisted devices
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.Model(&DeviceRecord{}).Count(&n).Error
	return n, err
}

// Close releases the database handle
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(d models.Device) DeviceRecord {
	return DeviceRecord{
		MAC:                    d.MAC,
		IP:                     d.IP,
		Interface:              d.Interface,
		Manufacturer:           d.Manufacturer,
		Model:                  d.Model,
		DeviceType:             d.DeviceType,
		FirmwareVersion:        d.FirmwareVersion,
		IdentifiedBy:           string(d.IdentifiedBy),
		FirstSeen:              d.FirstSeen,
		LastSeen:               d.LastSeen,
		Protocols:              d.Protocols,
		Ports:                  d.Ports,
		Destinations:           d.Destinations,
		Banners:                d.Banners,
		Traffic:                d.Traffic,
		Authorized:             d.Authorized,
		DefaultCredentials:     d.DefaultCredentials,
		RiskScore:              d.RiskScore,
		RiskLevel:              string(d.RiskLevel),
		RiskFactors:            d.RiskFactors,
		Vulnerabilities:        d.Vulnerabilities,
		LastAssessed:           d.LastAssessed,
		LastVulnerabilityCheck: d.LastVulnerabilityCheck,
		LastActiveScan:         d.LastActiveScan,
		AppliedPolicy:          d.AppliedPolicy,
		LastEnforcement:        d.LastEnforcement,
		EnhancedMonitoring:     d.EnhancedMonitoring,
		AlertThreshold:         d.AlertThreshold,
	}
}

func (r DeviceRecord) toDevice() models.Device {
	d := models.Device{
		MAC:                    r.MAC,
		IP:                     r.IP,
		Interface:              r.Interface,
		Manufacturer:           r.Manufacturer,
		Model:                  r.Model,
		DeviceType:             r.DeviceType,
		FirmwareVersion:        r.FirmwareVersion,
		IdentifiedBy:           models.IdentificationMethod(r.IdentifiedBy),
		FirstSeen:              r.FirstSeen,
		LastSeen:               r.LastSeen,
		Protocols:              r.Protocols,
		Ports:                  r.Ports,
		Destinations:           r.Destinations,
		Banners:                r.Banners,
		Traffic:                r.Traffic,
		Authorized:             r.Authorized,
		DefaultCredentials:     r.DefaultCredentials,
		RiskScore:              r.RiskScore,
		RiskLevel:              models.RiskLevel(r.RiskLevel),
		RiskFactors:            r.RiskFactors,
		Vulnerabilities:        r.Vulnerabilities,
		LastAssessed:           r.LastAssessed,
		LastVulnerabilityCheck: r.LastVulnerabilityCheck,
		LastActiveScan:         r.LastActiveScan,
		AppliedPolicy:          r.AppliedPolicy,
		LastEnforcement:        r.LastEnforcement,
		EnhancedMonitoring:     r.EnhancedMonitoring,
		AlertThreshold:         r.AlertThreshold,
	}
	if d.Protocols == nil {
		d.Protocols = make(map[string]bool)
	}
	if d.Ports == nil {
		d.Ports = make(map[int]bool)
	}
	if d.Destinations == nil {
		d.Destinations = make(map[string]bool)
	}
	return d
}
