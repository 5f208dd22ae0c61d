package fingerprint

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MacVendorDBURL is the URL to download the latest MAC vendor database
const MacVendorDBURL = "https://standards-oui.ieee.org/oui/oui.csv"

// MacVendorDB represents a database of MAC address prefixes mapped to vendors
type MacVendorDB struct {
	vendors     map[string]string // MAC prefix -> vendor name
	lastUpdated time.Time
	loaded      bool
	mu          sync.RWMutex
	dbPath      string
	logger      *logrus.Logger
}

// NewMacVendorDB opens the vendor database stored at dbPath. A missing or
// unreadable file leaves the database empty; Loaded reports which case applies.
func NewMacVendorDB(dbPath string, logger *logrus.Logger) *MacVendorDB {
	if logger == nil {
		logger = logrus.New()
	}

	db := &MacVendorDB{
		vendors: make(map[string]string),
		dbPath:  dbPath,
		logger:  logger,
	}

	if dbPath == "" {
		return db
	}
	if err := db.loadDatabase(); err != nil {
		logger.Warnf("Couldn't load MAC vendor database %s: %v. OUI lookup disabled.", dbPath, err)
	}

	return db
}

// NewMacVendorDBFromMap builds an in-memory database from prefix -> vendor pairs
func NewMacVendorDBFromMap(vendors map[string]string) *MacVendorDB {
	db := &MacVendorDB{
		vendors:     make(map[string]string, len(vendors)),
		lastUpdated: time.Now(),
		loaded:      true,
		logger:      logrus.New(),
	}
	for prefix, vendor := range vendors {
		if p := normalizeHex(prefix); p != "" && vendor != "" {
			db.vendors[p] = vendor
		}
	}
	return db
}

// loadDatabase reads the prefix,vendor file at dbPath
func (db *MacVendorDB) loadDatabase() error {
	f, err := os.Open(db.dbPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	table, err := readPrefixTable(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", db.dbPath, err)
	}

	db.swap(table, info.ModTime())
	db.logger.WithField("entries", len(table)).Info("Loaded MAC vendor database")
	return nil
}

// readPrefixTable parses prefix,vendor lines, skipping malformed ones
func readPrefixTable(r io.Reader) (map[string]string, error) {
	table := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		prefix, vendor, ok := strings.Cut(sc.Text(), ",")
		if !ok {
			continue
		}
		if p, v := normalizeHex(prefix), strings.TrimSpace(vendor); p != "" && v != "" {
			table[p] = v
		}
	}
	return table, sc.Err()
}

func (db *MacVendorDB) swap(table map[string]string, at time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.vendors = table
	db.lastUpdated = at
	db.loaded = true
}

// Update downloads the IEEE OUI registry from url, stores the processed
// prefix,vendor file at the database path and swaps the in-memory table.
func (db *MacVendorDB) Update(ctx context.Context, url string) error {
	if db.dbPath == "" {
		return fmt.Errorf("MAC vendor database has no path")
	}
	db.logger.Info("Downloading MAC vendor database...")

	if err := os.MkdirAll(filepath.Dir(db.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(db.dbPath), "mac_vendors_*.csv")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempFilePath := tempFile.Name()
	defer os.Remove(tempFilePath)
	defer tempFile.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download MAC vendor database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download MAC vendor database: HTTP %d", resp.StatusCode)
	}

	vendors, err := parseIEEECSV(resp.Body, tempFile, db.logger)
	if err != nil {
		return err
	}

	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempFilePath, db.dbPath); err != nil {
		return fmt.Errorf("failed to replace database file: %w", err)
	}

	db.swap(vendors, time.Now())
	db.logger.WithField("entries", len(vendors)).Info("Updated MAC vendor database")
	return nil
}

// parseIEEECSV reads the IEEE OUI.csv format
// (Registry,Assignment,Organization Name,Organization Address) and writes
// the processed prefix,vendor lines to out.
func parseIEEECSV(r io.Reader, out io.Writer, logger *logrus.Logger) (map[string]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	vendors := make(map[string]string)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warnf("Error reading CSV line: %v", err)
			continue
		}
		if len(record) < 3 {
			continue
		}

		prefix := normalizeHex(record[1])
		vendorName := strings.TrimSpace(record[2])
		if prefix == "" || vendorName == "" {
			continue
		}
		vendors[prefix] = vendorName
		fmt.Fprintf(out, "%s,%s\n", prefix, vendorName)
	}
	return vendors, nil
}

// LookupVendor returns the vendor registered for the longest matching
// prefix of mac, or "" when none matches
func (db *MacVendorDB) LookupVendor(mac string) string {
	hex := normalizeHex(mac)

	db.mu.RLock()
	defer db.mu.RUnlock()
	for n := len(hex); n >= 6; n-- {
		if vendor, ok := db.vendors[hex[:n]]; ok {
			return vendor
		}
	}
	return ""
}

// Loaded reports whether a vendor table was loaded successfully
func (db *MacVendorDB) Loaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// LastUpdated returns when the vendor table was last written
func (db *MacVendorDB) LastUpdated() time.Time {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.lastUpdated
}

// Count returns the number of entries in the MAC vendor database
func (db *MacVendorDB) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors)
}

// normalizeHex strips separators and upper-cases a MAC address or prefix
func normalizeHex(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(":", "", "-", "", ".", "").Replace(s)
	return strings.ToUpper(s)
}
