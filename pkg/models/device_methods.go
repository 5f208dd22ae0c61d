package models

import (
	"sort"
	"strings"
)

// HasOpenPort checks if the device has been seen using the specified port
func (d *Device) HasOpenPort(port int) bool {
	return d.Ports[port]
}

// HasProtocol checks if the device has been seen speaking the protocol, ignoring case
func (d *Device) HasProtocol(protocol string) bool {
	for p := range d.Protocols {
		if strings.EqualFold(p, protocol) {
			return true
		}
	}
	return false
}

// ProtocolList returns the observed protocols in sorted order
func (d *Device) ProtocolList() []string {
	out := make([]string, 0, len(d.Protocols))
	for p := range d.Protocols {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// PortList returns the observed ports in ascending order
func (d *Device) PortList() []int {
	out := make([]int, 0, len(d.Ports))
	for p := range d.Ports {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// DestinationList returns the contacted destinations in sorted order
func (d *Device) DestinationList() []string {
	out := make([]string, 0, len(d.Destinations))
	for dst := range d.Destinations {
		out = append(out, dst)
	}
	sort.Strings(out)
	return out
}

// Classification returns the device's current classification fields
func (d *Device) Classification() Classification {
	return Classification{
		Manufacturer:    d.Manufacturer,
		Model:           d.Model,
		DeviceType:      d.DeviceType,
		FirmwareVersion: d.FirmwareVersion,
		IdentifiedBy:    d.IdentifiedBy,
	}
}

// ApplyClassification overwrites the classification fields
func (d *Device) ApplyClassification(c Classification) {
	d.Manufacturer = c.Manufacturer
	d.Model = c.Model
	d.DeviceType = c.DeviceType
	d.FirmwareVersion = c.FirmwareVersion
	d.IdentifiedBy = c.IdentifiedBy
}

// IsIdentified reports whether any fingerprinting strategy matched
func (d *Device) IsIdentified() bool {
	return d.IdentifiedBy != "" && d.IdentifiedBy != Unidentified
}

// Clone returns a deep copy so callers can read a device outside the registry lock
func (d *Device) Clone() Device {
	c := *d
	c.Protocols = make(map[string]bool, len(d.Protocols))
	for k, v := range d.Protocols {
		c.Protocols[k] = v
	}
	c.Ports = make(map[int]bool, len(d.Ports))
	for k, v := range d.Ports {
		c.Ports[k] = v
	}
	c.Destinations = make(map[string]bool, len(d.Destinations))
	for k, v := range d.Destinations {
		c.Destinations[k] = v
	}
	if d.Banners != nil {
		c.Banners = make(map[int]string, len(d.Banners))
		for k, v := range d.Banners {
			c.Banners[k] = v
		}
	}
	if d.RiskFactors != nil {
		c.RiskFactors = append([]string(nil), d.RiskFactors...)
	}
	if d.Vulnerabilities != nil {
		c.Vulnerabilities = append([]Vulnerability(nil), d.Vulnerabilities...)
	}
	return c
}

// Merge folds an observation into the device's observation state
func (d *Device) Merge(obs Observation) {
	if d.Protocols == nil {
		d.Protocols = make(map[string]bool)
	}
	if d.Ports == nil {
		d.Ports = make(map[int]bool)
	}
	if d.Destinations == nil {
		d.Destinations = make(map[string]bool)
	}
	if obs.IP != "" {
		d.IP = obs.IP
	}
	if obs.Interface != "" {
		d.Interface = obs.Interface
	}
	if obs.Timestamp.After(d.LastSeen) {
		d.LastSeen = obs.Timestamp
	}
	if d.FirstSeen.IsZero() || (!obs.Timestamp.IsZero() && obs.Timestamp.Before(d.FirstSeen)) {
		d.FirstSeen = obs.Timestamp
	}
	for _, p := range obs.Protocols {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			d.Protocols[p] = true
		}
	}
	for _, port := range obs.Ports {
		if port > 0 {
			d.Ports[port] = true
		}
	}
	for _, dst := range obs.Destinations {
		if dst != "" {
			d.Destinations[dst] = true
		}
	}
	for port, banner := range obs.Banners {
		if banner == "" {
			continue
		}
		if d.Banners == nil {
			d.Banners = make(map[int]string)
		}
		d.Banners[port] = banner
	}
	d.Traffic = d.Traffic.Add(obs.Traffic)
}
