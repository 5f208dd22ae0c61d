package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

const numShards = 16

var (
	// ErrNotFound is returned when no device exists for a hardware address
	ErrNotFound = errors.New("device not found")
	// ErrInvalidAddress is returned for hardware addresses that cannot be parsed
	ErrInvalidAddress = errors.New("invalid hardware address")
)

type shard struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
}

// Registry is the authoritative store of known devices. Devices are spread
// over shards by hardware address; every read-modify-write of a device
// happens under its shard lock.
type Registry struct {
	shards []*shard
}

// New creates an empty registry
func New() *Registry {
	r := &Registry{shards: make([]*shard, numShards)}
	for i := range r.shards {
		r.shards[i] = &shard{devices: make(map[string]*models.Device)}
	}
	return r
}

// NormalizeMAC returns the canonical upper-case, colon separated form of a
// hardware address.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidAddress, mac, err)
	}
	return strings.ToUpper(hw.String()), nil
}

func (r *Registry) shardFor(mac string) *shard {
	hash := uint32(0)
	for i := 0; i < len(mac); i++ {
		hash = hash*31 + uint32(mac[i])
	}
	return r.shards[hash%uint32(len(r.shards))]
}

// Observe folds an observation into the registry. The device is created if
// its hardware address has never been seen; isNew is true for exactly one
// caller per address, which then owns onboarding.
func (r *Registry) Observe(obs models.Observation) (models.Device, bool, error) {
	mac, err := NormalizeMAC(obs.MAC)
	if err != nil {
		return models.Device{}, false, err
	}

	s := r.shardFor(mac)
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, exists := s.devices[mac]
	if !exists {
		dev = &models.Device{
			MAC:          mac,
			FirstSeen:    obs.Timestamp,
			IdentifiedBy: models.Unidentified,
			Protocols:    make(map[string]bool),
			Ports:        make(map[int]bool),
			Destinations: make(map[string]bool),
		}
		s.devices[mac] = dev
	}
	dev.Merge(obs)

	return dev.Clone(), !exists, nil
}

// Get returns a copy of the device with the given hardware address
func (r *Registry) Get(mac string) (models.Device, error) {
	key, err := NormalizeMAC(mac)
	if err != nil {
		return models.Device{}, err
	}

	s := r.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[key]
	if !ok {
		return models.Device{}, ErrNotFound
	}
	return dev.Clone(), nil
}

// Update applies fn to the stored device atomically and returns a copy of
// the result. fn must not change the hardware address.
func (r *Registry) Update(mac string, fn func(*models.Device)) (models.Device, error) {
	key, err := NormalizeMAC(mac)
	if err != nil {
		return models.Device{}, err
	}

	s := r.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[key]
	if !ok {
		return models.Device{}, ErrNotFound
	}
	fn(dev)
	dev.MAC = key
	return dev.Clone(), nil
}

// Snapshot returns copies of all devices ordered by hardware address
func (r *Registry) Snapshot() []models.Device {
	var devices []models.Device
	for _, s := range r.shards {
		s.mu.RLock()
		for _, dev := range s.devices {
			devices = append(devices, dev.Clone())
		}
		s.mu.RUnlock()
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].MAC < devices[j].MAC
	})
	return devices
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}

// Restore loads previously persisted devices. Devices already present are
// left untouched so live state always wins over stored state.
func (r *Registry) Restore(devices []models.Device) int {
	restored := 0
	for i := range devices {
		mac, err := NormalizeMAC(devices[i].MAC)
		if err != nil {
			continue
		}
		dev := devices[i].Clone()
		dev.MAC = mac

		s := r.shardFor(mac)
		s.mu.Lock()
		if _, exists := s.devices[mac]; !exists {
			s.devices[mac] = &dev
			restored++
		}
		s.mu.Unlock()
	}
	return restored
}
