// Package baseline keeps a rolling behavioral history per device and flags
// deviations from it.
package baseline

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// Defaults
const (
	DefaultCapacity       = 10
	DefaultThreshold      = 2.0
	DefaultEnhancedFactor = 0.5
	MinimumMeanBytes      = 1024
)

// State is the baselining state of a device
type State int

// Device states. A device is monitored once at least one prior sample exists.
const (
	StateUnseen State = iota
	StateBaselining
	StateMonitored
)

func (s State) String() string {
	switch s {
	case StateBaselining:
		return "baselining"
	case StateMonitored:
		return "monitored"
	default:
		return "unseen"
	}
}

// Anomaly kinds
const (
	KindTraffic        = "traffic_deviation"
	KindNewDestination = "new_destination"
)

// Anomaly is a detected deviation from a device's baseline
type Anomaly struct {
	MAC         string
	Kind        string
	At          time.Time
	Deviation   float64 // Relative traffic deviation, for KindTraffic
	Threshold   float64 // Effective threshold that was exceeded
	Destination string  // New target, for KindNewDestination
}

// Detail renders the anomaly for logs and events
func (a Anomaly) Detail() string {
	if a.Kind == KindNewDestination {
		return fmt.Sprintf("new connection target %s", a.Destination)
	}
	return fmt.Sprintf("traffic deviation %.2f exceeds threshold %.2f", a.Deviation, a.Threshold)
}

// TrafficSample is the traffic exchanged during one sampling interval
type TrafficSample struct {
	At    time.Time
	Delta models.TrafficStats
}

// ConnectionSample is the set of destinations known at one sampling tick
type ConnectionSample struct {
	At           time.Time
	Destinations map[string]bool
}

// Options configures a Tracker
type Options struct {
	Capacity       int
	Threshold      float64 // Used when no policy configured a threshold
	EnhancedFactor float64 // Multiplies the threshold of enhanced devices
}

type deviceBaseline struct {
	state       State
	lastTotal   models.TrafficStats
	traffic     *Window[TrafficSample]
	connections *Window[ConnectionSample]
	enhanced    bool
	threshold   float64
}

// Tracker holds the baselines of all devices. It also serves as the
// monitoring registrar of the enforcement dispatcher.
type Tracker struct {
	opts Options

	mu      sync.Mutex
	devices map[string]*deviceBaseline
}

// NewTracker creates a tracker, filling unset options with defaults
func NewTracker(opts Options) *Tracker {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.EnhancedFactor <= 0 {
		opts.EnhancedFactor = DefaultEnhancedFactor
	}
	return &Tracker{opts: opts, devices: make(map[string]*deviceBaseline)}
}

func (t *Tracker) device(mac string) *deviceBaseline {
	b, ok := t.devices[mac]
	if !ok {
		b = &deviceBaseline{
			traffic:     NewWindow[TrafficSample](t.opts.Capacity),
			connections: NewWindow[ConnectionSample](t.opts.Capacity),
		}
		t.devices[mac] = b
	}
	return b
}

// Sample records one sampling tick for a device. total is the device's
// cumulative traffic; the tracker stores the delta since the previous tick.
// The first tick only anchors the counter, so a device restored with a large
// cumulative total does not skew its own baseline. Destinations are checked
// from the second tick on, traffic once a prior interval exists.
func (t *Tracker) Sample(mac string, total models.TrafficStats, destinations []string, at time.Time) []Anomaly {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.device(mac)

	current := make(map[string]bool, len(destinations))
	for _, dst := range destinations {
		current[dst] = true
	}

	if b.state == StateUnseen {
		b.state = StateBaselining
		b.lastTotal = total
		b.connections.Push(ConnectionSample{At: at, Destinations: current})
		return nil
	}

	delta := total.Sub(b.lastTotal)
	b.lastTotal = total
	b.state = StateMonitored
	threshold := t.effectiveThreshold(b)

	var anomalies []Anomaly
	if b.traffic.Len() > 0 {
		if deviation := trafficDeviation(b.traffic.Values(), delta); deviation > threshold {
			anomalies = append(anomalies, Anomaly{
				MAC:       mac,
				Kind:      KindTraffic,
				At:        at,
				Deviation: deviation,
				Threshold: threshold,
			})
		}
	}

	for _, dst := range newDestinations(b.connections.Values(), current) {
		anomalies = append(anomalies, Anomaly{
			MAC:         mac,
			Kind:        KindNewDestination,
			At:          at,
			Threshold:   threshold,
			Destination: dst,
		})
	}

	b.traffic.Push(TrafficSample{At: at, Delta: delta})
	b.connections.Push(ConnectionSample{At: at, Destinations: current})
	return anomalies
}

func (t *Tracker) effectiveThreshold(b *deviceBaseline) float64 {
	threshold := t.opts.Threshold
	if b.threshold > 0 {
		threshold = b.threshold
	}
	if b.enhanced {
		threshold *= t.opts.EnhancedFactor
	}
	return threshold
}

// trafficDeviation is |current - mean| / max(mean, 1 KiB) over total bytes
func trafficDeviation(prior []TrafficSample, current models.TrafficStats) float64 {
	var sum float64
	for _, s := range prior {
		sum += float64(s.Delta.TotalBytes())
	}
	mean := sum / float64(len(prior))
	return math.Abs(float64(current.TotalBytes())-mean) / math.Max(mean, MinimumMeanBytes)
}

func newDestinations(prior []ConnectionSample, current map[string]bool) []string {
	var out []string
	for dst := range current {
		seen := false
		for _, s := range prior {
			if s.Destinations[dst] {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, dst)
		}
	}
	sort.Strings(out)
	return out
}

// EnableEnhanced tightens the deviation threshold for a device
func (t *Tracker) EnableEnhanced(mac string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.device(mac).enhanced = true
}

// SetAlertThreshold sets the device's deviation threshold. Zero restores
// the default.
func (t *Tracker) SetAlertThreshold(mac string, threshold float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if threshold < 0 {
		threshold = 0
	}
	t.device(mac).threshold = threshold
}

// State returns the baselining state of a device
func (t *Tracker) State(mac string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.devices[mac]; ok {
		return b.state
	}
	return StateUnseen
}

// History returns copies of a device's traffic and connection windows
func (t *Tracker) History(mac string) ([]TrafficSample, []ConnectionSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.devices[mac]
	if !ok {
		return nil, nil
	}
	return b.traffic.Values(), b.connections.Values()
}
