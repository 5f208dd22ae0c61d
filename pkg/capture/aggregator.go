package capture

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// deviceTraffic is the traffic of one hardware address since the last flush
type deviceTraffic struct {
	ip           string
	protocols    map[string]bool
	ports        map[int]bool
	destinations map[string]bool
	banners      map[int]string
	traffic      models.TrafficStats
	lastSeen     time.Time
}

func newDeviceTraffic() *deviceTraffic {
	return &deviceTraffic{
		protocols:    make(map[string]bool),
		ports:        make(map[int]bool),
		destinations: make(map[string]bool),
		banners:      make(map[int]string),
	}
}

// Aggregator folds packets into per-device observations. Packets are
// attributed by Ethernet source address; the destination address is
// credited with the inbound traffic.
type Aggregator struct {
	iface    string
	localIPs map[string]bool

	mu      sync.Mutex
	devices map[string]*deviceTraffic
}

// NewAggregator creates an aggregator for traffic seen on iface. Packets
// sent by any of localIPs (the capturing host) are ignored.
func NewAggregator(iface string, localIPs []string) *Aggregator {
	a := &Aggregator{
		iface:    iface,
		localIPs: make(map[string]bool, len(localIPs)),
		devices:  make(map[string]*deviceTraffic),
	}
	for _, ip := range localIPs {
		a.localIPs[ip] = true
	}
	return a
}

// Add processes a single packet
func (a *Aggregator) Add(packet gopacket.Packet) {
	ethernetLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethernetLayer == nil {
		return
	}
	ethernet, _ := ethernetLayer.(*layers.Ethernet)

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip, _ := ipLayer.(*layers.IPv4)

	srcIP := ip.SrcIP.String()
	dstIP := ip.DstIP.String()
	if a.localIPs[srcIP] {
		return
	}

	at := packet.Metadata().Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	size := uint64(len(packet.Data()))

	var srcPort, dstPort uint16
	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, _ := tcpLayer.(*layers.TCP)
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, _ := udpLayer.(*layers.UDP)
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	}

	var payload []byte
	if app := packet.ApplicationLayer(); app != nil {
		payload = app.Payload()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	src := a.device(ethernet.SrcMAC)
	if src != nil {
		src.ip = srcIP
		src.lastSeen = at
		src.traffic.BytesOut += size
		src.traffic.PacketsOut++
		if isUnicast(ip.DstIP) {
			src.destinations[dstIP] = true
		}

		// A packet from a service port means the device serves it; a packet
		// to one means the device speaks it as a client.
		for _, port := range []uint16{srcPort, dstPort} {
			if !IsServicePort(port) {
				continue
			}
			src.ports[int(port)] = true
			if proto := ProtocolForPort(port); proto != ProtocolUnknown {
				src.protocols[proto] = true
			}
		}
		if proto := ProtocolFromPayload(payload, dstPort); proto != ProtocolUnknown {
			src.protocols[proto] = true
		}
		if IsServicePort(srcPort) {
			if banner := ExtractBanner(payload); banner != "" {
				src.banners[int(srcPort)] = banner
			}
		}
	}

	if dst := a.device(ethernet.DstMAC); dst != nil {
		dst.lastSeen = at
		dst.traffic.BytesIn += size
		dst.traffic.PacketsIn++
		if dst.ip == "" && isUnicast(ip.DstIP) {
			dst.ip = dstIP
		}
	}
}

// device returns the pending traffic of a unicast hardware address
func (a *Aggregator) device(mac net.HardwareAddr) *deviceTraffic {
	if len(mac) != 6 || mac[0]&0x01 == 1 {
		return nil
	}
	key := strings.ToUpper(mac.String())
	d, ok := a.devices[key]
	if !ok {
		d = newDeviceTraffic()
		a.devices[key] = d
	}
	return d
}

func isUnicast(ip net.IP) bool {
	return !ip.IsMulticast() && !ip.Equal(net.IPv4bcast) && !ip.IsUnspecified()
}

// Flush returns one observation per device seen since the previous flush,
// ordered by hardware address, and resets the pending state.
func (a *Aggregator) Flush() []models.Observation {
	a.mu.Lock()
	pending := a.devices
	a.devices = make(map[string]*deviceTraffic)
	a.mu.Unlock()

	observations := make([]models.Observation, 0, len(pending))
	for mac, d := range pending {
		obs := models.Observation{
			MAC:       mac,
			IP:        d.ip,
			Interface: a.iface,
			Timestamp: d.lastSeen,
			Traffic:   d.traffic,
		}
		for p := range d.protocols {
			obs.Protocols = append(obs.Protocols, p)
		}
		sort.Strings(obs.Protocols)
		for port := range d.ports {
			obs.Ports = append(obs.Ports, port)
		}
		sort.Ints(obs.Ports)
		for dst := range d.destinations {
			obs.Destinations = append(obs.Destinations, dst)
		}
		sort.Strings(obs.Destinations)
		if len(d.banners) > 0 {
			obs.Banners = d.banners
		}
		observations = append(observations, obs)
	}

	sort.Slice(observations, func(i, j int) bool {
		return observations[i].MAC < observations[j].MAC
	})
	return observations
}
