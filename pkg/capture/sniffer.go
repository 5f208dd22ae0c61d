package capture

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// SnifferOptions configures live capture
type SnifferOptions struct {
	SnapLen       int32
	Promiscuous   bool
	BPFFilter     string
	FlushInterval time.Duration
}

// Sniffer captures packets on one interface and emits an observation per
// active device every flush interval.
type Sniffer struct {
	iface  string
	opts   SnifferOptions
	logger *logrus.Logger
	handle *pcap.Handle
}

// NewSniffer creates a sniffer for iface
func NewSniffer(iface string, opts SnifferOptions, logger *logrus.Logger) *Sniffer {
	if opts.SnapLen <= 0 {
		opts.SnapLen = 1600
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Sniffer{iface: iface, opts: opts, logger: logger}
}

// Name identifies the source in logs and metrics
func (s *Sniffer) Name() string {
	return "pcap:" + s.iface
}

// Open opens the capture handle. It must succeed before Observations is
// called.
func (s *Sniffer) Open() error {
	handle, err := pcap.OpenLive(s.iface, s.opts.SnapLen, s.opts.Promiscuous, time.Second)
	if err != nil {
		return fmt.Errorf("failed to open interface %s: %w", s.iface, err)
	}

	if s.opts.BPFFilter != "" {
		if err := handle.SetBPFFilter(s.opts.BPFFilter); err != nil {
			handle.Close()
			return fmt.Errorf("failed to set BPF filter: %w", err)
		}
	}

	s.handle = handle
	return nil
}

// Observations captures until ctx is cancelled
func (s *Sniffer) Observations(ctx context.Context) <-chan models.Observation {
	out := make(chan models.Observation)
	if s.handle == nil {
		s.logger.WithField("interface", s.iface).Error("Capture handle not open")
		close(out)
		return out
	}

	agg := NewAggregator(s.iface, s.localIPs())
	packets := gopacket.NewPacketSource(s.handle, s.handle.LinkType()).Packets()

	go func() {
		defer close(out)
		defer s.handle.Close()

		ticker := time.NewTicker(s.opts.FlushInterval)
		defer ticker.Stop()

		s.logger.WithField("interface", s.iface).Info("Packet capture started")
		for {
			select {
			case <-ctx.Done():
				s.logger.WithField("interface", s.iface).Info("Packet capture stopped")
				return
			case packet, ok := <-packets:
				if !ok {
					s.logger.WithField("interface", s.iface).Warn("Packet source closed")
					s.emit(ctx, out, agg.Flush())
					return
				}
				agg.Add(packet)
			case <-ticker.C:
				s.emit(ctx, out, agg.Flush())
			}
		}
	}()

	return out
}

func (s *Sniffer) emit(ctx context.Context, out chan<- models.Observation, observations []models.Observation) {
	for _, obs := range observations {
		select {
		case out <- obs:
		case <-ctx.Done():
			return
		}
	}
}

// localIPs returns the IPv4 addresses of this host so its own traffic is
// not mistaken for a device.
func (s *Sniffer) localIPs() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		s.logger.Warnf("Failed to get network interfaces: %v", err)
		return nil
	}

	var ips []string
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipv4 := ipNet.IP.To4(); ipv4 != nil {
				ips = append(ips, ipv4.String())
			}
		}
	}
	return ips
}
