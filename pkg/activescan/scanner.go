// Package activescan probes devices directly: TCP port scan, banner grab,
// web interface analysis and an optional default-credential check.
package activescan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/fingerprint"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/scheduler"
)

// Classifier identifies a device from collected evidence
type Classifier interface {
	Identify(ev fingerprint.Evidence) models.Classification
}

// Options configures a Scanner
type Options struct {
	Ports         []int         // Ports to scan
	WebPorts      []int         // Open ports analyzed as web interfaces
	Timeout       time.Duration // Timeout for network operations
	BannerTimeout time.Duration // How long to wait for a greeting
	Threads       int           // Ports probed at once per device
}

// Scanner implements scheduler.Prober
type Scanner struct {
	opts        Options
	classifier  Classifier
	credentials *CredentialChecker
	logger      *logrus.Logger
}

// NewScanner creates a scanner. classifier and credentials may be nil.
func NewScanner(opts Options, classifier Classifier, credentials *CredentialChecker, logger *logrus.Logger) *Scanner {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.BannerTimeout <= 0 {
		opts.BannerTimeout = 2 * time.Second
	}
	if opts.Threads <= 0 {
		opts.Threads = 10
	}
	if opts.WebPorts == nil {
		opts.WebPorts = []int{80, 443, 8080, 8443}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{opts: opts, classifier: classifier, credentials: credentials, logger: logger}
}

// Probe scans a device at its current network address
func (s *Scanner) Probe(ctx context.Context, d models.Device) (scheduler.ProbeResult, error) {
	var res scheduler.ProbeResult
	if net.ParseIP(d.IP) == nil {
		return res, fmt.Errorf("device %s has no usable address %q", d.MAC, d.IP)
	}

	open := s.scanPorts(ctx, d.IP)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	res.Banners = make(map[int]string)
	for port, banner := range open {
		res.OpenPorts = append(res.OpenPorts, port)
		if svc := getServiceName(port); svc != "Unknown" {
			res.Services = append(res.Services, svc)
		}
		if banner != "" {
			res.Banners[port] = banner
		}
	}

	for _, port := range s.opts.WebPorts {
		if _, ok := open[port]; !ok {
			continue
		}
		info, err := s.analyzeWeb(ctx, d.IP, port)
		if err != nil {
			s.logger.WithFields(logrus.Fields{"ip": d.IP, "port": port}).Debugf("Web analysis failed: %v", err)
			continue
		}
		if info.Server != "" {
			res.Banners[port] = info.Server
		}
		if info.Classification != nil && res.Classification == nil {
			res.Classification = info.Classification
		}
	}

	if s.classifier != nil && res.Classification == nil {
		ev := fingerprint.EvidenceFor(d)
		ev.Ports = mergePorts(ev.Ports, res.OpenPorts)
		ev.Protocols = append(ev.Protocols, res.Services...)
		banners := make(map[int]string, len(ev.Banners)+len(res.Banners))
		for port, banner := range ev.Banners {
			banners[port] = banner
		}
		for port, banner := range res.Banners {
			banners[port] = banner
		}
		ev.Banners = banners
		if c := s.classifier.Identify(ev); c.IdentifiedBy != models.Unidentified && c.IdentifiedBy != models.IdentifiedByMAC {
			res.Classification = &c
		}
	}

	if s.credentials != nil {
		probed := d.Clone()
		scheduler.MergeProbe(&probed, res)
		res.DefaultCredentials = len(s.credentials.CheckDevice(ctx, probed)) > 0
	}

	return res, nil
}

// scanPorts returns the open ports of ip with any greeting they sent
func (s *Scanner) scanPorts(ctx context.Context, ip string) map[int]string {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		semaphore = make(chan struct{}, s.opts.Threads)
		open      = make(map[int]string)
	)

	for _, port := range s.opts.Ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-semaphore }()

			banner, ok := s.probePort(ctx, ip, port)
			if !ok {
				return
			}
			mu.Lock()
			open[port] = banner
			mu.Unlock()

			s.logger.WithFields(logrus.Fields{"ip": ip, "port": port, "service": getServiceName(port)}).Debug("Open port")
		}(port)
	}

	wg.Wait()
	return open
}

// probePort connects to a port and reads whatever greeting it offers
func (s *Scanner) probePort(ctx context.Context, ip string, port int) (string, bool) {
	dialer := net.Dialer{Timeout: s.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return "", false
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.BannerTimeout))
	buffer := make([]byte, 1024)
	n, err := conn.Read(buffer)
	if err != nil || n == 0 {
		return "", true
	}
	return cleanBanner(string(buffer[:n])), true
}

func mergePorts(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	var out []int
	for _, p := range append(append([]int(nil), a...), b...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// getServiceName returns the protocol name for a port
func getServiceName(port int) string {
	services := map[int]string{
		21:   "FTP",
		22:   "SSH",
		23:   "TELNET",
		25:   "SMTP",
		53:   "DNS",
		80:   "HTTP",
		110:  "POP3",
		143:  "IMAP",
		443:  "HTTPS",
		554:  "RTSP",
		1883: "MQTT",
		5683: "COAP",
		8080: "HTTP",
		8443: "HTTPS",
		8883: "MQTT-TLS",
		9000: "UPNP",
	}

	if service, ok := services[port]; ok {
		return service
	}
	return "Unknown"
}
