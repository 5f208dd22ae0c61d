package activescan

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

var (
	versionRegex = regexp.MustCompile(`[vV]?(\d+\.\d+(\.\d+)?)`)
	titleRegex   = regexp.MustCompile(`(?is)<title>\s*(.*?)\s*</title>`)
)

// headerRule classifies a web interface from its Server header
type headerRule struct {
	server       *regexp.Regexp
	manufacturer string
	model        string
	deviceType   string
}

var headerRules = []headerRule{
	{regexp.MustCompile(`(?i)hikvision`), "Hikvision", "IP Camera", "camera"},
	{regexp.MustCompile(`(?i)dahua`), "Dahua", "IP Camera", "camera"},
	{regexp.MustCompile(`(?i)tp-?link`), "TP-Link", "Router", "router"},
	{regexp.MustCompile(`(?i)d-?link`), "D-Link", "Router", "router"},
	{regexp.MustCompile(`(?i)netgear`), "Netgear", "Router", "router"},
	{regexp.MustCompile(`(?i)philips hue`), "Philips Hue", "Bridge", "hub"},
}

// WebInfo is what a device's web interface revealed
type WebInfo struct {
	StatusCode     int
	Server         string
	Title          string
	AuthRequired   bool
	Classification *models.Classification
}

// analyzeWeb requests the root page of a device's web interface
func (s *Scanner) analyzeWeb(ctx context.Context, ip string, port int) (WebInfo, error) {
	var info WebInfo

	scheme := "http"
	if port == 443 || port == 8443 {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(ip, strconv.Itoa(port)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return info, err
	}
	req.Header.Set("User-Agent", "iot-guardian/1.0")

	resp, err := newHTTPClient(s.opts.Timeout).Do(req)
	if err != nil {
		return info, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	info.StatusCode = resp.StatusCode
	info.Server = resp.Header.Get("Server")
	info.AuthRequired = resp.StatusCode == http.StatusUnauthorized
	if m := titleRegex.FindSubmatch(body); len(m) > 1 {
		info.Title = strings.TrimSpace(string(m[1]))
	}
	info.Classification = classifyWeb(info.Server, info.Title, resp.Header.Get("WWW-Authenticate"))
	return info, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed device certificates
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// classifyWeb matches response details against the header rules
func classifyWeb(server, title, realm string) *models.Classification {
	for _, text := range []string{server, realm, title} {
		if text == "" {
			continue
		}
		for _, rule := range headerRules {
			if !rule.server.MatchString(text) {
				continue
			}
			c := &models.Classification{
				Manufacturer: rule.manufacturer,
				Model:        rule.model,
				DeviceType:   rule.deviceType,
				IdentifiedBy: models.IdentifiedByBanner,
			}
			if m := versionRegex.FindStringSubmatch(server); len(m) > 1 {
				c.FirmwareVersion = m[1]
			}
			return c
		}
	}
	return nil
}

// cleanBanner keeps the first line of a greeting, without control bytes
func cleanBanner(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}
