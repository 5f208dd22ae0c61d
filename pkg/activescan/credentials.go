package activescan

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/catalog"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// CredentialSet is a set of factory credentials for a device's service
type CredentialSet struct {
	Manufacturer string   `json:"manufacturer" yaml:"manufacturer"` // Empty matches every manufacturer
	Model        string   `json:"model" yaml:"model"`               // Empty matches every model
	Port         int      `json:"port" yaml:"port"`
	Protocol     string   `json:"protocol" yaml:"protocol"` // HTTP or FTP
	Usernames    []string `json:"usernames" yaml:"usernames"`
	Passwords    []string `json:"passwords" yaml:"passwords"`
	LoginPath    string   `json:"login_path" yaml:"login_path"`
	PostParams   string   `json:"post_params" yaml:"post_params"` // {USERNAME} and {PASSWORD} are substituted
	SuccessText  string   `json:"success_text" yaml:"success_text"`
	FailureText  string   `json:"failure_text" yaml:"failure_text"`
}

// Credential is a username/password pair a device accepted
type Credential struct {
	Port     int
	Protocol string
	Username string
}

// CredentialChecker tests devices for factory credentials
type CredentialChecker struct {
	sets    []CredentialSet
	timeout time.Duration
	logger  *logrus.Logger
}

// NewCredentialChecker creates a checker over sets
func NewCredentialChecker(sets []CredentialSet, timeout time.Duration, logger *logrus.Logger) *CredentialChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CredentialChecker{sets: sets, timeout: timeout, logger: logger}
}

// LoadCredentialSets reads credential sets from a YAML or JSON file, or
// returns the built-in sets when path is empty.
func LoadCredentialSets(path string) ([]CredentialSet, error) {
	if path == "" {
		return DefaultCredentialSets(), nil
	}
	return catalog.LoadFile[CredentialSet](path)
}

// CheckDevice returns the factory credentials the device accepted
func (c *CredentialChecker) CheckDevice(ctx context.Context, d models.Device) []Credential {
	var found []Credential

	for _, set := range c.sets {
		if set.Manufacturer != "" && !strings.EqualFold(set.Manufacturer, d.Manufacturer) {
			continue
		}
		if set.Model != "" && !strings.EqualFold(set.Model, d.Model) {
			continue
		}
		if !d.HasOpenPort(set.Port) {
			continue
		}

		for _, username := range set.Usernames {
			for _, password := range set.Passwords {
				if ctx.Err() != nil {
					return found
				}

				var ok bool
				switch strings.ToUpper(set.Protocol) {
				case "HTTP", "HTTPS":
					ok = c.tryHTTP(ctx, d.IP, set, username, password)
				case "FTP":
					ok = c.tryFTP(ctx, d.IP, set.Port, username, password)
				}
				if ok {
					c.logger.WithFields(logrus.Fields{
						"mac":      d.MAC,
						"port":     set.Port,
						"protocol": set.Protocol,
						"username": username,
					}).Warn("Device accepts default credentials")
					found = append(found, Credential{Port: set.Port, Protocol: set.Protocol, Username: username})
				}
			}
		}
	}
	return found
}

// tryHTTP posts a login form
func (c *CredentialChecker) tryHTTP(ctx context.Context, ip string, set CredentialSet, username, password string) bool {
	scheme := "http"
	if set.Port == 443 || set.Port == 8443 || strings.EqualFold(set.Protocol, "HTTPS") {
		scheme = "https"
	}
	loginURL := fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(ip, strconv.Itoa(set.Port)), set.LoginPath)

	params := strings.ReplaceAll(set.PostParams, "{USERNAME}", url.QueryEscape(username))
	params = strings.ReplaceAll(params, "{PASSWORD}", url.QueryEscape(password))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(params))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := newHTTPClient(c.timeout).Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := string(body)

	if set.SuccessText != "" && strings.Contains(text, set.SuccessText) {
		return true
	}
	if set.FailureText != "" && strings.Contains(text, set.FailureText) {
		return false
	}
	return resp.StatusCode == http.StatusOK && set.SuccessText == ""
}

// tryFTP logs in over FTP; 230 means the login succeeded
func (c *CredentialChecker) tryFTP(ctx context.Context, ip string, port int, username, password string) bool {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil {
		return false
	}
	if _, err := fmt.Fprintf(conn, "USER %s\r\n", username); err != nil {
		return false
	}
	if _, err := r.ReadString('\n'); err != nil {
		return false
	}
	if _, err := fmt.Fprintf(conn, "PASS %s\r\n", password); err != nil {
		return false
	}
	reply, err := r.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.HasPrefix(reply, "230")
}

// DefaultCredentialSets returns the built-in factory credentials
func DefaultCredentialSets() []CredentialSet {
	return []CredentialSet{
		{
			Manufacturer: "Hikvision",
			Port:         80,
			Protocol:     "HTTP",
			Usernames:    []string{"admin"},
			Passwords:    []string{"12345", "admin", "Admin12345"},
			LoginPath:    "/login.asp",
			PostParams:   "username={USERNAME}&password={PASSWORD}",
			SuccessText:  "Welcome",
			FailureText:  "Invalid username or password",
		},
		{
			Manufacturer: "Dahua",
			Port:         80,
			Protocol:     "HTTP",
			Usernames:    []string{"admin"},
			Passwords:    []string{"admin", "Admin123", ""},
			LoginPath:    "/RPC2_Login",
			PostParams:   `method=global.login&params={"userName":"{USERNAME}","password":"{PASSWORD}","clientType":"Web"}`,
			SuccessText:  `"result":true`,
			FailureText:  `"result":false`,
		},
		{
			Manufacturer: "TP-Link",
			Port:         80,
			Protocol:     "HTTP",
			Usernames:    []string{"admin"},
			Passwords:    []string{"admin", "password", "tp-link"},
			LoginPath:    "/login.cgi",
			PostParams:   "username={USERNAME}&password={PASSWORD}",
			SuccessText:  "success",
			FailureText:  "error",
		},
		{
			Manufacturer: "D-Link",
			Port:         80,
			Protocol:     "HTTP",
			Usernames:    []string{"admin"},
			Passwords:    []string{"admin", "password", ""},
			LoginPath:    "/login.cgi",
			PostParams:   "username={USERNAME}&password={PASSWORD}",
			SuccessText:  "success",
			FailureText:  "error",
		},
		{
			Manufacturer: "Netgear",
			Port:         80,
			Protocol:     "HTTP",
			Usernames:    []string{"admin"},
			Passwords:    []string{"password", "admin", "netgear"},
			LoginPath:    "/login.cgi",
			PostParams:   "username={USERNAME}&password={PASSWORD}",
			SuccessText:  "success",
			FailureText:  "error",
		},
		{
			Port:      21,
			Protocol:  "FTP",
			Usernames: []string{"admin", "root", "user", "anonymous"},
			Passwords: []string{"admin", "password", "123456", "root", ""},
		},
	}
}
