package capture

import (
	"bytes"
	"strings"
)

// Protocol names reported in observations
const (
	ProtocolHTTP    = "HTTP"
	ProtocolHTTPS   = "HTTPS"
	ProtocolSSH     = "SSH"
	ProtocolTelnet  = "TELNET"
	ProtocolFTP     = "FTP"
	ProtocolDNS     = "DNS"
	ProtocolMQTT    = "MQTT"
	ProtocolMQTTS   = "MQTTS"
	ProtocolCoAP    = "COAP"
	ProtocolAMQP    = "AMQP"
	ProtocolXMPP    = "XMPP"
	ProtocolRTSP    = "RTSP"
	ProtocolUPnP    = "UPNP"
	ProtocolMDNS    = "MDNS"
	ProtocolTLS     = "TLS"
	ProtocolUnknown = ""
)

var servicePorts = map[uint16]string{
	21:    ProtocolFTP,
	22:    ProtocolSSH,
	23:    ProtocolTelnet,
	53:    ProtocolDNS,
	80:    ProtocolHTTP,
	443:   ProtocolHTTPS,
	554:   ProtocolRTSP,
	1883:  ProtocolMQTT,
	1900:  ProtocolUPnP,
	5222:  ProtocolXMPP,
	5223:  ProtocolXMPP,
	5353:  ProtocolMDNS,
	5672:  ProtocolAMQP,
	5683:  ProtocolCoAP,
	5684:  ProtocolCoAP,
	8080:  ProtocolHTTP,
	8443:  ProtocolHTTPS,
	8883:  ProtocolMQTTS,
	37777: ProtocolUnknown,
}

// ProtocolForPort returns the protocol conventionally served on port
func ProtocolForPort(port uint16) string {
	return servicePorts[port]
}

// IsServicePort reports whether port is a well-known or known IoT service port
func IsServicePort(port uint16) bool {
	if port == 0 {
		return false
	}
	if port < 1024 {
		return true
	}
	_, ok := servicePorts[port]
	return ok
}

// ProtocolFromPayload identifies a protocol from an application payload
func ProtocolFromPayload(payload []byte, port uint16) string {
	if len(payload) < 4 {
		return ProtocolUnknown
	}

	switch {
	case bytes.HasPrefix(payload, []byte("SSH-")):
		return ProtocolSSH
	case payload[0] == 0x16 && payload[1] == 0x03:
		// TLS handshake record
		if port == 8883 {
			return ProtocolMQTTS
		}
		return ProtocolTLS
	case bytes.HasPrefix(payload, []byte("RTSP/1.0")):
		return ProtocolRTSP
	case bytes.HasPrefix(payload, []byte("HTTP/1.")):
		return ProtocolHTTP
	}

	head := string(payload[:min(len(payload), 16)])
	for _, method := range []string{"GET ", "POST ", "PUT ", "HEAD ", "DELETE "} {
		if strings.HasPrefix(head, method) {
			return ProtocolHTTP
		}
	}
	for _, method := range []string{"DESCRIBE ", "SETUP ", "PLAY ", "OPTIONS rtsp"} {
		if strings.HasPrefix(head, method) {
			return ProtocolRTSP
		}
	}
	if strings.HasPrefix(head, "M-SEARCH") || strings.HasPrefix(head, "NOTIFY * ") {
		return ProtocolUPnP
	}

	switch port {
	case 1883:
		// MQTT CONNECT
		if payload[0] == 0x10 {
			return ProtocolMQTT
		}
	case 5683, 5684:
		// CoAP version 1
		if payload[0]>>6 == 1 {
			return ProtocolCoAP
		}
	}
	return ProtocolUnknown
}

// ExtractBanner returns the identifying text of a service greeting or
// response: the SSH version string, an FTP/SMTP greeting or the HTTP Server
// header.
func ExtractBanner(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	text := string(payload[:min(len(payload), 1024)])

	switch {
	case strings.HasPrefix(text, "SSH-"), strings.HasPrefix(text, "220"):
		return firstLine(text)
	case strings.HasPrefix(text, "HTTP/1."), strings.HasPrefix(text, "RTSP/1.0"):
		for _, line := range strings.Split(text, "\r\n") {
			if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "server") {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
