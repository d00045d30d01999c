package coaptransport

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/jroosing/coapfwd/internal/proxy"
)

// DefaultPort is the CoAP default UDP port (RFC 7252 §12.10).
const DefaultPort uint16 = 5683

// ParseEndpoint resolves a coap:// URI — or a bare Proxy-Uri of the form
// the spec's clients send, coap://[addr]path or coap://[addr]:port/path —
// into a proxy.Endpoint. It implements Transport.EndpointParse (spec §6.1,
// endpoint_parse).
func ParseEndpoint(uri string) (proxy.Endpoint, error) {
	rest, ok := strings.CutPrefix(uri, "coap://")
	if !ok {
		return proxy.Endpoint{}, fmt.Errorf("coaptransport: %q is not a coap:// URI", uri)
	}
	if !strings.HasPrefix(rest, "[") {
		return proxy.Endpoint{}, fmt.Errorf("coaptransport: %q is missing a bracketed address", uri)
	}
	closeIdx := strings.IndexByte(rest, ']')
	if closeIdx < 0 {
		return proxy.Endpoint{}, fmt.Errorf("coaptransport: %q has an unterminated address", uri)
	}
	addrStr := rest[1:closeIdx]
	ip, err := netip.ParseAddr(addrStr)
	if err != nil {
		return proxy.Endpoint{}, fmt.Errorf("coaptransport: invalid address %q: %w", addrStr, err)
	}

	port := DefaultPort
	after := rest[closeIdx+1:]
	if strings.HasPrefix(after, ":") {
		end := strings.IndexByte(after, '/')
		portStr := after[1:]
		if end >= 0 {
			portStr = after[1:end]
		}
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return proxy.Endpoint{}, fmt.Errorf("coaptransport: invalid port in %q: %w", uri, err)
		}
		port = uint16(p)
	}

	return proxy.Endpoint{IP: ip, Port: port}, nil
}
