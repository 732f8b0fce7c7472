// Package httpx extracts client identity from the forwarding headers set by proxies in front of the gateway.
package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// DefaultClientAddress is reported when no forwarding header names the client.
const DefaultClientAddress = "127.0.0.1"

// Forwarding headers, in lookup order.
const (
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderCFConnectingIP = "CF-Connecting-IP"
	HeaderRealIP         = "X-Real-IP"
	HeaderForwardedPort  = "X-Forwarded-Port"
)

// ClientAddress returns the best-effort client address and port from h.
//
// The address is the first element of X-Forwarded-For, then CF-Connecting-IP, then X-Real-IP,
// else 127.0.0.1. The value is not validated here; the header encoder falls back to loopback for
// anything that is not an IP literal. The port comes from X-Forwarded-Port and is 0 when absent,
// out of range or not entirely decimal ("443abc" is 0).
func ClientAddress(h http.Header) (string, uint16) {
	return clientIP(h), clientPort(h)
}

func clientIP(h http.Header) string {
	if xff := h.Get(HeaderForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	for _, name := range []string{HeaderCFConnectingIP, HeaderRealIP} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return DefaultClientAddress
}

func clientPort(h http.Header) uint16 {
	v := strings.TrimSpace(h.Get(HeaderForwardedPort))
	if v == "" {
		return 0
	}
	p, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(p)
}

// RemoteIP extracts the IP portion of the request's transport peer address.
func RemoteIP(r *http.Request) string {
	h, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return h
}
