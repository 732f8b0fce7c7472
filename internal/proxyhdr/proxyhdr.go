// Package proxyhdr builds the PROXY protocol v2 header written in front of every backend stream.
//
// Address parsing is narrower than net.ParseIP: only plain dotted-quad IPv4 and
// colon-separated hextet IPv6 (with at most one "::") are accepted. Anything else, including
// zones and IPv4-suffixed IPv6 forms, is treated as unknown and the header falls back to the
// IPv4 loopback address so the backend always receives a well-formed header.
package proxyhdr

import (
	"net"
	"strconv"
	"strings"

	"github.com/pires/go-proxyproto"
)

// Family is the address family detected for a textual address.
type Family int

const (
	Invalid Family = iota
	IPv4
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "invalid"
	}
}

var (
	loopback4 = net.IP{127, 0, 0, 1}
	loopback6 = net.IP{15: 1}
)

// fallback is the header sent when formatting fails; it cannot fail for a TCPv4 header.
var fallback = mustFormat(Header("127.0.0.1", 0, "127.0.0.1", 0))

// Classify reports which family addr belongs to.
func Classify(addr string) Family {
	if _, ok := parseIPv4(addr); ok {
		return IPv4
	}
	if _, ok := parseIPv6(addr); ok {
		return IPv6
	}
	return Invalid
}

// Header returns the PROXY v2 header describing a TCP stream from src to dst.
// The destination is always expressed in the source's family; a destination of another
// family (or an unparsable one) is replaced by that family's loopback address.
func Header(src string, srcPort uint16, dst string, dstPort uint16) *proxyproto.Header {
	var (
		srcIP, dstIP net.IP
		transport    proxyproto.AddressFamilyAndProtocol
	)
	if a, ok := parseIPv4(src); ok {
		transport, srcIP, dstIP = proxyproto.TCPv4, a[:], loopback4
		if d, ok := parseIPv4(dst); ok {
			dstIP = d[:]
		}
	} else if a, ok := parseIPv6(src); ok {
		transport, srcIP, dstIP = proxyproto.TCPv6, a[:], loopback6
		if d, ok := parseIPv6(dst); ok {
			dstIP = d[:]
		}
	} else {
		transport, srcIP, dstIP = proxyproto.TCPv4, loopback4, loopback4
	}
	return &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        &net.TCPAddr{IP: srcIP, Port: int(srcPort)},
		DestinationAddr:   &net.TCPAddr{IP: dstIP, Port: int(dstPort)},
	}
}

// Encode returns the binary header: 28 bytes for IPv4, 52 bytes for IPv6.
// It never fails; unknown source addresses degrade to 127.0.0.1 on both ends.
func Encode(src string, srcPort uint16, dst string, dstPort uint16) []byte {
	b, err := Header(src, srcPort, dst, dstPort).Format()
	if err != nil {
		return append([]byte(nil), fallback...)
	}
	return b
}

func mustFormat(h *proxyproto.Header) []byte {
	b, err := h.Format()
	if err != nil {
		panic("proxyhdr: " + err.Error())
	}
	return b
}

func parseIPv4(s string) (ip [4]byte, ok bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return ip, false
	}
	for i, p := range parts {
		if len(p) == 0 || len(p) > 3 || !allDigits(p) {
			return ip, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return ip, false
		}
		ip[i] = byte(n)
	}
	return ip, true
}

func parseIPv6(s string) (ip [16]byte, ok bool) {
	if s == "" {
		return ip, false
	}
	head, tail, elided := s, "", false
	if i := strings.Index(s, "::"); i >= 0 {
		if strings.Contains(s[i+2:], "::") {
			return ip, false
		}
		head, tail, elided = s[:i], s[i+2:], true
	}
	front, ok := hextets(head)
	if !ok {
		return ip, false
	}
	back, ok := hextets(tail)
	if !ok {
		return ip, false
	}
	n := len(front) + len(back)
	if (elided && n > 7) || (!elided && n != 8) {
		return ip, false
	}
	for i, h := range front {
		ip[2*i], ip[2*i+1] = byte(h>>8), byte(h)
	}
	off := 16 - 2*len(back)
	for i, h := range back {
		ip[off+2*i], ip[off+2*i+1] = byte(h>>8), byte(h)
	}
	return ip, true
}

// hextets splits a colon separated run of 1-4 digit hex groups. An empty run is valid.
func hextets(s string) ([]uint16, bool) {
	if s == "" {
		return nil, true
	}
	parts := strings.Split(s, ":")
	out := make([]uint16, 0, len(parts))
	for _, p := range parts {
		if len(p) == 0 || len(p) > 4 {
			return nil, false
		}
		v, err := strconv.ParseUint(p, 16, 16)
		if err != nil {
			return nil, false
		}
		out = append(out, uint16(v))
	}
	return out, true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
