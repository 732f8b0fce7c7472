package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestClientAddressPriority(t *testing.T) {
	cases := []struct {
		name string
		h    http.Header
		want string
	}{
		{"none", header(), "127.0.0.1"},
		{"xff first element", header(HeaderForwardedFor, " 203.0.113.7 , 10.0.0.1", HeaderRealIP, "10.9.9.9"), "203.0.113.7"},
		{"xff single", header(HeaderForwardedFor, "2001:db8::1"), "2001:db8::1"},
		{"cloudflare over real-ip", header(HeaderCFConnectingIP, "198.51.100.4", HeaderRealIP, "10.9.9.9"), "198.51.100.4"},
		{"real-ip", header(HeaderRealIP, "192.0.2.55"), "192.0.2.55"},
		{"empty xff element falls through", header(HeaderForwardedFor, " , 10.0.0.1", HeaderRealIP, "192.0.2.1"), "192.0.2.1"},
		{"garbage passes through", header(HeaderForwardedFor, "unknown"), "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := ClientAddress(tc.h)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestClientPort(t *testing.T) {
	cases := map[string]uint16{
		"":       0,
		"443":    443,
		" 8080 ": 8080,
		"65535":  65535,
		"65536":  0,
		"-1":     0,
		"http":   0,
		"443abc": 0,
	}
	for in, want := range cases {
		h := http.Header{}
		if in != "" {
			h.Set(HeaderForwardedPort, in)
		}
		_, got := ClientAddress(h)
		require.Equal(t, want, got, "%q", in)
	}
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	require.Equal(t, "192.0.2.1", RemoteIP(r))
	r.RemoteAddr = "pipe"
	require.Equal(t, "pipe", RemoteIP(r))
}
