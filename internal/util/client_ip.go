package util

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxies is the set of proxy address ranges whose forwarded
// headers are believed.
type TrustedProxies struct {
	ranges []*net.IPNet
}

// NewTrustedProxies builds the allowlist from CIDR or plain IP entries.
// Blank entries are skipped; an empty list yields nil, meaning no proxy
// is trusted.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	ranges := make([]*net.IPNet, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		r, err := parseProxyEntry(entry)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return nil, nil
	}
	return &TrustedProxies{ranges: ranges}, nil
}

func parseProxyEntry(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, cidr, err := net.ParseCIDR(entry)
		return cidr, err
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, &net.ParseError{Type: "IP address", Text: entry}
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Contains reports whether ip falls inside any trusted range.
func (t *TrustedProxies) Contains(ip net.IP) bool {
	if t == nil || ip == nil {
		return false
	}
	for _, r := range t.ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller address for rate limiting and audit logs.
// X-Forwarded-For and X-Real-IP are consulted only when the direct peer
// is a trusted proxy; otherwise the socket address wins.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer := peerIP(r.RemoteAddr)
	if peer == nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.Contains(peer) {
		return peer.String()
	}

	if chain := forwardedChain(r.Header.Get("X-Forwarded-For")); len(chain) > 0 {
		// Walk right to left past the trusted hops; the first untrusted
		// address is the real client.
		chain = append(chain, peer)
		for i := len(chain) - 1; i >= 0; i-- {
			if !trusted.Contains(chain[i]) {
				return chain[i].String()
			}
		}
		return chain[0].String()
	}

	if real := parseAddr(r.Header.Get("X-Real-IP")); real != nil {
		return real.String()
	}
	return peer.String()
}

// forwardedChain parses an X-Forwarded-For value, dropping entries that
// are not valid addresses.
func forwardedChain(raw string) []net.IP {
	parts := strings.Split(raw, ",")
	chain := make([]net.IP, 0, len(parts))
	for _, part := range parts {
		if ip := parseAddr(part); ip != nil {
			chain = append(chain, ip)
		}
	}
	return chain
}

func peerIP(addr string) net.IP {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return parseAddr(host)
	}
	return parseAddr(addr)
}

func parseAddr(raw string) net.IP {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return net.ParseIP(raw)
}
