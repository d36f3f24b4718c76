package probe

import (
	"context"
	"math"
	stdnet "net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/net"

	"github.com/a1tools/agent/internal/platform"
)

// dialTimeout bounds the latency measurement.
const dialTimeout = 2 * time.Second

// vpnTokens identify tunnel adapters by name or description.
var vpnTokens = []string{
	"tun", "tap", "wg", "ppp", "utun", "ipsec", "vpn",
	"wireguard", "tailscale", "zerotier", "anyconnect", "fortinet", "globalprotect",
}

var wifiTokens = []string{"wl", "wi-fi", "wifi", "wireless", "airport"}

var ethernetTokens = []string{"eth", "en", "em", "ethernet", "local area connection"}

// ConnectivityResult holds reachability and link facts.
type ConnectivityResult struct {
	Online         bool
	LatencyMS      *float64
	ConnectionType string
	WifiName       string
	VPN            bool
}

// ConnectivityProbe measures reachability of the server and classifies the
// active network link.
type ConnectivityProbe struct {
	// Target is the host:port dialed to measure latency. Empty means
	// reachability is inferred from interface state alone.
	Target   string
	Platform platform.Platform
}

// Name returns the probe identifier.
func (p *ConnectivityProbe) Name() string { return "connectivity" }

// Collect dials the target and inspects network interfaces.
func (p *ConnectivityProbe) Collect(ctx context.Context) (interface{}, error) {
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	result := ConnectivityResult{ConnectionType: "unknown"}
	if p.Platform != nil {
		if ssid, err := p.Platform.WifiSSID(ctx); err == nil {
			result.WifiName = ssid
		}
	}
	active := activeInterfaces(ifaces)
	result.ConnectionType, result.VPN = classifyLinks(active, result.WifiName != "")

	if p.Target == "" {
		result.Online = len(active) > 0
		return result, nil
	}

	dialer := stdnet.Dialer{Timeout: dialTimeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", p.Target)
	if err != nil {
		return result, nil
	}
	conn.Close()
	latency := math.Round(float64(time.Since(start).Microseconds())/10) / 100
	result.Online = true
	result.LatencyMS = &latency
	return result, nil
}

// activeInterfaces returns names of interfaces that are up, not loopback and
// carry a routable address.
func activeInterfaces(ifaces net.InterfaceStatList) []string {
	var names []string
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, err := stdnet.ParseCIDR(addr.Addr)
			if err != nil {
				ip = stdnet.ParseIP(addr.Addr)
			}
			if ip != nil && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
				names = append(names, iface.Name)
				break
			}
		}
	}
	return names
}

// classifyLinks picks the connection type from active interface names.
// A known SSID means the machine is on Wi-Fi even when the adapter name is
// generic (macOS en0).
func classifyLinks(names []string, haveSSID bool) (connType string, vpn bool) {
	connType = "unknown"
	wifi, ethernet := haveSSID, false
	for _, name := range names {
		n := strings.ToLower(name)
		switch {
		case matchesAny(n, vpnTokens):
			vpn = true
		case matchesAny(n, wifiTokens):
			wifi = true
		case matchesAny(n, ethernetTokens):
			ethernet = true
		}
	}
	switch {
	case wifi:
		connType = "wifi"
	case ethernet:
		connType = "ethernet"
	}
	return connType, vpn
}

// matchesAny reports whether name starts with any token or, for multi-word
// tokens, contains it.
func matchesAny(name string, tokens []string) bool {
	for _, t := range tokens {
		if strings.HasPrefix(name, t) {
			return true
		}
		if len(t) > 3 && strings.Contains(name, t) {
			return true
		}
	}
	return false
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
