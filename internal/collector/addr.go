package collector

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/a1tools/agent/internal/models"
)

// DefaultPublicIPURL answers with the caller's address as plain text.
const DefaultPublicIPURL = "https://api.ipify.org"

// localIPv4 returns the first non-loopback IPv4 address on an interface that
// is up, or "Unknown".
func localIPv4(ctx context.Context) string {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return models.Unknown
	}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip := parseAddr(addr.Addr)
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return models.Unknown
}

// parseAddr accepts both "10.0.0.5/24" and bare "10.0.0.5".
func parseAddr(s string) net.IP {
	if ip, _, err := net.ParseCIDR(s); err == nil {
		return ip
	}
	return net.ParseIP(s)
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// publicIP asks url for the agent's public address. The response body must be
// a bare IP.
func publicIP(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request public ip: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public ip lookup returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read public ip: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if net.ParseIP(text) == nil {
		return "", fmt.Errorf("public ip lookup returned %q", text)
	}
	return text, nil
}
