//go:build windows

package platform

import "testing"

func TestParseNetshSSID(t *testing.T) {
	out := "    Name                   : Wi-Fi\r\n" +
		"    State                  : connected\r\n" +
		"    SSID                   : Field Office\r\n" +
		"    BSSID                  : aa:bb:cc:dd:ee:ff\r\n"
	if got := parseNetshSSID(out); got != "Field Office" {
		t.Errorf("parseNetshSSID = %q, want Field Office", got)
	}
}
