// Package validate implements the SSRF-mitigating URL checks applied to
// client-supplied source_url and notify_url values.
package validate

import (
	"fmt"
	"net"
	"net/url"
)

// PublicURL checks that raw parses to an http(s) URL whose host resolves
// to a non-private, non-loopback, non-link-local address. When
// allowPrivate is true the resolution check is skipped entirely (escape
// hatch for tests driving the Manager against localhost stand-ins).
func PublicURL(raw string, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url must include a host")
	}
	if allowPrivate {
		return nil
	}

	ips, err := net.LookupIP(u.Hostname())
	if err != nil {
		return fmt.Errorf("resolve url host: %w", err)
	}
	for _, ip := range ips {
		if isDisallowed(ip) {
			return fmt.Errorf("url host resolves to a disallowed address: %s", ip)
		}
	}
	return nil
}

func isDisallowed(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
