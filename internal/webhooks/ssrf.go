package webhooks

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/portdaddy/portd/internal/apierr"
)

var blockedSuffixes = []string{".local", ".localhost", ".internal"}

var blockedCIDRs = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("webhooks: invalid CIDR literal %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// ValidateURL enforces the subscription URL contract: only http/https
// schemes, and a hostname/address that does not resolve into a
// private, loopback, link-local, IPv6 multicast, or cloud-metadata range.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apierr.Validation("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apierr.Validation("webhook url must use http or https")
	}
	host := u.Hostname()
	if host == "" {
		return apierr.Validation("webhook url must include a host")
	}
	lower := strings.ToLower(host)
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return apierr.Validation("webhook url host %q is not permitted", host)
		}
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return apierr.Validation("could not resolve webhook host %q", host)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return apierr.Validation("webhook url host %q resolves to a disallowed address", host)
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, n := range blockedCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
