// Package expand turns CIDR ranges and FQDNs into candidate IP addresses.
package expand

import (
	"context"
	"fmt"
	"net"
)

// Resolver is the subset of net.Resolver the expander needs.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ExpandCIDR returns up to maxHosts usable host addresses from the network,
// in address order. Network and broadcast addresses are excluded; output is
// silently truncated when the network holds more hosts than maxHosts.
// Networks of /31 and /32 have no separate network/broadcast address, so all
// of their addresses are returned.
func ExpandCIDR(cidr string, maxHosts int) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	if maxHosts <= 0 {
		return nil, nil
	}

	ones, bits := ipNet.Mask.Size()
	hostBits := bits - ones
	// Cap so huge (IPv6-sized) networks do not overflow; truncation at
	// maxHosts stops the walk long before the cap matters.
	total := 1 << 30
	if hostBits < 30 {
		total = 1 << uint(hostBits)
	}

	// Point-to-point and single-host networks keep every address.
	if total <= 2 {
		hosts := make([]string, 0, total)
		for ip := cloneIP(ipNet.IP.Mask(ipNet.Mask)); ipNet.Contains(ip); incrementIP(ip) {
			hosts = append(hosts, ip.String())
			if len(hosts) >= maxHosts {
				break
			}
		}
		return hosts, nil
	}

	hosts := make([]string, 0, min(total-2, maxHosts))
	idx := 0
	for ip := cloneIP(ipNet.IP.Mask(ipNet.Mask)); ipNet.Contains(ip); incrementIP(ip) {
		// Index 0 is the network address, index total-1 the broadcast.
		if idx > 0 && idx < total-1 {
			hosts = append(hosts, ip.String())
			if len(hosts) >= maxHosts {
				break
			}
		}
		idx++
	}

	return hosts, nil
}

// ResolveFQDNs resolves each hostname to its set of addresses. A name that
// fails to resolve maps to an empty list; resolution failure is per-name and
// never fails the batch. A nil resolver uses net.DefaultResolver.
func ResolveFQDNs(ctx context.Context, resolver Resolver, names []string) map[string][]string {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	resolved := make(map[string][]string, len(names))
	for _, name := range names {
		addrs, err := resolver.LookupHost(ctx, name)
		if err != nil {
			resolved[name] = []string{}
			continue
		}
		resolved[name] = addrs
	}
	return resolved
}

func cloneIP(ip net.IP) net.IP {
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
