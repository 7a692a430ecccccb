package listener

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

type allowEntry struct {
	prefix  netip.Prefix // valid for IP and CIDR entries
	host    string       // lowercased, for hostname entries
	port    uint16
	anyPort bool
}

// AllowFunc compiles a destination allowlist. Entries can be:
//   - "host:port": exact hostname match, case-insensitive, no DNS resolution
//   - "IP:port" or "[IPv6]:port": exact address match
//   - "CIDR:port" or "CIDR:*": prefix match with exact or any port
//   - "*": allow everything
//
// Hostname entries are matched literally. Use CIDR notation for IP-based
// restrictions to avoid bypass via IP/hostname mismatch. An empty list
// returns a nil func, which permits every destination.
func AllowFunc(list []string) (func(host string, port uint16) bool, error) {
	if len(list) == 0 {
		return nil, nil
	}
	entries := make([]allowEntry, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "*" {
			return func(string, uint16) bool { return true }, nil
		}
		e, err := parseAllowEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return func(host string, port uint16) bool {
		return isAllowed(entries, host, port)
	}, nil
}

func parseAllowEntry(raw string) (allowEntry, error) {
	host, port, err := splitAllowEntry(raw)
	if err != nil {
		return allowEntry{}, err
	}
	var e allowEntry
	if port == "*" {
		e.anyPort = true
	} else {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return allowEntry{}, fmt.Errorf("allowlist entry %q: invalid port", raw)
		}
		e.port = uint16(p)
	}

	switch {
	case strings.Contains(host, "/"):
		prefix, err := netip.ParsePrefix(host)
		if err != nil {
			return allowEntry{}, fmt.Errorf("allowlist entry %q: %w", raw, err)
		}
		e.prefix = prefix.Masked()
	default:
		if addr, err := netip.ParseAddr(host); err == nil {
			addr = addr.Unmap()
			e.prefix = netip.PrefixFrom(addr, addr.BitLen())
		} else if host == "" {
			return allowEntry{}, fmt.Errorf("allowlist entry %q: missing host", raw)
		} else {
			e.host = strings.ToLower(strings.TrimSuffix(host, "."))
		}
	}
	return e, nil
}

// splitAllowEntry parses "host:port" or "CIDR:port" at the last colon, so
// unbracketed IPv6 entries still work. Brackets around the host are removed.
func splitAllowEntry(entry string) (host, port string, err error) {
	i := strings.LastIndexByte(entry, ':')
	if i < 0 {
		return "", "", fmt.Errorf("no port in allowlist entry: %s", entry)
	}
	host, port = entry[:i], entry[i+1:]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	return host, port, nil
}

func isAllowed(entries []allowEntry, host string, port uint16) bool {
	addr, err := netip.ParseAddr(host)
	isIP := err == nil
	if isIP {
		addr = addr.Unmap()
	}
	name := strings.ToLower(strings.TrimSuffix(host, "."))

	for _, e := range entries {
		if !e.anyPort && e.port != port {
			continue
		}
		if e.prefix.IsValid() {
			if isIP && e.prefix.Contains(addr) {
				return true
			}
		} else if !isIP && name == e.host {
			return true
		}
	}
	return false
}
