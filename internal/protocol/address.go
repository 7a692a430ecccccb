// Package protocol defines the wire format of the VLESS-style relay protocol.
//
// Every session begins with a single binary request message from the client
// carrying the user identifier, command, and destination, optionally followed
// by the first payload bytes. The server answers with a fixed two-byte
// response once the upstream connection is open, after which the channel
// carries raw payload (TCP) or length-prefixed datagrams (UDP).
package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Address type tags.
const (
	AddrIPv4   byte = 1
	AddrDomain byte = 2
	AddrIPv6   byte = 3
)

// MaxDomainLen is the largest domain name the one-byte length field can carry.
const MaxDomainLen = 255

// Address is a decoded destination address. IP is valid for AddrIPv4 and
// AddrIPv6; Domain is set for AddrDomain.
type Address struct {
	Type   byte
	IP     netip.Addr
	Domain string
}

// String returns the host text used for dialing and logging.
func (a Address) String() string {
	switch a.Type {
	case AddrIPv4:
		return a.IP.String()
	case AddrIPv6:
		return formatIPv6(a.IP.As16())
	case AddrDomain:
		return a.Domain
	}
	return ""
}

// DecodeAddress reads a type-tagged address starting at b[off]. It returns
// the address and the number of bytes consumed, tag included.
func DecodeAddress(b []byte, off int) (Address, int, error) {
	if off < 0 || off >= len(b) {
		return Address{}, 0, fmt.Errorf("address type: %w", ErrTruncated)
	}
	body := b[off+1:]
	switch tag := b[off]; tag {
	case AddrIPv4:
		if len(body) < 4 {
			return Address{}, 0, fmt.Errorf("ipv4 needs 4 bytes, have %d: %w", len(body), ErrMalformedAddress)
		}
		return Address{Type: AddrIPv4, IP: netip.AddrFrom4([4]byte(body[:4]))}, 5, nil
	case AddrDomain:
		if len(body) < 1 {
			return Address{}, 0, fmt.Errorf("missing domain length: %w", ErrMalformedAddress)
		}
		n := int(body[0])
		if n == 0 {
			return Address{}, 0, fmt.Errorf("empty domain: %w", ErrMalformedAddress)
		}
		if len(body) < 1+n {
			return Address{}, 0, fmt.Errorf("domain needs %d bytes, have %d: %w", n, len(body)-1, ErrMalformedAddress)
		}
		return Address{Type: AddrDomain, Domain: string(body[1 : 1+n])}, 2 + n, nil
	case AddrIPv6:
		if len(body) < 16 {
			return Address{}, 0, fmt.Errorf("ipv6 needs 16 bytes, have %d: %w", len(body), ErrMalformedAddress)
		}
		return Address{Type: AddrIPv6, IP: netip.AddrFrom16([16]byte(body[:16]))}, 17, nil
	default:
		return Address{}, 0, fmt.Errorf("address type %d: %w", tag, ErrUnknownAddressType)
	}
}

// AppendAddress appends the wire form of host to dst. IP literals are
// encoded as IPv4 or IPv6; anything else is sent as a domain name.
func AppendAddress(dst []byte, host string) ([]byte, error) {
	if ip, err := netip.ParseAddr(host); err == nil && ip.Zone() == "" {
		if ip.Is4() {
			a := ip.As4()
			return append(append(dst, AddrIPv4), a[:]...), nil
		}
		a := ip.As16()
		return append(append(dst, AddrIPv6), a[:]...), nil
	}
	if len(host) == 0 || len(host) > MaxDomainLen {
		return dst, fmt.Errorf("domain length %d out of range: %w", len(host), ErrMalformedAddress)
	}
	dst = append(dst, AddrDomain, byte(len(host)))
	return append(dst, host...), nil
}

// formatIPv6 renders 16 bytes as eight lowercase hex groups, replacing the
// first longest run of two or more zero groups with "::". IPv4-mapped
// addresses stay in hex form.
func formatIPv6(b [16]byte) string {
	var groups [8]uint16
	for i := range groups {
		groups[i] = binary.BigEndian.Uint16(b[2*i:])
	}

	bestStart, bestLen := -1, 0
	for i := 0; i < 8; {
		if groups[i] != 0 {
			i++
			continue
		}
		j := i
		for j < 8 && groups[j] == 0 {
			j++
		}
		if j-i > bestLen {
			bestStart, bestLen = i, j-i
		}
		i = j
	}
	if bestLen < 2 {
		bestStart = -1
	}

	var sb strings.Builder
	sb.Grow(39)
	for i := 0; i < 8; i++ {
		if i == bestStart {
			sb.WriteString("::")
			i += bestLen - 1
			continue
		}
		if i > 0 && i != bestStart+bestLen {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.FormatUint(uint64(groups[i]), 16))
	}
	return sb.String()
}
