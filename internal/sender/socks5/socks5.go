// Package socks5 implements the server side of a minimal SOCKS5 handshake
// (RFC 1928): no authentication and the CONNECT command only. The client
// uses it to learn each local connection's destination before tunneling
// it to the relay.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"strconv"
)

// Protocol constants.
const (
	Version5 = 0x05

	AuthNone         = 0x00
	AuthNoAcceptable = 0xFF

	CmdConnect = 0x01

	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04

	RepSuccess              = 0x00
	RepGeneralFailure       = 0x01
	RepConnectionNotAllowed = 0x02
	RepNetworkUnreachable   = 0x03
	RepHostUnreachable      = 0x04
	RepConnectionRefused    = 0x05
	RepTTLExpired           = 0x06
	RepCommandNotSupported  = 0x07
	RepAddressNotSupported  = 0x08
)

// Request is a parsed CONNECT request.
type Request struct {
	Host string // IP literal or domain name
	Port uint16
}

// String returns host:port.
func (r Request) String() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Handshake negotiates "no auth" with the client on conn and reads its
// CONNECT request. The caller sends the final reply with SendReply.
func Handshake(conn io.ReadWriter) (Request, error) {
	if err := negotiateAuth(conn); err != nil {
		return Request{}, err
	}

	// VER | CMD | RSV | ATYP
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return Request{}, fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != Version5 {
		return Request{}, fmt.Errorf("unsupported SOCKS version in request: %d", hdr[0])
	}
	if hdr[1] != CmdConnect {
		_ = SendReply(conn, RepCommandNotSupported, netip.AddrPort{})
		return Request{}, fmt.Errorf("unsupported SOCKS command: %d", hdr[1])
	}

	host, err := readHost(conn, hdr[3])
	if err != nil {
		return Request{}, err
	}
	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return Request{}, fmt.Errorf("read port: %w", err)
	}
	return Request{Host: host, Port: binary.BigEndian.Uint16(port[:])}, nil
}

// negotiateAuth reads VER | NMETHODS | METHODS and selects "no auth".
func negotiateAuth(conn io.ReadWriter) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("read auth header: %w", err)
	}
	if hdr[0] != Version5 {
		return fmt.Errorf("unsupported SOCKS version: %d", hdr[0])
	}
	if hdr[1] == 0 {
		return errors.New("no auth methods offered")
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read auth methods: %w", err)
	}
	if !slices.Contains(methods, AuthNone) {
		_, _ = conn.Write([]byte{Version5, AuthNoAcceptable})
		return errors.New("client does not support no-auth")
	}
	if _, err := conn.Write([]byte{Version5, AuthNone}); err != nil {
		return fmt.Errorf("write auth reply: %w", err)
	}
	return nil
}

func readHost(conn io.ReadWriter, atyp byte) (string, error) {
	switch atyp {
	case AddrIPv4:
		var b [4]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return "", fmt.Errorf("read IPv4: %w", err)
		}
		return netip.AddrFrom4(b).String(), nil
	case AddrIPv6:
		var b [16]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return "", fmt.Errorf("read IPv6: %w", err)
		}
		return netip.AddrFrom16(b).String(), nil
	case AddrDomain:
		var n [1]byte
		if _, err := io.ReadFull(conn, n[:]); err != nil {
			return "", fmt.Errorf("read domain length: %w", err)
		}
		if n[0] == 0 {
			_ = SendReply(conn, RepAddressNotSupported, netip.AddrPort{})
			return "", errors.New("empty domain name")
		}
		domain := make([]byte, n[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", fmt.Errorf("read domain: %w", err)
		}
		return string(domain), nil
	default:
		_ = SendReply(conn, RepAddressNotSupported, netip.AddrPort{})
		return "", fmt.Errorf("unsupported address type: %d", atyp)
	}
}

// SendReply sends a reply with the given code. An invalid bind address is
// sent as 0.0.0.0:0.
func SendReply(conn io.Writer, rep byte, bind netip.AddrPort) error {
	reply := make([]byte, 0, 22)
	reply = append(reply, Version5, rep, 0x00)

	addr := bind.Addr().Unmap()
	switch {
	case addr.Is4():
		reply = append(reply, AddrIPv4)
		reply = append(reply, addr.AsSlice()...)
	case addr.Is6():
		reply = append(reply, AddrIPv6)
		reply = append(reply, addr.AsSlice()...)
	default:
		reply = append(reply, AddrIPv4, 0, 0, 0, 0)
		bind = netip.AddrPort{}
	}
	reply = binary.BigEndian.AppendUint16(reply, bind.Port())

	_, err := conn.Write(reply)
	return err
}
