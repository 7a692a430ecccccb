package socks5

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
)

func TestHandshakeIPv4(t *testing.T) {
	var buf bytes.Buffer
	// Auth: version 5, 1 method, no-auth
	buf.Write([]byte{0x05, 0x01, 0x00})
	// Request: version 5, CONNECT, RSV, IPv4
	buf.Write([]byte{0x05, 0x01, 0x00, 0x01})
	buf.Write(net.IPv4(10, 0, 0, 5).To4())
	binary.Write(&buf, binary.BigEndian, uint16(22))

	var resp bytes.Buffer
	rw := &readWriter{in: &buf, out: &resp}

	req, err := Handshake(rw)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if req.Host != "10.0.0.5" || req.Port != 22 {
		t.Errorf("request = %+v, want 10.0.0.5 port 22", req)
	}
	if req.String() != "10.0.0.5:22" {
		t.Errorf("String() = %q", req.String())
	}

	authReply := resp.Bytes()
	if len(authReply) < 2 || authReply[0] != 0x05 || authReply[1] != 0x00 {
		t.Errorf("auth reply = %x, want 0500", authReply)
	}
}

func TestHandshakeIPv6(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x02, 0x02, 0x00})
	buf.Write([]byte{0x05, 0x01, 0x00, 0x04})
	ip := netip.MustParseAddr("2001:db8::1").As16()
	buf.Write(ip[:])
	binary.Write(&buf, binary.BigEndian, uint16(8443))

	req, err := Handshake(&readWriter{in: &buf, out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if req.String() != "[2001:db8::1]:8443" {
		t.Errorf("target = %q, want [2001:db8::1]:8443", req.String())
	}
}

func TestHandshakeDomain(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x05, 0x01, 0x00})
	buf.Write([]byte{0x05, 0x01, 0x00, 0x03})
	domain := "example.com"
	buf.WriteByte(byte(len(domain)))
	buf.WriteString(domain)
	binary.Write(&buf, binary.BigEndian, uint16(443))

	req, err := Handshake(&readWriter{in: &buf, out: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if req.Host != "example.com" || req.Port != 443 {
		t.Errorf("request = %+v, want example.com port 443", req)
	}
}

func TestHandshakeRejects(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		reply byte // expected final reply code, 0 if none
	}{
		{"no no-auth", []byte{0x05, 0x01, 0x02}, 0},
		{"socks4", []byte{0x04, 0x01, 0x00}, 0},
		{"bind command", []byte{0x05, 0x01, 0x00, 0x05, 0x02, 0x00, 0x01}, RepCommandNotSupported},
		{"bad atyp", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x09}, RepAddressNotSupported},
		{"empty domain", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x03, 0x00}, RepAddressNotSupported},
		{"truncated port", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp bytes.Buffer
			_, err := Handshake(&readWriter{in: bytes.NewBuffer(tt.input), out: &resp})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.reply != 0 {
				out := resp.Bytes()
				// Skip the 2-byte auth reply.
				if len(out) < 4 || out[3] != tt.reply {
					t.Errorf("reply = %x, want code %d", out, tt.reply)
				}
			}
		})
	}
}

func TestSendReply(t *testing.T) {
	t.Run("ipv4", func(t *testing.T) {
		var buf bytes.Buffer
		if err := SendReply(&buf, RepSuccess, netip.MustParseAddrPort("127.0.0.1:1080")); err != nil {
			t.Fatal(err)
		}
		want := []byte{0x05, RepSuccess, 0x00, AddrIPv4, 127, 0, 0, 1, 0x04, 0x38}
		if !bytes.Equal(buf.Bytes(), want) {
			t.Errorf("reply = %x, want %x", buf.Bytes(), want)
		}
	})

	t.Run("ipv6", func(t *testing.T) {
		var buf bytes.Buffer
		if err := SendReply(&buf, RepSuccess, netip.MustParseAddrPort("[::1]:80")); err != nil {
			t.Fatal(err)
		}
		data := buf.Bytes()
		if len(data) != 22 || data[3] != AddrIPv6 {
			t.Errorf("reply = %x, want 22-byte IPv6 reply", data)
		}
	})

	t.Run("zero", func(t *testing.T) {
		var buf bytes.Buffer
		if err := SendReply(&buf, RepHostUnreachable, netip.AddrPort{}); err != nil {
			t.Fatal(err)
		}
		want := []byte{0x05, RepHostUnreachable, 0x00, AddrIPv4, 0, 0, 0, 0, 0, 0}
		if !bytes.Equal(buf.Bytes(), want) {
			t.Errorf("reply = %x, want %x", buf.Bytes(), want)
		}
	})
}

// readWriter combines a Reader and Writer for testing.
type readWriter struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (rw *readWriter) Read(p []byte) (int, error)  { return rw.in.Read(p) }
func (rw *readWriter) Write(p []byte) (int, error) { return rw.out.Write(p) }
