package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Command selects how the session relays payload.
type Command byte

const (
	CommandTCP Command = 1
	CommandUDP Command = 2
)

// Network returns the dial network for the command ("tcp" or "udp").
func (c Command) Network() string {
	switch c {
	case CommandTCP:
		return "tcp"
	case CommandUDP:
		return "udp"
	}
	return "unknown"
}

func (c Command) String() string { return c.Network() }

// Request header layout. Offsets are from the start of the first message.
const (
	IDLen          = 16
	offOptions     = 16
	offCommand     = 17
	offPort        = 18
	offAddress     = 20
	MinRequestLen  = 18
	ResponseLength = 2
)

// Handshake is the decoded request header of a session.
type Handshake struct {
	UserID  [IDLen]byte
	Options byte
	Command Command
	Port    uint16
	Address Address

	// PayloadOffset is the index of the first payload byte in the message
	// the header was parsed from. Bytes from there on must be relayed.
	PayloadOffset int
}

// Target returns "host:port" for dialing and logging.
func (h *Handshake) Target() string {
	return net.JoinHostPort(h.Address.String(), strconv.Itoa(int(h.Port)))
}

// ParseHandshake decodes the request header at the start of b. It never
// reads past len(b).
func ParseHandshake(b []byte) (*Handshake, error) {
	if len(b) < MinRequestLen {
		return nil, fmt.Errorf("request is %d bytes, need at least %d: %w", len(b), MinRequestLen, ErrTruncated)
	}
	h := &Handshake{
		Options: b[offOptions],
		Command: Command(b[offCommand]),
	}
	copy(h.UserID[:], b[:IDLen])

	if h.Command != CommandTCP && h.Command != CommandUDP {
		return nil, fmt.Errorf("command %d: %w", b[offCommand], ErrUnsupportedCommand)
	}
	if len(b) < offAddress {
		return nil, fmt.Errorf("missing port: %w", ErrTruncated)
	}
	h.Port = binary.BigEndian.Uint16(b[offPort:offAddress])

	addr, n, err := DecodeAddress(b, offAddress)
	if err != nil {
		return nil, err
	}
	h.Address = addr
	h.PayloadOffset = offAddress + n
	return h, nil
}

// BuildResponse returns the success response: version echo and status.
func BuildResponse() []byte {
	return []byte{0x00, 0x00}
}

// AppendRequest appends a request header for the given user and destination
// to dst. Payload may be appended by the caller.
func AppendRequest(dst []byte, id [IDLen]byte, cmd Command, host string, port uint16) ([]byte, error) {
	dst = append(dst, id[:]...)
	dst = append(dst, 0, byte(cmd))
	dst = binary.BigEndian.AppendUint16(dst, port)
	return AppendAddress(dst, host)
}

// CheckResponse validates a server response message and returns any payload
// bytes that followed it.
func CheckResponse(b []byte) ([]byte, error) {
	if len(b) < ResponseLength {
		return nil, fmt.Errorf("response is %d bytes: %w", len(b), ErrTruncated)
	}
	if b[0] != 0x00 {
		return nil, fmt.Errorf("unexpected response version %d", b[0])
	}
	return b[ResponseLength:], nil
}
