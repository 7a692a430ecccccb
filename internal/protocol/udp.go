package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxDatagramSize is the largest payload a two-byte length prefix can carry.
const MaxDatagramSize = 65535

// AppendDatagram appends payload to dst with its big-endian length prefix.
func AppendDatagram(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxDatagramSize {
		return dst, fmt.Errorf("datagram of %d bytes exceeds %d: %w", len(payload), MaxDatagramSize, ErrFraming)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// SplitDatagrams decodes a message holding zero or more length-prefixed
// datagrams. The returned payloads alias b. The framing cannot resynchronize,
// so any malformed frame rejects the whole message.
func SplitDatagrams(b []byte) ([][]byte, error) {
	var out [][]byte
	for off := 0; off < len(b); {
		if len(b)-off < 2 {
			return nil, fmt.Errorf("dangling length prefix at offset %d: %w", off, ErrFraming)
		}
		n := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if len(b)-off < n {
			return nil, fmt.Errorf("datagram declares %d bytes, %d remain: %w", n, len(b)-off, ErrFraming)
		}
		out = append(out, b[off:off+n:off+n])
		off += n
	}
	return out, nil
}
