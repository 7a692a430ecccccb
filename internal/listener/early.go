package listener

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/philsphicas/vlessrelay/internal/protocol"
)

// earlyData decodes a base64url value carrying the first channel message.
// Values that do not decode, or decode to fewer bytes than a minimal
// request header, are not early data.
func earlyData(value string) []byte {
	value = strings.TrimSpace(value)
	if value == "" || strings.Contains(value, ",") {
		return nil
	}
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil || len(b) < protocol.MinRequestLen {
		return nil
	}
	return b
}

// upgradeEarlyData returns early data carried in the Sec-WebSocket-Protocol
// header along with the subprotocol to echo back.
func upgradeEarlyData(h http.Header) (data []byte, subprotocol string) {
	values := h.Values("Sec-WebSocket-Protocol")
	if len(values) != 1 {
		return nil, ""
	}
	if data = earlyData(values[0]); data == nil {
		return nil, ""
	}
	return data, strings.TrimSpace(values[0])
}
