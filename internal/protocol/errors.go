package protocol

import (
	"context"
	"errors"
)

// Failure taxonomy. Every session failure wraps exactly one of these.
var (
	ErrTruncated          = errors.New("truncated message")
	ErrMalformedAddress   = errors.New("malformed address")
	ErrUnknownAddressType = errors.New("unknown address type")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrAuthFailure        = errors.New("unknown user")
	ErrNotAllowed         = errors.New("destination not allowed")
	ErrUpstreamConnect    = errors.New("upstream connect failed")
	ErrFraming            = errors.New("udp framing error")
	ErrChannel            = errors.New("channel error")
	ErrUpstream           = errors.New("upstream error")
	ErrHandshakeTimeout   = errors.New("handshake timeout")
	ErrIdleTimeout        = errors.New("idle timeout")
)

// CloseReason enumerates why a session ended. Each reason has one close
// status and one public text; the text never names the failing field.
type CloseReason int

const (
	ReasonNormal CloseReason = iota
	ReasonShutdown
	ReasonInvalidData
	ReasonMalformedAddress
	ReasonUnsupportedAddress
	ReasonUnsupportedCommand
	ReasonInvalidUser
	ReasonNotAllowed
	ReasonBadGateway
	ReasonFraming
	ReasonChannelError
	ReasonUpstreamError
	ReasonHandshakeTimeout
	ReasonIdleTimeout
)

var reasonInfo = [...]struct {
	name   string
	code   uint16
	public string
}{
	ReasonNormal:             {"normal", 1000, "done"},
	ReasonShutdown:           {"shutdown", 1001, "going away"},
	ReasonInvalidData:        {"invalid_data", 4000, "invalid data format"},
	ReasonMalformedAddress:   {"malformed_address", 4001, "request rejected"},
	ReasonUnsupportedAddress: {"unsupported_address", 4002, "request rejected"},
	ReasonUnsupportedCommand: {"unsupported_command", 4003, "request rejected"},
	ReasonInvalidUser:        {"invalid_user", 4004, "request rejected"},
	ReasonNotAllowed:         {"not_allowed", 4005, "request rejected"},
	ReasonBadGateway:         {"bad_gateway", 4006, "bad gateway"},
	ReasonFraming:            {"framing_error", 4007, "invalid data format"},
	ReasonChannelError:       {"channel_error", 4008, "channel error"},
	ReasonUpstreamError:      {"upstream_error", 4009, "upstream closed"},
	ReasonHandshakeTimeout:   {"handshake_timeout", 4010, "timeout"},
	ReasonIdleTimeout:        {"idle_timeout", 4011, "timeout"},
}

// String returns the reason's metric/log label.
func (r CloseReason) String() string {
	if r < 0 || int(r) >= len(reasonInfo) {
		return "unknown"
	}
	return reasonInfo[r].name
}

// Code returns the WebSocket close status sent to the peer.
func (r CloseReason) Code() uint16 {
	if r < 0 || int(r) >= len(reasonInfo) {
		return 1011
	}
	return reasonInfo[r].code
}

// Text returns the generic close text sent to the peer.
func (r CloseReason) Text() string {
	if r < 0 || int(r) >= len(reasonInfo) {
		return "internal error"
	}
	return reasonInfo[r].public
}

// ReasonFor maps an error to its close reason. A nil error is a normal close.
func ReasonFor(err error) CloseReason {
	switch {
	case err == nil:
		return ReasonNormal
	case errors.Is(err, ErrTruncated):
		return ReasonInvalidData
	case errors.Is(err, ErrMalformedAddress):
		return ReasonMalformedAddress
	case errors.Is(err, ErrUnknownAddressType):
		return ReasonUnsupportedAddress
	case errors.Is(err, ErrUnsupportedCommand):
		return ReasonUnsupportedCommand
	case errors.Is(err, ErrAuthFailure):
		return ReasonInvalidUser
	case errors.Is(err, ErrNotAllowed):
		return ReasonNotAllowed
	case errors.Is(err, ErrUpstreamConnect):
		return ReasonBadGateway
	case errors.Is(err, ErrFraming):
		return ReasonFraming
	case errors.Is(err, ErrHandshakeTimeout):
		return ReasonHandshakeTimeout
	case errors.Is(err, ErrIdleTimeout):
		return ReasonIdleTimeout
	case errors.Is(err, ErrUpstream):
		return ReasonUpstreamError
	case errors.Is(err, context.Canceled):
		return ReasonShutdown
	default:
		return ReasonChannelError
	}
}
