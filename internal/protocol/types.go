// Package protocol implements the FerroTunnel wire protocol: the tagged frame
// model, the length-prefixed codec with a fast path for bulk data, and the
// per-worker buffer pool used by the hot encode/decode paths.
package protocol

// FrameType tags every frame on the wire. 0x01 is reserved for Data, the
// fast-path frame; every other value goes through the control-frame codec.
// Values are pinned explicitly and must never be renumbered once shipped.
type FrameType uint8

const (
	FrameTypeData         FrameType = 0x01
	FrameTypeHandshake    FrameType = 0x02
	FrameTypeHandshakeAck FrameType = 0x03
	FrameTypeOpenStream   FrameType = 0x04
	FrameTypeStreamAck    FrameType = 0x05
	FrameTypeCloseStream  FrameType = 0x06
	FrameTypeHeartbeat    FrameType = 0x07
	FrameTypeHeartbeatAck FrameType = 0x08
	FrameTypeError        FrameType = 0x09
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeData:
		return "Data"
	case FrameTypeHandshake:
		return "Handshake"
	case FrameTypeHandshakeAck:
		return "HandshakeAck"
	case FrameTypeOpenStream:
		return "OpenStream"
	case FrameTypeStreamAck:
		return "StreamAck"
	case FrameTypeCloseStream:
		return "CloseStream"
	case FrameTypeHeartbeat:
		return "Heartbeat"
	case FrameTypeHeartbeatAck:
		return "HeartbeatAck"
	case FrameTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// HandshakeStatus is the server's verdict on a client Handshake.
type HandshakeStatus uint8

const (
	HandshakeSuccess HandshakeStatus = iota
	HandshakeInvalidToken
	HandshakeUnsupportedVersion
	HandshakeRateLimited
)

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeSuccess:
		return "Success"
	case HandshakeInvalidToken:
		return "InvalidToken"
	case HandshakeUnsupportedVersion:
		return "UnsupportedVersion"
	case HandshakeRateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}

// StreamProtocol identifies what an OpenStream frame carries.
type StreamProtocol uint8

const (
	ProtocolHTTP StreamProtocol = iota
	ProtocolHTTPS
	ProtocolWebSocket
	ProtocolGRPC
	ProtocolTCP
)

func (p StreamProtocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "HTTP"
	case ProtocolHTTPS:
		return "HTTPS"
	case ProtocolWebSocket:
		return "WebSocket"
	case ProtocolGRPC:
		return "GRPC"
	case ProtocolTCP:
		return "TCP"
	default:
		return "Unknown"
	}
}

// StreamAckStatus is the response to a peer's OpenStream.
type StreamAckStatus uint8

const (
	StreamAccepted StreamAckStatus = iota
	StreamRejected
	StreamBackpressureApplied
)

// CloseReasonKind tags why a stream was closed. Error carries a free-text
// message alongside it (see CloseStreamFrame.ErrorMessage).
type CloseReasonKind uint8

const (
	CloseNormal CloseReasonKind = iota
	CloseTimeout
	CloseError
	CloseLocalServiceUnreachable
	CloseProtocolViolation
)

func (r CloseReasonKind) String() string {
	switch r {
	case CloseNormal:
		return "Normal"
	case CloseTimeout:
		return "Timeout"
	case CloseError:
		return "Error"
	case CloseLocalServiceUnreachable:
		return "LocalServiceUnreachable"
	case CloseProtocolViolation:
		return "ProtocolViolation"
	default:
		return "Unknown"
	}
}

// ErrorCode classifies an Error frame's cause.
type ErrorCode uint8

const (
	ErrorCodeProtocol ErrorCode = iota
	ErrorCodeAuthentication
	ErrorCodeTimeout
	ErrorCodeResource
	ErrorCodeIO
	ErrorCodeConfiguration
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeProtocol:
		return "Protocol"
	case ErrorCodeAuthentication:
		return "Authentication"
	case ErrorCodeTimeout:
		return "Timeout"
	case ErrorCodeResource:
		return "Resource"
	case ErrorCodeIO:
		return "IO"
	case ErrorCodeConfiguration:
		return "Configuration"
	default:
		return "Unknown"
	}
}

// Priority ranks outbound frames for the batched sender. Critical is
// highest, Low is lowest. Values are ordered so a direct > comparison
// ranks them.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "Critical"
	case PriorityHigh:
		return "High"
	case PriorityNormal:
		return "Normal"
	case PriorityLow:
		return "Low"
	default:
		return "Unknown"
	}
}
