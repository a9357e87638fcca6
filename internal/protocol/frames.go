package protocol

// Frame is satisfied by every concrete frame type. It carries no behavior
// beyond naming its wire tag; the codec type-switches on the concrete type
// to encode, and constructs the concrete type to decode.
type Frame interface {
	Type() FrameType
}

// HandshakeFrame is sent by the client to greet the server. TunnelID is the
// routing identifier the client requests to be bound to (matched against the
// HTTP ingress's normalized Host header); empty means the client is not
// requesting HTTP routing (e.g. a TCP-only tunnel selected purely by
// capability).
type HandshakeFrame struct {
	Version      uint8
	Token        string
	TunnelID     string
	Capabilities []string
}

func (HandshakeFrame) Type() FrameType { return FrameTypeHandshake }

// HandshakeAckFrame is the server's reply to a Handshake.
type HandshakeAckFrame struct {
	Status             HandshakeStatus
	SessionID          string
	ServerCapabilities []string
}

func (HandshakeAckFrame) Type() FrameType { return FrameTypeHandshakeAck }

// OpenStreamFrame requests a new logical stream.
type OpenStreamFrame struct {
	StreamID uint32
	Protocol StreamProtocol
	Headers  []HeaderPair
	// BodyHint carries the optional declared body length. HasBodyHint
	// distinguishes "0 bytes" from "unknown", mirroring option<u64>.
	BodyHint    uint64
	HasBodyHint bool
}

func (OpenStreamFrame) Type() FrameType { return FrameTypeOpenStream }

// HeaderPair is a single (name, value) header tuple carried on OpenStream.
type HeaderPair struct {
	Name  string
	Value string
}

// StreamAckFrame answers a peer's OpenStream.
type StreamAckFrame struct {
	StreamID uint32
	Status   StreamAckStatus
}

func (StreamAckFrame) Type() FrameType { return FrameTypeStreamAck }

// DataFrame carries a bulk payload for a logical stream. This is the
// fast-path frame: Data aliases the buffer it was decoded from and must not
// be mutated after it is handed off (see Codec.Decode).
type DataFrame struct {
	StreamID    uint32
	Data        []byte
	EndOfStream bool
}

func (DataFrame) Type() FrameType { return FrameTypeData }

// CloseStreamFrame tells the peer a logical stream is finished.
type CloseStreamFrame struct {
	StreamID uint32
	Reason   CloseReasonKind
	// ErrorMessage is only meaningful when Reason == CloseError.
	ErrorMessage string
}

func (CloseStreamFrame) Type() FrameType { return FrameTypeCloseStream }

// HeartbeatFrame is a liveness probe (client → server).
type HeartbeatFrame struct {
	Timestamp uint64
}

func (HeartbeatFrame) Type() FrameType { return FrameTypeHeartbeat }

// HeartbeatAckFrame answers a Heartbeat (server → client).
type HeartbeatAckFrame struct {
	Timestamp uint64
}

func (HeartbeatAckFrame) Type() FrameType { return FrameTypeHeartbeatAck }

// ErrorFrame reports a protocol-level error, optionally scoped to one stream.
type ErrorFrame struct {
	StreamID    uint32
	HasStreamID bool
	Code        ErrorCode
	Message     string
}

func (ErrorFrame) Type() FrameType { return FrameTypeError }

// PriorityOf returns the priority class a frame should be sent at, per
// spec §4.3. Data frames default to Normal; callers that know a Data frame
// carries bulk (non-interactive) payload should downgrade it to
// PriorityLow explicitly before enqueuing.
func PriorityOf(f Frame) Priority {
	switch v := f.(type) {
	case *HandshakeAckFrame:
		return PriorityCritical
	case *ErrorFrame:
		return PriorityCritical
	case *CloseStreamFrame:
		if v.Reason == CloseProtocolViolation {
			return PriorityCritical
		}
		return PriorityHigh
	case *HeartbeatFrame, *HeartbeatAckFrame, *OpenStreamFrame, *StreamAckFrame:
		return PriorityHigh
	case *DataFrame:
		return PriorityNormal
	default:
		return PriorityNormal
	}
}
