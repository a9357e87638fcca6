package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// DefaultMaxFrameSize is the default cap on a frame's payload (length-1
// bytes on the wire), per spec §4.1.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// frameHeaderSize is the [u32 length][u8 type] prefix common to all frames.
const frameHeaderSize = 5

// dataFrameHeaderSize is the fast-path payload prefix: [u32 stream_id][u8 flags].
const dataFrameHeaderSize = 5

const flagEndOfStream = 0x01

var (
	// ErrFrameTooLarge is returned by Encode/Decode when a frame's payload
	// exceeds the codec's configured max frame size (spec's InvalidData).
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max frame size")
	// ErrInvalidFrame is returned when the payload does not parse as its
	// declared frame type.
	ErrInvalidFrame = errors.New("protocol: malformed frame")
	// ErrUnknownFrameType is returned when the type tag has no known decoder.
	ErrUnknownFrameType = errors.New("protocol: unknown frame type")
)

// IsDecodeError reports whether err came from the codec rejecting its
// input (malformed, oversize, unknown type) rather than from the
// underlying reader. Session loops use it to tell a protocol violation
// apart from an ordinary I/O failure.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrUnknownFrameType)
}

// Codec encodes and decodes FerroTunnel frames. A Codec is safe for
// concurrent use; each control-frame EncodeParts call borrows its own
// scratch buffer from the shared pool.
type Codec struct {
	maxFrameSize uint32
	pool         *BufferPool
}

// NewCodec returns a Codec enforcing maxFrameSize on both encode and decode.
// A maxFrameSize of 0 selects DefaultMaxFrameSize.
func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{maxFrameSize: maxFrameSize, pool: NewBufferPool()}
}

// MaxFrameSize returns the codec's configured cap.
func (c *Codec) MaxFrameSize() uint32 { return c.maxFrameSize }

// EncodeParts encodes f into a list of byte slices suitable for vectored
// I/O. For Data frames this is [header, payload] where payload aliases
// f.Data directly (zero-copy); for every other frame it is a single slice
// built from the pool's scratch buffer. Callers that used the pool's
// buffer should return it via Codec.Release once the write completes.
func (c *Codec) EncodeParts(f Frame) ([][]byte, error) {
	if df, ok := f.(*DataFrame); ok {
		return c.encodeData(df)
	}

	buf := c.pool.Get()
	buf, err := c.encodeControl(buf, f)
	if err != nil {
		c.pool.Put(buf)
		return nil, err
	}
	if len(buf) > int(c.maxFrameSize)+frameHeaderSize {
		c.pool.Put(buf)
		return nil, ErrFrameTooLarge
	}
	return [][]byte{buf}, nil
}

// Release returns scratch buffers obtained via EncodeParts back to the pool.
// Every slice passed in is handed to the pool (subject only to its size
// and count caps), so only control-frame parts may be released: a Data
// frame's header or aliased payload would be reused as scratch space.
func (c *Codec) Release(parts [][]byte) {
	for _, p := range parts {
		c.pool.Put(p)
	}
}

func (c *Codec) encodeData(df *DataFrame) ([][]byte, error) {
	// Decode's bound covers the whole payload (length-1 bytes), which for
	// Data includes the stream_id/flags prefix; mirror it here so every
	// frame this codec emits is accepted by a peer with the same cap.
	if c.maxFrameSize < dataFrameHeaderSize ||
		uint64(len(df.Data)) > uint64(c.maxFrameSize)-dataFrameHeaderSize {
		return nil, ErrFrameTooLarge
	}
	header := make([]byte, frameHeaderSize+dataFrameHeaderSize)
	length := uint32(1 + dataFrameHeaderSize + len(df.Data))
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = byte(FrameTypeData)
	binary.BigEndian.PutUint32(header[5:9], df.StreamID)
	var flags byte
	if df.EndOfStream {
		flags |= flagEndOfStream
	}
	header[9] = flags
	if len(df.Data) == 0 {
		return [][]byte{header}, nil
	}
	return [][]byte{header, df.Data}, nil
}

// encodeControl appends the frame header and type-specific payload to buf
// (which must have length 0) and returns the growable slice.
func (c *Codec) encodeControl(buf []byte, f Frame) ([]byte, error) {
	// Reserve room for [length][type]; filled in after the payload is known.
	buf = append(buf, 0, 0, 0, 0, byte(f.Type()))

	var err error
	switch v := f.(type) {
	case *HandshakeFrame:
		buf = appendUint8(buf, v.Version)
		buf = appendString(buf, v.Token)
		buf = appendString(buf, v.TunnelID)
		buf = appendStringSlice(buf, v.Capabilities)
	case *HandshakeAckFrame:
		buf = appendUint8(buf, uint8(v.Status))
		buf = appendString(buf, v.SessionID)
		buf = appendStringSlice(buf, v.ServerCapabilities)
	case *OpenStreamFrame:
		buf = appendUint32(buf, v.StreamID)
		buf = appendUint8(buf, uint8(v.Protocol))
		buf = appendUint32(buf, uint32(len(v.Headers)))
		for _, h := range v.Headers {
			buf = appendString(buf, h.Name)
			buf = appendString(buf, h.Value)
		}
		if v.HasBodyHint {
			buf = appendUint8(buf, 1)
			buf = appendUint64(buf, v.BodyHint)
		} else {
			buf = appendUint8(buf, 0)
		}
	case *StreamAckFrame:
		buf = appendUint32(buf, v.StreamID)
		buf = appendUint8(buf, uint8(v.Status))
	case *CloseStreamFrame:
		buf = appendUint32(buf, v.StreamID)
		buf = appendUint8(buf, uint8(v.Reason))
		buf = appendString(buf, v.ErrorMessage)
	case *HeartbeatFrame:
		buf = appendUint64(buf, v.Timestamp)
	case *HeartbeatAckFrame:
		buf = appendUint64(buf, v.Timestamp)
	case *ErrorFrame:
		if v.HasStreamID {
			buf = appendUint8(buf, 1)
			buf = appendUint32(buf, v.StreamID)
		} else {
			buf = appendUint8(buf, 0)
		}
		buf = appendUint8(buf, uint8(v.Code))
		buf = appendString(buf, v.Message)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownFrameType, f)
	}
	if err != nil {
		return buf, err
	}

	length := uint32(len(buf) - 4)
	binary.BigEndian.PutUint32(buf[0:4], length)
	return buf, nil
}

// Decode attempts to parse one frame from the front of buf. It returns
// (nil, 0, nil) when buf holds an incomplete frame ("need more bytes"),
// never panics on malformed input, and returns a non-nil error only for
// frames that are structurally invalid or exceed the max frame size.
//
// For Data frames, the returned frame's Data field aliases buf directly
// (zero-copy); callers that will mutate or reuse buf's backing array before
// the frame is fully consumed downstream must copy it out first.
func (c *Codec) Decode(buf []byte) (frame Frame, consumed int, err error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return nil, 0, fmt.Errorf("%w: zero length", ErrInvalidFrame)
	}
	if length-1 > c.maxFrameSize {
		return nil, 0, ErrFrameTooLarge
	}
	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	typ := FrameType(buf[4])
	payload := buf[frameHeaderSize:total]

	f, err := decodeByType(typ, payload)
	if err != nil {
		return nil, 0, err
	}
	return f, total, nil
}

func decodeByType(typ FrameType, payload []byte) (Frame, error) {
	switch typ {
	case FrameTypeData:
		return decodeData(payload)
	case FrameTypeHandshake:
		return decodeHandshake(payload)
	case FrameTypeHandshakeAck:
		return decodeHandshakeAck(payload)
	case FrameTypeOpenStream:
		return decodeOpenStream(payload)
	case FrameTypeStreamAck:
		return decodeStreamAck(payload)
	case FrameTypeCloseStream:
		return decodeCloseStream(payload)
	case FrameTypeHeartbeat:
		return decodeHeartbeat(payload)
	case FrameTypeHeartbeatAck:
		return decodeHeartbeatAck(payload)
	case FrameTypeError:
		return decodeError(payload)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameType, byte(typ))
	}
}

func decodeData(payload []byte) (Frame, error) {
	if len(payload) < dataFrameHeaderSize {
		return nil, fmt.Errorf("%w: truncated data frame", ErrInvalidFrame)
	}
	streamID := binary.BigEndian.Uint32(payload[0:4])
	flags := payload[4]
	return &DataFrame{
		StreamID:    streamID,
		Data:        payload[dataFrameHeaderSize:],
		EndOfStream: flags&flagEndOfStream != 0,
	}, nil
}

func decodeHandshake(payload []byte) (Frame, error) {
	r := newReader(payload)
	version, err := r.uint8()
	if err != nil {
		return nil, err
	}
	token, err := r.string()
	if err != nil {
		return nil, err
	}
	tunnelID, err := r.string()
	if err != nil {
		return nil, err
	}
	caps, err := r.stringSlice()
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes in Handshake", ErrInvalidFrame)
	}
	return &HandshakeFrame{Version: version, Token: token, TunnelID: tunnelID, Capabilities: caps}, nil
}

func decodeHandshakeAck(payload []byte) (Frame, error) {
	r := newReader(payload)
	status, err := r.uint8()
	if err != nil {
		return nil, err
	}
	sessionID, err := r.string()
	if err != nil {
		return nil, err
	}
	caps, err := r.stringSlice()
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes in HandshakeAck", ErrInvalidFrame)
	}
	return &HandshakeAckFrame{
		Status:             HandshakeStatus(status),
		SessionID:          sessionID,
		ServerCapabilities: caps,
	}, nil
}

func decodeOpenStream(payload []byte) (Frame, error) {
	r := newReader(payload)
	streamID, err := r.uint32()
	if err != nil {
		return nil, err
	}
	proto, err := r.uint8()
	if err != nil {
		return nil, err
	}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	headers := make([]HeaderPair, 0, boundedCap(count, r.remaining(), 8))
	for i := uint32(0); i < count; i++ {
		name, err := r.string()
		if err != nil {
			return nil, err
		}
		value, err := r.string()
		if err != nil {
			return nil, err
		}
		headers = append(headers, HeaderPair{Name: name, Value: value})
	}
	hasHint, err := r.uint8()
	if err != nil {
		return nil, err
	}
	var hint uint64
	if hasHint != 0 {
		hint, err = r.uint64()
		if err != nil {
			return nil, err
		}
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes in OpenStream", ErrInvalidFrame)
	}
	return &OpenStreamFrame{
		StreamID:    streamID,
		Protocol:    StreamProtocol(proto),
		Headers:     headers,
		BodyHint:    hint,
		HasBodyHint: hasHint != 0,
	}, nil
}

func decodeStreamAck(payload []byte) (Frame, error) {
	r := newReader(payload)
	streamID, err := r.uint32()
	if err != nil {
		return nil, err
	}
	status, err := r.uint8()
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes in StreamAck", ErrInvalidFrame)
	}
	return &StreamAckFrame{StreamID: streamID, Status: StreamAckStatus(status)}, nil
}

func decodeCloseStream(payload []byte) (Frame, error) {
	r := newReader(payload)
	streamID, err := r.uint32()
	if err != nil {
		return nil, err
	}
	reason, err := r.uint8()
	if err != nil {
		return nil, err
	}
	msg, err := r.string()
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes in CloseStream", ErrInvalidFrame)
	}
	return &CloseStreamFrame{StreamID: streamID, Reason: CloseReasonKind(reason), ErrorMessage: msg}, nil
}

func decodeHeartbeat(payload []byte) (Frame, error) {
	r := newReader(payload)
	ts, err := r.uint64()
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes in Heartbeat", ErrInvalidFrame)
	}
	return &HeartbeatFrame{Timestamp: ts}, nil
}

func decodeHeartbeatAck(payload []byte) (Frame, error) {
	r := newReader(payload)
	ts, err := r.uint64()
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes in HeartbeatAck", ErrInvalidFrame)
	}
	return &HeartbeatAckFrame{Timestamp: ts}, nil
}

func decodeError(payload []byte) (Frame, error) {
	r := newReader(payload)
	hasStream, err := r.uint8()
	if err != nil {
		return nil, err
	}
	var streamID uint32
	if hasStream != 0 {
		streamID, err = r.uint32()
		if err != nil {
			return nil, err
		}
	}
	code, err := r.uint8()
	if err != nil {
		return nil, err
	}
	msg, err := r.string()
	if err != nil {
		return nil, err
	}
	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes in Error", ErrInvalidFrame)
	}
	return &ErrorFrame{
		StreamID:    streamID,
		HasStreamID: hasStream != 0,
		Code:        ErrorCode(code),
		Message:     msg,
	}, nil
}
