package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecode asserts the streaming decoder's safety contract over
// arbitrary byte sequences: every input yields a frame, a "need more
// bytes" result, or an error. Never a panic.
func FuzzDecode(f *testing.F) {
	codec := NewCodec(0)

	seeds := []Frame{
		&HandshakeFrame{Version: 1, Token: "test-secret-token", TunnelID: "my-tunnel", Capabilities: []string{"http", "tcp"}},
		&HandshakeAckFrame{Status: HandshakeSuccess, SessionID: "sess-1", ServerCapabilities: []string{"tcp"}},
		&OpenStreamFrame{StreamID: 1, Protocol: ProtocolHTTP, Headers: []HeaderPair{{Name: "Host", Value: "example.com"}}, BodyHint: 128, HasBodyHint: true},
		&StreamAckFrame{StreamID: 1, Status: StreamAccepted},
		&DataFrame{StreamID: 1, Data: []byte("payload"), EndOfStream: true},
		&CloseStreamFrame{StreamID: 1, Reason: CloseError, ErrorMessage: "upstream reset"},
		&HeartbeatFrame{Timestamp: 1718000000000},
		&HeartbeatAckFrame{Timestamp: 1718000000001},
		&ErrorFrame{HasStreamID: true, StreamID: 1, Code: ErrorCodeProtocol, Message: "boom"},
	}
	for _, fr := range seeds {
		parts, err := codec.EncodeParts(fr)
		if err != nil {
			f.Fatalf("encoding seed %T: %v", fr, err)
		}
		f.Add(bytes.Join(parts, nil))
	}
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 0})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0x01})

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, consumed, err := codec.Decode(data)
		if err != nil {
			return
		}
		if frame == nil && consumed != 0 {
			t.Fatalf("need-more-bytes result must consume nothing, consumed %d", consumed)
		}
		if frame != nil && (consumed <= 0 || consumed > len(data)) {
			t.Fatalf("consumed %d out of range for %d input bytes", consumed, len(data))
		}
	})
}
