package sender

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ferrotunnel/ferrotunnel/internal/protocol"
)

func TestBatchedSender_SingleFrame_LowLatency(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	codec := protocol.NewCodec(0)
	s := New(clientSide, codec)
	go s.Run()

	start := time.Now()
	s.Enqueue(PrioritizedFrame{Priority: protocol.PriorityHigh, Frame: &protocol.HeartbeatFrame{Timestamp: 123}})

	buf := make([]byte, 64)
	serverSide.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	n, err := serverSide.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("expected single frame to reach the peer within 20ms, took %v", elapsed)
	}

	f, consumed, err := codec.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if consumed != n {
		t.Errorf("expected to consume all %d bytes, consumed %d", n, consumed)
	}
	hb, ok := f.(*protocol.HeartbeatFrame)
	if !ok {
		t.Fatalf("expected HeartbeatFrame, got %T", f)
	}
	if hb.Timestamp != 123 {
		t.Errorf("expected timestamp 123, got %d", hb.Timestamp)
	}

	s.Close()
}

func TestBatchedSender_PriorityOrdering(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	codec := protocol.NewCodec(0)
	s := New(clientSide, codec)

	// Enqueue out of priority order before Run starts draining, so they
	// all land in one batch together.
	s.Enqueue(PrioritizedFrame{Priority: protocol.PriorityLow, Frame: &protocol.DataFrame{StreamID: 1, Data: []byte("bulk-a")}})
	s.Enqueue(PrioritizedFrame{Priority: protocol.PriorityCritical, Frame: &protocol.ErrorFrame{Code: protocol.ErrorCodeProtocol, Message: "boom"}})
	s.Enqueue(PrioritizedFrame{Priority: protocol.PriorityLow, Frame: &protocol.DataFrame{StreamID: 1, Data: []byte("bulk-b")}})
	s.Enqueue(PrioritizedFrame{Priority: protocol.PriorityHigh, Frame: &protocol.HeartbeatFrame{Timestamp: 1}})

	go s.Run()

	var buf bytes.Buffer
	readAllFrom(t, serverSide, &buf, 4)

	rest := buf.Bytes()
	var got []protocol.Frame
	for len(rest) > 0 {
		f, consumed, err := codec.Decode(rest)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if f == nil {
			t.Fatalf("expected a complete frame, %d bytes left", len(rest))
		}
		got = append(got, f)
		rest = rest[consumed:]
	}

	if len(got) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(got))
	}
	if _, ok := got[0].(*protocol.ErrorFrame); !ok {
		t.Errorf("expected Critical (Error) first, got %T", got[0])
	}
	if _, ok := got[1].(*protocol.HeartbeatFrame); !ok {
		t.Errorf("expected High (Heartbeat) second, got %T", got[1])
	}
	a, ok := got[2].(*protocol.DataFrame)
	if !ok || string(a.Data) != "bulk-a" {
		t.Errorf("expected Low bulk-a third (FIFO within priority), got %T %+v", got[2], got[2])
	}
	b, ok := got[3].(*protocol.DataFrame)
	if !ok || string(b.Data) != "bulk-b" {
		t.Errorf("expected Low bulk-b fourth (FIFO within priority), got %T %+v", got[3], got[3])
	}

	s.Close()
}

func TestBatchedSender_ZeroByteWriteIsFatal(t *testing.T) {
	codec := protocol.NewCodec(0)
	s := New(zeroByteWriter{}, codec)
	s.Enqueue(PrioritizedFrame{Priority: protocol.PriorityNormal, Frame: &protocol.HeartbeatFrame{Timestamp: 1}})
	s.Close()

	err := s.Run()
	if !errors.Is(err, ErrZeroByteWrite) {
		t.Fatalf("expected ErrZeroByteWrite, got %v", err)
	}
}

func TestBatchedSender_WriteErrorPropagates(t *testing.T) {
	codec := protocol.NewCodec(0)
	wantErr := errors.New("boom")
	s := New(failingWriter{err: wantErr}, codec)
	s.Enqueue(PrioritizedFrame{Priority: protocol.PriorityNormal, Frame: &protocol.HeartbeatFrame{Timestamp: 1}})
	s.Close()

	err := s.Run()
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped %v, got %v", wantErr, err)
	}
}

func TestBatchedSender_CleanCloseReturnsNil(t *testing.T) {
	codec := protocol.NewCodec(0)
	var buf bytes.Buffer
	s := New(&buf, codec)
	s.Close()
	if err := s.Run(); err != nil {
		t.Fatalf("expected nil on clean close, got %v", err)
	}
}

type zeroByteWriter struct{}

func (zeroByteWriter) Write(p []byte) (int, error) { return 0, nil }

type failingWriter struct{ err error }

func (f failingWriter) Write(p []byte) (int, error) { return 0, f.err }

// readAllFrom reads from conn until it has observed wantFrames complete
// frames' worth of bytes or the deadline elapses.
func readAllFrom(t *testing.T, conn net.Conn, into *bytes.Buffer, wantFrames int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 4096)
	codec := protocol.NewCodec(0)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			into.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
		}
		count := 0
		rest := into.Bytes()
		for len(rest) > 0 {
			_, consumed, derr := codec.Decode(rest)
			if derr != nil || consumed == 0 {
				break
			}
			count++
			rest = rest[consumed:]
		}
		if count >= wantFrames {
			return
		}
		if err != nil {
			return
		}
	}
}
