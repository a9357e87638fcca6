package mux

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ferrotunnel/ferrotunnel/internal/protocol"
	"github.com/ferrotunnel/ferrotunnel/internal/sender"
)

// Stream is one logical byte stream multiplexed over a session's shared
// connection. It implements io.ReadWriteCloser. A Stream must not be read
// from multiple goroutines concurrently (ordinary io.Reader expectation);
// Write and Close may be called from a different goroutine than Read.
type Stream struct {
	id       uint32
	protocol protocol.StreamProtocol
	outbound Outbound

	mailbox   chan protocol.Frame
	readDone  chan struct{}
	closeOnce sync.Once

	carryOver   []byte
	pendingErr  error
	writeClosed atomic.Bool
}

func newStream(id uint32, proto protocol.StreamProtocol, outbound Outbound) *Stream {
	return &Stream{
		id:       id,
		protocol: proto,
		outbound: outbound,
		mailbox:  make(chan protocol.Frame, mailboxDepth),
		readDone: make(chan struct{}),
	}
}

// ID returns the stream's wire ID.
func (s *Stream) ID() uint32 { return s.id }

// Protocol returns the application protocol this stream carries.
func (s *Stream) Protocol() protocol.StreamProtocol { return s.protocol }

// closeMailbox tears the stream down from the multiplexer's side: no more
// frames will be delivered and any blocked or future Read unblocks with
// the stream's pending error (or io.EOF if none was set).
func (s *Stream) closeMailbox() {
	s.closeOnce.Do(func() { close(s.readDone) })
}

// Read implements io.Reader. It drains buffered carry-over bytes first,
// then blocks for the next Data/CloseStream/Error frame.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.carryOver) > 0 {
		n := copy(p, s.carryOver)
		s.carryOver = s.carryOver[n:]
		return n, nil
	}
	if s.pendingErr != nil {
		return 0, s.pendingErr
	}

	select {
	case f := <-s.mailbox:
		return s.consumeFrame(f, p)
	case <-s.readDone:
		select {
		case f := <-s.mailbox:
			return s.consumeFrame(f, p)
		default:
			return 0, io.EOF
		}
	}
}

func (s *Stream) consumeFrame(f protocol.Frame, p []byte) (int, error) {
	switch v := f.(type) {
	case *protocol.DataFrame:
		n := copy(p, v.Data)
		if n < len(v.Data) {
			s.carryOver = append(s.carryOver[:0], v.Data[n:]...)
		}
		if v.EndOfStream {
			s.pendingErr = io.EOF
		}
		return n, nil
	case *protocol.CloseStreamFrame:
		if v.Reason == protocol.CloseError {
			s.pendingErr = fmt.Errorf("mux: stream %d closed: %s", s.id, v.ErrorMessage)
		} else {
			s.pendingErr = io.EOF
		}
		return 0, s.pendingErr
	case *protocol.ErrorFrame:
		s.pendingErr = fmt.Errorf("mux: stream %d error (%v): %s", s.id, v.Code, v.Message)
		return 0, s.pendingErr
	default:
		// Not a stream-addressed frame type; should never reach here since
		// the multiplexer only forwards Data/CloseStream/Error.
		return 0, fmt.Errorf("mux: unexpected frame %T on stream %d", f, s.id)
	}
}

// Write implements io.Writer: each call produces exactly one Data frame.
// Callers wanting to cap frame size should chunk themselves; the codec's
// max-frame-size limit is the only enforced cap.
func (s *Stream) Write(p []byte) (int, error) {
	if s.writeClosed.Load() {
		return 0, fmt.Errorf("mux: write to closed stream %d", s.id)
	}
	// Data's wire encoding aliases the payload slice for zero-copy vectored
	// writes performed later, asynchronously, by the batched sender — so we
	// must copy p here rather than retain the caller's slice, honoring the
	// io.Writer contract that p is not retained past this call.
	data := append([]byte(nil), p...)
	err := s.outbound.Enqueue(sender.PrioritizedFrame{
		Priority: protocol.PriorityNormal,
		Frame:    &protocol.DataFrame{StreamID: s.id, Data: data},
	})
	if err != nil {
		return 0, fmt.Errorf("mux: stream %d write: %w", s.id, err)
	}
	return len(p), nil
}

// Close closes the write side, emitting CloseStream{Normal} to the peer.
func (s *Stream) Close() error {
	if s.writeClosed.Swap(true) {
		return nil
	}
	// Best effort: if the sender is already gone the session is tearing
	// down and the peer will observe the connection close instead.
	// CloseStream is sent at the same priority as this stream's Data frames
	// so the sender's stable priority sort keeps it behind any Data still
	// queued; a higher priority would let it overtake them in a batch.
	s.outbound.Enqueue(sender.PrioritizedFrame{
		Priority: protocol.PriorityNormal,
		Frame:    &protocol.CloseStreamFrame{StreamID: s.id, Reason: protocol.CloseNormal},
	})
	return nil
}
