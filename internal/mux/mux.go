// Package mux multiplexes many logical byte streams over one control
// connection's frame stream, matching the fast path the sender and codec
// packages expose (Data frames as [stream_id, flags, bytes]).
package mux

import (
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/ferrotunnel/ferrotunnel/internal/protocol"
	"github.com/ferrotunnel/ferrotunnel/internal/sender"
)

// ErrStreamIDExhausted is returned by OpenStream once next_local_id would
// overflow. The owning session must be torn down and reconnected; a fresh
// session starts ID allocation over.
var ErrStreamIDExhausted = errors.New("mux: local stream id space exhausted")

// Outbound is the egress queue streams and the multiplexer enqueue frames
// on. It is implemented by sender.BatchedSender; Enqueue blocks when the
// queue is full (backpressure) and errors once the sender is closed.
type Outbound interface {
	Enqueue(sender.PrioritizedFrame) error
}

// mailboxDepth bounds the per-stream inbound frame queue. A slow reader
// eventually causes the multiplexer to drop the stream rather than stall
// the shared reader goroutine indefinitely.
const mailboxDepth = 256

// newStreamQueueDepth bounds the backlog of peer-opened streams awaiting
// Accept. A backlog this deep means nobody is calling Accept; further
// OpenStream frames are dropped, matching spec's "receiver gone" case.
const newStreamQueueDepth = 256

// Multiplexer tracks this session's logical streams and routes inbound
// frames to the right one. One Multiplexer exists per session, shared by
// the session's reader goroutine (which calls ProcessFrame) and by
// whatever code opens local streams (HTTP/TCP ingress handlers).
type Multiplexer struct {
	log *slog.Logger

	mu          sync.Mutex
	streams     map[uint32]*Stream
	nextLocalID uint32
	exhausted   bool

	outbound   Outbound
	newStreams chan *Stream
}

// New returns a Multiplexer for one session. initiator selects this side's
// ID parity: true allocates odd IDs starting at 1 (the tunnel client);
// false allocates even IDs starting at 2 (the tunnel server, whose
// multiplexer the ingress uses to open streams for inbound traffic).
func New(initiator bool, outbound Outbound, log *slog.Logger) *Multiplexer {
	start := uint32(2)
	if initiator {
		start = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Multiplexer{
		log:         log,
		streams:     make(map[uint32]*Stream),
		nextLocalID: start,
		outbound:    outbound,
		newStreams:  make(chan *Stream, newStreamQueueDepth),
	}
}

// OpenStream allocates a new local stream, sends OpenStream to the peer,
// and returns a handle bound to it.
func (m *Multiplexer) OpenStream(proto protocol.StreamProtocol) (*Stream, error) {
	m.mu.Lock()
	if m.exhausted {
		m.mu.Unlock()
		return nil, ErrStreamIDExhausted
	}
	id := m.nextLocalID
	if id > math.MaxUint32-2 {
		m.exhausted = true
	} else {
		m.nextLocalID = id + 2
	}
	st := newStream(id, proto, m.outbound)
	m.streams[id] = st
	m.mu.Unlock()

	err := m.outbound.Enqueue(sender.PrioritizedFrame{
		Priority: protocol.PriorityHigh,
		Frame:    &protocol.OpenStreamFrame{StreamID: id, Protocol: proto},
	})
	if err != nil {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		st.closeMailbox()
		return nil, err
	}
	return st, nil
}

// Accept returns the next peer-opened stream, blocking until one arrives
// or the multiplexer is closed.
func (m *Multiplexer) Accept() (*Stream, bool) {
	st, ok := <-m.newStreams
	return st, ok
}

// ProcessFrame routes one inbound frame addressed to a logical stream.
// Frames not addressed to a stream (Handshake, Heartbeat, ...) are not
// valid input here; the session's message loop handles those itself.
func (m *Multiplexer) ProcessFrame(f protocol.Frame) {
	switch v := f.(type) {
	case *protocol.OpenStreamFrame:
		m.handleOpenStream(v)
	case *protocol.DataFrame:
		// The codec hands Data's payload out aliasing the FrameReader's
		// reused accumulation buffer (zero-copy decode). That buffer is
		// overwritten by the very next ReadFrame call, but the mailbox is
		// an async handoff to whatever goroutine owns the Stream — it may
		// not read this frame until long after the reader has moved on.
		// Clone here, at the handoff boundary, so the mailbox owns stable
		// bytes; the reader's own buffer is free to be reused immediately.
		own := &protocol.DataFrame{
			StreamID:    v.StreamID,
			Data:        append([]byte(nil), v.Data...),
			EndOfStream: v.EndOfStream,
		}
		m.forward(v.StreamID, own, false)
	case *protocol.CloseStreamFrame:
		m.forward(v.StreamID, v, true)
	case *protocol.ErrorFrame:
		if v.HasStreamID {
			m.forward(v.StreamID, v, true)
		}
	}
}

func (m *Multiplexer) handleOpenStream(v *protocol.OpenStreamFrame) {
	m.mu.Lock()
	if _, exists := m.streams[v.StreamID]; exists {
		m.mu.Unlock()
		m.log.Warn("duplicate stream id from peer, dropping", "stream_id", v.StreamID)
		return
	}
	st := newStream(v.StreamID, v.Protocol, m.outbound)
	m.streams[v.StreamID] = st
	m.mu.Unlock()

	select {
	case m.newStreams <- st:
	default:
		m.log.Warn("new-stream queue full, dropping opened stream", "stream_id", v.StreamID)
		m.mu.Lock()
		delete(m.streams, v.StreamID)
		m.mu.Unlock()
	}
}

// forward delivers f to the stream's mailbox. removeAfter is set for
// frames that terminate the stream (CloseStream, Error): the entry is
// dropped from the map once delivered since no further frames should
// arrive for that id.
func (m *Multiplexer) forward(id uint32, f protocol.Frame, removeAfter bool) {
	m.mu.Lock()
	st, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if removeAfter {
		delete(m.streams, id)
	}
	m.mu.Unlock()

	select {
	case st.mailbox <- f:
	case <-st.readDone:
		// Stream already torn down concurrently; nothing to deliver.
	default:
		m.log.Warn("stream mailbox full, dropping stream", "stream_id", id)
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		st.closeMailbox()
	}
}

// Close tears down every open stream and the new-stream queue. Called
// when the owning session's connection is lost.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[uint32]*Stream)
	m.mu.Unlock()

	for _, st := range streams {
		st.closeMailbox()
	}
	close(m.newStreams)
}
