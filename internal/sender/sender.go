// Package sender implements the batched, priority-aware egress scheduler
// that drains outbound frames and flushes them to a session's byte sink
// using vectored writes.
package sender

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ferrotunnel/ferrotunnel/internal/protocol"
)

const (
	// MaxBatch is the most frames drained from the queue in one pass.
	MaxBatch = 256
	// MinForBatch is the smallest batch size worth waiting to grow.
	MinForBatch = 2
	// BatchWait bounds how long the sender waits for a batch to grow past
	// MinForBatch before flushing what it already has.
	BatchWait = 50 * time.Microsecond
	// QueueDepth is the default bound on the outbound priority channel.
	QueueDepth = 1024
)

// ErrZeroByteWrite is returned when the sink's Write reports success (nil
// error) without advancing. Treated as fatal rather than retried, since
// looping on it would spin forever.
var ErrZeroByteWrite = errors.New("sender: sink wrote zero bytes without error")

// ErrClosed is returned by Enqueue once Close has been called. Producers
// (stream writers, heartbeat loops) surface it as a session-is-gone error.
var ErrClosed = errors.New("sender: closed")

// PrioritizedFrame pairs a frame with the priority class it should be sent
// at. Producers set this explicitly (see protocol.PriorityOf for the
// default mapping); interactive vs. bulk Data frames are distinguished by
// the caller, not the codec.
type PrioritizedFrame struct {
	Priority protocol.Priority
	Frame    protocol.Frame
}

// BatchedSender drains a bounded priority channel of outbound frames,
// coalescing bursts into a single vectored write while keeping latency low
// for isolated frames (a lone Heartbeat is not held up waiting for peers
// that never arrive).
type BatchedSender struct {
	queue    chan PrioritizedFrame
	stop     chan struct{}
	stopOnce sync.Once
	sink     io.Writer
	codec    *protocol.Codec

	maxBatch    int
	minForBatch int
	batchWait   time.Duration
}

// New returns a BatchedSender writing encoded frames to sink. sink is
// typically the session's net.Conn or tls.Conn.
func New(sink io.Writer, codec *protocol.Codec) *BatchedSender {
	return &BatchedSender{
		queue:       make(chan PrioritizedFrame, QueueDepth),
		stop:        make(chan struct{}),
		sink:        sink,
		codec:       codec,
		maxBatch:    MaxBatch,
		minForBatch: MinForBatch,
		batchWait:   BatchWait,
	}
}

// Enqueue submits a frame for sending. It blocks when the queue is full,
// which is the mechanism by which socket backpressure propagates to
// logical stream writers, and returns ErrClosed once Close has been
// called so a writer racing session teardown fails instead of hanging.
func (s *BatchedSender) Enqueue(pf PrioritizedFrame) error {
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}
	select {
	case s.queue <- pf:
		return nil
	case <-s.stop:
		return ErrClosed
	}
}

// Close signals the run loop to exit once already-queued frames are
// drained. Safe to call more than once and concurrently with Enqueue;
// the queue channel itself is never closed, so producers racing teardown
// get ErrClosed rather than a send-on-closed-channel panic.
func (s *BatchedSender) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run drains the queue and writes batches to the sink until Close is
// called or a write fails. It returns nil only on a clean close; any sink
// error (including ErrZeroByteWrite) is returned so the caller can tear
// down the owning session. Frames already queued at Close time are still
// flushed before Run returns.
func (s *BatchedSender) Run() error {
	for {
		var first PrioritizedFrame
		select {
		case first = <-s.queue:
		default:
			select {
			case first = <-s.queue:
			case <-s.stop:
				return nil
			}
		}

		batch := make([]PrioritizedFrame, 0, s.maxBatch)
		batch = append(batch, first)
		batch = s.drainNonBlocking(batch)

		if len(batch) >= s.minForBatch && len(batch) < s.maxBatch {
			batch = s.waitForMore(batch)
		}

		sortStableByPriority(batch)

		if err := s.flush(batch); err != nil {
			return err
		}
	}
}

// drainNonBlocking takes whatever is already queued, up to maxBatch total.
func (s *BatchedSender) drainNonBlocking(batch []PrioritizedFrame) []PrioritizedFrame {
	for len(batch) < s.maxBatch {
		select {
		case pf := <-s.queue:
			batch = append(batch, pf)
		default:
			return batch
		}
	}
	return batch
}

// waitForMore gives producers a short adaptive window to grow a batch that
// already holds at least minForBatch frames before the sender commits to
// writing it, trading a bounded amount of latency for throughput under load.
func (s *BatchedSender) waitForMore(batch []PrioritizedFrame) []PrioritizedFrame {
	timer := time.NewTimer(s.batchWait)
	defer timer.Stop()
	for len(batch) < s.maxBatch {
		select {
		case pf := <-s.queue:
			batch = append(batch, pf)
		case <-timer.C:
			return batch
		case <-s.stop:
			return batch
		}
	}
	return batch
}

// sortStableByPriority orders the batch Critical-first, Low-last,
// preserving submission order within a priority class (spec invariant:
// same-priority frames targeting the same stream are never reordered).
func sortStableByPriority(batch []PrioritizedFrame) {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Priority > batch[j].Priority
	})
}

// flush encodes every frame in the batch into a flat list of byte slices
// (preserving Data's zero-copy payload aliasing) and writes them with a
// single vectored write, looping on partial writes.
func (s *BatchedSender) flush(batch []PrioritizedFrame) error {
	var parts [][]byte
	var controlParts [][]byte // pool-owned parts to release after the write
	for _, pf := range batch {
		encoded, err := s.codec.EncodeParts(pf.Frame)
		if err != nil {
			return fmt.Errorf("sender: encoding %v frame: %w", pf.Frame.Type(), err)
		}
		parts = append(parts, encoded...)
		if _, isData := pf.Frame.(*protocol.DataFrame); !isData {
			controlParts = append(controlParts, encoded...)
		}
	}
	defer s.codec.Release(controlParts)

	return writeVectored(s.sink, parts)
}

// writeVectored hands the slice list to net.Buffers, which issues a real
// writev when w is a *net.TCPConn, and loops on partial progress (WriteTo
// consumes buffers as they are written, so each pass resumes where the
// previous one stopped). A pass that makes no progress without erroring
// is fatal rather than retried.
func writeVectored(w io.Writer, parts [][]byte) error {
	var total int64
	for _, p := range parts {
		total += int64(len(p))
	}
	bufs := net.Buffers(parts)
	var written int64
	for written < total {
		n, err := bufs.WriteTo(w)
		written += n
		if err != nil {
			return fmt.Errorf("sender: write: %w", err)
		}
		if n == 0 {
			return ErrZeroByteWrite
		}
	}
	return nil
}
