// Package session tracks connected tunnel clients server-side: one record
// per active connection, keyed by a generated session ID, with a
// background sweeper that evicts sessions whose heartbeat has gone stale.
package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ferrotunnel/ferrotunnel/internal/mux"
)

// DefaultSweepInterval is how often the sweeper scans for stale sessions.
const DefaultSweepInterval = 30 * time.Second

// DefaultSessionTimeout is how long a session may go without a heartbeat
// before the sweeper evicts it.
const DefaultSessionTimeout = 90 * time.Second

// Record is one connected tunnel client's server-side bookkeeping.
type Record struct {
	ID           string
	Peer         net.Addr
	Token        string
	Capabilities []string
	ConnectedAt  time.Time
	Mux          *mux.Multiplexer

	// TunnelID is the host/identifier HTTP ingress routes by. It is unset
	// until the client advertises one; sessions without it are not
	// reachable from ingress lookups.
	TunnelID atomic.Pointer[string]

	lastHeartbeat atomic.Int64 // unix nanos
}

func newRecord(peer net.Addr, token string, capabilities []string, m *mux.Multiplexer) *Record {
	r := &Record{
		ID:           uuid.NewString(),
		Peer:         peer,
		Token:        token,
		Capabilities: capabilities,
		ConnectedAt:  time.Now(),
		Mux:          m,
	}
	r.Touch()
	return r
}

// Touch records a heartbeat (or any inbound frame) arriving now.
func (r *Record) Touch() {
	r.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the most recent Touch.
func (r *Record) LastHeartbeat() time.Time {
	return time.Unix(0, r.lastHeartbeat.Load())
}

// SetTunnelID records the host this session answers for.
func (r *Record) SetTunnelID(id string) {
	r.TunnelID.Store(&id)
}

// GetTunnelID returns the session's tunnel ID and whether one is set.
func (r *Record) GetTunnelID() (string, bool) {
	p := r.TunnelID.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// Store is a concurrent registry of active sessions, keyed by session ID
// and independently indexed by tunnel ID for ingress routing lookups.
type Store struct {
	sessions  sync.Map // session id (string) -> *Record
	byTunnel  sync.Map // tunnel id (string) -> *Record
	timeout   time.Duration
	sweepTick time.Duration

	stop chan struct{}
	once sync.Once
}

// NewStore returns an empty Store. A timeout or sweepTick of 0 selects the
// package defaults.
func NewStore(timeout, sweepTick time.Duration) *Store {
	if timeout == 0 {
		timeout = DefaultSessionTimeout
	}
	if sweepTick == 0 {
		sweepTick = DefaultSweepInterval
	}
	return &Store{
		timeout:   timeout,
		sweepTick: sweepTick,
		stop:      make(chan struct{}),
	}
}

// Create registers a new session and returns its record.
func (s *Store) Create(peer net.Addr, token string, capabilities []string, m *mux.Multiplexer) *Record {
	r := newRecord(peer, token, capabilities, m)
	s.sessions.Store(r.ID, r)
	return r
}

// Get looks up a session by ID.
func (s *Store) Get(id string) (*Record, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Record), true
}

// BindTunnelID associates a tunnel ID with a session for ingress routing.
// A previous binding for the same tunnel ID is replaced.
func (s *Store) BindTunnelID(tunnelID string, r *Record) {
	r.SetTunnelID(tunnelID)
	s.byTunnel.Store(tunnelID, r)
}

// LookupByTunnelID returns the session currently bound to tunnelID, used
// by the HTTP ingress to route an inbound request to its tunnel.
func (s *Store) LookupByTunnelID(tunnelID string) (*Record, bool) {
	v, ok := s.byTunnel.Load(tunnelID)
	if !ok {
		return nil, false
	}
	return v.(*Record), true
}

// SelectByCapability returns an arbitrary active session advertising the
// given capability, used by TCP ingress (capability "tcp") when routing
// doesn't otherwise disambiguate which session should receive a new
// connection. Returns false if no session currently advertises it.
func (s *Store) SelectByCapability(capability string) (*Record, bool) {
	var found *Record
	s.sessions.Range(func(_, value any) bool {
		r := value.(*Record)
		for _, c := range r.Capabilities {
			if c == capability {
				found = r
				return false
			}
		}
		return true
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// Remove evicts a session by ID, unbinding its tunnel ID if any.
func (s *Store) Remove(id string) {
	v, ok := s.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	r := v.(*Record)
	if tunnelID, ok := r.GetTunnelID(); ok {
		// Only clear the tunnel-id index if it still points at this
		// session — a newer session may have already taken the slot.
		if cur, ok := s.byTunnel.Load(tunnelID); ok && cur.(*Record) == r {
			s.byTunnel.Delete(tunnelID)
		}
	}
}

// Len reports the current session count. Intended for tests and metrics;
// it is a point-in-time snapshot under concurrent mutation.
func (s *Store) Len() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// RunSweeper blocks, evicting sessions whose last heartbeat is older than
// the store's timeout, until Stop is called. Intended to run in its own
// goroutine for the lifetime of the server.
func (s *Store) RunSweeper() {
	ticker := time.NewTicker(s.sweepTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stop:
			return
		}
	}
}

// sweepOnce iterates a snapshot of sessions and removes any past the
// timeout. Iterating a snapshot (sync.Map.Range) and re-locking per key
// for removal matches sync.Map's own concurrency model: reads and writes
// on distinct keys don't contend, and a session added mid-sweep is simply
// not visited this pass.
func (s *Store) sweepOnce() {
	now := time.Now()
	var stale []string
	s.sessions.Range(func(key, value any) bool {
		r := value.(*Record)
		if now.Sub(r.LastHeartbeat()) > s.timeout {
			stale = append(stale, key.(string))
		}
		return true
	})
	for _, id := range stale {
		s.Remove(id)
	}
}

// Stop halts the sweeper goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.once.Do(func() { close(s.stop) })
}
