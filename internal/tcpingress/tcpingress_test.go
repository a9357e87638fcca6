package tcpingress

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/ferrotunnel/ferrotunnel/internal/mux"
	"github.com/ferrotunnel/ferrotunnel/internal/protocol"
	"github.com/ferrotunnel/ferrotunnel/internal/sender"
	"github.com/ferrotunnel/ferrotunnel/internal/session"
)

// newTunnelMux wires a Multiplexer to a peer Multiplexer over an in-memory
// pipe and runs an upstream echo handler on the peer side for every
// stream it opens, the way the tunnel client relays to a local service.
func newTunnelMux(t *testing.T) *mux.Multiplexer {
	t.Helper()
	connA, connB := net.Pipe()
	codec := protocol.NewCodec(0)

	senderA := sender.New(connA, codec)
	senderB := sender.New(connB, codec)
	go senderA.Run()
	go senderB.Run()

	ingressMux := mux.New(true, senderA, nil)
	peerMux := mux.New(false, senderB, nil)

	readerA := protocol.NewFrameReader(connA, codec)
	readerB := protocol.NewFrameReader(connB, codec)
	go func() {
		for {
			f, err := readerA.ReadFrame()
			if err != nil {
				return
			}
			ingressMux.ProcessFrame(f)
		}
	}()
	go func() {
		for {
			f, err := readerB.ReadFrame()
			if err != nil {
				return
			}
			peerMux.ProcessFrame(f)
		}
	}()
	go func() {
		for {
			st, ok := peerMux.Accept()
			if !ok {
				return
			}
			go func(st *mux.Stream) {
				defer st.Close()
				buf := make([]byte, 64)
				n, err := st.Read(buf)
				if err != nil {
					return
				}
				upper := bytes.ToUpper(buf[:n])
				st.Write(upper)
			}(st)
		}
	}()

	t.Cleanup(func() {
		senderA.Close()
		senderB.Close()
		connA.Close()
		connB.Close()
	})

	return ingressMux
}

func TestIngress_RelaysToSessionAdvertisingTCPCapability(t *testing.T) {
	ingressMux := newTunnelMux(t)

	store := session.NewStore(time.Hour, time.Hour)
	store.Create(nil, "tok", []string{"tcp"}, ingressMux)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	g := New(Options{Sessions: store})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "HELLO" {
		t.Fatalf("expected echoed HELLO, got %q", buf[:n])
	}
}

func TestIngress_DropsConnectionWithoutTCPCapableSession(t *testing.T) {
	store := session.NewStore(time.Hour, time.Hour)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	g := New(Options{Sessions: store})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatal("expected the connection to be dropped (read error), got a byte instead")
	}
}
