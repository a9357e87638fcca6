package sockopt

import (
	"net"
	"testing"
)

func TestTune_TCPConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server := <-accepted
	defer server.Close()

	if err := Tune(client); err != nil {
		t.Errorf("Tune(client): %v", err)
	}
	if err := Tune(server); err != nil {
		t.Errorf("Tune(server): %v", err)
	}
}

func TestTune_NonTCPConnIsNoOp(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if err := Tune(c1); err != nil {
		t.Errorf("Tune on a non-TCP conn should be a no-op, got: %v", err)
	}
}
