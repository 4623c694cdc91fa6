package proxy

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// echoServer is a tiny in-process TCP echo server, in the same spirit as
// cmd/docker-proxy's EchoServer test helper.
type echoServer struct {
	ln net.Listener
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	s := &echoServer{ln: ln}
	go s.run()
	return s
}

func (s *echoServer) run() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			io.Copy(c, c)
			c.Close()
		}(conn)
	}
}

func (s *echoServer) addr() string { return s.ln.Addr().String() }
func (s *echoServer) close()       { s.ln.Close() }

func dialPair(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	assert.NilError(t, err)
	return conn
}

// TestPumpEchoesBothWays exercises spec.md scenario S2's data path: a
// client write arrives unchanged at the peer, and any peer reply arrives
// unchanged at the client.
func TestPumpEchoesBothWays(t *testing.T) {
	backend := newEchoServer(t)
	defer backend.close()

	clientSide, proxySide := net.Pipe()
	peerConn := dialPair(t, backend.addr())

	done := make(chan Result, 1)
	go func() {
		done <- Pump(proxySide, peerConn, 0)
	}()

	if _, err := clientSide.Write([]byte("HELLO\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 6)
	clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := io.ReadFull(clientSide, buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("HELLO\n")) {
		t.Fatalf("got %q, want HELLO\\n", buf[:n])
	}

	clientSide.Close()
	res := <-done
	if res.ClientToPeer != 6 || res.PeerToClient != 6 {
		t.Errorf("byte counts: %+v", res)
	}
}

// TestPumpIdleTimeout exercises spec.md scenario S6.
func TestPumpIdleTimeout(t *testing.T) {
	a, b := net.Pipe()
	c, d := net.Pipe()

	start := time.Now()
	res := Pump(a, c, 100*time.Millisecond)
	elapsed := time.Since(start)

	if res.Reason != ReasonIdleTimeout {
		t.Errorf("Reason = %v, want ReasonIdleTimeout", res.Reason)
	}
	if elapsed < 100*time.Millisecond {
		t.Errorf("returned after %v, want >= 100ms", elapsed)
	}
	b.Close()
	d.Close()
}

// TestPumpClosesBothOnOneEOF exercises spec.md §8 property 3: both
// underlying sockets are closed exactly once by the time Pump returns.
func TestPumpClosesBothOnOneEOF(t *testing.T) {
	backend := newEchoServer(t)
	defer backend.close()

	client, proxySide := net.Pipe()
	peerConn := dialPair(t, backend.addr())

	go client.Close() // immediately EOF the client side

	res := Pump(proxySide, peerConn, 0)
	if res.Reason != ReasonEOF {
		t.Errorf("Reason = %v, want ReasonEOF", res.Reason)
	}

	// Both ends should now be closed; writing should fail.
	if _, err := peerConn.Write([]byte("x")); err == nil {
		t.Errorf("expected write to closed peer to fail")
	}
}
