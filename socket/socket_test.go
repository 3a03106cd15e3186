//go:build linux

// socket_test.go — cooperative TCP/UDP flows over the live event loop.
package socket

import (
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corvene/fiberio/address"
	"github.com/corvene/fiberio/iomanager"
)

func loopback(t *testing.T, port uint16) address.Address {
	t.Helper()
	a, err := address.NewIPv4("127.0.0.1", port)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// boundPort reads the kernel-assigned port; 0 when the local address
// is missing (the caller's flow then fails fast on its own timeout).
func boundPort(s *Socket) int {
	la, ok := s.LocalAddress().(*address.IPv4)
	if !ok {
		return 0
	}
	return int(la.Port())
}

func TestEchoWithRecvTimeout(t *testing.T) {
	iom := iomanager.New(2, false, "echo")
	defer iom.Stop()

	portCh := make(chan int, 1)
	type phase struct {
		err     error
		n       int
		elapsed time.Duration
		payload string
	}
	firstRecv := make(chan phase, 1)
	secondRecv := make(chan phase, 1)

	iom.ScheduleCallback(func() {
		listener := NewTCP(unix.AF_INET)
		defer listener.Close()
		if err := listener.Bind(loopback(t, 0)); err != nil {
			t.Errorf("bind: %v", err)
			return
		}
		if err := listener.Listen(128); err != nil {
			t.Errorf("listen: %v", err)
			return
		}
		portCh <- boundPort(listener)

		conn, err := listener.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close()

		conn.SetRecvTimeout(100)
		var buf [16]byte

		start := time.Now()
		n, err := conn.Recv(buf[:], 0)
		firstRecv <- phase{err: err, n: n, elapsed: time.Since(start)}

		n, err = conn.Recv(buf[:], 0)
		secondRecv <- phase{err: err, n: n, payload: string(buf[:max(n, 0)])}
	})

	port := <-portCh
	client, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// First server recv must time out: nothing is sent yet.
	select {
	case p := <-firstRecv:
		if p.err != unix.ETIMEDOUT {
			t.Fatalf("first recv: n=%d err=%v, want ETIMEDOUT", p.n, p.err)
		}
		if p.elapsed > 150*time.Millisecond {
			t.Errorf("timeout after %v, want ~100ms", p.elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first recv never returned")
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-secondRecv:
		if p.err != nil || p.n != 4 || p.payload != "ping" {
			t.Fatalf("second recv: n=%d err=%v payload=%q", p.n, p.err, p.payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second recv never returned")
	}
}

func TestConnectSendRecv(t *testing.T) {
	iom := iomanager.New(2, false, "dial")
	defer iom.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 16)
		n, _ := c.Read(buf)
		c.Write(buf[:n]) // echo back
	}()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	result := make(chan error, 1)
	iom.ScheduleCallback(func() {
		s := NewTCP(unix.AF_INET)
		defer s.Close()
		if err := s.Connect(loopback(t, port), 1000); err != nil {
			result <- err
			return
		}
		if !s.IsConnected() {
			t.Error("not connected after connect")
		}
		if s.RemoteAddress() == nil || s.LocalAddress() == nil {
			t.Error("endpoints not initialized")
		}
		if _, err := s.Send([]byte("roundtrip"), 0); err != nil {
			result <- err
			return
		}
		var buf [16]byte
		n, err := s.Recv(buf[:], 0)
		if err != nil {
			result <- err
			return
		}
		if string(buf[:n]) != "roundtrip" {
			t.Errorf("echo payload %q", buf[:n])
		}
		result <- nil
	})

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("dial flow: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dial flow hung")
	}
}

func TestUDPSendToRecvFrom(t *testing.T) {
	iom := iomanager.New(2, false, "udp")
	defer iom.Stop()

	result := make(chan error, 1)
	iom.ScheduleCallback(func() {
		server, err := NewUDP(unix.AF_INET)
		if err != nil {
			result <- err
			return
		}
		defer server.Close()
		if err := server.Bind(loopback(t, 0)); err != nil {
			result <- err
			return
		}
		port := uint16(boundPort(server))

		client, err := NewUDP(unix.AF_INET)
		if err != nil {
			result <- err
			return
		}
		defer client.Close()
		if _, err := client.SendTo([]byte("datagram"), 0, loopback(t, port)); err != nil {
			result <- err
			return
		}

		var buf [32]byte
		n, from, err := server.RecvFrom(buf[:], 0)
		if err != nil {
			result <- err
			return
		}
		if string(buf[:n]) != "datagram" {
			t.Errorf("payload %q", buf[:n])
		}
		if from == nil {
			t.Error("source address missing")
		}
		result <- nil
	})

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("udp flow: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("udp flow hung")
	}
}

func TestSendRecvVec(t *testing.T) {
	iom := iomanager.New(2, false, "vec")
	defer iom.Stop()

	result := make(chan error, 1)
	iom.ScheduleCallback(func() {
		listener := NewTCP(unix.AF_INET)
		defer listener.Close()
		if err := listener.Bind(loopback(t, 0)); err != nil {
			result <- err
			return
		}
		listener.Listen(16)
		port := uint16(boundPort(listener))

		dial := NewTCP(unix.AF_INET)
		defer dial.Close()
		if err := dial.Connect(loopback(t, port), 1000); err != nil {
			result <- err
			return
		}
		conn, err := listener.Accept()
		if err != nil {
			result <- err
			return
		}
		defer conn.Close()

		if _, err := dial.SendVec([][]byte{[]byte("scat"), []byte("ter")}, 0); err != nil {
			result <- err
			return
		}
		head := make([]byte, 4)
		tail := make([]byte, 3)
		n, err := conn.RecvVec([][]byte{head, tail}, 0)
		if err != nil {
			result <- err
			return
		}
		if n != 7 || string(head) != "scat" || string(tail) != "ter" {
			t.Errorf("gathered n=%d %q %q", n, head, tail)
		}
		result <- nil
	})

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("vector flow: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("vector flow hung")
	}
}

func TestTimeoutAccessors(t *testing.T) {
	s := NewTCP(unix.AF_INET)
	if err := s.Bind(loopback(t, 0)); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.RecvTimeout() != -1 || s.SendTimeout() != -1 {
		t.Error("fresh socket must be unbounded")
	}
	s.SetRecvTimeout(250)
	s.SetSendTimeout(500)
	if s.RecvTimeout() != 250 || s.SendTimeout() != 500 {
		t.Errorf("timeouts: recv=%d send=%d", s.RecvTimeout(), s.SendTimeout())
	}
}

func TestToString(t *testing.T) {
	s := NewTCP(unix.AF_INET)
	if err := s.Bind(loopback(t, 0)); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	out := s.String()
	if out == "" || out[0] != '[' {
		t.Errorf("dump %q", out)
	}
}
