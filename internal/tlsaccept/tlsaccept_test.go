package tlsaccept

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func listenAndDial(t *testing.T) (ln net.Listener, dial func() net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, func() net.Conn {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return c
	}
}

func TestPlainPassesBytesThrough(t *testing.T) {
	ln, dial := listenAndDial(t)
	l := New(ln, Plain, nil)

	var gotEvent Event
	l.OnEvent = func(addr string, ev Event) { gotEvent = ev }

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := l.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		if _, err := c.Read(buf); err != nil {
			t.Errorf("Read: %v", err)
			return
		}
		if string(buf) != "hello" {
			t.Errorf("Read = %q, want hello", buf)
		}
	}()

	client := dial()
	defer client.Close()
	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept goroutine")
	}
	if gotEvent != EventPlaintext {
		t.Errorf("OnEvent = %v, want EventPlaintext", gotEvent)
	}
}

func TestAutoDetectsPlaintextFirstByte(t *testing.T) {
	ln, dial := listenAndDial(t)
	l := New(ln, Auto, nil)

	events := make(chan Event, 1)
	l.OnEvent = func(addr string, ev Event) { events <- ev }

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		connCh <- c
	}()

	client := dial()
	defer client.Close()
	if _, err := client.Write([]byte("EHLO x\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case ev := <-events:
		if ev != EventPlaintext {
			t.Errorf("event = %v, want EventPlaintext", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for classification event")
	}

	c := <-connCh
	defer c.Close()
	r := bufio.NewReader(c)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "EHLO x\r\n" {
		t.Errorf("ReadString = %q, want peeked bytes preserved", line)
	}
}

func TestAutoDetectsTLSClientHelloFirstBytes(t *testing.T) {
	ln, dial := listenAndDial(t)
	l := New(ln, Auto, nil)

	events := make(chan Event, 1)
	l.OnEvent = func(addr string, ev Event) { events <- ev }

	go func() {
		if _, err := l.Accept(); err != nil {
			t.Errorf("Accept: %v", err)
		}
	}()

	client := dial()
	defer client.Close()
	if _, err := client.Write([]byte{0x16, 0x03, 0x01, 0x00, 0x05}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case ev := <-events:
		if ev != EventTLSEstablished {
			t.Errorf("event = %v, want EventTLSEstablished", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for classification event")
	}
}
