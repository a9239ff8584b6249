package imapserver

import (
	"bufio"
	"net"
	"sync"
	"testing"
)

// newTestConn builds a minimal Conn sufficient to exercise closeLocked and
// the COMPRESS closing-state check without a full server/session.
func newTestConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	c := &Conn{
		Logf:    t.Logf,
		netConn: serverSide,
		bw:      bufio.NewWriter(serverSide),
	}
	return c, clientSide
}

// TestCloseIdempotent pins closeLocked's "Closing" sub-state: repeated
// calls, even from concurrent goroutines (mirroring a Server.Shutdown
// cleanup pass racing the connection's own serve goroutine), tear the
// connection down exactly once.
func TestCloseIdempotent(t *testing.T) {
	c, clientSide := newTestConn(t)
	defer clientSide.Close()

	readDone := make(chan struct{})
	go func() {
		clientSide.Read(make([]byte, 1))
		close(readDone)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.close()
		}()
	}
	wg.Wait()

	if !c.closing {
		t.Fatalf("closing = false after close(), want true")
	}
	<-readDone
}

// TestCompressRefusedWhileClosing pins the fix for the documented
// COMPRESS/close race: once a connection's Closing sub-state has been
// entered, COMPRESS must fail cleanly instead of reassigning the
// connection's read/write pipeline underneath a teardown in progress.
func TestCompressRefusedWhileClosing(t *testing.T) {
	c, clientSide := newTestConn(t)
	defer clientSide.Close()

	c.bwMu.Lock()
	c.closing = true
	c.bwMu.Unlock()

	if c.compressing {
		t.Fatalf("compressing = true before COMPRESS handling, want false")
	}

	// Mirrors the guard at the top of the COMPRESS case in serveCmd.
	refuse := func() bool {
		c.bwMu.Lock()
		defer c.bwMu.Unlock()
		if c.closing {
			return true
		}
		c.compressing = true
		return false
	}

	if !refuse() {
		t.Fatalf("COMPRESS was allowed to proceed while c.closing was true")
	}
	if c.compressing {
		t.Fatalf("compressing = true, want false: COMPRESS must not engage DEFLATE once closing has started")
	}
}
