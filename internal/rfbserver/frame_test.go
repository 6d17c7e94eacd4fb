package rfbserver

import (
	"io"
	"net"
	"testing"

	"github.com/openbmc-ikvm/ikvmd/internal/capture"
)

// drain reads and discards everything written to conn until it is closed,
// which net.Pipe's synchronous, unbuffered transport requires so that
// client writes in the code under test don't block forever.
func drain(conn net.Conn) {
	go io.Copy(io.Discard, conn)
}

func TestSendFrameToClientSkipsWhenNeedUpdateFalse(t *testing.T) {
	srv := &Server{frameRate: 30, frames: &fakeFrameSource{pixelFormat: capture.PixelFormatJPEG}, input: &fakeInput{led: 0x00}, clients: make(map[*client]struct{})}
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()
	drain(peer)

	c := newClientConn(conn, srv)
	c.setSkipFrame(0)
	c.setNeedUpdate(false)

	sent := srv.sendFrameToClient(c, nil)
	if sent {
		t.Fatal("expected no send when needUpdate is false")
	}
}

func TestSendFrameToClientSkipsDuringSkipFrameWindow(t *testing.T) {
	srv := &Server{frameRate: 30, frames: &fakeFrameSource{pixelFormat: capture.PixelFormatJPEG}, input: &fakeInput{led: 0x00}, clients: make(map[*client]struct{})}
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()
	drain(peer)

	c := newClientConn(conn, srv)
	c.setSkipFrame(1)
	c.setNeedUpdate(true)

	sent := srv.sendFrameToClient(c, nil)
	if sent {
		t.Fatal("expected no send while skipFrame is still positive")
	}
}

func TestSendFrameToClientRejectsMalformedTrailer(t *testing.T) {
	srv := &Server{frameRate: 30, frames: &fakeFrameSource{pixelFormat: capture.PixelFormatJPEG}, input: &fakeInput{led: 0x00}, clients: make(map[*client]struct{})}
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()
	drain(peer)

	c := newClientConn(conn, srv)
	c.setSkipFrame(0)
	c.setNeedUpdate(true)

	frame := capture.NewBuffer([]byte{0xFF, 0xD8, 0x00, 0x00}) // no 0xFF 0xD9 EOI trailer
	sent := srv.sendFrameToClient(c, frame)
	if sent {
		t.Fatal("expected no send for a frame with a malformed trailer")
	}
	if !c.getNeedUpdate() {
		t.Fatal("expected needUpdate to remain set when the frame could not be validated")
	}
}

func TestSendFrameToClientProbesNumLockTwice(t *testing.T) {
	input := &fakeInput{led: 0xFF}
	srv := &Server{frameRate: 30, frames: &fakeFrameSource{pixelFormat: capture.PixelFormatRGB24}, input: input, clients: make(map[*client]struct{})}
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()
	drain(peer)

	c := newClientConn(conn, srv)
	c.setSkipFrame(0)
	c.setNeedUpdate(true)

	frame := capture.NewBuffer(append([]byte{0xFF, 0xD8}, 0xFF, 0xD9))
	srv.sendFrameToClient(c, frame)

	if len(input.keyEvents) != 4 {
		t.Fatalf("keyEvents = %d, want 4 (two down/up pairs)", len(input.keyEvents))
	}
	want := []bool{true, false, true, false}
	for i, v := range want {
		if input.keyEvents[i] != v {
			t.Fatalf("keyEvents[%d] = %v, want %v", i, input.keyEvents[i], v)
		}
	}
}

func TestDisconnectAllClosesEveryClient(t *testing.T) {
	srv := &Server{frameRate: 30, frames: &fakeFrameSource{}, input: &fakeInput{}, session: &fakeSessions{}, clients: make(map[*client]struct{})}

	conn1, peer1 := net.Pipe()
	defer conn1.Close()
	defer peer1.Close()
	drain(peer1)
	conn2, peer2 := net.Pipe()
	defer conn2.Close()
	defer peer2.Close()
	drain(peer2)

	c1 := newClientConn(conn1, srv)
	c2 := newClientConn(conn2, srv)
	srv.clients[c1] = struct{}{}
	srv.clients[c2] = struct{}{}

	srv.disconnectAll()

	if !c1.isClosed() || !c2.isClosed() {
		t.Fatal("expected disconnectAll to close every client")
	}
	if len(srv.clients) != 0 {
		t.Fatalf("len(clients) = %d, want 0 after disconnectAll", len(srv.clients))
	}
}
