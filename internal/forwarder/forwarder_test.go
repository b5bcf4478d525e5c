package forwarder

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/dustingooding/lager-go/internal/ports"
	"github.com/dustingooding/lager-go/internal/wire"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestForwarderStartWithoutInitFails(t *testing.T) {
	f := New(freePort(t))
	if err := f.Start(); err == nil {
		t.Fatal("expected error starting uninitialized forwarder")
	}
}

func TestForwarderRelaysFrontendToBackend(t *testing.T) {
	base := freePort(t)
	f := New(base)
	if err := f.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Stop()

	backendConn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(base+ports.ForwarderBackendOffset))
	if err != nil {
		t.Fatalf("dial backend: %v", err)
	}
	defer backendConn.Close()
	time.Sleep(100 * time.Millisecond) // let the accept loop register the subscriber

	frontendConn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(base+ports.ForwarderFrontendOffset))
	if err != nil {
		t.Fatalf("dial frontend: %v", err)
	}
	defer frontendConn.Close()

	if err := wire.WriteMessage(frontendConn, []byte("hello"), []byte("world")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	_ = backendConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frames, err := wire.ReadMessage(bufio.NewReader(backendConn))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(frames) != 2 || string(frames[0]) != "hello" || string(frames[1]) != "world" {
		t.Fatalf("got frames %v", frames)
	}
}
