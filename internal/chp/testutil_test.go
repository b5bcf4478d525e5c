package chp

import (
	"net"
	"testing"
)

// freePort finds an available TCP port by briefly binding to ":0". There is
// an inherent TOCTOU race between the close here and the caller's bind, but
// it's the same trick the teacher's own tests use and is good enough for a
// local test suite.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
