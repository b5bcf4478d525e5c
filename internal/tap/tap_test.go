package tap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dustingooding/lager-go/internal/chp"
	"github.com/dustingooding/lager-go/internal/forwarder"
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

func TestInitRejectsBadPort(t *testing.T) {
	tp := New()
	if err := tp.Init(context.Background(), "localhost", 65536); err == nil {
		t.Fatal("expected error for out-of-range forwarder port")
	}
}

func TestStartWithoutInitFails(t *testing.T) {
	tp := New()
	if err := tp.Start("/test", `<format version="v1"><item name="a" type="u8" size="1" offset="0"/></format>`, false); err == nil {
		t.Fatal("expected error starting uninitialized tap")
	}
}

func TestAddItemIdempotentByName(t *testing.T) {
	tp := New()
	var v uint32
	tp.AddItem(Item{Name: "num1", Get: func() []byte { return []byte{byte(v)} }})
	tp.AddItem(Item{Name: "other", Get: func() []byte { return []byte{0} }})
	tp.AddItem(Item{Name: "num1", Get: func() []byte { return []byte{byte(v + 1)} }})

	items := tp.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 distinct items, got %d", len(items))
	}

	names := map[string]int{}
	for _, it := range items {
		names[it.Name]++
	}
	if names["num1"] != 1 {
		t.Fatalf("expected exactly one num1 item, got %d", names["num1"])
	}
}

func TestStartRegistersSchemaWithServer(t *testing.T) {
	base := freePort(t)
	srv := chp.NewServer(base)
	if err := srv.Init(context.Background()); err != nil {
		t.Fatalf("server Init: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer srv.Stop()

	fwd := forwarder.New(base)
	if err := fwd.Init(context.Background()); err != nil {
		t.Fatalf("forwarder Init: %v", err)
	}
	if err := fwd.Start(); err != nil {
		t.Fatalf("forwarder Start: %v", err)
	}
	defer fwd.Stop()

	tp := New()
	if err := tp.Init(context.Background(), "127.0.0.1", base); err != nil {
		t.Fatalf("tap Init: %v", err)
	}
	tp.AddItem(Item{Name: "num1", Get: func() []byte { return []byte{1} }})

	schemaXML := `<format version="test"><item name="num1" type="u8" size="1" offset="0"/></format>`
	if err := tp.Start("/test", schemaXML, false); err != nil {
		t.Fatalf("tap Start: %v", err)
	}
	defer tp.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := srv.GetMap()["/test"]; ok && v == schemaXML {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("schema never appeared in server map")
}
