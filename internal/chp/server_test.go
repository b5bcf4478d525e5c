package chp

import (
	"context"
	"testing"
	"time"
)

func TestServerStartWithoutInitFails(t *testing.T) {
	s := NewServer(freePort(t))
	if err := s.Start(); err == nil {
		t.Fatal("expected error starting uninitialized server")
	}
}

func TestServerInitRejectsBadPort(t *testing.T) {
	s := NewServer(-1)
	if err := s.Init(context.Background()); err == nil {
		t.Fatal("expected error for negative base port")
	}

	s2 := NewServer(65534) // 65534+2 > 65535
	if err := s2.Init(context.Background()); err == nil {
		t.Fatal("expected error for out-of-range offset port")
	}
}

func TestServerSoloAddRemove(t *testing.T) {
	s := NewServer(freePort(t))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if len(s.GetMap()) != 0 {
		t.Fatalf("expected empty map at start")
	}

	s.AddOrUpdate("testkey", "testvalue")
	time.Sleep(100 * time.Millisecond)
	if got := s.GetMap()["testkey"]; got != "testvalue" {
		t.Fatalf("got %q, want testvalue", got)
	}

	s.Remove("testkey")
	time.Sleep(100 * time.Millisecond)
	if len(s.GetMap()) != 0 {
		t.Fatalf("expected empty map after remove, got %v", s.GetMap())
	}
}

func TestServerStopIsIdempotent(t *testing.T) {
	s := NewServer(freePort(t))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestServerStopSafeAfterFailedStart(t *testing.T) {
	s := NewServer(freePort(t))
	_ = s.Start() // fails: not initialized
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop after failed Start: %v", err)
	}
}
