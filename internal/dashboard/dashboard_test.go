package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dustingooding/lager-go/internal/maphub"
)

type fakeMapSource struct {
	m map[string]string
}

func (f *fakeMapSource) GetMap() map[string]string { return f.m }

type fakeConnStats struct {
	taps, mugs int
}

func (f *fakeConnStats) ConnCounts() (int, int) { return f.taps, f.mugs }

func newTestServer() *Server {
	src := &fakeMapSource{m: map[string]string{"testkey": "testvalue"}}
	stats := &fakeConnStats{taps: 1, mugs: 2}
	return New(0, src, stats, maphub.New())
}

func TestIndexReturns200(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "testkey") {
		t.Fatalf("expected rendered map to contain testkey, got %q", body)
	}
	if !strings.Contains(body, "taps: 1") || !strings.Contains(body, "mugs: 2") {
		t.Fatalf("expected rendered conn counts from ConnStats, got %q", body)
	}
}

func TestAPIMapReturnsJSON(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest("GET", "/api/map", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got["testkey"] != "testvalue" {
		t.Fatalf("got %v, want testkey=testvalue", got)
	}
}
