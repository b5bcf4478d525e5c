// Package dashboard serves a small HTTP status page over the bartender
// host's live CHP map: an HTML snapshot, a JSON snapshot, and an SSE
// stream of map mutations fed by internal/maphub.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dustingooding/lager-go/internal/maphub"
)

//go:embed templates/*.html
var templateFS embed.FS

// MapSource is the read side of a CHP server's map, as needed to render
// the status page.
type MapSource interface {
	GetMap() map[string]string
}

// ConnStats reports the forwarder's current connection counts, used to
// populate the status page's tap/mug counters.
type ConnStats interface {
	ConnCounts() (taps, mugs int)
}

// Server is the bartender's HTTP status page.
type Server struct {
	mapSource MapSource
	connStats ConnStats
	hub       *maphub.Hub

	mux    *http.ServeMux
	tmpl   *template.Template
	server *http.Server

	mu         sync.Mutex
	sampleByte uint64
}

// New creates a dashboard server bound to port, reading the CHP map from
// src, the tap/mug connection counts from stats, and receiving map-change
// events from hub.
func New(port int, src MapSource, stats ConnStats, hub *maphub.Hub) *Server {
	s := &Server{
		mapSource: src,
		connStats: stats,
		hub:       hub,
		mux:       http.NewServeMux(),
	}

	s.tmpl = template.Must(template.ParseFS(templateFS, "templates/*.html"))
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /api/map", s.handleAPIMap)
	s.mux.HandleFunc("GET /events", s.handleEvents)
}

// Start begins serving HTTP requests. It blocks until the server is shut
// down.
func (s *Server) Start() error {
	log.Printf("dashboard listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// RecordSample tallies a relayed message's frame bytes for the byte
// counter shown on the status page. Wired to the forwarder's relay hook.
func (s *Server) RecordSample(n int) {
	s.mu.Lock()
	s.sampleByte += uint64(n)
	s.mu.Unlock()
}

type indexView struct {
	Entries    map[string]string
	EntryCount int
	Taps       int
	Mugs       int
	Bytes      string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	entries := s.mapSource.GetMap()
	taps, mugs := s.connStats.ConnCounts()

	s.mu.Lock()
	sampleByte := s.sampleByte
	s.mu.Unlock()

	view := indexView{
		Entries:    entries,
		EntryCount: len(entries),
		Taps:       taps,
		Mugs:       mugs,
		Bytes:      humanize.Bytes(sampleByte),
	}

	if err := s.tmpl.ExecuteTemplate(w, "index.html", view); err != nil {
		log.Printf("dashboard: render index: %v", err)
		http.Error(w, "render error", http.StatusInternalServerError)
	}
}

func (s *Server) handleAPIMap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.mapSource.GetMap()); err != nil {
		log.Printf("dashboard: encode map: %v", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(u)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
