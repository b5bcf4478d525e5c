package chp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/dustingooding/lager-go/internal/wire"
)

// DefaultHeartbeatInterval is the publisher worker's cadence: every tick it
// either flushes accumulated mutations or, if none occurred, emits a single
// HUGZ heartbeat frame.
const DefaultHeartbeatInterval = 1 * time.Second

// ErrNotInitialized is returned by Start when Init has not been called.
var ErrNotInitialized = errors.New("chp: not initialized")

// ErrBindFailed wraps a listener bind failure from Init.
type ErrBindFailed struct {
	Port int
	Err  error
}

func (e *ErrBindFailed) Error() string {
	return fmt.Sprintf("chp: bind port %d: %v", e.Port, e.Err)
}

func (e *ErrBindFailed) Unwrap() error { return e.Err }

type serverRecord struct {
	key      string
	value    string
	sequence int64
	owner    uuid.UUID
	hasOwner bool
}

// Server is the authoritative CHP map. It binds three listeners
// (snapshot, publisher, collector) on basePort, basePort+1, basePort+2.
type Server struct {
	basePort int
	hbInterval time.Duration

	mu       sync.Mutex
	entries  map[string]serverRecord
	sequence int64
	pending  []serverRecord // keyed mutations queued since the last publish tick

	snapshotLn  net.Listener
	publisherLn net.Listener
	collectorLn net.Listener

	subsMu sync.Mutex
	subs   map[net.Conn]struct{}

	hookMu     sync.Mutex
	updateHook func(key, value string, sequence int64)

	initialized bool
	running     bool
	stopCh      chan struct{}
	wg          conc.WaitGroup
	stopOnce    sync.Once
}

// NewServer creates a Server that will bind to basePort once Init is called.
func NewServer(basePort int) *Server {
	return &Server{
		basePort:   basePort,
		hbInterval: DefaultHeartbeatInterval,
		entries:    make(map[string]serverRecord),
		subs:       make(map[net.Conn]struct{}),
		stopCh:     make(chan struct{}),
		sequence:   0,
	}
}

// SetHeartbeatInterval overrides the publisher worker's cadence. Must be
// called before Start.
func (s *Server) SetHeartbeatInterval(d time.Duration) {
	s.hbInterval = d
}

// Init validates the port range and binds all three listeners.
func (s *Server) Init(ctx context.Context) error {
	for _, port := range []int{s.basePort, s.basePort + 1, s.basePort + 2} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("chp: invalid port %d", port)
		}
	}

	var err error
	s.snapshotLn, err = net.Listen("tcp", ":"+strconv.Itoa(s.basePort))
	if err != nil {
		return &ErrBindFailed{Port: s.basePort, Err: err}
	}
	s.publisherLn, err = net.Listen("tcp", ":"+strconv.Itoa(s.basePort+1))
	if err != nil {
		_ = s.snapshotLn.Close()
		return &ErrBindFailed{Port: s.basePort + 1, Err: err}
	}
	s.collectorLn, err = net.Listen("tcp", ":"+strconv.Itoa(s.basePort+2))
	if err != nil {
		_ = s.snapshotLn.Close()
		_ = s.publisherLn.Close()
		return &ErrBindFailed{Port: s.basePort + 2, Err: err}
	}

	s.initialized = true
	return nil
}

// Start launches the snapshot, publisher, and collector workers.
func (s *Server) Start() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	s.running = true

	s.wg.Go(s.snapshotWorker)
	s.wg.Go(s.publisherWorker)
	s.wg.Go(s.collectorWorker)

	return nil
}

// Stop signals shutdown, closes all listeners and subscriber sockets, and
// blocks until every worker has exited. It is safe to call more than once
// and safe to call after a failed Start.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running = false
		close(s.stopCh)

		var errs error
		if s.snapshotLn != nil {
			errs = multierr.Append(errs, s.snapshotLn.Close())
		}
		if s.publisherLn != nil {
			errs = multierr.Append(errs, s.publisherLn.Close())
		}
		if s.collectorLn != nil {
			errs = multierr.Append(errs, s.collectorLn.Close())
		}

		s.subsMu.Lock()
		for c := range s.subs {
			_ = c.Close()
		}
		s.subsMu.Unlock()

		s.wg.Wait()
		err = errs
	})
	return err
}

// AddOrUpdate inserts or updates key with value, assigning it the next
// sequence number, and queues it for the next publisher tick.
func (s *Server) AddOrUpdate(key, value string) {
	s.applyMutation(key, value, uuid.UUID{}, false)
}

// Remove deletes key by recording an empty value, per the CHP convention.
func (s *Server) Remove(key string) {
	s.AddOrUpdate(key, "")
}

// applyMutation rejects a mutation outright once the server's sequence
// counter has reached maxSafeSequence: minting one more would silently lose
// precision the instant it crosses the wire as a float64. Per spec, an
// operator recovers by rotating (restarting) the server.
func (s *Server) applyMutation(key, value string, owner uuid.UUID, hasOwner bool) {
	s.mu.Lock()
	if s.sequence >= maxSafeSequence {
		s.mu.Unlock()
		log.Printf("chp: sequence counter reached %d, rejecting mutation for %q; rotate the server", maxSafeSequence, key)
		return
	}
	s.sequence++
	seq := s.sequence
	rec := serverRecord{key: key, value: value, sequence: seq, owner: owner, hasOwner: hasOwner}
	if value == "" {
		delete(s.entries, key)
	} else {
		s.entries[key] = rec
	}
	s.pending = append(s.pending, rec)
	s.mu.Unlock()

	s.invokeUpdateHook(key, value, seq)
}

// SetUpdateHook installs fn to be invoked, outside the server's internal
// lock, after every accepted mutation. Used to drive external observers
// such as the dashboard's SSE feed.
func (s *Server) SetUpdateHook(fn func(key, value string, sequence int64)) {
	s.hookMu.Lock()
	s.updateHook = fn
	s.hookMu.Unlock()
}

func (s *Server) invokeUpdateHook(key, value string, sequence int64) {
	s.hookMu.Lock()
	fn := s.updateHook
	s.hookMu.Unlock()
	if fn != nil {
		fn(key, value, sequence)
	}
}

// GetMap returns a snapshot-consistent copy of the current key/value map.
func (s *Server) GetMap() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v.value
	}
	return out
}

func (s *Server) snapshotWorker() {
	for {
		conn, err := s.snapshotLn.Accept()
		if err != nil {
			if !s.running {
				return
			}
			log.Printf("chp: snapshot accept: %v", err)
			return
		}
		s.wg.Go(func() { s.handleSnapshotConn(conn) })
	}
}

func (s *Server) handleSnapshotConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	frames, err := wire.ReadMessage(r)
	if err != nil {
		return
	}
	if len(frames) != 2 || string(frames[0]) != msgICANHAZ {
		log.Printf("chp: snapshot: malformed request, dropping")
		return
	}
	subtree := string(frames[1])

	s.mu.Lock()
	snap := make(map[string]serverRecord, len(s.entries))
	for k, v := range s.entries {
		snap[k] = v
	}
	seq := s.sequence
	s.mu.Unlock()

	for key, rec := range snap {
		if !strings.HasPrefix(key, subtree) {
			continue
		}
		if rec.value == "" {
			continue
		}
		var owner uuid.UUID
		hasOwner := rec.hasOwner
		if hasOwner {
			owner = rec.owner
		}
		if err := wire.WriteMessage(conn, encodeEntryFrames(key, float64(rec.sequence), owner, hasOwner, "", rec.value)...); err != nil {
			return
		}
	}

	_ = wire.WriteMessage(conn, terminatorFrames(seq, subtree)...)
}

func (s *Server) publisherWorker() {
	s.wg.Go(s.acceptSubscribers)

	ticker := time.NewTicker(s.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.publishTick()
		}
	}
}

func (s *Server) acceptSubscribers() {
	for {
		conn, err := s.publisherLn.Accept()
		if err != nil {
			return
		}
		s.subsMu.Lock()
		s.subs[conn] = struct{}{}
		s.subsMu.Unlock()
	}
}

func (s *Server) publishTick() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		s.broadcast(heartbeatFrames())
		return
	}

	for _, rec := range pending {
		var owner uuid.UUID
		if rec.hasOwner {
			owner = rec.owner
		}
		s.broadcast(encodeEntryFrames(rec.key, float64(rec.sequence), owner, rec.hasOwner, "", rec.value))
	}
}

func (s *Server) broadcast(frames [][]byte) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for c := range s.subs {
		if err := wire.WriteMessage(c, frames...); err != nil {
			delete(s.subs, c)
			_ = c.Close()
		}
	}
}

func (s *Server) collectorWorker() {
	for {
		conn, err := s.collectorLn.Accept()
		if err != nil {
			if !s.running {
				return
			}
			log.Printf("chp: collector accept: %v", err)
			return
		}
		s.wg.Go(func() { s.handleCollectorConn(conn) })
	}
}

func (s *Server) handleCollectorConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	frames, err := wire.ReadMessage(r)
	if err != nil {
		return
	}
	d, err := decodeEntryFrames(frames)
	if err != nil {
		log.Printf("chp: collector: %v", err)
		return
	}

	s.applyMutation(d.Key, d.Value, d.OwnerUUID, d.HasOwner)
}
