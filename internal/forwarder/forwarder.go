// Package forwarder implements the stateless fan-out relay that sits
// between tap publishers and mug subscribers. It never inspects sample
// contents; it just relays whole framed messages from any frontend
// connection to every backend connection.
package forwarder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/dustingooding/lager-go/internal/ports"
	"github.com/dustingooding/lager-go/internal/wire"
)

// ErrNotInitialized is returned by Start when Init has not been called.
var ErrNotInitialized = errors.New("forwarder: not initialized")

// ErrBindFailed wraps a listener bind failure from Init.
type ErrBindFailed struct {
	Port int
	Err  error
}

func (e *ErrBindFailed) Error() string {
	return fmt.Sprintf("forwarder: bind port %d: %v", e.Port, e.Err)
}

func (e *ErrBindFailed) Unwrap() error { return e.Err }

// Forwarder relays sample messages from tap publishers (frontend) to mug
// subscribers (backend). It binds basePort+ForwarderFrontendOffset and
// basePort+ForwarderBackendOffset.
type Forwarder struct {
	basePort int

	frontendLn net.Listener
	backendLn  net.Listener

	frontMu sync.Mutex
	fronts  map[net.Conn]struct{}

	subsMu sync.Mutex
	subs   map[net.Conn]struct{}

	hookMu  sync.Mutex
	onRelay func(frameBytes int)

	initialized bool
	running     bool
	stopCh      chan struct{}
	wg          conc.WaitGroup
	stopOnce    sync.Once
}

// New creates a Forwarder that will bind relative to basePort once Init is
// called.
func New(basePort int) *Forwarder {
	return &Forwarder{
		basePort: basePort,
		fronts:   make(map[net.Conn]struct{}),
		subs:     make(map[net.Conn]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// SetRelayHook installs fn to be invoked, outside the forwarder's internal
// locks, with the total frame byte count of every message relayed from
// frontend to backend. Used to drive external traffic counters such as the
// dashboard's byte display.
func (f *Forwarder) SetRelayHook(fn func(frameBytes int)) {
	f.hookMu.Lock()
	f.onRelay = fn
	f.hookMu.Unlock()
}

func (f *Forwarder) invokeRelayHook(frameBytes int) {
	f.hookMu.Lock()
	fn := f.onRelay
	f.hookMu.Unlock()
	if fn != nil {
		fn(frameBytes)
	}
}

// ConnCounts reports the number of currently connected frontend (tap)
// publishers and backend (mug) subscribers.
func (f *Forwarder) ConnCounts() (taps, mugs int) {
	f.frontMu.Lock()
	taps = len(f.fronts)
	f.frontMu.Unlock()

	f.subsMu.Lock()
	mugs = len(f.subs)
	f.subsMu.Unlock()

	return taps, mugs
}

// Init binds the frontend and backend listeners.
func (f *Forwarder) Init(ctx context.Context) error {
	frontendPort := f.basePort + ports.ForwarderFrontendOffset
	backendPort := f.basePort + ports.ForwarderBackendOffset
	for _, port := range []int{frontendPort, backendPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("forwarder: invalid port %d", port)
		}
	}

	var err error
	f.frontendLn, err = net.Listen("tcp", ":"+strconv.Itoa(frontendPort))
	if err != nil {
		return &ErrBindFailed{Port: frontendPort, Err: err}
	}
	f.backendLn, err = net.Listen("tcp", ":"+strconv.Itoa(backendPort))
	if err != nil {
		_ = f.frontendLn.Close()
		return &ErrBindFailed{Port: backendPort, Err: err}
	}

	f.initialized = true
	return nil
}

// Start launches the frontend and backend accept workers.
func (f *Forwarder) Start() error {
	if !f.initialized {
		return ErrNotInitialized
	}
	f.running = true

	f.wg.Go(f.frontendWorker)
	f.wg.Go(f.backendWorker)
	return nil
}

// Stop signals shutdown, closes all sockets, and blocks until every
// worker has exited. Safe to call more than once.
func (f *Forwarder) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		f.running = false
		close(f.stopCh)

		var errs error
		if f.frontendLn != nil {
			errs = multierr.Append(errs, f.frontendLn.Close())
		}
		if f.backendLn != nil {
			errs = multierr.Append(errs, f.backendLn.Close())
		}

		f.frontMu.Lock()
		for c := range f.fronts {
			_ = c.Close()
		}
		f.frontMu.Unlock()

		f.subsMu.Lock()
		for c := range f.subs {
			_ = c.Close()
		}
		f.subsMu.Unlock()

		f.wg.Wait()
		err = errs
	})
	return err
}

func (f *Forwarder) frontendWorker() {
	for {
		conn, err := f.frontendLn.Accept()
		if err != nil {
			if !f.running {
				return
			}
			log.Printf("forwarder: frontend accept: %v", err)
			return
		}
		f.wg.Go(func() { f.relayFrontendConn(conn) })
	}
}

func (f *Forwarder) relayFrontendConn(conn net.Conn) {
	f.frontMu.Lock()
	f.fronts[conn] = struct{}{}
	f.frontMu.Unlock()

	defer func() {
		f.frontMu.Lock()
		delete(f.fronts, conn)
		f.frontMu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		frames, err := wire.ReadMessage(r)
		if err != nil {
			return
		}
		n := 0
		for _, fr := range frames {
			n += len(fr)
		}
		f.invokeRelayHook(n)
		f.broadcast(frames)
	}
}

func (f *Forwarder) backendWorker() {
	for {
		conn, err := f.backendLn.Accept()
		if err != nil {
			if !f.running {
				return
			}
			log.Printf("forwarder: backend accept: %v", err)
			return
		}
		f.subsMu.Lock()
		f.subs[conn] = struct{}{}
		f.subsMu.Unlock()
	}
}

func (f *Forwarder) broadcast(frames [][]byte) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	for c := range f.subs {
		if err := wire.WriteMessage(c, frames...); err != nil {
			delete(f.subs, c)
			_ = c.Close()
		}
	}
}
