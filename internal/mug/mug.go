// Package mug implements the consumer side of the telemetry bus: it
// mirrors the CHP map to resolve schemas by tap identity, subscribes to
// the forwarder's backend for every published sample, and persists what
// it receives into a keg.
package mug

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/dustingooding/lager-go/internal/chp"
	"github.com/dustingooding/lager-go/internal/keg"
	"github.com/dustingooding/lager-go/internal/ports"
	"github.com/dustingooding/lager-go/internal/sample"
	"github.com/dustingooding/lager-go/internal/schema"
)

// clientTimeoutMillis matches the tap side's hardcoded CHP client timeout.
const clientTimeoutMillis = 2000

// ErrNotInitialized is returned by Start when Init has not been called.
var ErrNotInitialized = errors.New("mug: not initialized")

// Mug consumes samples published by taps, resolving each one's schema from
// the CHP map and persisting raw sample bytes to a keg.
type Mug struct {
	host     string
	basePort int

	id        uuid.UUID
	chpClient *chp.Client
	keg       *keg.Keg

	mu        sync.Mutex
	formatMap map[uuid.UUID]*schema.Format

	initialized bool
	stopCh      chan struct{}
	wg          conc.WaitGroup
	stopOnce    sync.Once
}

// New creates an uninitialized Mug.
func New() *Mug {
	return &Mug{stopCh: make(chan struct{}), formatMap: make(map[uuid.UUID]*schema.Format)}
}

// Init validates the subscriber port, stands up the CHP client and its
// hashMapUpdated callback, and creates the keg under kegDir.
func (m *Mug) Init(ctx context.Context, host string, basePort int, kegDir string) error {
	subscriberPort := basePort + ports.ForwarderBackendOffset
	if subscriberPort < 0 || subscriberPort > 65535 {
		return fmt.Errorf("mug: invalid forwarder port %d", subscriberPort)
	}

	m.host = host
	m.basePort = basePort
	m.id = uuid.New()

	m.keg = keg.New(kegDir)

	m.chpClient = chp.NewClient(host, basePort, clientTimeoutMillis)
	if err := m.chpClient.Init(ctx, m.id); err != nil {
		return fmt.Errorf("mug: chp client init: %w", err)
	}
	m.chpClient.SetCallback(m.hashMapUpdated)

	m.initialized = true
	return nil
}

// Start launches the keg, the CHP client, and the data-subscriber worker.
func (m *Mug) Start() error {
	if !m.initialized {
		return ErrNotInitialized
	}

	if err := m.keg.Start(); err != nil {
		return fmt.Errorf("mug: keg start: %w", err)
	}
	if err := m.chpClient.Start(); err != nil {
		return fmt.Errorf("mug: chp client start: %w", err)
	}

	m.wg.Go(m.subscriberWorker)
	return nil
}

// Stop signals the subscriber worker to exit, then stops the CHP client
// and keg. Safe to call more than once.
func (m *Mug) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		if cerr := m.chpClient.Stop(); cerr != nil {
			err = cerr
		}
		if kerr := m.keg.Stop(); kerr != nil && err == nil {
			err = kerr
		}
	})
	return err
}

// hashMapUpdated re-resolves every CHP entry's schema and, where a
// registering client's uuid maps to that entry's key, indexes the parsed
// schema by uuid and informs the keg. Invoked by the CHP client outside
// its own lock; guards its own state under m.mu.
func (m *Mug) hashMapUpdated() {
	hashMap := m.chpClient.GetMap()
	uuidMap := m.chpClient.GetUUIDMap()

	m.mu.Lock()
	defer m.mu.Unlock()

	for topic, xmlStr := range hashMap {
		format, err := schema.ParseFromString(xmlStr)
		if err != nil {
			continue
		}
		for key, owner := range uuidMap {
			if key != topic {
				continue
			}
			m.formatMap[owner] = format
			_ = m.keg.AddFormat(owner, topic, xmlStr)
		}
	}
}

func (m *Mug) subscriberWorker() {
	addr := net.JoinHostPort(m.host, strconv.Itoa(m.basePort+ports.ForwarderBackendOffset))

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		m.relay(conn)
	}
}

func (m *Mug) relay(conn net.Conn) {
	defer conn.Close()

	go func() {
		<-m.stopCh
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		msg, err := sample.Decode(r)
		if err != nil {
			if errors.Is(err, sample.ErrMalformedMessage) {
				continue
			}
			return
		}
		m.ingest(msg)
	}
}

// ingest mirrors the observed persistence behavior: the buffer grows by
// one frame at a time and is written to the keg after every frame, not
// once at the end of the message.
func (m *Mug) ingest(msg sample.Message) {
	buf := msg.Prefix()
	for _, frame := range msg.Data {
		buf = append(buf, frame...)
		if err := m.keg.Write(msg.UUID, buf); err != nil {
			return
		}
	}
}
