// Package tap implements the producer side of the telemetry bus: a state
// machine that registers a schema under a CHP key, then streams sample
// messages built from a set of named data items to the forwarder.
package tap

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/dustingooding/lager-go/internal/chp"
	"github.com/dustingooding/lager-go/internal/ports"
	"github.com/dustingooding/lager-go/internal/sample"
	"github.com/dustingooding/lager-go/internal/schema"
)

// clientTimeoutMillis is the CHP client's subscriber timeout. The original
// source hardcodes this to 2000ms "for testing"; kept as-is.
const clientTimeoutMillis = 2000

// slowJoinerDelay mirrors the publisher thread's post-connect pause before
// it starts sending, giving the forwarder's accept loop time to register
// the connection.
const slowJoinerDelay = 1 * time.Second

// pollInterval is how often the publisher worker checks for a pending
// sample. The original spins continuously on the flag; a short sleep
// keeps the same "check and send" shape without burning a core.
const pollInterval = 5 * time.Millisecond

// State is one of the tap's lifecycle stages.
type State int

const (
	StateUninit State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrWrongState is returned when an operation is attempted from a state
// that doesn't permit it.
type ErrWrongState struct {
	Op    string
	State State
}

func (e *ErrWrongState) Error() string {
	return fmt.Sprintf("tap: %s not valid in state %s", e.Op, e.State)
}

// Item is one named value a tap publishes on every sample. Get must return
// a buffer whose length is one of {1,2,4,8} bytes.
type Item struct {
	Name string
	Get  func() []byte
}

// Tap is a telemetry producer. Its zero value is not usable; create one
// with New.
type Tap struct {
	host     string
	basePort int

	mu    sync.Mutex
	state State
	items []Item

	id         uuid.UUID
	chpClient  *chp.Client
	key        string
	schemaXML  string
	version    string

	dataMu    sync.Mutex
	newData   bool
	timestamp uint64

	stopCh chan struct{}
	wg     conc.WaitGroup
}

// New creates an uninitialized Tap.
func New() *Tap {
	return &Tap{state: StateUninit, stopCh: make(chan struct{})}
}

// Init validates basePort and stands up the CHP client the tap will use to
// register its schema.
func (t *Tap) Init(ctx context.Context, host string, basePort int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	publisherPort := basePort + ports.ForwarderFrontendOffset
	if publisherPort < 0 || publisherPort > 65535 {
		return fmt.Errorf("tap: invalid forwarder port %d", publisherPort)
	}

	t.host = host
	t.basePort = basePort
	t.id = uuid.New()

	t.chpClient = chp.NewClient(host, basePort, clientTimeoutMillis)
	if err := t.chpClient.Init(ctx, t.id); err != nil {
		return fmt.Errorf("tap: chp client init: %w", err)
	}

	t.state = StateInitialized
	return nil
}

// AddItem registers item for publication. A second call with a name
// already present replaces the existing item rather than appending a
// duplicate.
func (t *Tap) AddItem(item Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.items {
		if existing.Name == item.Name {
			t.items[i] = item
			return
		}
	}
	t.items = append(t.items, item)
}

// Items returns a copy of the currently registered items.
func (t *Tap) Items() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Item, len(t.items))
	copy(out, t.items)
	return out
}

// Start parses schemaSource as a schema descriptor (a file path if isFile,
// otherwise raw XML), registers its serialized form under key via CHP, and
// launches the publisher worker.
func (t *Tap) Start(key, schemaSource string, isFile bool) error {
	t.mu.Lock()
	if t.state != StateInitialized {
		t.mu.Unlock()
		return &ErrWrongState{Op: "start", State: t.state}
	}

	var f *schema.Format
	var xmlStr string
	var err error
	if isFile {
		f, xmlStr, err = schema.ParseFromFile(schemaSource)
	} else {
		f, err = schema.ParseFromString(schemaSource)
		xmlStr = schemaSource
	}
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("tap: parse schema: %w", err)
	}

	t.key = key
	t.schemaXML = xmlStr
	t.version = f.Version
	t.state = StateRunning
	t.mu.Unlock()

	if err := t.chpClient.Start(); err != nil {
		return fmt.Errorf("tap: chp client start: %w", err)
	}
	t.chpClient.AddOrUpdate(key, xmlStr)

	t.wg.Go(t.publisherWorker)
	return nil
}

// Log marks a new sample as pending, stamped with the current time. The
// registered items' values are read when the publisher worker sends it.
func (t *Tap) Log() {
	t.dataMu.Lock()
	t.timestamp = uint64(time.Now().UnixNano())
	t.newData = true
	t.dataMu.Unlock()
}

// Stop halts the publisher worker and the underlying CHP client. Safe to
// call once the tap is running; idempotent thereafter.
func (t *Tap) Stop() error {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return nil
	}
	t.state = StateStopped
	t.mu.Unlock()

	close(t.stopCh)
	t.wg.Wait()

	return t.chpClient.Stop()
}

func (t *Tap) publisherWorker() {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.basePort+ports.ForwarderFrontendOffset))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return
	}
	defer conn.Close()

	time.Sleep(slowJoinerDelay)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.maybePublish(conn)
		}
	}
}

func (t *Tap) maybePublish(conn net.Conn) {
	t.dataMu.Lock()
	if !t.newData {
		t.dataMu.Unlock()
		return
	}
	ts := t.timestamp
	items := t.Items()
	data := make([][]byte, 0, len(items))
	for _, it := range items {
		data = append(data, it.Get())
	}
	t.newData = false
	t.dataMu.Unlock()

	msg := sample.Message{
		UUID:      t.id,
		Version:   t.version,
		Timestamp: ts,
		Data:      data,
	}
	_ = sample.Encode(conn, msg)
}
