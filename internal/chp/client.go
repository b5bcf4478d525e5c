package chp

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
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc"

	"github.com/dustingooding/lager-go/internal/wire"
)

// DefaultSlowJoinerDelay is how long an ephemeral mutation publisher waits
// after connecting before it sends, giving the collector's connection a
// chance to settle. See the design notes on slow-joiner mitigation.
const DefaultSlowJoinerDelay = 1 * time.Second

// newCappedBackoff builds the exponential-with-cap policy shared by the
// snapshot and subscriber reconnect loops. Retries are infinite; only the
// per-attempt delay is bounded.
func newCappedBackoff() retry.Backoff {
	b, err := retry.NewExponential(100 * time.Millisecond)
	if err != nil {
		// base duration is a positive constant above; this cannot fail.
		panic(err)
	}
	return retry.WithCappedDuration(5*time.Second, b)
}

// Client mirrors a Server's map locally. It maintains its own connections
// to the server's snapshot and publisher ports and dials the collector port
// on demand for each local mutation.
type Client struct {
	host          string
	basePort      int
	timeout       time.Duration
	slowJoinDelay time.Duration

	id uuid.UUID

	mu            sync.Mutex
	values        map[string]string
	owners        map[string]uuid.UUID
	localSequence int64
	lastRecv      time.Time

	cbMu     sync.Mutex
	callback func()

	initialized bool
	stopCh      chan struct{}
	resnapshot  chan struct{}
	wg          conc.WaitGroup
	stopOnce    sync.Once
}

// NewClient creates a Client targeting a server's three ports, which it
// expects to find at host:basePort, host:basePort+1, host:basePort+2.
// timeoutMillis governs both the subscriber read deadline and IsTimedOut.
func NewClient(host string, basePort int, timeoutMillis int) *Client {
	return &Client{
		host:          host,
		basePort:      basePort,
		timeout:       time.Duration(timeoutMillis) * time.Millisecond,
		slowJoinDelay: DefaultSlowJoinerDelay,
		values:        make(map[string]string),
		owners:        make(map[string]uuid.UUID),
		stopCh:        make(chan struct{}),
		resnapshot:    make(chan struct{}, 1),
	}
}

// Init validates the port range and records the client's identity.
func (c *Client) Init(ctx context.Context, id uuid.UUID) error {
	for _, port := range []int{c.basePort, c.basePort + 1, c.basePort + 2} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("chp: invalid port %d", port)
		}
	}
	c.id = id
	c.initialized = true
	return nil
}

// Start launches the snapshot and subscriber workers and kicks off an
// initial snapshot fetch.
func (c *Client) Start() error {
	if !c.initialized {
		return ErrNotInitialized
	}

	c.mu.Lock()
	c.lastRecv = time.Now()
	c.mu.Unlock()

	c.resnapshot <- struct{}{}
	c.wg.Go(c.snapshotLoop)
	c.wg.Go(c.subscriberLoop)
	return nil
}

// Stop signals both workers to exit and blocks until they do. Safe to call
// more than once.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
	})
	return nil
}

// AddOrUpdate asynchronously proposes a mutation to the server's collector.
// It returns immediately; the actual send happens on a detached goroutine
// after a short slow-joiner delay.
func (c *Client) AddOrUpdate(key, value string) {
	go c.publishMutation(key, value)
}

// Remove is equivalent to AddOrUpdate(key, "").
func (c *Client) Remove(key string) {
	c.AddOrUpdate(key, "")
}

func (c *Client) publishMutation(key, value string) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.basePort+2))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return
	}
	defer conn.Close()

	time.Sleep(c.slowJoinDelay)

	frames := encodeEntryFrames(key, 0, c.id, c.id != uuid.Nil, "", value)
	_ = wire.WriteMessage(conn, frames...)
}

// GetMap returns a copy of the local key/value mirror.
func (c *Client) GetMap() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// GetUUIDMap returns a copy of the local key/owner-uuid mirror.
func (c *Client) GetUUIDMap() map[string]uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uuid.UUID, len(c.owners))
	for k, v := range c.owners {
		out[k] = v
	}
	return out
}

// SetCallback installs fn to be invoked, outside the client's internal
// lock, whenever the local map changes.
func (c *Client) SetCallback(fn func()) {
	c.cbMu.Lock()
	c.callback = fn
	c.cbMu.Unlock()
}

func (c *Client) invokeCallback() {
	c.cbMu.Lock()
	fn := c.callback
	c.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

// IsTimedOut reports whether the subscriber has gone longer than the
// configured timeout without receiving any frame (heartbeat or otherwise),
// including the case where the publisher connection was never established.
// Unlike the legacy source, this is recoverable: it clears as soon as a
// frame arrives.
func (c *Client) IsTimedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastRecv) > c.timeout
}

func (c *Client) snapshotLoop() {
	backoff := newCappedBackoff()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.resnapshot:
		}

		ctx, cancel := c.stoppableContext()
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := c.runSnapshot(ctx); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		cancel()
		if err != nil {
			// context cancelled by Stop; loop exits on next select.
			continue
		}
	}
}

func (c *Client) stoppableContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// runSnapshot performs one full request/reply round trip against the
// snapshot port, staging entries locally and merging them into the live
// map only if the whole exchange completes without error.
func (c *Client) runSnapshot(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.basePort))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("chp: snapshot dial: %w", err)
	}
	defer conn.Close()

	go func() {
		select {
		case <-c.stopCh:
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := wire.WriteMessage(conn, snapshotRequestFrames("")...); err != nil {
		return fmt.Errorf("chp: snapshot request: %w", err)
	}

	c.mu.Lock()
	baseSeq := c.localSequence
	c.mu.Unlock()

	r := bufio.NewReader(conn)
	stagedValues := make(map[string]string)
	stagedOwners := make(map[string]uuid.UUID)
	var terminatorSeq int64

	for {
		frames, err := wire.ReadMessage(r)
		if err != nil {
			return fmt.Errorf("chp: snapshot read: %w", err)
		}
		d, err := decodeEntryFrames(frames)
		if err != nil {
			return fmt.Errorf("chp: snapshot decode: %w", err)
		}
		if d.Key == msgKTHXBAI {
			terminatorSeq = d.Sequence
			break
		}
		if d.Value == "" {
			continue
		}
		if d.Sequence <= baseSeq {
			continue
		}
		stagedValues[d.Key] = d.Value
		if d.HasOwner {
			stagedOwners[d.Key] = d.OwnerUUID
		}
	}

	c.mu.Lock()
	for k, v := range stagedValues {
		c.values[k] = v
		if owner, ok := stagedOwners[k]; ok {
			c.owners[k] = owner
		}
	}
	if terminatorSeq > c.localSequence {
		c.localSequence = terminatorSeq
	}
	c.mu.Unlock()

	c.invokeCallback()
	return nil
}

func (c *Client) subscriberLoop() {
	backoff := newCappedBackoff()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		ctx, cancel := c.stoppableContext()
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			err := c.runSubscriber(ctx)
			if errors.Is(err, errStopped) {
				return err
			}
			return retry.RetryableError(err)
		})
		cancel()
		if errors.Is(err, errStopped) || errors.Is(err, context.Canceled) {
			return
		}
	}
}

var errStopped = errors.New("chp: client stopped")

// runSubscriber dials the publisher port once and reads frames until the
// connection breaks, the client is stopped, or a read times out. On a read
// error or timeout it signals a resnapshot and returns so the caller
// reconnects; IsTimedOut reports the timeout from the time of the last
// received frame.
func (c *Client) runSubscriber(ctx context.Context) error {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.basePort+1))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("chp: subscriber dial: %w", err)
	}
	defer conn.Close()

	go func() {
		select {
		case <-c.stopCh:
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	r := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
		frames, err := wire.ReadMessage(r)
		if err != nil {
			select {
			case <-c.stopCh:
				return errStopped
			default:
			}
			c.triggerResnapshot()
			return fmt.Errorf("chp: subscriber read: %w", err)
		}

		entry, err := decodeEntryFrames(frames)
		if err != nil {
			continue
		}

		c.mu.Lock()
		c.lastRecv = time.Now()
		if entry.Key == msgHeartbeat {
			c.mu.Unlock()
			continue
		}
		changed := false
		if entry.Sequence > c.localSequence {
			if entry.Value == "" {
				delete(c.values, entry.Key)
				delete(c.owners, entry.Key)
			} else {
				c.values[entry.Key] = entry.Value
				if entry.HasOwner {
					c.owners[entry.Key] = entry.OwnerUUID
				}
			}
			c.localSequence = entry.Sequence
			changed = true
		}
		c.mu.Unlock()

		if changed {
			c.invokeCallback()
		}
	}
}

func (c *Client) triggerResnapshot() {
	select {
	case c.resnapshot <- struct{}{}:
	default:
	}
}
