// SPDX-License-Identifier: AGPL-3.0-or-later
package comm

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"plot-spooler/plterr"
)

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateError
)

const (
	// Conservative of the controller's 128-byte RX buffer.
	rxBufferCapacity = 100

	defaultBaud           = 115200
	defaultRequestTimeout = 5 * time.Second

	openSettle   = 150 * time.Millisecond
	openAttempts = 3
	openBackoff  = 500 * time.Millisecond
)

// Options configures Open.
type Options struct {
	Baud           int
	RequestTimeout time.Duration

	// Tap observes every payload crossing the wire. dir is "up" for
	// controller->host, "down" for host->controller.
	Tap func(dir, line string)

	// OnDisconnect fires once when the link is lost unexpectedly.
	OnDisconnect func(error)
}

type pendingLine struct {
	text string
	n    int // char count including newline
}

type requestResult struct {
	resp string
	err  error
}

type request struct {
	cmd  string
	buf  []byte
	done chan requestResult
}

// Conn is an exclusive connection to one plotter controller. A single
// background reader consumes bytes; at most one logical task at a time either
// has an in-flight request/response or is actively streaming.
type Conn struct {
	opts Options
	desc PortDescriptor

	mu      sync.Mutex
	port    serial.Port
	state   ConnState
	closing bool

	incoming []byte
	req      *request

	// Streaming accounting. Guarded by mu; touched by the caller of Stream
	// and by the reader.
	streaming bool
	rxUsed    int
	pendingQ  []pendingLine
	waiters   []chan error
	streamErr error

	readerDone chan struct{}
}

// Open connects to the plotter on the given port path, auto-detecting when
// path is empty. Retries up to 3 times with backoff; permission and no-device
// failures are fatal immediately.
func Open(path string, opts Options) (*Conn, error) {
	if opts.Baud == 0 {
		opts.Baud = defaultBaud
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	desc := PortDescriptor{Path: path}
	if path == "" {
		found, err := FindCompatiblePort()
		if err != nil {
			return nil, err
		}
		desc = found
	}

	var lastErr error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		conn, err := openOnce(desc, opts)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if plterr.IsKind(err, plterr.KindPermissionDenied) || plterr.IsKind(err, plterr.KindNoDeviceFound) {
			return nil, err
		}
		slog.Warn("Open attempt failed", "port", desc.Path, "attempt", attempt, "error", err)
		time.Sleep(openBackoff * time.Duration(attempt))
	}
	return nil, lastErr
}

func openOnce(desc PortDescriptor, opts Options) (*Conn, error) {
	mode := &serial.Mode{
		BaudRate: opts.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(desc.Path, mode)
	if err != nil {
		return nil, classifyOpenError(desc.Path, err)
	}
	slog.Info("Opened serial port", "port", desc.Path, "baud", opts.Baud)

	// Let the controller settle after the DTR toggle.
	time.Sleep(openSettle)

	return NewConn(port, desc, opts), nil
}

// NewConn wraps an already-open serial handle. This is the host-provided
// realization of the connection contract: embedders that obtain a port some
// other way get identical semantics to Open.
func NewConn(port serial.Port, desc PortDescriptor, opts Options) *Conn {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	c := &Conn{
		opts:       opts,
		desc:       desc,
		port:       port,
		state:      StateConnected,
		readerDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func classifyOpenError(path string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return plterr.Wrap(plterr.KindNoDeviceFound, "open", err)
		case serial.PortBusy:
			return plterr.Wrap(plterr.KindPortInUse, "open", err)
		case serial.PermissionDenied:
			return plterr.Wrap(plterr.KindPermissionDenied, "open", err)
		}
	}
	return plterr.Wrap(plterr.KindNotResponding, "open", err)
}

// State returns the connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Descriptor returns the port this connection was opened on.
func (c *Conn) Descriptor() PortDescriptor {
	return c.desc
}

func (c *Conn) tap(dir, line string) {
	if c.opts.Tap != nil {
		c.opts.Tap(dir, line)
	}
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	buf := make([]byte, 256)
	slog.Debug("Starting serial read goroutine")
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			c.consume(buf[:n])
		}
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing {
				return
			}
			c.handleDisconnect(plterr.Wrap(plterr.KindDeviceDisconnected, "read", err))
			return
		}
	}
}

// consume implements the read discipline: bytes feed the pending request if
// one exists, otherwise streamed-mode line matching, otherwise they are
// retained for the next request.
func (c *Conn) consume(data []byte) {
	c.mu.Lock()

	if c.req != nil {
		c.req.buf = append(c.req.buf, data...)
		if responseComplete(c.req.cmd, string(c.req.buf)) {
			req := c.req
			c.req = nil
			resp := strings.TrimSpace(string(req.buf))
			c.mu.Unlock()
			c.tapLines("up", resp)
			req.done <- requestResult{resp: resp}
			return
		}
		c.mu.Unlock()
		return
	}

	c.incoming = append(c.incoming, data...)
	if !c.streamActiveLocked() {
		c.mu.Unlock()
		return
	}

	var tapped []string
	for {
		idx := bytes.IndexByte(c.incoming, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(c.incoming[:idx]), "\r")
		c.incoming = c.incoming[idx+1:]
		if line != "" {
			tapped = append(tapped, line)
		}

		switch classifyAck(line) {
		case ackOK, ackError:
			c.popPendingLocked()
			c.wakeWaitersLocked(1, nil)
		case ackAlarm:
			c.popPendingLocked()
			err := &plterr.Error{Kind: plterr.KindAlarm, Op: "stream", Msg: "controller alarm", Extra: line}
			c.streamErr = err
			c.wakeWaitersLocked(len(c.waiters), err)
		default:
			// Status reports and other diagnostics are ignored during
			// streaming.
		}
	}
	c.mu.Unlock()

	for _, line := range tapped {
		c.tap("up", line)
	}
}

func (c *Conn) tapLines(dir, payload string) {
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			c.tap(dir, line)
		}
	}
}

func (c *Conn) streamActiveLocked() bool {
	return c.streaming || len(c.pendingQ) > 0
}

func (c *Conn) popPendingLocked() {
	if len(c.pendingQ) == 0 {
		return
	}
	c.rxUsed -= c.pendingQ[0].n
	c.pendingQ = c.pendingQ[1:]
}

func (c *Conn) wakeWaitersLocked(n int, err error) {
	for n > 0 && len(c.waiters) > 0 {
		ch := c.waiters[0]
		c.waiters = c.waiters[1:]
		ch <- err
		n--
	}
}

// failAllLocked drains the pending request, all stream waiters and the
// streaming accounting with the given error.
func (c *Conn) failAllLocked(err error) {
	if c.req != nil {
		req := c.req
		c.req = nil
		req.done <- requestResult{err: err}
	}
	c.wakeWaitersLocked(len(c.waiters), err)
	c.pendingQ = nil
	c.rxUsed = 0
	c.streaming = false
	c.streamErr = nil
	c.incoming = nil
}

func (c *Conn) handleDisconnect(err error) {
	c.mu.Lock()
	if c.state == StateDisconnected || c.closing {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.failAllLocked(plterr.Wrap(plterr.KindDeviceDisconnected, "disconnect", err))
	cb := c.opts.OnDisconnect
	port := c.port
	c.mu.Unlock()

	port.Close()
	slog.Error("Serial link lost", "port", c.desc.Path, "error", err)
	if cb != nil {
		cb(err)
	}
}

// Close shuts the connection down. Reentrant-safe: the in-flight request is
// cancelled with DeviceDisconnected and all stream waiters fail; the handle is
// then closed, and Close waits for the reader to exit. The reader is not
// stopped before the handle is closed: closing the handle is what ends its
// blocking read, and the closing flag keeps that from firing OnDisconnect.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.state = StateDisconnected
	c.failAllLocked(plterr.New(plterr.KindDeviceDisconnected, "close", "connection closed"))
	port := c.port
	c.mu.Unlock()

	err := port.Close()
	<-c.readerDone
	slog.Info("Closed serial port", "port", c.desc.Path)
	return err
}

// SendRequest writes cmd with its protocol terminator and blocks until the
// completion marker for this command class is observed, or timeout.
// Fails synchronously with InvalidResponse while another request or an active
// stream is in flight. timeout <= 0 selects the connection default.
func (c *Conn) SendRequest(cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return "", plterr.New(plterr.KindDeviceDisconnected, "request", "not connected")
	}
	if c.req != nil || c.streamActiveLocked() {
		c.mu.Unlock()
		return "", &plterr.Error{Kind: plterr.KindInvalidResponse, Op: "request", Cmd: cmd,
			Msg: "another request or an active stream is in flight"}
	}

	req := &request{cmd: cmd, done: make(chan requestResult, 1)}
	// Bytes that arrived before this request belong to its response.
	req.buf = c.incoming
	c.incoming = nil
	c.req = req

	if _, err := c.port.Write([]byte(cmd + terminatorFor(cmd))); err != nil {
		c.req = nil
		c.mu.Unlock()
		c.handleDisconnect(err)
		return "", plterr.Wrap(plterr.KindDeviceDisconnected, "request", err)
	}
	c.mu.Unlock()
	c.tap("down", cmd)

	select {
	case res := <-req.done:
		return res.resp, res.err
	case <-time.After(timeout):
		c.mu.Lock()
		if c.req == req {
			c.req = nil
			partial := strings.TrimSpace(string(req.buf))
			c.mu.Unlock()
			return "", &plterr.Error{Kind: plterr.KindResponseTimeout, Op: "request", Cmd: cmd,
				Extra: partial, Msg: "no completion marker before timeout"}
		}
		c.mu.Unlock()
		// Completed concurrently with the timeout.
		res := <-req.done
		return res.resp, res.err
	}
}

// SendFireAndForget writes cmd without waiting for a response. Real-time
// commands go out as single bytes with no terminator.
func (c *Conn) SendFireAndForget(cmd string) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return plterr.New(plterr.KindDeviceDisconnected, "send", "not connected")
	}
	wire := cmd
	if !IsRealtime(cmd) {
		wire += terminatorFor(cmd)
	}
	if _, err := c.port.Write([]byte(wire)); err != nil {
		c.mu.Unlock()
		c.handleDisconnect(err)
		return plterr.Wrap(plterr.KindDeviceDisconnected, "send", err)
	}
	c.mu.Unlock()
	c.tap("down", cmd)
	return nil
}

// Stream queues cmd under the character-counting protocol. Blocks only while
// the controller's receive buffer would overflow; capacity is freed as the
// reader matches ok/error acks against the FIFO pending queue.
func (c *Conn) Stream(cmd string) error {
	n := len(cmd) + 1

	c.mu.Lock()
	for {
		if c.state != StateConnected {
			c.mu.Unlock()
			return plterr.New(plterr.KindDeviceDisconnected, "stream", "not connected")
		}
		if c.req != nil {
			c.mu.Unlock()
			return &plterr.Error{Kind: plterr.KindInvalidResponse, Op: "stream", Cmd: cmd,
				Msg: "a request/response is in flight"}
		}
		if c.streamErr != nil {
			err := c.streamErr
			c.mu.Unlock()
			return err
		}
		if c.rxUsed+n <= rxBufferCapacity {
			break
		}
		ch := make(chan error, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		if err := <-ch; err != nil {
			return err
		}
		c.mu.Lock()
	}

	c.streaming = true
	c.pendingQ = append(c.pendingQ, pendingLine{text: cmd, n: n})
	c.rxUsed += n
	if _, err := c.port.Write([]byte(cmd + "\n")); err != nil {
		c.mu.Unlock()
		c.handleDisconnect(err)
		return plterr.Wrap(plterr.KindDeviceDisconnected, "stream", err)
	}
	c.mu.Unlock()
	c.tap("down", cmd)
	return nil
}

// DrainStream blocks until every streamed command has been acknowledged, then
// clears streaming mode.
func (c *Conn) DrainStream(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if c.state != StateConnected {
			c.mu.Unlock()
			return plterr.New(plterr.KindDeviceDisconnected, "drain", "not connected")
		}
		if c.streamErr != nil {
			err := c.streamErr
			c.mu.Unlock()
			return err
		}
		if len(c.pendingQ) == 0 {
			c.streaming = false
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		if time.Now().After(deadline) {
			return plterr.New(plterr.KindResponseTimeout, "drain", "streamed commands not acknowledged before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ResetStreaming clears the streaming accounting after a soft reset wiped the
// controller's receive buffer. Parked stream callers fail; their commands were
// never accepted.
func (c *Conn) ResetStreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.streamErr
	if err == nil {
		err = plterr.New(plterr.KindAlarm, "stream", "stream reset")
	}
	c.wakeWaitersLocked(len(c.waiters), err)
	c.pendingQ = nil
	c.rxUsed = 0
	c.streaming = false
	c.streamErr = nil
	c.incoming = nil
}

// StreamingStatus reports the character-counting accounting for UI
// introspection. ok is false when no stream is active.
type StreamingStatus struct {
	Used     int
	Capacity int
	Pending  int
}

func (c *Conn) StreamingStatus() (StreamingStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streamActiveLocked() {
		return StreamingStatus{}, false
	}
	return StreamingStatus{
		Used:     c.rxUsed,
		Capacity: rxBufferCapacity,
		Pending:  len(c.pendingQ),
	}, true
}
