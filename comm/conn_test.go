// SPDX-License-Identifier: AGPL-3.0-or-later
package comm

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"pgregory.net/rapid"

	"plot-spooler/plterr"
)

// fakePort is an in-memory serial.Port. Bytes written by the Conn are
// recorded and handed to onWrite; bytes pushed with inject come back out of
// Read.
type fakePort struct {
	mu      sync.Mutex
	written []string
	onWrite func(data string)

	incoming chan []byte
	closeCh  chan struct{}
	closed   bool
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 1024),
		closeCh:  make(chan struct{}),
	}
}

func (f *fakePort) inject(data string) {
	f.incoming <- []byte(data)
}

func (f *fakePort) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func (f *fakePort) Read(p []byte) (int, error) {
	select {
	case data := <-f.incoming:
		n := copy(p, data)
		if n < len(data) {
			// Push back what didn't fit.
			rest := append([]byte(nil), data[n:]...)
			go func() { f.incoming <- rest }()
		}
		return n, nil
	case <-f.closeCh:
		return 0, io.EOF
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, errors.New("port closed")
	}
	f.written = append(f.written, string(p))
	cb := f.onWrite
	f.mu.Unlock()
	if cb != nil {
		cb(string(p))
	}
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func (f *fakePort) SetMode(mode *serial.Mode) error      { return nil }
func (f *fakePort) SetReadTimeout(t time.Duration) error { return nil }
func (f *fakePort) Drain() error                         { return nil }
func (f *fakePort) ResetInputBuffer() error              { return nil }
func (f *fakePort) ResetOutputBuffer() error             { return nil }
func (f *fakePort) SetDTR(dtr bool) error                { return nil }
func (f *fakePort) SetRTS(rts bool) error                { return nil }
func (f *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}
func (f *fakePort) Break(d time.Duration) error { return nil }

func newTestConn(t *testing.T, port *fakePort, opts Options) *Conn {
	t.Helper()
	c := NewConn(port, PortDescriptor{Path: "fake"}, opts)
	t.Cleanup(func() { c.Close() })
	return c
}

// checkAccounting asserts invariant 1: the queue sum matches rxUsed and never
// exceeds capacity.
func checkAccounting(t *testing.T, c *Conn) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	sum := 0
	for _, e := range c.pendingQ {
		sum += e.n
	}
	if sum != c.rxUsed {
		t.Fatalf("accounting mismatch: pending sum=%d, rxUsed=%d", sum, c.rxUsed)
	}
	if c.rxUsed > rxBufferCapacity {
		t.Fatalf("rxUsed=%d exceeds capacity %d", c.rxUsed, rxBufferCapacity)
	}
}

func TestStreamFlowControl(t *testing.T) {
	port := newFakePort()
	c := newTestConn(t, port, Options{})

	// 20-char commands: 21 bytes each with newline, 4 fit into 100.
	cmd := strings.Repeat("X", 20)
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Stream(cmd))
	}
	checkAccounting(t, c)

	st, ok := c.StreamingStatus()
	require.True(t, ok)
	assert.Equal(t, 84, st.Used)
	assert.Equal(t, 4, st.Pending)

	// The 5th must block until an ok frees capacity.
	fifth := make(chan error, 1)
	go func() { fifth <- c.Stream(cmd) }()
	select {
	case err := <-fifth:
		t.Fatalf("5th stream call did not block: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	port.inject("ok\r\n")
	select {
	case err := <-fifth:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("5th stream call did not wake after ok")
	}
	checkAccounting(t, c)

	// Ack everything that is still pending, then drain.
	for i := 0; i < 4; i++ {
		port.inject("ok\r\n")
	}
	require.NoError(t, c.DrainStream(time.Second))

	_, ok = c.StreamingStatus()
	assert.False(t, ok, "no stream should be active after drain")
	c.mu.Lock()
	assert.Equal(t, 0, c.rxUsed)
	assert.Empty(t, c.pendingQ)
	c.mu.Unlock()
}

func TestStreamFifty(t *testing.T) {
	port := newFakePort()
	// Ack every streamed line as the controller would.
	port.onWrite = func(data string) {
		go port.inject("ok\r\n")
	}
	c := newTestConn(t, port, Options{})

	cmd := strings.Repeat("G", 20)
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Stream(cmd))
		checkAccounting(t, c)
	}
	require.NoError(t, c.DrainStream(5*time.Second))

	c.mu.Lock()
	assert.Equal(t, 0, c.rxUsed)
	c.mu.Unlock()
	assert.Len(t, port.writes(), 50)
}

func TestRequestStreamMutualExclusion(t *testing.T) {
	port := newFakePort()
	c := newTestConn(t, port, Options{})

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Stream("G01 X1 Y1"))
	}

	// A request while streamed commands are unacknowledged fails
	// synchronously.
	_, err := c.SendRequest("?", 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, plterr.IsKind(err, plterr.KindInvalidResponse))

	for i := 0; i < 3; i++ {
		port.inject("ok\r\n")
	}
	require.NoError(t, c.DrainStream(time.Second))

	// Now the same request succeeds.
	port.onWrite = func(data string) {
		if data == "?" {
			go port.inject("<Idle|MPos:0.000,0.000,0.000|FS:0,0>\r\n")
		}
	}
	resp, err := c.SendRequest("?", time.Second)
	require.NoError(t, err)
	assert.Contains(t, resp, "<Idle|")
}

func TestStreamWhileRequestPending(t *testing.T) {
	port := newFakePort()
	c := newTestConn(t, port, Options{})

	// Request that never completes; stream must fail fast meanwhile.
	done := make(chan struct{})
	go func() {
		c.SendRequest("$H", time.Second)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	err := c.Stream("G01 X1 Y1")
	require.Error(t, err)
	assert.True(t, plterr.IsKind(err, plterr.KindInvalidResponse))

	port.inject("ok\r\n")
	<-done
}

func TestResponseOrderFifo(t *testing.T) {
	port := newFakePort()
	c := newTestConn(t, port, Options{})

	require.NoError(t, c.Stream(strings.Repeat("A", 10)))
	require.NoError(t, c.Stream(strings.Repeat("B", 20)))
	require.NoError(t, c.Stream(strings.Repeat("C", 30)))

	// Acks consume the queue head in FIFO order; an error: ack counts too.
	waitPending := func(want int, used int) {
		for i := 0; ; i++ {
			st, _ := c.StreamingStatus()
			if st.Pending == want {
				assert.Equal(t, used, st.Used)
				return
			}
			if i > 100 {
				t.Fatalf("pending never reached %d (now %d)", want, st.Pending)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	port.inject("ok\r\n")
	waitPending(2, 21+31)
	port.inject("error:20\r\n")
	waitPending(1, 31)
	port.inject("ok\r\n")
	require.NoError(t, c.DrainStream(time.Second))
}

func TestStatusReportsIgnoredDuringStreaming(t *testing.T) {
	port := newFakePort()
	c := newTestConn(t, port, Options{})

	require.NoError(t, c.Stream("G01 X1 Y1"))
	port.inject("<Run|MPos:1.000,2.000,0.000>\r\n")
	time.Sleep(50 * time.Millisecond)

	st, ok := c.StreamingStatus()
	require.True(t, ok)
	assert.Equal(t, 1, st.Pending, "status report must not consume the pending queue")

	port.inject("ok\r\n")
	require.NoError(t, c.DrainStream(time.Second))
}

func TestAlarmFlushesWaiters(t *testing.T) {
	port := newFakePort()
	c := newTestConn(t, port, Options{})

	big := strings.Repeat("X", 80)
	require.NoError(t, c.Stream(big)) // 81 bytes used

	blocked := make(chan error, 1)
	go func() { blocked <- c.Stream(big) }()
	time.Sleep(50 * time.Millisecond)

	port.inject("ALARM:1\r\n")
	select {
	case err := <-blocked:
		require.Error(t, err)
		assert.True(t, plterr.IsKind(err, plterr.KindAlarm))
	case <-time.After(time.Second):
		t.Fatal("waiter not flushed on alarm")
	}

	// Streaming stays poisoned until the accounting is reset.
	err := c.Stream("G01 X0 Y0")
	assert.True(t, plterr.IsKind(err, plterr.KindAlarm))
	c.ResetStreaming()
	require.NoError(t, c.Stream("G01 X0 Y0"))
}

func TestCloseFailsEverything(t *testing.T) {
	port := newFakePort()
	c := newTestConn(t, port, Options{})

	big := strings.Repeat("X", 80)
	require.NoError(t, c.Stream(big))

	blocked := make(chan error, 1)
	go func() { blocked <- c.Stream(big) }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c.Close())

	select {
	case err := <-blocked:
		assert.True(t, plterr.IsKind(err, plterr.KindDeviceDisconnected))
	case <-time.After(time.Second):
		t.Fatal("waiter not failed on close")
	}

	c.mu.Lock()
	assert.Empty(t, c.pendingQ)
	assert.Empty(t, c.waiters)
	assert.Equal(t, 0, c.rxUsed)
	c.mu.Unlock()

	// Everything after close fails with DeviceDisconnected; close itself is
	// reentrant-safe.
	_, err := c.SendRequest("?", 100*time.Millisecond)
	assert.True(t, plterr.IsKind(err, plterr.KindDeviceDisconnected))
	assert.True(t, plterr.IsKind(c.Stream("G90"), plterr.KindDeviceDisconnected))
	require.NoError(t, c.Close())
}

func TestUnexpectedDisconnectFiresEvent(t *testing.T) {
	port := newFakePort()
	gotEvent := make(chan error, 1)
	c := newTestConn(t, port, Options{OnDisconnect: func(err error) { gotEvent <- err }})

	require.NoError(t, c.Stream("G90"))
	port.Close() // simulate the cable being yanked

	select {
	case <-gotEvent:
	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, plterr.IsKind(c.Stream("G90"), plterr.KindDeviceDisconnected))
}

func TestRequestTimeout(t *testing.T) {
	port := newFakePort()
	c := newTestConn(t, port, Options{})

	start := time.Now()
	_, err := c.SendRequest("$H", 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, plterr.IsKind(err, plterr.KindResponseTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestTerminatorsOnWire(t *testing.T) {
	port := newFakePort()
	c := newTestConn(t, port, Options{})

	require.NoError(t, c.SendFireAndForget("?"))
	require.NoError(t, c.SendFireAndForget("\x18"))
	require.NoError(t, c.SendFireAndForget("G90"))
	require.NoError(t, c.SendFireAndForget("$X"))
	require.NoError(t, c.SendFireAndForget("V"))

	assert.Equal(t, []string{"?", "\x18", "G90\n", "$X\n", "V\r"}, port.writes())
}

func TestWireTap(t *testing.T) {
	port := newFakePort()
	var mu sync.Mutex
	var taps []string
	c := newTestConn(t, port, Options{Tap: func(dir, line string) {
		mu.Lock()
		taps = append(taps, dir+":"+line)
		mu.Unlock()
	}})

	port.onWrite = func(data string) {
		if strings.HasPrefix(data, "G21") {
			go port.inject("ok\r\n")
		}
	}
	_, err := c.SendRequest("G21", time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, taps, "down:G21")
	assert.Contains(t, taps, "up:ok")
}

// TestStreamAccountingProperty checks invariant 1 across random command
// lengths with the controller acking concurrently.
func TestStreamAccountingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lengths := rapid.SliceOfN(rapid.IntRange(1, 80), 1, 40).Draw(rt, "lengths")

		port := newFakePort()
		port.onWrite = func(data string) {
			go port.inject("ok\r\n")
		}
		c := NewConn(port, PortDescriptor{Path: "fake"}, Options{})
		defer c.Close()

		for _, n := range lengths {
			if err := c.Stream(strings.Repeat("G", n)); err != nil {
				rt.Fatalf("stream failed: %v", err)
			}
			c.mu.Lock()
			sum := 0
			for _, e := range c.pendingQ {
				sum += e.n
			}
			if sum != c.rxUsed || c.rxUsed > rxBufferCapacity {
				c.mu.Unlock()
				rt.Fatalf("accounting broken: sum=%d used=%d", sum, c.rxUsed)
			}
			c.mu.Unlock()
		}
		if err := c.DrainStream(5 * time.Second); err != nil {
			rt.Fatalf("drain failed: %v", err)
		}
		c.mu.Lock()
		used := c.rxUsed
		c.mu.Unlock()
		if used != 0 {
			rt.Fatalf("rxUsed=%d after drain", used)
		}
	})
}
