// SPDX-License-Identifier: AGPL-3.0-or-later
package grbl

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

	"plot-spooler/comm"
	"plot-spooler/plterr"
)

// scriptPort replies to every written command from a script, defaulting to
// "ok". Reply selection is by command prefix.
type scriptPort struct {
	mu        sync.Mutex
	written   []string
	responses map[string]string

	incoming chan []byte
	closeCh  chan struct{}
	closed   bool
}

func newScriptPort() *scriptPort {
	return &scriptPort{
		responses: make(map[string]string),
		incoming:  make(chan []byte, 1024),
		closeCh:   make(chan struct{}),
	}
}

func (f *scriptPort) respond(prefix, resp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = resp
}

func (f *scriptPort) writtenLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, w := range f.written {
		out[i] = strings.TrimRight(w, "\r\n")
	}
	return out
}

func (f *scriptPort) Read(p []byte) (int, error) {
	select {
	case data := <-f.incoming:
		n := copy(p, data)
		return n, nil
	case <-f.closeCh:
		return 0, io.EOF
	}
}

func (f *scriptPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, errors.New("port closed")
	}
	data := string(p)
	f.written = append(f.written, data)
	cmd := strings.TrimRight(data, "\r\n")
	resp := "ok\r\n"
	for prefix, r := range f.responses {
		if strings.HasPrefix(cmd, prefix) {
			resp = r
			break
		}
	}
	f.mu.Unlock()
	go func() { f.incoming <- []byte(resp) }()
	return len(p), nil
}

func (f *scriptPort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func (f *scriptPort) SetMode(mode *serial.Mode) error      { return nil }
func (f *scriptPort) SetReadTimeout(t time.Duration) error { return nil }
func (f *scriptPort) Drain() error                         { return nil }
func (f *scriptPort) ResetInputBuffer() error              { return nil }
func (f *scriptPort) ResetOutputBuffer() error             { return nil }
func (f *scriptPort) SetDTR(dtr bool) error                { return nil }
func (f *scriptPort) SetRTS(rts bool) error                { return nil }
func (f *scriptPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}
func (f *scriptPort) Break(d time.Duration) error { return nil }

func newTestClient(t *testing.T, port *scriptPort) *Client {
	t.Helper()
	conn := comm.NewConn(port, comm.PortDescriptor{Path: "fake"}, comm.Options{})
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestInitialize(t *testing.T) {
	port := newScriptPort()
	port.respond("?", "<Idle|MPos:10.000,20.000,0.000|FS:0,0>\r\n")
	cl := newTestClient(t, port)

	require.NoError(t, cl.Initialize())

	assert.Equal(t, []string{"G21", "G90", "G17", "?"}, port.writtenLines())
	assert.Equal(t, PenUp, cl.PenState())
	x, y, z := cl.Position()
	assert.Equal(t, 10.0, x)
	assert.Equal(t, 20.0, y)
	assert.Equal(t, 0.0, z)
}

func TestInitializeDerivesPenDown(t *testing.T) {
	port := newScriptPort()
	port.respond("?", "<Idle|MPos:0.000,0.000,5.000>\r\n")
	cl := newTestClient(t, port)

	require.NoError(t, cl.Initialize())
	assert.Equal(t, PenDown, cl.PenState())
}

func TestMoveAbsoluteFormatting(t *testing.T) {
	port := newScriptPort()
	cl := newTestClient(t, port)

	// Rapid, with limit clamping on both axes.
	require.NoError(t, cl.MoveAbsolute(-5, -500, 0, false))
	// Linear with feed clamped up.
	require.NoError(t, cl.MoveAbsolute(10.1234, 20, 10, false))
	// Linear with feed clamped down.
	require.NoError(t, cl.MoveAbsolute(300, 421, 99999, false))

	assert.Equal(t, []string{
		"G00 X0.000 Y-420.000",
		"G01 X10.123 Y20.000 F50.0",
		"G01 X297.000 Y420.000 F2500.0",
	}, port.writtenLines())

	x, y, _ := cl.Position()
	assert.Equal(t, 297.0, x)
	assert.Equal(t, 420.0, y)
}

func TestMoveRelativeDerivesFeed(t *testing.T) {
	port := newScriptPort()
	cl := newTestClient(t, port)

	// 60 mm in 1 minute = 60 mm/min.
	require.NoError(t, cl.MoveRelative(60, 0, time.Minute))
	assert.Equal(t, []string{"G01 X60.000 Y0.000 F60.0"}, port.writtenLines())
}

func TestPenHeights(t *testing.T) {
	port := newScriptPort()
	cl := newTestClient(t, port)
	cl.SetPenHeights(1.2, 6.75)

	require.NoError(t, cl.PenDown(false))
	require.NoError(t, cl.PenUp(false))

	assert.Equal(t, []string{"G00 Z6.750", "G00 Z1.200"}, port.writtenLines())
	assert.Equal(t, PenUp, cl.PenState())
}

func TestDisableMotorsFallback(t *testing.T) {
	port := newScriptPort()
	port.respond("M18", "error:20\r\n")
	cl := newTestClient(t, port)

	require.NoError(t, cl.DisableMotors())
	assert.Equal(t, []string{"M18", "$SLP"}, port.writtenLines())
}

func TestCommandRejectedLifting(t *testing.T) {
	port := newScriptPort()
	port.respond("G01", "error:22\r\n")
	cl := newTestClient(t, port)

	err := cl.MoveAbsolute(10, 10, 100, false)
	require.Error(t, err)
	assert.True(t, plterr.IsKind(err, plterr.KindCommandRejected))
	assert.Equal(t, plterr.CodeCommandRejected, plterr.CodeOf(err))
}

func TestWaitForIdleAlarm(t *testing.T) {
	port := newScriptPort()
	port.respond("?", "<Alarm|MPos:1.000,2.000,3.000>\r\n")
	cl := newTestClient(t, port)

	err := cl.WaitForIdle(time.Second)
	require.Error(t, err)
	assert.True(t, plterr.IsKind(err, plterr.KindAlarm))
	assert.Equal(t, "PLT-G001", plterr.CodeOf(err))
}

func TestWaitForIdleTimeout(t *testing.T) {
	port := newScriptPort()
	port.respond("?", "<Run|MPos:0.000,0.000,0.000>\r\n")
	cl := newTestClient(t, port)

	err := cl.WaitForIdle(300 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, plterr.IsKind(err, plterr.KindMotionTimeout))
	assert.Equal(t, "PLT-M002", plterr.CodeOf(err))
}

func TestHomeResetsPen(t *testing.T) {
	port := newScriptPort()
	port.respond("?", "<Idle|MPos:0.000,0.000,5.000>\r\n")
	cl := newTestClient(t, port)

	require.NoError(t, cl.Initialize())
	assert.Equal(t, PenDown, cl.PenState())

	require.NoError(t, cl.Home(time.Second))
	assert.Equal(t, PenUp, cl.PenState())
	assert.Contains(t, port.writtenLines(), "$H")
}

func TestHomeFailure(t *testing.T) {
	port := newScriptPort()
	port.respond("$H", "ALARM:8\r\n")
	cl := newTestClient(t, port)

	err := cl.Home(time.Second)
	require.Error(t, err)
	assert.True(t, plterr.IsKind(err, plterr.KindHomingFailed))
	assert.Equal(t, "PLT-M001", plterr.CodeOf(err))
}

func TestEmergencyStop(t *testing.T) {
	port := newScriptPort()
	cl := newTestClient(t, port)

	require.NoError(t, cl.EmergencyStop())

	lines := port.writtenLines()
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "!", lines[0])
	assert.Equal(t, "\x18", lines[1])
	assert.Equal(t, "$X", lines[2])
	assert.Equal(t, PenUnknown, cl.PenState())
}

func TestQueryPauseButton(t *testing.T) {
	port := newScriptPort()
	port.respond("?", "<Hold:0|MPos:0.000,0.000,0.000>\r\n")
	cl := newTestClient(t, port)
	assert.Equal(t, 1, cl.QueryPauseButton())

	port.respond("?", "<Idle|MPos:0.000,0.000,0.000>\r\n")
	assert.Equal(t, 0, cl.QueryPauseButton())
}

func TestQueryPauseButtonError(t *testing.T) {
	port := newScriptPort()
	conn := comm.NewConn(port, comm.PortDescriptor{Path: "fake"}, comm.Options{})
	cl := NewClient(conn)
	conn.Close()
	assert.Equal(t, -1, cl.QueryPauseButton())
}

func TestVersion(t *testing.T) {
	port := newScriptPort()
	port.respond("$I", "[VER:1.1f.20170801:]\r\nok\r\n")
	cl := newTestClient(t, port)

	v, err := cl.Version()
	require.NoError(t, err)
	assert.Contains(t, v, "VER:1.1f")
}
