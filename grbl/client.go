// SPDX-License-Identifier: AGPL-3.0-or-later

// Package grbl implements the GRBL v1.1 dialect spoken by iDraw 2.0 /
// DrawCore pen plotters: motion, pen Z actuation, homing, status queries and
// emergency stop, on top of the comm transport.
package grbl

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"plot-spooler/comm"
	"plot-spooler/plterr"
)

type PenState int

const (
	PenUnknown PenState = iota
	PenUp
	PenDown
)

func (p PenState) String() string {
	switch p {
	case PenUp:
		return "up"
	case PenDown:
		return "down"
	}
	return "unknown"
}

// Machine envelope and feed limits of the iDraw 2.0 bed.
const (
	limitXMin = 0.0
	limitXMax = 297.0
	limitYMin = -420.0
	limitYMax = 420.0

	feedMin = 50.0
	feedMax = 2500.0

	// DrawCore: higher Z lowers the pen. Inverted from typical CNC.
	defaultPenUpZ   = 0.0
	defaultPenDownZ = 5.0

	penEpsilon = 0.5

	defaultHomeTimeout = 30 * time.Second
	idlePollInterval   = 100 * time.Millisecond
)

// Client drives one plotter controller. All state (pen, position) is updated
// only by the calling writer; safe for concurrent use via the internal mutex.
type Client struct {
	conn *comm.Conn

	mu          sync.Mutex
	penUpZ      float64
	penDownZ    float64
	pen         PenState
	x, y, z     float64
	initialized bool
}

func NewClient(conn *comm.Conn) *Client {
	return &Client{
		conn:     conn,
		penUpZ:   defaultPenUpZ,
		penDownZ: defaultPenDownZ,
		pen:      PenUnknown,
	}
}

func fmtCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func fmtFeed(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// liftResponse raises error:N as CommandRejected and alarm lines as a GRBL
// alarm.
func liftResponse(cmd, resp string) error {
	if i := strings.Index(resp, "error:"); i >= 0 {
		code := strings.TrimSpace(strings.SplitN(resp[i+len("error:"):], "\n", 2)[0])
		return &plterr.Error{Kind: plterr.KindCommandRejected, Op: "exec", Cmd: cmd,
			Msg: "rejected with error:" + code, Extra: resp}
	}
	if strings.Contains(resp, "alarm:") || strings.Contains(resp, "ALARM:") {
		return &plterr.Error{Kind: plterr.KindAlarm, Op: "exec", Cmd: cmd,
			Msg: "controller alarm", Extra: resp}
	}
	return nil
}

// exec sends one command, streamed or request/response.
func (cl *Client) exec(cmd string, stream bool) error {
	if stream {
		return cl.conn.Stream(cmd)
	}
	resp, err := cl.conn.SendRequest(cmd, 0)
	if err != nil {
		return err
	}
	return liftResponse(cmd, resp)
}

// Raw sends one raw command line and returns the controller's response text,
// lifting error:/alarm: replies.
func (cl *Client) Raw(cmd string) (string, error) {
	resp, err := cl.conn.SendRequest(cmd, 0)
	if err != nil {
		return "", err
	}
	return resp, liftResponse(cmd, resp)
}

// Exec sends one raw command line, discarding the response text.
func (cl *Client) Exec(cmd string) error {
	_, err := cl.Raw(cmd)
	return err
}

// Initialize puts the controller into the modal state the driver assumes:
// millimeters, absolute coordinates, XY plane. Derives the pen state from the
// reported Z.
func (cl *Client) Initialize() error {
	for _, cmd := range []string{"G21", "G90", "G17"} {
		if err := cl.exec(cmd, false); err != nil {
			return err
		}
	}
	st, err := cl.QueryStatus()
	if err != nil {
		return err
	}

	cl.mu.Lock()
	if st.MZ <= cl.penUpZ+penEpsilon {
		cl.pen = PenUp
	} else {
		cl.pen = PenDown
	}
	cl.initialized = true
	pen := cl.pen
	cl.mu.Unlock()

	slog.Info("Controller initialized", "x", st.MX, "y", st.MY, "z", st.MZ, "pen", pen.String())
	return nil
}

// Version returns the controller's $I build info response.
func (cl *Client) Version() (string, error) {
	return cl.conn.SendRequest("$I", 0)
}

// SetPenHeights configures the Z values for pen up and down, in mm.
func (cl *Client) SetPenHeights(upMM, downMM float64) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.penUpZ = upMM
	cl.penDownZ = downMM
}

// PenUp raises the pen. No blocking wait: motion sequencing is delegated to
// the controller's planner.
func (cl *Client) PenUp(stream bool) error {
	cl.mu.Lock()
	z := cl.penUpZ
	cl.mu.Unlock()

	if err := cl.exec("G00 Z"+fmtCoord(z), stream); err != nil {
		return err
	}
	cl.mu.Lock()
	cl.pen = PenUp
	cl.z = z
	cl.mu.Unlock()
	return nil
}

// PenDown lowers the pen.
func (cl *Client) PenDown(stream bool) error {
	cl.mu.Lock()
	z := cl.penDownZ
	cl.mu.Unlock()

	if err := cl.exec("G00 Z"+fmtCoord(z), stream); err != nil {
		return err
	}
	cl.mu.Lock()
	cl.pen = PenDown
	cl.z = z
	cl.mu.Unlock()
	return nil
}

// PenState returns the last known pen state.
func (cl *Client) PenState() PenState {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.pen
}

// Position returns the last known machine position.
func (cl *Client) Position() (x, y, z float64) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.x, cl.y, cl.z
}

// EnableMotors kills any alarm lock, energizing the steppers.
func (cl *Client) EnableMotors() error {
	return cl.exec("$X", false)
}

// DisableMotors releases the steppers. M18 first; controllers that reject it
// get $SLP instead.
func (cl *Client) DisableMotors() error {
	err := cl.exec("M18", false)
	if plterr.IsKind(err, plterr.KindCommandRejected) {
		return cl.exec("$SLP", false)
	}
	return err
}

// MoveAbsolute moves to (x, y) in machine coordinates, clamped to the machine
// envelope. feed <= 0 selects a rapid (G00); otherwise a linear move (G01)
// with the feed clamped to [50, 2500] mm/min.
func (cl *Client) MoveAbsolute(x, y, feed float64, stream bool) error {
	x = clamp(x, limitXMin, limitXMax)
	y = clamp(y, limitYMin, limitYMax)

	var cmd string
	if feed > 0 {
		feed = clamp(feed, feedMin, feedMax)
		cmd = "G01 X" + fmtCoord(x) + " Y" + fmtCoord(y) + " F" + fmtFeed(feed)
	} else {
		cmd = "G00 X" + fmtCoord(x) + " Y" + fmtCoord(y)
	}
	if err := cl.exec(cmd, stream); err != nil {
		return err
	}

	cl.mu.Lock()
	cl.x = x
	cl.y = y
	cl.mu.Unlock()
	return nil
}

// MoveRelative jogs by (dx, dy), deriving the feed rate so the move takes
// roughly the given duration.
func (cl *Client) MoveRelative(dx, dy float64, duration time.Duration) error {
	cl.mu.Lock()
	x := cl.x + dx
	y := cl.y + dy
	cl.mu.Unlock()

	dist := math.Hypot(dx, dy)
	minutes := duration.Minutes()
	if minutes <= 0 {
		minutes = 1.0 / 60
	}
	return cl.MoveAbsolute(x, y, dist/minutes, false)
}

// QueryStatus sends the real-time status query and parses the report.
func (cl *Client) QueryStatus() (Status, error) {
	resp, err := cl.conn.SendRequest(comm.RealtimeStatus, 0)
	if err != nil {
		return Status{}, err
	}
	st, ok := ParseStatus(resp)
	if !ok {
		return Status{}, &plterr.Error{Kind: plterr.KindInvalidResponse, Op: "status",
			Msg: "unparsable status report", Extra: resp}
	}

	cl.mu.Lock()
	cl.x, cl.y, cl.z = st.MX, st.MY, st.MZ
	cl.mu.Unlock()
	return st, nil
}

// WaitForIdle polls the status until the controller reports Idle. Aborts on
// Alarm; times out as a motion timeout.
func (cl *Client) WaitForIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := cl.QueryStatus()
		if err != nil {
			return err
		}
		switch st.State {
		case StateIdle:
			return nil
		case StateAlarm:
			return &plterr.Error{Kind: plterr.KindAlarm, Op: "wait-idle",
				Msg:   "controller entered alarm state",
				Extra: "X" + fmtCoord(st.MX) + " Y" + fmtCoord(st.MY) + " Z" + fmtCoord(st.MZ)}
		}
		if time.Now().After(deadline) {
			return plterr.New(plterr.KindMotionTimeout, "wait-idle", "controller did not become idle")
		}
		time.Sleep(idlePollInterval)
	}
}

// Home runs the homing cycle, refreshes the position and resets the pen state
// to up (homing physically raises the pen). timeout <= 0 selects 30 s.
func (cl *Client) Home(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultHomeTimeout
	}

	resp, err := cl.conn.SendRequest("$H", timeout)
	if err == nil {
		err = liftResponse("$H", resp)
	}
	if err != nil {
		return &plterr.Error{Kind: plterr.KindHomingFailed, Op: "home", Msg: "homing cycle failed", Inner: err}
	}
	if err := cl.WaitForIdle(timeout); err != nil {
		return &plterr.Error{Kind: plterr.KindHomingFailed, Op: "home", Msg: "no idle after homing", Inner: err}
	}
	if _, err := cl.QueryStatus(); err != nil {
		return err
	}

	cl.mu.Lock()
	cl.pen = PenUp
	cl.mu.Unlock()
	return nil
}

// EmergencyStop halts motion immediately: feed hold, soft reset, then a
// best-effort alarm unlock. Does not wait for the stream to drain; the soft
// reset wipes the controller's receive buffer, so streaming accounting is
// reset too.
func (cl *Client) EmergencyStop() error {
	if err := cl.conn.SendFireAndForget(comm.RealtimeFeedHold); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := cl.conn.SendFireAndForget(comm.RealtimeSoftReset); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	cl.conn.ResetStreaming()

	cl.mu.Lock()
	cl.pen = PenUnknown
	cl.mu.Unlock()

	if _, err := cl.conn.SendRequest("$X", 0); err != nil {
		slog.Warn("Post-estop unlock failed", "error", err)
	}
	return nil
}

// QueryPauseButton reports the physical pause button: 1 while the controller
// holds, 0 otherwise, -1 when the status query fails.
func (cl *Client) QueryPauseButton() int {
	st, err := cl.QueryStatus()
	if err != nil {
		return -1
	}
	if st.State == StateHold {
		return 1
	}
	return 0
}

// DrainStream blocks until all streamed commands are acknowledged.
func (cl *Client) DrainStream(timeout time.Duration) error {
	return cl.conn.DrainStream(timeout)
}
