// SPDX-License-Identifier: AGPL-3.0-or-later

// Package plot drives a compiled plot-command stream to completion on a
// connected GRBL plotter, honoring pause, cancel, progress reporting and the
// physical pause button, and translating drawing-space coordinates into
// machine coordinates.
package plot

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"plot-spooler/grbl"
	"plot-spooler/plterr"
	"plot-spooler/svgpath"
)

type State int

const (
	Idle State = iota
	Plotting
	Paused
	Completed
	Error
	Cancelled
)

var stateNames = map[State]string{
	Idle:      "Idle",
	Plotting:  "Plotting",
	Paused:    "Paused",
	Completed: "Completed",
	Error:     "Error",
	Cancelled: "Cancelled",
}

func (s State) String() string {
	return stateNames[s]
}

// Progress is one progress report, emitted repeatedly during a plot.
type Progress struct {
	State   State
	Index   int
	Total   int
	Percent float64
	Side    string
	Code    string
	Message string
}

// Driver is the slice of the GRBL client the executor needs. *grbl.Client
// implements it.
type Driver interface {
	EnableMotors() error
	PenUp(stream bool) error
	PenDown(stream bool) error
	Home(timeout time.Duration) error
	MoveAbsolute(x, y, feed float64, stream bool) error
	QueryStatus() (grbl.Status, error)
	QueryPauseButton() int
	WaitForIdle(timeout time.Duration) error
	DrainStream(timeout time.Duration) error
}

type PaperSize string

const (
	PaperA4     PaperSize = "A4"
	PaperA3     PaperSize = "A3"
	PaperCustom PaperSize = "custom"
)

type origin struct {
	X, Y float64
}

// Paper sits flush to the back-right of the bed; the table maps paper size to
// the machine position of the paper's top-right corner.
var paperOrigins = map[PaperSize]origin{
	PaperA4: {X: 290.0, Y: 0.0},
	PaperA3: {X: 290.0, Y: 0.0},
}

func originFor(p PaperSize) origin {
	if o, ok := paperOrigins[p]; ok {
		return o
	}
	return paperOrigins[PaperA4]
}

// Config for one executor.
type Config struct {
	CanvasW float64 // mm
	CanvasH float64 // mm

	// Pen-down drawing speed, mm/s. Defaults to 33.3 (~2000 mm/min).
	PenDownFeed float64

	Paper     PaperSize
	Streaming bool
	Side      string // optional label carried on progress reports
}

const defaultPenDownFeed = 33.3

// Settle intervals; vars so tests can shrink them.
var (
	homeTimeout     = 60 * time.Second
	homeSettle      = 5 * time.Second
	originSettle    = 1 * time.Second
	pausePoll       = 100 * time.Millisecond
	drainBrief      = 2 * time.Second
	drainOnCancel   = 5 * time.Second
	drainOnComplete = 30 * time.Second
)

// Minimum motion worth sending, mm.
const minMoveDistance = 0.01

// Executor runs plot-command sequences. One plot at a time; Pause, Resume and
// Cancel may be called from any goroutine.
type Executor struct {
	drv Driver
	cfg Config

	mu        sync.Mutex
	state     State
	cancelled bool
	paused    bool

	onProgress func(Progress)
}

func New(drv Driver, cfg Config, onProgress func(Progress)) *Executor {
	if cfg.PenDownFeed <= 0 {
		cfg.PenDownFeed = defaultPenDownFeed
	}
	return &Executor{
		drv:        drv,
		cfg:        cfg,
		state:      Idle,
		onProgress: onProgress,
	}
}

// SetProgressHandler replaces the progress callback. Must not be called while
// a plot is running.
func (e *Executor) SetProgressHandler(fn func(Progress)) {
	e.onProgress = fn
}

// Transform maps a drawing-space point (mm, top-left origin, +Y down) to
// machine coordinates (home at back-left, -Y toward the user).
func (e *Executor) Transform(sx, sy float64) (mx, my float64) {
	o := originFor(e.cfg.Paper)
	return o.X + (sx - e.cfg.CanvasW), o.Y - sy
}

// State returns the current executor state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pause suspends the plot before the next command.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Plotting {
		e.paused = true
	}
}

// Resume continues a paused plot.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// Cancel stops the plot at the next command boundary.
func (e *Executor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Executor) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *Executor) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Executor) emit(p Progress) {
	p.Side = e.cfg.Side
	if e.onProgress != nil {
		e.onProgress(p)
	}
}

// Run executes the command sequence. Returns true when the plot ran to
// completion, false when it was cancelled. Any error aborts the plot after a
// best-effort pen lift.
func (e *Executor) Run(cmds []svgpath.Command) (bool, error) {
	e.mu.Lock()
	if e.state == Plotting || e.state == Paused {
		e.mu.Unlock()
		return false, plterr.New(plterr.KindInvalidResponse, "plot", "a plot is already running")
	}
	e.state = Plotting
	e.cancelled = false
	e.paused = false
	e.mu.Unlock()

	done, err := e.run(cmds)
	if err != nil {
		// Best-effort pen lift so the pen doesn't dry on the paper.
		if penErr := e.drv.PenUp(false); penErr != nil {
			slog.Warn("Pen lift after plot error failed", "error", penErr)
		}
		e.setState(Error)
		e.emit(Progress{State: Error, Total: len(cmds),
			Code: plterr.CodeOf(err), Message: err.Error()})
		return false, err
	}
	return done, nil
}

func (e *Executor) run(cmds []svgpath.Command) (bool, error) {
	total := len(cmds)

	// Voltage check would go here; it is a no-op on GRBL controllers.
	if err := e.drv.EnableMotors(); err != nil {
		return false, err
	}
	if err := e.drv.PenUp(false); err != nil {
		return false, err
	}
	pen := grbl.PenUp

	if err := e.drv.Home(homeTimeout); err != nil {
		return false, err
	}
	time.Sleep(homeSettle)
	if st, err := e.drv.QueryStatus(); err == nil {
		slog.Info("Homed", "x", st.MX, "y", st.MY, "z", st.MZ)
	}

	// Rapid to the paper's top-right corner.
	o := originFor(e.cfg.Paper)
	if err := e.drv.MoveAbsolute(o.X, o.Y, 0, false); err != nil {
		return false, err
	}
	time.Sleep(originSettle)
	if st, err := e.drv.QueryStatus(); err == nil {
		slog.Info("At paper origin", "x", st.MX, "y", st.MY)
	}

	curX, curY := o.X, o.Y
	pollEvery := 10
	if e.cfg.Streaming {
		pollEvery = 100
	}

	for i, cmd := range cmds {
		if e.isCancelled() {
			return false, e.finishCancelled(i, total)
		}

		if i > 0 && i%pollEvery == 0 {
			if err := e.drv.DrainStream(drainBrief); err != nil {
				return false, err
			}
			if e.drv.QueryPauseButton() == 1 {
				e.mu.Lock()
				e.paused = true
				e.mu.Unlock()
				slog.Info("Physical pause button observed", "index", i)
			}
		}

		for e.isPaused() {
			if err := e.drv.DrainStream(drainBrief); err != nil {
				return false, err
			}
			e.setState(Paused)
			e.emit(Progress{State: Paused, Index: i, Total: total,
				Percent: percent(i, total), Code: plterr.CodePausePressed})
			time.Sleep(pausePoll)
			if e.isCancelled() {
				return false, e.finishCancelled(i, total)
			}
		}
		e.setState(Plotting)

		switch cmd.Kind {
		case svgpath.PenUp:
			if pen != grbl.PenUp {
				if err := e.drv.PenUp(e.cfg.Streaming); err != nil {
					return false, err
				}
				pen = grbl.PenUp
			}
		case svgpath.PenDown:
			if pen != grbl.PenDown {
				if err := e.drv.PenDown(e.cfg.Streaming); err != nil {
					return false, err
				}
				pen = grbl.PenDown
			}
		case svgpath.Move, svgpath.Line:
			mx, my := e.Transform(cmd.X, cmd.Y)
			if math.Hypot(mx-curX, my-curY) >= minMoveDistance {
				feed := 0.0
				if pen == grbl.PenDown {
					feed = e.cfg.PenDownFeed * 60
				}
				if err := e.drv.MoveAbsolute(mx, my, feed, e.cfg.Streaming); err != nil {
					return false, err
				}
				curX, curY = mx, my
			}
		}

		e.emit(Progress{State: Plotting, Index: i + 1, Total: total,
			Percent: percent(i+1, total)})
	}

	if err := e.drv.DrainStream(drainOnComplete); err != nil {
		return false, err
	}
	if err := e.drv.PenUp(false); err != nil {
		return false, err
	}
	if err := e.drv.WaitForIdle(drainOnComplete); err != nil {
		return false, err
	}

	e.setState(Completed)
	e.emit(Progress{State: Completed, Index: total, Total: total, Percent: 100})
	return true, nil
}

// finishCancelled drains what the controller already accepted (best effort)
// and lifts the pen.
func (e *Executor) finishCancelled(index, total int) error {
	if err := e.drv.DrainStream(drainOnCancel); err != nil {
		slog.Warn("Drain on cancel failed", "error", err)
	}
	if err := e.drv.PenUp(false); err != nil {
		slog.Warn("Pen lift on cancel failed", "error", err)
	}
	e.setState(Cancelled)
	e.emit(Progress{State: Cancelled, Index: index, Total: total, Percent: percent(index, total)})
	return nil
}

func percent(i, total int) float64 {
	if total == 0 {
		return 100
	}
	return 100 * float64(i) / float64(total)
}
