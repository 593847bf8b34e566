// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"plot-spooler/comm"
	"plot-spooler/grbl"
	"plot-spooler/plot"
	"plot-spooler/plterr"
	"plot-spooler/svgpath"
)

const (
	reconnectAttempts = 3
	reconnectDelay    = 1 * time.Second
	statusPollPeriod  = 1 * time.Second
)

type daemonConfig struct {
	baud     int
	canvasW  float64
	canvasH  float64
	paper    plot.PaperSize
	feed     float64 // pen-down feed, mm/s
	stream   bool
	initFile string
}

// daemon owns the serial session and all the stores. It implements both the
// HTTP SpoolerAPI and plot.Driver (delegating to the current GRBL client, so
// the executor survives reconnects).
type daemon struct {
	cfg daemonConfig

	mu       sync.Mutex
	conn     *comm.Conn
	client   *grbl.Client
	lastPort string

	lineDB   *LineDB
	logger   *PayloadLogger
	statusDB *StatusDB
	exec     *plot.Executor
	pm       *PlotManager
}

func newDaemon(cfg daemonConfig, logDir string) *daemon {
	d := &daemon{
		cfg:      cfg,
		lineDB:   NewLineDB(),
		logger:   NewPayloadLogger(logDir),
		statusDB: NewStatusDB(),
	}
	d.exec = plot.New(d, plot.Config{
		CanvasW:     cfg.canvasW,
		CanvasH:     cfg.canvasH,
		PenDownFeed: cfg.feed,
		Paper:       cfg.paper,
		Streaming:   cfg.stream,
	}, nil)
	d.pm = NewPlotManager(d.exec)
	d.exec.SetProgressHandler(d.pm.HandleProgress)
	return d
}

func (d *daemon) tap(dir, line string) {
	d.lineDB.AddLine(dir, line)
	d.logger.AddLine(dir, line)
}

// cl returns the current GRBL client, or a disconnected error.
func (d *daemon) cl() (*grbl.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, plterr.New(plterr.KindDeviceDisconnected, "session", "not connected")
	}
	return d.client, nil
}

func (d *daemon) connect(port string) error {
	d.mu.Lock()
	if d.conn != nil {
		d.mu.Unlock()
		return plterr.New(plterr.KindPortInUse, "connect", "already connected")
	}
	d.mu.Unlock()

	conn, err := comm.Open(port, comm.Options{
		Baud:         d.cfg.baud,
		Tap:          d.tap,
		OnDisconnect: d.onDisconnect,
	})
	if err != nil {
		return err
	}

	client := grbl.NewClient(conn)
	if err := client.Initialize(); err != nil {
		conn.Close()
		return err
	}
	if err := sendInitLines(client, d.cfg.initFile); err != nil {
		slog.Warn("Init lines failed", "error", err)
	}

	d.mu.Lock()
	d.conn = conn
	d.client = client
	d.lastPort = conn.Descriptor().Path
	d.mu.Unlock()
	return nil
}

func (d *daemon) disconnect() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.client = nil
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// onDisconnect clears the dead session and tries the last known port again
// with backoff.
func (d *daemon) onDisconnect(cause error) {
	d.mu.Lock()
	d.conn = nil
	d.client = nil
	port := d.lastPort
	d.mu.Unlock()

	slog.Error("Plotter disconnected", "error", cause)
	go func() {
		for attempt := 1; attempt <= reconnectAttempts; attempt++ {
			time.Sleep(reconnectDelay * time.Duration(attempt))
			if err := d.connect(port); err == nil {
				slog.Info("Reconnected", "port", port, "attempt", attempt)
				return
			}
		}
		slog.Error("Reconnect failed, giving up", "port", port)
	}()
}

// statusPollLoop samples machine status into the StatusDB whenever the link
// is otherwise quiet.
func (d *daemon) statusPollLoop() {
	for {
		time.Sleep(statusPollPeriod)
		if d.pm.HasActiveJob() {
			continue
		}
		client, err := d.cl()
		if err != nil {
			continue
		}
		st, err := client.QueryStatus()
		if err != nil {
			slog.Debug("Status poll failed", "error", err)
			continue
		}
		d.statusDB.AddStatus(st, time.Now())
	}
}

// --- plot.Driver, delegating to the current client ---

func (d *daemon) EnableMotors() error {
	client, err := d.cl()
	if err != nil {
		return err
	}
	return client.EnableMotors()
}

func (d *daemon) PenUp(stream bool) error {
	client, err := d.cl()
	if err != nil {
		return err
	}
	return client.PenUp(stream)
}

func (d *daemon) PenDown(stream bool) error {
	client, err := d.cl()
	if err != nil {
		return err
	}
	return client.PenDown(stream)
}

func (d *daemon) Home(timeout time.Duration) error {
	client, err := d.cl()
	if err != nil {
		return err
	}
	return client.Home(timeout)
}

func (d *daemon) MoveAbsolute(x, y, feed float64, stream bool) error {
	client, err := d.cl()
	if err != nil {
		return err
	}
	return client.MoveAbsolute(x, y, feed, stream)
}

func (d *daemon) QueryStatus() (grbl.Status, error) {
	client, err := d.cl()
	if err != nil {
		return grbl.Status{}, err
	}
	return client.QueryStatus()
}

func (d *daemon) QueryPauseButton() int {
	client, err := d.cl()
	if err != nil {
		return -1
	}
	return client.QueryPauseButton()
}

func (d *daemon) WaitForIdle(timeout time.Duration) error {
	client, err := d.cl()
	if err != nil {
		return err
	}
	return client.WaitForIdle(timeout)
}

func (d *daemon) DrainStream(timeout time.Duration) error {
	client, err := d.cl()
	if err != nil {
		return err
	}
	return client.DrainStream(timeout)
}

// --- SpoolerAPI ---

func (d *daemon) ListPorts(req *ListPortsRequest) (*ListPortsResponse, error) {
	ports, err := comm.EnumeratePorts()
	if err != nil {
		return &ListPortsResponse{}, nil
	}
	resp := &ListPortsResponse{Ports: make([]PortInfo, len(ports))}
	for i, p := range ports {
		info := PortInfo{
			Path:        p.Path,
			Description: p.Description,
			Compatible:  p.Compatible,
		}
		if p.IsUSB {
			info.VID = fmt.Sprintf("%04X", p.VID)
			info.PID = fmt.Sprintf("%04X", p.PID)
		}
		resp.Ports[i] = info
	}
	return resp, nil
}

func (d *daemon) Connect(req *ConnectRequest) (*ConnectResponse, error) {
	if err := d.connect(req.Port); err != nil {
		return &ConnectResponse{Err: err.Error(), Code: plterr.CodeOf(err)}, nil
	}
	d.mu.Lock()
	port := d.lastPort
	d.mu.Unlock()
	return &ConnectResponse{OK: true, Port: port}, nil
}

func (d *daemon) Disconnect(req *DisconnectRequest) (*DisconnectResponse, error) {
	d.disconnect()
	return &DisconnectResponse{}, nil
}

func (d *daemon) WriteLine(req *WriteLineRequest) (*WriteLineResponse, error) {
	now := formatSpoolerTime(time.Now())
	client, err := d.cl()
	if err != nil {
		return &WriteLineResponse{Err: err.Error(), Code: plterr.CodeOf(err), Now: now}, nil
	}
	resp, err := client.Raw(req.Line)
	if err != nil {
		return &WriteLineResponse{Err: err.Error(), Code: plterr.CodeOf(err), Now: now}, nil
	}
	return &WriteLineResponse{OK: true, Response: resp, Now: now}, nil
}

func (d *daemon) QueryLines(req *QueryLinesRequest) (*QueryLinesResponse, error) {
	var filterRegex *regexp.Regexp
	if req.FilterRegex != "" {
		filterRegex, _ = regexp.Compile(req.FilterRegex)
	}

	opts := QueryOptions{
		FilterDir:   req.FilterDir,
		FilterRegex: filterRegex,
	}
	if req.Tail != nil {
		opts.Scan = TailScan{N: *req.Tail}
	} else if req.FromLine != nil || req.ToLine != nil {
		opts.Scan = RangeScan{FromLine: req.FromLine, ToLine: req.ToLine}
	}

	lines := d.lineDB.Query(opts)

	totalCount := len(lines)
	const maxLines = 1000
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}

	resp := &QueryLinesResponse{
		Count: totalCount,
		Lines: make([]LineInfo, len(lines)),
		Now:   formatSpoolerTime(time.Now()),
	}
	for i, l := range lines {
		resp.Lines[i] = LineInfo{
			LineNum: l.num,
			Dir:     l.dir,
			Content: l.content,
			Time:    formatSpoolerTime(l.time),
		}
	}
	return resp, nil
}

func (d *daemon) Plot(req *PlotRequest) (*PlotResponse, error) {
	opts := svgpath.DefaultOptions(d.cfg.canvasW, d.cfg.canvasH)
	if req.CanvasW != nil {
		opts.CanvasW = *req.CanvasW
	}
	if req.CanvasH != nil {
		opts.CanvasH = *req.CanvasH
	}
	if req.SafetyMargin != nil {
		opts.SafetyMargin = *req.SafetyMargin
	}
	opts.Optimize = !req.NoOptimize

	var cmds []svgpath.Command
	var err error
	if req.SVG != "" {
		cmds, err = svgpath.Compile(req.SVG, opts)
	} else {
		cmds, err = svgpath.CompileCanvas(req.Objects, opts)
	}
	if err != nil {
		return &PlotResponse{Err: err.Error()}, nil
	}
	if len(cmds) == 0 {
		return &PlotResponse{Err: "nothing to plot"}, nil
	}
	if _, err := d.cl(); err != nil {
		return &PlotResponse{Err: err.Error()}, nil
	}

	jobID, ok := d.pm.Start(cmds)
	if !ok {
		return &PlotResponse{Err: "another plot is already running"}, nil
	}
	return &PlotResponse{OK: true, JobID: &jobID, Commands: len(cmds)}, nil
}

func (d *daemon) ListJobs(req *ListJobsRequest) (*ListJobsResponse, error) {
	jobs := d.pm.ListJobs()
	resp := &ListJobsResponse{Jobs: make([]JobInfo, len(jobs))}
	for i, job := range jobs {
		info := JobInfo{
			JobID:     job.ID,
			Status:    string(job.Status),
			Commands:  job.Commands,
			State:     job.Progress.State.String(),
			Index:     job.Progress.Index,
			Percent:   job.Progress.Percent,
			Error:     job.Error,
			TimeAdded: formatSpoolerTime(job.TimeAdded),
		}
		if job.TimeStarted != nil {
			s := formatSpoolerTime(*job.TimeStarted)
			info.TimeStarted = &s
		}
		if job.TimeEnded != nil {
			s := formatSpoolerTime(*job.TimeEnded)
			info.TimeEnded = &s
		}
		resp.Jobs[i] = info
	}
	return resp, nil
}

func (d *daemon) Pause(req *PauseRequest) (*PauseResponse, error) {
	d.pm.Pause()
	return &PauseResponse{}, nil
}

func (d *daemon) Resume(req *ResumeRequest) (*ResumeResponse, error) {
	d.pm.Resume()
	return &ResumeResponse{}, nil
}

func (d *daemon) Cancel(req *CancelRequest) (*CancelResponse, error) {
	return &CancelResponse{OK: d.pm.Cancel()}, nil
}

func (d *daemon) HomeMachine(req *HomeRequest) (*HomeResponse, error) {
	client, err := d.cl()
	if err != nil {
		return &HomeResponse{Err: err.Error(), Code: plterr.CodeOf(err)}, nil
	}
	if err := client.Home(0); err != nil {
		return &HomeResponse{Err: err.Error(), Code: plterr.CodeOf(err)}, nil
	}
	return &HomeResponse{OK: true}, nil
}

func (d *daemon) Pen(req *PenRequest) (*PenResponse, error) {
	client, err := d.cl()
	if err != nil {
		return &PenResponse{Err: err.Error(), Code: plterr.CodeOf(err)}, nil
	}
	if req.Position == "up" {
		err = client.PenUp(false)
	} else {
		err = client.PenDown(false)
	}
	if err != nil {
		return &PenResponse{Err: err.Error(), Code: plterr.CodeOf(err)}, nil
	}
	return &PenResponse{OK: true}, nil
}

func (d *daemon) EStop(req *EStopRequest) (*EStopResponse, error) {
	client, err := d.cl()
	if err != nil {
		return &EStopResponse{}, nil
	}
	d.exec.Cancel()
	if err := client.EmergencyStop(); err != nil {
		slog.Error("Emergency stop failed", "error", err)
		return &EStopResponse{}, nil
	}
	return &EStopResponse{OK: true}, nil
}

func (d *daemon) GetStatus(req *GetStatusRequest) (*GetStatusResponse, error) {
	resp := &GetStatusResponse{
		Busy: d.pm.HasActiveJob(),
	}
	d.mu.Lock()
	conn := d.conn
	client := d.client
	resp.Port = d.lastPort
	d.mu.Unlock()

	if conn == nil || client == nil {
		return resp, nil
	}
	resp.Connected = conn.State() == comm.StateConnected
	resp.Pen = client.PenState().String()
	if ss, ok := conn.StreamingStatus(); ok {
		resp.Stream = &StreamInfo{Used: ss.Used, Capacity: ss.Capacity, Pending: ss.Pending}
	}

	// Last sampled machine state, without touching the wire.
	_, vals := d.statusDB.QueryRanges([]string{"state"}, time.Now().Add(-10*time.Second), time.Now(), 10*time.Second)
	for _, v := range vals["state"] {
		if s, ok := v.(string); ok {
			resp.Machine = s
		}
	}
	return resp, nil
}

func (d *daemon) SetInit(req *SetInitRequest) (*SetInitResponse, error) {
	if err := saveInitLines(d.cfg.initFile, req.Lines); err != nil {
		return nil, err
	}
	slog.Info("Init lines updated")
	return &SetInitResponse{}, nil
}

func (d *daemon) GetInit(req *GetInitRequest) (*GetInitResponse, error) {
	lines, err := loadInitLines(d.cfg.initFile)
	if err != nil {
		return nil, err
	}
	return &GetInitResponse{Lines: lines}, nil
}

func (d *daemon) QueryStatusTS(req *QueryStatusTSRequest) (*QueryStatusTSResponse, error) {
	start := time.Unix(0, int64(req.Start*1e9))
	end := time.Unix(0, int64(req.End*1e9))
	step := time.Duration(float64(req.Step) * float64(time.Second))

	tms, valsMap := d.statusDB.QueryRanges(req.Query, start, end, step)

	resp := &QueryStatusTSResponse{
		Times:  make([]float64, len(tms)),
		Values: make(map[string][]interface{}),
	}
	for i, tm := range tms {
		resp.Times[i] = float64(tm.UnixNano()) / 1e9
	}
	for key, vals := range valsMap {
		resp.Values[key] = vals
	}
	return resp, nil
}

func main() {
	portName := flag.String("port", "", "Serial port name (empty auto-detects a known plotter)")
	baud := flag.Int("baud", 115200, "Serial port baud rate")
	addr := flag.String("addr", ":9000", "HTTP listen address")
	logDir := flag.String("log-dir", "logs", "Directory for log files (relative to current directory)")
	initFile := flag.String("init-file", "init.txt", "Init G-code file path")
	canvasW := flag.Float64("canvas-w", 210, "Canvas width, mm")
	canvasH := flag.Float64("canvas-h", 297, "Canvas height, mm")
	paper := flag.String("paper", "A4", "Paper size (A4, A3, custom)")
	feed := flag.Float64("feed", 33.3, "Pen-down feed, mm/s")
	stream := flag.Bool("stream", true, "Use character-counting streaming for plots")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	logDirAbs, err := filepath.Abs(*logDir)
	if err != nil {
		slog.Error("Failed to resolve log directory path", "logDir", *logDir, "error", err)
		return
	}
	initFileAbs, err := filepath.Abs(*initFile)
	if err != nil {
		slog.Error("Failed to resolve init file path", "initFile", *initFile, "error", err)
		return
	}
	slog.Info("Using log directory", "path", logDirAbs)
	slog.Info("Using init file", "path", initFileAbs)

	cfg := daemonConfig{
		baud:     *baud,
		canvasW:  *canvasW,
		canvasH:  *canvasH,
		paper:    plot.PaperSize(*paper),
		feed:     *feed,
		stream:   *stream,
		initFile: initFileAbs,
	}
	d := newDaemon(cfg, logDirAbs)
	defer d.logger.Close()

	if _, err := loadInitLines(initFileAbs); err != nil {
		slog.Error("Init file error", "error", err)
		return
	}

	if err := d.connect(*portName); err != nil {
		slog.Warn("Plotter not connected at startup; use /connect", "error", err)
	}
	go d.statusPollLoop()

	slog.Info("HTTP server started", "addr", *addr)
	if err := StartHTTPServer(*addr, d); err != nil {
		slog.Error("HTTP server error", "error", err)
	}
}
