// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"plot-spooler/svgpath"
)

// Model of spooler HTTP API.
// Since requests passed into SpoolerAPI are valid, returning an error here
// means internal server error.
type SpoolerAPI interface {
	ListPorts(req *ListPortsRequest) (*ListPortsResponse, error)
	Connect(req *ConnectRequest) (*ConnectResponse, error)
	Disconnect(req *DisconnectRequest) (*DisconnectResponse, error)
	WriteLine(req *WriteLineRequest) (*WriteLineResponse, error)
	QueryLines(req *QueryLinesRequest) (*QueryLinesResponse, error)
	Plot(req *PlotRequest) (*PlotResponse, error)
	ListJobs(req *ListJobsRequest) (*ListJobsResponse, error)
	Pause(req *PauseRequest) (*PauseResponse, error)
	Resume(req *ResumeRequest) (*ResumeResponse, error)
	Cancel(req *CancelRequest) (*CancelResponse, error)
	HomeMachine(req *HomeRequest) (*HomeResponse, error)
	Pen(req *PenRequest) (*PenResponse, error)
	EStop(req *EStopRequest) (*EStopResponse, error)
	GetStatus(req *GetStatusRequest) (*GetStatusResponse, error)
	SetInit(req *SetInitRequest) (*SetInitResponse, error)
	GetInit(req *GetInitRequest) (*GetInitResponse, error)
	QueryStatusTS(req *QueryStatusTSRequest) (*QueryStatusTSResponse, error)
}

type ListPortsRequest struct {
}

type PortInfo struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
	VID         string `json:"vid,omitempty"`
	PID         string `json:"pid,omitempty"`
	Compatible  bool   `json:"compatible"`
}

type ListPortsResponse struct {
	Ports []PortInfo `json:"ports"`
}

func validateListPorts(req *ListPortsRequest) error {
	return nil
}

type ConnectRequest struct {
	Port string `json:"port,omitempty"` // empty auto-detects
}

type ConnectResponse struct {
	OK   bool   `json:"ok"`
	Port string `json:"port,omitempty"`
	Err  string `json:"error,omitempty"`
	Code string `json:"code,omitempty"`
}

func validateConnect(req *ConnectRequest) error {
	return nil
}

type DisconnectRequest struct {
}

type DisconnectResponse struct {
}

func validateDisconnect(req *DisconnectRequest) error {
	return nil
}

type WriteLineRequest struct {
	Line string `json:"line"` // single line of command. cannot contain newline.
}

type WriteLineResponse struct {
	OK       bool   `json:"ok"`
	Response string `json:"response,omitempty"`
	Err      string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
	Now      string `json:"now"`
}

func validateWriteLine(req *WriteLineRequest) error {
	if strings.Contains(req.Line, "\n") {
		return errors.New("payload cannot contain newline")
	}
	if len(req.Line) > 100 {
		return errors.New("payload must be <= 100 byte")
	}
	if req.Line == "" {
		return errors.New("payload cannot be empty")
	}
	return nil
}

type QueryLinesRequest struct {
	FromLine    *int   `json:"from_line,omitempty"`    // Optional: start from this line number (inclusive), 1-based
	ToLine      *int   `json:"to_line,omitempty"`      // Optional: up to this line number (exclusive), 1-based
	Tail        *int   `json:"tail,omitempty"`         // Optional: get last N lines (overrides from/to)
	FilterDir   string `json:"filter_dir,omitempty"`   // Optional: "up" or "down" direction filter
	FilterRegex string `json:"filter_regex,omitempty"` // Optional: regex filter (RE2 syntax)
}

type LineInfo struct {
	LineNum int    `json:"line_num"`
	Dir     string `json:"dir"`     // "up" for controller->host, "down" for host->controller
	Content string `json:"content"` // content of the line, without newlines
	Time    string `json:"time"`
}

type QueryLinesResponse struct {
	Count int        `json:"count"` // total number of matching lines
	Lines []LineInfo `json:"lines"` // actual lines (max 1000), ordered by line number (ascending)
	Now   string     `json:"now"`
}

func validateQueryLines(req *QueryLinesRequest) error {
	tailExists := req.Tail != nil
	rangeExists := req.FromLine != nil || req.ToLine != nil

	if tailExists && rangeExists {
		return errors.New("tail: cannot be used together with ranges (from_line, to_line)")
	}
	if rangeExists {
		if req.FromLine != nil && *req.FromLine < 1 {
			return errors.New("from_line: must be >= 1")
		}
		if req.ToLine != nil && *req.ToLine < 1 {
			return errors.New("to_line: must be >= 1")
		}
		if (req.FromLine != nil && req.ToLine != nil) && *req.ToLine < *req.FromLine {
			return errors.New("to_line must be >= from_line")
		}
	}
	if tailExists && *req.Tail < 1 {
		return errors.New("tail: must be >= 1")
	}
	if req.FilterDir != "" && req.FilterDir != "up" && req.FilterDir != "down" {
		return errors.New("filter_dir: must be 'up' or 'down'")
	}
	if req.FilterRegex != "" {
		if _, err := regexp.Compile(req.FilterRegex); err != nil {
			return fmt.Errorf("filter_regex: invalid regex %v", err)
		}
	}
	return nil
}

type PlotRequest struct {
	SVG     string                 `json:"svg,omitempty"`     // SVG document to plot
	Objects []svgpath.CanvasObject `json:"objects,omitempty"` // or a pre-serialized canvas object tree

	CanvasW      *float64 `json:"canvas_w,omitempty"` // mm, defaults to the daemon canvas size (-canvas-w / -canvas-h)
	CanvasH      *float64 `json:"canvas_h,omitempty"`
	SafetyMargin *float64 `json:"safety_margin,omitempty"` // mm, default 3
	NoOptimize   bool     `json:"no_optimize,omitempty"`
}

type PlotResponse struct {
	OK       bool    `json:"ok"`
	JobID    *string `json:"job_id,omitempty"`
	Commands int     `json:"commands,omitempty"`
	Err      string  `json:"error,omitempty"`
}

func validatePlot(req *PlotRequest) error {
	if req.SVG == "" && len(req.Objects) == 0 {
		return errors.New("svg or objects required")
	}
	if req.SVG != "" && len(req.Objects) > 0 {
		return errors.New("svg and objects are mutually exclusive")
	}
	if req.CanvasW != nil && *req.CanvasW <= 0 {
		return errors.New("canvas_w: must be > 0")
	}
	if req.CanvasH != nil && *req.CanvasH <= 0 {
		return errors.New("canvas_h: must be > 0")
	}
	if req.SafetyMargin != nil && *req.SafetyMargin < 0 {
		return errors.New("safety_margin: must be >= 0")
	}
	return nil
}

type ListJobsRequest struct {
}

type JobInfo struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"` // "WAITING", "RUNNING", "COMPLETED", "CANCELED", "FAILED"
	Commands    int     `json:"commands"`
	State       string  `json:"state"` // executor state of the latest progress report
	Index       int     `json:"index"`
	Percent     float64 `json:"percent"`
	Error       string  `json:"error,omitempty"`
	TimeAdded   string  `json:"time_added"`
	TimeStarted *string `json:"time_started,omitempty"`
	TimeEnded   *string `json:"time_ended,omitempty"`
}

type ListJobsResponse struct {
	Jobs []JobInfo `json:"jobs"`
}

func validateListJobs(req *ListJobsRequest) error {
	return nil
}

type PauseRequest struct {
}

type PauseResponse struct {
}

func validatePause(req *PauseRequest) error {
	return nil
}

type ResumeRequest struct {
}

type ResumeResponse struct {
}

func validateResume(req *ResumeRequest) error {
	return nil
}

type CancelRequest struct {
}

type CancelResponse struct {
	OK bool `json:"ok"` // false when no plot was active
}

func validateCancel(req *CancelRequest) error {
	return nil
}

type HomeRequest struct {
}

type HomeResponse struct {
	OK   bool   `json:"ok"`
	Err  string `json:"error,omitempty"`
	Code string `json:"code,omitempty"`
}

func validateHome(req *HomeRequest) error {
	return nil
}

type PenRequest struct {
	Position string `json:"position"` // "up" or "down"
}

type PenResponse struct {
	OK   bool   `json:"ok"`
	Err  string `json:"error,omitempty"`
	Code string `json:"code,omitempty"`
}

func validatePen(req *PenRequest) error {
	if req.Position != "up" && req.Position != "down" {
		return errors.New("position: must be 'up' or 'down'")
	}
	return nil
}

type EStopRequest struct {
}

type EStopResponse struct {
	OK bool `json:"ok"`
}

func validateEStop(req *EStopRequest) error {
	return nil
}

type GetStatusRequest struct {
}

type StreamInfo struct {
	Used     int `json:"used"`
	Capacity int `json:"capacity"`
	Pending  int `json:"pending"`
}

type GetStatusResponse struct {
	Connected bool        `json:"connected"`
	Port      string      `json:"port,omitempty"`
	Busy      bool        `json:"busy"`
	Machine   string      `json:"machine,omitempty"` // controller state of the last sample
	Pen       string      `json:"pen,omitempty"`
	Stream    *StreamInfo `json:"stream,omitempty"`
}

func validateGetStatus(req *GetStatusRequest) error {
	return nil
}

type SetInitRequest struct {
	Lines []string `json:"lines"`
}

type SetInitResponse struct {
}

func validateSetInit(req *SetInitRequest) error {
	for _, line := range req.Lines {
		if strings.Contains(line, "\n") {
			return errors.New("lines: must not contain newline")
		}
	}
	return nil
}

type GetInitRequest struct {
}

type GetInitResponse struct {
	Lines []string `json:"lines"`
}

func validateGetInit(req *GetInitRequest) error {
	return nil
}

type QueryStatusTSRequest struct {
	Start float64  `json:"start"` // Unix seconds
	End   float64  `json:"end"`
	Step  float32  `json:"step"` // seconds
	Query []string `json:"query"`
}

type QueryStatusTSResponse struct {
	Times  []float64                `json:"times"`
	Values map[string][]interface{} `json:"values"`
}

func validateQueryStatusTS(req *QueryStatusTSRequest) error {
	if len(req.Query) == 0 {
		return errors.New("query: cannot be empty")
	}
	if req.Start < 0 {
		return errors.New("start: must be >= 0")
	}
	if req.End < req.Start {
		return errors.New("end: must be >= start")
	}
	if req.Step <= 0 {
		return errors.New("step: must be > 0")
	}
	if (req.End-req.Start)/float64(req.Step) > 10000 {
		return errors.New("too many steps")
	}
	if len(req.Query) > 1000 {
		return errors.New("query: too many")
	}
	return nil
}

// allowCORS answers preflight requests and stamps permissive CORS headers on
// every API response, so the browser-hosted editor can talk to the daemon.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Calls blocking the serial link longer than this get logged; most endpoints
// answer from memory and should never come close.
const slowCallThreshold = 1 * time.Second

// handle registers one POST-only JSON endpoint on mux.
func handle[Req any, Resp any](mux *http.ServeMux, path string, validate func(*Req) error, exec func(*Req) (*Resp, error)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validate(&req); err != nil {
			http.Error(w, "request rejected: "+err.Error(), http.StatusBadRequest)
			return
		}

		started := time.Now()
		resp, err := exec(&req)
		if elapsed := time.Since(started); elapsed > slowCallThreshold {
			slog.Warn("Slow API call", "path", path, "elapsed", elapsed)
		}
		if err != nil {
			slog.Error("API call failed", "path", path, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.Warn("Failed to encode response", "path", path, "error", err)
		}
	})
}

func StartHTTPServer(addr string, api SpoolerAPI) error {
	mux := http.NewServeMux()
	handle(mux, "/ports", validateListPorts, api.ListPorts)
	handle(mux, "/connect", validateConnect, api.Connect)
	handle(mux, "/disconnect", validateDisconnect, api.Disconnect)
	handle(mux, "/write-line", validateWriteLine, api.WriteLine)
	handle(mux, "/query-lines", validateQueryLines, api.QueryLines)
	handle(mux, "/plot", validatePlot, api.Plot)
	handle(mux, "/list-jobs", validateListJobs, api.ListJobs)
	handle(mux, "/pause", validatePause, api.Pause)
	handle(mux, "/resume", validateResume, api.Resume)
	handle(mux, "/cancel", validateCancel, api.Cancel)
	handle(mux, "/home", validateHome, api.HomeMachine)
	handle(mux, "/pen", validatePen, api.Pen)
	handle(mux, "/estop", validateEStop, api.EStop)
	handle(mux, "/status", validateGetStatus, api.GetStatus)
	handle(mux, "/set-init", validateSetInit, api.SetInit)
	handle(mux, "/get-init", validateGetInit, api.GetInit)
	handle(mux, "/query-status-ts", validateQueryStatusTS, api.QueryStatusTS)

	return http.ListenAndServe(addr, allowCORS(mux))
}
