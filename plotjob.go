// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"plot-spooler/plot"
	"plot-spooler/svgpath"
)

type JobStatus string

const (
	JobWaiting   JobStatus = "WAITING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobCanceled  JobStatus = "CANCELED"
	JobFailed    JobStatus = "FAILED"
)

// PlotJob is one submitted plot.
type PlotJob struct {
	ID          string
	Commands    int
	Status      JobStatus
	Progress    plot.Progress
	Error       string
	TimeAdded   time.Time
	TimeStarted *time.Time
	TimeEnded   *time.Time
}

// PlotManager runs at most one plot at a time on one executor.
// ~unsafe methods are not mutex-protected, caller must hold mu.
type PlotManager struct {
	mu        sync.Mutex
	jobs      []PlotJob
	nextJobID int

	exec *plot.Executor
}

// NewPlotManager creates a manager. At most one manager should exist per
// executor.
func NewPlotManager(exec *plot.Executor) *PlotManager {
	return &PlotManager{
		nextJobID: 1,
		exec:      exec,
	}
}

func (pm *PlotManager) issueNewJobIDUnsafe() string {
	jobID := fmt.Sprintf("plot%d", pm.nextJobID)
	pm.nextJobID++
	return jobID
}

func (pm *PlotManager) findActiveJobUnsafe() *PlotJob {
	for i := range pm.jobs {
		if pm.jobs[i].Status == JobWaiting || pm.jobs[i].Status == JobRunning {
			return &pm.jobs[i]
		}
	}
	return nil
}

// HandleProgress is the executor's progress callback.
func (pm *PlotManager) HandleProgress(p plot.Progress) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	job := pm.findActiveJobUnsafe()
	if job == nil {
		return
	}
	job.Progress = p
}

// Start submits a compiled command stream. Returns the job ID, or false when
// another plot is already pending.
func (pm *PlotManager) Start(cmds []svgpath.Command) (string, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.findActiveJobUnsafe() != nil {
		return "", false
	}

	job := PlotJob{
		ID:        pm.issueNewJobIDUnsafe(),
		Commands:  len(cmds),
		Status:    JobRunning,
		TimeAdded: time.Now().Local(),
	}
	tStart := time.Now().Local()
	job.TimeStarted = &tStart
	pm.jobs = append(pm.jobs, job)

	go pm.runJob(job.ID, cmds)
	return job.ID, true
}

func (pm *PlotManager) runJob(jobID string, cmds []svgpath.Command) {
	done, err := pm.exec.Run(cmds)

	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i := range pm.jobs {
		if pm.jobs[i].ID != jobID {
			continue
		}
		tEnd := time.Now().Local()
		pm.jobs[i].TimeEnded = &tEnd
		switch {
		case err != nil:
			pm.jobs[i].Status = JobFailed
			pm.jobs[i].Error = err.Error()
			slog.Error("Plot failed", "job", jobID, "error", err)
		case done:
			pm.jobs[i].Status = JobCompleted
			slog.Info("Plot completed", "job", jobID)
		default:
			pm.jobs[i].Status = JobCanceled
			slog.Info("Plot canceled", "job", jobID)
		}
		return
	}
}

// Pause suspends the running plot.
func (pm *PlotManager) Pause() {
	pm.exec.Pause()
}

// Resume continues a paused plot.
func (pm *PlotManager) Resume() {
	pm.exec.Resume()
}

// Cancel aborts the active plot. Returns false when no plot is active.
func (pm *PlotManager) Cancel() bool {
	pm.mu.Lock()
	active := pm.findActiveJobUnsafe() != nil
	pm.mu.Unlock()
	if !active {
		return false
	}
	pm.exec.Cancel()
	return true
}

// HasActiveJob reports whether a plot is waiting or running.
func (pm *PlotManager) HasActiveJob() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.findActiveJobUnsafe() != nil
}

// ListJobs returns a deep copy of all jobs.
func (pm *PlotManager) ListJobs() []PlotJob {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	jobs := make([]PlotJob, len(pm.jobs))
	for i, job := range pm.jobs {
		jobs[i] = copyJobUnsafe(job)
	}
	return jobs
}

// copyJobUnsafe creates a deep copy of a job. Immutable fields are shallow
// copied.
func copyJobUnsafe(job PlotJob) PlotJob {
	newJob := job
	if job.TimeStarted != nil {
		t := *job.TimeStarted
		newJob.TimeStarted = &t
	}
	if job.TimeEnded != nil {
		t := *job.TimeEnded
		newJob.TimeEnded = &t
	}
	return newJob
}
