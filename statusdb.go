// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"sync"
	"time"

	"plot-spooler/grbl"
)

// StatusDB keeps a chronological record of machine-status samples so the UI
// can chart position and feed over a plot. The sampled fields are fixed: one
// StatusPoint carries them all, and queries project individual fields by
// name.
type StatusDB struct {
	mu     sync.RWMutex
	points []StatusPoint // ordered by T, oldest first
}

// StatusPoint is one recorded status report.
type StatusPoint struct {
	T     time.Time
	State string

	MX, MY, MZ float64
	Feed       float64
	Spindle    float64
}

// SampleValue is a projected field sample: float64 for axes and feed, string
// for the machine state, nil where a query window holds no data.
type SampleValue interface{}

func NewStatusDB() *StatusDB {
	return &StatusDB{}
}

// AddStatus records one status report taken at tm. Samples normally arrive in
// time order, so insertion scans backwards from the tail only for stragglers.
func (db *StatusDB) AddStatus(st grbl.Status, tm time.Time) {
	pt := StatusPoint{
		T:     tm,
		State: st.State.String(),
		MX:    st.MX,
		MY:    st.MY,
		MZ:    st.MZ,

		Feed:    st.Feed,
		Spindle: st.Spindle,
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	i := len(db.points)
	for i > 0 && db.points[i-1].T.After(tm) {
		i--
	}
	if i == len(db.points) {
		db.points = append(db.points, pt)
		return
	}
	db.points = append(db.points, StatusPoint{})
	copy(db.points[i+1:], db.points[i:])
	db.points[i] = pt
}

// project returns the named field of a point, nil for unknown keys.
func (p *StatusPoint) project(key string) SampleValue {
	switch key {
	case "state":
		return p.State
	case "mx":
		return p.MX
	case "my":
		return p.MY
	case "mz":
		return p.MZ
	case "feed":
		return p.Feed
	case "spindle":
		return p.Spindle
	}
	return nil
}

// QueryRanges samples the requested fields at start, start+step, ... up to
// end. For each sample timestamp T the newest point inside the window
// [T-step, T] is projected; a window with no data yields nil. Values are
// never interpolated. The point list is walked once, so a query costs
// O(points + samples) regardless of how many fields are requested.
func (db *StatusDB) QueryRanges(keys []string, start, end time.Time, step time.Duration) ([]time.Time, map[string][]SampleValue) {
	count := 1
	if step > 0 && end.After(start) {
		count = int(end.Sub(start)/step) + 1
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	tms := make([]time.Time, count)
	picks := make([]int, count) // index into points per sample, -1 for an empty window
	next := 0
	for i := 0; i < count; i++ {
		t := start.Add(time.Duration(i) * step)
		for next < len(db.points) && !db.points[next].T.After(t) {
			next++
		}
		pick := -1
		if next > 0 && !db.points[next-1].T.Before(t.Add(-step)) {
			pick = next - 1
		}
		tms[i] = t
		picks[i] = pick
	}

	valsMap := make(map[string][]SampleValue, len(keys))
	for _, key := range keys {
		vals := make([]SampleValue, count)
		for i, pick := range picks {
			if pick >= 0 {
				vals[i] = db.points[pick].project(key)
			}
		}
		valsMap[key] = vals
	}
	return tms, valsMap
}
