// SPDX-License-Identifier: AGPL-3.0-or-later
package grbl

import (
	"strconv"
	"strings"
)

type MachineState int

const (
	StateUnknown MachineState = iota
	StateIdle
	StateRun
	StateHold
	StateJog
	StateAlarm
	StateDoor
	StateCheck
	StateHome
	StateSleep
)

var stateNames = map[MachineState]string{
	StateUnknown: "Unknown",
	StateIdle:    "Idle",
	StateRun:     "Run",
	StateHold:    "Hold",
	StateJog:     "Jog",
	StateAlarm:   "Alarm",
	StateDoor:    "Door",
	StateCheck:   "Check",
	StateHome:    "Home",
	StateSleep:   "Sleep",
}

func (s MachineState) String() string {
	return stateNames[s]
}

// parseMachineState maps the leading token of a status report. Sub-states
// like "Hold:0" or "Door:1" carry a qualifier after the colon.
func parseMachineState(tok string) MachineState {
	if i := strings.IndexByte(tok, ':'); i >= 0 {
		tok = tok[:i]
	}
	for s, name := range stateNames {
		if tok == name {
			return s
		}
	}
	return StateUnknown
}

// Status is one parsed `<State|MPos:x,y,z|...>` report. Ephemeral value; no
// identity.
type Status struct {
	State MachineState

	// Machine position, mm.
	MX, MY, MZ float64

	// Work position, mm. Valid only when HasWork.
	HasWork    bool
	WX, WY, WZ float64

	Feed    float64
	Spindle float64
	Pins    string
}

func parseTriple(s string) (x, y, z float64, ok bool) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return 0, 0, 0, false
	}
	var vals [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return 0, 0, 0, false
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], true
}

// ParseStatus extracts a status report from a response. The report may be
// surrounded by other lines (an "ok", feedback messages); the first
// `<...>`-delimited section wins.
func ParseStatus(resp string) (Status, bool) {
	start := strings.IndexByte(resp, '<')
	if start < 0 {
		return Status{}, false
	}
	end := strings.IndexByte(resp[start:], '>')
	if end < 0 {
		return Status{}, false
	}
	body := resp[start+1 : start+end]

	parts := strings.Split(body, "|")
	if len(parts) < 1 || parts[0] == "" {
		return Status{}, false
	}

	st := Status{State: parseMachineState(parts[0])}
	for _, part := range parts[1:] {
		switch {
		case strings.HasPrefix(part, "MPos:"):
			x, y, z, ok := parseTriple(strings.TrimPrefix(part, "MPos:"))
			if !ok {
				return Status{}, false
			}
			st.MX, st.MY, st.MZ = x, y, z
		case strings.HasPrefix(part, "WPos:"):
			x, y, z, ok := parseTriple(strings.TrimPrefix(part, "WPos:"))
			if ok {
				st.WX, st.WY, st.WZ = x, y, z
				st.HasWork = true
			}
		case strings.HasPrefix(part, "FS:"):
			fs := strings.Split(strings.TrimPrefix(part, "FS:"), ",")
			if len(fs) >= 1 {
				st.Feed, _ = strconv.ParseFloat(strings.TrimSpace(fs[0]), 64)
			}
			if len(fs) >= 2 {
				st.Spindle, _ = strconv.ParseFloat(strings.TrimSpace(fs[1]), 64)
			}
		case strings.HasPrefix(part, "F:"):
			st.Feed, _ = strconv.ParseFloat(strings.TrimPrefix(part, "F:"), 64)
		case strings.HasPrefix(part, "Pn:"):
			st.Pins = strings.TrimPrefix(part, "Pn:")
		}
	}
	return st, true
}
