// SPDX-License-Identifier: AGPL-3.0-or-later
package comm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"

	"plot-spooler/plterr"
)

// PortDescriptor describes one serial port as reported by the OS.
// Immutable; produced by EnumeratePorts and copied to callers.
type PortDescriptor struct {
	Path        string // OS device path (e.g. /dev/cu.usbserial-110, COM3)
	Description string
	VID         uint16
	PID         uint16
	IsUSB       bool
	HardwareID  string
	Compatible  bool // VID/PID matches a known plotter controller
}

type usbID struct {
	vid, pid uint16
}

// Known plotter controller boards.
var knownPlotters = map[usbID]string{
	{0x1A86, 0x7523}: "CH340",
	{0x1A86, 0x8040}: "CH340K",
	{0x04D8, 0xFD92}: "EiBotBoard",
}

func parseHexID(s string) (uint16, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

// EnumeratePorts lists physical serial ports with USB metadata where the OS
// exposes it. On hosts that publish both a call-in (/dev/tty.*) and call-out
// (/dev/cu.*) node for the same device, only the call-out node is returned.
func EnumeratePorts() ([]PortDescriptor, error) {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, plterr.Wrap(plterr.KindNoDeviceFound, "enumerate", err)
	}

	names := make(map[string]bool, len(list))
	for _, p := range list {
		names[p.Name] = true
	}

	var ports []PortDescriptor
	for _, p := range list {
		if isCallIn(p.Name) && names[callOutVariant(p.Name)] {
			continue
		}
		d := PortDescriptor{
			Path:        p.Name,
			Description: p.Product,
			IsUSB:       p.IsUSB,
		}
		if p.IsUSB {
			vid, okV := parseHexID(p.VID)
			pid, okP := parseHexID(p.PID)
			if okV && okP {
				d.VID = vid
				d.PID = pid
				d.HardwareID = fmt.Sprintf("USB VID:PID=%04X:%04X SER=%s", vid, pid, p.SerialNumber)
				if name, ok := knownPlotters[usbID{vid, pid}]; ok {
					d.Compatible = true
					if d.Description == "" {
						d.Description = name
					}
				}
			}
		}
		ports = append(ports, d)
	}

	// Stable order across calls.
	sort.Slice(ports, func(i, j int) bool { return ports[i].Path < ports[j].Path })
	return ports, nil
}

func isCallIn(name string) bool {
	return strings.HasPrefix(name, "/dev/tty.")
}

func callOutVariant(name string) string {
	return "/dev/cu." + strings.TrimPrefix(name, "/dev/tty.")
}

// FindCompatiblePort returns the first enumerated port whose VID/PID matches
// the known-plotter list.
func FindCompatiblePort() (PortDescriptor, error) {
	ports, err := EnumeratePorts()
	if err != nil {
		return PortDescriptor{}, err
	}
	for _, p := range ports {
		if p.Compatible {
			return p, nil
		}
	}
	return PortDescriptor{}, plterr.New(plterr.KindNoDeviceFound, "find-port", "no compatible plotter found")
}
