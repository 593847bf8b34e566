// SPDX-License-Identifier: AGPL-3.0-or-later
package comm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminatorFor(t *testing.T) {
	cases := []struct {
		cmd  string
		want string
	}{
		{"?", ""},
		{"!", ""},
		{"~", ""},
		{"\x18", ""},
		{"G00 X1.000 Y2.000", "\n"},
		{"M18", "\n"},
		{"$H", "\n"},
		{"$I", "\n"},
		{"SP,1", "\r"},
		{"V", "\r"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, terminatorFor(c.cmd), "cmd=%q", c.cmd)
	}
}

func TestResponseComplete(t *testing.T) {
	cases := []struct {
		cmd  string
		buf  string
		want bool
	}{
		{"?", "<Idle|MPos:0.000,0.000,0.000>", true},
		{"?", "<Idle|MPos:0.000,0.000,0.000>\r\n", true},
		{"?", "<Idle|MPos:0.000,", false},
		{"!", "ok\r\n", true},
		{"G90", "ok\r\n", true},
		{"G90", "error:20\r\n", true},
		{"$H", "ALARM:8\r\n", true},
		{"$H", "", false},
		{"G90", "banner text\r\n", false},
		{"V", "282\r\n", true},
		{"QB", "1\nOK", true},
		{"QB", "1", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, responseComplete(c.cmd, c.buf), "cmd=%q buf=%q", c.cmd, c.buf)
	}
}

func TestClassifyAck(t *testing.T) {
	assert.Equal(t, ackOK, classifyAck("ok"))
	assert.Equal(t, ackOK, classifyAck("ok\r"))
	assert.Equal(t, ackError, classifyAck("error:22"))
	assert.Equal(t, ackAlarm, classifyAck("ALARM:1"))
	assert.Equal(t, ackAlarm, classifyAck("alarm:2"))
	assert.Equal(t, ackNone, classifyAck("<Idle|MPos:0.000,0.000,0.000>"))
	assert.Equal(t, ackNone, classifyAck("[MSG:Pgm End]"))
	assert.Equal(t, ackNone, classifyAck("Grbl 1.1f ['$' for help]"))
}

func TestPortHelpers(t *testing.T) {
	v, ok := parseHexID("1A86")
	assert.True(t, ok)
	assert.Equal(t, uint16(0x1A86), v)
	_, ok = parseHexID("zz")
	assert.False(t, ok)

	assert.True(t, isCallIn("/dev/tty.usbserial-110"))
	assert.False(t, isCallIn("/dev/cu.usbserial-110"))
	assert.Equal(t, "/dev/cu.usbserial-110", callOutVariant("/dev/tty.usbserial-110"))

	assert.Contains(t, knownPlotters, usbID{0x1A86, 0x7523})
	assert.Contains(t, knownPlotters, usbID{0x1A86, 0x8040})
	assert.Contains(t, knownPlotters, usbID{0x04D8, 0xFD92})
}
