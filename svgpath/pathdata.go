// SPDX-License-Identifier: AGPL-3.0-or-later
package svgpath

import (
	"fmt"
	"strconv"
)

// parsePathData parses an SVG path-data string (M/L/H/V/Z/C/S/Q/T/A plus
// relative forms) and flattens every curve, returning one polyline per
// subpath.
func parsePathData(d string) ([][]point, error) {
	p := &pathParser{data: d}
	return p.run()
}

type pathParser struct {
	data string
	pos  int

	cur      point
	start    point
	subpaths [][]point
	sub      []point
}

func isSep(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ','
}

func isCommand(c byte) bool {
	return (c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') && c != 'e' && c != 'E'
}

func (p *pathParser) skipSep() {
	for p.pos < len(p.data) && isSep(p.data[p.pos]) {
		p.pos++
	}
}

func (p *pathParser) atEnd() bool {
	p.skipSep()
	return p.pos >= len(p.data)
}

// hasNumber reports whether the next token is a number (vs a command letter
// or end of data).
func (p *pathParser) hasNumber() bool {
	p.skipSep()
	if p.pos >= len(p.data) {
		return false
	}
	c := p.data[p.pos]
	return !isCommand(c)
}

func (p *pathParser) number() (float64, error) {
	p.skipSep()
	i := p.pos
	n := len(p.data)
	if i < n && (p.data[i] == '+' || p.data[i] == '-') {
		i++
	}
	for i < n && p.data[i] >= '0' && p.data[i] <= '9' {
		i++
	}
	if i < n && p.data[i] == '.' {
		i++
		for i < n && p.data[i] >= '0' && p.data[i] <= '9' {
			i++
		}
	}
	if i < n && (p.data[i] == 'e' || p.data[i] == 'E') {
		j := i + 1
		if j < n && (p.data[j] == '+' || p.data[j] == '-') {
			j++
		}
		for j < n && p.data[j] >= '0' && p.data[j] <= '9' {
			j++
		}
		if j > i+1 {
			i = j
		}
	}
	if i == p.pos {
		return 0, fmt.Errorf("path data: expected number at offset %d", p.pos)
	}
	v, err := strconv.ParseFloat(p.data[p.pos:i], 64)
	if err != nil {
		return 0, fmt.Errorf("path data: bad number %q at offset %d", p.data[p.pos:i], p.pos)
	}
	p.pos = i
	return v, nil
}

func (p *pathParser) pair(relative bool) (point, error) {
	x, err := p.number()
	if err != nil {
		return point{}, err
	}
	y, err := p.number()
	if err != nil {
		return point{}, err
	}
	if relative {
		return point{X: p.cur.X + x, Y: p.cur.Y + y}, nil
	}
	return point{X: x, Y: y}, nil
}

func (p *pathParser) beginSubpath(at point) {
	p.flushSubpath()
	p.sub = []point{at}
	p.start = at
	p.cur = at
}

func (p *pathParser) flushSubpath() {
	if len(p.sub) > 0 {
		p.subpaths = append(p.subpaths, p.sub)
		p.sub = nil
	}
}

func (p *pathParser) extend(pts ...point) {
	if len(p.sub) == 0 {
		// Path data starting without an explicit moveto: treat the implied
		// start as the current point.
		p.sub = []point{p.cur}
		p.start = p.cur
	}
	p.sub = append(p.sub, pts...)
	if len(pts) > 0 {
		p.cur = pts[len(pts)-1]
	}
}

func (p *pathParser) run() ([][]point, error) {
	for !p.atEnd() {
		cmd := p.data[p.pos]
		if !isCommand(cmd) {
			return nil, fmt.Errorf("path data: expected command at offset %d", p.pos)
		}
		p.pos++
		if err := p.exec(cmd); err != nil {
			return nil, err
		}
	}
	p.flushSubpath()
	return p.subpaths, nil
}

func (p *pathParser) exec(cmd byte) error {
	rel := cmd >= 'a'
	switch cmd {
	case 'M', 'm':
		pt, err := p.pair(rel)
		if err != nil {
			return err
		}
		p.beginSubpath(pt)
		// Additional coordinate pairs are implicit linetos.
		for p.hasNumber() {
			pt, err := p.pair(rel)
			if err != nil {
				return err
			}
			p.extend(pt)
		}

	case 'L', 'l':
		for p.hasNumber() {
			pt, err := p.pair(rel)
			if err != nil {
				return err
			}
			p.extend(pt)
		}

	case 'H', 'h':
		for p.hasNumber() {
			x, err := p.number()
			if err != nil {
				return err
			}
			if rel {
				x += p.cur.X
			}
			p.extend(point{X: x, Y: p.cur.Y})
		}

	case 'V', 'v':
		for p.hasNumber() {
			y, err := p.number()
			if err != nil {
				return err
			}
			if rel {
				y += p.cur.Y
			}
			p.extend(point{X: p.cur.X, Y: y})
		}

	case 'Z', 'z':
		// Snap back to the subpath start only if not already there.
		if p.cur != p.start {
			p.extend(p.start)
		}
		p.cur = p.start

	case 'C', 'c':
		for p.hasNumber() {
			c1, err := p.pair(rel)
			if err != nil {
				return err
			}
			c2, err := p.pair(rel)
			if err != nil {
				return err
			}
			end, err := p.pair(rel)
			if err != nil {
				return err
			}
			p.extend(flattenCubic(p.cur, c1, c2, end)...)
		}

	case 'S', 's':
		for p.hasNumber() {
			c2, err := p.pair(rel)
			if err != nil {
				return err
			}
			end, err := p.pair(rel)
			if err != nil {
				return err
			}
			// The first control point is the current point.
			p.extend(flattenCubic(p.cur, p.cur, c2, end)...)
		}

	case 'Q', 'q':
		for p.hasNumber() {
			c, err := p.pair(rel)
			if err != nil {
				return err
			}
			end, err := p.pair(rel)
			if err != nil {
				return err
			}
			p.extend(flattenQuad(p.cur, c, end)...)
		}

	case 'T', 't':
		for p.hasNumber() {
			end, err := p.pair(rel)
			if err != nil {
				return err
			}
			// The control point is the current point.
			p.extend(flattenQuad(p.cur, p.cur, end)...)
		}

	case 'A', 'a':
		for p.hasNumber() {
			rx, err := p.number()
			if err != nil {
				return err
			}
			ry, err := p.number()
			if err != nil {
				return err
			}
			rot, err := p.number()
			if err != nil {
				return err
			}
			laf, err := p.number()
			if err != nil {
				return err
			}
			sf, err := p.number()
			if err != nil {
				return err
			}
			end, err := p.pair(rel)
			if err != nil {
				return err
			}
			p.extend(flattenArc(p.cur, rx, ry, rot, laf != 0, sf != 0, end)...)
			p.cur = end
		}

	default:
		return fmt.Errorf("path data: unsupported command %q", string(cmd))
	}
	return nil
}
