// SPDX-License-Identifier: AGPL-3.0-or-later
package svgpath

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// document is the drawable content extracted from an SVG: intrinsic
// dimensions plus one path-data string per drawable element, in document
// order.
type document struct {
	width  float64
	height float64
	paths  []string
}

func attrMap(el xml.StartElement) map[string]string {
	m := make(map[string]string, len(el.Attr))
	for _, a := range el.Attr {
		m[strings.ToLower(a.Name.Local)] = a.Value
	}
	return m
}

// parseDimension strips a unit suffix (px, mm, pt, ...) and parses the
// numeric prefix.
func parseDimension(s string) float64 {
	s = strings.TrimSpace(s)
	i := len(s)
	for i > 0 {
		c := s[i-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		i--
	}
	v, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0
	}
	return v
}

func attrFloat(attrs map[string]string, name string) float64 {
	v, ok := attrs[name]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

// parseSVG scans the element tree for drawable primitives. Lower-level shapes
// are synthesized into path-data strings so the rest of the pipeline only
// deals with one representation.
func parseSVG(svgText string) (document, error) {
	dec := xml.NewDecoder(strings.NewReader(svgText))
	// Plotter SVGs come from many exporters; don't insist on strict XML.
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose

	var doc document
	sawRoot := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return document{}, fmt.Errorf("svg: %w", err)
		}
		el, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		attrs := attrMap(el)

		switch strings.ToLower(el.Name.Local) {
		case "svg":
			if !sawRoot {
				sawRoot = true
				doc.width, doc.height = intrinsicDims(attrs)
			}
		case "path":
			if d := attrs["d"]; d != "" {
				doc.paths = append(doc.paths, d)
			}
		case "line":
			doc.paths = append(doc.paths, fmt.Sprintf("M%s,%s L%s,%s",
				num(attrFloat(attrs, "x1")), num(attrFloat(attrs, "y1")),
				num(attrFloat(attrs, "x2")), num(attrFloat(attrs, "y2"))))
		case "polyline":
			if d := pointsToPath(attrs["points"], false); d != "" {
				doc.paths = append(doc.paths, d)
			}
		case "polygon":
			if d := pointsToPath(attrs["points"], true); d != "" {
				doc.paths = append(doc.paths, d)
			}
		case "rect":
			x := attrFloat(attrs, "x")
			y := attrFloat(attrs, "y")
			w := attrFloat(attrs, "width")
			h := attrFloat(attrs, "height")
			if w > 0 && h > 0 {
				doc.paths = append(doc.paths, fmt.Sprintf("M%s,%s L%s,%s L%s,%s L%s,%s Z",
					num(x), num(y), num(x+w), num(y), num(x+w), num(y+h), num(x), num(y+h)))
			}
		case "circle":
			doc.paths = append(doc.paths, ellipsePath(
				attrFloat(attrs, "cx"), attrFloat(attrs, "cy"),
				attrFloat(attrs, "r"), attrFloat(attrs, "r")))
		case "ellipse":
			doc.paths = append(doc.paths, ellipsePath(
				attrFloat(attrs, "cx"), attrFloat(attrs, "cy"),
				attrFloat(attrs, "rx"), attrFloat(attrs, "ry")))
		}
	}
	return doc, nil
}

// intrinsicDims derives the drawing's native size: viewBox preferred, else
// width/height attributes.
func intrinsicDims(attrs map[string]string) (w, h float64) {
	if vb, ok := attrs["viewbox"]; ok {
		fields := strings.FieldsFunc(vb, func(r rune) bool { return r == ' ' || r == ',' })
		var vals []float64
		for _, f := range fields {
			if f == "" {
				continue
			}
			v, err := strconv.ParseFloat(f, 64)
			if err == nil {
				vals = append(vals, v)
			}
		}
		if len(vals) == 4 && vals[2] > 0 && vals[3] > 0 {
			return vals[2], vals[3]
		}
	}
	return parseDimension(attrs["width"]), parseDimension(attrs["height"])
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func pointsToPath(points string, closed bool) string {
	fields := strings.FieldsFunc(points, func(r rune) bool { return r == ' ' || r == ',' || r == '\n' || r == '\t' })
	var vals []float64
	for _, f := range fields {
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return ""
		}
		vals = append(vals, v)
	}
	if len(vals) < 4 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("M" + num(vals[0]) + "," + num(vals[1]))
	for i := 2; i+1 < len(vals); i += 2 {
		sb.WriteString(" L" + num(vals[i]) + "," + num(vals[i+1]))
	}
	if closed {
		sb.WriteString(" Z")
	}
	return sb.String()
}

// ellipsePath synthesizes a full ellipse as two arcs.
func ellipsePath(cx, cy, rx, ry float64) string {
	return fmt.Sprintf("M%s,%s A%s,%s 0 1 0 %s,%s A%s,%s 0 1 0 %s,%s Z",
		num(cx-rx), num(cy), num(rx), num(ry), num(cx+rx), num(cy),
		num(rx), num(ry), num(cx-rx), num(cy))
}
