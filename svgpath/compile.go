// SPDX-License-Identifier: AGPL-3.0-or-later
package svgpath

import (
	"fmt"
	"math"
)

// Options configures compilation. Canvas dimensions are millimeters.
type Options struct {
	CanvasW      float64
	CanvasH      float64
	SafetyMargin float64 // inward clip from every paper edge, mm
	Optimize     bool    // greedy nearest-neighbor path ordering
}

// DefaultOptions returns the standard compilation options for a canvas.
func DefaultOptions(canvasW, canvasH float64) Options {
	return Options{
		CanvasW:      canvasW,
		CanvasH:      canvasH,
		SafetyMargin: 3,
		Optimize:     true,
	}
}

// uniformScaleTolerance: scaling is skipped when the fitted scale is within
// this of 1, so same-size drawings pass through untouched.
const uniformScaleTolerance = 1e-3

// Compile turns SVG text into the ordered plot-command stream. Deterministic:
// identical input and options yield byte-identical output.
func Compile(svgText string, opts Options) ([]Command, error) {
	if opts.CanvasW <= 0 || opts.CanvasH <= 0 {
		return nil, fmt.Errorf("svgpath: invalid canvas %gx%g", opts.CanvasW, opts.CanvasH)
	}

	doc, err := parseSVG(svgText)
	if err != nil {
		return nil, err
	}

	var polys [][]point
	for _, d := range doc.paths {
		subs, err := parsePathData(d)
		if err != nil {
			return nil, err
		}
		polys = append(polys, subs...)
	}

	srcW, srcH := doc.width, doc.height
	if srcW <= 0 || srcH <= 0 {
		srcW, srcH = opts.CanvasW, opts.CanvasH
	}
	transformPolys(polys, srcW, srcH, opts.CanvasW, opts.CanvasH)
	return finishPolys(polys, opts), nil
}

// CanvasObject is one entry of a pre-serialized drawing-canvas object tree.
// Path carries SVG path data in object-local coordinates; Left/Top offset it
// on the canvas.
type CanvasObject struct {
	Type string  `json:"type"`
	Path string  `json:"path"`
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

// CompileCanvas is the canvas-object variant of Compile. Objects are already
// in canvas millimeters, so no fitting transform is applied.
func CompileCanvas(objects []CanvasObject, opts Options) ([]Command, error) {
	if opts.CanvasW <= 0 || opts.CanvasH <= 0 {
		return nil, fmt.Errorf("svgpath: invalid canvas %gx%g", opts.CanvasW, opts.CanvasH)
	}

	var polys [][]point
	for _, obj := range objects {
		if obj.Path == "" {
			continue
		}
		subs, err := parsePathData(obj.Path)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			for i := range sub {
				sub[i].X += obj.Left
				sub[i].Y += obj.Top
			}
		}
		polys = append(polys, subs...)
	}
	return finishPolys(polys, opts), nil
}

// transformPolys fits the drawing uniformly onto the canvas: scale by
// min(cw/sw, ch/sh) when that deviates from 1, then center.
func transformPolys(polys [][]point, srcW, srcH, canvasW, canvasH float64) {
	scale := math.Min(canvasW/srcW, canvasH/srcH)
	if math.Abs(scale-1) <= uniformScaleTolerance {
		scale = 1
	}
	offX := (canvasW - srcW*scale) / 2
	offY := (canvasH - srcH*scale) / 2

	for _, poly := range polys {
		for i := range poly {
			poly[i].X = poly[i].X*scale + offX
			poly[i].Y = poly[i].Y*scale + offY
		}
	}
}

// finishPolys clips, orders and emits.
func finishPolys(polys [][]point, opts Options) []Command {
	clipPolys(polys, opts)

	// Single-point subpaths have nothing to draw.
	drawable := polys[:0]
	for _, poly := range polys {
		if len(poly) >= 2 {
			drawable = append(drawable, poly)
		}
	}

	if opts.Optimize {
		// Greedy nearest-neighbor can lose to the input order; keep whichever
		// order has less pen-up travel from (0,0).
		travel := func(ps [][]point) float64 {
			cur, total := point{}, 0.0
			for _, p := range ps {
				total += dist(cur, p[0])
				cur = p[len(p)-1]
			}
			return total
		}
		if ordered := orderPolys(drawable); travel(ordered) <= travel(drawable) {
			drawable = ordered
		}
	}
	return emit(drawable)
}

// clipPolys truncates every point coordinate-wise into the safe area. This is
// per-point truncation, not segment clipping: shapes crossing the boundary
// get flat edges, but the pen never strays off the paper.
func clipPolys(polys [][]point, opts Options) {
	minX, maxX := opts.SafetyMargin, opts.CanvasW-opts.SafetyMargin
	minY, maxY := opts.SafetyMargin, opts.CanvasH-opts.SafetyMargin
	for _, poly := range polys {
		for i := range poly {
			poly[i].X = math.Min(math.Max(poly[i].X, minX), maxX)
			poly[i].Y = math.Min(math.Max(poly[i].Y, minY), maxY)
		}
	}
}

func dist(a, b point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// orderPolys greedily picks the path whose nearest endpoint is closest to the
// pen, starting from (0,0), reversing a path when its tail is closer than its
// head. Ties go to the first-encountered path.
func orderPolys(polys [][]point) [][]point {
	remaining := make([][]point, len(polys))
	copy(remaining, polys)

	out := make([][]point, 0, len(polys))
	cur := point{}
	for len(remaining) > 0 {
		best := -1
		bestRev := false
		bestD := math.Inf(1)
		for i, poly := range remaining {
			dHead := dist(cur, poly[0])
			dTail := dist(cur, poly[len(poly)-1])
			d, rev := dHead, false
			if dTail < dHead {
				d, rev = dTail, true
			}
			if d < bestD {
				best, bestRev, bestD = i, rev, d
			}
		}

		poly := remaining[best]
		if bestRev {
			rev := make([]point, len(poly))
			for i, pt := range poly {
				rev[len(poly)-1-i] = pt
			}
			poly = rev
		}
		out = append(out, poly)
		cur = poly[len(poly)-1]
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return out
}

// emit produces the command stream: per path PenUp; Move(p0); PenDown;
// Line(p1..pn), with one trailing PenUp.
func emit(polys [][]point) []Command {
	var cmds []Command
	for _, poly := range polys {
		cmds = append(cmds,
			Command{Kind: PenUp},
			Command{Kind: Move, X: poly[0].X, Y: poly[0].Y},
			Command{Kind: PenDown})
		for _, pt := range poly[1:] {
			cmds = append(cmds, Command{Kind: Line, X: pt.X, Y: pt.Y})
		}
	}
	if len(cmds) > 0 {
		cmds = append(cmds, Command{Kind: PenUp})
	}
	return cmds
}
