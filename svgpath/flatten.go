// SPDX-License-Identifier: AGPL-3.0-or-later
package svgpath

import "math"

// Curve flattening resolution. Béziers are sampled at 9 points (8 segments),
// elliptical arcs at 17 points (16 segments).
const (
	bezierSteps = 8
	arcSteps    = 16
)

// flattenCubic samples a cubic Bézier from p0, excluding p0 itself.
func flattenCubic(p0, c1, c2, p1 point) []point {
	pts := make([]point, 0, bezierSteps)
	for i := 1; i <= bezierSteps; i++ {
		t := float64(i) / bezierSteps
		u := 1 - t
		b0 := u * u * u
		b1 := 3 * u * u * t
		b2 := 3 * u * t * t
		b3 := t * t * t
		pts = append(pts, point{
			X: b0*p0.X + b1*c1.X + b2*c2.X + b3*p1.X,
			Y: b0*p0.Y + b1*c1.Y + b2*c2.Y + b3*p1.Y,
		})
	}
	return pts
}

// flattenQuad samples a quadratic Bézier from p0, excluding p0 itself.
func flattenQuad(p0, c, p1 point) []point {
	pts := make([]point, 0, bezierSteps)
	for i := 1; i <= bezierSteps; i++ {
		t := float64(i) / bezierSteps
		u := 1 - t
		pts = append(pts, point{
			X: u*u*p0.X + 2*u*t*c.X + t*t*p1.X,
			Y: u*u*p0.Y + 2*u*t*c.Y + t*t*p1.Y,
		})
	}
	return pts
}

// flattenArc converts an SVG endpoint-parameterized elliptical arc to its
// center parameterization (SVG implementation notes F.6.5, including the
// lambda radii correction) and samples it. Degenerate radii degrade to a
// straight segment.
func flattenArc(p0 point, rx, ry, rotDeg float64, largeArc, sweep bool, p1 point) []point {
	if p0.X == p1.X && p0.Y == p1.Y {
		return nil
	}
	rx = math.Abs(rx)
	ry = math.Abs(ry)
	if rx == 0 || ry == 0 {
		return []point{p1}
	}

	phi := rotDeg * math.Pi / 180
	cosPhi := math.Cos(phi)
	sinPhi := math.Sin(phi)

	dx2 := (p0.X - p1.X) / 2
	dy2 := (p0.Y - p1.Y) / 2
	x1p := cosPhi*dx2 + sinPhi*dy2
	y1p := -sinPhi*dx2 + cosPhi*dy2

	// Scale radii up if the endpoints cannot be reached.
	lambda := x1p*x1p/(rx*rx) + y1p*y1p/(ry*ry)
	if lambda > 1 {
		s := math.Sqrt(lambda)
		rx *= s
		ry *= s
	}

	num := rx*rx*ry*ry - rx*rx*y1p*y1p - ry*ry*x1p*x1p
	den := rx*rx*y1p*y1p + ry*ry*x1p*x1p
	co := math.Sqrt(math.Max(0, num/den))
	if largeArc == sweep {
		co = -co
	}
	cxp := co * rx * y1p / ry
	cyp := -co * ry * x1p / rx

	cx := cosPhi*cxp - sinPhi*cyp + (p0.X+p1.X)/2
	cy := sinPhi*cxp + cosPhi*cyp + (p0.Y+p1.Y)/2

	theta1 := math.Atan2((y1p-cyp)/ry, (x1p-cxp)/rx)
	theta2 := math.Atan2((-y1p-cyp)/ry, (-x1p-cxp)/rx)
	dTheta := theta2 - theta1
	if !sweep && dTheta > 0 {
		dTheta -= 2 * math.Pi
	} else if sweep && dTheta < 0 {
		dTheta += 2 * math.Pi
	}

	pts := make([]point, 0, arcSteps)
	for i := 1; i <= arcSteps; i++ {
		theta := theta1 + dTheta*float64(i)/arcSteps
		ex := rx * math.Cos(theta)
		ey := ry * math.Sin(theta)
		pts = append(pts, point{
			X: cosPhi*ex - sinPhi*ey + cx,
			Y: sinPhi*ex + cosPhi*ey + cy,
		})
	}
	return pts
}
