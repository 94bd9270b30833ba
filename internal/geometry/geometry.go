// Package geometry provides the point and reference-line primitives used to
// detect vehicles crossing calibrated lines in image coordinates.
package geometry

import "math"

// Point is a 2-D pixel coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to another point
func (p Point) Distance(other Point) float64 {
	return math.Hypot(other.X-p.X, other.Y-p.Y)
}

// Line is a calibration segment from A to B
type Line struct {
	A Point `json:"a"`
	B Point `json:"b"`
}

// NewLine builds a line from its endpoint coordinates
func NewLine(ax, ay, bx, by float64) Line {
	return Line{A: Point{X: ax, Y: ay}, B: Point{X: bx, Y: by}}
}

// Degenerate reports whether both endpoints coincide
func (l Line) Degenerate() bool {
	return l.A == l.B
}

// Side returns the sign of the cross product (B-A) x (p-A): +1 or -1 for the
// two half-planes, 0 when p is collinear with the line.
func Side(l Line, p Point) int {
	cross := (l.B.X-l.A.X)*(p.Y-l.A.Y) - (l.B.Y-l.A.Y)*(p.X-l.A.X)
	switch {
	case cross > 0:
		return 1
	case cross < 0:
		return -1
	default:
		return 0
	}
}

// HasCrossed reports whether prev and cur lie on strictly opposite sides of
// the infinite line through l. A point touching the line is not a crossing.
//
// This is a side test, not a segment intersection: two samples that straddle
// the line outside the A-B span still count.
func HasCrossed(l Line, prev, cur Point) bool {
	s1 := Side(l, prev)
	s2 := Side(l, cur)
	return s1 != 0 && s2 != 0 && s1 != s2
}

// HasCrossedHistory applies HasCrossed to the last two entries of a position
// history. Histories shorter than two points never cross.
func HasCrossedHistory(l Line, history []Point) bool {
	n := len(history)
	if n < 2 {
		return false
	}
	return HasCrossed(l, history[n-2], history[n-1])
}
