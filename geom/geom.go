// Package geom contains the small set of integer and fractional geometry types
// used to describe scan frames, subscan regions and sections.
//
// All two dimensional quantities are ordered (y, x) / (height, width), matching
// the row-major layout of the acquired data.  They encode to JSON as two element
// arrays in that order.
package geom

import (
	"encoding/json"
	"fmt"
)

// IntSize is a size in pixels
type IntSize struct {
	H int
	W int
}

// Area returns H*W
func (s IntSize) Area() int {
	return s.H * s.W
}

// AspectRatio returns H/W, or zero for a zero width
func (s IntSize) AspectRatio() float64 {
	if s.W == 0 {
		return 0
	}
	return float64(s.H) / float64(s.W)
}

// Float converts the size to a FloatSize
func (s IntSize) Float() FloatSize {
	return FloatSize{H: float64(s.H), W: float64(s.W)}
}

func (s IntSize) String() string {
	return fmt.Sprintf("(%d, %d)", s.H, s.W)
}

// MarshalJSON encodes the size as [h, w]
func (s IntSize) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{s.H, s.W})
}

// UnmarshalJSON decodes [h, w]
func (s *IntSize) UnmarshalJSON(b []byte) error {
	var a [2]int
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	s.H, s.W = a[0], a[1]
	return nil
}

// IntPoint is a position in pixels
type IntPoint struct {
	Y int
	X int
}

// MarshalJSON encodes the point as [y, x]
func (p IntPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.Y, p.X})
}

// UnmarshalJSON decodes [y, x]
func (p *IntPoint) UnmarshalJSON(b []byte) error {
	var a [2]int
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	p.Y, p.X = a[0], a[1]
	return nil
}

// IntRect is a rectangle in pixels, anchored at its top left corner
type IntRect struct {
	Origin IntPoint
	Size   IntSize
}

// RectFromTLHW builds a rectangle from top, left, height, width
func RectFromTLHW(top, left, height, width int) IntRect {
	return IntRect{Origin: IntPoint{Y: top, X: left}, Size: IntSize{H: height, W: width}}
}

// Top is the first row of the rectangle
func (r IntRect) Top() int { return r.Origin.Y }

// Left is the first column of the rectangle
func (r IntRect) Left() int { return r.Origin.X }

// Bottom is one past the last row of the rectangle
func (r IntRect) Bottom() int { return r.Origin.Y + r.Size.H }

// Right is one past the last column of the rectangle
func (r IntRect) Right() int { return r.Origin.X + r.Size.W }

// Offset translates the rectangle by p
func (r IntRect) Offset(p IntPoint) IntRect {
	return IntRect{Origin: IntPoint{Y: r.Origin.Y + p.Y, X: r.Origin.X + p.X}, Size: r.Size}
}

// Float converts the rectangle to a FloatRect
func (r IntRect) Float() FloatRect {
	return FloatRect{
		Origin: FloatPoint{Y: float64(r.Origin.Y), X: float64(r.Origin.X)},
		Size:   r.Size.Float()}
}

func (r IntRect) String() string {
	return fmt.Sprintf("(top=%d, left=%d, height=%d, width=%d)", r.Top(), r.Left(), r.Size.H, r.Size.W)
}

// MarshalJSON encodes the rectangle as [[top, left], [height, width]]
func (r IntRect) MarshalJSON() ([]byte, error) {
	return json.Marshal([2][2]int{{r.Origin.Y, r.Origin.X}, {r.Size.H, r.Size.W}})
}

// UnmarshalJSON decodes [[top, left], [height, width]]
func (r *IntRect) UnmarshalJSON(b []byte) error {
	var a [2][2]int
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*r = RectFromTLHW(a[0][0], a[0][1], a[1][0], a[1][1])
	return nil
}

// FloatSize is a fractional or physical size
type FloatSize struct {
	H float64
	W float64
}

// MarshalJSON encodes the size as [h, w]
func (s FloatSize) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{s.H, s.W})
}

// UnmarshalJSON decodes [h, w]
func (s *FloatSize) UnmarshalJSON(b []byte) error {
	var a [2]float64
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	s.H, s.W = a[0], a[1]
	return nil
}

// FloatPoint is a fractional or physical position
type FloatPoint struct {
	Y float64
	X float64
}

// MarshalJSON encodes the point as [y, x]
func (p FloatPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Y, p.X})
}

// UnmarshalJSON decodes [y, x]
func (p *FloatPoint) UnmarshalJSON(b []byte) error {
	var a [2]float64
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	p.Y, p.X = a[0], a[1]
	return nil
}

// FloatRect is a rectangle anchored at its top left corner
type FloatRect struct {
	Origin FloatPoint
	Size   FloatSize
}

// RectFromCenterAndSize builds a FloatRect centered on c
func RectFromCenterAndSize(c FloatPoint, s FloatSize) FloatRect {
	return FloatRect{Origin: FloatPoint{Y: c.Y - s.H/2, X: c.X - s.W/2}, Size: s}
}

// Top is the smallest y coordinate
func (r FloatRect) Top() float64 { return r.Origin.Y }

// Left is the smallest x coordinate
func (r FloatRect) Left() float64 { return r.Origin.X }

// Center is the center point of the rectangle
func (r FloatRect) Center() FloatPoint {
	return FloatPoint{Y: r.Origin.Y + r.Size.H/2, X: r.Origin.X + r.Size.W/2}
}

// MarshalJSON encodes the rectangle as [[top, left], [height, width]]
func (r FloatRect) MarshalJSON() ([]byte, error) {
	return json.Marshal([2][2]float64{{r.Origin.Y, r.Origin.X}, {r.Size.H, r.Size.W}})
}

// UnmarshalJSON decodes [[top, left], [height, width]]
func (r *FloatRect) UnmarshalJSON(b []byte) error {
	var a [2][2]float64
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	r.Origin = FloatPoint{Y: a[0][0], X: a[0][1]}
	r.Size = FloatSize{H: a[1][0], W: a[1][1]}
	return nil
}
