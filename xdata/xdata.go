// Package xdata is a narrow n-dimensional data container with calibrations and
// metadata, plus the handful of array operations acquisition needs: reshaping,
// row band slicing, vertical stacking and flyback cropping.
//
// Data is stored flat in row-major (C) order.  The first CollectionRank axes are
// the scan (collection) axes; the remaining axes are the datum, e.g. a camera
// readout per probe position.
package xdata

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/copystructure"
	"gonum.org/v1/gonum/mat"

	"github.com/nasa-jpl/stemsync/geom"
)

var (
	// ErrShapeMismatch is returned when data does not agree with its shape
	ErrShapeMismatch = errors.New("data length does not match shape")

	// ErrRank is returned for operations on arrays of too low a rank
	ErrRank = errors.New("operation requires an array of rank two or more")
)

// Calibration maps a pixel index i to Offset + Scale*i in Units
type Calibration struct {
	Offset float64 `json:"offset"`
	Scale  float64 `json:"scale"`
	Units  string  `json:"units"`
}

// Identity is the unit calibration with no units
var Identity = Calibration{Scale: 1}

// Convert maps a pixel index to calibrated units
func (c Calibration) Convert(i float64) float64 {
	return c.Offset + c.Scale*i
}

// DataAndMetadata couples an array to its calibrations and metadata
type DataAndMetadata struct {
	Data                    []float64
	Shape                   []int
	CollectionRank          int
	DimensionalCalibrations []Calibration
	IntensityCalibration    Calibration
	Metadata                map[string]interface{}
	Timestamp               time.Time
}

// New wraps data with the given shape.  Calibrations default to identity.
func New(data []float64, shape ...int) (*DataAndMetadata, error) {
	if Product(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	cals := make([]Calibration, len(shape))
	for i := range cals {
		cals[i] = Identity
	}
	return &DataAndMetadata{
		Data:                    data,
		Shape:                   append([]int(nil), shape...),
		DimensionalCalibrations: cals,
		IntensityCalibration:    Identity,
		Metadata:                map[string]interface{}{},
		Timestamp:               time.Now().UTC(),
	}, nil
}

// Zeros allocates a zero filled array
func Zeros(shape ...int) *DataAndMetadata {
	xd, _ := New(make([]float64, Product(shape)), shape...)
	return xd
}

// Product returns the number of elements of an array with the given shape
func Product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Rank is the number of axes
func (xd *DataAndMetadata) Rank() int {
	return len(xd.Shape)
}

// DatumShape is the shape past the collection axes
func (xd *DataAndMetadata) DatumShape() []int {
	if xd.CollectionRank >= len(xd.Shape) {
		return nil
	}
	return xd.Shape[xd.CollectionRank:]
}

// Clone returns a deep copy, including metadata
func (xd *DataAndMetadata) Clone() *DataAndMetadata {
	out := *xd
	out.Data = append([]float64(nil), xd.Data...)
	out.Shape = append([]int(nil), xd.Shape...)
	out.DimensionalCalibrations = append([]Calibration(nil), xd.DimensionalCalibrations...)
	out.Metadata = CopyMetadata(xd.Metadata)
	return &out
}

// CopyMetadata deep copies a metadata tree.  Values that cannot be copied are
// shared with the source.
func CopyMetadata(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	c, err := copystructure.Copy(m)
	if err != nil {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return c.(map[string]interface{})
}

// MetadataGroup returns (creating when absent) the nested map m[key]
func MetadataGroup(m map[string]interface{}, key string) map[string]interface{} {
	if g, ok := m[key].(map[string]interface{}); ok {
		return g
	}
	g := map[string]interface{}{}
	m[key] = g
	return g
}

// Reshape returns a view of xd with a new shape of the same size.
// Calibrations are kept when the rank is unchanged and reset otherwise.
func (xd *DataAndMetadata) Reshape(shape ...int) (*DataAndMetadata, error) {
	if Product(shape) != len(xd.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, xd.Shape, shape)
	}
	out := *xd
	out.Shape = append([]int(nil), shape...)
	if len(shape) != len(xd.Shape) {
		out.DimensionalCalibrations = make([]Calibration, len(shape))
		for i := range out.DimensionalCalibrations {
			out.DimensionalCalibrations[i] = Identity
		}
	}
	return &out, nil
}

// rowMatrix views an array of rank >= 2 as a (shape[0], shape[1]*rest) matrix
func (xd *DataAndMetadata) rowMatrix() (*mat.Dense, int, error) {
	if len(xd.Shape) < 2 {
		return nil, 0, ErrRank
	}
	if Product(xd.Shape) != len(xd.Data) {
		return nil, 0, ErrShapeMismatch
	}
	inner := Product(xd.Shape[2:])
	r, c := xd.Shape[0], xd.Shape[1]*inner
	if r == 0 || c == 0 {
		return nil, inner, nil
	}
	return mat.NewDense(r, c, xd.Data), inner, nil
}

func denseData(m mat.Matrix) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, mat.Row(nil, i, m)...)
	}
	return out
}

// Slice2D extracts the rectangle r from the first two axes.  Trailing axes are
// carried along whole.
func (xd *DataAndMetadata) Slice2D(r geom.IntRect) (*DataAndMetadata, error) {
	m, inner, err := xd.rowMatrix()
	if err != nil {
		return nil, err
	}
	if r.Top() < 0 || r.Left() < 0 || r.Bottom() > xd.Shape[0] || r.Right() > xd.Shape[1] {
		return nil, fmt.Errorf("slice %v out of bounds for shape %v", r, xd.Shape)
	}
	shape := append([]int{r.Size.H, r.Size.W}, xd.Shape[2:]...)
	out := xd.Clone()
	out.Shape = shape
	if m == nil || r.Size.H == 0 || r.Size.W == 0 {
		out.Data = make([]float64, Product(shape))
		return out, nil
	}
	sub := m.Slice(r.Top(), r.Bottom(), r.Left()*inner, r.Right()*inner)
	out.Data = denseData(sub)
	for i := 0; i < 2 && i < len(out.DimensionalCalibrations); i++ {
		c := out.DimensionalCalibrations[i]
		start := r.Top()
		if i == 1 {
			start = r.Left()
		}
		c.Offset = c.Convert(float64(start))
		out.DimensionalCalibrations[i] = c
	}
	return out, nil
}

// CropFlyback removes the first flyback columns of axis one.  A zero flyback
// returns xd unchanged.
func CropFlyback(xd *DataAndMetadata, flyback int) (*DataAndMetadata, error) {
	if flyback <= 0 {
		return xd, nil
	}
	if len(xd.Shape) < 2 {
		return nil, ErrRank
	}
	if flyback > xd.Shape[1] {
		return nil, fmt.Errorf("flyback %d exceeds scan width %d", flyback, xd.Shape[1])
	}
	out, err := xd.Slice2D(geom.RectFromTLHW(0, flyback, xd.Shape[0], xd.Shape[1]-flyback))
	if err != nil {
		return nil, err
	}
	// crop is not a change of origin in calibrated space
	if len(out.DimensionalCalibrations) > 1 {
		out.DimensionalCalibrations[1] = xd.DimensionalCalibrations[1]
	}
	return out, nil
}

// VStack concatenates arrays along axis zero.  All parts must agree on the
// remaining axes.  Calibrations and metadata come from the last part.
func VStack(parts []*DataAndMetadata) (*DataAndMetadata, error) {
	if len(parts) == 0 {
		return nil, errors.New("nothing to stack")
	}
	last := parts[len(parts)-1]
	if len(last.Shape) < 2 {
		return nil, ErrRank
	}
	rows := 0
	for _, p := range parts {
		if len(p.Shape) != len(last.Shape) {
			return nil, fmt.Errorf("%w: cannot stack %v onto %v", ErrShapeMismatch, p.Shape, last.Shape)
		}
		for i := 1; i < len(p.Shape); i++ {
			if p.Shape[i] != last.Shape[i] {
				return nil, fmt.Errorf("%w: cannot stack %v onto %v", ErrShapeMismatch, p.Shape, last.Shape)
			}
		}
		if len(p.Data) != Product(p.Shape) {
			return nil, ErrShapeMismatch
		}
		rows += p.Shape[0]
	}
	shape := append([]int{rows}, last.Shape[1:]...)
	out := last.Clone()
	out.Shape = shape
	cols := Product(last.Shape[1:])
	if rows == 0 || cols == 0 {
		out.Data = nil
		return out, nil
	}
	dst := mat.NewDense(rows, cols, nil)
	top := 0
	for _, p := range parts {
		h := p.Shape[0]
		if h == 0 {
			continue
		}
		src := mat.NewDense(h, cols, p.Data)
		dst.Slice(top, top+h, 0, cols).(*mat.Dense).Copy(src)
		top += h
	}
	out.Data = dst.RawMatrix().Data
	if len(out.DimensionalCalibrations) > 0 {
		out.DimensionalCalibrations[0] = parts[0].DimensionalCalibrations[0]
	}
	return out, nil
}

// Paste writes src into dst at the rectangle r of the first two axes
func Paste(dst, src *DataAndMetadata, r geom.IntRect) error {
	dm, inner, err := dst.rowMatrix()
	if err != nil {
		return err
	}
	if r.Size.H == 0 || r.Size.W == 0 || dm == nil {
		return nil
	}
	if r.Top() < 0 || r.Left() < 0 || r.Bottom() > dst.Shape[0] || r.Right() > dst.Shape[1] {
		return fmt.Errorf("paste %v out of bounds for shape %v", r, dst.Shape)
	}
	want := r.Size.H * r.Size.W * inner
	if len(src.Data) < want {
		return fmt.Errorf("%w: %d values for rectangle %v", ErrShapeMismatch, len(src.Data), r)
	}
	sm := mat.NewDense(r.Size.H, r.Size.W*inner, src.Data[:want])
	dm.Slice(r.Top(), r.Bottom(), r.Left()*inner, r.Right()*inner).(*mat.Dense).Copy(sm)
	return nil
}
