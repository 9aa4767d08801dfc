package xdata_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/xdata"
)

func ramp(shape ...int) *xdata.DataAndMetadata {
	xd := xdata.Zeros(shape...)
	for i := range xd.Data {
		xd.Data[i] = float64(i)
	}
	return xd
}

func ExampleCropFlyback() {
	xd := ramp(2, 4)
	cropped, _ := xdata.CropFlyback(xd, 1)
	fmt.Println(cropped.Shape, cropped.Data)
	// Output: [2 3] [1 2 3 5 6 7]
}

func TestNewShapeMismatch(t *testing.T) {
	if _, err := xdata.New(make([]float64, 5), 2, 3); !errors.Is(err, xdata.ErrShapeMismatch) {
		t.Errorf("expected %v got %v", xdata.ErrShapeMismatch, err)
	}
}

func TestSlice2DTrailingAxes(t *testing.T) {
	xd := ramp(3, 4, 2)
	xd.DimensionalCalibrations[0] = xdata.Calibration{Offset: 10, Scale: 2, Units: "nm"}
	s, err := xd.Slice2D(geom.RectFromTLHW(1, 1, 2, 2))
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{10, 11, 12, 13, 18, 19, 20, 21}
	if len(s.Data) != len(want) {
		t.Fatalf("expected %v got %v", want, s.Data)
	}
	for i := range want {
		if s.Data[i] != want[i] {
			t.Errorf("expected %v got %v", want, s.Data)
			break
		}
	}
	if s.DimensionalCalibrations[0].Offset != 12 {
		t.Errorf("expected offset %v got %v", 12, s.DimensionalCalibrations[0].Offset)
	}
	if xd.Data[0] != 0 {
		t.Error("expected the source to be untouched")
	}
}

func TestSlice2DOutOfBounds(t *testing.T) {
	if _, err := ramp(3, 4).Slice2D(geom.RectFromTLHW(2, 0, 2, 4)); err == nil {
		t.Error("expected an out of bounds error")
	}
}

func TestCropFlybackKeepsCollectionCalibration(t *testing.T) {
	xd := ramp(2, 5, 3)
	xd.DimensionalCalibrations[1] = xdata.Calibration{Offset: -4, Scale: 0.5, Units: "nm"}
	c, err := xdata.CropFlyback(xd, 2)
	if err != nil {
		t.Fatal(err)
	}
	if c.Shape[1] != 3 || c.Shape[2] != 3 {
		t.Errorf("expected shape [2 3 3] got %v", c.Shape)
	}
	if c.Data[0] != 6 {
		t.Errorf("expected first value %v got %v", 6, c.Data[0])
	}
	if c.DimensionalCalibrations[1] != xd.DimensionalCalibrations[1] {
		t.Errorf("expected %v got %v", xd.DimensionalCalibrations[1], c.DimensionalCalibrations[1])
	}
	if same, _ := xdata.CropFlyback(xd, 0); same != xd {
		t.Error("expected zero flyback to return the input")
	}
}

func TestVStack(t *testing.T) {
	a := ramp(2, 3)
	a.DimensionalCalibrations[0] = xdata.Calibration{Offset: 1, Scale: 1}
	a.Metadata["section"] = 0
	b := ramp(1, 3)
	b.Metadata["section"] = 1
	s, err := xdata.VStack([]*xdata.DataAndMetadata{a, b})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 1, 2, 3, 4, 5, 0, 1, 2}
	for i := range want {
		if s.Data[i] != want[i] {
			t.Fatalf("expected %v got %v", want, s.Data)
		}
	}
	if s.Shape[0] != 3 {
		t.Errorf("expected 3 rows got %v", s.Shape)
	}
	if s.Metadata["section"] != 1 {
		t.Errorf("expected the last part's metadata got %v", s.Metadata)
	}
	if s.DimensionalCalibrations[0].Offset != 1 {
		t.Errorf("expected the first part's row calibration got %v", s.DimensionalCalibrations[0])
	}
	if _, err := xdata.VStack([]*xdata.DataAndMetadata{a, ramp(1, 4)}); !errors.Is(err, xdata.ErrShapeMismatch) {
		t.Errorf("expected %v got %v", xdata.ErrShapeMismatch, err)
	}
}

func TestPaste(t *testing.T) {
	dst := xdata.Zeros(4, 4)
	src := ramp(2, 2)
	if err := xdata.Paste(dst, src, geom.RectFromTLHW(2, 1, 2, 2)); err != nil {
		t.Fatal(err)
	}
	if dst.Data[9] != 0 || dst.Data[10] != 1 || dst.Data[13] != 2 || dst.Data[14] != 3 {
		t.Errorf("unexpected paste result %v", dst.Data)
	}
}

func TestCloneCopiesMetadata(t *testing.T) {
	xd := ramp(1, 1)
	xd.Metadata["hardware_source"] = map[string]interface{}{"fov_nm": 8.}
	c := xd.Clone()
	xdata.MetadataGroup(c.Metadata, "hardware_source")["fov_nm"] = 16.
	if xdata.MetadataGroup(xd.Metadata, "hardware_source")["fov_nm"] != 8. {
		t.Error("expected nested metadata to be copied")
	}
}
