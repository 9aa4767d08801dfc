package detector

import (
	"sync"
	"time"

	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/xdata"
)

// MockDetector is an in-memory detector.  Every readout pixel of the probe
// position (r, c) of a section holds r*W + c, W being the section width
// including flyback.
type MockDetector struct {
	sync.Mutex

	// Name is reported in the camera properties
	Name string

	// Readout is the unbinned readout size
	Readout geom.IntSize

	// RowsPerUpdate is the number of scan rows acquired by Begin and each
	// Continue.  Zero acquires the whole section in Begin.
	RowsPerUpdate int

	// Delay is the time each Continue takes, bounded by the update period
	Delay time.Duration

	// IgnoreCancel makes the detector never report a canceled result
	IgnoreCancel bool

	// OnBegin is called at the start of each Begin with the zero based count
	// of previous Begins
	OnBegin func(n int)

	fp       FrameParameters
	shape    geom.IntSize
	prepared bool
	running  bool
	rows     int
	data     *xdata.DataAndMetadata
	cancel   chan struct{}
	canceled bool

	prepares, begins, ends, cancels int
}

// NewMockDetector returns a detector with the given readout size
func NewMockDetector(readout geom.IntSize) *MockDetector {
	return &MockDetector{
		Name:    "Mock Detector",
		Readout: readout,
		fp:      FrameParameters{ExposureMS: 1, Binning: 1},
		cancel:  make(chan struct{}),
	}
}

func (d *MockDetector) SetCurrentFrameParameters(fp FrameParameters) error {
	d.Lock()
	defer d.Unlock()
	d.fp = fp
	return nil
}

func (d *MockDetector) AcquireSynchronizedPrepare(scanShape geom.IntSize) error {
	d.Lock()
	defer d.Unlock()
	if d.running {
		return ErrInProgress
	}
	d.prepares++
	d.prepared = true
	d.shape = scanShape
	d.canceled = false
	d.cancel = make(chan struct{})
	return nil
}

func (d *MockDetector) AcquireSynchronizedBegin(fp FrameParameters, scanShape geom.IntSize) (PartialResult, error) {
	d.Lock()
	n := d.begins
	hook := d.OnBegin
	d.Unlock()
	if hook != nil {
		hook(n)
	}

	d.Lock()
	defer d.Unlock()
	d.begins++
	if !d.prepared || d.shape != scanShape {
		return PartialResult{}, ErrNotPrepared
	}
	d.prepared = false
	d.running = true
	d.fp = fp
	shape := append([]int{scanShape.H, scanShape.W}, ReadoutShape(d, fp)...)
	d.data = xdata.Zeros(shape...)
	d.data.CollectionRank = 2
	d.data.Metadata["hardware_source"] = map[string]interface{}{"hardware_source_name": d.Name}
	d.rows = 0
	d.fill()
	return d.result(), nil
}

// fill acquires the next RowsPerUpdate rows
func (d *MockDetector) fill() {
	n := d.RowsPerUpdate
	if n <= 0 || d.rows+n > d.shape.H {
		n = d.shape.H - d.rows
	}
	inner := xdata.Product(d.data.Shape[2:])
	for r := d.rows; r < d.rows+n; r++ {
		for c := 0; c < d.shape.W; c++ {
			v := float64(r*d.shape.W + c)
			base := (r*d.shape.W + c) * inner
			for i := 0; i < inner; i++ {
				d.data.Data[base+i] = v
			}
		}
	}
	d.rows += n
}

func (d *MockDetector) result() PartialResult {
	return PartialResult{
		XData:    d.data.Clone(),
		Complete: d.rows >= d.shape.H,
		Canceled: d.canceled && !d.IgnoreCancel,
	}
}

func (d *MockDetector) AcquireSynchronizedContinue(updatePeriod time.Duration) (PartialResult, error) {
	d.Lock()
	if !d.running {
		d.Unlock()
		return PartialResult{}, ErrNotPrepared
	}
	delay := d.Delay
	if updatePeriod > 0 && delay > updatePeriod {
		delay = updatePeriod
	}
	cancel := d.cancel
	d.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-cancel:
			t.Stop()
		}
	}

	d.Lock()
	defer d.Unlock()
	if !d.canceled {
		d.fill()
	}
	return d.result(), nil
}

func (d *MockDetector) AcquireSynchronizedEnd() error {
	d.Lock()
	defer d.Unlock()
	d.ends++
	d.running = false
	d.prepared = false
	return nil
}

func (d *MockDetector) AcquireSequenceCancel() {
	d.Lock()
	defer d.Unlock()
	d.cancels++
	if !d.canceled {
		d.canceled = true
		close(d.cancel)
	}
}

func (d *MockDetector) ExpectedDimensions(binning int) geom.IntSize {
	if binning < 1 {
		binning = 1
	}
	return geom.IntSize{H: d.Readout.H / binning, W: d.Readout.W / binning}
}

func (d *MockDetector) CameraCalibrations(fp FrameParameters) []xdata.Calibration {
	b := float64(fp.BinningOrDefault())
	x := xdata.Calibration{Scale: b, Units: "px"}
	if fp.Processing == ProcessingSumProject {
		return []xdata.Calibration{x}
	}
	return []xdata.Calibration{x, x}
}

func (d *MockDetector) IntensityCalibration(fp FrameParameters) xdata.Calibration {
	return xdata.Calibration{Scale: 1, Units: "counts"}
}

func (d *MockDetector) UpdateCameraProperties(props map[string]interface{}, fp FrameParameters) {
	props["camera_name"] = d.Name
	props["exposure_ms"] = fp.ExposureMS
	props["binning"] = fp.BinningOrDefault()
	if fp.Processing != ProcessingNone {
		props["processing"] = fp.Processing
	}
}

// Counts returns the number of Prepare, Begin, End and Cancel calls
func (d *MockDetector) Counts() (prepares, begins, ends, cancels int) {
	d.Lock()
	defer d.Unlock()
	return d.prepares, d.begins, d.ends, d.cancels
}
