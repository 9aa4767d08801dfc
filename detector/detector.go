/*Package detector describes the area detector side of a synchronized
acquisition.

The Detector interface is the partial acquisition protocol: the scan of one
section is bracketed by Prepare and End, with Begin and Continue returning the
data acquired so far.  MockDetector implements it in memory.

*/
package detector

import (
	"errors"
	"time"

	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/xdata"
)

// processing modes
const (
	// ProcessingNone keeps the full readout per probe position
	ProcessingNone = ""

	// ProcessingSumProject sums the readout along its height
	ProcessingSumProject = "sum_project"
)

var (
	// ErrNotPrepared is returned by Begin without a matching Prepare
	ErrNotPrepared = errors.New("synchronized acquisition was not prepared")

	// ErrInProgress is returned by Prepare while a synchronized acquisition is running
	ErrInProgress = errors.New("synchronized acquisition already in progress")
)

// FrameParameters configure the detector for a synchronized acquisition
type FrameParameters struct {
	ExposureMS float64 `json:"exposure_ms" koanf:"exposure_ms" yaml:"exposure_ms"`
	Binning    int     `json:"binning" koanf:"binning" yaml:"binning"`
	Processing string  `json:"processing,omitempty" koanf:"processing" yaml:"processing"`
}

// BinningOrDefault is the binning, or 1 when unset
func (fp FrameParameters) BinningOrDefault() int {
	if fp.Binning < 1 {
		return 1
	}
	return fp.Binning
}

// PartialResult is the data acquired so far in a section
type PartialResult struct {
	// XData holds the full section, including flyback columns.  Its
	// collection axes are the scan shape.
	XData *xdata.DataAndMetadata

	Complete bool
	Canceled bool
}

// Detector is an area detector which can acquire one frame per probe position
// in step with a scan
type Detector interface {
	// SetCurrentFrameParameters configures the next acquisition
	SetCurrentFrameParameters(fp FrameParameters) error

	// AcquireSynchronizedPrepare readies the detector for a scan of the given
	// shape, which includes the flyback columns
	AcquireSynchronizedPrepare(scanShape geom.IntSize) error

	// AcquireSynchronizedBegin starts the acquisition.  Implementations may
	// block until all of the data is available and return it complete.
	AcquireSynchronizedBegin(fp FrameParameters, scanShape geom.IntSize) (PartialResult, error)

	// AcquireSynchronizedContinue blocks up to updatePeriod and returns the
	// data acquired so far
	AcquireSynchronizedContinue(updatePeriod time.Duration) (PartialResult, error)

	// AcquireSynchronizedEnd releases the resources of the acquisition.  It
	// is called after every Begin, whatever the outcome.
	AcquireSynchronizedEnd() error

	// AcquireSequenceCancel cancels an acquisition from another goroutine
	AcquireSequenceCancel()

	// ExpectedDimensions is the (H, W) of one readout at the given binning
	ExpectedDimensions(binning int) geom.IntSize

	// CameraCalibrations are the calibrations of the readout axes
	CameraCalibrations(fp FrameParameters) []xdata.Calibration

	// IntensityCalibration is the calibration of the data values
	IntensityCalibration(fp FrameParameters) xdata.Calibration

	// UpdateCameraProperties adds the detector's acquisition properties
	UpdateCameraProperties(props map[string]interface{}, fp FrameParameters)
}

// ReadoutShape is the per position datum shape for fp: the readout at the
// configured binning, or only its width when it is summed
func ReadoutShape(d Detector, fp FrameParameters) []int {
	s := d.ExpectedDimensions(fp.BinningOrDefault())
	if fp.Processing == ProcessingSumProject {
		return []int{s.W}
	}
	return []int{s.H, s.W}
}
