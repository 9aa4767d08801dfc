package scan

import (
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/xdata"
)

// NoFrame is the frame token meaning "the next frame"
const NoFrame = -1

// ChannelBuffer is one channel of a partial read.  Data holds the whole frame
// in row-major order; only the rows of the read's SubArea are valid.
type ChannelBuffer struct {
	ChannelIndex int
	Data         []float64
	Shape        geom.IntSize
	Properties   map[string]interface{}
}

// ReadResult is the outcome of one partial read
type ReadResult struct {
	Buffers          []ChannelBuffer
	Complete         bool
	BadFrame         bool
	SubArea          geom.IntRect
	NextFrame        int
	NextPixelsToSkip int
}

// ChannelState describes one device channel
type ChannelState struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Device is a raster scanning probe which supports partial frame reads.
//
// ReadPartial may block for up to the time needed to scan the next chunk of
// the frame; Cancel must make a blocked ReadPartial return promptly.
type Device interface {
	ChannelCount() int
	ChannelsEnabled() []bool
	SetChannelEnabled(index int, enabled bool) (changed bool)
	ChannelName(index int) string

	StartFrame(continuous bool) (frame int, err error)
	ReadPartial(frame, pixelsToSkip int) (ReadResult, error)
	Cancel()
	Stop()
	IsScanning() bool

	SetFrameParameters(fp FrameParameters) error
	PrepareSynchronizedScan(fp FrameParameters, exposureMS float64) error
	FlybackPixels() int

	ProfileFrameParameters(profile int) FrameParameters
	SetProfileFrameParameters(profile int, fp FrameParameters)
	SaveFrameParameters() error

	// OnStateChanged registers the callback used when the device changes its
	// own parameters or channels.  It may be called from any goroutine.
	OnStateChanged(fn func(profiles []FrameParameters, channels []ChannelState))

	Close() error
}

// CalibrationProvider is implemented by devices which know their own spatial
// calibrations for a synchronized scan
type CalibrationProvider interface {
	ScanCalibrations(fp FrameParameters) []xdata.Calibration
}

// PropertyUpdater is implemented by devices which add acquisition properties
// outside of the autostem group
type PropertyUpdater interface {
	UpdateAcquisitionProperties(props map[string]interface{})
}

// MetadataGrouper is implemented by devices which ask the instrument to fill
// metadata groups
type MetadataGrouper interface {
	MetadataGroups() []MetadataGroup
}

// IdlePositioner is implemented by devices that can park the probe.  The
// position is fractional; (-1, -1) parks at the device default.
type IdlePositioner interface {
	SetIdlePosition(y, x float64)
}

// MetadataGroup asks the instrument to place the controls of Group at Path
type MetadataGroup struct {
	Path  []string
	Group string
}
