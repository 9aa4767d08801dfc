// Package synchro acquires a scan and an area detector in step.  The scan is
// split into row sections; for each section the probe records through a
// scan.RecordTask while the detector's partial acquisition protocol is driven
// on the calling goroutine.  Sections are cropped of their flyback columns,
// calibrated and stacked into full height results.
package synchro

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nasa-jpl/stemsync/detector"
	"github.com/nasa-jpl/stemsync/event"
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/scan"
	"github.com/nasa-jpl/stemsync/util"
	"github.com/nasa-jpl/stemsync/xdata"
)

// MaxScanArea is the largest number of probe positions in one request
const MaxScanArea = 2048 * 2048

// DefaultUpdatePeriod paces the detector when the data channel does not
var DefaultUpdatePeriod = time.Second

// ErrNoDetector is returned by Grab without a detector
var ErrNoDetector = errors.New("synchronized acquisition requires a detector")

// DataChannel receives detector data as it is acquired.  data holds the
// cropped, calibrated section acquired so far; fullShape is the scan shape of
// the whole request and destSubArea where the section belongs in it.  state is
// "complete" only for the final read of the final section.
type DataChannel interface {
	Start()
	Update(data *xdata.DataAndMetadata, state string, fullShape geom.IntSize, destSubArea, subArea geom.IntRect, viewID string)
	Stop()
}

// UpdatePeriodProvider is implemented by data channels which pace the detector
type UpdatePeriodProvider interface {
	UpdatePeriod() time.Duration
}

// GrabInfo is derived once per request
type GrabInfo struct {
	// ScanSize is the clamped probe pixel size
	ScanSize geom.IntSize `json:"scan_size"`

	// FractionalArea is the area of the context the scan covers
	FractionalArea geom.FloatRect `json:"fractional_area"`

	IsSubscan bool `json:"is_subscan"`

	CameraReadoutSize         geom.IntSize `json:"camera_readout_size"`
	CameraReadoutSizeSqueezed []int        `json:"camera_readout_size_squeezed"`

	ChannelModifier string `json:"channel_modifier,omitempty"`

	ScanCalibrations         []xdata.Calibration `json:"scan_calibrations"`
	DataCalibrations         []xdata.Calibration `json:"data_calibrations"`
	DataIntensityCalibration xdata.Calibration   `json:"data_intensity_calibration"`

	CameraMetadata map[string]interface{} `json:"camera_metadata"`
	ScanMetadata   map[string]interface{} `json:"scan_metadata"`
}

// Request is one synchronized acquisition
type Request struct {
	ScanParameters     scan.FrameParameters
	Detector           detector.Detector
	DetectorParameters detector.FrameParameters

	// DataChannel, when set, receives the detector data and the detector
	// result is not returned
	DataChannel DataChannel

	// SectionHeight is the number of rows per section, zero for one section
	SectionHeight int
}

// Result holds the stitched arrays of a completed request
type Result struct {
	// Scan has one array per enabled scan channel
	Scan []*xdata.DataAndMetadata

	// Detector has the stacked detector array, empty when a DataChannel was
	// used
	Detector []*xdata.DataAndMetadata
}

// Orchestrator runs synchronized acquisitions on one scan source
type Orchestrator struct {
	src *scan.HardwareSource

	// StateChanged fires true when a grab starts and false when it ends
	StateChanged event.Event[bool]

	mu        sync.Mutex
	scanning  bool
	det       detector.Detector
	waiters   map[int]context.CancelFunc
	nextWait  int
	aborted   atomic.Bool
	completed atomic.Int64
	total     atomic.Int64
}

// New returns an orchestrator for src
func New(src *scan.HardwareSource) *Orchestrator {
	return &Orchestrator{src: src}
}

// IsScanning is true while a grab runs
func (o *Orchestrator) IsScanning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.scanning
}

// Progress is the fraction of sections completed by the running grab.  ok is
// false when no grab runs.
func (o *Orchestrator) Progress() (fraction float64, ok bool) {
	if !o.IsScanning() {
		return 0, false
	}
	total := o.total.Load()
	if total == 0 {
		return 0, true
	}
	return float64(o.completed.Load()) / float64(total), true
}

// Abort cancels the running grab.  The detector and the probe record are
// canceled directly, and the flag is checked by the section loop in case the
// detector never reports the cancellation.  Grabs still waiting for the
// synchronized state return (nil, nil) without acquiring.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	scanning, det := o.scanning, o.det
	for id, cancel := range o.waiters {
		cancel()
		delete(o.waiters, id)
	}
	o.mu.Unlock()
	if scanning {
		if det != nil {
			det.AcquireSequenceCancel()
		}
		o.src.AbortRecording()
	}
	o.aborted.Store(true)
}

// GetInfo derives the geometry, calibrations and metadata of a request
func (o *Orchestrator) GetInfo(fp scan.FrameParameters, det detector.Detector, dfp detector.FrameParameters) GrabInfo {
	var info GrabInfo
	param := fp.Size
	if fp.IsSubscan() {
		param = *fp.SubscanPixelSize
		info.FractionalArea = geom.RectFromCenterAndSize(*fp.SubscanFractionalCenter, *fp.SubscanFractionalSize)
		info.IsSubscan = true
		info.ChannelModifier = scan.SubscanModifier
	} else {
		info.FractionalArea = scan.FullFrame
	}
	if param.Area() > MaxScanArea && param.W > 0 {
		param.H = MaxScanArea / param.W
	}
	info.ScanSize = param

	info.CameraReadoutSize = det.ExpectedDimensions(dfp.BinningOrDefault())
	info.CameraReadoutSizeSqueezed = detector.ReadoutShape(det, dfp)

	info.ScanCalibrations = scan.SynchronizedCalibrations(o.src.Device(), fp)
	info.DataCalibrations = det.CameraCalibrations(dfp)
	info.DataIntensityCalibration = det.IntensityCalibration(dfp)

	info.CameraMetadata = map[string]interface{}{}
	det.UpdateCameraProperties(info.CameraMetadata, dfp)

	info.ScanMetadata = map[string]interface{}{
		"hardware_source_name": o.src.DisplayName,
		"hardware_source_id":   o.src.ID,
	}
	scan.UpdateScanProperties(info.ScanMetadata, fp, fp.ScanID)
	scan.UpdateInstrumentProperties(info.ScanMetadata, o.src.Instrument(), o.src.Device())
	return info
}

// Grab runs a synchronized acquisition and blocks until it completes.  An
// aborted grab, including one whose ctx is canceled, returns (nil, nil).  If
// ctx is done before the synchronized state is entered, Grab returns ctx.Err()
// and StateChanged does not fire.
//
// The instrument is held in the synchronized state for the duration of the
// call and StateChanged fires exactly once on each side of it.
func (o *Orchestrator) Grab(ctx context.Context, req Request) (res *Result, err error) {
	if req.Detector == nil {
		return nil, ErrNoDetector
	}
	if err := req.ScanParameters.Validate(); err != nil {
		return nil, err
	}
	if w := scanWidth(req.ScanParameters); w > MaxScanArea {
		return nil, &scan.ConfigError{Field: "size", Reason: fmt.Sprintf("width %d exceeds %d probe positions", w, MaxScanArea)}
	}
	inst := o.src.Instrument()
	entered, err := o.enter(ctx, inst)
	if !entered {
		return nil, err
	}
	o.mu.Lock()
	o.scanning = true
	o.det = req.Detector
	o.mu.Unlock()
	o.aborted.Store(false)
	o.completed.Store(0)
	o.total.Store(0)
	o.StateChanged.Fire(true)

	stop := context.AfterFunc(ctx, o.Abort)
	defer func() {
		stop()
		r := recover()
		if r != nil || err != nil {
			log.Printf("%s: synchronized acquisition failed: %v %v\n%s", o.src.ID, r, err, debug.Stack())
		}
		inst.ExitSynchronizedState()
		o.mu.Lock()
		o.scanning = false
		o.det = nil
		o.mu.Unlock()
		o.StateChanged.Fire(false)
		if r != nil {
			panic(r)
		}
	}()
	return o.grab(req)
}

// enter waits for the synchronized state.  It returns false when Abort was
// called while waiting; the state is then not held.
func (o *Orchestrator) enter(ctx context.Context, inst scan.Instrument) (bool, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	if o.waiters == nil {
		o.waiters = map[int]context.CancelFunc{}
	}
	id := o.nextWait
	o.nextWait++
	o.waiters[id] = cancel
	o.mu.Unlock()

	err := inst.EnterSynchronizedState(wctx)

	o.mu.Lock()
	_, pending := o.waiters[id]
	delete(o.waiters, id)
	o.mu.Unlock()
	switch {
	case err == nil && pending:
		return true, nil
	case err == nil:
		inst.ExitSynchronizedState()
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case !pending:
		return false, nil
	default:
		return false, err
	}
}

// scanWidth is the probe pixel width of fp
func scanWidth(fp scan.FrameParameters) int {
	if fp.IsSubscan() {
		return fp.SubscanPixelSize.W
	}
	return fp.Size.W
}

func (o *Orchestrator) grab(req Request) (*Result, error) {
	fp := req.ScanParameters.Clone()
	if fp.ScanID == "" {
		fp.ScanID = uuid.New().String()
	}
	det, dfp := req.Detector, req.DetectorParameters
	info := o.GetInfo(fp, det, dfp)
	if info.IsSubscan {
		ps := info.ScanSize
		fp.SubscanPixelSize = &ps
	} else {
		fp.Size = info.ScanSize
	}
	dev := o.src.Device()
	if err := dev.PrepareSynchronizedScan(fp, dfp.ExposureMS); err != nil {
		return nil, fmt.Errorf("prepare synchronized scan: %w", err)
	}
	flyback := dev.FlybackPixels()
	scanSize := info.ScanSize
	scanWidth := scanSize.W + flyback

	o.src.AbortPlaying()

	updatePeriod := DefaultUpdatePeriod
	if p, ok := req.DataChannel.(UpdatePeriodProvider); ok {
		updatePeriod = p.UpdatePeriod()
	}

	sections := scan.PlanSections(scanSize, req.SectionHeight)
	o.total.Store(int64(len(sections)))
	var (
		detParts  []*xdata.DataAndMetadata
		scanParts [][]*xdata.DataAndMetadata
	)
	for _, section := range sections {
		if o.aborted.Load() {
			return nil, nil
		}
		shape := geom.IntSize{H: section.Size.H, W: scanWidth}
		if err := det.SetCurrentFrameParameters(dfp); err != nil {
			return nil, err
		}
		if err := det.AcquireSynchronizedPrepare(shape); err != nil {
			return nil, err
		}
		sfp := scan.SectionFrameParameters(fp, section, scanSize, info.FractionalArea, info.ChannelModifier)
		d, s, err := o.section(req, info, sfp, section, shape, flyback, updatePeriod)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, nil
		}
		detParts = append(detParts, d)
		scanParts = append(scanParts, s)
		o.completed.Add(1)
	}
	return stitch(detParts, scanParts, req.DataChannel == nil)
}

// section acquires one section.  Nil data with a nil error means the grab
// was aborted.
func (o *Orchestrator) section(req Request, info GrabInfo, sfp scan.FrameParameters, section geom.IntRect, shape geom.IntSize, flyback int, updatePeriod time.Duration) (*xdata.DataAndMetadata, []*xdata.DataAndMetadata, error) {
	det := req.Detector
	task, err := scan.NewRecordTask(o.src, &sfp)
	if err != nil {
		return nil, nil, err
	}
	defer task.Close()

	last := scan.IsLastSection(section, info.ScanSize)
	partial, err := det.AcquireSynchronizedBegin(req.DetectorParameters, shape)
	if err != nil {
		det.AcquireSynchronizedEnd()
		task.Cancel()
		return nil, nil, err
	}
	uncropped := partial.XData
	canceled := partial.Canceled
	err = func() error {
		defer func() {
			if err := det.AcquireSynchronizedEnd(); err != nil {
				log.Printf("%s: detector end: %v", o.src.ID, err)
			}
		}()
		complete := partial.Complete
		for uncropped != nil && !canceled && !o.aborted.Load() {
			if req.DataChannel != nil {
				xd, err := cropAndCalibrate(uncropped, flyback, info)
				if err != nil {
					return err
				}
				state := scan.StatePartial
				if complete && last {
					state = scan.StateComplete
				}
				sub := geom.IntRect{Size: geom.IntSize{H: xd.Shape[0], W: xd.Shape[1]}}
				req.DataChannel.Update(xd, state, info.ScanSize, section, sub, "")
			}
			if complete {
				break
			}
			p, err := det.AcquireSynchronizedContinue(updatePeriod)
			if err != nil {
				return err
			}
			if p.XData != nil {
				uncropped = p.XData
			}
			complete, canceled = p.Complete, p.Canceled
			if canceled || o.aborted.Load() {
				break
			}
		}
		return nil
	}()
	if err != nil {
		task.Cancel()
		return nil, nil, err
	}
	if uncropped == nil || canceled || o.aborted.Load() {
		task.Cancel()
		o.aborted.Store(true)
		return nil, nil, nil
	}

	scanData, err := task.Grab()
	if err != nil {
		if errors.Is(err, scan.ErrAborted) {
			o.aborted.Store(true)
			return nil, nil, nil
		}
		return nil, nil, err
	}
	xd, err := cropAndCalibrate(uncropped, flyback, info)
	if err != nil {
		return nil, nil, err
	}
	slices := make([]*xdata.DataAndMetadata, len(scanData))
	for i, sd := range scanData {
		if slices[i], err = sd.Slice2D(section); err != nil {
			return nil, nil, err
		}
	}
	return xd, slices, nil
}

// cropAndCalibrate removes the flyback columns from uncropped and attaches the
// request's calibrations.  The scan metadata is placed under scan_detector.
func cropAndCalibrate(uncropped *xdata.DataAndMetadata, flyback int, info GrabInfo) (*xdata.DataAndMetadata, error) {
	xd, err := xdata.CropFlyback(uncropped, flyback)
	if err != nil {
		return nil, err
	}
	if xd == uncropped {
		xd = uncropped.Clone()
	}
	if xd.CollectionRank == 0 {
		xd.CollectionRank = 2
	}
	cals := make([]xdata.Calibration, 0, len(xd.Shape))
	if len(info.ScanCalibrations) == xd.CollectionRank {
		cals = append(cals, info.ScanCalibrations...)
	} else {
		cals = append(cals, xd.DimensionalCalibrations[:xd.CollectionRank]...)
	}
	cals = append(cals, info.DataCalibrations...)
	if len(cals) == len(xd.Shape) {
		xd.DimensionalCalibrations = cals
	}
	xd.IntensityCalibration = info.DataIntensityCalibration
	xd.Metadata = xdata.CopyMetadata(uncropped.Metadata)
	xd.Metadata[scan.MetadataScanDetector] = xdata.CopyMetadata(info.ScanMetadata)
	return xd, nil
}

// stitch stacks the sections of each scan channel and, when withDetector, of
// the detector
func stitch(detParts []*xdata.DataAndMetadata, scanParts [][]*xdata.DataAndMetadata, withDetector bool) (*Result, error) {
	res := &Result{}
	if len(scanParts) > 0 {
		for ch := range scanParts[0] {
			parts := make([]*xdata.DataAndMetadata, 0, len(scanParts))
			for _, s := range scanParts {
				if ch < len(s) {
					parts = append(parts, s[ch])
				}
			}
			stacked, err := xdata.VStack(parts)
			if err != nil {
				return nil, err
			}
			res.Scan = append(res.Scan, stacked)
		}
	}
	if withDetector && len(detParts) > 0 {
		stacked, err := xdata.VStack(detParts)
		if err != nil {
			return nil, err
		}
		stacked.Metadata = xdata.CopyMetadata(detParts[0].Metadata)
		res.Detector = append(res.Detector, stacked)
	}
	return res, nil
}

// SectionHeightFor returns a section height holding at most maxPositions
// probe positions per section, zero for a single section
func SectionHeightFor(scanSize geom.IntSize, maxPositions int) int {
	if maxPositions <= 0 || scanSize.W <= 0 || scanSize.Area() <= maxPositions {
		return 0
	}
	return util.ClampInt(maxPositions/scanSize.W, 1, scanSize.H)
}
