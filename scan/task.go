package scan

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/xdata"
)

// TaskState is the lifecycle state of an AcquisitionTask
type TaskState int

// task states
const (
	Idle TaskState = iota
	Started
	Suspended
	Resumed
	Marked
	Stopped
	Aborted
)

func (s TaskState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case Suspended:
		return "suspended"
	case Resumed:
		return "resumed"
	case Marked:
		return "marked"
	case Stopped:
		return "stopped"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	// MinReadPeriod is the minimum spacing between partial reads
	MinReadPeriod = 50 * time.Millisecond

	// StopTimeout bounds the wait for the device to go idle after a stop
	StopTimeout = time.Second

	// StopPollInterval is the polling period while waiting for the device to go idle
	StopPollInterval = 10 * time.Millisecond

	errStillScanning = errors.New("still scanning")
)

// ScanningStateOwner is notified when a task starts and stops driving the probe
type ScanningStateOwner interface {
	EnterScanningState()
	ExitScanningState()
}

// DataElement is one calibrated channel buffer produced by Acquire
type DataElement struct {
	XData        *xdata.DataAndMetadata
	ChannelIndex int
	ChannelID    string
	ChannelName  string

	// DataShape is the shape of the array the buffer belongs in
	DataShape geom.IntSize

	// SubArea is the valid region of XData; DestSubArea is where that region
	// belongs in the DataShape array
	SubArea     geom.IntRect
	DestSubArea geom.IntRect

	// State is the state of the whole (possibly sectioned) acquisition,
	// SectionState the state of this frame
	State        string
	SectionState string
	ValidRows    int
}

// TaskConfig is the fixed configuration of an AcquisitionTask
type TaskConfig struct {
	SourceID    string
	DisplayName string
	Continuous  bool
	Channels    []ChannelState
}

// AcquisitionTask drives one continuous or single frame scan through the
// device's partial read protocol.  Acquire is called repeatedly from a single
// goroutine; the lifecycle methods may be called from others.
type AcquisitionTask struct {
	cfg    TaskConfig
	device Device
	inst   MetadataSource
	owner  ScanningStateOwner

	mu           sync.Mutex
	state        TaskState
	fp           FrameParameters
	frame        int
	scanID       string
	lastScanID   string
	fixedScanID  string
	pixelsToSkip int
	entered      bool

	limiter *rate.Limiter
}

// NewAcquisitionTask returns an idle task.  A ScanID in fp fixes the scan
// identifier of every frame.
func NewAcquisitionTask(cfg TaskConfig, dev Device, inst MetadataSource, owner ScanningStateOwner, fp FrameParameters) *AcquisitionTask {
	return &AcquisitionTask{
		cfg:         cfg,
		device:      dev,
		inst:        inst,
		owner:       owner,
		fp:          fp.Clone(),
		frame:       NoFrame,
		fixedScanID: fp.ScanID,
		limiter:     rate.NewLimiter(rate.Every(MinReadPeriod), 1),
	}
}

// State returns the lifecycle state
func (t *AcquisitionTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// FrameParameters returns a copy of the active parameters
func (t *AcquisitionTask) FrameParameters() FrameParameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fp.Clone()
}

// IsContinuous is true for view tasks
func (t *AcquisitionTask) IsContinuous() bool {
	return t.cfg.Continuous
}

// SetFrameParameters replaces the parameters and pushes them to the device
func (t *AcquisitionTask) SetFrameParameters(fp FrameParameters) error {
	t.mu.Lock()
	t.fp = fp.Clone()
	t.mu.Unlock()
	return t.activate()
}

func (t *AcquisitionTask) activate() error {
	return t.device.SetFrameParameters(DeriveDeviceParameters(t.FrameParameters()))
}

// Start enters the scanning state and starts the first frame.  It fails
// without touching the probe when no channel is enabled.
func (t *AcquisitionTask) Start() error {
	enabled := false
	for _, e := range t.device.ChannelsEnabled() {
		enabled = enabled || e
	}
	if !enabled {
		t.mu.Lock()
		t.state = Idle
		t.mu.Unlock()
		return ErrNoChannelsEnabled
	}
	if t.owner != nil {
		t.owner.EnterScanningState()
	}
	t.mu.Lock()
	t.entered = true
	t.mu.Unlock()
	if err := t.restart(); err != nil {
		return err
	}
	t.mu.Lock()
	t.scanID = t.fixedScanID
	t.state = Started
	t.mu.Unlock()
	return nil
}

// restart pushes the parameters and starts a new device frame
func (t *AcquisitionTask) restart() error {
	if err := t.activate(); err != nil {
		return err
	}
	frame, err := t.device.StartFrame(t.cfg.Continuous)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.frame = frame
	t.scanID = t.lastScanID
	t.pixelsToSkip = 0
	t.mu.Unlock()
	return nil
}

// waitIdle polls the device until it stops scanning or StopTimeout passes
func (t *AcquisitionTask) waitIdle() {
	op := func() error {
		if t.device.IsScanning() {
			return errStillScanning
		}
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     StopPollInterval,
		RandomizationFactor: 0.,
		Multiplier:          1.,
		MaxInterval:         StopPollInterval,
		MaxElapsedTime:      StopTimeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		log.Printf("%s: %v", t.cfg.SourceID, ErrTimeout)
	}
}

// Suspend cancels and stops the device, waiting briefly for it to go idle
func (t *AcquisitionTask) Suspend() {
	t.device.Cancel()
	t.device.Stop()
	t.waitIdle()
	t.mu.Lock()
	t.lastScanID = t.scanID
	t.state = Suspended
	t.mu.Unlock()
}

// Resume restarts a suspended task on a new frame, keeping the scan id
func (t *AcquisitionTask) Resume() error {
	if err := t.restart(); err != nil {
		return err
	}
	t.mu.Lock()
	t.state = Resumed
	t.mu.Unlock()
	return nil
}

// RequestAbort cancels the device without waiting so a blocked read returns
func (t *AcquisitionTask) RequestAbort() {
	t.device.Cancel()
}

// Abort stops the device as Suspend does and marks the task aborted
func (t *AcquisitionTask) Abort() {
	t.Suspend()
	t.mu.Lock()
	t.state = Aborted
	t.mu.Unlock()
}

// Mark asks the device to finish the current frame and stop
func (t *AcquisitionTask) Mark() {
	t.device.Stop()
	t.mu.Lock()
	t.state = Marked
	t.mu.Unlock()
}

// Stop stops the device, waits for it to go idle and leaves the scanning state
func (t *AcquisitionTask) Stop() {
	t.device.Stop()
	t.waitIdle()
	t.mu.Lock()
	t.frame = NoFrame
	t.scanID = t.fixedScanID
	entered := t.entered
	t.entered = false
	if t.state != Aborted {
		t.state = Stopped
	}
	t.mu.Unlock()
	if entered && t.owner != nil {
		t.owner.ExitScanningState()
	}
}

// Acquire performs one partial read and returns its calibrated channel
// buffers.  Reads are spaced at least MinReadPeriod apart.
func (t *AcquisitionTask) Acquire(ctx context.Context) ([]DataElement, error) {
	t.mu.Lock()
	frame, skip := t.frame, t.pixelsToSkip
	t.mu.Unlock()

	res, err := t.device.ReadPartial(frame, skip)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.frame = res.NextFrame
	t.pixelsToSkip = res.NextPixelsToSkip
	if t.scanID == "" {
		t.scanID = uuid.New().String()
	}
	fp := t.fp.Clone()
	scanID, frameNumber := t.scanID, t.frame
	if res.Complete || res.BadFrame {
		t.frame = NoFrame
		t.scanID = t.fixedScanID
		t.pixelsToSkip = 0
	}
	t.mu.Unlock()

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	out := make([]DataElement, 0, len(res.Buffers))
	for _, buf := range res.Buffers {
		e, err := t.element(buf, res, fp, scanID, frameNumber)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	return out, nil
}

func (t *AcquisitionTask) element(buf ChannelBuffer, res ReadResult, fp FrameParameters, scanID string, frame int) (DataElement, error) {
	xd, err := xdata.New(buf.Data, buf.Shape.H, buf.Shape.W)
	if err != nil {
		return DataElement{}, err
	}
	idx := buf.ChannelIndex
	name := t.device.ChannelName(idx)
	id := ChannelID(idx)
	if idx < len(t.cfg.Channels) {
		id = t.cfg.Channels[idx].ID
	}
	if fp.ChannelModifier != "" {
		id += "_" + fp.ChannelModifier
	}

	devProps := xdata.CopyMetadata(buf.Properties)
	UpdateInstrumentProperties(devProps, t.inst, t.device)
	info := ScanElementInfo{ScanID: scanID, FrameNumber: frame, ChannelName: name, ChannelID: id}
	if err := UpdateScanDataElement(xd, fp, info, devProps); err != nil {
		return DataElement{}, err
	}
	props := xdata.MetadataGroup(xd.Metadata, MetadataHardwareSource)
	props["hardware_source_name"] = t.cfg.DisplayName
	props["hardware_source_id"] = t.cfg.SourceID
	props["valid_rows"] = res.SubArea.Top() + res.SubArea.Size.H

	e := DataElement{
		XData:        xd,
		ChannelIndex: idx,
		ChannelID:    id,
		ChannelName:  name,
		DataShape:    buf.Shape,
		SubArea:      res.SubArea,
		DestSubArea:  res.SubArea,
		State:        StatePartial,
		SectionState: StatePartial,
		ValidRows:    res.SubArea.Top() + res.SubArea.Size.H,
	}
	if fp.DataShapeOverride != nil {
		e.DataShape = *fp.DataShapeOverride
	}
	if fp.TopLeftOverride != nil {
		e.DestSubArea = res.SubArea.Offset(*fp.TopLeftOverride)
	}
	if res.Complete {
		e.SectionState = StateComplete
		e.State = StateComplete
		if fp.StateOverride != "" {
			e.State = fp.StateOverride
		}
	}
	return e, nil
}

// ChannelID is the identifier of the channel at index
func ChannelID(index int) string {
	const ids = "abcdefgh"
	if index >= 0 && index < len(ids) {
		return ids[index : index+1]
	}
	return "ch" + strconv.Itoa(index)
}

