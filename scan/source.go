package scan

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/stemsync/event"
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/xdata"
)

// profile indices
const (
	ProfileSearch = iota
	ProfileFocus
	ProfileRecord
	ProfileCount
)

// RecordSyncTimeout bounds the wait for a record to wind down after its data
// has been delivered
var RecordSyncTimeout = 3 * time.Second

// ProfileParameters is the payload of FrameParametersChanged
type ProfileParameters struct {
	Profile int
	FP      FrameParameters
}

// ChannelStateChange is the payload of ChannelStateChanged
type ChannelStateChange struct {
	Index int
	ChannelState
}

// HardwareSource is the acquisition front end of one scan device.  It owns the
// profiles, the channel states, the live view and single frame recording.
//
// Device originated callbacks are not applied on the device's goroutine.  They
// are queued and executed by Periodic, which Run calls from one goroutine.
type HardwareSource struct {
	ID          string
	DisplayName string

	ProfileChanged         event.Event[int]
	FrameParametersChanged event.Event[ProfileParameters]
	ChannelStateChanged    event.Event[ChannelStateChange]
	ProbeStateChanged      event.Event[ProbeState]

	// DataUpdated carries every partial read of the view or a record
	DataUpdated event.Event[[]DataElement]
	// FrameFinished carries every completed frame, one array per channel
	FrameFinished event.Event[[]*xdata.DataAndMetadata]

	device Device
	inst   Instrument

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}

	latestMu sync.Mutex
	latest   map[int]FrameParameters

	mu            sync.Mutex
	profiles      [ProfileCount]FrameParameters
	selected      int
	current       FrameParameters
	record        FrameParameters
	view          *runner
	recorder      *runner
	suspendedView *runner
	lastIdle      *geom.FloatPoint

	wg        sync.WaitGroup
	listeners []*event.Listener
}

// NewHardwareSource wraps dev.  The initial profiles are read from the device;
// profile zero is selected.
func NewHardwareSource(id, displayName string, dev Device, inst Instrument) *HardwareSource {
	s := &HardwareSource{
		ID:          id,
		DisplayName: displayName,
		device:      dev,
		inst:        inst,
		wake:        make(chan struct{}, 1),
		latest:      map[int]FrameParameters{},
	}
	for i := range s.profiles {
		s.profiles[i] = dev.ProfileFrameParameters(i)
	}
	s.current = s.profiles[0].Clone()
	s.record = s.profiles[ProfileRecord].Clone()
	s.listeners = append(s.listeners,
		inst.ProbeStateChanged().Listen(s.probeStateChanged),
		inst.SubscanChanged().Listen(s.subscanChanged))
	dev.OnStateChanged(s.deviceStateChanged)
	return s
}

// Device returns the scan device
func (s *HardwareSource) Device() Device {
	return s.device
}

// Instrument returns the instrument the device is attached to
func (s *HardwareSource) Instrument() Instrument {
	return s.inst
}

// EnterScanningState tells the instrument the probe is scanning
func (s *HardwareSource) EnterScanningState() {
	s.inst.EnterScanningState()
}

// ExitScanningState tells the instrument the probe stopped scanning
func (s *HardwareSource) ExitScanningState() {
	s.inst.ExitScanningState()
}

// enqueue schedules fn for the next Periodic
func (s *HardwareSource) enqueue(fn func()) {
	s.qmu.Lock()
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Periodic executes the queued tasks.  Tasks queued while executing are left
// for the next call.
func (s *HardwareSource) Periodic() {
	s.qmu.Lock()
	tasks := s.queue
	s.queue = nil
	s.qmu.Unlock()
	for _, task := range tasks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("%s: queued task panicked: %v\n%s", s.ID, r, debug.Stack())
				}
			}()
			task()
		}()
	}
}

// Run executes queued tasks as they arrive until ctx is done
func (s *HardwareSource) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.Periodic()
		}
	}
}

// frame parameters and profiles

// FrameParameters returns a copy of a profile
func (s *HardwareSource) FrameParameters(profile int) (FrameParameters, error) {
	if profile < 0 || profile >= ProfileCount {
		return FrameParameters{}, fmt.Errorf("profile %d out of range", profile)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[profile].Clone(), nil
}

// SetFrameParameters stores a profile and pushes it to the device.  The
// current parameters follow the selected profile and the record parameters
// follow the record profile.
func (s *HardwareSource) SetFrameParameters(profile int, fp FrameParameters) error {
	if profile < 0 || profile >= ProfileCount {
		return fmt.Errorf("profile %d out of range", profile)
	}
	if err := fp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.profiles[profile] = fp.Clone()
	selected := s.selected
	s.mu.Unlock()
	s.device.SetProfileFrameParameters(profile, fp.Clone())
	if profile == selected {
		s.setCurrent(fp, true)
	}
	if profile == ProfileRecord {
		s.SetRecordFrameParameters(fp)
	}
	s.FrameParametersChanged.Fire(ProfileParameters{Profile: profile, FP: fp.Clone()})
	return nil
}

// SelectedProfile is the index of the profile driving the view
func (s *HardwareSource) SelectedProfile() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// SetSelectedProfile selects a profile and makes it current
func (s *HardwareSource) SetSelectedProfile(profile int) error {
	if profile < 0 || profile >= ProfileCount {
		return fmt.Errorf("profile %d out of range", profile)
	}
	s.mu.Lock()
	s.selected = profile
	fp := s.profiles[profile].Clone()
	s.mu.Unlock()
	s.setCurrent(fp, true)
	s.ProfileChanged.Fire(profile)
	return nil
}

// CurrentFrameParameters returns a copy of the view parameters
func (s *HardwareSource) CurrentFrameParameters() FrameParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// SetCurrentFrameParameters replaces the view parameters.  The subscan
// settings of the instrument are applied on top.
func (s *HardwareSource) SetCurrentFrameParameters(fp FrameParameters) error {
	if err := fp.Validate(); err != nil {
		return err
	}
	s.setCurrent(fp, true)
	return nil
}

// RecordFrameParameters returns a copy of the record parameters
func (s *HardwareSource) RecordFrameParameters() FrameParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// SetRecordFrameParameters replaces the parameters of the next record
func (s *HardwareSource) SetRecordFrameParameters(fp FrameParameters) {
	s.mu.Lock()
	s.record = fp.Clone()
	s.mu.Unlock()
}

// CurrentFrameTime is the duration of one view frame in seconds
func (s *HardwareSource) CurrentFrameTime() float64 {
	return FrameTimeSeconds(s.CurrentFrameParameters())
}

// RecordFrameTime is the duration of one record frame in seconds
func (s *HardwareSource) RecordFrameTime() float64 {
	return FrameTimeSeconds(s.RecordFrameParameters())
}

// setCurrent applies the subscan settings to fp and makes it current.  A
// running view picks the parameters up; a full frame view also becomes the
// scan context, while a user initiated (isContext) change to a subscan view
// invalidates it.
func (s *HardwareSource) setCurrent(fp FrameParameters, isContext bool) {
	enabled := s.inst.SubscanEnabled()
	region := s.inst.SubscanRegion()
	if enabled && region != nil {
		fp = ApplySubscan(fp, region, s.inst.SubscanRotation())
	} else {
		fp = ApplySubscan(fp, nil, 0)
	}
	s.mu.Lock()
	s.current = fp.Clone()
	view := s.view
	s.mu.Unlock()
	if view == nil || view.isDone() {
		return
	}
	if err := view.task.SetFrameParameters(fp); err != nil {
		log.Printf("%s: failed to update view parameters: %v", s.ID, err)
	}
	if !enabled {
		s.inst.UpdateScanContext(ContextFromFrameParameters(fp))
	} else if isContext {
		s.inst.ClearScanContext()
	}
}

// updateFrameParameters applies parameters changed by the device itself
// without pushing them back to it
func (s *HardwareSource) updateFrameParameters(profile int, fp FrameParameters) {
	s.mu.Lock()
	s.profiles[profile] = fp.Clone()
	if profile == s.selected {
		n := fp.Clone()
		n.ChannelModifier = s.current.ChannelModifier
		s.current = n
	}
	if profile == ProfileRecord {
		n := fp.Clone()
		n.ChannelModifier = s.record.ChannelModifier
		s.record = n
	}
	s.mu.Unlock()
	s.FrameParametersChanged.Fire(ProfileParameters{Profile: profile, FP: fp.Clone()})
}

func (s *HardwareSource) deviceStateChanged(profiles []FrameParameters, channels []ChannelState) {
	for i, fp := range profiles {
		if i >= ProfileCount {
			break
		}
		s.latestMu.Lock()
		s.latest[i] = fp.Clone()
		s.latestMu.Unlock()
	}
	if len(profiles) > 0 {
		s.enqueue(func() {
			s.latestMu.Lock()
			latest := s.latest
			s.latest = map[int]FrameParameters{}
			s.latestMu.Unlock()
			for i := 0; i < ProfileCount; i++ {
				if fp, ok := latest[i]; ok {
					s.updateFrameParameters(i, fp)
				}
			}
		})
	}
	states := make([]ChannelState, len(channels))
	for i, c := range channels {
		states[i] = ChannelState{ID: ChannelID(i), Name: c.Name, Enabled: c.Enabled}
	}
	s.channelStatesChanged(states)
}

// channels

// ChannelCount is the number of device channels
func (s *HardwareSource) ChannelCount() int {
	return len(s.device.ChannelsEnabled())
}

// ChannelState returns the state of one device channel
func (s *HardwareSource) ChannelState(index int) (ChannelState, error) {
	enabled := s.device.ChannelsEnabled()
	if index < 0 || index >= len(enabled) {
		return ChannelState{}, fmt.Errorf("channel %d out of range", index)
	}
	return ChannelState{ID: ChannelID(index), Name: s.device.ChannelName(index), Enabled: enabled[index]}, nil
}

func (s *HardwareSource) channelStates() []ChannelState {
	enabled := s.device.ChannelsEnabled()
	out := make([]ChannelState, len(enabled))
	for i, e := range enabled {
		out[i] = ChannelState{ID: ChannelID(i), Name: s.device.ChannelName(i), Enabled: e}
	}
	return out
}

// EnabledChannels lists the indices of the enabled channels
func (s *HardwareSource) EnabledChannels() []int {
	var out []int
	for i, e := range s.device.ChannelsEnabled() {
		if e {
			out = append(out, i)
		}
	}
	return out
}

// SetEnabledChannels enables exactly the listed channels
func (s *HardwareSource) SetEnabledChannels(indices []int) {
	want := map[int]bool{}
	for _, i := range indices {
		want[i] = true
	}
	for i := 0; i < s.ChannelCount(); i++ {
		s.SetChannelEnabled(i, want[i])
	}
}

// SetChannelEnabled enables or disables one channel.  Listeners are notified
// from the task queue.
func (s *HardwareSource) SetChannelEnabled(index int, enabled bool) {
	if s.device.SetChannelEnabled(index, enabled) {
		s.channelStatesChanged(s.channelStates())
	}
}

func (s *HardwareSource) channelStatesChanged(states []ChannelState) {
	s.enqueue(func() {
		for i, c := range states {
			s.ChannelStateChanged.Fire(ChannelStateChange{Index: i, ChannelState: c})
		}
		if len(s.EnabledChannels()) == 0 {
			s.StopPlaying()
		}
	})
}

// SubscanChannelInfo returns the data channel index, id and name of the
// subscan channel paired with a device channel
func (s *HardwareSource) SubscanChannelInfo(index int, id, name string) (int, string, string) {
	return index + s.ChannelCount(), id + "_" + SubscanModifier, name + " SubScan"
}

// DataChannelState returns the state of a data channel.  Indices past the
// channel count are the subscan channels; only one of each pair is enabled.
func (s *HardwareSource) DataChannelState(index int) (ChannelState, error) {
	n := s.ChannelCount()
	subscan := s.inst.SubscanEnabled()
	if index < n {
		c, err := s.ChannelState(index)
		c.Enabled = c.Enabled && !subscan
		return c, err
	}
	c, err := s.ChannelState(index - n)
	if err != nil {
		return c, err
	}
	_, c.ID, c.Name = s.SubscanChannelInfo(index-n, c.ID, c.Name)
	c.Enabled = c.Enabled && subscan
	return c, nil
}

// MakeReferenceKey builds the key data from this source is filed under.
// A negative channelIndex means no channel.
func (s *HardwareSource) MakeReferenceKey(channelIndex int, subscan bool, referenceKey string) string {
	if referenceKey != "" {
		return strings.Join([]string{s.ID, referenceKey}, "_")
	}
	if channelIndex >= 0 {
		if subscan {
			return strings.Join([]string{s.ID, ChannelID(channelIndex), SubscanModifier}, "_")
		}
		return strings.Join([]string{s.ID, ChannelID(channelIndex)}, "_")
	}
	return s.ID
}

// subscan

// SubscanEnabled reports the instrument's subscan state
func (s *HardwareSource) SubscanEnabled() bool {
	return s.inst.SubscanEnabled()
}

// SetSubscanEnabled enables or disables the subscan
func (s *HardwareSource) SetSubscanEnabled(enabled bool) {
	s.inst.SetSubscanEnabled(enabled)
}

// SubscanRegion is the fractional subscan region, nil when unset
func (s *HardwareSource) SubscanRegion() *geom.FloatRect {
	return s.inst.SubscanRegion()
}

// SetSubscanRegion replaces the subscan region; nil disables the subscan
func (s *HardwareSource) SetSubscanRegion(region *geom.FloatRect) {
	s.inst.SetSubscanRegion(region)
}

// SubscanRotation is the subscan rotation in radians
func (s *HardwareSource) SubscanRotation() float64 {
	return s.inst.SubscanRotation()
}

// SetSubscanRotation sets the subscan rotation in radians
func (s *HardwareSource) SetSubscanRotation(rotation float64) {
	s.inst.SetSubscanRotation(rotation)
}

func (s *HardwareSource) subscanChanged(c SubscanChange) {
	if c == SubscanStateChanged && !s.inst.SubscanEnabled() {
		s.inst.UpdateScanContext(ContextFromFrameParameters(s.CurrentFrameParameters()))
	}
	s.setCurrent(s.CurrentFrameParameters(), false)
}

// probe

// ProbeState is the instrument's probe state
func (s *HardwareSource) ProbeState() string {
	return s.inst.ProbeState()
}

// ProbePosition is the fractional probe position, nil when unset
func (s *HardwareSource) ProbePosition() *geom.FloatPoint {
	return s.inst.ProbePosition()
}

// SetProbePosition moves the parked probe
func (s *HardwareSource) SetProbePosition(p *geom.FloatPoint) {
	s.inst.SetProbePosition(p)
}

// ValidateProbePosition centers the probe
func (s *HardwareSource) ValidateProbePosition() {
	s.inst.ValidateProbePosition()
}

// LastIdlePosition is the position most recently sent to the device
func (s *HardwareSource) LastIdlePosition() geom.FloatPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastIdle == nil {
		return geom.FloatPoint{Y: -1, X: -1}
	}
	return *s.lastIdle
}

func (s *HardwareSource) probeStateChanged(ps ProbeState) {
	p := geom.FloatPoint{Y: -1, X: -1}
	if ps.Position != nil {
		p = *ps.Position
	}
	if ip, ok := s.device.(IdlePositioner); ok {
		ip.SetIdlePosition(p.Y, p.X)
	}
	s.mu.Lock()
	s.lastIdle = &p
	s.mu.Unlock()
	s.ProbeStateChanged.Fire(ps)
}

// view

func (s *HardwareSource) taskConfig(continuous bool) TaskConfig {
	return TaskConfig{
		SourceID:    s.ID,
		DisplayName: s.DisplayName,
		Continuous:  continuous,
		Channels:    s.channelStates(),
	}
}

// StartPlaying starts the live view with the current parameters.  It is a
// no-op while the view runs.
func (s *HardwareSource) StartPlaying() error {
	s.mu.Lock()
	if s.view != nil && !s.view.isDone() {
		s.mu.Unlock()
		return nil
	}
	fp := s.current.Clone()
	s.mu.Unlock()
	if !s.inst.SubscanEnabled() {
		s.inst.UpdateScanContext(ContextFromFrameParameters(fp))
	}
	task := NewAcquisitionTask(s.taskConfig(true), s.device, s.inst, s, fp)
	r := newRunner(s, task)
	s.mu.Lock()
	s.view = r
	s.mu.Unlock()
	return r.start(context.Background(), &s.wg)
}

// StopPlaying finishes the current view frame and stops
func (s *HardwareSource) StopPlaying() {
	s.mu.Lock()
	view := s.view
	s.mu.Unlock()
	if view != nil {
		view.requestStop()
	}
}

// AbortPlaying stops the view immediately and waits for it to end
func (s *HardwareSource) AbortPlaying() {
	s.mu.Lock()
	view := s.view
	s.mu.Unlock()
	if view == nil {
		return
	}
	view.requestAbort()
	<-view.done
}

// IsPlaying is true while the view runs
func (s *HardwareSource) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view != nil && !s.view.isDone() && !s.view.suspended.Load()
}

// GrabNextToFinish starts the view if needed and returns the next frame to
// complete
func (s *HardwareSource) GrabNextToFinish(ctx context.Context) ([]*xdata.DataAndMetadata, error) {
	return s.grabNext(ctx, false)
}

// GrabNextToStart starts the view if needed and returns the first frame that
// starts after the call
func (s *HardwareSource) GrabNextToStart(ctx context.Context) ([]*xdata.DataAndMetadata, error) {
	return s.grabNext(ctx, true)
}

func (s *HardwareSource) grabNext(ctx context.Context, fresh bool) ([]*xdata.DataAndMetadata, error) {
	frames := make(chan []*xdata.DataAndMetadata, 2)
	l := s.FrameFinished.Listen(func(set []*xdata.DataAndMetadata) {
		select {
		case frames <- set:
		default:
		}
	})
	defer l.Close()
	if err := s.StartPlaying(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	view := s.view
	s.mu.Unlock()
	skip := fresh && view.inProgress.Load()
	for {
		select {
		case set := <-frames:
			if skip {
				skip = false
				continue
			}
			return set, nil
		case <-view.done:
			select {
			case set := <-frames:
				if !skip {
					return set, nil
				}
			default:
			}
			if view.err != nil {
				return nil, view.err
			}
			return nil, ErrNoView
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// recording

// Recording is a handle on one single frame record
type Recording struct {
	r *runner
}

// Wait blocks until the record ends and returns one array per enabled channel
func (rec *Recording) Wait(ctx context.Context) ([]*xdata.DataAndMetadata, error) {
	select {
	case <-rec.r.done:
		return rec.r.result, rec.r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the record ends
func (rec *Recording) Done() <-chan struct{} {
	return rec.r.done
}

// StartRecording records one frame with the record parameters.  A running
// view is suspended for the duration of the record.
func (s *HardwareSource) StartRecording() (*Recording, error) {
	s.mu.Lock()
	if s.recorder != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	fp := s.record.Clone()
	task := NewAcquisitionTask(s.taskConfig(false), s.device, s.inst, s, fp)
	r := newRunner(s, task)
	s.recorder = r
	view := s.view
	s.mu.Unlock()

	if view != nil && !view.isDone() && view.suspend() {
		s.mu.Lock()
		s.suspendedView = view
		s.mu.Unlock()
	}
	r.onExit = s.recordFinished
	if err := r.start(context.Background(), &s.wg); err != nil {
		s.recordFinished(r)
		return nil, err
	}
	return &Recording{r: r}, nil
}

func (s *HardwareSource) recordFinished(r *runner) {
	s.mu.Lock()
	if s.recorder == r {
		s.recorder = nil
	}
	view := s.suspendedView
	s.suspendedView = nil
	s.mu.Unlock()
	if view != nil {
		view.resume()
	}
}

// IsRecording is true while a record runs
func (s *HardwareSource) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder != nil
}

// StopRecording asks the record to finish its frame and waits up to timeout
// for it to end
func (s *HardwareSource) StopRecording(timeout time.Duration) error {
	s.mu.Lock()
	r := s.recorder
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	r.requestStop()
	select {
	case <-r.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%s: record did not stop: %w", s.ID, ErrTimeout)
	}
}

// AbortRecording aborts the record without waiting
func (s *HardwareSource) AbortRecording() {
	s.mu.Lock()
	r := s.recorder
	s.mu.Unlock()
	if r != nil {
		r.requestAbort()
	}
}

// RecordAsync records one frame on a new goroutine and passes the result to fn
func (s *HardwareSource) RecordAsync(fn func([]*xdata.DataAndMetadata, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rec, err := s.StartRecording()
		if err != nil {
			fn(nil, err)
			return
		}
		data, err := rec.Wait(context.Background())
		if serr := s.StopRecording(RecordSyncTimeout); serr != nil {
			log.Println(serr)
		}
		fn(data, err)
	}()
}

// Close aborts any acquisition, waits for every goroutine the source started,
// detaches from the instrument and closes the device
func (s *HardwareSource) Close() error {
	s.AbortRecording()
	s.AbortPlaying()
	s.wg.Wait()
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
	if err := s.device.SaveFrameParameters(); err != nil {
		log.Printf("%s: failed to save frame parameters: %v", s.ID, err)
	}
	return s.device.Close()
}
