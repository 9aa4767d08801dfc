package scan

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nasa-jpl/stemsync/xdata"
)

// control requests handled between reads
type control struct {
	suspend bool
	ack     chan struct{}
}

// runner owns the goroutine executing one AcquisitionTask.  Frames are
// assembled from the partial reads into full DataShape arrays per channel.
type runner struct {
	task *AcquisitionTask
	src  *HardwareSource

	abortOnce sync.Once
	abortCh   chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	ctl       chan control

	done       chan struct{}
	inProgress atomic.Bool
	suspended  atomic.Bool

	// set before done is closed
	result []*xdata.DataAndMetadata
	err    error

	// called on the runner goroutine just before done is closed
	onExit func(*runner)
}

func newRunner(src *HardwareSource, task *AcquisitionTask) *runner {
	return &runner{
		task:    task,
		src:     src,
		abortCh: make(chan struct{}),
		stopCh:  make(chan struct{}),
		ctl:     make(chan control),
		done:    make(chan struct{}),
	}
}

// start starts the task on the calling goroutine and then runs the read loop
// on a new one
func (r *runner) start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := r.task.Start(); err != nil {
		if !errors.Is(err, ErrNoChannelsEnabled) {
			r.task.Stop()
		}
		r.err = err
		close(r.done)
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.loop(ctx)
	}()
	return nil
}

func (r *runner) requestAbort() {
	r.abortOnce.Do(func() {
		close(r.abortCh)
		r.task.RequestAbort()
	})
}

func (r *runner) requestStop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *runner) aborted() bool {
	select {
	case <-r.abortCh:
		return true
	default:
		return false
	}
}

func (r *runner) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *runner) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// suspend parks the loop and returns once the device is stopped.  It returns
// false when the runner finished first.
func (r *runner) suspend() bool {
	r.task.RequestAbort()
	ack := make(chan struct{})
	select {
	case r.ctl <- control{suspend: true, ack: ack}:
		<-ack
		return true
	case <-r.done:
		return false
	}
}

// resume restarts a suspended loop on a fresh frame
func (r *runner) resume() {
	ack := make(chan struct{})
	select {
	case r.ctl <- control{suspend: false, ack: ack}:
		<-ack
	case <-r.done:
	}
}

func (r *runner) finish(result []*xdata.DataAndMetadata, err error) {
	r.result = result
	r.err = err
	if r.onExit != nil {
		r.onExit(r)
	}
	close(r.done)
}

func (r *runner) abortAndFinish(err error) {
	r.task.Abort()
	r.task.Stop()
	r.finish(nil, err)
}

// parked blocks while suspended.  It returns false if the runner was aborted
// or stopped while parked.
func (r *runner) parked() bool {
	for {
		select {
		case c := <-r.ctl:
			if !c.suspend {
				err := r.task.Resume()
				r.suspended.Store(false)
				close(c.ack)
				if err != nil {
					log.Printf("%s: resume failed: %v", r.task.cfg.SourceID, err)
					r.abortAndFinish(err)
					return false
				}
				return true
			}
			close(c.ack)
		case <-r.abortCh:
			r.abortAndFinish(ErrAborted)
			return false
		case <-r.stopCh:
			r.task.Stop()
			r.finish(nil, ErrAborted)
			return false
		}
	}
}

func (r *runner) loop(ctx context.Context) {
	marked := false
	frames := map[int]*xdata.DataAndMetadata{}
	for {
		select {
		case c := <-r.ctl:
			if c.suspend {
				r.task.Suspend()
				r.suspended.Store(true)
				r.inProgress.Store(false)
				frames = map[int]*xdata.DataAndMetadata{}
				close(c.ack)
				if !r.parked() {
					return
				}
				continue
			}
			close(c.ack)
		default:
		}
		if r.aborted() {
			r.abortAndFinish(ErrAborted)
			return
		}
		if !marked && r.stopped() {
			r.task.Mark()
			marked = true
		}

		elems, err := r.task.Acquire(ctx)
		if err != nil {
			if r.aborted() || ctx.Err() != nil {
				r.abortAndFinish(ErrAborted)
				return
			}
			log.Printf("%s: acquisition failed: %v", r.task.cfg.SourceID, err)
			r.abortAndFinish(err)
			return
		}
		if len(elems) == 0 && marked && !r.task.device.IsScanning() {
			// stopped on a frame boundary, nothing more will arrive
			r.task.Stop()
			r.finish(nil, nil)
			return
		}
		if len(elems) == 0 || r.aborted() {
			continue
		}

		complete := false
		for _, e := range elems {
			if err := assemble(frames, e); err != nil {
				log.Printf("%s: dropping buffer for channel %s: %v", r.task.cfg.SourceID, e.ChannelID, err)
				continue
			}
			complete = complete || e.SectionState == StateComplete
		}
		r.inProgress.Store(!complete)
		r.src.DataUpdated.Fire(elems)
		if !complete {
			continue
		}

		set := frameSet(frames)
		frames = map[int]*xdata.DataAndMetadata{}
		r.src.FrameFinished.Fire(set)
		if !r.task.IsContinuous() || marked {
			r.task.Stop()
			r.finish(set, nil)
			return
		}
	}
}

// assemble copies the valid region of e into its channel's full frame array
func assemble(frames map[int]*xdata.DataAndMetadata, e DataElement) error {
	dst := frames[e.ChannelIndex]
	if dst == nil || dst.Shape[0] != e.DataShape.H || dst.Shape[1] != e.DataShape.W {
		dst = xdata.Zeros(e.DataShape.H, e.DataShape.W)
		dst.CollectionRank = 0
		frames[e.ChannelIndex] = dst
	}
	part, err := e.XData.Slice2D(e.SubArea)
	if err != nil {
		return err
	}
	if err := xdata.Paste(dst, part, e.DestSubArea); err != nil {
		return err
	}
	dst.DimensionalCalibrations = append([]xdata.Calibration(nil), e.XData.DimensionalCalibrations...)
	dst.IntensityCalibration = e.XData.IntensityCalibration
	dst.Metadata = xdata.CopyMetadata(e.XData.Metadata)
	dst.Timestamp = e.XData.Timestamp
	return nil
}

func frameSet(frames map[int]*xdata.DataAndMetadata) []*xdata.DataAndMetadata {
	idx := make([]int, 0, len(frames))
	for i := range frames {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]*xdata.DataAndMetadata, len(idx))
	for i, ci := range idx {
		out[i] = frames[ci]
	}
	return out
}
