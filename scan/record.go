package scan

import (
	"context"
	"log"

	"github.com/nasa-jpl/stemsync/xdata"
)

// RecordTask performs one blocking record on a goroutine of its own.  The
// constructor returns once the record has started; Close must always be
// called and never leaves the goroutine running.
type RecordTask struct {
	src    *HardwareSource
	done   chan struct{}
	result []*xdata.DataAndMetadata
	err    error
}

// NewRecordTask starts a record on src.  When fp is non-nil it replaces the
// record parameters first.
func NewRecordTask(src *HardwareSource, fp *FrameParameters) (*RecordTask, error) {
	if src.IsRecording() {
		return nil, ErrAlreadyRecording
	}
	if fp != nil {
		src.SetRecordFrameParameters(*fp)
	}
	t := &RecordTask{src: src, done: make(chan struct{})}
	started := make(chan error, 1)
	go func() {
		defer close(t.done)
		rec, err := src.StartRecording()
		started <- err
		if err != nil {
			t.err = err
			return
		}
		t.result, t.err = rec.Wait(context.Background())
		if err := src.StopRecording(RecordSyncTimeout); err != nil {
			log.Println(err)
		}
	}()
	if err := <-started; err != nil {
		<-t.done
		return nil, err
	}
	return t, nil
}

// Grab blocks until the record ends and returns one array per enabled channel
func (t *RecordTask) Grab() ([]*xdata.DataAndMetadata, error) {
	<-t.done
	return t.result, t.err
}

// Cancel aborts the record without waiting
func (t *RecordTask) Cancel() {
	t.src.AbortRecording()
}

// IsFinished is true once the record goroutine has exited
func (t *RecordTask) IsFinished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close aborts the record if it is still running and waits for the goroutine
// to exit
func (t *RecordTask) Close() error {
	if !t.IsFinished() {
		t.src.AbortRecording()
		<-t.done
	}
	return nil
}
