package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nasa-jpl/stemsync/geom"
)

type countingOwner struct {
	enters, exits int
}

func (o *countingOwner) EnterScanningState() { o.enters++ }
func (o *countingOwner) ExitScanningState()  { o.exits++ }

func smallTask(dev *MockDevice, owner ScanningStateOwner, continuous bool) *AcquisitionTask {
	fp := DefaultFrameParameters()
	fp.Size = geom.IntSize{H: 4, W: 6}
	return NewAcquisitionTask(TaskConfig{SourceID: "scan", DisplayName: "Scan", Continuous: continuous}, dev, nil, owner, fp)
}

func TestStartWithoutChannels(t *testing.T) {
	dev := NewMockDevice("A")
	dev.SetChannelEnabled(0, false)
	owner := &countingOwner{}
	task := smallTask(dev, owner, false)
	if err := task.Start(); !errors.Is(err, ErrNoChannelsEnabled) {
		t.Errorf("expected %v got %v", ErrNoChannelsEnabled, err)
	}
	if task.State() != Idle {
		t.Errorf("expected %v got %v", Idle, task.State())
	}
	if owner.enters != 0 {
		t.Errorf("expected the probe untouched, got %d enters", owner.enters)
	}
}

func TestAcquirePacing(t *testing.T) {
	dev := NewMockDevice("A")
	dev.RowsPerRead = 1
	task := smallTask(dev, nil, false)
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	defer task.Stop()
	ctx := context.Background()
	start := time.Now()
	if _, err := task.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := task.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < MinReadPeriod {
		t.Errorf("expected reads at least %v apart, got %v", MinReadPeriod, elapsed)
	}
}

func TestAcquireCanceledWhilePacedKeepsPosition(t *testing.T) {
	dev := NewMockDevice("A")
	dev.RowsPerRead = 1
	task := smallTask(dev, nil, false)
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	defer task.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := task.Acquire(ctx); err == nil {
		t.Fatal("expected an error from a canceled context")
	}
	elems, err := task.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(elems) != 1 {
		t.Fatalf("expected 1 element got %d", len(elems))
	}
	if h := elems[0].SubArea.Size.H; h != 2 {
		t.Errorf("expected the second read to continue the frame with 2 rows, got %d", h)
	}
}

func TestAcquireCompleteFrame(t *testing.T) {
	dev := NewMockDevice("A", "B")
	owner := &countingOwner{}
	task := smallTask(dev, owner, false)
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	elems, err := task.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(elems) != 2 {
		t.Fatalf("expected 2 elements got %d", len(elems))
	}
	e := elems[1]
	if e.ChannelID != "b" || e.ChannelName != "B" {
		t.Errorf("expected channel b/B got %v/%v", e.ChannelID, e.ChannelName)
	}
	if e.State != StateComplete || e.SectionState != StateComplete {
		t.Errorf("expected complete got %v %v", e.State, e.SectionState)
	}
	if e.ValidRows != 4 {
		t.Errorf("expected 4 valid rows got %d", e.ValidRows)
	}
	if got := e.XData.Data[7]; got != 1e6+7 {
		t.Errorf("expected %v got %v", 1e6+7, got)
	}
	props := e.XData.Metadata[MetadataHardwareSource].(map[string]interface{})
	if props["channel_id"] != "b" || props["hardware_source_id"] != "scan" {
		t.Errorf("unexpected properties %v", props)
	}
	if props["scan_id"] == "" {
		t.Error("expected a generated scan id")
	}
	task.Stop()
	if owner.enters != 1 || owner.exits != 1 {
		t.Errorf("expected one enter and one exit got %d %d", owner.enters, owner.exits)
	}
	if task.State() != Stopped {
		t.Errorf("expected %v got %v", Stopped, task.State())
	}
}

func TestAcquireSubscanChannelID(t *testing.T) {
	dev := NewMockDevice("A")
	fp := DefaultFrameParameters()
	fp.Size = geom.IntSize{H: 8, W: 8}
	fp = ApplySubscan(fp, &DefaultSubscanRegion, 0)
	task := NewAcquisitionTask(TaskConfig{SourceID: "scan"}, dev, nil, nil, fp)
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	defer task.Stop()
	elems, err := task.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elems[0].ChannelID != "a_subscan" {
		t.Errorf("expected %v got %v", "a_subscan", elems[0].ChannelID)
	}
	props := elems[0].XData.Metadata[MetadataHardwareSource].(map[string]interface{})
	if props["channel_id"] != "a_subscan" {
		t.Errorf("expected the resolved id in the properties, got %v", props["channel_id"])
	}
	if elems[0].DataShape != (geom.IntSize{H: 4, W: 4}) {
		t.Errorf("expected (4, 4) got %v", elems[0].DataShape)
	}
	// top left of the region is pixel (2, 2) of the 8x8 context
	if got := elems[0].XData.Data[0]; got != 2*8+2 {
		t.Errorf("expected %v got %v", 2*8+2, got)
	}
}

func TestSuspendResumeKeepsScanID(t *testing.T) {
	dev := NewMockDevice("A")
	dev.RowsPerRead = 1
	task := smallTask(dev, nil, true)
	if err := task.Start(); err != nil {
		t.Fatal(err)
	}
	defer task.Stop()
	elems, err := task.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	id := elems[0].XData.Metadata[MetadataHardwareSource].(map[string]interface{})["scan_id"]
	task.Suspend()
	if task.State() != Suspended {
		t.Errorf("expected %v got %v", Suspended, task.State())
	}
	if err := task.Resume(); err != nil {
		t.Fatal(err)
	}
	elems, err = task.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := elems[0].XData.Metadata[MetadataHardwareSource].(map[string]interface{})["scan_id"]; got != id {
		t.Errorf("expected %v got %v", id, got)
	}
}

func TestChannelID(t *testing.T) {
	if ChannelID(0) != "a" || ChannelID(7) != "h" || ChannelID(8) != "ch8" {
		t.Errorf("unexpected ids %v %v %v", ChannelID(0), ChannelID(7), ChannelID(8))
	}
}
