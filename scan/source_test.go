package scan_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/scan"
	"github.com/nasa-jpl/stemsync/stem"
	"github.com/nasa-jpl/stemsync/xdata"
)

func newSource(t *testing.T, size geom.IntSize) (*scan.HardwareSource, *scan.MockDevice, *stem.Controller) {
	t.Helper()
	dev := scan.NewMockDevice("HAADF", "MAADF")
	inst := stem.NewController(map[string]interface{}{"high_tension_v": 200e3})
	src := scan.NewHardwareSource("scan0", "Scan", dev, inst)
	for p := 0; p < scan.ProfileCount; p++ {
		fp := scan.DefaultFrameParameters()
		fp.Size = size
		if err := src.SetFrameParameters(p, fp); err != nil {
			t.Fatal(err)
		}
	}
	t.Cleanup(func() { src.Close() })
	return src, dev, inst
}

func TestRecordTaskGrab(t *testing.T) {
	src, _, inst := newSource(t, geom.IntSize{H: 8, W: 8})
	task, err := scan.NewRecordTask(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer task.Close()
	data, err := task.Grab()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 {
		t.Fatalf("expected 2 channels got %d", len(data))
	}
	for ch, xd := range data {
		if xd.Shape[0] != 8 || xd.Shape[1] != 8 {
			t.Errorf("expected shape [8 8] got %v", xd.Shape)
		}
		for i, v := range xd.Data {
			if want := float64(ch)*1e6 + float64(i); v != want {
				t.Errorf("channel %d pixel %d: expected %v got %v", ch, i, want, v)
				break
			}
		}
	}
	if !task.IsFinished() {
		t.Error("expected the task to be finished after Grab")
	}
	if src.IsRecording() {
		t.Error("expected the record to be over")
	}
	if inst.ProbeState() != scan.ProbeParked {
		t.Errorf("expected %v got %v", scan.ProbeParked, inst.ProbeState())
	}
}

func TestRecordTaskCloseBeforeGrab(t *testing.T) {
	src, dev, _ := newSource(t, geom.IntSize{H: 256, W: 16})
	dev.RowsPerRead = 1
	dev.LineDelay = 5 * time.Millisecond
	task, err := scan.NewRecordTask(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	task.Close()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("close took %v", elapsed)
	}
	if !task.IsFinished() {
		t.Error("expected the record goroutine to have exited")
	}
	if src.IsRecording() {
		t.Error("expected the record to be over")
	}
	if _, err := task.Grab(); !errors.Is(err, scan.ErrAborted) {
		t.Errorf("expected %v got %v", scan.ErrAborted, err)
	}
}

func TestRecordTaskWhileRecording(t *testing.T) {
	src, dev, _ := newSource(t, geom.IntSize{H: 256, W: 16})
	dev.RowsPerRead = 1
	dev.LineDelay = 5 * time.Millisecond
	task, err := scan.NewRecordTask(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer task.Close()
	if _, err := scan.NewRecordTask(src, nil); !errors.Is(err, scan.ErrAlreadyRecording) {
		t.Errorf("expected %v got %v", scan.ErrAlreadyRecording, err)
	}
}

func TestRecordProfileFollowsProfileTwo(t *testing.T) {
	src, _, _ := newSource(t, geom.IntSize{H: 8, W: 8})
	fp := scan.DefaultFrameParameters()
	fp.Size = geom.IntSize{H: 32, W: 64}
	if err := src.SetFrameParameters(scan.ProfileRecord, fp); err != nil {
		t.Fatal(err)
	}
	if got := src.RecordFrameParameters().Size; got != fp.Size {
		t.Errorf("expected %v got %v", fp.Size, got)
	}
	if got := src.CurrentFrameParameters().Size; got != (geom.IntSize{H: 8, W: 8}) {
		t.Errorf("expected the current parameters untouched, got %v", got)
	}
	fp.FOVNM = 0
	if err := src.SetFrameParameters(scan.ProfileRecord, fp); err == nil {
		t.Error("expected invalid parameters to be rejected")
	}
}

func TestDeviceStateChangeIsQueued(t *testing.T) {
	src, dev, _ := newSource(t, geom.IntSize{H: 8, W: 8})
	changed := 0
	l := src.FrameParametersChanged.Listen(func(scan.ProfileParameters) { changed++ })
	defer l.Close()
	fp := scan.DefaultFrameParameters()
	fp.Size = geom.IntSize{H: 16, W: 16}
	dev.ChangeProfile(0, fp)
	if changed != 0 {
		t.Errorf("expected no notification before the queue runs, got %d", changed)
	}
	src.Periodic()
	if changed == 0 {
		t.Error("expected a notification after the queue ran")
	}
	if got := src.CurrentFrameParameters().Size; got != fp.Size {
		t.Errorf("expected %v got %v", fp.Size, got)
	}
}

func TestChannelStateChanges(t *testing.T) {
	src, _, _ := newSource(t, geom.IntSize{H: 8, W: 8})
	var got []scan.ChannelStateChange
	l := src.ChannelStateChanged.Listen(func(c scan.ChannelStateChange) { got = append(got, c) })
	defer l.Close()
	src.SetEnabledChannels([]int{1})
	src.Periodic()
	if en := src.EnabledChannels(); len(en) != 1 || en[0] != 1 {
		t.Errorf("expected [1] got %v", en)
	}
	if len(got) == 0 || got[0].Enabled {
		t.Errorf("expected channel a reported disabled, got %v", got)
	}
	c, err := src.DataChannelState(3)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != "b_subscan" || c.Name != "MAADF SubScan" || c.Enabled {
		t.Errorf("unexpected subscan channel %v", c)
	}
}

func TestMakeReferenceKey(t *testing.T) {
	src, _, _ := newSource(t, geom.IntSize{H: 8, W: 8})
	cases := []struct {
		channel int
		subscan bool
		ref     string
		want    string
	}{
		{-1, false, "", "scan0"},
		{1, false, "", "scan0_b"},
		{1, true, "", "scan0_b_subscan"},
		{1, true, "drift", "scan0_drift"},
	}
	for _, c := range cases {
		if got := src.MakeReferenceKey(c.channel, c.subscan, c.ref); got != c.want {
			t.Errorf("expected %v got %v", c.want, got)
		}
	}
}

func TestProbePositionForwarded(t *testing.T) {
	src, dev, inst := newSource(t, geom.IntSize{H: 8, W: 8})
	inst.SetProbePosition(&geom.FloatPoint{Y: 0.25, X: 3})
	want := geom.FloatPoint{Y: 0.25, X: 1}
	if got := dev.IdlePosition(); got != want {
		t.Errorf("expected %v got %v", want, got)
	}
	inst.SetProbePosition(nil)
	if got := src.LastIdlePosition(); got != (geom.FloatPoint{Y: -1, X: -1}) {
		t.Errorf("expected (-1, -1) got %v", got)
	}
}

func TestSubscanAppliedToCurrent(t *testing.T) {
	src, _, inst := newSource(t, geom.IntSize{H: 64, W: 64})
	inst.EnterScanningState()
	inst.ExitScanningState()
	src.SetSubscanEnabled(true)
	fp := src.CurrentFrameParameters()
	if !fp.IsSubscan() || *fp.SubscanPixelSize != (geom.IntSize{H: 32, W: 32}) {
		t.Errorf("expected a 32x32 subscan got %v", fp)
	}
	src.SetSubscanRegion(nil)
	if src.SubscanEnabled() || src.CurrentFrameParameters().IsSubscan() {
		t.Error("expected clearing the region to disable the subscan")
	}
	if !inst.ScanContext().IsValid() {
		t.Error("expected disabling the subscan to refresh the scan context")
	}
}

func TestViewGrabNextToFinish(t *testing.T) {
	src, _, inst := newSource(t, geom.IntSize{H: 8, W: 8})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := src.GrabNextToFinish(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2 {
		t.Errorf("expected 2 channels got %d", len(data))
	}
	if !src.IsPlaying() {
		t.Error("expected the view to keep playing")
	}
	if inst.ProbeState() != scan.ProbeScanning {
		t.Errorf("expected %v got %v", scan.ProbeScanning, inst.ProbeState())
	}
	if !inst.ScanContext().IsValid() {
		t.Error("expected a full frame view to set the scan context")
	}
	src.AbortPlaying()
	if src.IsPlaying() {
		t.Error("expected the view to be stopped")
	}
	if inst.ProbeState() != scan.ProbeParked {
		t.Errorf("expected %v got %v", scan.ProbeParked, inst.ProbeState())
	}
}

func TestRecordSuspendsView(t *testing.T) {
	src, _, _ := newSource(t, geom.IntSize{H: 8, W: 8})
	if err := src.StartPlaying(); err != nil {
		t.Fatal(err)
	}
	task, err := scan.NewRecordTask(src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := task.Grab(); err != nil {
		t.Fatal(err)
	}
	task.Close()
	deadline := time.Now().Add(2 * time.Second)
	for !src.IsPlaying() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !src.IsPlaying() {
		t.Error("expected the view to resume after the record")
	}
}

func TestRecordAsync(t *testing.T) {
	src, _, _ := newSource(t, geom.IntSize{H: 4, W: 4})
	done := make(chan int, 1)
	src.RecordAsync(func(data []*xdata.DataAndMetadata, err error) {
		if err != nil {
			t.Error(err)
		}
		done <- len(data)
	})
	select {
	case n := <-done:
		if n != 2 {
			t.Errorf("expected 2 channels got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("record did not finish")
	}
}

func TestStopPlayingEndsView(t *testing.T) {
	src, _, inst := newSource(t, geom.IntSize{H: 8, W: 8})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := src.GrabNextToFinish(ctx); err != nil {
		t.Fatal(err)
	}
	src.StopPlaying()
	deadline := time.Now().Add(3 * time.Second)
	for src.IsPlaying() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if src.IsPlaying() {
		t.Fatal("expected the view to end after StopPlaying")
	}
	if inst.ProbeState() != scan.ProbeParked {
		t.Errorf("expected %v got %v", scan.ProbeParked, inst.ProbeState())
	}
}
