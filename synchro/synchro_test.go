package synchro_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nasa-jpl/stemsync/detector"
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/scan"
	"github.com/nasa-jpl/stemsync/stem"
	"github.com/nasa-jpl/stemsync/synchro"
	"github.com/nasa-jpl/stemsync/xdata"
)

type rig struct {
	src  *scan.HardwareSource
	dev  *scan.MockDevice
	inst *stem.Controller
	det  *detector.MockDetector
	orch *synchro.Orchestrator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dev := scan.NewMockDevice("HAADF", "MAADF")
	inst := stem.NewController(map[string]interface{}{"high_tension_v": 200e3})
	src := scan.NewHardwareSource("scan0", "Scan", dev, inst)
	t.Cleanup(func() { src.Close() })
	return &rig{
		src:  src,
		dev:  dev,
		inst: inst,
		det:  detector.NewMockDetector(geom.IntSize{H: 4, W: 6}),
		orch: synchro.New(src),
	}
}

func (r *rig) request(size geom.IntSize, sectionHeight int) synchro.Request {
	fp := scan.DefaultFrameParameters()
	fp.Size = size
	return synchro.Request{
		ScanParameters:     fp,
		Detector:           r.det,
		DetectorParameters: detector.FrameParameters{ExposureMS: 2, Binning: 2},
		SectionHeight:      sectionHeight,
	}
}

func equalData(t *testing.T, what string, a, b *xdata.DataAndMetadata) {
	t.Helper()
	if len(a.Shape) != len(b.Shape) || len(a.Data) != len(b.Data) {
		t.Fatalf("%s: expected shape %v got %v", what, a.Shape, b.Shape)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("%s: pixel %d: expected %v got %v", what, i, a.Data[i], b.Data[i])
		}
	}
}

func TestSingleSectionMatchesRecord(t *testing.T) {
	r := newRig(t)
	size := geom.IntSize{H: 8, W: 8}
	res, err := r.orch.Grab(context.Background(), r.request(size, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || len(res.Scan) != 2 {
		t.Fatalf("expected two scan channels got %v", res)
	}

	fp := scan.DefaultFrameParameters()
	fp.Size = size
	task, err := scan.NewRecordTask(r.src, &fp)
	if err != nil {
		t.Fatal(err)
	}
	defer task.Close()
	plain, err := task.Grab()
	if err != nil {
		t.Fatal(err)
	}
	for ch := range plain {
		equalData(t, "channel", plain[ch], res.Scan[ch])
	}
}

func TestSectionsStitchLikeOne(t *testing.T) {
	r := newRig(t)
	size := geom.IntSize{H: 8, W: 8}
	one, err := r.orch.Grab(context.Background(), r.request(size, 0))
	if err != nil {
		t.Fatal(err)
	}
	three, err := r.orch.Grab(context.Background(), r.request(size, 3))
	if err != nil {
		t.Fatal(err)
	}
	for ch := range one.Scan {
		equalData(t, "scan", one.Scan[ch], three.Scan[ch])
	}
	if got := three.Detector[0].Shape; got[0] != 8 || got[1] != 8 {
		t.Errorf("expected detector collection shape [8 8] got %v", got)
	}
	prepares, begins, ends, _ := r.det.Counts()
	if prepares != 4 || begins != 4 || ends != 4 {
		t.Errorf("expected 4 prepares, begins and ends got %d %d %d", prepares, begins, ends)
	}
}

func TestDetectorFlybackCropped(t *testing.T) {
	r := newRig(t)
	r.dev.Flyback = 2
	res, err := r.orch.Grab(context.Background(), r.request(geom.IntSize{H: 4, W: 5}, 0))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Detector) != 1 {
		t.Fatalf("expected one detector array got %d", len(res.Detector))
	}
	d := res.Detector[0]
	want := []int{4, 5, 2, 3}
	for i := range want {
		if d.Shape[i] != want[i] {
			t.Fatalf("expected shape %v got %v", want, d.Shape)
		}
	}
	// first probe position after the two flyback columns of a 7 wide row
	if d.Data[0] != 2 {
		t.Errorf("expected %v got %v", 2, d.Data[0])
	}
	if len(d.DimensionalCalibrations) != 4 || d.DimensionalCalibrations[0].Units != "nm" || d.DimensionalCalibrations[3].Units != "px" {
		t.Errorf("unexpected calibrations %v", d.DimensionalCalibrations)
	}
	if _, ok := d.Metadata[scan.MetadataScanDetector]; !ok {
		t.Error("expected scan metadata on the detector data")
	}
	fp, exposure := r.dev.Prepared()
	if exposure != 2 || fp.ScanID == "" {
		t.Errorf("unexpected prepare %v %v", exposure, fp.ScanID)
	}
}

func TestAreaClamp(t *testing.T) {
	r := newRig(t)
	fp := scan.DefaultFrameParameters()
	fp.Size = geom.IntSize{H: 4096, W: 4096}
	info := r.orch.GetInfo(fp, r.det, detector.FrameParameters{ExposureMS: 1})
	if info.ScanSize.W != 4096 {
		t.Errorf("expected width %v got %v", 4096, info.ScanSize.W)
	}
	if info.ScanSize.Area() > synchro.MaxScanArea {
		t.Errorf("expected area at most %v got %v", synchro.MaxScanArea, info.ScanSize.Area())
	}
	if info.IsSubscan || info.FractionalArea != scan.FullFrame {
		t.Errorf("expected a full frame got %v", info.FractionalArea)
	}
}

func TestSubscanInfo(t *testing.T) {
	r := newRig(t)
	fp := scan.ApplySubscan(scan.DefaultFrameParameters(), &scan.DefaultSubscanRegion, 0)
	info := r.orch.GetInfo(fp, r.det, detector.FrameParameters{Processing: detector.ProcessingSumProject})
	if !info.IsSubscan || info.ChannelModifier != scan.SubscanModifier {
		t.Errorf("expected a subscan got %v %q", info.IsSubscan, info.ChannelModifier)
	}
	if info.ScanSize != (geom.IntSize{H: 256, W: 256}) {
		t.Errorf("expected (256, 256) got %v", info.ScanSize)
	}
	if len(info.CameraReadoutSizeSqueezed) != 1 || info.CameraReadoutSizeSqueezed[0] != 6 {
		t.Errorf("expected [6] got %v", info.CameraReadoutSizeSqueezed)
	}
}

func TestAbortAfterFirstSection(t *testing.T) {
	r := newRig(t)
	r.det.OnBegin = func(n int) {
		if n == 1 {
			r.orch.Abort()
		}
	}
	var states []bool
	l := r.orch.StateChanged.Listen(func(b bool) { states = append(states, b) })
	defer l.Close()
	res, err := r.orch.Grab(context.Background(), r.request(geom.IntSize{H: 9, W: 4}, 3))
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("expected no result got %v", res)
	}
	prepares, begins, ends, cancels := r.det.Counts()
	if prepares != 2 || begins != 2 || ends != 2 {
		t.Errorf("expected 2 prepares, begins and ends got %d %d %d", prepares, begins, ends)
	}
	if cancels == 0 {
		t.Error("expected the detector to be canceled")
	}
	if _, devStops, _ := r.dev.Counts(); devStops == 0 {
		t.Error("expected the scan device to be stopped")
	}
	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("expected [true false] got %v", states)
	}
	if r.inst.IsSynchronized() || r.orch.IsScanning() {
		t.Error("expected the synchronized state to be released")
	}
	if r.src.IsRecording() {
		t.Error("expected no record left running")
	}
}

func TestContextCancelWithMisbehavingDetector(t *testing.T) {
	r := newRig(t)
	r.det.IgnoreCancel = true
	r.det.RowsPerUpdate = 1
	r.det.Delay = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.det.OnBegin = func(int) { cancel() }
	res, err := r.orch.Grab(ctx, r.request(geom.IntSize{H: 32, W: 4}, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res != nil {
		t.Errorf("expected no result got %v", res)
	}
	if _, _, ends, _ := r.det.Counts(); ends != 1 {
		t.Errorf("expected 1 end got %d", ends)
	}
}

type failingDetector struct {
	*detector.MockDetector
}

var errDetector = errors.New("detector fault")

func (f failingDetector) AcquireSynchronizedContinue(time.Duration) (detector.PartialResult, error) {
	return detector.PartialResult{}, errDetector
}

func TestDetectorErrorReleasesState(t *testing.T) {
	r := newRig(t)
	r.det.RowsPerUpdate = 1
	var falses int
	l := r.orch.StateChanged.Listen(func(b bool) {
		if !b {
			falses++
		}
	})
	defer l.Close()
	req := r.request(geom.IntSize{H: 4, W: 4}, 0)
	req.Detector = failingDetector{r.det}
	res, err := r.orch.Grab(context.Background(), req)
	if !errors.Is(err, errDetector) {
		t.Errorf("expected %v got %v", errDetector, err)
	}
	if res != nil {
		t.Errorf("expected no result got %v", res)
	}
	if falses != 1 {
		t.Errorf("expected one state change to false got %d", falses)
	}
	if r.inst.IsSynchronized() {
		t.Error("expected the synchronized state to be released")
	}
	if _, _, ends, _ := r.det.Counts(); ends != 1 {
		t.Errorf("expected 1 end got %d", ends)
	}
}

type recordingChannel struct {
	mu      sync.Mutex
	states  []string
	periods int
}

func (c *recordingChannel) Start() {}
func (c *recordingChannel) Stop()  {}

func (c *recordingChannel) Update(data *xdata.DataAndMetadata, state string, fullShape geom.IntSize, dest, sub geom.IntRect, viewID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, state)
}

func (c *recordingChannel) UpdatePeriod() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.periods++
	return 10 * time.Millisecond
}

func TestDataChannelReceivesSections(t *testing.T) {
	r := newRig(t)
	r.det.RowsPerUpdate = 1
	ch := &recordingChannel{}
	req := r.request(geom.IntSize{H: 4, W: 4}, 2)
	req.DataChannel = ch
	res, err := r.orch.Grab(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Detector) != 0 {
		t.Errorf("expected no detector result with a data channel, got %d", len(res.Detector))
	}
	if len(res.Scan) != 2 {
		t.Errorf("expected 2 scan channels got %d", len(res.Scan))
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.states) != 4 {
		t.Fatalf("expected 4 updates got %v", ch.states)
	}
	for i, s := range ch.states {
		want := scan.StatePartial
		if i == len(ch.states)-1 {
			want = scan.StateComplete
		}
		if s != want {
			t.Errorf("update %d: expected %v got %v", i, want, s)
		}
	}
	if ch.periods != 1 {
		t.Errorf("expected the update period to be read once, got %d", ch.periods)
	}
}

func TestSectionHeightFor(t *testing.T) {
	if h := synchro.SectionHeightFor(geom.IntSize{H: 100, W: 50}, 1500); h != 30 {
		t.Errorf("expected %v got %v", 30, h)
	}
	if h := synchro.SectionHeightFor(geom.IntSize{H: 10, W: 10}, 1000); h != 0 {
		t.Errorf("expected %v got %v", 0, h)
	}
}

func TestGrabWaitingForInstrumentHonorsContext(t *testing.T) {
	r := newRig(t)
	if err := r.inst.EnterSynchronizedState(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.inst.ExitSynchronizedState()
	fired := 0
	l := r.orch.StateChanged.Listen(func(bool) { fired++ })
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := r.orch.Grab(ctx, r.request(geom.IntSize{H: 4, W: 4}, 0))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected %v got %v", context.DeadlineExceeded, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Grab to return once its context expired")
	}
	if fired != 0 {
		t.Errorf("expected no state change got %d", fired)
	}
}

func TestAbortWhileWaitingForInstrument(t *testing.T) {
	r := newRig(t)
	if err := r.inst.EnterSynchronizedState(context.Background()); err != nil {
		t.Fatal(err)
	}
	type outcome struct {
		res *synchro.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.orch.Grab(context.Background(), r.request(geom.IntSize{H: 4, W: 4}, 0))
		done <- outcome{res, err}
	}()
	deadline := time.After(2 * time.Second)
	var got outcome
wait:
	for {
		r.orch.Abort()
		select {
		case got = <-done:
			break wait
		case <-deadline:
			r.inst.ExitSynchronizedState()
			t.Fatal("expected Abort to release a waiting Grab")
		case <-time.After(10 * time.Millisecond):
		}
	}
	r.inst.ExitSynchronizedState()
	if got.res != nil || got.err != nil {
		t.Errorf("expected no result and no error got %v %v", got.res, got.err)
	}
	if r.inst.IsSynchronized() {
		t.Error("expected the instrument to be released")
	}
}

func TestWidthBeyondArea(t *testing.T) {
	r := newRig(t)
	res, err := r.orch.Grab(context.Background(), r.request(geom.IntSize{H: 2, W: synchro.MaxScanArea + 1}, 0))
	var cfgErr *scan.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected a configuration error got %v", err)
	}
	if res != nil {
		t.Errorf("expected no result got %v", res)
	}
}
