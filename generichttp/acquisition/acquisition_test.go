package acquisition_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/nasa-jpl/stemsync/detector"
	"github.com/nasa-jpl/stemsync/generichttp"
	"github.com/nasa-jpl/stemsync/generichttp/acquisition"
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/imgrec"
	"github.com/nasa-jpl/stemsync/scan"
	"github.com/nasa-jpl/stemsync/stem"
	"github.com/nasa-jpl/stemsync/synchro"
	"github.com/nasa-jpl/stemsync/xdata"
)

func newServer(t *testing.T, rec *imgrec.Recorder) (http.Handler, *scan.HardwareSource) {
	t.Helper()
	dev := scan.NewMockDevice("HAADF", "MAADF")
	dev.Flyback = 1
	src := scan.NewHardwareSource("scan0", "Scan", dev, stem.NewController(nil))
	t.Cleanup(func() { src.Close() })
	fp := scan.DefaultFrameParameters()
	fp.Size = geom.IntSize{H: 4, W: 4}
	if err := src.SetFrameParameters(scan.ProfileRecord, fp); err != nil {
		t.Fatal(err)
	}
	det := detector.NewMockDetector(geom.IntSize{H: 2, W: 2})
	h := acquisition.NewHTTPWrapper(src, synchro.New(src), det, rec, nil, acquisition.Config{
		Detector: detector.FrameParameters{ExposureMS: 1, Binning: 1},
	})
	r := chi.NewRouter()
	h.RT().Bind(r)
	return r, src
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestGrabOverHTTP(t *testing.T) {
	rec := imgrec.New(t.TempDir(), "grab")
	mux, _ := newServer(t, rec)
	w := do(mux, http.MethodPost, "/grab", `{"section_height": 2}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected %v got %v: %s", http.StatusOK, w.Code, w.Body.String())
	}
	reply := acquisition.GrabReply{}
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Aborted || reply.ScanID == "" {
		t.Errorf("unexpected reply %+v", reply)
	}
	if len(reply.Arrays) != 3 {
		t.Fatalf("expected two scan arrays and a detector array got %+v", reply.Arrays)
	}
	if d := reply.Arrays[2]; d.Name != "detector" || len(d.Shape) != 4 || d.Shape[1] != 4 {
		t.Errorf("unexpected detector array %+v", d)
	}
	for _, a := range reply.Arrays {
		if _, err := os.Stat(a.File); err != nil {
			t.Errorf("expected %s to be saved: %v", a.Name, err)
		}
	}

	w = do(mux, http.MethodGet, "/grab/result?channel=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected %v got %v: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/fits" {
		t.Errorf("expected image/fits got %v", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("SIMPLE")) {
		t.Error("expected a FITS primary header")
	}
	if w = do(mux, http.MethodGet, "/grab/result?channel=3", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected %v got %v", http.StatusBadRequest, w.Code)
	}
}

func TestResultBeforeGrab(t *testing.T) {
	mux, _ := newServer(t, nil)
	if w := do(mux, http.MethodGet, "/grab/result", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected %v got %v", http.StatusNotFound, w.Code)
	}
}

func TestGrabInfo(t *testing.T) {
	mux, _ := newServer(t, nil)
	w := do(mux, http.MethodPost, "/grab/info", `{"detector": {"exposure_ms": 1, "binning": 1, "processing": "sum_project"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected %v got %v: %s", http.StatusOK, w.Code, w.Body.String())
	}
	info := synchro.GrabInfo{}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.ScanSize != (geom.IntSize{H: 4, W: 4}) {
		t.Errorf("expected (4, 4) got %v", info.ScanSize)
	}
	if len(info.CameraReadoutSizeSqueezed) != 1 {
		t.Errorf("expected a squeezed readout got %v", info.CameraReadoutSizeSqueezed)
	}
}

func TestInvalidFrameParameters(t *testing.T) {
	mux, _ := newServer(t, nil)
	w := do(mux, http.MethodPost, "/frame-parameters?profile=0", `{"size": [0, 16]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected %v got %v", http.StatusBadRequest, w.Code)
	}
	w = do(mux, http.MethodPost, "/grab", `{"scan": {"size": [8, 8], "pixel_time_us": -1}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected %v got %v", http.StatusBadRequest, w.Code)
	}
}

func TestStopRecordWithoutRecord(t *testing.T) {
	mux, _ := newServer(t, nil)
	if w := do(mux, http.MethodPost, "/record/stop", ""); w.Code != http.StatusConflict {
		t.Errorf("expected %v got %v", http.StatusConflict, w.Code)
	}
}

func TestRecordFrame(t *testing.T) {
	mux, src := newServer(t, nil)
	w := do(mux, http.MethodGet, "/record/frame?channel=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected %v got %v: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if src.IsRecording() {
		t.Error("expected the record to be over")
	}
}

func TestSubscanRoutes(t *testing.T) {
	mux, src := newServer(t, nil)
	w := do(mux, http.MethodPost, "/subscan/region", `[[0.1, 0.2], [0.5, 0.25]]`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected %v got %v: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if r := src.SubscanRegion(); r == nil || r.Size != (geom.FloatSize{H: 0.5, W: 0.25}) {
		t.Errorf("unexpected region %v", r)
	}
	do(mux, http.MethodPost, "/subscan/region", `null`)
	if src.SubscanRegion() != nil || src.SubscanEnabled() {
		t.Error("expected null to clear the region")
	}
	w = do(mux, http.MethodGet, "/probe/state", "")
	got := generichttp.StrT{}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Str != scan.ProbeParked {
		t.Errorf("expected %v got %v", scan.ProbeParked, got.Str)
	}
}

func TestCards(t *testing.T) {
	xd := xdata.Zeros(2, 3)
	xd.DimensionalCalibrations[0] = xdata.Calibration{Offset: -4, Scale: 2, Units: "nm"}
	xd.Metadata[scan.MetadataHardwareSource] = map[string]interface{}{"scan_id": "abc"}
	names := map[string]interface{}{}
	for _, c := range acquisition.Cards(xd) {
		names[c.Name] = c.Value
	}
	if names["CDELT2"] != 2. || names["CUNIT2"] != "nm" {
		t.Errorf("expected the row calibration on FITS axis 2, got %v", names)
	}
	if names["SCANID"] != "abc" {
		t.Errorf("expected %v got %v", "abc", names["SCANID"])
	}
}
