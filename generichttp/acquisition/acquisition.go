// Package acquisition provides an HTTP interface to a scan source and the
// synchronized acquisitions run on it.
//
// Parameters, channels, subscan and probe state are exposed as small JSON
// routes.  Frames and stitched results are served as FITS files, and are
// also written to disk when an active imgrec.Recorder is attached.
package acquisition

import (
	"context"
	"errors"
	"go/types"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nasa-jpl/stemsync/detector"
	"github.com/nasa-jpl/stemsync/generichttp"
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/imgrec"
	"github.com/nasa-jpl/stemsync/scan"
	"github.com/nasa-jpl/stemsync/synchro"
	"github.com/nasa-jpl/stemsync/xdata"
)

// FrameTimeout bounds the wait for a view or record frame served over HTTP
var FrameTimeout = 30 * time.Second

// GrabRequest is the body of POST /grab.  Absent fields take the wrapper's
// defaults: the record parameters, the configured detector parameters and
// section height.
type GrabRequest struct {
	Scan          *scan.FrameParameters     `json:"scan,omitempty"`
	Detector      *detector.FrameParameters `json:"detector,omitempty"`
	SectionHeight *int                      `json:"section_height,omitempty"`

	// Stream sends the detector data to the stream instead of keeping it
	Stream bool `json:"stream"`
}

// ArraySummary describes one array of a result
type ArraySummary struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	File  string `json:"file,omitempty"`
}

// GrabReply is the reply to POST /grab
type GrabReply struct {
	Aborted bool           `json:"aborted"`
	ScanID  string         `json:"scan_id,omitempty"`
	Arrays  []ArraySummary `json:"arrays,omitempty"`
}

// Config holds the defaults of a wrapper
type Config struct {
	Detector      detector.FrameParameters
	SectionHeight int
}

// HTTPWrapper exposes a scan source, its orchestrator and detector over HTTP
type HTTPWrapper struct {
	src    *scan.HardwareSource
	orch   *synchro.Orchestrator
	det    detector.Detector
	rec    *imgrec.Recorder
	stream synchro.DataChannel

	mu   sync.Mutex
	cfg  Config
	last []*xdata.DataAndMetadata

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper.  rec and stream may be nil.
func NewHTTPWrapper(src *scan.HardwareSource, orch *synchro.Orchestrator, det detector.Detector, rec *imgrec.Recorder, stream synchro.DataChannel, cfg Config) *HTTPWrapper {
	h := &HTTPWrapper{src: src, orch: orch, det: det, rec: rec, stream: stream, cfg: cfg}
	get := func(p string) generichttp.MethodPath { return generichttp.MethodPath{Method: http.MethodGet, Path: p} }
	post := func(p string) generichttp.MethodPath { return generichttp.MethodPath{Method: http.MethodPost, Path: p} }
	h.RouteTable = generichttp.RouteTable{
		get("/frame-parameters"):  h.getFrameParameters,
		post("/frame-parameters"): h.setFrameParameters,
		get("/profile"):           generichttp.GetInt(src.SelectedProfile),
		post("/profile"):          generichttp.SetInt(src.SetSelectedProfile),
		get("/frame-time"):        generichttp.GetFloat(src.CurrentFrameTime),
		get("/record/frame-time"): generichttp.GetFloat(src.RecordFrameTime),

		get("/channels"):  h.getChannels,
		post("/channels"): h.setChannels,

		get("/subscan/enabled"):   generichttp.GetBool(src.SubscanEnabled),
		post("/subscan/enabled"):  generichttp.SetBool(src.SetSubscanEnabled),
		get("/subscan/region"):    h.getSubscanRegion,
		post("/subscan/region"):   h.setSubscanRegion,
		get("/subscan/rotation"):  generichttp.GetFloat(src.SubscanRotation),
		post("/subscan/rotation"): generichttp.SetFloat(src.SetSubscanRotation),

		get("/probe/state"):     generichttp.GetString(src.ProbeState),
		get("/probe/position"):  h.getProbePosition,
		post("/probe/position"): h.setProbePosition,

		post("/view/start"):  h.startView,
		post("/view/stop"):   h.do(src.StopPlaying),
		post("/view/abort"):  h.do(src.AbortPlaying),
		get("/view/playing"): generichttp.GetBool(src.IsPlaying),
		get("/view/frame"):   h.viewFrame,

		post("/record/start"):    h.startRecord,
		post("/record/stop"):     h.stopRecord,
		post("/record/abort"):    h.do(src.AbortRecording),
		get("/record/recording"): generichttp.GetBool(src.IsRecording),
		get("/record/frame"):     h.recordFrame,

		post("/grab"):          h.grab,
		post("/grab/info"):     h.grabInfo,
		post("/grab/abort"):    h.do(orch.Abort),
		get("/grab/scanning"):  generichttp.GetBool(orch.IsScanning),
		get("/grab/progress"):  h.progress,
		get("/grab/result"):    h.result,
		get("/grab/defaults"):  h.getDefaults,
		post("/grab/defaults"): h.setDefaults,
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h *HTTPWrapper) do(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn()
		w.WriteHeader(http.StatusOK)
	}
}

// status maps an error to an HTTP status code
func status(err error) int {
	var cfgErr *scan.ConfigError
	switch {
	case errors.As(err, &cfgErr), errors.Is(err, scan.ErrNoChannelsEnabled):
		return http.StatusBadRequest
	case errors.Is(err, scan.ErrAlreadyRecording), errors.Is(err, scan.ErrNotRecording), errors.Is(err, scan.ErrNoView):
		return http.StatusConflict
	case errors.Is(err, scan.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPWrapper) getFrameParameters(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("profile")
	if p == "" {
		generichttp.ReplyJSON(w, h.src.CurrentFrameParameters())
		return
	}
	profile, err := strconv.Atoi(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fp, err := h.src.FrameParameters(profile)
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	generichttp.ReplyJSON(w, fp)
}

// setFrameParameters updates a profile when ?profile= is given, otherwise the
// current parameters
func (h *HTTPWrapper) setFrameParameters(w http.ResponseWriter, r *http.Request) {
	fp := scan.DefaultFrameParameters()
	if !generichttp.DecodeBody(w, r, &fp) {
		return
	}
	var err error
	if p := r.URL.Query().Get("profile"); p != "" {
		profile, perr := strconv.Atoi(p)
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		err = h.src.SetFrameParameters(profile, fp)
	} else {
		err = h.src.SetCurrentFrameParameters(fp)
	}
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) getChannels(w http.ResponseWriter, r *http.Request) {
	n := h.src.ChannelCount()
	out := make([]scan.ChannelState, 0, n)
	for i := 0; i < n; i++ {
		c, err := h.src.ChannelState(i)
		if err != nil {
			http.Error(w, err.Error(), status(err))
			return
		}
		out = append(out, c)
	}
	generichttp.ReplyJSON(w, out)
}

func (h *HTTPWrapper) setChannels(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Enabled []int `json:"enabled"`
	}{}
	if !generichttp.DecodeBody(w, r, &body) {
		return
	}
	for _, i := range body.Enabled {
		if i < 0 || i >= h.src.ChannelCount() {
			http.Error(w, "channel index out of range: "+strconv.Itoa(i), http.StatusBadRequest)
			return
		}
	}
	h.src.SetEnabledChannels(body.Enabled)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) getSubscanRegion(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyJSON(w, h.src.SubscanRegion())
}

// setSubscanRegion takes a rect, or null to clear the region
func (h *HTTPWrapper) setSubscanRegion(w http.ResponseWriter, r *http.Request) {
	var region *geom.FloatRect
	if !generichttp.DecodeBody(w, r, &region) {
		return
	}
	h.src.SetSubscanRegion(region)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) getProbePosition(w http.ResponseWriter, r *http.Request) {
	generichttp.ReplyJSON(w, h.src.ProbePosition())
}

// setProbePosition takes a point, or null to clear the position
func (h *HTTPWrapper) setProbePosition(w http.ResponseWriter, r *http.Request) {
	var p *geom.FloatPoint
	if !generichttp.DecodeBody(w, r, &p) {
		return
	}
	h.src.SetProbePosition(p)
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) startView(w http.ResponseWriter, r *http.Request) {
	if err := h.src.StartPlaying(); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// channelIndex parses ?channel=, zero when absent
func channelIndex(r *http.Request, n int) (int, error) {
	c := r.URL.Query().Get("channel")
	if c == "" {
		return 0, nil
	}
	i, err := strconv.Atoi(c)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= n {
		return 0, errors.New("channel index out of range: " + c)
	}
	return i, nil
}

// replyFits serves one array of data selected by ?channel=
func replyFits(w http.ResponseWriter, r *http.Request, data []*xdata.DataAndMetadata) {
	i, err := channelIndex(r, len(data))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hdr := w.Header()
	hdr.Set("Content-Type", "image/fits")
	hdr.Set("Content-Disposition", "attachment; filename=image.fits")
	if err := WriteFits(w, data[i]); err != nil {
		log.Println(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// viewFrame waits for the next view frame to finish, or with ?next=start for
// the next frame started after the request, and serves it as FITS
func (h *HTTPWrapper) viewFrame(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), FrameTimeout)
	defer cancel()
	var (
		data []*xdata.DataAndMetadata
		err  error
	)
	if r.URL.Query().Get("next") == "start" {
		data, err = h.src.GrabNextToStart(ctx)
	} else {
		data, err = h.src.GrabNextToFinish(ctx)
	}
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	replyFits(w, r, data)
}

func (h *HTTPWrapper) startRecord(w http.ResponseWriter, r *http.Request) {
	if _, err := h.src.StartRecording(); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) stopRecord(w http.ResponseWriter, r *http.Request) {
	if !h.src.IsRecording() {
		http.Error(w, scan.ErrNotRecording.Error(), status(scan.ErrNotRecording))
		return
	}
	if err := h.src.StopRecording(scan.RecordSyncTimeout); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// recordFrame records one frame with the record parameters and serves it
func (h *HTTPWrapper) recordFrame(w http.ResponseWriter, r *http.Request) {
	task, err := scan.NewRecordTask(h.src, nil)
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	defer task.Close()
	stop := context.AfterFunc(r.Context(), task.Cancel)
	defer stop()
	data, err := task.Grab()
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	replyFits(w, r, data)
}

// request builds a synchronized request from the body and the defaults
func (h *HTTPWrapper) request(w http.ResponseWriter, r *http.Request) (synchro.Request, bool) {
	body := GrabRequest{}
	if r.ContentLength != 0 && !generichttp.DecodeBody(w, r, &body) {
		return synchro.Request{}, false
	}
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()
	req := synchro.Request{
		ScanParameters:     h.src.RecordFrameParameters(),
		Detector:           h.det,
		DetectorParameters: cfg.Detector,
		SectionHeight:      cfg.SectionHeight,
	}
	if body.Scan != nil {
		req.ScanParameters = *body.Scan
	}
	if body.Detector != nil {
		req.DetectorParameters = *body.Detector
	}
	if body.SectionHeight != nil {
		req.SectionHeight = *body.SectionHeight
	}
	if body.Stream {
		if h.stream == nil {
			http.Error(w, "no stream is configured", http.StatusBadRequest)
			return synchro.Request{}, false
		}
		req.DataChannel = h.stream
	}
	return req, true
}

func (h *HTTPWrapper) grabInfo(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}
	if err := req.ScanParameters.Validate(); err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	generichttp.ReplyJSON(w, h.orch.GetInfo(req.ScanParameters, req.Detector, req.DetectorParameters))
}

// grab runs a synchronized acquisition for the duration of the request.  A
// client which goes away aborts it.
func (h *HTTPWrapper) grab(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}
	if req.DataChannel != nil {
		req.DataChannel.Start()
		defer req.DataChannel.Stop()
	}
	res, err := h.orch.Grab(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	if res == nil {
		generichttp.ReplyJSON(w, GrabReply{Aborted: true})
		return
	}
	arrays := append(append([]*xdata.DataAndMetadata{}, res.Scan...), res.Detector...)
	h.mu.Lock()
	h.last = arrays
	h.mu.Unlock()

	reply := GrabReply{}
	for i, xd := range arrays {
		name := "detector"
		if i < len(res.Scan) {
			name = "scan " + strconv.Itoa(i)
		}
		if props, ok := xd.Metadata[scan.MetadataHardwareSource].(map[string]interface{}); ok {
			if id, ok := props["scan_id"].(string); ok && reply.ScanID == "" {
				reply.ScanID = id
			}
		}
		sum := ArraySummary{Name: name, Shape: xd.Shape}
		if h.rec.Active() {
			fn, err := h.rec.Record(func(wr io.Writer) error { return WriteFits(wr, xd) })
			if err != nil {
				log.Printf("%s: autosave of %s failed: %v", h.src.ID, name, err)
			} else {
				sum.File = fn
			}
		}
		reply.Arrays = append(reply.Arrays, sum)
	}
	generichttp.ReplyJSON(w, reply)
}

func (h *HTTPWrapper) progress(w http.ResponseWriter, r *http.Request) {
	f, _ := h.orch.Progress()
	hp := generichttp.HumanPayload{T: types.Float64, Float: f}
	hp.EncodeAndRespond(w, r)
}

// result serves one array of the last completed grab, scan channels first
func (h *HTTPWrapper) result(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	last := h.last
	h.mu.Unlock()
	if len(last) == 0 {
		http.Error(w, "no synchronized acquisition has completed", http.StatusNotFound)
		return
	}
	replyFits(w, r, last)
}

func (h *HTTPWrapper) getDefaults(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	generichttp.ReplyJSON(w, GrabRequest{Detector: &h.cfg.Detector, SectionHeight: &h.cfg.SectionHeight})
}

// setDefaults replaces the default detector parameters and section height
func (h *HTTPWrapper) setDefaults(w http.ResponseWriter, r *http.Request) {
	body := GrabRequest{}
	if !generichttp.DecodeBody(w, r, &body) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if body.Detector != nil {
		h.cfg.Detector = *body.Detector
	}
	if body.SectionHeight != nil {
		h.cfg.SectionHeight = *body.SectionHeight
	}
	w.WriteHeader(http.StatusOK)
}
