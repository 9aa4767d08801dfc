package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/stemsync/detector"
	"github.com/nasa-jpl/stemsync/event"
	"github.com/nasa-jpl/stemsync/generichttp"
	"github.com/nasa-jpl/stemsync/generichttp/acquisition"
	"github.com/nasa-jpl/stemsync/generichttp/stream"
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/imgrec"
	"github.com/nasa-jpl/stemsync/notify"
	"github.com/nasa-jpl/stemsync/scan"
	"github.com/nasa-jpl/stemsync/server/middleware/locker"
	"github.com/nasa-jpl/stemsync/stem"
	"github.com/nasa-jpl/stemsync/synchro"
	"github.com/nasa-jpl/stemsync/util"
)

// ScanSetup configures the scan device
type ScanSetup struct {
	// ID is the hardware source id, used in channel ids and reference keys
	ID string `koanf:"ID" yaml:"ID"`

	// Name is the display name
	Name string `koanf:"Name" yaml:"Name"`

	// Channels holds one name per device channel
	Channels []string `koanf:"Channels" yaml:"Channels"`

	// Height and Width are the record profile pixel size
	Height int `koanf:"Height" yaml:"Height"`
	Width  int `koanf:"Width" yaml:"Width"`

	// FOVNM is the record profile field of view
	FOVNM float64 `koanf:"FOVNM" yaml:"FOVNM"`

	// PixelTimeUS is the record profile dwell time
	PixelTimeUS float64 `koanf:"PixelTimeUS" yaml:"PixelTimeUS"`

	// FlybackPixels is the number of extra columns per line in a synchronized scan
	FlybackPixels int `koanf:"FlybackPixels" yaml:"FlybackPixels"`

	// RowsPerRead is the number of rows returned by each partial read, zero for whole frames
	RowsPerRead int `koanf:"RowsPerRead" yaml:"RowsPerRead"`

	// LineDelayMS is the simulated time to scan one row
	LineDelayMS float64 `koanf:"LineDelayMS" yaml:"LineDelayMS"`

	// StopLatencyMS is the simulated time the device keeps scanning after a stop
	StopLatencyMS float64 `koanf:"StopLatencyMS" yaml:"StopLatencyMS"`
}

// DetectorSetup configures the area detector
type DetectorSetup struct {
	Name string `koanf:"Name" yaml:"Name"`

	// ReadoutHeight and ReadoutWidth are the unbinned readout size
	ReadoutHeight int `koanf:"ReadoutHeight" yaml:"ReadoutHeight"`
	ReadoutWidth  int `koanf:"ReadoutWidth" yaml:"ReadoutWidth"`

	// RowsPerUpdate is the number of scan rows delivered per partial result
	RowsPerUpdate int `koanf:"RowsPerUpdate" yaml:"RowsPerUpdate"`

	// Parameters are the default acquisition parameters
	Parameters detector.FrameParameters `koanf:"Parameters" yaml:"Parameters"`
}

// RecorderSetup configures autosave of results
type RecorderSetup struct {
	// Root is the root folder to write to, empty to disable autosave
	Root string `koanf:"Root" yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `koanf:"Prefix" yaml:"Prefix"`
}

// StreamSetup configures the websocket stream
type StreamSetup struct {
	// UpdatePeriodS is the detector update period while streaming
	UpdatePeriodS float64 `koanf:"UpdatePeriodS" yaml:"UpdatePeriodS"`
}

// NATSSetup configures state change notifications
type NATSSetup struct {
	// URL of the NATS server, empty to disable notifications
	URL string `koanf:"URL" yaml:"URL"`

	Subject string `koanf:"Subject" yaml:"Subject"`

	// ConnectTimeoutS bounds the retries of the first connection
	ConnectTimeoutS float64 `koanf:"ConnectTimeoutS" yaml:"ConnectTimeoutS"`
}

// Config is the whole configuration of the server
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Endpoint is the URL the scan source is served under
	Endpoint string `koanf:"Endpoint" yaml:"Endpoint"`

	// SectionHeight is the default rows per section of a synchronized
	// acquisition, zero to derive it from MaxSectionPositions
	SectionHeight int `koanf:"SectionHeight" yaml:"SectionHeight"`

	// MaxSectionPositions bounds the probe positions of one section when
	// SectionHeight is zero, zero for a single section
	MaxSectionPositions int `koanf:"MaxSectionPositions" yaml:"MaxSectionPositions"`

	Scan     ScanSetup              `koanf:"Scan" yaml:"Scan"`
	Detector DetectorSetup          `koanf:"Detector" yaml:"Detector"`
	Autostem map[string]interface{} `koanf:"Autostem" yaml:"Autostem"`
	Recorder RecorderSetup          `koanf:"Recorder" yaml:"Recorder"`
	Stream   StreamSetup            `koanf:"Stream" yaml:"Stream"`
	NATS     NATSSetup              `koanf:"NATS" yaml:"NATS"`
}

// DefaultConfig is the configuration used when no file is present
func DefaultConfig() Config {
	return Config{
		Addr:     ":8000",
		Endpoint: "stem/scan",
		Scan: ScanSetup{
			ID:          "scan0",
			Name:        "Scan",
			Channels:    []string{"HAADF", "MAADF"},
			Height:      256,
			Width:       256,
			FOVNM:       8,
			PixelTimeUS: 10,
			RowsPerRead: 16,
		},
		Detector: DetectorSetup{
			Name:          "Mock Detector",
			ReadoutHeight: 128,
			ReadoutWidth:  128,
			Parameters:    detector.FrameParameters{ExposureMS: 1, Binning: 1},
		},
		Autostem: map[string]interface{}{"high_tension_v": 200e3},
		Recorder: RecorderSetup{Prefix: "stem"},
		Stream:   StreamSetup{UpdatePeriodS: 1},
		NATS:     NATSSetup{Subject: "stemsync.state", ConnectTimeoutS: 3},
	}
}

// Node is one scan source and everything attached to it
type Node struct {
	Source     *scan.HardwareSource
	Instrument *stem.Controller
	Detector   detector.Detector
	Orch       *synchro.Orchestrator
	Recorder   *imgrec.Recorder
	Hub        *stream.Hub
	Publisher  *notify.Publisher

	listeners []*event.Listener
}

// Build constructs a node from c.  A NATS server that cannot be reached is
// logged and notifications are disabled.
func Build(c Config) *Node {
	dev := scan.NewMockDevice(c.Scan.Channels...)
	dev.Flyback = c.Scan.FlybackPixels
	dev.RowsPerRead = c.Scan.RowsPerRead
	dev.LineDelay = util.SecsToDuration(c.Scan.LineDelayMS / 1e3)
	dev.StopLatency = util.SecsToDuration(c.Scan.StopLatencyMS / 1e3)
	if c.Autostem != nil {
		dev.Autostem = c.Autostem
	}

	inst := stem.NewController(c.Autostem)
	src := scan.NewHardwareSource(c.Scan.ID, c.Scan.Name, dev, inst)
	fp := scan.DefaultFrameParameters()
	fp.Size = geom.IntSize{H: c.Scan.Height, W: c.Scan.Width}
	fp.FOVNM = c.Scan.FOVNM
	fp.PixelTimeUS = c.Scan.PixelTimeUS
	if err := src.SetFrameParameters(scan.ProfileRecord, fp); err != nil {
		log.Printf("record profile from config ignored: %v", err)
	}

	det := detector.NewMockDetector(geom.IntSize{H: c.Detector.ReadoutHeight, W: c.Detector.ReadoutWidth})
	det.Name = c.Detector.Name
	det.RowsPerUpdate = c.Detector.RowsPerUpdate

	n := &Node{
		Source:     src,
		Instrument: inst,
		Detector:   det,
		Orch:       synchro.New(src),
		Recorder:   imgrec.New(c.Recorder.Root, c.Recorder.Prefix),
		Hub:        stream.NewHub(util.SecsToDuration(c.Stream.UpdatePeriodS)),
	}
	if c.NATS.URL != "" {
		p, err := notify.Connect(c.NATS.URL, c.NATS.Subject, c.Scan.ID, util.SecsToDuration(c.NATS.ConnectTimeoutS))
		if err != nil {
			log.Printf("notifications disabled: %v", err)
		} else {
			n.Publisher = p
			n.listeners = append(n.listeners, p.Follow(&n.Orch.StateChanged))
		}
	}
	return n
}

// sectionHeight is the configured section height for a request of scanSize
func (c Config) sectionHeight(scanSize geom.IntSize) int {
	if c.SectionHeight > 0 {
		return c.SectionHeight
	}
	return synchro.SectionHeightFor(scanSize, c.MaxSectionPositions)
}

// Close releases everything the node holds
func (n *Node) Close() {
	for _, l := range n.listeners {
		l.Close()
	}
	n.Hub.Close()
	if n.Publisher != nil {
		if err := n.Publisher.Close(); err != nil {
			log.Println(err)
		}
	}
	if err := n.Source.Close(); err != nil {
		log.Println(err)
	}
}

// BuildMux serves the node under c.Endpoint.  The node's routes answer 423
// while a synchronized acquisition runs or the lock is set by hand.  The
// root serves /endpoints, a JSON map of every route.
func BuildMux(n *Node, c Config) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	rec := n.Source.RecordFrameParameters()
	httper := acquisition.NewHTTPWrapper(n.Source, n.Orch, n.Detector, n.Recorder, n.Hub, acquisition.Config{
		Detector:      c.Detector.Parameters,
		SectionHeight: c.sectionHeight(rec.Size),
	})
	imgrec.NewHTTPWrapper(n.Recorder).Inject(httper)
	n.Hub.Inject(httper)

	lock := locker.New()
	lock.DoNotProtect = append(lock.DoNotProtect, "grab/abort", "grab/progress", "grab/scanning", "stream")
	n.listeners = append(n.listeners, lock.Follow(&n.Orch.StateChanged))
	locker.Inject(httper, lock)

	hndlS := generichttp.SubMuxSanitize(c.Endpoint)
	supergraph := map[string][]string{hndlS: httper.RT().Endpoints()}

	r := chi.NewRouter()
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(hndlS, r)

	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
