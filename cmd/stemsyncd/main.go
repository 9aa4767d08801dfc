package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/stemsync/generichttp/acquisition"
	"github.com/nasa-jpl/stemsync/synchro"
	"github.com/nasa-jpl/stemsync/xdata"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "stemsyncd.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconf() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `stemsyncd runs synchronized scan and area detector acquisitions
and serves them over HTTP.

Usage:
	stemsyncd <command>

Commands:
	run
	grab
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `stemsyncd is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.
The command mkconf generates the configuration file with the default values.

run serves the scan source under Endpoint.  GET /endpoints lists every route.
While a synchronized acquisition runs, every route but the lock, the stream and
grab/abort, grab/progress and grab/scanning answers 423 Locked.

grab runs one synchronized acquisition with the record profile and the default
detector parameters, then writes each array as FITS under Recorder.Root.
Interrupt it with ctrl-C to abort.

SectionHeight splits a large acquisition into sections of that many rows.  When
zero, MaxSectionPositions bounds the probe positions of a section instead, and
zero for both acquires the scan in one section.

NATS.URL, when set, publishes a JSON message on NATS.Subject every time an
acquisition starts or ends.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconf()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconf()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("stemsyncd version %v\n", Version)
}

func run() {
	c := loadconf()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n := Build(c)
	defer n.Close()
	go n.Source.Run(ctx)

	srv := &http.Server{Addr: c.Addr, Handler: BuildMux(n, c)}
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		srv.Shutdown(shutdown)
	}()
	log.Println("now listening for requests at ", c.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// spin shows the progress of the running grab until done is closed
func spin(orch *synchro.Orchestrator, done <-chan struct{}) *yacspin.Spinner {
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " grab",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Printf("no spinner: %v", err)
		return nil
	}
	if err := spinner.Start(); err != nil {
		log.Printf("no spinner: %v", err)
		return nil
	}
	start := time.Now()
	go func() {
		tick := time.NewTicker(200 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				f, _ := orch.Progress()
				spinner.Message(fmt.Sprintf("%3.0f%% of sections, %v", f*100, time.Since(start).Round(100*time.Millisecond)))
			}
		}
	}()
	return spinner
}

func grab() {
	c := loadconf()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n := Build(c)
	defer n.Close()
	go n.Source.Run(ctx)

	fp := n.Source.RecordFrameParameters()
	req := synchro.Request{
		ScanParameters:     fp,
		Detector:           n.Detector,
		DetectorParameters: c.Detector.Parameters,
		SectionHeight:      c.sectionHeight(fp.Size),
	}
	info := n.Orch.GetInfo(fp, n.Detector, c.Detector.Parameters)
	log.Printf("grabbing %v probe positions of %v pixels", info.ScanSize, info.CameraReadoutSize)

	done := make(chan struct{})
	spinner := spin(n.Orch, done)
	res, err := n.Orch.Grab(ctx, req)
	close(done)
	if spinner != nil {
		if err != nil || res == nil {
			spinner.StopFail()
		} else {
			spinner.Stop()
		}
	}
	if err != nil {
		log.Fatal(err)
	}
	if res == nil {
		log.Println("grab aborted")
		return
	}
	if !n.Recorder.Active() {
		log.Println("Recorder.Root is not set, nothing written")
		return
	}
	arrays := append(append([]*xdata.DataAndMetadata{}, res.Scan...), res.Detector...)
	for _, xd := range arrays {
		fn, err := n.Recorder.Record(func(w io.Writer) error { return acquisition.WriteFits(w, xd) })
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %v to %s", xd.Shape, fn)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "grab":
		grab()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
