// Package imgrec contains an image recorder used to automatically save acquisition results to disk.
package imgrec

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/stemsync/generichttp"
)

// Recorder records files with incrementing names in yyyy-mm-dd subfolders.
// It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex

	// counter is the next file number, zero until the folder was scanned
	counter int

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled is a flag unused by this struct that allows consumers to disable its use in their code
	Enabled bool

	// now is swapped in tests
	now func() time.Time
}

// New returns an enabled recorder writing below root
func New(root, prefix string) *Recorder {
	return &Recorder{Root: root, Prefix: prefix, Enabled: root != ""}
}

// Active is true when the recorder is enabled and has a root
func (r *Recorder) Active() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled && r.Root != ""
}

func (r *Recorder) folder() string {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	return filepath.Join(r.Root, now().Format("2006-01-02"))
}

// scan returns one more than the highest file number in fldr
func (r *Recorder) scan(fldr string) int {
	files, err := os.ReadDir(fldr)
	if err != nil {
		return 1
	}
	count := 0
	for _, file := range files {
		fn := file.Name()
		if file.IsDir() || !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits"))
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count + 1
}

// Record creates the next file and calls write with it.  The path of the new
// file is returned.  A failed write leaves the partial file on disk and does
// not consume the file number.
func (r *Recorder) Record(write func(io.Writer) error) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fldr := r.folder()
	if err := os.MkdirAll(fldr, 0777); err != nil {
		return "", err
	}
	if r.counter == 0 {
		r.counter = r.scan(fldr)
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	f, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	if err := write(f); err != nil {
		f.Close()
		return fn, err
	}
	if err := f.Close(); err != nil {
		return fn, err
	}
	r.counter++
	return fn, nil
}

func (r *Recorder) setRoot(root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Root = root
	r.counter = 0
	return os.MkdirAll(r.folder(), 0777)
}

func (r *Recorder) setPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Prefix = prefix
	r.counter = 0
}

func (r *Recorder) setEnabled(b bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Enabled = b
}

func (r *Recorder) get(fn func(*Recorder) string) func() string {
	return func() string {
		r.mu.Lock()
		defer r.mu.Unlock()
		return fn(r)
	}
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	if !generichttp.DecodeBody(w, r, &str) {
		return
	}
	if err := h.Recorder.setRoot(str.Str); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetPrefix updates the filename prefix of the recorder
func (h HTTPWrapper) SetPrefix(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	if !generichttp.DecodeBody(w, r, &str) {
		return
	}
	h.Recorder.setPrefix(str.Str)
	w.WriteHeader(http.StatusOK)
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and /autowrite/enabled to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rec := h.Recorder
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = h.SetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = generichttp.GetString(rec.get(func(r *Recorder) string { return r.Root }))
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = h.SetPrefix
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = generichttp.GetString(rec.get(func(r *Recorder) string { return r.Prefix }))
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(rec.setEnabled)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = generichttp.GetBool(rec.Active)
}
