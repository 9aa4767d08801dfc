package scan

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/stemsync/geom"
)

// ErrClosed is returned by a MockDevice after Close
var ErrClosed = errors.New("device closed")

// MockDevice is an in-memory scan device.  Every pixel holds
//
//	channel*1e6 + row*W + col
//
// where row and col are pixel indices in the scan context (fp.Size) and W is
// the context width, so subscans and sections of the same area read back
// identical values.
type MockDevice struct {
	sync.Mutex

	// RowsPerRead is the number of rows returned by each partial read, zero
	// returns the whole frame at once
	RowsPerRead int

	// LineDelay is the time to scan one row
	LineDelay time.Duration

	// StopLatency is the time the device keeps scanning after Stop or Cancel
	StopLatency time.Duration

	// Flyback is the flyback pixel count reported for synchronized scans
	Flyback int

	// Autostem is reported with every buffer
	Autostem map[string]interface{}

	names    []string
	enabled  []bool
	profiles [ProfileCount]FrameParameters
	fp       FrameParameters

	frame      int
	rowsDone   int
	bufs       map[int][]float64
	scanning   bool
	continuous bool
	stopReq    bool
	canceled   bool
	cancelCh   chan struct{}
	idleAt     time.Time
	closed     bool

	onState func([]FrameParameters, []ChannelState)
	idle    geom.FloatPoint

	cancels, stops, prepares, saves int
	prepared                        FrameParameters
	exposureMS                      float64
}

// NewMockDevice returns a device with one channel per name, all enabled
func NewMockDevice(names ...string) *MockDevice {
	if len(names) == 0 {
		names = []string{"HAADF", "MAADF"}
	}
	m := &MockDevice{
		names:    append([]string(nil), names...),
		enabled:  make([]bool, len(names)),
		frame:    0,
		cancelCh: make(chan struct{}),
		idle:     geom.FloatPoint{Y: -1, X: -1},
		Autostem: map[string]interface{}{},
	}
	for i := range m.enabled {
		m.enabled[i] = true
	}
	for i := range m.profiles {
		m.profiles[i] = DefaultFrameParameters()
	}
	m.profiles[ProfileFocus].Size = geom.IntSize{H: 256, W: 256}
	m.profiles[ProfileRecord].Size = geom.IntSize{H: 1024, W: 1024}
	m.fp = DefaultFrameParameters()
	return m
}

func (m *MockDevice) ChannelCount() int {
	return len(m.names)
}

func (m *MockDevice) ChannelsEnabled() []bool {
	m.Lock()
	defer m.Unlock()
	return append([]bool(nil), m.enabled...)
}

func (m *MockDevice) SetChannelEnabled(index int, enabled bool) bool {
	m.Lock()
	defer m.Unlock()
	if index < 0 || index >= len(m.enabled) || m.enabled[index] == enabled {
		return false
	}
	m.enabled[index] = enabled
	return true
}

func (m *MockDevice) ChannelName(index int) string {
	if index < 0 || index >= len(m.names) {
		return ""
	}
	return m.names[index]
}

// StartFrame begins a frame with the last parameters set
func (m *MockDevice) StartFrame(continuous bool) (int, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return NoFrame, ErrClosed
	}
	m.canceled = false
	m.stopReq = false
	m.cancelCh = make(chan struct{})
	m.scanning = true
	m.continuous = continuous
	m.newFrame()
	return m.frame, nil
}

func (m *MockDevice) newFrame() {
	m.frame++
	m.rowsDone = 0
	m.bufs = map[int][]float64{}
	ps := m.fp.PixelShape()
	for i, e := range m.enabled {
		if e {
			m.bufs[i] = make([]float64, ps.Area())
		}
	}
}

// origin is the position of the frame's top left pixel in the scan context
func (m *MockDevice) origin() (int, int) {
	fp := m.fp
	if !fp.IsSubscan() {
		return 0, 0
	}
	ctx := fp.Size.Float()
	fs, fc := *fp.SubscanFractionalSize, *fp.SubscanFractionalCenter
	top := math.Round((fc.Y - fs.H/2) * ctx.H)
	left := math.Round((fc.X - fs.W/2) * ctx.W)
	return int(top), int(left)
}

// ReadPartial scans RowsPerRead rows of the current frame.  A canceled or
// stopped device returns no buffers.
func (m *MockDevice) ReadPartial(frame, pixelsToSkip int) (ReadResult, error) {
	m.Lock()
	if m.closed {
		m.Unlock()
		return ReadResult{}, ErrClosed
	}
	if m.canceled {
		m.Unlock()
		return ReadResult{NextFrame: NoFrame}, nil
	}
	if frame != m.frame || m.rowsDone >= m.fp.PixelShape().H {
		if m.stopReq || !m.scanning {
			m.Unlock()
			return ReadResult{NextFrame: NoFrame}, nil
		}
		m.newFrame()
	}
	ps := m.fp.PixelShape()
	n := m.RowsPerRead
	if n <= 0 || m.rowsDone+n > ps.H {
		n = ps.H - m.rowsDone
	}
	delay := time.Duration(n) * m.LineDelay
	cancel := m.cancelCh
	m.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-cancel:
			t.Stop()
			return ReadResult{NextFrame: NoFrame}, nil
		}
	}

	m.Lock()
	defer m.Unlock()
	if m.canceled {
		return ReadResult{NextFrame: NoFrame}, nil
	}
	top, left := m.origin()
	ctxW := m.fp.Size.W
	for ch, buf := range m.bufs {
		for r := m.rowsDone; r < m.rowsDone+n; r++ {
			for c := 0; c < ps.W; c++ {
				buf[r*ps.W+c] = float64(ch)*1e6 + float64((top+r)*ctxW+left+c)
			}
		}
	}
	m.rowsDone += n
	res := ReadResult{
		SubArea:   geom.RectFromTLHW(0, 0, m.rowsDone, ps.W),
		NextFrame: m.frame,
		Complete:  m.rowsDone == ps.H,
	}
	for ch := range m.enabled {
		buf, ok := m.bufs[ch]
		if !ok {
			continue
		}
		res.Buffers = append(res.Buffers, ChannelBuffer{
			ChannelIndex: ch,
			Data:         append([]float64(nil), buf...),
			Shape:        ps,
			Properties:   m.properties(ch),
		})
	}
	if res.Complete && (m.stopReq || !m.continuous) {
		m.scanning = false
		m.idleAt = time.Now().Add(m.StopLatency)
	}
	return res, nil
}

func (m *MockDevice) properties(ch int) map[string]interface{} {
	autostem := map[string]interface{}{}
	for k, v := range m.Autostem {
		autostem[k] = v
	}
	return map[string]interface{}{
		"channel_id":    ch,
		"pixel_time_us": m.fp.PixelTimeUS,
		"fov_nm":        m.fp.FOVNM,
		"center_x_nm":   m.fp.CenterNM.X,
		"center_y_nm":   m.fp.CenterNM.Y,
		"rotation_deg":  m.fp.RotationRad * 180 / math.Pi,
		"ac_line_sync":  m.fp.ACLineSync,
		"autostem":      autostem,
	}
}

// Cancel abandons the current frame and unblocks a pending read
func (m *MockDevice) Cancel() {
	m.Lock()
	defer m.Unlock()
	m.cancels++
	if !m.canceled {
		m.canceled = true
		close(m.cancelCh)
	}
	if m.scanning {
		m.scanning = false
		m.idleAt = time.Now().Add(m.StopLatency)
	}
}

// Stop lets the current frame finish and then stops
func (m *MockDevice) Stop() {
	m.Lock()
	defer m.Unlock()
	m.stops++
	m.stopReq = true
	if m.scanning && (m.rowsDone == 0 || m.rowsDone >= m.fp.PixelShape().H) {
		m.scanning = false
		m.idleAt = time.Now().Add(m.StopLatency)
	}
}

func (m *MockDevice) IsScanning() bool {
	m.Lock()
	defer m.Unlock()
	return m.scanning || time.Now().Before(m.idleAt)
}

func (m *MockDevice) SetFrameParameters(fp FrameParameters) error {
	if err := fp.Validate(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.fp = fp.Clone()
	return nil
}

// CurrentFrameParameters are the parameters last set
func (m *MockDevice) CurrentFrameParameters() FrameParameters {
	m.Lock()
	defer m.Unlock()
	return m.fp.Clone()
}

func (m *MockDevice) PrepareSynchronizedScan(fp FrameParameters, exposureMS float64) error {
	m.Lock()
	defer m.Unlock()
	m.prepares++
	m.prepared = fp.Clone()
	m.exposureMS = exposureMS
	return nil
}

// Prepared returns the parameters and exposure of the last synchronized prepare
func (m *MockDevice) Prepared() (FrameParameters, float64) {
	m.Lock()
	defer m.Unlock()
	return m.prepared.Clone(), m.exposureMS
}

func (m *MockDevice) FlybackPixels() int {
	m.Lock()
	defer m.Unlock()
	return m.Flyback
}

func (m *MockDevice) ProfileFrameParameters(profile int) FrameParameters {
	m.Lock()
	defer m.Unlock()
	if profile < 0 || profile >= ProfileCount {
		return DefaultFrameParameters()
	}
	return m.profiles[profile].Clone()
}

func (m *MockDevice) SetProfileFrameParameters(profile int, fp FrameParameters) {
	m.Lock()
	defer m.Unlock()
	if profile >= 0 && profile < ProfileCount {
		m.profiles[profile] = fp.Clone()
	}
}

func (m *MockDevice) SaveFrameParameters() error {
	m.Lock()
	defer m.Unlock()
	m.saves++
	return nil
}

func (m *MockDevice) OnStateChanged(fn func([]FrameParameters, []ChannelState)) {
	m.Lock()
	defer m.Unlock()
	m.onState = fn
}

// ChangeProfile changes a profile as if from the device's own front panel
// and reports the new state
func (m *MockDevice) ChangeProfile(profile int, fp FrameParameters) {
	m.Lock()
	if profile >= 0 && profile < ProfileCount {
		m.profiles[profile] = fp.Clone()
	}
	profiles := make([]FrameParameters, ProfileCount)
	for i := range profiles {
		profiles[i] = m.profiles[i].Clone()
	}
	channels := make([]ChannelState, len(m.names))
	for i := range channels {
		channels[i] = ChannelState{ID: ChannelID(i), Name: m.names[i], Enabled: m.enabled[i]}
	}
	fn := m.onState
	m.Unlock()
	if fn != nil {
		fn(profiles, channels)
	}
}

func (m *MockDevice) SetIdlePosition(y, x float64) {
	m.Lock()
	defer m.Unlock()
	m.idle = geom.FloatPoint{Y: y, X: x}
}

// IdlePosition is the last position passed to SetIdlePosition
func (m *MockDevice) IdlePosition() geom.FloatPoint {
	m.Lock()
	defer m.Unlock()
	return m.idle
}

// Counts returns the number of Cancel, Stop and PrepareSynchronizedScan calls
func (m *MockDevice) Counts() (cancels, stops, prepares int) {
	m.Lock()
	defer m.Unlock()
	return m.cancels, m.stops, m.prepares
}

// Saves is the number of SaveFrameParameters calls
func (m *MockDevice) Saves() int {
	m.Lock()
	defer m.Unlock()
	return m.saves
}

func (m *MockDevice) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	if !m.canceled {
		m.canceled = true
		close(m.cancelCh)
	}
	m.scanning = false
	return nil
}
