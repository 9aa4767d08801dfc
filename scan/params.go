package scan

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/util"
)

// external clock modes
const (
	ExternalClockOff = iota
	ExternalClockRising
	ExternalClockFalling
)

// acquisition states attached to data elements
const (
	StatePartial  = "partial"
	StateComplete = "complete"
)

// SubscanModifier is the channel modifier used for subscan data
const SubscanModifier = "subscan"

// FrameParameters describe one scan request.  Treat values as immutable;
// every mutator in this package returns a modified copy.
//
// The subscan fields are either all nil (no subscan) or all set.  The section
// fields are only set on the per-section copies built for a synchronized
// acquisition.
type FrameParameters struct {
	Size        geom.IntSize    `json:"size"`
	CenterNM    geom.FloatPoint `json:"center_nm"`
	FOVSizeNM   *geom.FloatSize `json:"fov_size_nm,omitempty"`
	PixelTimeUS float64         `json:"pixel_time_us"`
	FOVNM       float64         `json:"fov_nm"`
	RotationRad float64         `json:"rotation_rad"`

	SubscanPixelSize        *geom.IntSize    `json:"subscan_pixel_size,omitempty"`
	SubscanFractionalSize   *geom.FloatSize  `json:"subscan_fractional_size,omitempty"`
	SubscanFractionalCenter *geom.FloatPoint `json:"subscan_fractional_center,omitempty"`
	SubscanRotation         float64          `json:"subscan_rotation,omitempty"`
	ChannelModifier         string           `json:"channel_modifier,omitempty"`

	ExternalClockWaitTimeMS float64 `json:"external_clock_wait_time_ms"`
	ExternalClockMode       int     `json:"external_clock_mode"`
	ACLineSync              bool    `json:"ac_line_sync"`
	ACFrameSync             bool    `json:"ac_frame_sync"`
	FlybackTimeUS           float64 `json:"flyback_time_us"`

	ScanID            string         `json:"scan_id,omitempty"`
	SectionRect       *geom.IntRect  `json:"section_rect,omitempty"`
	DataShapeOverride *geom.IntSize  `json:"data_shape_override,omitempty"`
	StateOverride     string         `json:"state_override,omitempty"`
	TopLeftOverride   *geom.IntPoint `json:"top_left_override,omitempty"`
}

// DefaultFrameParameters returns the parameters of a fresh profile
func DefaultFrameParameters() FrameParameters {
	return FrameParameters{
		Size:          geom.IntSize{H: 512, W: 512},
		PixelTimeUS:   10,
		FOVNM:         8,
		ACFrameSync:   true,
		FlybackTimeUS: 30,
	}
}

// UnmarshalJSON fills absent keys with their defaults
func (fp *FrameParameters) UnmarshalJSON(b []byte) error {
	type plain FrameParameters
	p := plain(DefaultFrameParameters())
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*fp = FrameParameters(p)
	return nil
}

// Clone returns a deep copy
func (fp FrameParameters) Clone() FrameParameters {
	out := fp
	if fp.FOVSizeNM != nil {
		v := *fp.FOVSizeNM
		out.FOVSizeNM = &v
	}
	if fp.SubscanPixelSize != nil {
		v := *fp.SubscanPixelSize
		out.SubscanPixelSize = &v
	}
	if fp.SubscanFractionalSize != nil {
		v := *fp.SubscanFractionalSize
		out.SubscanFractionalSize = &v
	}
	if fp.SubscanFractionalCenter != nil {
		v := *fp.SubscanFractionalCenter
		out.SubscanFractionalCenter = &v
	}
	if fp.SectionRect != nil {
		v := *fp.SectionRect
		out.SectionRect = &v
	}
	if fp.DataShapeOverride != nil {
		v := *fp.DataShapeOverride
		out.DataShapeOverride = &v
	}
	if fp.TopLeftOverride != nil {
		v := *fp.TopLeftOverride
		out.TopLeftOverride = &v
	}
	return out
}

// IsSubscan is true when the subscan fields are populated
func (fp FrameParameters) IsSubscan() bool {
	return fp.SubscanPixelSize != nil && fp.SubscanFractionalSize != nil && fp.SubscanFractionalCenter != nil
}

// PixelShape is the shape of the frame the device will scan: the subscan pixel
// size when a subscan is set, otherwise Size.
func (fp FrameParameters) PixelShape() geom.IntSize {
	if fp.SubscanPixelSize != nil {
		return *fp.SubscanPixelSize
	}
	return fp.Size
}

// FrameTime is the duration of one frame at the configured dwell time
func (fp FrameParameters) FrameTime() time.Duration {
	return util.SecsToDuration(FrameTimeSeconds(fp))
}

// FrameTimeSeconds is h*w*pixel time in seconds
func FrameTimeSeconds(fp FrameParameters) float64 {
	return float64(fp.Size.H) * float64(fp.Size.W) * fp.PixelTimeUS / 1e6
}

// Validate checks the invariants of the record and returns a *ConfigError
// naming the first offending field
func (fp FrameParameters) Validate() error {
	if fp.Size.H <= 0 || fp.Size.W <= 0 {
		return &ConfigError{Field: "size", Reason: fmt.Sprintf("pixel size %v must be positive", fp.Size)}
	}
	if fp.FOVNM <= 0 {
		return &ConfigError{Field: "fov_nm", Reason: "field of view missing or not positive"}
	}
	if fp.PixelTimeUS <= 0 {
		return &ConfigError{Field: "pixel_time_us", Reason: "pixel time must be positive"}
	}
	set := 0
	if fp.SubscanPixelSize != nil {
		set++
	}
	if fp.SubscanFractionalSize != nil {
		set++
	}
	if fp.SubscanFractionalCenter != nil {
		set++
	}
	if set != 0 && set != 3 {
		return &ConfigError{Field: "subscan", Reason: "subscan pixel size, fractional size and fractional center must be set together"}
	}
	if set == 0 {
		return nil
	}
	if ps := *fp.SubscanPixelSize; ps.H <= 0 || ps.W <= 0 {
		return &ConfigError{Field: "subscan_pixel_size", Reason: fmt.Sprintf("%v must be positive", ps)}
	}
	fs, fc := *fp.SubscanFractionalSize, *fp.SubscanFractionalCenter
	for _, v := range []float64{fs.H, fs.W} {
		if v < 0 || v > 1 {
			return &ConfigError{Field: "subscan_fractional_size", Reason: fmt.Sprintf("%v outside [0, 1]", v)}
		}
	}
	for _, v := range []float64{fc.Y, fc.X} {
		if v < 0 || v > 1 {
			return &ConfigError{Field: "subscan_fractional_center", Reason: fmt.Sprintf("%v outside [0, 1]", v)}
		}
	}
	return nil
}

func (fp FrameParameters) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "size pixels: %v\n", fp.Size)
	fmt.Fprintf(&b, "center nm: (%g, %g)\n", fp.CenterNM.Y, fp.CenterNM.X)
	if fp.FOVSizeNM != nil {
		fmt.Fprintf(&b, "fov size nm: (%g, %g)\n", fp.FOVSizeNM.H, fp.FOVSizeNM.W)
	} else {
		fmt.Fprintf(&b, "fov size nm: none\n")
	}
	fmt.Fprintf(&b, "pixel time: %g\n", fp.PixelTimeUS)
	fmt.Fprintf(&b, "field of view: %g\n", fp.FOVNM)
	fmt.Fprintf(&b, "rotation: %g\n", fp.RotationRad)
	fmt.Fprintf(&b, "external clock wait time: %g\n", fp.ExternalClockWaitTimeMS)
	fmt.Fprintf(&b, "external clock mode: %d\n", fp.ExternalClockMode)
	fmt.Fprintf(&b, "ac line sync: %t\n", fp.ACLineSync)
	fmt.Fprintf(&b, "ac frame sync: %t\n", fp.ACFrameSync)
	fmt.Fprintf(&b, "flyback time: %g", fp.FlybackTimeUS)
	if fp.SubscanPixelSize != nil {
		fmt.Fprintf(&b, "\nsubscan pixel size: %v", *fp.SubscanPixelSize)
	}
	if fp.SubscanFractionalSize != nil {
		fmt.Fprintf(&b, "\nsubscan fractional size: (%g, %g)", fp.SubscanFractionalSize.H, fp.SubscanFractionalSize.W)
	}
	if fp.SubscanFractionalCenter != nil {
		fmt.Fprintf(&b, "\nsubscan fractional center: (%g, %g)", fp.SubscanFractionalCenter.Y, fp.SubscanFractionalCenter.X)
	}
	if fp.IsSubscan() {
		fmt.Fprintf(&b, "\nsubscan rotation: %g", fp.SubscanRotation)
	}
	if fp.ChannelModifier != "" {
		fmt.Fprintf(&b, "\nchannel modifier: %s", fp.ChannelModifier)
	}
	return b.String()
}
