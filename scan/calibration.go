package scan

import (
	"log"
	"math"

	"github.com/mitchellh/mapstructure"

	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/xdata"
)

// metadata keys
const (
	MetadataHardwareSource = "hardware_source"
	MetadataAutostem       = "autostem"
	MetadataScanDetector   = "scan_detector"
)

// deviceProperties are the keys this package reads from the properties a
// device attaches to each channel buffer
type deviceProperties struct {
	ChannelID        int      `mapstructure:"channel_id"`
	PixelTimeUS      float64  `mapstructure:"pixel_time_us"`
	LineTimeUS       *float64 `mapstructure:"line_time_us"`
	CenterXNM        float64  `mapstructure:"center_x_nm"`
	CenterYNM        float64  `mapstructure:"center_y_nm"`
	FOVNM            float64  `mapstructure:"fov_nm"`
	ACLineSync       bool     `mapstructure:"ac_line_sync"`
	CalibrationStyle string   `mapstructure:"calibration_style"`
}

// consumed by UpdateScanDataElement and not copied into the output properties
var consumedKeys = []string{"channel_id", "channel_name", "pixel_time_us", "center_x_nm", "center_y_nm", "fov_nm", "rotation_deg", "rotation", "ac_line_sync"}

// SpatialCalibrations are nm calibrations centered on center for an array of
// the given shape spanning fovNM along its longer axis
func SpatialCalibrations(center geom.FloatPoint, fovNM float64, shape geom.IntSize) []xdata.Calibration {
	px := fovNM / float64(maxInt(shape.H, shape.W))
	return []xdata.Calibration{
		{Offset: -center.Y - px*float64(shape.H)*0.5, Scale: px, Units: "nm"},
		{Offset: -center.X - px*float64(shape.W)*0.5, Scale: px, Units: "nm"},
	}
}

// TimeCalibrations express rows in line time and columns in pixel time
func TimeCalibrations(lineTimeUS, pixelTimeUS float64) []xdata.Calibration {
	return []xdata.Calibration{
		{Scale: lineTimeUS / 1e6, Units: "s"},
		{Scale: pixelTimeUS / 1e6, Units: "s"},
	}
}

// SynchronizedCalibrations are the scan axis calibrations of a synchronized
// acquisition.  Devices implementing CalibrationProvider supply their own;
// temporal calibrations are never used here.
func SynchronizedCalibrations(dev Device, fp FrameParameters) []xdata.Calibration {
	if cp, ok := dev.(CalibrationProvider); ok {
		if cals := cp.ScanCalibrations(fp); len(cals) == 2 {
			return cals
		}
	}
	return SpatialCalibrations(fp.CenterNM, fp.FOVNM, fp.Size)
}

// UpdateScanProperties writes the scan geometry of fp into props
func UpdateScanProperties(props map[string]interface{}, fp FrameParameters, scanID string) {
	props["scan_id"] = scanID
	props["center_x_nm"] = fp.CenterNM.X
	props["center_y_nm"] = fp.CenterNM.Y
	props["fov_nm"] = fp.FOVNM
	props["rotation"] = fp.RotationRad
	props["rotation_deg"] = fp.RotationRad * 180 / math.Pi
	props["scan_context_size"] = []int{fp.Size.H, fp.Size.W}
	if fp.SubscanFractionalSize != nil {
		props["subscan_fractional_size"] = []float64{fp.SubscanFractionalSize.H, fp.SubscanFractionalSize.W}
	}
	if fp.SubscanFractionalCenter != nil {
		props["subscan_fractional_center"] = []float64{fp.SubscanFractionalCenter.Y, fp.SubscanFractionalCenter.X}
	}
	if fp.IsSubscan() {
		props["subscan_rotation"] = fp.SubscanRotation
	}
}

// ScanElementInfo identifies the channel and frame a buffer belongs to
type ScanElementInfo struct {
	ScanID      string
	FrameNumber int
	ChannelName string
	ChannelID   string
}

// UpdateScanDataElement calibrates xd, a 2D channel buffer, and fills its
// hardware_source metadata from fp, info and the properties the device
// reported for the buffer
func UpdateScanDataElement(xd *xdata.DataAndMetadata, fp FrameParameters, info ScanElementInfo, deviceProps map[string]interface{}) error {
	var dp deviceProperties
	if err := mapstructure.WeakDecode(deviceProps, &dp); err != nil {
		return err
	}
	shape := geom.IntSize{H: xd.Shape[0], W: xd.Shape[1]}
	lineTime := dp.PixelTimeUS * float64(shape.W)
	if dp.LineTimeUS != nil {
		lineTime = *dp.LineTimeUS
	}
	if dp.CalibrationStyle == "time" {
		xd.DimensionalCalibrations = TimeCalibrations(lineTime, dp.PixelTimeUS)
	} else {
		xd.DimensionalCalibrations = SpatialCalibrations(geom.FloatPoint{Y: dp.CenterYNM, X: dp.CenterXNM}, dp.FOVNM, shape)
	}

	props := xdata.MetadataGroup(xd.Metadata, MetadataHardwareSource)
	props["title"] = info.ChannelName
	props["exposure"] = float64(shape.H) * float64(shape.W) * dp.PixelTimeUS / 1e6
	props["frame_index"] = info.FrameNumber
	props["channel_id"] = info.ChannelID
	props["channel_name"] = info.ChannelName
	UpdateScanProperties(props, fp, info.ScanID)
	props["pixel_time_us"] = dp.PixelTimeUS
	props["line_time_us"] = lineTime
	if dp.ACLineSync {
		props["ac_line_sync"] = 1
	} else {
		props["ac_line_sync"] = 0
	}

	rest := xdata.CopyMetadata(deviceProps)
	for _, k := range consumedKeys {
		delete(rest, k)
	}
	autostem := xdata.MetadataGroup(props, MetadataAutostem)
	if a, ok := rest[MetadataAutostem].(map[string]interface{}); ok {
		for k, v := range a {
			autostem[k] = v
		}
		delete(rest, MetadataAutostem)
		for k, v := range rest {
			props[k] = v
		}
	} else {
		// devices that predate the autostem group report everything flat
		for k, v := range rest {
			autostem[k] = v
		}
	}
	return nil
}

// UpdateInstrumentProperties gives the instrument and then the device a chance
// to add acquisition properties.  Instrument property errors are logged and
// otherwise ignored.
func UpdateInstrumentProperties(props map[string]interface{}, inst MetadataSource, dev Device) {
	if inst != nil {
		a, err := inst.AutostemProperties()
		if err != nil {
			log.Printf("autostem properties unavailable: %v", err)
		} else {
			g := xdata.MetadataGroup(props, MetadataAutostem)
			for k, v := range a {
				g[k] = v
			}
		}
		inst.UpdateAcquisitionProperties(props)
	}
	if pu, ok := dev.(PropertyUpdater); ok {
		pu.UpdateAcquisitionProperties(props)
	}
	if mg, ok := dev.(MetadataGrouper); ok && inst != nil {
		inst.ApplyMetadataGroups(props, mg.MetadataGroups())
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
