package scan

import (
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/util"
)

// DefaultSubscanRegion is installed when a subscan is enabled without a region
var DefaultSubscanRegion = geom.FloatRect{
	Origin: geom.FloatPoint{Y: 0.25, X: 0.25},
	Size:   geom.FloatSize{H: 0.5, W: 0.5}}

// FullFrame is the fractional area of a scan that is not a subscan
var FullFrame = geom.RectFromCenterAndSize(geom.FloatPoint{Y: 0.5, X: 0.5}, geom.FloatSize{H: 1, W: 1})

// FOVSize expands the scalar field of view into a 2D size with the aspect
// ratio of the pixel size.  The width is the scalar field of view.
func FOVSize(fp FrameParameters) geom.FloatSize {
	return geom.FloatSize{H: fp.FOVNM * fp.Size.AspectRatio(), W: fp.FOVNM}
}

// DeriveDeviceParameters returns a copy of fp with the 2D field of view filled
// in for consumption by the device
func DeriveDeviceParameters(fp FrameParameters) FrameParameters {
	out := fp.Clone()
	fov := FOVSize(fp)
	out.FOVSizeNM = &fov
	return out
}

// ApplySubscan overlays the subscan geometry of region onto a copy of fp.  The
// subscan pixel size is the fraction of the context pixel size the region
// covers.  A nil region clears every subscan field.
func ApplySubscan(fp FrameParameters, region *geom.FloatRect, rotation float64) FrameParameters {
	out := fp.Clone()
	if region == nil {
		out.SubscanPixelSize = nil
		out.SubscanFractionalSize = nil
		out.SubscanFractionalCenter = nil
		out.SubscanRotation = 0
		out.ChannelModifier = ""
		return out
	}
	ctx := fp.Size.Float()
	ps := geom.IntSize{H: int(ctx.H * region.Size.H), W: int(ctx.W * region.Size.W)}
	fs := region.Size
	fc := region.Center()
	out.SubscanPixelSize = &ps
	out.SubscanFractionalSize = &fs
	out.SubscanFractionalCenter = &fc
	out.SubscanRotation = rotation
	out.ChannelModifier = SubscanModifier
	return out
}

// PlanSections splits the scan into contiguous full width row bands of at most
// sectionHeight rows, top to bottom.  A non-positive sectionHeight yields a
// single section.
func PlanSections(scanSize geom.IntSize, sectionHeight int) []geom.IntRect {
	if scanSize.H <= 0 {
		return nil
	}
	if sectionHeight <= 0 || sectionHeight > scanSize.H {
		sectionHeight = scanSize.H
	}
	n := util.CeilDiv(scanSize.H, sectionHeight)
	out := make([]geom.IntRect, n)
	for i := range out {
		top := i * sectionHeight
		h := sectionHeight
		if top+h > scanSize.H {
			h = scanSize.H - top
		}
		out[i] = geom.RectFromTLHW(top, 0, h, scanSize.W)
	}
	return out
}

// IsLastSection is true when the section's bottom right corner is the scan's
func IsLastSection(section geom.IntRect, scanSize geom.IntSize) bool {
	return section.Bottom() == scanSize.H && section.Right() == scanSize.W
}

// SectionFrameParameters maps one section of a scan covering fractionalArea of
// the context into a subscan of that context.  The overrides let the
// acquisition place the section's rows into a scanSize array and label only the
// final section complete.
func SectionFrameParameters(fp FrameParameters, section geom.IntRect, scanSize geom.IntSize, fractionalArea geom.FloatRect, channelModifier string) FrameParameters {
	out := fp.Clone()
	sf := section.Float()
	sc := sf.Center()
	h, w := float64(scanSize.H), float64(scanSize.W)

	rect := section
	ps := section.Size
	fs := geom.FloatSize{
		H: fractionalArea.Size.H * sf.Size.H / h,
		W: fractionalArea.Size.W * sf.Size.W / w}
	fc := geom.FloatPoint{
		Y: fractionalArea.Top() + fractionalArea.Size.H*sc.Y/h,
		X: fractionalArea.Left() + fractionalArea.Size.W*sc.X/w}
	shape := scanSize
	tl := section.Origin

	out.SectionRect = &rect
	out.SubscanPixelSize = &ps
	out.SubscanFractionalSize = &fs
	out.SubscanFractionalCenter = &fc
	out.ChannelModifier = channelModifier
	out.DataShapeOverride = &shape
	out.TopLeftOverride = &tl
	out.StateOverride = StatePartial
	if IsLastSection(section, scanSize) {
		out.StateOverride = StateComplete
	}
	return out
}
