package acquisition

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/stemsync/scan"
	"github.com/nasa-jpl/stemsync/xdata"
)

// HeaderVersion is written to every file so readers can track layout changes
const HeaderVersion = "stemsync-1"

var errEmpty = errors.New("cannot encode an empty array")

// Cards builds the FITS header of xd: one CRVAL/CDELT/CUNIT triplet per axis,
// numbered in FITS order (fastest axis first), plus the scan identity.
func Cards(xd *xdata.DataAndMetadata) []fitsio.Card {
	cards := []fitsio.Card{
		{Name: "HDRVER", Value: HeaderVersion, Comment: "header version"},
		{Name: "DATE-OBS", Value: xd.Timestamp.UTC().Format(time.RFC3339Nano)},
		{Name: "COLLRANK", Value: xd.CollectionRank, Comment: "leading scan axes"},
	}
	n := len(xd.Shape)
	for i, cal := range xd.DimensionalCalibrations {
		ax := n - i
		cards = append(cards,
			fitsio.Card{Name: fmt.Sprintf("CRVAL%d", ax), Value: cal.Offset},
			fitsio.Card{Name: fmt.Sprintf("CDELT%d", ax), Value: cal.Scale})
		if cal.Units != "" {
			cards = append(cards, fitsio.Card{Name: fmt.Sprintf("CUNIT%d", ax), Value: cal.Units})
		}
	}
	if u := xd.IntensityCalibration.Units; u != "" {
		cards = append(cards, fitsio.Card{Name: "BUNIT", Value: u})
	}
	props, _ := xd.Metadata[scan.MetadataHardwareSource].(map[string]interface{})
	if props == nil {
		props, _ = xd.Metadata[scan.MetadataScanDetector].(map[string]interface{})
	}
	for _, kv := range [][2]string{{"scan_id", "SCANID"}, {"channel_id", "CHANNEL"}, {"hardware_source_name", "SOURCE"}} {
		if s, ok := props[kv[0]].(string); ok && s != "" {
			cards = append(cards, fitsio.Card{Name: kv[1], Value: s})
		}
	}
	return cards
}

// WriteFits streams xd to w as a single 64-bit float image.  extra cards are
// appended to the header built by Cards.
func WriteFits(w io.Writer, xd *xdata.DataAndMetadata, extra ...fitsio.Card) error {
	if xd == nil || len(xd.Shape) == 0 || len(xd.Data) == 0 {
		return errEmpty
	}
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	// FITS axes run fastest first
	dims := make([]int, len(xd.Shape))
	for i, s := range xd.Shape {
		dims[len(dims)-1-i] = s
	}
	im := fitsio.NewImage(-64, dims)
	defer im.Close()
	if err := im.Header().Append(append(Cards(xd), extra...)...); err != nil {
		return err
	}
	if err := im.Write(xd.Data); err != nil {
		return err
	}
	return f.Write(im)
}
