package scan

import (
	"context"

	"github.com/nasa-jpl/stemsync/event"
	"github.com/nasa-jpl/stemsync/geom"
)

// probe states
const (
	ProbeParked   = "parked"
	ProbeScanning = "scanning"
)

// ProbeState is the payload of probe state change notifications
type ProbeState struct {
	State    string
	Position *geom.FloatPoint
}

// SubscanChange names which subscan setting changed
type SubscanChange int

const (
	// SubscanStateChanged is fired when the subscan is enabled or disabled
	SubscanStateChanged SubscanChange = iota
	// SubscanRegionChanged is fired when the region is replaced or cleared
	SubscanRegionChanged
	// SubscanRotationChanged is fired when the rotation changes
	SubscanRotationChanged
)

// MetadataSource is the instrument side of acquisition metadata
type MetadataSource interface {
	// AutostemProperties may fail; callers log and continue
	AutostemProperties() (map[string]interface{}, error)
	UpdateAcquisitionProperties(props map[string]interface{})
	ApplyMetadataGroups(props map[string]interface{}, groups []MetadataGroup)
}

// Instrument is the microscope the scan device is attached to.  It owns the
// probe, the scan context and the subscan settings.
type Instrument interface {
	MetadataSource

	EnterScanningState()
	ExitScanningState()
	EnterSynchronizedState(ctx context.Context) error
	ExitSynchronizedState()

	ScanContext() Context
	UpdateScanContext(c Context)
	ClearScanContext()

	SubscanEnabled() bool
	SetSubscanEnabled(enabled bool)
	SubscanRegion() *geom.FloatRect
	SetSubscanRegion(region *geom.FloatRect)
	SubscanRotation() float64
	SetSubscanRotation(rotation float64)

	ProbeState() string
	ProbePosition() *geom.FloatPoint
	SetProbePosition(p *geom.FloatPoint)
	ValidateProbePosition()

	ProbeStateChanged() *event.Event[ProbeState]
	SubscanChanged() *event.Event[SubscanChange]
}
