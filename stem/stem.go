// Package stem models the parts of the microscope an acquisition needs: the
// probe, the scan context, the subscan settings and the instrument metadata.
//
// A Controller is safe for concurrent use.  Events are fired after the
// controller's lock is released, on the goroutine that made the change.
package stem

import (
	"context"
	"errors"
	"sync"

	"github.com/nasa-jpl/stemsync/event"
	"github.com/nasa-jpl/stemsync/geom"
	"github.com/nasa-jpl/stemsync/scan"
	"github.com/nasa-jpl/stemsync/util"
)

// SubscanState is the tri-state of the subscan setting
type SubscanState int

const (
	// SubscanInvalid until the first scan starts
	SubscanInvalid SubscanState = iota
	SubscanDisabled
	SubscanEnabled
)

func (s SubscanState) String() string {
	switch s {
	case SubscanDisabled:
		return "disabled"
	case SubscanEnabled:
		return "enabled"
	default:
		return "invalid"
	}
}

// ErrNoAutostem is returned by AutostemProperties when no source is configured
var ErrNoAutostem = errors.New("autostem properties unavailable")

// Controller implements scan.Instrument
type Controller struct {
	mu         sync.Mutex
	probeStack []string
	probePos   *geom.FloatPoint
	context    scan.Context
	subscan    SubscanState
	region     *geom.FloatRect
	rotation   float64

	autostem map[string]interface{}
	groups   map[string]map[string]interface{}

	syncSem chan struct{}

	probeChanged   event.Event[scan.ProbeState]
	subscanChanged event.Event[scan.SubscanChange]
}

// NewController returns a controller with the probe parked.  autostem holds the
// instrument properties attached to every acquisition; nil makes
// AutostemProperties fail.
func NewController(autostem map[string]interface{}) *Controller {
	return &Controller{
		probeStack: []string{scan.ProbeParked},
		autostem:   autostem,
		groups:     map[string]map[string]interface{}{},
		syncSem:    make(chan struct{}, 1),
	}
}

// ProbeStateChanged fires on scanning state and probe position changes
func (c *Controller) ProbeStateChanged() *event.Event[scan.ProbeState] {
	return &c.probeChanged
}

// SubscanChanged fires on subscan state, region and rotation changes
func (c *Controller) SubscanChanged() *event.Event[scan.SubscanChange] {
	return &c.subscanChanged
}

func (c *Controller) probeStateLocked() scan.ProbeState {
	ps := scan.ProbeState{State: c.probeStack[len(c.probeStack)-1]}
	if c.probePos != nil {
		p := *c.probePos
		ps.Position = &p
	}
	return ps
}

// EnterScanningState pushes the scanning probe state.  The first scan also
// makes the subscan state valid.
func (c *Controller) EnterScanningState() {
	c.mu.Lock()
	c.probeStack = append(c.probeStack, scan.ProbeScanning)
	ps := c.probeStateLocked()
	validated := c.subscan == SubscanInvalid
	if validated {
		c.subscan = SubscanDisabled
	}
	c.mu.Unlock()
	c.probeChanged.Fire(ps)
	if validated {
		c.subscanChanged.Fire(scan.SubscanStateChanged)
	}
}

// ExitScanningState pops the scanning probe state
func (c *Controller) ExitScanningState() {
	c.mu.Lock()
	if len(c.probeStack) > 1 {
		c.probeStack = c.probeStack[:len(c.probeStack)-1]
	}
	ps := c.probeStateLocked()
	c.mu.Unlock()
	c.probeChanged.Fire(ps)
}

// EnterSynchronizedState blocks until no other synchronized acquisition holds
// the instrument or ctx is done
func (c *Controller) EnterSynchronizedState(ctx context.Context) error {
	select {
	case c.syncSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitSynchronizedState releases the instrument
func (c *Controller) ExitSynchronizedState() {
	select {
	case <-c.syncSem:
	default:
	}
}

// IsSynchronized is true while a synchronized acquisition holds the instrument
func (c *Controller) IsSynchronized() bool {
	return len(c.syncSem) > 0
}

// ScanContext is the geometry of the last full frame scan
func (c *Controller) ScanContext() scan.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.context
}

// UpdateScanContext replaces the scan context
func (c *Controller) UpdateScanContext(ctx scan.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context = ctx
}

// ClearScanContext invalidates the scan context
func (c *Controller) ClearScanContext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context.Clear()
}

// SubscanState returns the tri-state subscan setting
func (c *Controller) SubscanState() SubscanState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscan
}

func (c *Controller) SubscanEnabled() bool {
	return c.SubscanState() == SubscanEnabled
}

// SetSubscanEnabled enables or disables the subscan.  Enabling without a
// region installs scan.DefaultSubscanRegion with no rotation.
func (c *Controller) SetSubscanEnabled(enabled bool) {
	c.mu.Lock()
	want := SubscanDisabled
	if enabled {
		want = SubscanEnabled
	}
	if c.subscan == want {
		c.mu.Unlock()
		return
	}
	c.subscan = want
	if enabled && c.region == nil {
		r := scan.DefaultSubscanRegion
		c.region = &r
		c.rotation = 0
	}
	c.mu.Unlock()
	c.subscanChanged.Fire(scan.SubscanStateChanged)
}

func (c *Controller) SubscanRegion() *geom.FloatRect {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.region == nil {
		return nil
	}
	r := *c.region
	return &r
}

// SetSubscanRegion replaces the region.  Clearing it disables the subscan.
func (c *Controller) SetSubscanRegion(region *geom.FloatRect) {
	c.mu.Lock()
	if region == nil {
		c.region = nil
	} else {
		r := *region
		c.region = &r
	}
	disabled := region == nil && c.subscan == SubscanEnabled
	if disabled {
		c.subscan = SubscanDisabled
	}
	c.mu.Unlock()
	c.subscanChanged.Fire(scan.SubscanRegionChanged)
	if disabled {
		c.subscanChanged.Fire(scan.SubscanStateChanged)
	}
}

func (c *Controller) SubscanRotation() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotation
}

func (c *Controller) SetSubscanRotation(rotation float64) {
	c.mu.Lock()
	changed := c.rotation != rotation
	c.rotation = rotation
	c.mu.Unlock()
	if changed {
		c.subscanChanged.Fire(scan.SubscanRotationChanged)
	}
}

// ProbeState is "parked" or "scanning"
func (c *Controller) ProbeState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeStack[len(c.probeStack)-1]
}

// ProbePosition is the fractional parked position, nil for the default
func (c *Controller) ProbePosition() *geom.FloatPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probePos == nil {
		return nil
	}
	p := *c.probePos
	return &p
}

// SetProbePosition clamps p to the unit square and notifies listeners, even
// when the position is unchanged
func (c *Controller) SetProbePosition(p *geom.FloatPoint) {
	c.mu.Lock()
	if p == nil {
		c.probePos = nil
	} else {
		q := geom.FloatPoint{Y: util.Clamp(p.Y, 0, 1), X: util.Clamp(p.X, 0, 1)}
		c.probePos = &q
	}
	ps := c.probeStateLocked()
	c.mu.Unlock()
	c.probeChanged.Fire(ps)
}

// ValidateProbePosition centers the probe
func (c *Controller) ValidateProbePosition() {
	c.SetProbePosition(&geom.FloatPoint{Y: 0.5, X: 0.5})
}

// AutostemProperties returns a copy of the instrument properties
func (c *Controller) AutostemProperties() (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autostem == nil {
		return nil, ErrNoAutostem
	}
	out := make(map[string]interface{}, len(c.autostem))
	for k, v := range c.autostem {
		out[k] = v
	}
	return out, nil
}

// SetAutostemProperty sets one instrument property
func (c *Controller) SetAutostemProperty(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autostem == nil {
		c.autostem = map[string]interface{}{}
	}
	c.autostem[key] = value
}

// UpdateAcquisitionProperties records the probe state of the acquisition
func (c *Controller) UpdateAcquisitionProperties(props map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	props["probe_state"] = c.probeStack[len(c.probeStack)-1]
}

// SetControlGroup defines the controls reported for a metadata group
func (c *Controller) SetControlGroup(group string, controls map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[group] = controls
}

// ApplyMetadataGroups copies the controls of each group into props at the
// group's path, creating intermediate maps as needed.  Unknown groups are
// skipped.
func (c *Controller) ApplyMetadataGroups(props map[string]interface{}, groups []scan.MetadataGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range groups {
		controls, ok := c.groups[g.Group]
		if !ok {
			continue
		}
		dst := props
		for _, key := range g.Path {
			next, ok := dst[key].(map[string]interface{})
			if !ok {
				next = map[string]interface{}{}
				dst[key] = next
			}
			dst = next
		}
		for k, v := range controls {
			dst[k] = v
		}
	}
}
