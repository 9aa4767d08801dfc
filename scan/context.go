package scan

import (
	"fmt"
	"math"

	"github.com/nasa-jpl/stemsync/geom"
)

// Context is the geometry of the most recent full frame acquisition.  Subscans
// are expressed relative to it.  The zero value is an invalid (empty) context.
type Context struct {
	CenterNM    geom.FloatPoint
	FOVSizeNM   geom.FloatSize
	RotationRad float64
	valid       bool
}

// ContextFromFrameParameters builds the context a full frame acquisition with
// fp establishes
func ContextFromFrameParameters(fp FrameParameters) Context {
	var c Context
	c.Update(fp.CenterNM, FOVSize(fp), fp.RotationRad)
	return c
}

// IsValid is true when the field of view is known
func (c Context) IsValid() bool {
	return c.valid
}

// Clear invalidates the context
func (c *Context) Clear() {
	*c = Context{}
}

// Update replaces the context geometry
func (c *Context) Update(center geom.FloatPoint, fov geom.FloatSize, rotation float64) {
	c.CenterNM = center
	c.FOVSizeNM = fov
	c.RotationRad = rotation
	c.valid = true
}

// Equal is structural equality
func (c Context) Equal(o Context) bool {
	return c == o
}

func (c Context) String() string {
	if !c.valid {
		return "NO CONTEXT"
	}
	return fmt.Sprintf("%gnm %gdeg", c.FOVSizeNM.H, c.RotationRad*180/math.Pi)
}
