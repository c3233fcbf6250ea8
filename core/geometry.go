package core

import (
	"fmt"

	"github.com/signalsfoundry/discovery-collab-sim/model"
)

// Bounds is an axis-aligned rectangle on the simulation plane, in metres.
type Bounds struct {
	MinX float64 `json:"min_x" yaml:"min_x"`
	MinY float64 `json:"min_y" yaml:"min_y"`
	MaxX float64 `json:"max_x" yaml:"max_x"`
	MaxY float64 `json:"max_y" yaml:"max_y"`
}

// Validate reports an empty or inverted rectangle.
func (b Bounds) Validate() error {
	if b.MaxX <= b.MinX || b.MaxY <= b.MinY {
		return fmt.Errorf("bounds [%v,%v]x[%v,%v] are empty", b.MinX, b.MaxX, b.MinY, b.MaxY)
	}
	return nil
}

// Contains reports whether p lies inside b, edges included.
func (b Bounds) Contains(p model.Position) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

// Clamp moves p onto the nearest point of b.
func (b Bounds) Clamp(p model.Position) model.Position {
	return model.Position{X: clamp(p.X, b.MinX, b.MaxX), Y: clamp(p.Y, b.MinY, b.MaxY)}
}

// reflect folds a coordinate back into [lo, hi] as if it bounced off the
// walls, and reports whether the direction flipped.
func reflect(v, lo, hi float64) (float64, bool) {
	flipped := false
	for v < lo || v > hi {
		if v < lo {
			v = 2*lo - v
		} else {
			v = 2*hi - v
		}
		flipped = !flipped
	}
	return v, flipped
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

// lerp interpolates between a and b by f in [0, 1].
func lerp(a, b model.Position, f float64) model.Position {
	return model.Position{X: a.X + (b.X-a.X)*f, Y: a.Y + (b.Y-a.Y)*f}
}
