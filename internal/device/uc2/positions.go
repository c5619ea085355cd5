package uc2

import "encoding/json"

// Position is one stage position of a position-list scan. Z is left to the
// current focus.
type Position struct {
	X float64
	Y float64
}

// MarshalJSON encodes the position as the [x, y, z] triple ImSwitch expects.
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.X, p.Y, nil})
}

// MaxGridPoints caps the size of a position-list scan.
const MaxGridPoints = 10000

// Grid describes an nX by nY raster anchored at the current stage position.
type Grid struct {
	OriginX float64
	OriginY float64
	NX      int
	NY      int
	DistX   float64
	DistY   float64
	// LegacyYStep steps Y by DistX, matching the positions deployed nodes
	// have always produced.
	LegacyYStep bool
}

// Positions lays out the grid X-major: every Y row of the first column,
// then the next column. Grids that are empty or exceed MaxGridPoints yield
// nil.
func (g Grid) Positions() []Position {
	if !g.valid() {
		return nil
	}
	stepY := g.DistY
	if g.LegacyYStep {
		stepY = g.DistX
	}
	out := make([]Position, 0, g.NX*g.NY)
	for ix := 0; ix < g.NX; ix++ {
		for iy := 0; iy < g.NY; iy++ {
			out = append(out, Position{
				X: float64(ix)*g.DistX + g.OriginX,
				Y: float64(iy)*stepY + g.OriginY,
			})
		}
	}
	return out
}

func (g Grid) valid() bool {
	return g.NX > 0 && g.NY > 0 && g.NX <= MaxGridPoints/g.NY
}
