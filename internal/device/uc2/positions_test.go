package uc2

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridLegacyYStepReusesDistX(t *testing.T) {
	t.Parallel()

	g := Grid{OriginX: 100, OriginY: 200, NX: 2, NY: 2, DistX: 10, DistY: 10, LegacyYStep: true}
	assert.Equal(t, []Position{{100, 200}, {100, 210}, {110, 200}, {110, 210}}, g.Positions())

	// distY is ignored.
	g.DistY = 3
	assert.Equal(t, []Position{{100, 200}, {100, 210}, {110, 200}, {110, 210}}, g.Positions())
}

func TestGridCorrectedUsesDistY(t *testing.T) {
	t.Parallel()

	g := Grid{OriginX: 1, OriginY: 2, NX: 2, NY: 3, DistX: 10, DistY: 5}
	assert.Equal(t, []Position{{1, 2}, {1, 7}, {1, 12}, {11, 2}, {11, 7}, {11, 12}}, g.Positions())
}

func TestGridEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Grid{NX: 0, NY: 3}.Positions())
}

func TestPositionMarshalsAsTriple(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal([]Position{{1.5, -2}})
	require.NoError(t, err)
	assert.JSONEq(t, `[[1.5,-2,null]]`, string(data))
}

func TestGridOversizedYieldsNothing(t *testing.T) {
	t.Parallel()

	assert.Nil(t, Grid{NX: 3037000500, NY: 3037000500}.Positions())
	assert.Nil(t, Grid{NX: MaxGridPoints, NY: 2}.Positions())
	assert.Len(t, Grid{NX: MaxGridPoints, NY: 1}.Positions(), MaxGridPoints)
}
