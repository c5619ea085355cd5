package uuid

import (
	"testing"

	googleuuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorMintsOrderedV7(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{})
	var prev string
	for range 16 {
		id, err := gen.NewID()
		require.NoError(t, err)

		parsed, err := googleuuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, googleuuid.Version(7), parsed.Version())

		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}

		if prev != "" {
			assert.Greater(t, id, prev, "ids should sort in mint order")
		}
		prev = id
	}
}
