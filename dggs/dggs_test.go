package dggs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_KnownValues(t *testing.T) {
	tests := []struct {
		system string
		res    int
		want   float64
	}{
		// DGGRID reports 33.1665 km for ISEA3H resolution 10.
		{"ISEA3H", 10, 33163.56},
		{"isea3h", 14, 3684.85},
		{"ISEA3H", 0, 7462813.61},
	}
	for _, tt := range tests {
		t.Run(tt.system, func(t *testing.T) {
			got, err := Resolve(tt.system, tt.res)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 0.01)
		})
	}
}

func TestResolve_StrictlyDecreasing(t *testing.T) {
	for _, name := range Names() {
		s, err := Lookup(name)
		require.NoError(t, err)

		t.Run(name, func(t *testing.T) {
			prev, err := s.CharacteristicLength(0)
			require.NoError(t, err)
			for res := 1; res <= s.MaxResolution; res++ {
				got, err := s.CharacteristicLength(res)
				require.NoError(t, err)
				assert.Less(t, got, prev, "resolution %d", res)
				assert.Greater(t, got, 0.0)
				prev = got
			}
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	_, err := Resolve("H3", 5)
	assert.ErrorIs(t, err, ErrUnknownGridSystem)

	_, err = Resolve("ISEA3H", -1)
	assert.ErrorIs(t, err, ErrResolutionOutOfRange)

	_, err = Resolve("ISEA7H", 21)
	assert.ErrorIs(t, err, ErrResolutionOutOfRange)
}

func TestSystem_Cells(t *testing.T) {
	s, err := Lookup("ISEA3H")
	require.NoError(t, err)
	assert.Equal(t, 12.0, s.Cells(0))
	assert.Equal(t, 590492.0, s.Cells(10))

	tri, err := Lookup("FULLER4T")
	require.NoError(t, err)
	assert.Equal(t, 20.0, tri.Cells(0))
	assert.Equal(t, Triangle, tri.Topology)

	dia, err := Lookup("ISEA4D")
	require.NoError(t, err)
	assert.Equal(t, 160.0, dia.Cells(2))
}

func TestNames(t *testing.T) {
	names := Names()
	assert.Len(t, names, 10)
	assert.Contains(t, names, "ISEA3H")
	assert.Contains(t, names, "FULLER7H")
	assert.IsIncreasing(t, names)
}

func TestFixed(t *testing.T) {
	got, err := Fixed(5000).Resolve("ignored", 99)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, got)

	_, err = Fixed(0).Resolve("", 0)
	assert.ErrorIs(t, err, ErrResolutionOutOfRange)
}

func TestTable(t *testing.T) {
	rows, err := Table("ISEA3H", 10, 14)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, 10, rows[0].Resolution)
	assert.Equal(t, 14, rows[4].Resolution)
	assert.InDelta(t, 863.80, rows[0].AreaKm2, 0.01)

	_, err = Table("ISEA3H", 5, 4)
	assert.ErrorIs(t, err, ErrResolutionOutOfRange)

	_, err = Table("ISEA3H", 30, 36)
	assert.ErrorIs(t, err, ErrResolutionOutOfRange)
}
