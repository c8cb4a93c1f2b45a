package indicators

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeStats(t *testing.T) {
	s := newRangeStats(3)
	require.Zero(t, s.mean())
	require.Zero(t, s.max())
	require.Zero(t, s.stdev())

	s.add(1)
	s.add(2)
	require.InDelta(t, 1.5, s.mean(), 1e-12)

	// 1 rotates out
	s.add(3)
	s.add(4)
	require.InDelta(t, 3.0, s.mean(), 1e-12)
	require.Equal(t, 4.0, s.max())
	require.InDelta(t, 0.816496580927726, s.stdev(), 1e-12)
}
