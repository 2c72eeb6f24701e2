package dataset

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticDeterministic(t *testing.T) {
	a := must.M1(NewSynthetic(64, 20, 3))
	b := must.M1(NewSynthetic(64, 20, 3))
	for i := 0; i < a.Len(); i++ {
		sa := must.M1(a.Get(i))
		sb := must.M1(b.Get(i))
		require.Equal(t, sa, sb)
		require.Len(t, sa.Input, 20)
		require.Contains(t, []float64{0, 1}, sa.Label)
		for _, v := range sa.Input {
			require.True(t, v >= 0 && v < 1)
		}
	}
	// Repeated access returns the same values.
	assert.Equal(t, must.M1(a.Get(7)), must.M1(a.Get(7)))
	assert.NotEqual(t, must.M1(a.Get(7)).Input, must.M1(a.Get(8)).Input)
}

func TestSyntheticHasBothClasses(t *testing.T) {
	src := must.M1(NewSynthetic(2048, 20, 0))
	positives := 0
	for i := 0; i < src.Len(); i++ {
		positives += int(must.M1(src.Get(i)).Label)
	}
	assert.Greater(t, positives, 2048/5)
	assert.Less(t, positives, 2048*4/5)
}

func TestSyntheticValidation(t *testing.T) {
	_, err := NewSynthetic(0, 20, 0)
	require.Error(t, err)
	_, err = NewSynthetic(10, 0, 0)
	require.Error(t, err)

	src := must.M1(NewSynthetic(10, 2, 0))
	_, err = src.Get(10)
	require.Error(t, err)
	_, err = src.Get(-1)
	require.Error(t, err)
}
