package decimate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinMax_Empty(t *testing.T) {
	points := MinMax(nil, 10)
	require.NotNil(t, points)
	require.Empty(t, points)
}

func TestMinMax_PassThrough(t *testing.T) {
	samples := []float32{5, -1, 3.5, 7}
	for _, maxPoints := range []int{4, 5, 1000} {
		points := MinMax(samples, maxPoints)
		require.Len(t, points, len(samples))
		for i, p := range points {
			assert.Equal(t, i, p.Index)
			assert.Equal(t, samples[i], p.Value)
		}
	}
}

func TestMinMax_MaxBeforeMinKeepsIndexOrder(t *testing.T) {
	// single bucket of 4: max at 1, min at 3
	samples := []float32{0, 10, 5, -10, 2, 2, 2, 2}
	points := MinMax(samples, 2)

	require.Equal(t, []SeriesPoint{
		{Index: 1, Value: 10},
		{Index: 3, Value: -10},
		{Index: 4, Value: 2},
		{Index: 4, Value: 2},
	}, points)
}

func TestMinMax_TiesUseFirstOccurrence(t *testing.T) {
	samples := []float32{1, 3, 3, 1, 0, 0, 0, 0}
	points := MinMax(samples, 2)

	require.Equal(t, 0, points[0].Index)
	require.Equal(t, 1, points[1].Index)
}

func TestMinMax_TrailingSingletonBucket(t *testing.T) {
	// bucket size ceil(3/2)=2 -> buckets [0,1] and [2]
	points := MinMax([]float32{1, 2, 3}, 2)
	require.Equal(t, []SeriesPoint{
		{Index: 0, Value: 1},
		{Index: 1, Value: 2},
		{Index: 2, Value: 3},
	}, points)
}

func TestMinMax_SpikeSurvives(t *testing.T) {
	samples := []float32{1, 1, 1, 1, 1, 1, 50, 1, 1, 1}
	points := MinMax(samples, 2)

	found := false
	for _, p := range points {
		if p.Index == 6 {
			found = true
			assert.Equal(t, float32(50), p.Value)
		}
	}
	require.True(t, found, "spike index missing from %v", points)
}

func TestMinMax_ZeroMaxPointsTreatedAsOne(t *testing.T) {
	points := MinMax([]float32{4, 1, 9}, 0)
	require.Equal(t, []SeriesPoint{{Index: 1, Value: 1}, {Index: 2, Value: 9}}, points)
}

func TestMinMax_BoundAndMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		n := 1 + rng.Intn(2000)
		maxPoints := 1 + rng.Intn(300)
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = rng.Float32()*200 - 100
		}

		points := MinMax(samples, maxPoints)
		if n <= maxPoints {
			require.Len(t, points, n)
			continue
		}

		bucketSize := (n + maxPoints - 1) / maxPoints
		buckets := (n + bucketSize - 1) / bucketSize
		require.LessOrEqual(t, len(points), 2*buckets)
		require.LessOrEqual(t, len(points), n)

		for i := 1; i < len(points); i++ {
			require.GreaterOrEqual(t, points[i].Index, points[i-1].Index)
		}
		for _, p := range points {
			require.Equal(t, samples[p.Index], p.Value)
		}
	}
}

func TestMinMax_GlobalExtremaPreserved(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	samples := make([]float32, 10000)
	for i := range samples {
		samples[i] = rng.Float32()
	}
	samples[4321] = -5
	samples[8765] = 5

	points := MinMax(samples, 100)
	var sawMin, sawMax bool
	for _, p := range points {
		sawMin = sawMin || p.Index == 4321
		sawMax = sawMax || p.Index == 8765
	}
	assert.True(t, sawMin)
	assert.True(t, sawMax)
}
