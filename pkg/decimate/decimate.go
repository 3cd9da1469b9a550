// Package decimate reduces sample sequences to a bounded number of points for
// charting while keeping local extrema visible.
package decimate

// SeriesPoint is one sample of a measurement: its ordinal and its reading.
type SeriesPoint struct {
	Index int     `json:"index"`
	Value float32 `json:"value"`
}

// MinMax reduces samples to at most two points per bucket.
//
// When len(samples) <= maxPoints every sample is returned unchanged. Otherwise
// samples are split into consecutive buckets of ceil(len/maxPoints) and each
// bucket contributes its minimum and its maximum (first occurrence wins ties),
// emitted in original index order so the output stays monotonic. Spikes survive;
// this is not an averaging downsample.
func MinMax(samples []float32, maxPoints int) []SeriesPoint {
	if len(samples) == 0 {
		return []SeriesPoint{}
	}
	if maxPoints < 1 {
		maxPoints = 1
	}

	if len(samples) <= maxPoints {
		points := make([]SeriesPoint, len(samples))
		for i, v := range samples {
			points[i] = SeriesPoint{Index: i, Value: v}
		}
		return points
	}

	bucketSize := (len(samples) + maxPoints - 1) / maxPoints
	buckets := (len(samples) + bucketSize - 1) / bucketSize
	points := make([]SeriesPoint, 0, buckets*2)

	for start := 0; start < len(samples); start += bucketSize {
		end := start + bucketSize
		if end > len(samples) {
			end = len(samples)
		}

		minIdx, maxIdx := start, start
		for i := start + 1; i < end; i++ {
			if samples[i] < samples[minIdx] {
				minIdx = i
			}
			if samples[i] > samples[maxIdx] {
				maxIdx = i
			}
		}

		// Only the trailing bucket can hold a single sample; emitting it twice
		// could make the output longer than the input.
		if end-start == 1 {
			points = append(points, SeriesPoint{Index: start, Value: samples[start]})
			continue
		}

		first, second := minIdx, maxIdx
		if maxIdx < minIdx {
			first, second = maxIdx, minIdx
		}
		points = append(points,
			SeriesPoint{Index: first, Value: samples[first]},
			SeriesPoint{Index: second, Value: samples[second]},
		)
	}

	return points
}
