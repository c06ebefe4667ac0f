// Package decimate implements the two levels of on-the-fly summarisation
// the transform engine computes over each BPM column (spec §4.3): a
// first-level mean/min/max/population-standard-deviation record over
// first_decimation samples, and a second-level record that combines
// second_decimation first-level records (first_decimation*second_decimation
// raw samples) without revisiting the raw samples.
package decimate

import "math"

// Record is one mean/min/max/std summary over a run of samples, computed
// independently for X and Y (spec §3 "Decimated record").
type Record struct {
	MeanX, MinX, MaxX, StdX int32
	MeanY, MinY, MaxY, StdY int32
}

// Sample is a single (X, Y) position pair, the unit the level-1 decimator
// consumes.
type Sample struct {
	X, Y int32
}

// Level1 computes one Record over samples using a two-pass algorithm:
// the first pass finds the mean, the second accumulates the sum of squared
// deviations from that mean, which is the numerically stable way to
// compute population standard deviation (spec §4.3 step 2). Panics if
// samples is empty: the transform engine never calls this with a partial
// group (partial groups are discarded on gap, spec §4.3 "Gap handling").
func Level1(samples []Sample) Record {
	if len(samples) == 0 {
		panic("decimate: Level1 called with no samples")
	}

	var sumX, sumY int64
	minX, maxX := samples[0].X, samples[0].X
	minY, maxY := samples[0].Y, samples[0].Y

	for _, s := range samples {
		sumX += int64(s.X)
		sumY += int64(s.Y)
		minX, maxX = minInt32(minX, s.X), maxInt32(maxX, s.X)
		minY, maxY = minInt32(minY, s.Y), maxInt32(maxY, s.Y)
	}

	n := float64(len(samples))
	meanX := float64(sumX) / n
	meanY := float64(sumY) / n

	var sqDevX, sqDevY float64
	for _, s := range samples {
		dx := float64(s.X) - meanX
		dy := float64(s.Y) - meanY
		sqDevX += dx * dx
		sqDevY += dy * dy
	}

	return Record{
		MeanX: int32(math.Round(meanX)),
		MinX:  minX,
		MaxX:  maxX,
		StdX:  int32(math.Round(math.Sqrt(sqDevX / n))),
		MeanY: int32(math.Round(meanY)),
		MinY:  minY,
		MaxY:  maxY,
		StdY:  int32(math.Round(math.Sqrt(sqDevY / n))),
	}
}

// Combine produces a single level-2 ("doubly decimated") record from a run
// of level-1 records, without access to the underlying raw samples (spec
// §4.3 step 4): min is min-of-mins, max is max-of-maxes, mean is
// mean-of-means, and std is sqrt(mean(std_i^2)).
func Combine(records []Record) Record {
	if len(records) == 0 {
		panic("decimate: Combine called with no records")
	}

	var sumMeanX, sumMeanY, sumStdSqX, sumStdSqY float64
	minX, maxX := records[0].MinX, records[0].MaxX
	minY, maxY := records[0].MinY, records[0].MaxY

	for _, r := range records {
		sumMeanX += float64(r.MeanX)
		sumMeanY += float64(r.MeanY)
		sumStdSqX += float64(r.StdX) * float64(r.StdX)
		sumStdSqY += float64(r.StdY) * float64(r.StdY)
		minX, maxX = minInt32(minX, r.MinX), maxInt32(maxX, r.MaxX)
		minY, maxY = minInt32(minY, r.MinY), maxInt32(maxY, r.MaxY)
	}

	n := float64(len(records))

	return Record{
		MeanX: int32(math.Round(sumMeanX / n)),
		MinX:  minX,
		MaxX:  maxX,
		StdX:  int32(math.Round(math.Sqrt(sumStdSqX / n))),
		MeanY: int32(math.Round(sumMeanY / n)),
		MinY:  minY,
		MaxY:  maxY,
		StdY:  int32(math.Round(math.Sqrt(sumStdSqY / n))),
	}
}

func minInt32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
