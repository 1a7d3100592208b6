// Package analysis provides spectral and summary statistics over captured
// series.
//
// Only present values enter any computation. Absent ticks are dropped
// rather than zero-filled, so a partial series never fakes a reading:
//
//	freq, err := analysis.DominantFrequency(series, "accel_y")
//
// [CompareSpectra] measures how far two runs of the same scenario drift
// apart, e.g. sync against async capture of one route.
package analysis
