// Package viz renders a live terminal view of a capture session.
//
// [Model] is a Bubble Tea model fed with [ProgressMsg] values as ticks
// seal. It shows overall progress, per-series completeness with partial
// and late counts, a sparkline per series and an asciigraph chart of the
// selected channel.
//
// # Key Bindings
//
//	Q       - Quit (cancels the capture)
//	Tab/↑↓  - Select series
//	←→      - Select channel
package viz
