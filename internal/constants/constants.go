// Package constants provides named constants used throughout spiketrial.
// This centralizes the reference trial policy in one place.
package constants

// Reference trial policy
const (
	// DefaultAlpha is the smoothing constant of the activity moving average.
	DefaultAlpha = 0.001

	// DefaultRecordWindowMs is the trailing window of simulated time whose
	// spikes are written to the spike log (the last 50 s of a trial).
	DefaultRecordWindowMs = 50.0 * 1000.0

	// DefaultReportEveryTicks is the progress reporting cadence.
	DefaultReportEveryTicks = 1000
)

// Default network shape
const (
	DefaultDurationMs   = 200.0 * 1000.0
	DefaultTimestepMs   = 0.1
	DefaultPopulation   = 2000
	DefaultMaxRowLength = 400
	DefaultDelaySteps   = 15
)

// Output locations, relative to the output directory.
const (
	// DefaultOutputDir is where a trial writes its artifacts.
	DefaultOutputDir = "trial_out"

	// DefaultSpikeLog is the spike log file name.
	DefaultSpikeLog = "spikes.csv"

	// SnapshotDir holds the weight snapshot files.
	SnapshotDir = "weights"

	// EventLogFile is the JSONL trial event log written at debug level.
	EventLogFile = "events.jsonl"

	// RegistryFile is the default trial registry database name.
	RegistryFile = "trials.db"
)
