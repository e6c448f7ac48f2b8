package mcp

import (
	"time"

	"github.com/nvandessel/spiketrial/internal/snapshot"
	"github.com/nvandessel/spiketrial/internal/store"
)

// TrialListInput defines the input for trial_list tool.
type TrialListInput struct {
	Status string `json:"status,omitempty" jsonschema:"Only list trials with this status: running, finished or failed"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of trials to return, newest first (default 20)"`
}

// TrialListOutput defines the output for trial_list tool.
type TrialListOutput struct {
	Trials []TrialListItem `json:"trials" jsonschema:"Registered trials, newest first"`
	Count  int             `json:"count" jsonschema:"Number of trials returned"`
}

// TrialListItem provides a list view of a trial.
type TrialListItem struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Mode           string    `json:"mode"`
	Plastic        bool      `json:"plastic"`
	DurationMs     float64   `json:"duration_ms"`
	SpikesRecorded int64     `json:"spikes_recorded"`
	FinalRateHz    float64   `json:"final_rate_hz"`
	CreatedAt      time.Time `json:"created_at"`
}

// TrialShowInput defines the input for trial_show tool.
type TrialShowInput struct {
	ID string `json:"id" jsonschema:"Trial ID or a unique prefix of it"`
}

// TrialShowOutput defines the output for trial_show tool.
type TrialShowOutput struct {
	Trial TrialDetail `json:"trial" jsonschema:"Full trial record with phase timings and progress samples"`
}

// TrialDetail is the full view of a trial.
type TrialDetail struct {
	Summary          TrialListItem          `json:"summary"`
	TimestepMs       float64                `json:"timestep_ms"`
	Config           string                 `json:"config,omitempty"`
	OutputDir        string                 `json:"output_dir,omitempty"`
	Ticks            int64                  `json:"ticks"`
	SpikeLog         string                 `json:"spike_log,omitempty"`
	SnapshotDir      string                 `json:"snapshot_dir,omitempty"`
	SnapshotChecksum string                 `json:"snapshot_checksum,omitempty"`
	Synapses         int                    `json:"synapses,omitempty"`
	Error            string                 `json:"error,omitempty"`
	FinishedAt       *time.Time             `json:"finished_at,omitempty"`
	Phases           []PhaseItem            `json:"phases,omitempty"`
	Progress         []store.ProgressSample `json:"progress,omitempty"`
}

// PhaseItem is a phase timing in milliseconds.
type PhaseItem struct {
	Kind      string  `json:"kind"`
	Name      string  `json:"name"`
	ElapsedMs float64 `json:"elapsed_ms"`
}

// WeightsSummaryInput defines the input for weights_summary tool.
type WeightsSummaryInput struct {
	ID    string   `json:"id,omitempty" jsonschema:"Trial ID or prefix whose snapshot to summarise"`
	Dir   string   `json:"dir,omitempty" jsonschema:"Snapshot directory, used when no trial ID is given"`
	Bins  int      `json:"bins,omitempty" jsonschema:"Histogram bucket count (default 40)"`
	Min   *float64 `json:"min,omitempty" jsonschema:"Histogram lower bound after scaling (default data minimum)"`
	Max   *float64 `json:"max,omitempty" jsonschema:"Histogram upper bound after scaling (default data maximum)"`
	Scale float64  `json:"scale,omitempty" jsonschema:"Factor applied to every weight before binning (default 1)"`
}

// WeightsSummaryOutput defines the output for weights_summary tool.
type WeightsSummaryOutput struct {
	Dir     string           `json:"dir" jsonschema:"Snapshot directory that was read"`
	Summary snapshot.Summary `json:"summary" jsonschema:"Weight statistics and normalised histogram"`
}
