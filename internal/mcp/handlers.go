package mcp

import (
	"context"
	"fmt"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/nvandessel/spiketrial/internal/pathutil"
	"github.com/nvandessel/spiketrial/internal/snapshot"
	"github.com/nvandessel/spiketrial/internal/store"
)

// defaultListLimit caps trial_list when the client gives no limit.
const defaultListLimit = 20

// registerTools registers the trial tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "trial_list",
		Description: "List registered spiking network trials, newest first",
	}, s.handleTrialList)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "trial_show",
		Description: "Show one trial with its configuration, outcome, phase timings and progress samples",
	}, s.handleTrialShow)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "weights_summary",
		Description: "Summarise a trial's final excitatory weight snapshot as statistics and a histogram",
	}, s.handleWeightsSummary)
}

func (s *Server) handleTrialList(ctx context.Context, req *sdk.CallToolRequest, args TrialListInput) (_ *sdk.CallToolResult, _ TrialListOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("trial_list", start, retErr, sanitizeToolParams(map[string]any{
			"status": args.Status, "limit": args.Limit,
		}))
	}()

	if err := s.limiters.Check("trial_list"); err != nil {
		return nil, TrialListOutput{}, err
	}

	status := store.Status(args.Status)
	switch status {
	case "", store.StatusRunning, store.StatusFinished, store.StatusFailed:
	default:
		return nil, TrialListOutput{}, fmt.Errorf("invalid status %q (valid: running, finished, failed)", args.Status)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	trials, err := s.store.List(ctx, store.ListOptions{Status: status, Limit: limit})
	if err != nil {
		return nil, TrialListOutput{}, fmt.Errorf("failed to list trials: %w", err)
	}

	items := make([]TrialListItem, 0, len(trials))
	for _, t := range trials {
		items = append(items, listItem(&t))
	}

	return nil, TrialListOutput{Trials: items, Count: len(items)}, nil
}

func (s *Server) handleTrialShow(ctx context.Context, req *sdk.CallToolRequest, args TrialShowInput) (_ *sdk.CallToolResult, _ TrialShowOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("trial_show", start, retErr, sanitizeToolParams(map[string]any{"id": args.ID}))
	}()

	if err := s.limiters.Check("trial_show"); err != nil {
		return nil, TrialShowOutput{}, err
	}
	if args.ID == "" {
		return nil, TrialShowOutput{}, fmt.Errorf("id is required")
	}
	t, err := s.store.Get(ctx, args.ID)
	if err != nil {
		return nil, TrialShowOutput{}, err
	}

	detail := TrialDetail{
		Summary:          listItem(t),
		TimestepMs:       t.TimestepMs,
		Config:           t.Config,
		OutputDir:        t.OutputDir,
		Ticks:            t.Ticks,
		SpikeLog:         t.SpikeLog,
		SnapshotDir:      t.SnapshotDir,
		SnapshotChecksum: t.SnapshotChecksum,
		Synapses:         t.Synapses,
		Error:            t.Error,
		FinishedAt:       t.FinishedAt,
		Progress:         t.Progress,
	}
	for _, p := range t.Phases {
		detail.Phases = append(detail.Phases, PhaseItem{
			Kind:      string(p.Kind),
			Name:      p.Name,
			ElapsedMs: float64(p.Elapsed) / float64(time.Millisecond),
		})
	}
	return nil, TrialShowOutput{Trial: detail}, nil
}

func listItem(t *store.Trial) TrialListItem {
	return TrialListItem{
		ID:             t.ID,
		Status:         string(t.Status),
		Mode:           t.Mode,
		Plastic:        t.Plastic,
		DurationMs:     t.DurationMs,
		SpikesRecorded: t.SpikesRecorded,
		FinalRateHz:    t.FinalRateHz,
		CreatedAt:      t.CreatedAt,
	}
}

func (s *Server) handleWeightsSummary(ctx context.Context, req *sdk.CallToolRequest, args WeightsSummaryInput) (_ *sdk.CallToolResult, _ WeightsSummaryOutput, retErr error) {
	start := time.Now()
	defer func() {
		params := map[string]any{"id": args.ID, "dir": args.Dir, "bins": args.Bins, "scale": args.Scale}
		if args.Min != nil {
			params["min"] = *args.Min
		}
		if args.Max != nil {
			params["max"] = *args.Max
		}
		s.auditTool("weights_summary", start, retErr, sanitizeToolParams(params))
	}()

	if err := s.limiters.Check("weights_summary"); err != nil {
		return nil, WeightsSummaryOutput{}, err
	}

	var dir string
	switch {
	case args.ID != "":
		t, err := s.store.Get(ctx, args.ID)
		if err != nil {
			return nil, WeightsSummaryOutput{}, err
		}
		if t.SnapshotDir == "" {
			return nil, WeightsSummaryOutput{}, fmt.Errorf("trial %s has no weight snapshot (status %s, plastic %t)", t.ID, t.Status, t.Plastic)
		}
		dir = t.SnapshotDir
	case args.Dir != "":
		resolved, err := pathutil.Within(args.Dir, s.allowedDirs)
		if err != nil {
			return nil, WeightsSummaryOutput{}, fmt.Errorf("dir rejected: %w", err)
		}
		dir = resolved
	default:
		return nil, WeightsSummaryOutput{}, fmt.Errorf("either id or dir is required")
	}
	if args.Bins < 0 {
		return nil, WeightsSummaryOutput{}, fmt.Errorf("bins must be positive, got %d", args.Bins)
	}

	sum, err := snapshot.Summarise(dir, snapshot.SummaryOptions{
		Bins:  args.Bins,
		Min:   args.Min,
		Max:   args.Max,
		Scale: args.Scale,
	})
	if err != nil {
		return nil, WeightsSummaryOutput{}, fmt.Errorf("failed to summarise snapshot %s: %w", dir, err)
	}
	return nil, WeightsSummaryOutput{Dir: dir, Summary: *sum}, nil
}
