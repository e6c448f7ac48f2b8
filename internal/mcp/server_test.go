package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/nvandessel/spiketrial/internal/ratelimit"
	"github.com/nvandessel/spiketrial/internal/snapshot"
	"github.com/nvandessel/spiketrial/internal/store"
)

// hostWeights is a WeightSource whose data is already on the host.
type hostWeights struct {
	maxRow     int
	weights    []float32
	rowLengths []uint32
}

func (h *hostWeights) PopulationSize() int                      { return len(h.rowLengths) }
func (h *hostWeights) MaxRowLength() int                        { return h.maxRow }
func (h *hostWeights) PullWeights(ctx context.Context) error    { return nil }
func (h *hostWeights) PullRowLengths(ctx context.Context) error { return nil }
func (h *hostWeights) Weights() []float32                       { return h.weights }
func (h *hostWeights) RowLengths() []uint32                     { return h.rowLengths }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	tmpDir := t.TempDir()
	server, err := NewServer(&Config{
		Name:     "test-server",
		Version:  "v1.0.0",
		Registry: filepath.Join(tmpDir, "trials.db"),
		AuditDir: tmpDir,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server, tmpDir
}

// seedTrials registers a finished plastic trial with a snapshot, a failed
// trial and a running one. It returns their IDs in that order.
func seedTrials(t *testing.T, s *Server, dir string) []string {
	t.Helper()
	ctx := context.Background()

	snapDir := filepath.Join(dir, "weights")
	src := &hostWeights{
		maxRow:     3,
		weights:    []float32{0.1, 0.2, 0, 0.4, 0, 0},
		rowLengths: []uint32{2, 1},
	}
	m, err := snapshot.Extract(ctx, src, snapDir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i, mode := range []string{"accelerator", "host", "host"} {
		id, err := s.store.Create(ctx, store.Trial{
			Mode:       mode,
			Plastic:    i == 0,
			DurationMs: 5000,
			TimestepMs: 1,
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}

	if err := s.store.AddPhase(ctx, ids[0], store.Phase{Name: "simulate", Elapsed: 1500 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if err := s.store.AddProgress(ctx, ids[0], store.ProgressSample{Tick: 1000, TimeMs: 1000, Percent: 20, RateHz: 2.5}); err != nil {
		t.Fatal(err)
	}
	if err := s.store.Finish(ctx, ids[0], store.Outcome{
		Ticks:            5000,
		SpikesRecorded:   321,
		FinalRateHz:      2.5,
		SnapshotDir:      snapDir,
		SnapshotChecksum: m.Checksum,
		Synapses:         m.Synapses,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.store.Fail(ctx, ids[1], errors.New("kernel step failed"), store.Outcome{Ticks: 12}); err != nil {
		t.Fatal(err)
	}
	return ids
}

func TestNewServer(t *testing.T) {
	server, _ := newTestServer(t)
	if server.server == nil {
		t.Error("Server.server is nil")
	}
	if server.store == nil {
		t.Error("Server.store is nil")
	}
	if server.auditLogger == nil {
		t.Error("audit logger not opened")
	}
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	if _, err := NewServer(&Config{Name: "x", Version: "v0"}); err == nil {
		t.Error("expected error without registry path")
	}
}

func TestHandleTrialList(t *testing.T) {
	server, dir := newTestServer(t)
	ids := seedTrials(t, server, dir)
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	_, out, err := server.handleTrialList(ctx, req, TrialListInput{})
	if err != nil {
		t.Fatalf("handleTrialList failed: %v", err)
	}
	if out.Count != 3 || len(out.Trials) != 3 {
		t.Fatalf("Count = %d, want 3", out.Count)
	}
	if out.Trials[0].ID != ids[2] {
		t.Errorf("first trial = %s, want newest %s", out.Trials[0].ID, ids[2])
	}

	_, out, err = server.handleTrialList(ctx, req, TrialListInput{Status: "finished"})
	if err != nil {
		t.Fatalf("handleTrialList failed: %v", err)
	}
	if out.Count != 1 || out.Trials[0].ID != ids[0] || out.Trials[0].SpikesRecorded != 321 {
		t.Errorf("finished filter = %+v", out.Trials)
	}

	_, out, err = server.handleTrialList(ctx, req, TrialListInput{Limit: 1})
	if err != nil {
		t.Fatalf("handleTrialList failed: %v", err)
	}
	if out.Count != 1 {
		t.Errorf("Limit 1 returned %d", out.Count)
	}

	if _, _, err := server.handleTrialList(ctx, req, TrialListInput{Status: "paused"}); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestHandleTrialList_Empty(t *testing.T) {
	server, _ := newTestServer(t)
	_, out, err := server.handleTrialList(context.Background(), &sdk.CallToolRequest{}, TrialListInput{})
	if err != nil {
		t.Fatalf("handleTrialList failed: %v", err)
	}
	if out.Count != 0 || out.Trials == nil {
		t.Errorf("expected empty non-nil list, got %+v", out)
	}
}

func TestHandleTrialShow(t *testing.T) {
	server, dir := newTestServer(t)
	ids := seedTrials(t, server, dir)
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	_, out, err := server.handleTrialShow(ctx, req, TrialShowInput{ID: ids[0][:8]})
	if err != nil {
		t.Fatalf("handleTrialShow failed: %v", err)
	}
	tr := out.Trial
	if tr.Summary.ID != ids[0] || tr.Summary.Status != "finished" {
		t.Errorf("unexpected trial summary: %+v", tr.Summary)
	}
	if len(tr.Phases) != 1 || tr.Phases[0].Name != "simulate" || tr.Phases[0].ElapsedMs != 1500 {
		t.Errorf("phases = %+v", tr.Phases)
	}
	if len(tr.Progress) != 1 || tr.Progress[0].RateHz != 2.5 {
		t.Errorf("progress = %+v", tr.Progress)
	}
	if tr.FinishedAt == nil {
		t.Error("FinishedAt missing")
	}

	_, out, err = server.handleTrialShow(ctx, req, TrialShowInput{ID: ids[1]})
	if err != nil {
		t.Fatalf("handleTrialShow failed: %v", err)
	}
	if out.Trial.Error != "kernel step failed" || out.Trial.Ticks != 12 {
		t.Errorf("failed trial = %+v", out.Trial)
	}

	if _, _, err := server.handleTrialShow(ctx, req, TrialShowInput{}); err == nil {
		t.Error("expected error for empty id")
	}
	if _, _, err := server.handleTrialShow(ctx, req, TrialShowInput{ID: "does-not-exist"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHandleWeightsSummary(t *testing.T) {
	server, dir := newTestServer(t)
	ids := seedTrials(t, server, dir)
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	t.Run("by trial id", func(t *testing.T) {
		_, out, err := server.handleWeightsSummary(ctx, req, WeightsSummaryInput{ID: ids[0], Bins: 4})
		if err != nil {
			t.Fatalf("handleWeightsSummary failed: %v", err)
		}
		if out.Summary.Count != 3 {
			t.Errorf("Count = %d, want 3", out.Summary.Count)
		}
		if len(out.Summary.Histogram) != 4 {
			t.Errorf("bins = %d, want 4", len(out.Summary.Histogram))
		}
		if out.Dir != filepath.Join(dir, "weights") {
			t.Errorf("Dir = %q", out.Dir)
		}
	})

	t.Run("by directory", func(t *testing.T) {
		lo, hi := 0.0, 1.0
		_, out, err := server.handleWeightsSummary(ctx, req, WeightsSummaryInput{
			Dir: filepath.Join(dir, "weights"), Bins: 10, Min: &lo, Max: &hi,
		})
		if err != nil {
			t.Fatalf("handleWeightsSummary failed: %v", err)
		}
		if out.Summary.RangeLo != 0 || out.Summary.RangeHi != 1 {
			t.Errorf("range = [%g, %g]", out.Summary.RangeLo, out.Summary.RangeHi)
		}
	})

	t.Run("trial without snapshot", func(t *testing.T) {
		_, _, err := server.handleWeightsSummary(ctx, req, WeightsSummaryInput{ID: ids[1]})
		if err == nil || !strings.Contains(err.Error(), "no weight snapshot") {
			t.Errorf("expected no-snapshot error, got %v", err)
		}
	})

	t.Run("directory outside allowed roots", func(t *testing.T) {
		_, _, err := server.handleWeightsSummary(ctx, req, WeightsSummaryInput{Dir: t.TempDir()})
		if err == nil || !strings.Contains(err.Error(), "outside") {
			t.Errorf("expected outside-directory rejection, got %v", err)
		}
	})

	t.Run("nothing given", func(t *testing.T) {
		if _, _, err := server.handleWeightsSummary(ctx, req, WeightsSummaryInput{}); err == nil {
			t.Error("expected error without id or dir")
		}
	})
}

func TestRateLimit(t *testing.T) {
	server, _ := newTestServer(t)
	server.limiters = ratelimit.Tools{"trial_list": ratelimit.NewLimiter(0, 1)}
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	if _, _, err := server.handleTrialList(ctx, req, TrialListInput{}); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if _, _, err := server.handleTrialList(ctx, req, TrialListInput{}); !errors.Is(err, ratelimit.ErrLimited) {
		t.Errorf("expected ErrLimited, got %v", err)
	}
	if _, _, err := server.handleTrialShow(ctx, req, TrialShowInput{ID: "x"}); errors.Is(err, ratelimit.ErrLimited) {
		t.Error("trial_show limited by the trial_list bucket")
	}
}

func TestAuditLog(t *testing.T) {
	server, dir := newTestServer(t)
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	server.handleTrialList(ctx, req, TrialListInput{Status: "failed", Limit: 5})
	server.handleTrialShow(ctx, req, TrialShowInput{ID: "secret-id"})
	if err := server.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, AuditFile))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var entries []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("invalid audit line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}

	list := entries[0]
	if list.Tool != "trial_list" || list.Status != "success" {
		t.Errorf("list entry = %+v", list)
	}
	if list.Params["status"] != "failed" || list.Params["limit"] != "5" {
		t.Errorf("list params = %v", list.Params)
	}

	show := entries[1]
	if show.Status != "error" || show.Error == "" {
		t.Errorf("show entry should record the lookup error: %+v", show)
	}
	if show.Params["id"] != "(set)" {
		t.Errorf("trial id leaked into audit params: %v", show.Params)
	}
}

func TestAuditLogger_NilSafety(t *testing.T) {
	var a *AuditLogger
	a.Log(AuditEntry{Tool: "trial_list"})
	if err := a.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}
}

func TestSanitizeToolParams(t *testing.T) {
	got := sanitizeToolParams(map[string]any{
		"bins":    40,
		"dir":     "/home/me/trial",
		"unknown": "x",
	})
	if got["bins"] != "40" {
		t.Errorf("bins = %q", got["bins"])
	}
	if got["dir"] != "(set)" {
		t.Errorf("dir = %q", got["dir"])
	}
	if _, ok := got["unknown"]; ok {
		t.Error("unknown param logged")
	}
	if got["_param_count"] != "3" {
		t.Errorf("_param_count = %q", got["_param_count"])
	}
	if sanitizeToolParams(nil) != nil {
		t.Error("nil params should yield nil")
	}
}
