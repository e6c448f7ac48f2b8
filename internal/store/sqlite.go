package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nvandessel/spiketrial/internal/sanitize"
	_ "modernc.org/sqlite" // SQLite driver
)

// TrialStore is the SQLite-backed trial registry.
type TrialStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the registry database at path.
func Open(path string) (*TrialStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &TrialStore{db: db, dbPath: path}, nil
}

// Path returns the database file path.
func (s *TrialStore) Path() string { return s.dbPath }

// Close closes the database.
func (s *TrialStore) Close() error {
	return s.db.Close()
}

// Create registers a new running trial and returns its ID. A random UUID
// is assigned when t.ID is empty.
func (s *TrialStore) Create(ctx context.Context, t Trial) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trials (id, status, mode, plastic, duration_ms, timestep_ms, config, output_dir, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, StatusRunning, t.Mode, boolToInt(t.Plastic), t.DurationMs, t.TimestepMs,
		nullString(t.Config), nullString(t.OutputDir), formatTime(t.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("failed to insert trial: %w", err)
	}
	return t.ID, nil
}

// Finish marks a trial finished and stores its outcome.
func (s *TrialStore) Finish(ctx context.Context, id string, o Outcome) error {
	return s.complete(ctx, id, StatusFinished, o, "")
}

// Fail marks a trial failed. o holds whatever the trial reached before
// the failure. The stored message is sanitized.
func (s *TrialStore) Fail(ctx context.Context, id string, cause error, o Outcome) error {
	msg := "unknown error"
	if cause != nil {
		msg = sanitize.Message(cause.Error())
	}
	return s.complete(ctx, id, StatusFailed, o, msg)
}

func (s *TrialStore) complete(ctx context.Context, id string, status Status, o Outcome, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE trials SET
			status = ?, ticks = ?, spikes_recorded = ?, final_rate_hz = ?,
			spike_log = ?, snapshot_dir = ?, snapshot_checksum = ?, synapses = ?,
			error = ?, finished_at = ?
		WHERE id = ?`,
		status, o.Ticks, o.SpikesRecorded, o.FinalRateHz,
		nullString(o.SpikeLog), nullString(o.SnapshotDir), nullString(o.SnapshotChecksum), o.Synapses,
		nullString(errText), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update trial %s: %w", id, err)
	}
	return requireRow(res, id)
}

// AddPhase appends a phase timing to a trial.
func (s *TrialStore) AddPhase(ctx context.Context, id string, p Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Kind == "" {
		p.Kind = PhaseTrial
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trial_phases (trial_id, seq, kind, name, elapsed_ns)
		SELECT ?, COALESCE(MAX(seq), -1) + 1, ?, ?, ?
		FROM trial_phases WHERE trial_id = ?`,
		id, p.Kind, p.Name, int64(p.Elapsed), id)
	if err != nil {
		return fmt.Errorf("failed to add phase %s to trial %s: %w", p.Name, id, err)
	}
	return nil
}

// AddProgress records a progress sample. A repeated tick replaces the
// earlier sample.
func (s *TrialStore) AddProgress(ctx context.Context, id string, p ProgressSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trial_progress (trial_id, tick, t_ms, percent, rate_hz)
		VALUES (?, ?, ?, ?, ?)`,
		id, p.Tick, p.TimeMs, p.Percent, p.RateHz)
	if err != nil {
		return fmt.Errorf("failed to add progress to trial %s: %w", id, err)
	}
	return nil
}

const trialColumns = `
	id, status, mode, plastic, duration_ms, timestep_ms, config, output_dir,
	ticks, spikes_recorded, final_rate_hz, spike_log, snapshot_dir, snapshot_checksum, synapses,
	error, created_at, finished_at`

// List returns trials, newest first, without phases or progress.
func (s *TrialStore) List(ctx context.Context, opts ListOptions) ([]Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + trialColumns + ` FROM trials`
	var args []any
	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at DESC, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}
	defer rows.Close()

	var trials []Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		trials = append(trials, *t)
	}
	return trials, rows.Err()
}

// Get returns a trial with its phases and progress samples. id may be a
// unique prefix of the full ID.
func (s *TrialStore) Get(ctx context.Context, id string) (*Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fullID, err := s.resolveUnlocked(ctx, id)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+trialColumns+` FROM trials WHERE id = ?`, fullID)
	t, err := scanTrial(row)
	if err != nil {
		return nil, err
	}

	if t.Phases, err = s.phasesUnlocked(ctx, fullID); err != nil {
		return nil, err
	}
	if t.Progress, err = s.progressUnlocked(ctx, fullID); err != nil {
		return nil, err
	}
	return t, nil
}

// resolveUnlocked expands an ID prefix (caller must hold lock).
func (s *TrialStore) resolveUnlocked(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("%w: empty id", ErrNotFound)
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM trials WHERE id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`, escaped+"%")
	if err != nil {
		return "", fmt.Errorf("failed to resolve trial id: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("failed to scan trial id: %w", err)
		}
		if id == prefix {
			return id, nil
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(ids) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNotFound, prefix)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrAmbiguous, prefix)
	}
}

func (s *TrialStore) phasesUnlocked(ctx context.Context, id string) ([]Phase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, name, elapsed_ns FROM trial_phases WHERE trial_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query phases: %w", err)
	}
	defer rows.Close()

	var phases []Phase
	for rows.Next() {
		var (
			p  Phase
			ns int64
		)
		if err := rows.Scan(&p.Kind, &p.Name, &ns); err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		p.Elapsed = time.Duration(ns)
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

func (s *TrialStore) progressUnlocked(ctx context.Context, id string) ([]ProgressSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tick, t_ms, percent, rate_hz FROM trial_progress WHERE trial_id = ? ORDER BY tick`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query progress: %w", err)
	}
	defer rows.Close()

	var samples []ProgressSample
	for rows.Next() {
		var p ProgressSample
		if err := rows.Scan(&p.Tick, &p.TimeMs, &p.Percent, &p.RateHz); err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		samples = append(samples, p)
	}
	return samples, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrial(sc scanner) (*Trial, error) {
	var (
		t                                    Trial
		status                               string
		plastic                              int
		config, outputDir                    sql.NullString
		spikeLog, snapshotDir, checksum, msg sql.NullString
		createdAt                            string
		finishedAt                           sql.NullString
	)
	err := sc.Scan(
		&t.ID, &status, &t.Mode, &plastic, &t.DurationMs, &t.TimestepMs, &config, &outputDir,
		&t.Ticks, &t.SpikesRecorded, &t.FinalRateHz, &spikeLog, &snapshotDir, &checksum, &t.Synapses,
		&msg, &createdAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trial: %w", err)
	}

	t.Status = Status(status)
	t.Plastic = plastic != 0
	t.Config = config.String
	t.OutputDir = outputDir.String
	t.SpikeLog = spikeLog.String
	t.SnapshotDir = snapshotDir.String
	t.SnapshotChecksum = checksum.String
	t.Error = msg.String
	t.CreatedAt = parseTime(createdAt)
	if finishedAt.Valid {
		ft := parseTime(finishedAt.String)
		t.FinishedAt = &ft
	}
	return &t, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of trial %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout has fixed-width fractional seconds so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
