package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNoStore is returned by queries on a nil Store.
var ErrNoStore = errors.New("storage: no database configured")

// Store wraps SQLite-backed persistence for jobs, SDM calls and cluster findings.
// A nil *Store accepts writes as no-ops so callers can run without a database.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
        id TEXT PRIMARY KEY,
        type TEXT NOT NULL,
        status TEXT NOT NULL,
        input_path TEXT,
        output_path TEXT,
        options_json TEXT,
        meta_json TEXT,
        error_message TEXT,
        queued_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        started_at TIMESTAMP,
        completed_at TIMESTAMP
    );`,
	`CREATE TABLE IF NOT EXISTS sdm_invocations (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        job_id TEXT,
        command TEXT NOT NULL,
        work_dir TEXT,
        exit_code INTEGER,
        output TEXT,
        error_message TEXT,
        started_at TIMESTAMP,
        finished_at TIMESTAMP
    );`,
	`CREATE TABLE IF NOT EXISTS cluster_findings (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        job_id TEXT NOT NULL,
        name TEXT,
        volume TEXT,
        sign TEXT,
        source TEXT,
        cluster INTEGER,
        voxels INTEGER,
        peak_x INTEGER,
        peak_y INTEGER,
        peak_z INTEGER,
        peak_value REAL,
        overlap_voxels INTEGER,
        overlap_fraction REAL,
        status TEXT
    );`,
	`CREATE INDEX IF NOT EXISTS idx_sdm_invocations_job ON sdm_invocations(job_id);`,
	`CREATE INDEX IF NOT EXISTS idx_cluster_findings_job ON cluster_findings(job_id, status);`,
}

// New opens the SQLite database at path, creating tables on first use.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// InvocationRecord is one SDM command run on behalf of a job.
type InvocationRecord struct {
	JobID      string    `json:"job_id"`
	Command    string    `json:"command"`
	WorkDir    string    `json:"work_dir"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// FindingRecord is one row of a cluster check.
type FindingRecord struct {
	JobID           string  `json:"job_id"`
	Name            string  `json:"name"`
	Volume          string  `json:"volume"`
	Sign            string  `json:"sign"`
	Source          string  `json:"source"`
	Cluster         int     `json:"cluster"`
	Voxels          int     `json:"voxels"`
	Peak            [3]int  `json:"peak"`
	PeakValue       float64 `json:"peak_value"`
	OverlapVoxels   int     `json:"overlap_voxels"`
	OverlapFraction float64 `json:"overlap_fraction"`
	Status          string  `json:"status"`
}

// RecordJobQueued stores a newly submitted job, replacing any earlier row
// with the same id.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO jobs (id, type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart moves a job to running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`UPDATE jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult stores a job's final status, result meta and error text.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta for %s: %w", id, err)
	}
	_, err = s.db.Exec(`UPDATE jobs SET status=?, meta_json=?, error_message=?, completed_at=CURRENT_TIMESTAMP WHERE id=?;`,
		status, string(metaJSON), errMsg, id)
	return err
}

// RecordInvocation stores one SDM command run.
func (s *Store) RecordInvocation(rec InvocationRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO sdm_invocations (job_id, command, work_dir, exit_code, output, error_message, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.Command, rec.WorkDir, rec.ExitCode, rec.Output, rec.Error, rec.StartedAt.UTC(), rec.FinishedAt.UTC())
	return err
}

// RecordFindings stores the rows of a cluster check in one transaction.
func (s *Store) RecordFindings(recs []FindingRecord) error {
	if s == nil || len(recs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO cluster_findings (job_id, name, volume, sign, source, cluster, voxels, peak_x, peak_y, peak_z, peak_value, overlap_voxels, overlap_fraction, status)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.Exec(r.JobID, r.Name, r.Volume, r.Sign, r.Source, r.Cluster, r.Voxels,
			r.Peak[0], r.Peak[1], r.Peak[2], r.PeakValue, r.OverlapVoxels, r.OverlapFraction, r.Status); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const jobColumns = `id, type, status, input_path, output_path, options_json, queued_at, started_at, completed_at, error_message`

// RecentJobs lists up to limit jobs, newest first.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, ErrNoStore
	}
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs ORDER BY queued_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job returns one job by id, or sql.ErrNoRows.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, ErrNoStore
	}
	return scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id=?;`, id))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var (
		rec                            JobRecord
		input, output, options, errMsg sql.NullString
		started, completed             sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options,
		&rec.CreatedAt, &started, &completed, &errMsg)
	if err != nil {
		return JobRecord{}, err
	}
	rec.InputPath, rec.OutputPath = input.String, output.String
	rec.OptionsJSON, rec.Error = options.String, errMsg.String
	if started.Valid {
		t := started.Time
		rec.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// JobMeta returns the result meta of a finished job. Jobs that have not
// finished yet have no meta and return nil without error.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, ErrNoStore
	}
	var raw sql.NullString
	if err := s.db.QueryRow(`SELECT meta_json FROM jobs WHERE id=?;`, id).Scan(&raw); err != nil {
		return nil, err
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, fmt.Errorf("decode meta for %s: %w", id, err)
	}
	return meta, nil
}

// Findings returns the cluster rows recorded for a job, optionally filtered by status.
func (s *Store) Findings(jobID, status string) ([]FindingRecord, error) {
	if s == nil {
		return nil, ErrNoStore
	}
	q := `SELECT job_id, name, volume, sign, source, cluster, voxels, peak_x, peak_y, peak_z, peak_value, overlap_voxels, overlap_fraction, status FROM cluster_findings WHERE job_id=?`
	args := []any{jobID}
	if status != "" {
		q += ` AND status=?`
		args = append(args, status)
	}
	rows, err := s.db.Query(q+` ORDER BY seq;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FindingRecord
	for rows.Next() {
		var r FindingRecord
		if err := rows.Scan(&r.JobID, &r.Name, &r.Volume, &r.Sign, &r.Source, &r.Cluster, &r.Voxels,
			&r.Peak[0], &r.Peak[1], &r.Peak[2], &r.PeakValue, &r.OverlapVoxels, &r.OverlapFraction, &r.Status); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Invocations returns the SDM commands run for a job in order.
func (s *Store) Invocations(jobID string) ([]InvocationRecord, error) {
	if s == nil {
		return nil, ErrNoStore
	}
	rows, err := s.db.Query(`SELECT job_id, command, work_dir, exit_code, output, error_message, started_at, finished_at FROM sdm_invocations WHERE job_id=? ORDER BY seq;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []InvocationRecord
	for rows.Next() {
		var r InvocationRecord
		var workDir, output, errMsg sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&r.JobID, &r.Command, &workDir, &r.ExitCode, &output, &errMsg, &started, &finished); err != nil {
			return nil, err
		}
		r.WorkDir, r.Output, r.Error = workDir.String, output.String, errMsg.String
		r.StartedAt, r.FinishedAt = started.Time, finished.Time
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
