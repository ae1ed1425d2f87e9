// Package scanstore provides persistent storage for scan job state and
// results using SQLite.
package scanstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a scan job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ScanJobParams contains the parameters for a neighborhood scan job.
type ScanJobParams struct {
	DatasetID string  `json:"dataset_id"`
	K         int     `json:"k"`
	Clusters  int     `json:"clusters"`
	Kernel    string  `json:"kernel"`
	Bandwidth float64 `json:"bandwidth"`
	Seed      int64   `json:"seed"`
}

// ScanJobProgress represents the progress of a scan job.
type ScanJobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// ScanJob represents one neighborhood scan job.
type ScanJob struct {
	ID          string          `json:"job_id"`
	DatasetID   string          `json:"dataset_id"`
	Status      JobStatus       `json:"status"`
	Params      ScanJobParams   `json:"params"`
	Progress    ScanJobProgress `json:"progress"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	NCells      int             `json:"n_cells"`
	NDegenerate int             `json:"n_degenerate"`
	Types       []string        `json:"types,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// CellResult contains the scan result for a single cell.
type CellResult struct {
	CellIdx    int       `json:"cell_idx"`
	CellID     string    `json:"cell_id"`
	Cluster    int       `json:"cluster"`
	Entropy    float64   `json:"entropy"`
	Perplexity float64   `json:"perplexity"`
	Degenerate bool      `json:"degenerate"`
	Probs      []float64 `json:"probs,omitempty"`
}

// ClusterProfile is the mean probability vector of one cluster.
type ClusterProfile struct {
	Cluster int       `json:"cluster"`
	Size    int       `json:"size"`
	Profile []float64 `json:"profile"`
}

// ColocEntry is one type-pair colocalization coefficient. R is NaN (and
// Defined false) for pairs involving a zero-variance type column.
type ColocEntry struct {
	TypeA   string  `json:"type_a"`
	TypeB   string  `json:"type_b"`
	R       float64 `json:"r"`
	Defined bool    `json:"defined"`
}

// Store provides persistent storage for scan jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based scan store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scan_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_cells INTEGER DEFAULT 0,
		n_degenerate INTEGER DEFAULT 0,
		types_json TEXT DEFAULT '',
		warnings_json TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_scan_jobs_dataset ON scan_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_scan_jobs_status ON scan_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_scan_jobs_finished ON scan_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS scan_cells (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		cell_idx INTEGER NOT NULL,
		cell_id TEXT NOT NULL,
		cluster INTEGER NOT NULL,
		entropy REAL NOT NULL,
		perplexity REAL NOT NULL,
		degenerate INTEGER NOT NULL,
		probs_json TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES scan_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_scan_cells_job ON scan_cells(job_id);
	CREATE INDEX IF NOT EXISTS idx_scan_cells_job_entropy ON scan_cells(job_id, entropy);
	CREATE INDEX IF NOT EXISTS idx_scan_cells_job_cluster ON scan_cells(job_id, cluster);

	CREATE TABLE IF NOT EXISTS scan_profiles (
		job_id TEXT NOT NULL,
		cluster INTEGER NOT NULL,
		size INTEGER NOT NULL,
		profile_json TEXT NOT NULL,
		PRIMARY KEY (job_id, cluster),
		FOREIGN KEY (job_id) REFERENCES scan_jobs(job_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS scan_coloc (
		job_id TEXT NOT NULL,
		type_a TEXT NOT NULL,
		type_b TEXT NOT NULL,
		r REAL,
		defined INTEGER NOT NULL,
		PRIMARY KEY (job_id, type_a, type_b),
		FOREIGN KEY (job_id) REFERENCES scan_jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO scan_jobs (job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_degenerate, types_json, warnings_json, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NCells,
		job.NDegenerate,
		"",
		"",
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(jobID string) (*ScanJob, error) {
	row := s.db.QueryRow(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_degenerate, types_json, warnings_json, error, created_at, started_at, finished_at
		FROM scan_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// UpdateJobStatus updates the job status and optional error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE scan_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE scan_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE scan_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobCellCount records the dataset size once the dataset is loaded.
func (s *Store) UpdateJobCellCount(jobID string, nCells int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE scan_jobs SET n_cells = ?
		WHERE job_id = ?
	`, nCells, jobID)
	return err
}

// UpdateJobSummary records the type vocabulary, degenerate-row count, and
// warning summary of a completed scan.
func (s *Store) UpdateJobSummary(jobID string, types []string, nDegenerate int, warnings []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	typesJSON, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("failed to marshal types: %w", err)
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE scan_jobs SET types_json = ?, n_degenerate = ?, warnings_json = ?
		WHERE job_id = ?
	`, string(typesJSON), nDegenerate, string(warningsJSON), jobID)
	return err
}

// InsertCellResults inserts per-cell results in a batch transaction.
func (s *Store) InsertCellResults(jobID string, results []*CellResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO scan_cells (job_id, cell_idx, cell_id, cluster, entropy, perplexity, degenerate, probs_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		probsJSON, err := json.Marshal(r.Probs)
		if err != nil {
			return fmt.Errorf("failed to marshal probs for cell %s: %w", r.CellID, err)
		}
		if _, err := stmt.Exec(
			jobID, r.CellIdx, r.CellID, r.Cluster,
			r.Entropy, r.Perplexity, boolToInt(r.Degenerate), string(probsJSON),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// InsertProfiles inserts per-cluster profiles in a batch transaction.
func (s *Store) InsertProfiles(jobID string, profiles []*ClusterProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO scan_profiles (job_id, cluster, size, profile_json)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range profiles {
		profileJSON, err := json.Marshal(p.Profile)
		if err != nil {
			return fmt.Errorf("failed to marshal profile for cluster %d: %w", p.Cluster, err)
		}
		if _, err := stmt.Exec(jobID, p.Cluster, p.Size, string(profileJSON)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// InsertColocalization inserts type-pair correlations in a batch
// transaction. Undefined entries are stored as NULL.
func (s *Store) InsertColocalization(jobID string, entries []*ColocEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO scan_coloc (job_id, type_a, type_b, r, defined)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		var r sql.NullFloat64
		if e.Defined && !math.IsNaN(e.R) {
			r = sql.NullFloat64{Float64: e.R, Valid: true}
		}
		if _, err := stmt.Exec(jobID, e.TypeA, e.TypeB, r, boolToInt(e.Defined)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryCellResults queries per-cell results with pagination and ordering.
func (s *Store) QueryCellResults(jobID string, orderBy string, offset, limit int) ([]*CellResult, int, error) {
	// Map order_by to SQL column
	orderCol := "cell_idx ASC"
	switch orderBy {
	case "", "cell_idx":
		orderCol = "cell_idx ASC"
	case "entropy":
		orderCol = "entropy DESC, cell_idx ASC"
	case "perplexity":
		orderCol = "perplexity DESC, cell_idx ASC"
	case "cluster":
		orderCol = "cluster ASC, cell_idx ASC"
	}

	// Get total count
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM scan_cells WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	// Query with pagination
	query := fmt.Sprintf(`
		SELECT cell_idx, cell_id, cluster, entropy, perplexity, degenerate, probs_json
		FROM scan_cells
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*CellResult
	for rows.Next() {
		var r CellResult
		var degenerate int
		var probsJSON string
		if err := rows.Scan(&r.CellIdx, &r.CellID, &r.Cluster, &r.Entropy, &r.Perplexity, &degenerate, &probsJSON); err != nil {
			return nil, 0, err
		}
		r.Degenerate = degenerate != 0
		if err := json.Unmarshal([]byte(probsJSON), &r.Probs); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal probs for cell %s: %w", r.CellID, err)
		}
		results = append(results, &r)
	}

	return results, total, nil
}

// GetProfiles returns all cluster profiles for a job, ordered by cluster.
func (s *Store) GetProfiles(jobID string) ([]*ClusterProfile, error) {
	rows, err := s.db.Query(`
		SELECT cluster, size, profile_json FROM scan_profiles
		WHERE job_id = ? ORDER BY cluster ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*ClusterProfile
	for rows.Next() {
		var p ClusterProfile
		var profileJSON string
		if err := rows.Scan(&p.Cluster, &p.Size, &profileJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(profileJSON), &p.Profile); err != nil {
			return nil, fmt.Errorf("failed to unmarshal profile for cluster %d: %w", p.Cluster, err)
		}
		profiles = append(profiles, &p)
	}
	return profiles, nil
}

// GetColocalization returns all type-pair correlations for a job.
func (s *Store) GetColocalization(jobID string) ([]*ColocEntry, error) {
	rows, err := s.db.Query(`
		SELECT type_a, type_b, r, defined FROM scan_coloc
		WHERE job_id = ? ORDER BY type_a ASC, type_b ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*ColocEntry
	for rows.Next() {
		var e ColocEntry
		var r sql.NullFloat64
		var defined int
		if err := rows.Scan(&e.TypeA, &e.TypeB, &r, &defined); err != nil {
			return nil, err
		}
		e.Defined = defined != 0
		if r.Valid {
			e.R = r.Float64
		} else {
			e.R = math.NaN()
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// ListJobsByDataset returns all jobs for a dataset.
func (s *Store) ListJobsByDataset(datasetID string) ([]*ScanJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_degenerate, types_json, warnings_json, error, created_at, started_at, finished_at
		FROM scan_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*ScanJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_cells, n_degenerate, types_json, warnings_json, error, created_at, started_at, finished_at
		FROM scan_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE scan_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete dependents first (foreign keys)
	for _, table := range []string{"scan_cells", "scan_profiles", "scan_coloc"} {
		q := fmt.Sprintf(`
			DELETE FROM %s WHERE job_id IN (
				SELECT job_id FROM scan_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
			)
		`, table)
		if _, err := s.db.Exec(q, cutoff); err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`
		DELETE FROM scan_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"scan_cells", "scan_profiles", "scan_coloc"} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE job_id = ?", table), jobID); err != nil {
			return err
		}
	}

	_, err := s.db.Exec("DELETE FROM scan_jobs WHERE job_id = ?", jobID)
	return err
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*ScanJob, error) {
	var jobs []*ScanJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func scanJob(scan func(dest ...any) error) (*ScanJob, error) {
	var job ScanJob
	var paramsJSON, typesJSON, warningsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.NCells,
		&job.NDegenerate,
		&typesJSON,
		&warningsJSON,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if typesJSON != "" {
		if err := json.Unmarshal([]byte(typesJSON), &job.Types); err != nil {
			return nil, fmt.Errorf("failed to unmarshal types: %w", err)
		}
	}
	if warningsJSON != "" {
		if err := json.Unmarshal([]byte(warningsJSON), &job.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
