package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrJobFinished is returned when a transition targets a completed or failed job.
var ErrJobFinished = errors.New("job already finished")

const jobColumns = `id, source_id, name, state, progress, result_json, failure_reason, created_at, updated_at`

// EnqueueJob inserts a job in the queued state.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, source_id, name, state, progress, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', 0, ?, ?)`,
		job.ID, job.SourceID, job.Name, now, now,
	)
	return err
}

// ClaimNextJob moves the oldest queued job to active and returns it.
// Returns nil, nil when the queue is empty.
func (s *Store) ClaimNextJob() (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRow(`SELECT ` + jobColumns + ` FROM jobs
		WHERE state = 'queued'
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`UPDATE jobs SET state = 'active', updated_at = ? WHERE id = ? AND state = 'queued'`,
		now.Format(time.RFC3339), j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.State = JobActive
	j.UpdatedAt = now.Truncate(time.Second)
	return &j, nil
}

// UpdateJobProgress records progress (0..100) for an unfinished job.
func (s *Store) UpdateJobProgress(id string, progress int) error {
	progress = max(0, min(progress, 100))
	return s.transition(id, `progress = ?`, progress)
}

// CompleteJob marks the job completed with its result.
func (s *Store) CompleteJob(id string, result JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding job result: %w", err)
	}
	return s.transition(id, `state = 'completed', progress = 100, result_json = ?`, string(data))
}

// FailJob marks the job failed with reason.
func (s *Store) FailJob(id string, reason string) error {
	return s.transition(id, `state = 'failed', failure_reason = ?`, reason)
}

// transition applies set to a job that has not reached a terminal state.
// It returns ErrJobFinished for finished jobs and ErrNotFound for unknown ones.
func (s *Store) transition(id, set string, arg any) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET `+set+`, updated_at = ?
		WHERE id = ? AND state NOT IN ('completed', 'failed')`, arg, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var state string
	err = s.db.QueryRow(`SELECT state FROM jobs WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, state, ErrJobFinished)
}

// GetJob returns a job by ID.
func (s *Store) GetJob(id string) (Job, error) {
	return scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// CountJobs returns the number of jobs per state.
func (s *Store) CountJobs() (map[JobState]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[JobState]int)
	for rows.Next() {
		var state JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// FailInterruptedJobs fails every job left active, which after a restart
// means its worker died mid-run. Returns the IDs of the failed jobs.
func (s *Store) FailInterruptedJobs(reason string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM jobs WHERE state = 'active'`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.FailJob(id, reason); err != nil && !errors.Is(err, ErrJobFinished) {
			return nil, fmt.Errorf("failing job %s: %w", id, err)
		}
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var resultJSON, createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.SourceID, &j.Name, &j.State, &j.Progress, &resultJSON, &j.FailureReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if resultJSON != "" {
		var r JobResult
		if err := json.Unmarshal([]byte(resultJSON), &r); err != nil {
			return Job{}, fmt.Errorf("decoding result for job %s: %w", j.ID, err)
		}
		j.Result = &r
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}
