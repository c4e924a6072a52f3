package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"printgate/internal/apperr"
	"printgate/internal/model"
)

const jobColumns = `id, user_id, file_name, original_name, file_path, copies, color_mode, duplex, paper_size, total_pages, total_cost, status, printer_id, print_code, policy_id, priority, notes, created_at, started_at, completed_at, released_at`

func scanJob(row interface{ Scan(...interface{}) error }) (model.PrintJob, error) {
	var j model.PrintJob
	var colorMode, status, priority string
	var duplex int
	var printerID, policyID sql.NullInt64
	var started, completed, released sql.NullTime
	err := row.Scan(&j.ID, &j.UserID, &j.FileName, &j.OriginalName, &j.FilePath, &j.Copies, &colorMode, &duplex, &j.PaperSize,
		&j.TotalPages, &j.TotalCost, &status, &printerID, &j.PrintCode, &policyID, &priority, &j.Notes,
		&j.CreatedAt, &started, &completed, &released)
	if err != nil {
		return model.PrintJob{}, err
	}
	j.ColorMode = model.ColorMode(colorMode)
	j.Duplex = duplex != 0
	j.Status = model.JobStatus(status)
	j.Priority = model.Priority(priority)
	j.PrinterID = int64Ptr(printerID)
	j.PolicyID = int64Ptr(policyID)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.ReleasedAt = timePtr(released)
	return j, nil
}

func (s *Store) CreateJob(ctx context.Context, tx *sql.Tx, j model.PrintJob) (model.PrintJob, error) {
	if !j.Status.Valid() {
		return model.PrintJob{}, apperr.New(apperr.KindValidation, "create job", "invalid status %q", j.Status)
	}
	if j.Priority == "" {
		j.Priority = model.PriorityNormal
	}
	j.CreatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
        INSERT INTO jobs (user_id, file_name, original_name, file_path, copies, color_mode, duplex, paper_size, total_pages, total_cost, status, printer_id, print_code, policy_id, priority, notes, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, j.UserID, j.FileName, j.OriginalName, j.FilePath, j.Copies, string(j.ColorMode), boolInt(j.Duplex), j.PaperSize,
		j.TotalPages, j.TotalCost.StringFixed(2), string(j.Status), nullInt64(j.PrinterID), j.PrintCode, nullInt64(j.PolicyID),
		string(j.Priority), j.Notes, j.CreatedAt)
	if err != nil {
		return model.PrintJob{}, errors.Wrap(err, "insert job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.PrintJob{}, err
	}
	j.ID = id
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, tx *sql.Tx, id int64) (model.PrintJob, error) {
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return model.PrintJob{}, notFound("get job", err)
	}
	return j, nil
}

type JobFilter struct {
	UserID *int64
	Status model.JobStatus
	Limit  int
	Offset int
}

func (f JobFilter) where() (string, []interface{}) {
	clauses := []string{"1 = 1"}
	args := []interface{}{}
	if f.UserID != nil {
		clauses = append(clauses, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	return strings.Join(clauses, " AND "), args
}

// ListJobs returns one page of jobs, newest first, and the total matching.
func (s *Store) ListJobs(ctx context.Context, tx *sql.Tx, f JobFilter) ([]model.PrintJob, int, error) {
	where, args := f.where()
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count jobs")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	jobs := []model.PrintJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// ListJobsByStatus returns jobs in the given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, tx *sql.Tx, status model.JobStatus, limit int) ([]model.PrintJob, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs by status")
	}
	defer rows.Close()

	jobs := []model.PrintJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) ListHeldJobs(ctx context.Context, tx *sql.Tx, userID int64) ([]model.PrintJob, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = ? AND status = ? ORDER BY created_at, id`, userID, string(model.StatusHeldSecure))
	if err != nil {
		return nil, errors.Wrap(err, "list held jobs")
	}
	defer rows.Close()

	jobs := []model.PrintJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// TransitionJob moves a job to status `to` if its current status is one of
// from (every legal predecessor when from is empty). It reports false when
// the job was not in such a state, leaving the row untouched.
func (s *Store) TransitionJob(ctx context.Context, tx *sql.Tx, id int64, from []model.JobStatus, to model.JobStatus, notes string) (bool, error) {
	if len(from) == 0 {
		from = model.Predecessors(to)
	}
	for _, st := range from {
		if !st.CanTransition(to) {
			return false, apperr.New(apperr.KindInvalidState, "transition job", "%s cannot move to %s", st, to)
		}
	}
	if len(from) == 0 {
		return false, apperr.New(apperr.KindInvalidState, "transition job", "no state leads to %s", to)
	}
	now := time.Now().UTC()
	sets := []string{"status = ?"}
	args := []interface{}{string(to)}
	switch {
	case to == model.StatusPrinting:
		sets = append(sets, "started_at = COALESCE(started_at, ?)", "released_at = COALESCE(released_at, ?)")
		args = append(args, now, now)
	case to.IsTerminal():
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	if notes != "" {
		sets = append(sets, "notes = ?")
		args = append(args, notes)
	}
	placeholders := make([]string, len(from))
	args = append(args, id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return false, errors.Wrap(err, "transition job")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// UpdateJobCost records a recomputed cost and the policy it was derived with.
func (s *Store) UpdateJobCost(ctx context.Context, tx *sql.Tx, id int64, cost decimal.Decimal, policyID *int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET total_cost = ?, policy_id = ? WHERE id = ?`, cost.StringFixed(2), nullInt64(policyID), id)
	return errors.Wrap(err, "update job cost")
}

func (s *Store) SetJobPrinter(ctx context.Context, tx *sql.Tx, id int64, printerID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET printer_id = ? WHERE id = ?`, printerID, id)
	return errors.Wrap(err, "set job printer")
}

func (s *Store) ClearPrintCode(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET print_code = '' WHERE id = ?`, id)
	return errors.Wrap(err, "clear print code")
}

// ListFinishedJobs returns terminal jobs completed before `before` that still
// reference a payload on disk.
func (s *Store) ListFinishedJobs(ctx context.Context, tx *sql.Tx, before time.Time, limit int) ([]model.PrintJob, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ? AND file_path <> ''
		ORDER BY completed_at, id LIMIT ?`,
		string(model.StatusCompleted), string(model.StatusFailed), string(model.StatusCancelled), before.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list finished jobs")
	}
	defer rows.Close()

	jobs := []model.PrintJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) ClearJobFile(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET file_path = '' WHERE id = ?`, id)
	return errors.Wrap(err, "clear job file")
}
