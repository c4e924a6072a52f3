package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"printgate/internal/model"
)

const queueColumns = `id, file_name, spool_path, size_bytes, queue_name, client_host, username, user_trusted, job_name, origin_host, status, received_at, released_at, job_id`

func scanQueueEntry(row interface{ Scan(...interface{}) error }) (model.QueueEntry, error) {
	var e model.QueueEntry
	var trusted int
	var status string
	var released sql.NullTime
	var jobID sql.NullInt64
	err := row.Scan(&e.ID, &e.FileName, &e.SpoolPath, &e.SizeBytes, &e.QueueName, &e.ClientHost, &e.Username, &trusted,
		&e.JobName, &e.OriginHost, &status, &e.ReceivedAt, &released, &jobID)
	if err != nil {
		return model.QueueEntry{}, err
	}
	e.UserTrusted = trusted != 0
	e.Status = model.QueueStatus(status)
	e.ReleasedAt = timePtr(released)
	e.JobID = int64Ptr(jobID)
	return e, nil
}

func (s *Store) CreateQueueEntry(ctx context.Context, tx *sql.Tx, e model.QueueEntry) (model.QueueEntry, error) {
	if e.Username == "" {
		e.Username = "unknown"
	}
	if e.Status == "" {
		e.Status = model.QueuePending
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx, `
        INSERT INTO print_queue (file_name, spool_path, size_bytes, queue_name, client_host, username, user_trusted, job_name, origin_host, status, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, e.FileName, e.SpoolPath, e.SizeBytes, e.QueueName, e.ClientHost, e.Username, boolInt(e.UserTrusted), e.JobName, e.OriginHost, string(e.Status), e.ReceivedAt)
	if err != nil {
		return model.QueueEntry{}, errors.Wrap(err, "insert queue entry")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.QueueEntry{}, err
	}
	e.ID = id
	return e, nil
}

func (s *Store) GetQueueEntry(ctx context.Context, tx *sql.Tx, id int64) (model.QueueEntry, error) {
	e, err := scanQueueEntry(tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM print_queue WHERE id = ?`, id))
	if err != nil {
		return model.QueueEntry{}, notFound("get queue entry", err)
	}
	return e, nil
}

// ListQueueEntries lists entries oldest first. An empty username or status
// matches every entry.
func (s *Store) ListQueueEntries(ctx context.Context, tx *sql.Tx, username string, status model.QueueStatus, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.QueryContext(ctx, `
        SELECT `+queueColumns+` FROM print_queue
        WHERE (? = '' OR username = ?) AND (? = '' OR status = ?)
        ORDER BY received_at, id
        LIMIT ?
    `, username, username, string(status), string(status), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list queue entries")
	}
	defer rows.Close()

	entries := []model.QueueEntry{}
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClaimQueueEntry links a pending entry to jobID. It reports false if the
// entry was already claimed.
func (s *Store) ClaimQueueEntry(ctx context.Context, tx *sql.Tx, id, jobID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
        UPDATE print_queue SET status = ?, job_id = ?, released_at = ?
        WHERE id = ? AND status = ?
    `, string(model.QueueClaimed), jobID, time.Now().UTC(), id, string(model.QueuePending))
	if err != nil {
		return false, errors.Wrap(err, "claim queue entry")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
