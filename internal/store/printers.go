package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"printgate/internal/model"
)

const printerColumns = `id, name, uri, location, accepting, is_default, created_at, updated_at`

func scanPrinter(row interface{ Scan(...interface{}) error }) (model.Printer, error) {
	var p model.Printer
	var accepting, isDefault int
	if err := row.Scan(&p.ID, &p.Name, &p.URI, &p.Location, &accepting, &isDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return model.Printer{}, err
	}
	p.Accepting = accepting != 0
	p.IsDefault = isDefault != 0
	return p, nil
}

// EnsureDefaultPrinter creates a simulated default printer when none exist.
func (s *Store) EnsureDefaultPrinter(ctx context.Context) error {
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM printers").Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		_, err := s.UpsertPrinter(ctx, tx, model.Printer{Name: "Default", Accepting: true, IsDefault: true})
		return err
	})
}

func (s *Store) UpsertPrinter(ctx context.Context, tx *sql.Tx, p model.Printer) (model.Printer, error) {
	now := time.Now().UTC()
	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE printers SET is_default = 0 WHERE is_default = 1 AND name != ?`, p.Name); err != nil {
			return model.Printer{}, errors.Wrap(err, "clear default printer")
		}
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO printers (name, uri, location, accepting, is_default, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            uri = excluded.uri,
            location = excluded.location,
            accepting = excluded.accepting,
            is_default = excluded.is_default,
            updated_at = excluded.updated_at
    `, p.Name, p.URI, p.Location, boolInt(p.Accepting), boolInt(p.IsDefault), now, now)
	if err != nil {
		return model.Printer{}, errors.Wrap(err, "upsert printer")
	}
	return s.GetPrinterByName(ctx, tx, p.Name)
}

func (s *Store) GetPrinterByID(ctx context.Context, tx *sql.Tx, id int64) (model.Printer, error) {
	p, err := scanPrinter(tx.QueryRowContext(ctx, `SELECT `+printerColumns+` FROM printers WHERE id = ?`, id))
	if err != nil {
		return model.Printer{}, notFound("get printer", err)
	}
	return p, nil
}

func (s *Store) GetPrinterByName(ctx context.Context, tx *sql.Tx, name string) (model.Printer, error) {
	p, err := scanPrinter(tx.QueryRowContext(ctx, `SELECT `+printerColumns+` FROM printers WHERE name = ? COLLATE NOCASE`, name))
	if err != nil {
		return model.Printer{}, notFound("get printer", err)
	}
	return p, nil
}

func (s *Store) GetDefaultPrinter(ctx context.Context, tx *sql.Tx) (model.Printer, error) {
	p, err := scanPrinter(tx.QueryRowContext(ctx, `SELECT `+printerColumns+` FROM printers WHERE is_default = 1 ORDER BY id LIMIT 1`))
	if err != nil {
		return model.Printer{}, notFound("get default printer", err)
	}
	return p, nil
}

func (s *Store) ListPrinters(ctx context.Context, tx *sql.Tx) ([]model.Printer, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+printerColumns+` FROM printers ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list printers")
	}
	defer rows.Close()

	printers := []model.Printer{}
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}
