package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"printgate/internal/model"
)

const priceListColumns = `id, name, bw_rate, color_rate, duplex_rate, department_id, role, is_default, active, created_at`

func scanPriceList(row interface{ Scan(...interface{}) error }) (model.PriceList, error) {
	var p model.PriceList
	var dept sql.NullInt64
	var role string
	var isDefault, active int
	if err := row.Scan(&p.ID, &p.Name, &p.BWRate, &p.ColorRate, &p.DuplexRate, &dept, &role, &isDefault, &active, &p.CreatedAt); err != nil {
		return model.PriceList{}, err
	}
	p.DepartmentID = int64Ptr(dept)
	p.Role = model.Role(role)
	p.IsDefault = isDefault != 0
	p.Active = active != 0
	return p, nil
}

func (s *Store) findPriceList(ctx context.Context, tx *sql.Tx, where string, args ...interface{}) (model.PriceList, bool, error) {
	p, err := scanPriceList(tx.QueryRowContext(ctx, `SELECT `+priceListColumns+` FROM price_lists WHERE `+where+` ORDER BY id LIMIT 1`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PriceList{}, false, nil
	}
	if err != nil {
		return model.PriceList{}, false, errors.Wrap(err, "select price list")
	}
	return p, true, nil
}

func (s *Store) PriceListForDepartment(ctx context.Context, tx *sql.Tx, departmentID int64) (model.PriceList, bool, error) {
	return s.findPriceList(ctx, tx, `active = 1 AND department_id = ?`, departmentID)
}

func (s *Store) PriceListForRole(ctx context.Context, tx *sql.Tx, role model.Role) (model.PriceList, bool, error) {
	return s.findPriceList(ctx, tx, `active = 1 AND department_id IS NULL AND role = ?`, string(role))
}

func (s *Store) DefaultPriceList(ctx context.Context, tx *sql.Tx) (model.PriceList, bool, error) {
	return s.findPriceList(ctx, tx, `is_default = 1`)
}

// InsertDefaultPriceList adds the default price list unless one exists.
// The partial unique index on is_default makes concurrent calls converge
// on a single row.
func (s *Store) InsertDefaultPriceList(ctx context.Context, tx *sql.Tx, p model.PriceList) error {
	_, err := tx.ExecContext(ctx, `
        INSERT OR IGNORE INTO price_lists (name, bw_rate, color_rate, duplex_rate, role, is_default, active, created_at)
        VALUES (?, ?, ?, ?, '', 1, 1, ?)
    `, p.Name, p.BWRate.String(), p.ColorRate.String(), p.DuplexRate.String(), time.Now().UTC())
	return errors.Wrap(err, "insert default price list")
}

func (s *Store) CreatePriceList(ctx context.Context, tx *sql.Tx, p model.PriceList) (model.PriceList, error) {
	if p.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE price_lists SET is_default = 0 WHERE is_default = 1`); err != nil {
			return model.PriceList{}, errors.Wrap(err, "clear default price list")
		}
	}
	res, err := tx.ExecContext(ctx, `
        INSERT INTO price_lists (name, bw_rate, color_rate, duplex_rate, department_id, role, is_default, active, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, p.Name, p.BWRate.String(), p.ColorRate.String(), p.DuplexRate.String(), nullInt64(p.DepartmentID), string(p.Role), boolInt(p.IsDefault), boolInt(p.Active), time.Now().UTC())
	if err != nil {
		return model.PriceList{}, errors.Wrap(err, "insert price list")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.PriceList{}, err
	}
	created, _, err := s.findPriceList(ctx, tx, `id = ?`, id)
	return created, err
}

const policyColumns = `id, name, color_multiplier, bw_multiplier, max_pages_per_job, max_copies, force_duplex_over_pages, force_bw_over_pages, department_id, role, active, created_at`

func scanPolicy(row interface{ Scan(...interface{}) error }) (model.PrintPolicy, error) {
	var p model.PrintPolicy
	var dept sql.NullInt64
	var role string
	var active int
	if err := row.Scan(&p.ID, &p.Name, &p.ColorMultiplier, &p.BWMultiplier, &p.MaxPagesPerJob, &p.MaxCopies, &p.ForceDuplexOverPages, &p.ForceBWOverPages, &dept, &role, &active, &p.CreatedAt); err != nil {
		return model.PrintPolicy{}, err
	}
	p.DepartmentID = int64Ptr(dept)
	p.Role = model.Role(role)
	p.Active = active != 0
	return p, nil
}

// UpsertPolicy creates or replaces the policy with the same name.
func (s *Store) UpsertPolicy(ctx context.Context, tx *sql.Tx, p model.PrintPolicy) (model.PrintPolicy, error) {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO print_policies (name, color_multiplier, bw_multiplier, max_pages_per_job, max_copies, force_duplex_over_pages, force_bw_over_pages, department_id, role, active, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            color_multiplier = excluded.color_multiplier,
            bw_multiplier = excluded.bw_multiplier,
            max_pages_per_job = excluded.max_pages_per_job,
            max_copies = excluded.max_copies,
            force_duplex_over_pages = excluded.force_duplex_over_pages,
            force_bw_over_pages = excluded.force_bw_over_pages,
            department_id = excluded.department_id,
            role = excluded.role,
            active = excluded.active
    `, p.Name, p.ColorMultiplier.String(), p.BWMultiplier.String(), p.MaxPagesPerJob, p.MaxCopies, p.ForceDuplexOverPages, p.ForceBWOverPages, nullInt64(p.DepartmentID), string(p.Role), boolInt(p.Active), time.Now().UTC())
	if err != nil {
		return model.PrintPolicy{}, errors.Wrap(err, "upsert policy")
	}
	out, err := scanPolicy(tx.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM print_policies WHERE name = ?`, p.Name))
	if err != nil {
		return model.PrintPolicy{}, notFound("get policy", err)
	}
	return out, nil
}

func (s *Store) GetPolicy(ctx context.Context, tx *sql.Tx, id int64) (model.PrintPolicy, error) {
	p, err := scanPolicy(tx.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM print_policies WHERE id = ?`, id))
	if err != nil {
		return model.PrintPolicy{}, notFound("get policy", err)
	}
	return p, nil
}

func (s *Store) ListActivePolicies(ctx context.Context, tx *sql.Tx) ([]model.PrintPolicy, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+policyColumns+` FROM print_policies WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list policies")
	}
	defer rows.Close()

	policies := []model.PrintPolicy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

func (s *Store) PriceListByName(ctx context.Context, tx *sql.Tx, name string) (model.PriceList, bool, error) {
	return s.findPriceList(ctx, tx, `name = ?`, name)
}
