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

type NewUser struct {
	Username     string
	Password     string
	PIN          string
	Card         string
	Role         model.Role
	DepartmentID *int64
	Balance      decimal.Decimal
	QuotaLimit   int
}

const userColumns = `id, username, password_hash, pin_hash, card_hash, role, department_id, balance, quota_limit, active, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, tx *sql.Tx, nu NewUser) (model.User, error) {
	username := strings.TrimSpace(nu.Username)
	if username == "" || nu.Password == "" {
		return model.User{}, apperr.New(apperr.KindValidation, "create user", "username and password are required")
	}
	hash, err := hashPassword(nu.Password)
	if err != nil {
		return model.User{}, errors.Wrap(err, "hash password")
	}
	pinHash := ""
	if nu.PIN != "" {
		if pinHash, err = hashPassword(nu.PIN); err != nil {
			return model.User{}, errors.Wrap(err, "hash pin")
		}
	}
	role := nu.Role
	if role == "" {
		role = model.RoleUser
	}
	quota := nu.QuotaLimit
	if quota <= 0 {
		quota = 1000
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
        INSERT INTO users (username, password_hash, pin_hash, card_hash, role, department_id, balance, quota_limit, active, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
    `, username, hash, pinHash, HashCard(nu.Card), string(role), nullInt64(nu.DepartmentID), nu.Balance.StringFixed(2), quota, now, now)
	if err != nil {
		return model.User{}, errors.Wrap(err, "insert user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.User{}, err
	}
	return s.GetUserByID(ctx, tx, id)
}

func scanUser(row interface{ Scan(...interface{}) error }) (model.User, error) {
	var u model.User
	var role string
	var dept sql.NullInt64
	var active int
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.PINHash, &u.CardHash, &role, &dept, &u.Balance, &u.QuotaLimit, &active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return model.User{}, err
	}
	u.Role = model.Role(role)
	u.DepartmentID = int64Ptr(dept)
	u.Active = active != 0
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, tx *sql.Tx, id int64) (model.User, error) {
	u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return model.User{}, notFound("get user", err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, tx *sql.Tx, username string) (model.User, error) {
	u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err != nil {
		return model.User{}, notFound("get user", err)
	}
	return u, nil
}

func (s *Store) GetUserByCard(ctx context.Context, tx *sql.Tx, card string) (model.User, error) {
	hash := HashCard(card)
	if hash == "" {
		return model.User{}, apperr.New(apperr.KindNotFound, "get user", "empty card identifier")
	}
	u, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE card_hash = ?`, hash))
	if err != nil {
		return model.User{}, notFound("get user by card", err)
	}
	return u, nil
}

func (s *Store) VerifyUser(ctx context.Context, tx *sql.Tx, username, password string) (model.User, error) {
	u, err := s.GetUserByUsername(ctx, tx, username)
	if err != nil {
		return model.User{}, err
	}
	if err := checkPassword(u.PasswordHash, password); err != nil {
		return model.User{}, apperr.Wrap(apperr.KindAuthFailure, "verify user", err)
	}
	return u, nil
}

func (s *Store) VerifyPIN(ctx context.Context, tx *sql.Tx, username, pin string) (model.User, error) {
	u, err := s.GetUserByUsername(ctx, tx, username)
	if err != nil {
		return model.User{}, err
	}
	if u.PINHash == "" || pin == "" {
		return model.User{}, apperr.New(apperr.KindAuthFailure, "verify pin", "no pin")
	}
	if err := checkPassword(u.PINHash, pin); err != nil {
		return model.User{}, apperr.Wrap(apperr.KindAuthFailure, "verify pin", err)
	}
	return u, nil
}

func (s *Store) SetUserBalance(ctx context.Context, tx *sql.Tx, id int64, balance decimal.Decimal) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET balance = ?, updated_at = ? WHERE id = ?`, balance.StringFixed(2), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "update balance")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.KindNotFound, "update balance", "user %d not found", id)
	}
	return nil
}

func (s *Store) SetUserCredentials(ctx context.Context, tx *sql.Tx, id int64, pin, card string) error {
	sets := []string{}
	args := []interface{}{}
	if pin != "" {
		hash, err := hashPassword(pin)
		if err != nil {
			return errors.Wrap(err, "hash pin")
		}
		sets = append(sets, "pin_hash = ?")
		args = append(args, hash)
	}
	if card != "" {
		sets = append(sets, "card_hash = ?")
		args = append(args, HashCard(card))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)
	_, err := tx.ExecContext(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	return errors.Wrap(err, "update credentials")
}

// EnsureAdminUser creates the bootstrap administrator if absent.
func (s *Store) EnsureAdminUser(ctx context.Context, username, password string) error {
	if username == "" {
		username = "admin"
	}
	if password == "" {
		password = "admin"
	}
	return s.WithTx(ctx, false, func(tx *sql.Tx) error {
		_, err := s.GetUserByUsername(ctx, tx, username)
		if err == nil {
			return nil
		}
		if !apperr.IsNotFound(err) {
			return err
		}
		_, err = s.CreateUser(ctx, tx, NewUser{
			Username:   username,
			Password:   password,
			Role:       model.RoleAdmin,
			Balance:    decimal.NewFromInt(1000),
			QuotaLimit: 10000,
		})
		return err
	})
}
