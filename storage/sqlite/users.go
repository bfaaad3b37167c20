package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/mail"
	"strings"

	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/storage"
)

func scanUser(row rowScanner) (storage.User, error) {
	var (
		u       storage.User
		name    sql.NullString
		created int64
		updated int64
	)
	if err := row.Scan(&u.ID, &u.Email, &name, &created, &updated); err != nil {
		return storage.User{}, err
	}
	u.Name = nullString(name)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

func validateEmail(email string) error {
	if _, err := mail.ParseAddress(email); err != nil || strings.ContainsAny(email, "<> ") {
		return fmt.Errorf("%w: invalid email %q", errors.ErrInvalidData, email)
	}
	return nil
}

// CreateUser inserts a user. Emails are unique.
func (s *Store) CreateUser(ctx context.Context, u storage.User) (storage.User, error) {
	if err := validateEmail(u.Email); err != nil {
		return storage.User{}, errors.WrapInvalid(err, "Store", "CreateUser", "validate user")
	}

	now := s.stamp()
	res, err := s.exec(ctx, `INSERT INTO users (email, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		u.Email, u.Name, now, now)
	if err != nil {
		return storage.User{}, classify(err, "CreateUser", "insert user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storage.User{}, classify(err, "CreateUser", "read insert id")
	}
	return s.GetUser(ctx, id)
}

// GetUser returns one user by id
func (s *Store) GetUser(ctx context.Context, id int64) (storage.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE id = ?`, id))
	if err != nil {
		return storage.User{}, classify(err, "GetUser", fmt.Sprintf("load user %d", id))
	}
	return u, nil
}

// GetUserByEmail returns one user by email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (storage.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?`, email))
	if err != nil {
		return storage.User{}, classify(err, "GetUserByEmail", "load user by email")
	}
	return u, nil
}

// ListUsers returns all users ordered by id
func (s *Store) ListUsers(ctx context.Context) ([]storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, name, created_at, updated_at FROM users ORDER BY id`)
	if err != nil {
		return nil, classify(err, "ListUsers", "query users")
	}
	defer rows.Close()

	users := []storage.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, classify(err, "ListUsers", "scan user")
		}
		users = append(users, u)
	}
	return users, classify(rows.Err(), "ListUsers", "iterate users")
}

// UpdateUser changes email and/or name
func (s *Store) UpdateUser(ctx context.Context, id int64, email, name *string) (storage.User, error) {
	var up update
	if email != nil {
		if err := validateEmail(*email); err != nil {
			return storage.User{}, errors.WrapInvalid(err, "Store", "UpdateUser", "validate user")
		}
		up.set("email", *email)
	}
	if name != nil {
		up.set("name", *name)
	}
	if up.empty() {
		return s.GetUser(ctx, id)
	}
	up.set("updated_at", s.stamp())

	args := append(up.args, id)
	res, err := s.exec(ctx, `UPDATE users SET `+strings.Join(up.sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storage.User{}, classify(err, "UpdateUser", fmt.Sprintf("update user %d", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.User{}, classify(sql.ErrNoRows, "UpdateUser", fmt.Sprintf("update user %d", id))
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes a user; their alerts are unassigned
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return classify(err, "DeleteUser", fmt.Sprintf("delete user %d", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return classify(sql.ErrNoRows, "DeleteUser", fmt.Sprintf("delete user %d", id))
	}
	return nil
}
