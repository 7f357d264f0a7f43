package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/nmorel/bastion/internal"
)

func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO users (name, role_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		u.Name, u.RoleID, nullTime(u.ExpiresAt), fmtTime(u.CreatedAt),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, role_id, expires_at, created_at FROM users WHERE id=?`, id,
	)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*gateway.User, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, role_id, expires_at, created_at
		 FROM users ORDER BY id LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*gateway.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, u *gateway.User) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE users SET name=?, role_id=?, expires_at=? WHERE id=?`,
		u.Name, u.RoleID, nullTime(u.ExpiresAt), u.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user")
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user")
}

func (s *Store) CreateRole(ctx context.Context, r *gateway.Role) error {
	limits, err := json.Marshal(r.Limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO roles (name, permissions, priority, limits) VALUES (?, ?, ?, ?)`,
		r.Name, uint32(r.Perms), r.Priority, string(limits),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

func (s *Store) GetRole(ctx context.Context, id int64) (*gateway.Role, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, permissions, priority, limits FROM roles WHERE id=?`, id,
	)
	return scanRole(row)
}

func (s *Store) ListRoles(ctx context.Context) ([]*gateway.Role, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, permissions, priority, limits FROM roles ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*gateway.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) UpdateRole(ctx context.Context, r *gateway.Role) error {
	limits, err := json.Marshal(r.Limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE roles SET name=?, permissions=?, priority=?, limits=? WHERE id=?`,
		r.Name, uint32(r.Perms), r.Priority, string(limits), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "role")
}

func (s *Store) DeleteRole(ctx context.Context, id int64) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM roles WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "role")
}

func scanUser(sc scanner) (*gateway.User, error) {
	var (
		u       gateway.User
		expires sql.NullString
		created string
	)
	if err := sc.Scan(&u.ID, &u.Name, &u.RoleID, &expires, &created); err != nil {
		return nil, notFoundErr(err)
	}
	var err error
	if u.ExpiresAt, err = timePtr(expires); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanRole(sc scanner) (*gateway.Role, error) {
	var (
		r      gateway.Role
		perms  uint32
		limits string
	)
	if err := sc.Scan(&r.ID, &r.Name, &perms, &r.Priority, &limits); err != nil {
		return nil, notFoundErr(err)
	}
	r.Perms = gateway.Permission(perms)
	if err := json.Unmarshal([]byte(limits), &r.Limits); err != nil {
		return nil, fmt.Errorf("unmarshal limits: %w", err)
	}
	return &r, nil
}
