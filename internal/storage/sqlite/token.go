package sqlite

import (
	"context"
	"time"

	gateway "github.com/nmorel/bastion/internal"
)

func (s *Store) CreateToken(ctx context.Context, t *gateway.Token) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO tokens (user_id, name, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		t.UserID, t.Name, fmtTime(t.ExpiresAt), fmtTime(t.CreatedAt),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	return nil
}

func (s *Store) GetToken(ctx context.Context, id int64) (*gateway.Token, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, name, expires_at, created_at FROM tokens WHERE id=?`, id,
	)
	return scanToken(row)
}

func (s *Store) ListTokens(ctx context.Context, userID int64) ([]*gateway.Token, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, name, expires_at, created_at
		 FROM tokens WHERE user_id=? ORDER BY id`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*gateway.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *Store) DeleteToken(ctx context.Context, id int64) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM tokens WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "token")
}

func scanToken(sc scanner) (*gateway.Token, error) {
	var (
		t                gateway.Token
		expires, created string
	)
	if err := sc.Scan(&t.ID, &t.UserID, &t.Name, &expires, &created); err != nil {
		return nil, notFoundErr(err)
	}
	var err error
	if t.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &t, nil
}
