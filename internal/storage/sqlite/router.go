package sqlite

import (
	"context"

	gateway "github.com/nmorel/bastion/internal"
)

// CreateRouter inserts a new router and its aliases. The generated id is
// written back into r.
func (s *Store) CreateRouter(ctx context.Context, r *gateway.Router) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO routers (name, type, strategy, cost_prompt, cost_completion,
		 vector_size, max_context_length, owner_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, string(r.Type), r.Strategy, r.CostPrompt, r.CostCompletion,
		r.VectorSize, r.MaxContextLength, r.OwnerID,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id

	for _, alias := range r.Aliases {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO aliases (alias, router_id) VALUES (?, ?)`, alias, id,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRouter retrieves a router (with aliases) by id.
func (s *Store) GetRouter(ctx context.Context, id int64) (*gateway.Router, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, type, strategy, cost_prompt, cost_completion,
		 vector_size, max_context_length, owner_id
		 FROM routers WHERE id=?`, id,
	)
	r, err := scanRouter(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadAliases(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRouters returns all routers with their aliases.
func (s *Store) ListRouters(ctx context.Context) ([]*gateway.Router, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, type, strategy, cost_prompt, cost_completion,
		 vector_size, max_context_length, owner_id
		 FROM routers ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routers []*gateway.Router
	for rows.Next() {
		r, err := scanRouter(rows)
		if err != nil {
			return nil, err
		}
		routers = append(routers, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range routers {
		if err := s.loadAliases(ctx, r); err != nil {
			return nil, err
		}
	}
	return routers, nil
}

// UpdateRouter updates a router and replaces its alias set.
func (s *Store) UpdateRouter(ctx context.Context, r *gateway.Router) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE routers SET name=?, type=?, strategy=?, cost_prompt=?,
		 cost_completion=?, vector_size=?, max_context_length=?, owner_id=?
		 WHERE id=?`,
		r.Name, string(r.Type), r.Strategy, r.CostPrompt, r.CostCompletion,
		r.VectorSize, r.MaxContextLength, r.OwnerID, r.ID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "router"); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE router_id=?`, r.ID); err != nil {
		return err
	}
	for _, alias := range r.Aliases {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO aliases (alias, router_id) VALUES (?, ?)`, alias, r.ID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteRouter removes a router; providers and aliases cascade.
func (s *Store) DeleteRouter(ctx context.Context, id int64) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM routers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "router")
}

func (s *Store) loadAliases(ctx context.Context, r *gateway.Router) error {
	rows, err := s.read.QueryContext(ctx,
		`SELECT alias FROM aliases WHERE router_id=? ORDER BY alias`, r.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	r.Aliases = nil
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return err
		}
		r.Aliases = append(r.Aliases, a)
	}
	return rows.Err()
}

func scanRouter(sc scanner) (*gateway.Router, error) {
	var r gateway.Router
	var typ string
	err := sc.Scan(&r.ID, &r.Name, &typ, &r.Strategy, &r.CostPrompt,
		&r.CostCompletion, &r.VectorSize, &r.MaxContextLength, &r.OwnerID)
	if err != nil {
		return nil, notFoundErr(err)
	}
	r.Type = gateway.RouterType(typ)
	return &r, nil
}
