package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	gateway "github.com/nmorel/bastion/internal"
)

func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	endpoints, err := json.Marshal(p.Endpoints)
	if err != nil {
		return fmt.Errorf("marshal endpoints: %w", err)
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (router_id, owner_id, type, base_url, key,
		 timeout_s, model_name, country_code, total_params, active_params,
		 qos_metric, qos_limit, endpoints, vector_size, max_context_length)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RouterID, p.OwnerID, p.Type, p.BaseURL, nullStr(p.Key),
		p.TimeoutS, p.ModelName, nullStr(p.CountryCode),
		nullFloat(p.TotalParams), nullFloat(p.ActiveParams),
		nullStr(p.QoSMetric), nullFloat(p.QoSLimit), string(endpoints),
		p.VectorSize, p.MaxContextLength,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	return nil
}

func (s *Store) GetProvider(ctx context.Context, id int64) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx, selectProvider+` WHERE id=?`, id)
	return scanProvider(row)
}

// ListProviders returns the providers of a router, ordered by id.
func (s *Store) ListProviders(ctx context.Context, routerID int64) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx, selectProvider+` WHERE router_id=? ORDER BY id`, routerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	endpoints, err := json.Marshal(p.Endpoints)
	if err != nil {
		return fmt.Errorf("marshal endpoints: %w", err)
	}
	res, err := s.write.ExecContext(ctx,
		`UPDATE providers SET router_id=?, owner_id=?, type=?, base_url=?,
		 key=?, timeout_s=?, model_name=?, country_code=?, total_params=?,
		 active_params=?, qos_metric=?, qos_limit=?, endpoints=?,
		 vector_size=?, max_context_length=?
		 WHERE id=?`,
		p.RouterID, p.OwnerID, p.Type, p.BaseURL, nullStr(p.Key),
		p.TimeoutS, p.ModelName, nullStr(p.CountryCode),
		nullFloat(p.TotalParams), nullFloat(p.ActiveParams),
		nullStr(p.QoSMetric), nullFloat(p.QoSLimit), string(endpoints),
		p.VectorSize, p.MaxContextLength, p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "provider")
}

func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	res, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "provider")
}

const selectProvider = `SELECT id, router_id, owner_id, type, base_url, key,
 timeout_s, model_name, country_code, total_params, active_params,
 qos_metric, qos_limit, endpoints, vector_size, max_context_length
 FROM providers`

func scanProvider(sc scanner) (*gateway.Provider, error) {
	var (
		p             gateway.Provider
		key, country  sql.NullString
		qosMetric     sql.NullString
		total, active sql.NullFloat64
		qosLimit      sql.NullFloat64
		endpoints     string
	)
	err := sc.Scan(&p.ID, &p.RouterID, &p.OwnerID, &p.Type, &p.BaseURL, &key,
		&p.TimeoutS, &p.ModelName, &country, &total, &active,
		&qosMetric, &qosLimit, &endpoints, &p.VectorSize, &p.MaxContextLength)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Key = key.String
	p.CountryCode = country.String
	p.QoSMetric = qosMetric.String
	p.TotalParams = floatPtr(total)
	p.ActiveParams = floatPtr(active)
	p.QoSLimit = floatPtr(qosLimit)
	if err := json.Unmarshal([]byte(endpoints), &p.Endpoints); err != nil {
		return nil, fmt.Errorf("unmarshal endpoints: %w", err)
	}
	return &p, nil
}
