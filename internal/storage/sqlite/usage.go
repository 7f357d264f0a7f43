package sqlite

import (
	"context"
	"strings"

	gateway "github.com/nmorel/bastion/internal"
)

const usageColumns = `id, user_id, token_id, router_id, provider_id, router,
 model, endpoint, prompt_tokens, completion_tokens, total_tokens, cost,
 kwh_min, kwh_max, kgco2eq_min, kgco2eq_max, ttft_ms, latency_ms,
 status_code, request_id, created_at`

// InsertUsage writes a batch of usage records in one statement. The batch
// comes from the recorder worker, so it is small and bounded.
func (s *Store) InsertUsage(ctx context.Context, records []gateway.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args = make([]any, 0, len(records)*21)
	)
	sb.WriteString(`INSERT INTO usage_records (` + usageColumns + `) VALUES `)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.ID, r.UserID, r.TokenID, r.RouterID, r.ProviderID, r.Router,
			r.Model, r.Endpoint, r.PromptTokens, r.CompletionTokens,
			r.TotalTokens, r.Cost, r.KWhMin, r.KWhMax, r.KgCO2eqMin,
			r.KgCO2eqMax, r.TTFTMs, r.LatencyMs, r.StatusCode, r.RequestID,
			fmtTime(r.CreatedAt),
		)
	}

	_, err := s.write.ExecContext(ctx, sb.String(), args...)
	return err
}

// ListUsage returns a user's usage records, newest first.
func (s *Store) ListUsage(ctx context.Context, userID int64, offset, limit int) ([]*gateway.UsageRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records
		 WHERE user_id=? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*gateway.UsageRecord
	for rows.Next() {
		var (
			r       gateway.UsageRecord
			created string
		)
		err := rows.Scan(&r.ID, &r.UserID, &r.TokenID, &r.RouterID,
			&r.ProviderID, &r.Router, &r.Model, &r.Endpoint, &r.PromptTokens,
			&r.CompletionTokens, &r.TotalTokens, &r.Cost, &r.KWhMin, &r.KWhMax,
			&r.KgCO2eqMin, &r.KgCO2eqMax, &r.TTFTMs, &r.LatencyMs,
			&r.StatusCode, &r.RequestID, &created)
		if err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
