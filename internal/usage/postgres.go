package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/modelbridge/gateway/internal/domain"
)

// Postgres persists usage records in the usage_records table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Record(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO usage_records (id, caller_id, caller_group, provider, model, operation, feature,
		                           outcome, prompt_tokens, completion_tokens, total_tokens,
		                           cost_usd, cached, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := p.db.ExecContext(ctx, query,
		rec.ID,
		rec.CallerID,
		rec.Group,
		rec.Provider,
		rec.Model,
		string(rec.Operation),
		string(rec.Feature),
		string(rec.Outcome),
		rec.Usage.PromptTokens,
		rec.Usage.CompletionTokens,
		rec.Usage.TotalTokens,
		rec.CostUSD,
		rec.Cached,
		rec.LatencyMs,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (p *Postgres) CallerRecords(ctx context.Context, callerID string, since time.Time) ([]Record, error) {
	query := `
		SELECT id, caller_id, caller_group, provider, model, operation, feature,
		       outcome, prompt_tokens, completion_tokens, total_tokens,
		       cost_usd, cached, latency_ms, created_at
		FROM usage_records
		WHERE caller_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := p.db.QueryContext(ctx, query, callerID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var op, feature, outcome string
		err := rows.Scan(
			&rec.ID,
			&rec.CallerID,
			&rec.Group,
			&rec.Provider,
			&rec.Model,
			&op,
			&feature,
			&outcome,
			&rec.Usage.PromptTokens,
			&rec.Usage.CompletionTokens,
			&rec.Usage.TotalTokens,
			&rec.CostUSD,
			&rec.Cached,
			&rec.LatencyMs,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.Operation = domain.Operation(op)
		rec.Feature = domain.Feature(feature)
		rec.Outcome = domain.Outcome(outcome)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *Postgres) Aggregate(ctx context.Context, since time.Time) (Summary, error) {
	query := `
		SELECT provider, feature,
		       COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(CASE WHEN cached THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN outcome <> 'success' THEN 1 ELSE 0 END), 0)
		FROM usage_records
		WHERE created_at >= $1
		GROUP BY provider, feature
	`

	rows, err := p.db.QueryContext(ctx, query, since)
	if err != nil {
		return Summary{}, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	sum := Summary{
		Since:      since,
		ByProvider: make(map[string]Totals),
		ByFeature:  make(map[string]Totals),
	}
	for rows.Next() {
		var provider, feature string
		var t Totals
		if err := rows.Scan(&provider, &feature, &t.Requests, &t.PromptTokens,
			&t.TotalTokens, &t.CostUSD, &t.CacheHits, &t.Errors); err != nil {
			return Summary{}, fmt.Errorf("scan aggregate row: %w", err)
		}
		sum.Overall = addTotals(sum.Overall, t)
		sum.ByProvider[provider] = addTotals(sum.ByProvider[provider], t)
		sum.ByFeature[feature] = addTotals(sum.ByFeature[feature], t)
	}
	return sum, rows.Err()
}

func addTotals(a, b Totals) Totals {
	a.Requests += b.Requests
	a.PromptTokens += b.PromptTokens
	a.TotalTokens += b.TotalTokens
	a.CostUSD += b.CostUSD
	a.CacheHits += b.CacheHits
	a.Errors += b.Errors
	return a
}
