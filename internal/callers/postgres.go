package callers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/modelbridge/gateway/internal/domain"
)

// Postgres backs the registry with the callers table.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const callerColumns = `id, name, caller_group, api_key_hash, rate_limit_rps, rate_burst,
       allowed_models, quotas, created_at, updated_at`

func (p *Postgres) ByAPIKey(ctx context.Context, apiKey string) (*domain.Caller, error) {
	query := `SELECT ` + callerColumns + ` FROM callers WHERE api_key_hash = $1`
	caller, err := p.scanOne(p.db.QueryRowContext(ctx, query, HashAPIKey(apiKey)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInvalidAPIKey
	}
	return caller, err
}

func (p *Postgres) ByID(ctx context.Context, id string) (*domain.Caller, error) {
	query := `SELECT ` + callerColumns + ` FROM callers WHERE id = $1`
	caller, err := p.scanOne(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCallerNotFound
	}
	return caller, err
}

func (p *Postgres) Create(ctx context.Context, caller *domain.Caller) error {
	quotas, err := marshalQuotas(caller.Quotas)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO callers (` + callerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = p.db.ExecContext(ctx, query,
		caller.ID,
		caller.Name,
		caller.Group,
		caller.APIKeyHash,
		caller.RateLimitRPS,
		caller.RateBurst,
		pq.Array(caller.AllowedModels),
		quotas,
		caller.CreatedAt,
		caller.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert caller: %w", err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, caller *domain.Caller) error {
	quotas, err := marshalQuotas(caller.Quotas)
	if err != nil {
		return err
	}

	query := `
		UPDATE callers
		SET name = $2, caller_group = $3, api_key_hash = $4, rate_limit_rps = $5,
		    rate_burst = $6, allowed_models = $7, quotas = $8, updated_at = $9
		WHERE id = $1
	`
	result, err := p.db.ExecContext(ctx, query,
		caller.ID,
		caller.Name,
		caller.Group,
		caller.APIKeyHash,
		caller.RateLimitRPS,
		caller.RateBurst,
		pq.Array(caller.AllowedModels),
		quotas,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update caller: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrCallerNotFound
	}
	return nil
}

func (p *Postgres) scanOne(row *sql.Row) (*domain.Caller, error) {
	var caller domain.Caller
	var allowedModels pq.StringArray
	var quotas []byte

	err := row.Scan(
		&caller.ID,
		&caller.Name,
		&caller.Group,
		&caller.APIKeyHash,
		&caller.RateLimitRPS,
		&caller.RateBurst,
		&allowedModels,
		&quotas,
		&caller.CreatedAt,
		&caller.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan caller: %w", err)
	}

	caller.AllowedModels = []string(allowedModels)
	if len(quotas) > 0 {
		if err := json.Unmarshal(quotas, &caller.Quotas); err != nil {
			return nil, fmt.Errorf("decode caller quotas: %w", err)
		}
	}
	return &caller, nil
}

// marshalQuotas encodes the budget rules for the jsonb column. A nil rule
// set is stored as NULL so it reads back as nil, not an empty slice.
func marshalQuotas(rules []domain.QuotaRule) (any, error) {
	if rules == nil {
		return nil, nil
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("encode caller quotas: %w", err)
	}
	return data, nil
}
