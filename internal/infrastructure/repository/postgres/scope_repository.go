package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

const defaultTemperature = 0.7

// ScopeRepository reads user scopes and stored Drive tokens. Both tables are owned by the
// account service; this side only reads them.
type ScopeRepository struct {
	db *sql.DB
}

func NewScopeRepository(db *sql.DB) *ScopeRepository {
	return &ScopeRepository{db: db}
}

func (r *ScopeRepository) ResolveScope(ctx context.Context, userID string) (domain.Scope, error) {
	var scope domain.Scope
	var temperature sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
SELECT organization_id, category, temperature
FROM user_scopes
WHERE user_id = $1
`, userID).Scan(&scope.OrganizationID, &scope.Category, &temperature)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Scope{}, domain.WrapError(domain.ErrUnauthorized, "resolve scope", fmt.Errorf("no scope for user %s", userID))
		}
		return domain.Scope{}, fmt.Errorf("resolve scope: %w", err)
	}
	scope.UserID = userID
	scope.Category = domain.NormalizeCategory(scope.Category)
	scope.Temperature = defaultTemperature
	if temperature.Valid {
		scope.Temperature = temperature.Float64
	}
	return scope, nil
}

func (r *ScopeRepository) DriveToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := r.db.QueryRowContext(ctx, `
SELECT access_token
FROM drive_credentials
WHERE user_id = $1
`, userID).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.WrapError(domain.ErrDocumentNotFound, "drive token", fmt.Errorf("user=%s", userID))
		}
		return "", fmt.Errorf("drive token: %w", err)
	}
	return token, nil
}
