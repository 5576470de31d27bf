// ownership_repository.go implements OwnershipRepository, the prospect ownership ledger.
// Each reassignment appends one row through the record_prospect_ownership_change function.
package repositories

import (
	"context"
	"fmt"

	"github.com/gladgrade/portal/internal/db/models"
	"github.com/jmoiron/sqlx"
)

// OwnershipRepository handles prospect ownership ledger operations
type OwnershipRepository struct {
	db sqlx.ExtContext
}

// NewOwnershipRepository creates a new OwnershipRepository
func NewOwnershipRepository(db sqlx.ExtContext) *OwnershipRepository {
	return &OwnershipRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *OwnershipRepository) WithTx(tx *sqlx.Tx) *OwnershipRepository {
	return &OwnershipRepository{db: tx}
}

// RecordOwnershipChange appends change to the ledger and sets change.ID.
// Owner references are not validated here.
func (r *OwnershipRepository) RecordOwnershipChange(ctx context.Context, change *models.OwnershipChangeRecord) error {
	query := `SELECT record_prospect_ownership_change($1, $2, $3, $4, $5, $6, $7)`

	err := sqlx.GetContext(ctx, r.db, &change.ID, query,
		change.ProspectID,
		change.OldOwnerID,
		change.NewOwnerID,
		change.ChangedByUserID,
		change.Reason,
		clampPtr(change.IPAddress, models.MaxIPAddressLen),
		clampPtr(change.UserAgent, -1),
	)
	if err != nil {
		return fmt.Errorf("failed to record ownership change for prospect %d: %w", change.ProspectID, err)
	}
	return nil
}

// ListByProspect returns every ownership change of a prospect, oldest first.
func (r *OwnershipRepository) ListByProspect(ctx context.Context, prospectID int64) ([]models.OwnershipChangeRecord, error) {
	query := `
		SELECT id, prospect_id, old_owner_id, new_owner_id, changed_by_user_id,
		       reason, ip_address, user_agent, created_at
		FROM prospect_ownership_log
		WHERE prospect_id = $1
		ORDER BY created_at ASC, id ASC
	`

	changes := make([]models.OwnershipChangeRecord, 0)
	if err := sqlx.SelectContext(ctx, r.db, &changes, query, prospectID); err != nil {
		return nil, fmt.Errorf("failed to list ownership changes for prospect %d: %w", prospectID, err)
	}
	return changes, nil
}
