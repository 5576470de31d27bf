// prospect_repository.go implements ProspectRepository and ClientRepository, the
// sales pipeline tables that audited business operations write to.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gladgrade/portal/internal/db/models"
	"github.com/jmoiron/sqlx"
)

// ErrNoRowsAffected is returned by conditional updates that matched nothing.
var ErrNoRowsAffected = errors.New("no rows affected")

const prospectColumns = `id, business_name, contact_name, contact_email, phone, status,
	assigned_salesperson_id, estimated_value, converted_client_id, created_by, created_at, updated_at`

// ProspectRepository handles prospect database operations
type ProspectRepository struct {
	db sqlx.ExtContext
}

// NewProspectRepository creates a new ProspectRepository
func NewProspectRepository(db sqlx.ExtContext) *ProspectRepository {
	return &ProspectRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *ProspectRepository) WithTx(tx *sqlx.Tx) *ProspectRepository {
	return &ProspectRepository{db: tx}
}

// Create inserts p and fills in ID, CreatedAt and UpdatedAt
func (r *ProspectRepository) Create(ctx context.Context, p *models.Prospect) error {
	query := `
		INSERT INTO prospects (
			business_name, contact_name, contact_email, phone, status,
			assigned_salesperson_id, estimated_value, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		p.BusinessName,
		p.ContactName,
		p.ContactEmail,
		p.Phone,
		p.Status,
		p.AssignedSalespersonID,
		p.EstimatedValue,
		p.CreatedBy,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create prospect: %w", err)
	}
	return nil
}

// GetByID returns the prospect, or nil, nil when it does not exist
func (r *ProspectRepository) GetByID(ctx context.Context, id int64) (*models.Prospect, error) {
	var p models.Prospect
	err := sqlx.GetContext(ctx, r.db, &p, `SELECT `+prospectColumns+` FROM prospects WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prospect %d: %w", id, err)
	}
	return &p, nil
}

// UpdateOwner assigns the prospect to ownerID. It matches only while the
// prospect is still owned by expectedOwnerID (nil for unassigned), so a
// concurrent reassignment makes it return ErrNoRowsAffected.
func (r *ProspectRepository) UpdateOwner(ctx context.Context, id int64, expectedOwnerID *int64, ownerID int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE prospects SET assigned_salesperson_id = $1, updated_at = now()
		WHERE id = $2 AND assigned_salesperson_id IS NOT DISTINCT FROM $3`,
		ownerID, id, expectedOwnerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update owner of prospect %d: %w", id, err)
	}
	return requireAffected(res)
}

// MarkConverted links the prospect to its client. It matches only prospects
// that are not converted yet.
func (r *ProspectRepository) MarkConverted(ctx context.Context, id, clientID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE prospects
		SET status = 'converted', converted_client_id = $1, updated_at = now()
		WHERE id = $2 AND status <> 'converted'`,
		clientID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark prospect %d converted: %w", id, err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRowsAffected
	}
	return nil
}

// ClientRepository handles client database operations
type ClientRepository struct {
	db sqlx.ExtContext
}

// NewClientRepository creates a new ClientRepository
func NewClientRepository(db sqlx.ExtContext) *ClientRepository {
	return &ClientRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *ClientRepository) WithTx(tx *sqlx.Tx) *ClientRepository {
	return &ClientRepository{db: tx}
}

// Create inserts c and fills in ID and CreatedAt
func (r *ClientRepository) Create(ctx context.Context, c *models.Client) error {
	query := `
		INSERT INTO clients (business_name, contact_email, source_prospect_id, contract_value)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		c.BusinessName,
		c.ContactEmail,
		c.SourceProspectID,
		c.ContractValue,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}
