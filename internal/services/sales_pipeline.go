// Package services implements business operations that coordinate several
// repositories. Each sales pipeline operation performs its primary write and
// then records the change through the audit logger; the audit outcome never
// changes the operation's result.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gladgrade/portal/internal/audit"
	"github.com/gladgrade/portal/internal/db"
	"github.com/gladgrade/portal/internal/db/models"
	"github.com/gladgrade/portal/internal/db/repositories"
	"github.com/jmoiron/sqlx"
)

var (
	ErrProspectNotFound = errors.New("prospect not found")
	ErrAlreadyConverted = errors.New("prospect is already converted")
	ErrSameOwner        = errors.New("prospect is already assigned to this owner")
	ErrOwnerChanged     = errors.New("prospect owner changed concurrently")
	ErrInvalidProspect  = errors.New("invalid prospect")
)

// AuditLogger is the subset of *audit.Logger the pipeline records through.
type AuditLogger interface {
	LogEntityCreation(ctx context.Context, actor *models.Actor, entityKind string, entityID int64, snapshot models.Snapshot, opts ...audit.Option) audit.Result
	LogOwnershipChange(ctx context.Context, actor *models.Actor, prospectID int64, oldOwnerID *int64, newOwnerID int64, reason string, provenance models.Provenance) audit.OwnershipResult
	LogConversion(ctx context.Context, actor *models.Actor, prospectID, clientID int64, conversionValue float64, opts ...audit.Option) audit.Result
}

// ProspectInput is the caller-supplied part of a new prospect.
type ProspectInput struct {
	BusinessName          string
	ContactName           string
	ContactEmail          string
	Phone                 string
	AssignedSalespersonID *int64
	EstimatedValue        float64
}

// SalesPipeline creates, reassigns and converts prospects.
type SalesPipeline struct {
	gateway   *db.Gateway
	prospects *repositories.ProspectRepository
	clients   *repositories.ClientRepository
	audit     AuditLogger
}

// NewSalesPipeline creates a SalesPipeline
func NewSalesPipeline(gateway *db.Gateway, auditLogger AuditLogger) *SalesPipeline {
	return &SalesPipeline{
		gateway:   gateway,
		prospects: repositories.NewProspectRepository(gateway.DB()),
		clients:   repositories.NewClientRepository(gateway.DB()),
		audit:     auditLogger,
	}
}

// CreateProspect inserts a new prospect and records its creation.
func (s *SalesPipeline) CreateProspect(ctx context.Context, actor *models.Actor, in ProspectInput, provenance models.Provenance) (*models.Prospect, error) {
	name := strings.TrimSpace(in.BusinessName)
	if name == "" {
		return nil, fmt.Errorf("%w: business name is required", ErrInvalidProspect)
	}
	if in.EstimatedValue < 0 {
		return nil, fmt.Errorf("%w: estimated value must not be negative", ErrInvalidProspect)
	}
	if in.AssignedSalespersonID != nil && *in.AssignedSalespersonID <= 0 {
		return nil, fmt.Errorf("%w: assigned salesperson id must be positive", ErrInvalidProspect)
	}

	p := &models.Prospect{
		BusinessName:          name,
		ContactName:           optional(in.ContactName),
		ContactEmail:          optional(in.ContactEmail),
		Phone:                 optional(in.Phone),
		Status:                models.ProspectStatusNew,
		AssignedSalespersonID: in.AssignedSalespersonID,
		EstimatedValue:        in.EstimatedValue,
	}
	if actor != nil {
		createdBy := actor.UserID
		p.CreatedBy = &createdBy
	}

	if err := s.prospects.Create(ctx, p); err != nil {
		return nil, err
	}

	res := s.audit.LogEntityCreation(ctx, actor, "prospects", p.ID, p.Snapshot(),
		audit.WithBusinessContext(models.ContextSalesPipeline),
		audit.WithProvenance(provenance),
	)
	if !res.Logged() {
		slog.Warn("prospect created without audit record", "prospect_id", p.ID)
	}
	return p, nil
}

// GetProspect returns a prospect or ErrProspectNotFound.
func (s *SalesPipeline) GetProspect(ctx context.Context, id int64) (*models.Prospect, error) {
	p, err := s.prospects.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProspectNotFound
	}
	return p, nil
}

// ReassignOwner moves a prospect to newOwnerID and records the change in the
// ownership ledger and the audit trail.
func (s *SalesPipeline) ReassignOwner(ctx context.Context, actor *models.Actor, prospectID, newOwnerID int64, reason string, provenance models.Provenance) (*models.Prospect, error) {
	if newOwnerID <= 0 {
		return nil, fmt.Errorf("%w: new owner id must be positive", ErrInvalidProspect)
	}

	p, err := s.GetProspect(ctx, prospectID)
	if err != nil {
		return nil, err
	}
	oldOwnerID := p.AssignedSalespersonID
	if oldOwnerID != nil && *oldOwnerID == newOwnerID {
		return nil, ErrSameOwner
	}

	if err := s.prospects.UpdateOwner(ctx, prospectID, oldOwnerID, newOwnerID); err != nil {
		if errors.Is(err, repositories.ErrNoRowsAffected) {
			return nil, s.lostReassignment(ctx, prospectID)
		}
		return nil, err
	}
	p.AssignedSalespersonID = &newOwnerID

	res := s.audit.LogOwnershipChange(ctx, actor, prospectID, oldOwnerID, newOwnerID, reason, provenance)
	if !res.Logged() {
		slog.Warn("prospect reassigned without complete ownership history",
			"prospect_id", prospectID,
			"ledger_logged", res.Ledger.Logged(),
			"audit_logged", res.Audit.Logged(),
		)
	}
	return p, nil
}

// lostReassignment explains a guarded owner update that matched no row: the
// prospect was either deleted or reassigned after it was read.
func (s *SalesPipeline) lostReassignment(ctx context.Context, prospectID int64) error {
	p, err := s.prospects.GetByID(ctx, prospectID)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrProspectNotFound
	}
	return ErrOwnerChanged
}

// ConvertToClient creates a client from the prospect and marks the prospect
// converted in one transaction, then records the conversion.
func (s *SalesPipeline) ConvertToClient(ctx context.Context, actor *models.Actor, prospectID int64, contractValue float64, provenance models.Provenance) (*models.Client, error) {
	if contractValue < 0 {
		return nil, fmt.Errorf("%w: contract value must not be negative", ErrInvalidProspect)
	}

	var client *models.Client
	err := s.gateway.InTx(ctx, func(tx *sqlx.Tx) error {
		p, err := s.prospects.WithTx(tx).GetByID(ctx, prospectID)
		if err != nil {
			return err
		}
		if p == nil {
			return ErrProspectNotFound
		}
		if p.Status == models.ProspectStatusConverted {
			return ErrAlreadyConverted
		}

		sourceID := p.ID
		client = &models.Client{
			BusinessName:     p.BusinessName,
			ContactEmail:     p.ContactEmail,
			SourceProspectID: &sourceID,
			ContractValue:    contractValue,
		}
		if err := s.clients.WithTx(tx).Create(ctx, client); err != nil {
			return err
		}

		if err := s.prospects.WithTx(tx).MarkConverted(ctx, prospectID, client.ID); err != nil {
			if errors.Is(err, repositories.ErrNoRowsAffected) {
				return ErrAlreadyConverted
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := s.audit.LogConversion(ctx, actor, prospectID, client.ID, contractValue, audit.WithProvenance(provenance))
	if !res.Logged() {
		slog.Warn("prospect converted without audit record", "prospect_id", prospectID, "client_id", client.ID)
	}
	return client, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
