// audit_repository.go implements AuditRepository, the append-only audit record store.
// It inserts audit rows and serves recency-ordered and filtered reads for dashboards.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gladgrade/portal/internal/db/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const auditColumns = `id, user_id, user_email, user_name, user_role, action_type, table_name, record_id,
	action_description, old_values, new_values, changed_fields, business_context, severity_level,
	ip_address, user_agent, created_at`

// AuditRepository handles audit record database operations
type AuditRepository struct {
	db sqlx.ExtContext
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db sqlx.ExtContext) *AuditRepository {
	return &AuditRepository{db: db}
}

// WithTx returns a repository bound to tx
func (r *AuditRepository) WithTx(tx *sqlx.Tx) *AuditRepository {
	return &AuditRepository{db: tx}
}

// AuditFilters contains filters for querying audit records
type AuditFilters struct {
	UserID          *int64
	ActionType      *string
	TableName       *string
	RecordID        *int64
	BusinessContext *string
	SeverityLevel   *models.Severity
	StartDate       *time.Time
	EndDate         *time.Time
}

// where renders the filters as a WHERE clause with positional parameters.
func (f AuditFilters) where() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(expr string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.ActionType != nil {
		add("action_type = $%d", *f.ActionType)
	}
	if f.TableName != nil {
		add("table_name = $%d", *f.TableName)
	}
	if f.RecordID != nil {
		add("record_id = $%d", *f.RecordID)
	}
	if f.BusinessContext != nil {
		add("business_context = $%d", *f.BusinessContext)
	}
	if f.SeverityLevel != nil {
		add("severity_level = $%d", string(*f.SeverityLevel))
	}
	if f.StartDate != nil {
		add("created_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		add("created_at <= $%d", *f.EndDate)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// InsertAuditRecord appends rec and fills in the server-assigned ID and CreatedAt.
func (r *AuditRepository) InsertAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	oldJSON, err := marshalSnapshot(rec.OldValues)
	if err != nil {
		return fmt.Errorf("failed to encode old_values: %w", err)
	}
	newJSON, err := marshalSnapshot(rec.NewValues)
	if err != nil {
		return fmt.Errorf("failed to encode new_values: %w", err)
	}

	var userID *int64
	var userEmail, userName, userRole *string
	if rec.Actor != nil {
		userID = &rec.Actor.UserID
		userEmail = nullIfEmpty(models.ClampText(rec.Actor.UserEmail, models.MaxUserEmailLen))
		userName = nullIfEmpty(models.ClampText(rec.Actor.UserName, models.MaxUserNameLen))
		userRole = nullIfEmpty(models.ClampText(rec.Actor.UserRole, models.MaxUserRoleLen))
	}
	ipAddress := clampPtr(rec.IPAddress, models.MaxIPAddressLen)
	userAgent := clampPtr(rec.UserAgent, -1)

	query := `
		INSERT INTO audit_logs (
			user_id, user_email, user_name, user_role, action_type, table_name, record_id,
			action_description, old_values, new_values, changed_fields, business_context,
			severity_level, ip_address, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at
	`

	err = r.db.QueryRowxContext(ctx, query,
		userID,
		userEmail,
		userName,
		userRole,
		rec.ActionType,
		rec.TableName,
		rec.RecordID,
		rec.ActionDescription,
		oldJSON,
		newJSON,
		pq.Array(rec.ChangedFields),
		rec.BusinessContext,
		string(rec.SeverityLevel),
		ipAddress,
		userAgent,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// ListRecent returns the limit most recent records, newest first. id breaks
// created_at ties because it is monotonic.
func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]*models.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs ORDER BY created_at DESC, id DESC LIMIT $1`

	rows, err := r.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent audit records: %w", err)
	}
	defer rows.Close()

	return collectAuditRecords(rows)
}

// ListAuditRecords retrieves audit records with optional filters and pagination
func (r *AuditRepository) ListAuditRecords(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	where, args := filters.where()

	var total int
	if err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit records: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	records, err := collectAuditRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// GetAuditRecord retrieves a single audit record by ID. It returns nil, nil when
// the record does not exist.
func (r *AuditRepository) GetAuditRecord(ctx context.Context, id int64) (*models.AuditRecord, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id)

	rec, err := scanAuditRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func collectAuditRecords(rows *sqlx.Rows) ([]*models.AuditRecord, error) {
	records := make([]*models.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return records, nil
}

func scanAuditRecord(s rowScanner) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{}
	var (
		userID                        sql.NullInt64
		userEmail, userName, userRole sql.NullString
		oldJSON, newJSON              []byte
		changed                       pq.StringArray
		severity                      string
	)

	err := s.Scan(
		&rec.ID,
		&userID,
		&userEmail,
		&userName,
		&userRole,
		&rec.ActionType,
		&rec.TableName,
		&rec.RecordID,
		&rec.ActionDescription,
		&oldJSON,
		&newJSON,
		&changed,
		&rec.BusinessContext,
		&severity,
		&rec.IPAddress,
		&rec.UserAgent,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		rec.Actor = &models.Actor{
			UserID:    userID.Int64,
			UserEmail: userEmail.String,
			UserName:  userName.String,
			UserRole:  userRole.String,
		}
	}
	rec.SeverityLevel = models.Severity(severity)
	if len(changed) > 0 {
		rec.ChangedFields = []string(changed)
	}

	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &rec.OldValues); err != nil {
			return nil, fmt.Errorf("failed to decode old_values of audit record %d: %w", rec.ID, err)
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &rec.NewValues); err != nil {
			return nil, fmt.Errorf("failed to decode new_values of audit record %d: %w", rec.ID, err)
		}
	}

	return rec, nil
}

// marshalSnapshot encodes s for a JSONB column; a nil snapshot is stored as NULL.
func marshalSnapshot(s models.Snapshot) (interface{}, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// clampPtr applies models.ClampText to an optional column value.
func clampPtr(s *string, n int) *string {
	if s == nil {
		return nil
	}
	v := models.ClampText(*s, n)
	return &v
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
