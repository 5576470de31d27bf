package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gladgrade/portal/internal/config"
	"github.com/gladgrade/portal/internal/db"
	"github.com/gladgrade/portal/internal/db/models"
	"github.com/gladgrade/portal/internal/db/repositories"
	"github.com/gladgrade/portal/internal/safego"
	"github.com/gladgrade/portal/internal/telemetry"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrInvalidEntry is reported for entries missing a required field.
	ErrInvalidEntry = errors.New("invalid audit entry")
	// ErrDisabled is reported for every entry while audit.enabled is false.
	ErrDisabled = errors.New("audit logging is disabled")
)

// Marker keys stored in place of a snapshot that could not be kept verbatim.
const (
	TruncatedKey      = "_truncated"
	UnserializableKey = "_unserializable"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
	shipTimeout        = 15 * time.Second
)

// Entry describes one change to be recorded.
type Entry struct {
	// Actor is nil for system-initiated changes.
	Actor             *models.Actor
	ActionType        string
	TableName         string
	RecordID          *int64
	ActionDescription string
	OldValues         models.Snapshot
	NewValues         models.Snapshot
	// ChangedFields is derived from OldValues and NewValues when left empty.
	ChangedFields   []string
	BusinessContext string
	SeverityLevel   models.Severity
	Provenance      models.Provenance
}

// Result is the outcome of a best-effort audit write. Callers may inspect it
// but must not fail their own operation because of it.
type Result struct {
	ID  int64
	Err error
}

// Logged reports whether the record was persisted. Persisted records always
// carry the positive ID the store assigned, so a zero Result is not logged.
func (r Result) Logged() bool {
	return r.Err == nil && r.ID > 0
}

// OwnershipResult carries the outcome of both writes of an ownership change.
type OwnershipResult struct {
	Ledger Result
	Audit  Result
}

// Logged reports whether both the ledger row and the audit row were persisted.
func (r OwnershipResult) Logged() bool {
	return r.Ledger.Logged() && r.Audit.Logged()
}

// Option adjusts an entry built by one of the convenience helpers.
type Option func(*Entry)

// WithBusinessContext overrides the business context of the entry.
func WithBusinessContext(businessContext string) Option {
	return func(e *Entry) { e.BusinessContext = businessContext }
}

// WithProvenance attaches the originating IP address and user agent.
func WithProvenance(p models.Provenance) Option {
	return func(e *Entry) { e.Provenance = p }
}

// Logger persists audit records and ownership ledger rows. Writes are
// synchronous, bounded by audit.write_timeout and never return an error to
// branch on: failures go to slog and the audit_records_written_total metric.
type Logger struct {
	gateway   *db.Gateway
	records   *repositories.AuditRepository
	ownership *repositories.OwnershipRepository
	cfg       config.AuditConfig
	shipper   Shipper
	shipping  safego.Group
}

// NewLogger creates a Logger on top of the gateway's pool. shipper may be nil.
func NewLogger(gateway *db.Gateway, cfg config.AuditConfig, shipper Shipper) *Logger {
	return &Logger{
		gateway:   gateway,
		records:   repositories.NewAuditRepository(gateway.DB()),
		ownership: repositories.NewOwnershipRepository(gateway.DB()),
		cfg:       cfg,
		shipper:   shipper,
	}
}

// Log validates, defaults and persists one audit record.
func (l *Logger) Log(ctx context.Context, e Entry) Result {
	if !l.cfg.Enabled {
		telemetry.AuditRecordsWrittenTotal.WithLabelValues(e.ActionType, telemetry.ResultDisabled).Inc()
		return Result{Err: ErrDisabled}
	}

	rec, err := l.newRecord(e)
	if err != nil {
		telemetry.AuditRecordsWrittenTotal.WithLabelValues(e.ActionType, telemetry.ResultRejected).Inc()
		slog.Warn("audit entry rejected", "action_type", e.ActionType, "error", err)
		return Result{Err: err}
	}

	return l.persist(ctx, rec)
}

// LogEntityCreation records the creation of an entity. entityKind is the
// table name; the description names the entity by the first non-empty of
// business_name, name, title or email in the snapshot, falling back to the id.
func (l *Logger) LogEntityCreation(ctx context.Context, actor *models.Actor, entityKind string, entityID int64, snapshot models.Snapshot, opts ...Option) Result {
	id := entityID
	e := Entry{
		Actor:             actor,
		ActionType:        models.ActionCreate,
		TableName:         entityKind,
		RecordID:          &id,
		ActionDescription: fmt.Sprintf("Created new %s: %s", entityNoun(entityKind), displayName(snapshot, entityID)),
		NewValues:         snapshot,
		SeverityLevel:     models.SeverityInfo,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return l.Log(ctx, e)
}

// LogOwnershipChange appends the prospect ownership ledger row and the
// matching ASSIGN audit row. oldOwnerID is nil when the prospect had no owner.
// An empty reason is recorded as models.DefaultOwnershipReason.
func (l *Logger) LogOwnershipChange(ctx context.Context, actor *models.Actor, prospectID int64, oldOwnerID *int64, newOwnerID int64, reason string, provenance models.Provenance) OwnershipResult {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = models.DefaultOwnershipReason
	}

	if !l.cfg.Enabled {
		telemetry.OwnershipChangesRecordedTotal.WithLabelValues(telemetry.ResultDisabled).Inc()
		telemetry.AuditRecordsWrittenTotal.WithLabelValues(models.ActionAssign, telemetry.ResultDisabled).Inc()
		return OwnershipResult{Ledger: Result{Err: ErrDisabled}, Audit: Result{Err: ErrDisabled}}
	}

	change := &models.OwnershipChangeRecord{
		ProspectID: prospectID,
		OldOwnerID: oldOwnerID,
		NewOwnerID: newOwnerID,
		Reason:     reason,
		IPAddress:  nullIfEmpty(provenance.IPAddress),
		UserAgent:  nullIfEmpty(provenance.UserAgent),
	}
	if actor != nil {
		changedBy := actor.UserID
		change.ChangedByUserID = &changedBy
	}

	var oldValue interface{}
	if oldOwnerID != nil {
		oldValue = *oldOwnerID
	}
	id := prospectID
	rec, err := l.newRecord(Entry{
		Actor:      actor,
		ActionType: models.ActionAssign,
		TableName:  "prospects",
		RecordID:   &id,
		ActionDescription: fmt.Sprintf("Reassigned prospect %d from %s to user %d: %s",
			prospectID, ownerLabel(oldOwnerID), newOwnerID, reason),
		OldValues:       models.Snapshot{"assigned_salesperson_id": oldValue},
		NewValues:       models.Snapshot{"assigned_salesperson_id": newOwnerID},
		ChangedFields:   []string{"assigned_salesperson_id"},
		BusinessContext: models.ContextSalesPipeline,
		SeverityLevel:   models.SeverityWarning,
		Provenance:      provenance,
	})
	if err != nil {
		return OwnershipResult{Ledger: Result{Err: err}, Audit: Result{Err: err}}
	}

	if l.cfg.OwnershipAtomic {
		return l.logOwnershipAtomic(ctx, change, rec)
	}

	return OwnershipResult{
		Ledger: l.recordLedger(ctx, change),
		Audit:  l.persist(ctx, rec),
	}
}

// LogConversion records a prospect becoming a client.
func (l *Logger) LogConversion(ctx context.Context, actor *models.Actor, prospectID, clientID int64, conversionValue float64, opts ...Option) Result {
	id := prospectID
	e := Entry{
		Actor:      actor,
		ActionType: models.ActionConvert,
		TableName:  "prospects",
		RecordID:   &id,
		ActionDescription: fmt.Sprintf("Converted prospect %d to client %d (value: $%s)",
			prospectID, clientID, humanize.FormatFloat("#,###.##", conversionValue)),
		NewValues: models.Snapshot{
			"client_id":        clientID,
			"conversion_value": conversionValue,
		},
		BusinessContext: models.ContextSalesPipeline,
		SeverityLevel:   models.SeverityInfo,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return l.Log(ctx, e)
}

// RecentActivity returns up to limit records, newest first. limit <= 0 uses
// the configured default and larger values are capped. Read failures are
// logged and yield an empty slice.
func (l *Logger) RecentActivity(ctx context.Context, limit int) []*models.AuditRecord {
	limit = l.recentLimit(limit)

	records, err := l.records.ListRecent(ctx, limit)
	if err != nil {
		slog.Error("failed to read recent audit activity", "limit", limit, "error", err)
		return []*models.AuditRecord{}
	}
	return records
}

// ListRecords returns one filtered page of audit records and the total match count.
func (l *Logger) ListRecords(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditRecord, int, error) {
	return l.records.ListAuditRecords(ctx, filters, limit, offset)
}

// GetRecord returns a single audit record, or nil when it does not exist.
func (l *Logger) GetRecord(ctx context.Context, id int64) (*models.AuditRecord, error) {
	return l.records.GetAuditRecord(ctx, id)
}

// OwnershipHistory returns every ownership change of a prospect, oldest first.
func (l *Logger) OwnershipHistory(ctx context.Context, prospectID int64) ([]models.OwnershipChangeRecord, error) {
	return l.ownership.ListByProspect(ctx, prospectID)
}

// Close waits for in-flight shipments and closes the shipper.
func (l *Logger) Close(ctx context.Context) error {
	if err := l.shipping.Wait(ctx); err != nil {
		return fmt.Errorf("audit shipments still in flight: %w", err)
	}
	if l.shipper == nil {
		return nil
	}
	return l.shipper.Close()
}

func (l *Logger) recentLimit(limit int) int {
	def := l.cfg.RecentLimitDefault
	if def <= 0 {
		def = defaultRecentLimit
	}
	ceiling := l.cfg.RecentLimitMax
	if ceiling <= 0 {
		ceiling = maxRecentLimit
	}
	if limit <= 0 {
		limit = def
	}
	if limit > ceiling {
		limit = ceiling
	}
	return limit
}

// writeContext detaches the write from the caller's cancellation so a client
// disconnect after the business write does not drop the record. The write is
// still bounded by audit.write_timeout.
func (l *Logger) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if l.cfg.WriteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.cfg.WriteTimeout)
}

func (l *Logger) persist(ctx context.Context, rec *models.AuditRecord) Result {
	writeCtx, cancel := l.writeContext(ctx)
	defer cancel()

	start := time.Now()
	err := l.records.InsertAuditRecord(writeCtx, rec)
	telemetry.AuditWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.AuditRecordsWrittenTotal.WithLabelValues(rec.ActionType, telemetry.ResultFailed).Inc()
		slog.Error("failed to write audit record",
			"action_type", rec.ActionType,
			"table_name", deref(rec.TableName),
			"record_id", rec.RecordID,
			"error", err,
		)
		return Result{Err: err}
	}

	telemetry.AuditRecordsWrittenTotal.WithLabelValues(rec.ActionType, telemetry.ResultLogged).Inc()
	l.ship(rec)
	return Result{ID: rec.ID}
}

func (l *Logger) recordLedger(ctx context.Context, change *models.OwnershipChangeRecord) Result {
	writeCtx, cancel := l.writeContext(ctx)
	defer cancel()

	if err := l.ownership.RecordOwnershipChange(writeCtx, change); err != nil {
		telemetry.OwnershipChangesRecordedTotal.WithLabelValues(telemetry.ResultFailed).Inc()
		slog.Error("failed to record ownership change",
			"prospect_id", change.ProspectID,
			"new_owner_id", change.NewOwnerID,
			"error", err,
		)
		return Result{Err: err}
	}

	telemetry.OwnershipChangesRecordedTotal.WithLabelValues(telemetry.ResultLogged).Inc()
	return Result{ID: change.ID}
}

// logOwnershipAtomic writes the ledger row and the audit row in one
// transaction. Either both are persisted or neither is.
func (l *Logger) logOwnershipAtomic(ctx context.Context, change *models.OwnershipChangeRecord, rec *models.AuditRecord) OwnershipResult {
	writeCtx, cancel := l.writeContext(ctx)
	defer cancel()

	start := time.Now()
	err := l.gateway.InTx(writeCtx, func(tx *sqlx.Tx) error {
		if err := l.ownership.WithTx(tx).RecordOwnershipChange(writeCtx, change); err != nil {
			return err
		}
		return l.records.WithTx(tx).InsertAuditRecord(writeCtx, rec)
	})
	telemetry.AuditWriteDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		err = fmt.Errorf("ownership change of prospect %d rolled back: %w", change.ProspectID, err)
		telemetry.OwnershipChangesRecordedTotal.WithLabelValues(telemetry.ResultFailed).Inc()
		telemetry.AuditRecordsWrittenTotal.WithLabelValues(rec.ActionType, telemetry.ResultFailed).Inc()
		slog.Error("failed to record ownership change", "prospect_id", change.ProspectID, "error", err)
		return OwnershipResult{Ledger: Result{Err: err}, Audit: Result{Err: err}}
	}

	telemetry.OwnershipChangesRecordedTotal.WithLabelValues(telemetry.ResultLogged).Inc()
	telemetry.AuditRecordsWrittenTotal.WithLabelValues(rec.ActionType, telemetry.ResultLogged).Inc()
	l.ship(rec)
	return OwnershipResult{Ledger: Result{ID: change.ID}, Audit: Result{ID: rec.ID}}
}

func (l *Logger) ship(rec *models.AuditRecord) {
	if l.shipper == nil {
		return
	}
	entry := NewShipEntry(rec)
	l.shipping.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		if err := l.shipper.Ship(ctx, entry); err != nil {
			telemetry.AuditShipErrorsTotal.Inc()
			slog.Warn("failed to ship audit record", "audit_id", entry.ID, "error", err)
		}
	})
}

func (l *Logger) newRecord(e Entry) (*models.AuditRecord, error) {
	actionType := strings.TrimSpace(e.ActionType)
	if actionType == "" {
		return nil, fmt.Errorf("%w: action type is required", ErrInvalidEntry)
	}
	description := strings.TrimSpace(e.ActionDescription)
	if description == "" {
		return nil, fmt.Errorf("%w: action description is required", ErrInvalidEntry)
	}

	severity := e.SeverityLevel
	if severity == "" {
		severity = models.SeverityInfo
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidEntry, severity)
	}

	businessContext := strings.TrimSpace(e.BusinessContext)
	if businessContext == "" {
		businessContext = models.DefaultBusinessContext
	}

	changed := e.ChangedFields
	if len(changed) == 0 {
		changed = changedFields(e.OldValues, e.NewValues)
	}

	return &models.AuditRecord{
		Actor:             e.Actor,
		ActionType:        actionType,
		TableName:         nullIfEmpty(e.TableName),
		RecordID:          e.RecordID,
		ActionDescription: description,
		OldValues:         l.boundSnapshot(e.OldValues),
		NewValues:         l.boundSnapshot(e.NewValues),
		ChangedFields:     changed,
		BusinessContext:   businessContext,
		SeverityLevel:     severity,
		IPAddress:         nullIfEmpty(e.Provenance.IPAddress),
		UserAgent:         nullIfEmpty(e.Provenance.UserAgent),
	}, nil
}

// boundSnapshot replaces snapshots that cannot be encoded or exceed
// audit.max_snapshot_bytes with a small marker object.
func (l *Logger) boundSnapshot(s models.Snapshot) models.Snapshot {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return models.Snapshot{UnserializableKey: true, "error": err.Error()}
	}
	if l.cfg.MaxSnapshotBytes > 0 && len(data) > l.cfg.MaxSnapshotBytes {
		return models.Snapshot{
			TruncatedKey:     true,
			"original_bytes": len(data),
			"max_bytes":      l.cfg.MaxSnapshotBytes,
		}
	}
	return s
}

// changedFields lists keys whose values differ between two snapshots. Either
// side missing means nothing changed in place, so nil is returned.
func changedFields(oldValues, newValues models.Snapshot) []string {
	if oldValues == nil || newValues == nil {
		return nil
	}
	var fields []string
	for k, nv := range newValues {
		if ov, ok := oldValues[k]; !ok || !reflect.DeepEqual(ov, nv) {
			fields = append(fields, k)
		}
	}
	for k := range oldValues {
		if _, ok := newValues[k]; !ok {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

func displayName(s models.Snapshot, id int64) string {
	for _, key := range []string{"business_name", "name", "title", "email"} {
		if v, ok := s[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return strconv.FormatInt(id, 10)
}

// entityNouns maps portal tables to the noun used in descriptions.
var entityNouns = map[string]string{
	"prospects":  "prospect",
	"clients":    "client",
	"businesses": "business",
	"users":      "user",
	"reviews":    "review",
}

// entityNoun returns the known noun for kind, or kind itself.
func entityNoun(kind string) string {
	if kind == "" {
		return "record"
	}
	if noun, ok := entityNouns[kind]; ok {
		return noun
	}
	return kind
}

func ownerLabel(ownerID *int64) string {
	if ownerID == nil {
		return "unassigned"
	}
	return "user " + strconv.FormatInt(*ownerID, 10)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
