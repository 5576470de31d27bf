// Package audit is the portal's audit trail: the best-effort Logger that
// business operations call after their primary write, the recent-activity
// reader behind the dashboards, and optional shippers that copy persisted
// records to a SIEM webhook, a JSON-lines file or an object storage archive.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/gladgrade/portal/internal/config"
	"github.com/gladgrade/portal/internal/db/models"
	"github.com/gladgrade/portal/internal/storage"
	"github.com/hashicorp/go-multierror"
)

// ShipEntry is the externally shipped form of a persisted audit record.
// Snapshots stay in the database; only the changed field names leave it.
type ShipEntry struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	ActionType      string    `json:"action_type"`
	TableName       string    `json:"table_name,omitempty"`
	RecordID        *int64    `json:"record_id,omitempty"`
	Description     string    `json:"description"`
	ChangedFields   []string  `json:"changed_fields,omitempty"`
	BusinessContext string    `json:"business_context"`
	Severity        string    `json:"severity"`
	UserID          *int64    `json:"user_id,omitempty"`
	UserEmail       string    `json:"user_email,omitempty"`
	UserRole        string    `json:"user_role,omitempty"`
	IPAddress       string    `json:"ip_address,omitempty"`
}

// NewShipEntry flattens rec for shipping.
func NewShipEntry(rec *models.AuditRecord) *ShipEntry {
	e := &ShipEntry{
		ID:              rec.ID,
		Timestamp:       rec.CreatedAt,
		ActionType:      rec.ActionType,
		RecordID:        rec.RecordID,
		Description:     rec.ActionDescription,
		ChangedFields:   rec.ChangedFields,
		BusinessContext: rec.BusinessContext,
		Severity:        string(rec.SeverityLevel),
	}
	if rec.TableName != nil {
		e.TableName = *rec.TableName
	}
	if rec.IPAddress != nil {
		e.IPAddress = *rec.IPAddress
	}
	if rec.Actor != nil {
		id := rec.Actor.UserID
		e.UserID = &id
		e.UserEmail = rec.Actor.UserEmail
		e.UserRole = rec.Actor.UserRole
	}
	return e
}

// Shipper delivers audit entries to an external destination
type Shipper interface {
	Ship(ctx context.Context, entry *ShipEntry) error
	Close() error
}

// MultiShipper fans an entry out to every configured destination
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper builds the enabled shippers from configuration
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{shippers: make([]Shipper, 0, len(configs))}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var (
			shipper Shipper
			err     error
		)
		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		case "archive":
			if cfg.Archive == nil {
				return nil, fmt.Errorf("archive config is required for archive shipper")
			}
			var store storage.Store
			store, err = storage.Open(cfg.Archive)
			if err == nil {
				shipper = NewArchiveShipper(store, cfg.Archive.Prefix)
			}
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}
		if err != nil {
			ms.Close() // nolint:errcheck
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Len reports how many destinations are active
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends entry to every destination. A failing destination does not stop
// the others; all failures are returned together.
func (ms *MultiShipper) Ship(ctx context.Context, entry *ShipEntry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var result *multierror.Error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, entry); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every destination
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var result *multierror.Error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// WebhookShipper POSTs each entry as JSON to a SIEM collector
type WebhookShipper struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookShipper creates a webhook shipper. TimeoutSecs defaults to 10.
func NewWebhookShipper(cfg *config.AuditWebhookConfig) *WebhookShipper {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookShipper{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Ship sends entry to the webhook
func (ws *WebhookShipper) Ship(ctx context.Context, entry *ShipEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections
func (ws *WebhookShipper) Close() error {
	ws.client.CloseIdleConnections()
	return nil
}

// FileShipper appends entries as JSON lines, rotating at MaxSizeMB
type FileShipper struct {
	cfg  *config.AuditFileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper opens (or creates) the target file for appending
func NewFileShipper(cfg *config.AuditFileConfig) (*FileShipper, error) {
	file, err := openAppend(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &FileShipper{cfg: cfg, file: file}, nil
}

func openAppend(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return file, nil
}

// Ship writes entry as one line
func (fs *FileShipper) Ship(_ context.Context, entry *ShipEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate audit log file", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate shifts path.N to path.N+1, moves the live file to path.1 and reopens.
// Backups beyond MaxBackups are removed; path.1 is always kept, so with
// MaxBackups 0 each rotation replaces the single backup.
func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	path := fs.cfg.Path
	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", path, fs.cfg.MaxBackups))
	}
	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	_ = os.Rename(path, path+".1")

	file, err := openAppend(path)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

// ArchiveShipper writes each entry as one JSON object in an object store.
// Keys are prefix/YYYY/MM/DD/<id>.json in UTC. A key that is already archived
// is left untouched, so each record is written at most once.
type ArchiveShipper struct {
	store  storage.Store
	prefix string
}

// NewArchiveShipper creates an archive shipper. An empty prefix defaults to "audit".
func NewArchiveShipper(store storage.Store, prefix string) *ArchiveShipper {
	if prefix == "" {
		prefix = "audit"
	}
	return &ArchiveShipper{store: store, prefix: prefix}
}

// ObjectKey returns the archive key for entry
func (as *ArchiveShipper) ObjectKey(entry *ShipEntry) string {
	ts := entry.Timestamp.UTC()
	return path.Join(as.prefix, ts.Format("2006"), ts.Format("01"), ts.Format("02"),
		strconv.FormatInt(entry.ID, 10)+".json")
}

// Ship uploads entry unless its key is already archived
func (as *ArchiveShipper) Ship(ctx context.Context, entry *ShipEntry) error {
	key := as.ObjectKey(entry)
	exists, err := as.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check archive key %s: %w", key, err)
	}
	if exists {
		slog.Debug("audit entry already archived", "audit_id", entry.ID, "key", key)
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := as.store.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("failed to archive audit entry %d: %w", entry.ID, err)
	}
	return nil
}

// Close releases the store when it holds a client
func (as *ArchiveShipper) Close() error {
	if c, ok := as.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
