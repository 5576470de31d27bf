package repositories

import (
	"context"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gladgrade/portal/internal/db/models"
)

var ownershipCols = []string{
	"id", "prospect_id", "old_owner_id", "new_owner_id", "changed_by_user_id",
	"reason", "ip_address", "user_agent", "created_at",
}

func newOwnershipRepo(t *testing.T) (*OwnershipRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewOwnershipRepository(db), mock
}

// ---------------------------------------------------------------------------
// RecordOwnershipChange
// ---------------------------------------------------------------------------

func TestRecordOwnershipChange_Success(t *testing.T) {
	repo, mock := newOwnershipRepo(t)
	mock.ExpectQuery(`SELECT record_prospect_ownership_change\(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)`).
		WithArgs(int64(42), int64(7), int64(9), int64(4), "Territory rebalance", "10.0.0.1", nil).
		WillReturnRows(sqlmock.NewRows([]string{"record_prospect_ownership_change"}).AddRow(int64(301)))

	change := &models.OwnershipChangeRecord{
		ProspectID:      42,
		OldOwnerID:      int64Ptr(7),
		NewOwnerID:      9,
		ChangedByUserID: int64Ptr(4),
		Reason:          "Territory rebalance",
		IPAddress:       strPtr("10.0.0.1"),
	}
	if err := repo.RecordOwnershipChange(context.Background(), change); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if change.ID != 301 {
		t.Errorf("ID = %d, want 301", change.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordOwnershipChange_FirstAssignment(t *testing.T) {
	repo, mock := newOwnershipRepo(t)
	mock.ExpectQuery("SELECT record_prospect_ownership_change").
		WithArgs(int64(42), nil, int64(9), nil, "", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"record_prospect_ownership_change"}).AddRow(int64(1)))

	change := &models.OwnershipChangeRecord{ProspectID: 42, NewOwnerID: 9}
	if err := repo.RecordOwnershipChange(context.Background(), change); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordOwnershipChange_DBError(t *testing.T) {
	repo, mock := newOwnershipRepo(t)
	mock.ExpectQuery("SELECT record_prospect_ownership_change").WillReturnError(errDB)

	err := repo.RecordOwnershipChange(context.Background(), &models.OwnershipChangeRecord{ProspectID: 42, NewOwnerID: 9})
	if err == nil || !strings.Contains(err.Error(), "prospect 42") {
		t.Errorf("err = %v, want error naming prospect 42", err)
	}
}

// ---------------------------------------------------------------------------
// ListByProspect
// ---------------------------------------------------------------------------

func TestListByProspect_Success(t *testing.T) {
	repo, mock := newOwnershipRepo(t)
	now := time.Now()
	rows := sqlmock.NewRows(ownershipCols).
		AddRow(int64(1), int64(42), nil, int64(7), int64(4), "Ownership reassignment", nil, nil, now.Add(-time.Hour)).
		AddRow(int64(2), int64(42), int64(7), int64(9), int64(4), "Territory rebalance", "10.0.0.1", "curl/8.0", now)
	mock.ExpectQuery("FROM prospect_ownership_log").WithArgs(int64(42)).WillReturnRows(rows)

	changes, err := repo.ListByProspect(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("len(changes) = %d, want 2", len(changes))
	}
	if changes[0].OldOwnerID != nil {
		t.Errorf("first change OldOwnerID = %v, want nil", *changes[0].OldOwnerID)
	}
	if changes[1].OldOwnerID == nil || *changes[1].OldOwnerID != 7 {
		t.Errorf("second change OldOwnerID = %v, want 7", changes[1].OldOwnerID)
	}
}

func TestListByProspect_Empty(t *testing.T) {
	repo, mock := newOwnershipRepo(t)
	mock.ExpectQuery("FROM prospect_ownership_log").WillReturnRows(sqlmock.NewRows(ownershipCols))

	changes, err := repo.ListByProspect(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changes == nil || len(changes) != 0 {
		t.Errorf("changes = %v, want empty non-nil slice", changes)
	}
}

func TestListByProspect_Error(t *testing.T) {
	repo, mock := newOwnershipRepo(t)
	mock.ExpectQuery("FROM prospect_ownership_log").WillReturnError(errDB)

	if _, err := repo.ListByProspect(context.Background(), 42); err == nil {
		t.Error("expected error, got nil")
	}
}
