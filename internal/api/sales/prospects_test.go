package sales

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/gladgrade/portal/internal/audit"
	"github.com/gladgrade/portal/internal/config"
	"github.com/gladgrade/portal/internal/db"
	"github.com/gladgrade/portal/internal/middleware"
	"github.com/gladgrade/portal/internal/services"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var errDB = errors.New("db error")

var prospectCols = []string{
	"id", "business_name", "contact_name", "contact_email", "phone", "status",
	"assigned_salesperson_id", "estimated_value", "converted_client_id", "created_by", "created_at", "updated_at",
}

// ---------------------------------------------------------------------------
// Router helpers
// ---------------------------------------------------------------------------

func newProspectRouter(t *testing.T) (sqlmock.Sqlmock, *gin.Engine) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	gw := db.NewGateway(conn, "sqlmock")
	logger := audit.NewLogger(gw, config.AuditConfig{Enabled: true, WriteTimeout: time.Second}, nil)
	h := NewProspectHandlers(services.NewSalesPipeline(gw, logger), logger)

	r := gin.New()
	r.Use(middleware.ActorMiddleware())
	g := r.Group("/prospects")
	g.POST("", h.CreateProspectHandler())
	g.GET("/:id", h.GetProspectHandler())
	g.PUT("/:id/owner", h.ReassignOwnerHandler())
	g.GET("/:id/ownership-history", h.OwnershipHistoryHandler())
	g.POST("/:id/convert", h.ConvertProspectHandler())
	return mock, r
}

func do(r *gin.Engine, method, url string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderUserID, "4")
	req.Header.Set(middleware.HeaderUserEmail, "miguel@gladgrade.com")
	req.Header.Set(middleware.HeaderUserRole, "sales_manager")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func getJSON(resp *httptest.ResponseRecorder) map[string]interface{} {
	var m map[string]interface{}
	json.Unmarshal(resp.Body.Bytes(), &m)
	return m
}

func prospectRow(id int64, status string, owner interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(prospectCols).
		AddRow(id, "Acme Corp", "Jane Doe", "ops@acme.test", nil, status, owner, 1200.0, nil, int64(4), now, now)
}

func auditInserted(id int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, time.Now())
}

func checkMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// ---------------------------------------------------------------------------
// CreateProspectHandler
// ---------------------------------------------------------------------------

func TestCreateProspect_Success(t *testing.T) {
	mock, r := newProspectRouter(t)
	now := time.Now()
	mock.ExpectQuery("INSERT INTO prospects").
		WithArgs("Acme Corp", nil, "ops@acme.test", nil, "new", int64(7), 1200.0, int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(42), now, now))
	mock.ExpectQuery("INSERT INTO audit_logs").
		WithArgs(int64(4), "miguel@gladgrade.com", nil, "sales_manager", "CREATE", "prospects", int64(42),
			"Created new prospect: Acme Corp", nil, sqlmock.AnyArg(), sqlmock.AnyArg(), "sales_pipeline", "info",
			"192.0.2.1", nil).
		WillReturnRows(auditInserted(1))

	w := do(r, http.MethodPost, "/prospects", gin.H{
		"business_name":           "Acme Corp",
		"contact_email":           "ops@acme.test",
		"assigned_salesperson_id": 7,
		"estimated_value":         1200,
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	p := getJSON(w)["prospect"].(map[string]interface{})
	if p["id"] != float64(42) || p["status"] != "new" {
		t.Errorf("prospect = %v", p)
	}
	checkMock(t, mock)
}

func TestCreateProspect_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{"missing business name", gin.H{"contact_name": "Jane"}},
		{"invalid email", gin.H{"business_name": "Acme Corp", "contact_email": "not-an-email"}},
		{"negative value", gin.H{"business_name": "Acme Corp", "estimated_value": -5}},
		{"blank business name", gin.H{"business_name": "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, r := newProspectRouter(t)
			w := do(r, http.MethodPost, "/prospects", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
			checkMock(t, mock)
		})
	}
}

func TestCreateProspect_SucceedsWhenAuditFails(t *testing.T) {
	mock, r := newProspectRouter(t)
	now := time.Now()
	mock.ExpectQuery("INSERT INTO prospects").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(42), now, now))
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(errDB)

	w := do(r, http.MethodPost, "/prospects", gin.H{"business_name": "Acme Corp"})
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	checkMock(t, mock)
}

func TestCreateProspect_DBError(t *testing.T) {
	mock, r := newProspectRouter(t)
	mock.ExpectQuery("INSERT INTO prospects").WillReturnError(errDB)

	w := do(r, http.MethodPost, "/prospects", gin.H{"business_name": "Acme Corp"})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if getJSON(w)["error"] != "Failed to create prospect" {
		t.Errorf("error = %v", getJSON(w)["error"])
	}
}

// ---------------------------------------------------------------------------
// GetProspectHandler
// ---------------------------------------------------------------------------

func TestGetProspect(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		mock, r := newProspectRouter(t)
		mock.ExpectQuery("FROM prospects WHERE id").WithArgs(int64(42)).WillReturnRows(prospectRow(42, "qualified", int64(7)))

		w := do(r, http.MethodGet, "/prospects/42", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		p := getJSON(w)["prospect"].(map[string]interface{})
		if p["assigned_salesperson_id"] != float64(7) {
			t.Errorf("assigned_salesperson_id = %v, want 7", p["assigned_salesperson_id"])
		}
	})

	t.Run("not found", func(t *testing.T) {
		mock, r := newProspectRouter(t)
		mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(sqlmock.NewRows(prospectCols))

		if w := do(r, http.MethodGet, "/prospects/42", nil); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		_, r := newProspectRouter(t)
		if w := do(r, http.MethodGet, "/prospects/acme", nil); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("db error", func(t *testing.T) {
		mock, r := newProspectRouter(t)
		mock.ExpectQuery("FROM prospects WHERE id").WillReturnError(errDB)

		if w := do(r, http.MethodGet, "/prospects/42", nil); w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})
}

// ---------------------------------------------------------------------------
// ReassignOwnerHandler
// ---------------------------------------------------------------------------

func TestReassignOwner_Success(t *testing.T) {
	mock, r := newProspectRouter(t)
	mock.ExpectQuery("FROM prospects WHERE id").WithArgs(int64(42)).WillReturnRows(prospectRow(42, "qualified", int64(7)))
	mock.ExpectExec("UPDATE prospects SET assigned_salesperson_id").
		WithArgs(int64(9), int64(42), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT record_prospect_ownership_change").
		WithArgs(int64(42), int64(7), int64(9), int64(4), "Territory rebalance", "192.0.2.1", nil).
		WillReturnRows(sqlmock.NewRows([]string{"record_prospect_ownership_change"}).AddRow(int64(5)))
	mock.ExpectQuery("INSERT INTO audit_logs").
		WithArgs(int64(4), sqlmock.AnyArg(), nil, sqlmock.AnyArg(), "ASSIGN", "prospects", int64(42),
			"Reassigned prospect 42 from user 7 to user 9: Territory rebalance",
			`{"assigned_salesperson_id":7}`, `{"assigned_salesperson_id":9}`, sqlmock.AnyArg(),
			"sales_pipeline", "warning", "192.0.2.1", nil).
		WillReturnRows(auditInserted(11))

	w := do(r, http.MethodPut, "/prospects/42/owner", gin.H{"new_owner_id": 9, "reason": "Territory rebalance"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	p := getJSON(w)["prospect"].(map[string]interface{})
	if p["assigned_salesperson_id"] != float64(9) {
		t.Errorf("assigned_salesperson_id = %v, want 9", p["assigned_salesperson_id"])
	}
	checkMock(t, mock)
}

func TestReassignOwner_Errors(t *testing.T) {
	t.Run("same owner", func(t *testing.T) {
		mock, r := newProspectRouter(t)
		mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(prospectRow(42, "qualified", int64(9)))

		if w := do(r, http.MethodPut, "/prospects/42/owner", gin.H{"new_owner_id": 9}); w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
		checkMock(t, mock)
	})

	t.Run("owner changed concurrently", func(t *testing.T) {
		mock, r := newProspectRouter(t)
		mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(prospectRow(42, "qualified", int64(7)))
		mock.ExpectExec("UPDATE prospects SET assigned_salesperson_id").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(prospectRow(42, "qualified", int64(9)))

		if w := do(r, http.MethodPut, "/prospects/42/owner", gin.H{"new_owner_id": 11}); w.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", w.Code)
		}
		checkMock(t, mock)
	})

	t.Run("prospect missing", func(t *testing.T) {
		mock, r := newProspectRouter(t)
		mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(sqlmock.NewRows(prospectCols))

		if w := do(r, http.MethodPut, "/prospects/42/owner", gin.H{"new_owner_id": 9}); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("missing new owner", func(t *testing.T) {
		_, r := newProspectRouter(t)
		if w := do(r, http.MethodPut, "/prospects/42/owner", gin.H{"reason": "no owner"}); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("negative new owner", func(t *testing.T) {
		_, r := newProspectRouter(t)
		if w := do(r, http.MethodPut, "/prospects/42/owner", gin.H{"new_owner_id": -2}); w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})
}

func TestReassignOwner_SucceedsWhenAuditWritesFail(t *testing.T) {
	mock, r := newProspectRouter(t)
	mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(prospectRow(42, "qualified", nil))
	mock.ExpectExec("UPDATE prospects SET assigned_salesperson_id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT record_prospect_ownership_change").WillReturnError(errDB)
	mock.ExpectQuery("INSERT INTO audit_logs").WillReturnError(errDB)

	if w := do(r, http.MethodPut, "/prospects/42/owner", gin.H{"new_owner_id": 9}); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	checkMock(t, mock)
}

// ---------------------------------------------------------------------------
// OwnershipHistoryHandler
// ---------------------------------------------------------------------------

func TestOwnershipHistory(t *testing.T) {
	ledgerCols := []string{
		"id", "prospect_id", "old_owner_id", "new_owner_id", "changed_by_user_id",
		"reason", "ip_address", "user_agent", "created_at",
	}

	t.Run("lists changes", func(t *testing.T) {
		mock, r := newProspectRouter(t)
		now := time.Now()
		mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(prospectRow(42, "qualified", int64(9)))
		mock.ExpectQuery("FROM prospect_ownership_log").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows(ledgerCols).
				AddRow(int64(1), int64(42), nil, int64(7), int64(4), "Ownership reassignment", nil, nil, now.Add(-time.Hour)).
				AddRow(int64(2), int64(42), int64(7), int64(9), int64(4), "Territory rebalance", "10.0.0.1", "portal-web/2.3", now))

		w := do(r, http.MethodGet, "/prospects/42/ownership-history", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
		}
		history := getJSON(w)["history"].([]interface{})
		if len(history) != 2 {
			t.Fatalf("len(history) = %d, want 2", len(history))
		}
		first := history[0].(map[string]interface{})
		if _, ok := first["old_owner_id"]; ok {
			t.Error("first assignment must omit old_owner_id")
		}
		checkMock(t, mock)
	})

	t.Run("prospect missing", func(t *testing.T) {
		mock, r := newProspectRouter(t)
		mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(sqlmock.NewRows(prospectCols))

		if w := do(r, http.MethodGet, "/prospects/42/ownership-history", nil); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("ledger error", func(t *testing.T) {
		mock, r := newProspectRouter(t)
		mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(prospectRow(42, "qualified", int64(9)))
		mock.ExpectQuery("FROM prospect_ownership_log").WillReturnError(errDB)

		if w := do(r, http.MethodGet, "/prospects/42/ownership-history", nil); w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})
}

// ---------------------------------------------------------------------------
// ConvertProspectHandler
// ---------------------------------------------------------------------------

func TestConvertProspect_Success(t *testing.T) {
	mock, r := newProspectRouter(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM prospects WHERE id").WithArgs(int64(42)).WillReturnRows(prospectRow(42, "qualified", int64(7)))
	mock.ExpectQuery("INSERT INTO clients").
		WithArgs("Acme Corp", "ops@acme.test", int64(42), 5000.0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(300), time.Now()))
	mock.ExpectExec("UPDATE prospects").WithArgs(int64(300), int64(42)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("INSERT INTO audit_logs").
		WithArgs(int64(4), sqlmock.AnyArg(), nil, sqlmock.AnyArg(), "CONVERT", "prospects", int64(42),
			"Converted prospect 42 to client 300 (value: $5,000.00)", nil, sqlmock.AnyArg(), sqlmock.AnyArg(),
			"sales_pipeline", "info", "192.0.2.1", nil).
		WillReturnRows(auditInserted(12))

	w := do(r, http.MethodPost, "/prospects/42/convert", gin.H{"contract_value": 5000})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	client := getJSON(w)["client"].(map[string]interface{})
	if client["id"] != float64(300) || client["source_prospect_id"] != float64(42) {
		t.Errorf("client = %v", client)
	}
	checkMock(t, mock)
}

func TestConvertProspect_AlreadyConverted(t *testing.T) {
	mock, r := newProspectRouter(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FROM prospects WHERE id").WillReturnRows(prospectRow(42, "converted", int64(7)))
	mock.ExpectRollback()

	if w := do(r, http.MethodPost, "/prospects/42/convert", gin.H{"contract_value": 5000}); w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	checkMock(t, mock)
}

func TestConvertProspect_NegativeValue(t *testing.T) {
	mock, r := newProspectRouter(t)
	if w := do(r, http.MethodPost, "/prospects/42/convert", gin.H{"contract_value": -1}); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	checkMock(t, mock)
}

func TestConvertProspect_DBErrorIsGeneric(t *testing.T) {
	mock, r := newProspectRouter(t)
	mock.ExpectBegin().WillReturnError(errDB)

	w := do(r, http.MethodPost, "/prospects/42/convert", gin.H{"contract_value": 5000})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte(errDB.Error())) {
		t.Error("internal error detail leaked to the client")
	}
}
