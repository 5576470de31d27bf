package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	appconfig "github.com/gladgrade/portal/internal/config"
)

// ---------------------------------------------------------------------------
// New(): constructor validation (no AWS connection required)
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3ArchiveConfig
	}{
		{"missing bucket", appconfig.S3ArchiveConfig{Region: "us-east-1"}},
		{"missing region", appconfig.S3ArchiveConfig{Bucket: "audit-archive"}},
		{"static without keys", appconfig.S3ArchiveConfig{Bucket: "audit-archive", Region: "us-east-1", AuthMethod: "static"}},
		{"unsupported auth method", appconfig.S3ArchiveConfig{Bucket: "audit-archive", Region: "us-east-1", AuthMethod: "kerberos"}},
		{"oidc without role", appconfig.S3ArchiveConfig{Bucket: "audit-archive", Region: "us-east-1", AuthMethod: "oidc"}},
		{"oidc without token file", appconfig.S3ArchiveConfig{
			Bucket: "audit-archive", Region: "us-east-1", AuthMethod: "oidc",
			RoleARN: "arn:aws:iam::123456789012:role/audit-archive",
		}},
		{"assume_role without role", appconfig.S3ArchiveConfig{Bucket: "audit-archive", Region: "us-east-1", AuthMethod: "assume_role"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Errorf("New() = nil error, want error for %s", tt.name)
			}
		})
	}
}

func TestNew_AssumeRoleIsLazy(t *testing.T) {
	s, err := New(&appconfig.S3ArchiveConfig{
		Bucket:     "audit-archive",
		Region:     "us-east-1",
		AuthMethod: "assume_role",
		RoleARN:    "arn:aws:iam::123456789012:role/audit-archive",
		ExternalID: "gladgrade",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s.bucket != "audit-archive" {
		t.Errorf("bucket = %q", s.bucket)
	}
}

// ---------------------------------------------------------------------------
// Mock S3-compatible HTTP server
// ---------------------------------------------------------------------------

type s3MockStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	meta        map[string]map[string]string
	contentType map[string]string
}

// newS3TestStore creates an S3Store backed by a minimal path-style S3 server
// that understands PUT, HEAD and DELETE on objects.
func newS3TestStore(t *testing.T) (*S3Store, *s3MockStore) {
	t.Helper()

	ms := &s3MockStore{
		objects:     map[string][]byte{},
		meta:        map[string]map[string]string{},
		contentType: map[string]string{},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/audit-archive/")

		ms.mu.Lock()
		defer ms.mu.Unlock()

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for hk, hv := range r.Header {
				lk := strings.ToLower(hk)
				if strings.HasPrefix(lk, "x-amz-meta-") && len(hv) > 0 {
					meta[strings.TrimPrefix(lk, "x-amz-meta-")] = hv[0]
				}
			}
			ms.objects[key] = data
			ms.meta[key] = meta
			ms.contentType[key] = r.Header.Get("Content-Type")
			w.Header().Set("ETag", `"test-etag"`)
			w.WriteHeader(http.StatusOK)

		case http.MethodHead:
			if _, ok := ms.objects[key]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3ArchiveConfig{
		Bucket:          "audit-archive",
		Region:          "us-east-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, ms
}

// ---------------------------------------------------------------------------
// Put / Exists
// ---------------------------------------------------------------------------

func TestS3_Put(t *testing.T) {
	s, ms := newS3TestStore(t)

	body := []byte(`{"id":42}`)
	obj, err := s.Put(context.Background(), "audit/2025/03/04/42.json", body, "application/json")
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if obj.Size != int64(len(body)) {
		t.Errorf("Size = %d, want %d", obj.Size, len(body))
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if string(ms.objects["audit/2025/03/04/42.json"]) != string(body) {
		t.Errorf("stored body = %q", ms.objects["audit/2025/03/04/42.json"])
	}
	if ms.meta["audit/2025/03/04/42.json"]["sha256"] != obj.Checksum {
		t.Errorf("sha256 metadata = %q, want %q", ms.meta["audit/2025/03/04/42.json"]["sha256"], obj.Checksum)
	}
	if ms.contentType["audit/2025/03/04/42.json"] != "application/json" {
		t.Errorf("Content-Type = %q", ms.contentType["audit/2025/03/04/42.json"])
	}
}

func TestS3_Exists(t *testing.T) {
	s, _ := newS3TestStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "ghost.json")
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if ok {
		t.Error("Exists = true for missing key, want false")
	}

	if _, err := s.Put(ctx, "present.json", []byte("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := s.Exists(ctx, "present.json"); err != nil || !ok {
		t.Fatalf("Exists(present) = %v, %v; want true, nil", ok, err)
	}
}
