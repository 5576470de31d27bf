// Package storage is the object store behind the audit archive shipper. Each
// shipped audit entry becomes one immutable JSON object, so the archive can
// live on local disk, S3 (or any S3-compatible service), Azure Blob Storage or
// Google Cloud Storage.
//
// Backends register themselves from an init() function in their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.AuditArchiveConfig) (storage.Store, error) {
//	        return New(&cfg.MyBackend)
//	    })
//	}
//
// cmd/server blank-imports every backend so the archive type is chosen purely
// by configuration.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gladgrade/portal/internal/config"
)

// Store writes and inspects archive objects
type Store interface {
	// Put writes body under key. Existing objects are overwritten.
	Put(ctx context.Context, key string, body []byte, contentType string) (*Object, error)

	// Exists reports whether key is present
	Exists(ctx context.Context, key string) (bool, error)
}

// Object describes a stored archive object
type Object struct {
	Key  string
	Size int64
	// Checksum is the hex SHA256 of the object body
	Checksum string
}

// FactoryFunc builds a Store from the archive configuration
type FactoryFunc func(*config.AuditArchiveConfig) (Store, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]FactoryFunc)
)

// Register makes a backend available under name
func Register(name string, factory FactoryFunc) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Backends lists the registered backend names
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates the backend named by cfg.Backend
func Open(cfg *config.AuditArchiveConfig) (Store, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.Backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %q (registered: %s)", cfg.Backend, strings.Join(Backends(), ", "))
	}
	return factory(cfg)
}

// Checksum returns the hex SHA256 of body
func Checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
