// Package storage archives raw inbound messages and tenant health history.
// The aws backend uses S3 and DynamoDB; the local backend keeps development
// deployments self-contained on disk.
package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	appconfig "github.com/inboundemail/inbound/internal/config"
)

// HealthSnapshot is one point-in-time reading of a tenant's sending health
type HealthSnapshot struct {
	TenantID      string    `json:"tenant_id"`
	TenantName    string    `json:"tenant_name,omitempty"`
	Status        string    `json:"status"`
	BounceRate    float64   `json:"bounce_rate"`
	ComplaintRate float64   `json:"complaint_rate"`
	Sent          int64     `json:"sent"`
	Timestamp     time.Time `json:"timestamp"`
}

// Storage stores raw message bytes and health snapshots
type Storage struct {
	cfg appconfig.StorageConfig
	aws *AWSStorage

	// local backend state
	mu        sync.Mutex
	localPath string
}

// New creates a Storage backed per cfg.Type
func New(ctx context.Context, awsCfg appconfig.AWSConfig, cfg appconfig.StorageConfig) (*Storage, error) {
	s := &Storage{cfg: cfg}

	switch cfg.Type {
	case "aws":
		awsStorage, err := NewAWSStorage(ctx, awsCfg, cfg)
		if err != nil {
			return nil, fmt.Errorf("initializing AWS storage: %w", err)
		}
		s.aws = awsStorage
	case "local":
		if err := os.MkdirAll(filepath.Join(cfg.LocalPath, "raw"), 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
		if err := os.MkdirAll(filepath.Join(cfg.LocalPath, "snapshots"), 0755); err != nil {
			return nil, fmt.Errorf("creating snapshot directory: %w", err)
		}
		s.localPath = cfg.LocalPath
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	return s, nil
}

// NewWithAWS wraps a prepared AWS backend, for tests
func NewWithAWS(aws *AWSStorage) *Storage {
	return &Storage{cfg: appconfig.StorageConfig{Type: "aws"}, aws: aws}
}

// RawKey builds the archive key for a message received or sent at ts
func RawKey(emailID string, ts time.Time) string {
	return fmt.Sprintf("%s/%s.eml", ts.UTC().Format("2006/01/02"), emailID)
}

// PutRaw archives raw message bytes under key
func (s *Storage) PutRaw(ctx context.Context, key string, data []byte) error {
	if s.aws != nil {
		return s.aws.PutRaw(ctx, key, data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.rawPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating raw directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing raw file: %w", err)
	}
	return nil
}

// GetRaw returns archived bytes, or nil, nil when the key does not exist
func (s *Storage) GetRaw(ctx context.Context, key string) ([]byte, error) {
	if s.aws != nil {
		return s.aws.GetRaw(ctx, key)
	}

	data, err := os.ReadFile(s.rawPath(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading raw file: %w", err)
	}
	return data, nil
}

// DeleteRaw removes an archived message. Missing keys are not an error.
func (s *Storage) DeleteRaw(ctx context.Context, key string) error {
	if s.aws != nil {
		return s.aws.DeleteRaw(ctx, key)
	}

	err := os.Remove(s.rawPath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing raw file: %w", err)
	}
	return nil
}

// SaveSnapshot records a tenant health snapshot
func (s *Storage) SaveSnapshot(ctx context.Context, snap *HealthSnapshot) error {
	if s.aws != nil {
		return s.aws.SaveSnapshot(ctx, snap)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.snapshotPath(snap.TenantID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening snapshot file: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending snapshot: %w", err)
	}
	return nil
}

// GetSnapshots returns a tenant's snapshots within [from, to], oldest first
func (s *Storage) GetSnapshots(ctx context.Context, tenantID string, from, to time.Time) ([]*HealthSnapshot, error) {
	if s.aws != nil {
		return s.aws.GetSnapshots(ctx, tenantID, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.snapshotPath(tenantID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening snapshot file: %w", err)
	}
	defer f.Close()

	var snapshots []*HealthSnapshot
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var snap HealthSnapshot
		if err := json.Unmarshal(scanner.Bytes(), &snap); err != nil {
			continue
		}
		if snap.Timestamp.Before(from) || snap.Timestamp.After(to) {
			continue
		}
		snapshots = append(snapshots, &snap)
	}
	return snapshots, scanner.Err()
}

func (s *Storage) rawPath(key string) string {
	return filepath.Join(s.localPath, "raw", filepath.FromSlash(sanitizeKey(key)))
}

func (s *Storage) snapshotPath(tenantID string) string {
	return filepath.Join(s.localPath, "snapshots", sanitizeKey(tenantID)+".jsonl")
}

// sanitizeKey strips path traversal from storage keys
func sanitizeKey(key string) string {
	parts := strings.Split(key, "/")
	clean := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "/")
}

// Cleanup removes archived raw files older than the retention window. Only
// meaningful for the local backend; S3 lifecycles handle the aws case.
func (s *Storage) Cleanup(ctx context.Context, olderThan time.Time) error {
	if s.aws != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	root := filepath.Join(s.localPath, "raw")
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if info.ModTime().Before(olderThan) {
			if err := os.Remove(path); err != nil {
				log.Printf("[Storage] Warning: failed to remove %s: %v", path, err)
			}
		}
		return nil
	})
}
