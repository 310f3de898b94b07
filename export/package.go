// Package export turns an accepted referral into an encrypted intake
// package in object storage and hands out the time-limited retrieval link
// a physically separate clinical system pulls it with.
package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// PackageStatus tracks an intake package through its storage lifetime.
type PackageStatus string

const (
	PackagePending    PackageStatus = "pending"
	PackageUploaded   PackageStatus = "uploaded"
	PackageDownloaded PackageStatus = "downloaded"
	PackageExpired    PackageStatus = "expired"
	PackageFailed     PackageStatus = "failed"
)

var ErrPackageNotFound = errors.New("export: package not found")

// IntakePackage is the persisted metadata for one encrypted export
// artifact. Key material is never stored here, only the key id.
type IntakePackage struct {
	ID         string        `json:"id"`
	ReferralID string        `json:"referral_id"`
	KeyID      string        `json:"key_id"`
	IV         []byte        `json:"iv"`
	AuthTag    []byte        `json:"auth_tag"`
	Checksum   string        `json:"checksum_sha256"`
	StorageKey string        `json:"storage_key"`
	Status     PackageStatus `json:"status"`

	SignedURL          string    `json:"signed_url,omitempty"`
	SignedURLExpiresAt time.Time `json:"signed_url_expires_at,omitempty"`
	RetentionExpiresAt time.Time `json:"retention_expires_at"`

	OriginalSize   int64 `json:"original_size"`
	CompressedSize int64 `json:"compressed_size"`
	EncryptedSize  int64 `json:"encrypted_size"`

	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the package's retention window has passed.
func (p IntakePackage) IsExpired(now time.Time) bool {
	return !p.RetentionExpiresAt.IsZero() && now.After(p.RetentionExpiresAt)
}

// NewPackageID builds a unique, human-traceable package id:
// ipkg-<yyyymmddThhmmssZ>-<8 hex chars>.
func NewPackageID(at time.Time, entropy string) string {
	suffix := strings.ReplaceAll(entropy, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("ipkg-%s-%s", at.UTC().Format("20060102T150405Z"), suffix)
}

// PackageStore persists intake-package metadata.
type PackageStore interface {
	Save(ctx context.Context, p IntakePackage) error
	UpdateStatus(ctx context.Context, id string, status PackageStatus) error
	Get(ctx context.Context, id string) (IntakePackage, error)
	ListByReferral(ctx context.Context, referralID string) ([]IntakePackage, error)
	// ListExpired returns uploaded or downloaded packages past retention.
	ListExpired(ctx context.Context, now time.Time) ([]IntakePackage, error)
	// ListStale returns pending or failed packages past retention. These
	// rows never reached delivery; the sweeper cleans them up without
	// announcing an expiry.
	ListStale(ctx context.Context, now time.Time) ([]IntakePackage, error)
}

// MemoryPackageStore is an in-memory PackageStore for tests.
type MemoryPackageStore struct {
	mu   sync.RWMutex
	byID map[string]IntakePackage
}

func NewMemoryPackageStore() *MemoryPackageStore {
	return &MemoryPackageStore{byID: make(map[string]IntakePackage)}
}

func (s *MemoryPackageStore) Save(ctx context.Context, p IntakePackage) error {
	if p.ID == "" {
		return fmt.Errorf("export: package missing id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = p
	return nil
}

func (s *MemoryPackageStore) UpdateStatus(ctx context.Context, id string, status PackageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrPackageNotFound
	}
	p.Status = status
	s.byID[id] = p
	return nil
}

func (s *MemoryPackageStore) Get(ctx context.Context, id string) (IntakePackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return IntakePackage{}, ErrPackageNotFound
	}
	return p, nil
}

func (s *MemoryPackageStore) ListByReferral(ctx context.Context, referralID string) ([]IntakePackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := []IntakePackage{}
	for _, p := range s.byID {
		if p.ReferralID == referralID {
			list = append(list, p)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *MemoryPackageStore) ListExpired(ctx context.Context, now time.Time) ([]IntakePackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := []IntakePackage{}
	for _, p := range s.byID {
		if (p.Status == PackageUploaded || p.Status == PackageDownloaded) && p.IsExpired(now) {
			list = append(list, p)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *MemoryPackageStore) ListStale(ctx context.Context, now time.Time) ([]IntakePackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := []IntakePackage{}
	for _, p := range s.byID {
		if (p.Status == PackagePending || p.Status == PackageFailed) && p.IsExpired(now) {
			list = append(list, p)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}
