package storage

import (
	"context"
	"net/url"
	"sync"
	"time"

	billingapp "github.com/meterline/backend/internal/application/billing"
)

var _ billingapp.ArchiveStorage = (*StubObjectStorage)(nil)

// StubObjectStorage keeps uploads in memory and hands out fake URLs. Used
// when no bucket is configured and in tests.
type StubObjectStorage struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string][]byte
}

// NewStubObjectStorage creates a new StubObjectStorage
func NewStubObjectStorage() *StubObjectStorage {
	return &StubObjectStorage{
		BaseURL: "https://storage.example.com",
		objects: make(map[string][]byte),
	}
}

// Upload stores a copy of data under key
func (s *StubObjectStorage) Upload(_ context.Context, key string, data []byte, _ string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

// GenerateDownloadURL returns BaseURL/download/<key>?expires=<rfc3339>
func (s *StubObjectStorage) GenerateDownloadURL(_ context.Context, key string, expiresIn time.Duration) (string, time.Time, error) {
	if key == "" {
		return "", time.Time{}, ErrEmptyKey
	}
	expiresAt := time.Now().Add(expiresIn)
	return s.BaseURL + "/download/" + key + "?expires=" + url.QueryEscape(expiresAt.Format(time.RFC3339)), expiresAt, nil
}

// Object returns what was uploaded under key
func (s *StubObjectStorage) Object(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	return data, ok
}
