// Package blobstore stores generated documents (signed consent PDFs, billing
// statements). S3Store is used in deployed environments and MemoryStore in
// development and tests.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidCategory    = errors.New("category is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
	ErrInvalidContentType = errors.New("content type is not allowed")
)

// MaxFileSize is the largest document accepted (25 MB).
const MaxFileSize = 25 * 1024 * 1024

const (
	CategoryConsentForm = "consent-form"
	CategoryStatement   = "statement"
)

var AllowedCategories = map[string]bool{
	CategoryConsentForm: true,
	CategoryStatement:   true,
}

var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"text/html":       true,
}

// BlobMetadata describes a stored document. Key is the object key and the
// stable identifier; URL is where clients can fetch it.
type BlobMetadata struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	PatientID   int64     `json:"patient_id,omitempty"`
	Category    string    `json:"category"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, key string) error
	GetMetadata(ctx context.Context, key string) (*BlobMetadata, error)
}

// prepare validates meta, reads content, and fills in the derived fields
// shared by every backend.
func prepare(meta BlobMetadata, content io.Reader) (BlobMetadata, []byte, error) {
	if meta.FileName == "" {
		return meta, nil, ErrMissingFileName
	}
	if !AllowedCategories[meta.Category] {
		return meta, nil, fmt.Errorf("%w: %q", ErrInvalidCategory, meta.Category)
	}
	if !AllowedContentTypes[meta.ContentType] {
		return meta, nil, fmt.Errorf("%w: %q", ErrInvalidContentType, meta.ContentType)
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return meta, nil, ErrFileTooLarge
	}

	meta.Key = objectKey(meta)
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", sha256.Sum256(data))
	meta.CreatedAt = time.Now().UTC()
	return meta, data, nil
}

// objectKey lays documents out as category/patient/uuid-filename.
func objectKey(meta BlobMetadata) string {
	return path.Join(meta.Category, fmt.Sprintf("%d", meta.PatientID), uuid.NewString()+"-"+path.Base(meta.FileName))
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// MemoryStore is a thread-safe in-process BlobStore.
type MemoryStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
}

// NewMemoryStore returns a store whose URLs are baseURL + "/" + key.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*storedBlob), baseURL: baseURL}
}

func (s *MemoryStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}
	meta.URL = s.baseURL + "/" + meta.Key

	s.mu.Lock()
	s.blobs[meta.Key] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *MemoryStore) Download(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, key string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return &meta, nil
}

// Len reports how many blobs are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
