// Package blobstore stores meal photos. It defines the BlobStore interface, an
// in-memory implementation for development and tests, an S3 implementation,
// and an Echo handler that serves in-memory blobs over HTTP.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrBlobExists         = errors.New("blob already exists")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrEmptyContent       = errors.New("file is empty")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// DefaultMaxFileSize is used when a store is built without an explicit limit.
const DefaultMaxFileSize = 10 * 1024 * 1024

// AllowedContentTypes lists the photo formats meal uploads may use, mapped to
// the object key extension.
var AllowedContentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore defines the contract for blob storage backends. Put never
// overwrites: an existing key yields ErrBlobExists.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, content []byte) (*BlobMetadata, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// MealImageKey builds the object key for a patient's photo taken at at:
// "<patient_id>/<unix-millis><ext>".
func MealImageKey(patientID uuid.UUID, at time.Time, contentType string) string {
	ext, ok := AllowedContentTypes[contentType]
	if !ok {
		ext = ".jpg"
	}
	return fmt.Sprintf("%s/%d%s", patientID, at.UnixMilli(), ext)
}

// NormalizeContentType strips parameters and lowercases a MIME type.
func NormalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "image/jpg" {
		ct = "image/jpeg"
	}
	return ct
}

// validate checks content against the upload rules and returns its hash.
func validate(contentType string, content []byte, maxSize int64) (string, error) {
	if _, ok := AllowedContentTypes[contentType]; !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}
	if len(content) == 0 {
		return "", ErrEmptyContent
	}
	if int64(len(content)) > maxSize {
		return "", ErrFileTooLarge
	}
	return fmt.Sprintf("%x", sha256.Sum256(content)), nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
// Blobs are reachable under baseURL through Handler.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
	maxSize int64
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore(baseURL string, maxSize int64) *InMemoryBlobStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	return &InMemoryBlobStore{
		blobs:   make(map[string]*storedBlob),
		baseURL: baseURL,
		maxSize: maxSize,
	}
}

func (s *InMemoryBlobStore) Put(_ context.Context, key, contentType string, content []byte) (*BlobMetadata, error) {
	hash, err := validate(contentType, content, s.maxSize)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; ok {
		return nil, ErrBlobExists
	}

	meta := BlobMetadata{
		Key:         key,
		URL:         s.URL(key),
		ContentType: contentType,
		Size:        int64(len(content)),
		Hash:        hash,
		CreatedAt:   time.Now().UTC(),
	}
	s.blobs[key] = &storedBlob{metadata: meta, content: bytes.Clone(content)}

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *InMemoryBlobStore) URL(key string) string {
	return joinURL(s.baseURL, key)
}

// Len reports how many blobs are stored.
func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// ---------------------------------------------------------------------------
// HTTP handler
// ---------------------------------------------------------------------------

// BlobHandler serves stored blobs read-only. Only mounted for the in-memory
// backend; S3 objects are fetched from the bucket directly.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts GET /media/* on the supplied group.
func (h *BlobHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/media/*", h.handleDownload)
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	key := c.Param("*")
	if key == "" || strings.Contains(key, "..") {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	rc, meta, err := h.store.Get(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return err
	}
	defer rc.Close()

	c.Response().Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}
