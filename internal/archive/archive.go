// Package archive stores snapshots of finished execution contexts in object
// storage so they outlive the context TTL.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/flowengine/pkg/types"
)

// ErrNotFound is returned when no snapshot exists for a run.
var ErrNotFound = errors.New("archived context not found")

// ObjectRef points at a stored object.
type ObjectRef struct {
	// URI is the full object path (e.g., "s3://bucket/runs/wf-1/context.json")
	URI       string    `json:"uri"`
	Key       string    `json:"key"`
	Size      int64     `json:"size,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Backend defines the object storage interface.
type Backend interface {
	// Put stores data under key.
	Put(ctx context.Context, key string, data io.Reader, contentType string) (*ObjectRef, error)

	// Get returns the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]*ObjectRef, error)
}

// Config holds archive configuration.
type Config struct {
	// Backend type: "memory", "s3", "minio"
	Type string

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// Prefix for all archived keys
	PathPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:       "memory",
		PathPrefix: "flowengine",
	}
}

// Archive writes and reads run snapshots.
type Archive struct {
	backend Backend
	logger  *slog.Logger
}

// New creates an archive with the configured backend.
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (*Archive, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var backend Backend
	switch cfg.Type {
	case "memory", "":
		backend = NewMemoryBackend()
	case "s3", "minio":
		b, err := NewS3Backend(ctx, &S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}

	return NewWithBackend(backend, logger), nil
}

// NewWithBackend creates an archive over an existing backend.
func NewWithBackend(backend Backend, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{backend: backend, logger: logger.With("component", "archive")}
}

// ContextKey is the object key of a run's snapshot.
func ContextKey(workflowID string) string {
	return fmt.Sprintf("runs/%s/context.json", workflowID)
}

// Save stores a terminal context. Non-terminal contexts are rejected.
func (a *Archive) Save(ctx context.Context, ec *types.ExecutionContext) (*ObjectRef, error) {
	if !ec.Status.Terminal() {
		return nil, fmt.Errorf("context %s is %s, not terminal", ec.WorkflowID, ec.Status)
	}
	data, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	ref, err := a.backend.Put(ctx, ContextKey(ec.WorkflowID), bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, err
	}
	a.logger.Debug("context archived",
		slog.String("workflow_id", ec.WorkflowID),
		slog.String("uri", ref.URI),
	)
	return ref, nil
}

// Load reads a run's snapshot.
func (a *Archive) Load(ctx context.Context, workflowID string) (*types.ExecutionContext, error) {
	rc, err := a.backend.Get(ctx, ContextKey(workflowID))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var ec types.ExecutionContext
	if err := json.NewDecoder(rc).Decode(&ec); err != nil {
		return nil, fmt.Errorf("decode archived context: %w", err)
	}
	return &ec, nil
}

// List returns the ids of archived runs.
func (a *Archive) List(ctx context.Context) ([]string, error) {
	refs, err := a.backend.List(ctx, "runs/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		rest := ref.Key[strings.Index(ref.Key, "runs/")+len("runs/"):]
		if id, ok := strings.CutSuffix(rest, "/context.json"); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// MemoryBackend keeps objects in memory. It is used in development mode
// and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	refs    map[string]*ObjectRef
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string][]byte),
		refs:    make(map[string]*ObjectRef),
	}
}

func (m *MemoryBackend) Put(_ context.Context, key string, data io.Reader, _ string) (*ObjectRef, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}
	ref := &ObjectRef{
		URI:       "memory://" + key,
		Key:       key,
		Size:      int64(len(content)),
		Checksum:  checksum(content),
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.objects[key] = content
	m.refs[key] = ref
	m.mu.Unlock()
	return ref, nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBackend) List(_ context.Context, prefix string) ([]*ObjectRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var refs []*ObjectRef
	for key, ref := range m.refs {
		if strings.HasPrefix(key, prefix) {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}
