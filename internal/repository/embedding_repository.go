package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/logging"
)

var (
	// ErrNotFound is returned when no record exists for a user id.
	ErrNotFound = errors.New("user not found")
	// ErrPersistence marks snapshot read or write failures.
	ErrPersistence = errors.New("snapshot persistence failed")
	// ErrNonFiniteEmbedding is returned for embeddings holding NaN or ±Inf.
	// Such values cannot be encoded in the snapshot and never match.
	ErrNonFiniteEmbedding = errors.New("embedding contains non-finite values")
)

// ShapeError reports an embedding whose dimension differs from the store's.
// It points at a model or version mismatch and must never be read as "no match".
type ShapeError struct {
	UserID string
	Want   int
	Got    int
}

func (e *ShapeError) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("embedding dimension mismatch for %s: want %d, got %d", e.UserID, e.Want, e.Got)
	}
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// emptyMetadata is stored when a user registers without metadata.
var emptyMetadata = json.RawMessage(`{}`)

// FaceRecord is the stored unit for one registered user.
type FaceRecord struct {
	UserID       string          `json:"user_id"`
	Embedding    []float64       `json:"embedding"`
	Metadata     json.RawMessage `json:"metadata"`
	RegisteredAt time.Time       `json:"registered_at"`
	LastUpdated  time.Time       `json:"last_updated"`
	ImagePath    string          `json:"image_path"`
}

func (r *FaceRecord) clone() FaceRecord {
	out := *r
	out.Embedding = append([]float64(nil), r.Embedding...)
	out.Metadata = append(json.RawMessage(nil), r.Metadata...)
	return out
}

// EmbeddingRepository keeps every user's embedding in memory, in insertion
// order, and mirrors the whole set to a single JSON snapshot after each mutation.
type EmbeddingRepository struct {
	mu      sync.RWMutex
	records map[string]*FaceRecord
	order   []string
	dim     int

	path   string
	logger *zap.Logger
	now    func() time.Time
}

// NewEmbeddingRepository creates an empty repository backed by the snapshot at path.
// Call Load to populate it.
func NewEmbeddingRepository(path string, logger *zap.Logger) *EmbeddingRepository {
	return &EmbeddingRepository{
		records: make(map[string]*FaceRecord),
		path:    path,
		logger:  logger.Named("embedding_repository"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory state with the snapshot contents.
// A missing snapshot yields an empty store. A corrupt one yields an empty store
// and a warning. An unreadable one yields an empty store and an ErrPersistence.
func (r *EmbeddingRepository) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reset()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Info("no existing embeddings found", zap.String("path", r.path))
		return nil
	}
	if err != nil {
		wrapped := logging.NewOperationError("repository.load", "", fmt.Errorf("%w: %v", ErrPersistence, err))
		r.logger.Error("failed to read snapshot, starting empty", zap.Error(wrapped), zap.String("path", r.path))
		return wrapped
	}

	records, order, err := decodeSnapshot(data)
	if err != nil {
		r.logger.Warn("corrupt snapshot, starting empty", zap.Error(err), zap.String("path", r.path))
		return nil
	}

	dim := 0
	for _, id := range order {
		n := len(records[id].Embedding)
		if dim == 0 {
			dim = n
			continue
		}
		if n != dim {
			shapeErr := &ShapeError{UserID: id, Want: dim, Got: n}
			r.logger.Warn("snapshot mixes embedding dimensions, starting empty", zap.Error(shapeErr), zap.String("path", r.path))
			return nil
		}
	}

	r.records = records
	r.order = order
	r.dim = dim
	r.logger.Info("loaded face embeddings", zap.Int("count", len(order)), zap.Int("dimension", dim))
	return nil
}

// Put inserts or replaces the record for userID and persists the snapshot.
// registered_at survives replacement; everything else is overwritten.
// On a persistence failure the in-memory change is kept and the error is returned.
func (r *EmbeddingRepository) Put(userID string, embedding []float64, metadata json.RawMessage, imagePath string) (*FaceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(embedding) == 0 {
		return nil, &ShapeError{UserID: userID, Want: r.dim, Got: 0}
	}
	if r.dim != 0 && len(embedding) != r.dim && !r.isSoleRecord(userID) {
		return nil, &ShapeError{UserID: userID, Want: r.dim, Got: len(embedding)}
	}
	if err := checkFinite(embedding); err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	if len(metadata) == 0 {
		metadata = emptyMetadata
	}

	now := r.now()
	rec := &FaceRecord{
		UserID:       userID,
		Embedding:    append([]float64(nil), embedding...),
		Metadata:     append(json.RawMessage(nil), metadata...),
		RegisteredAt: now,
		LastUpdated:  now,
		ImagePath:    imagePath,
	}
	if prev, ok := r.records[userID]; ok {
		rec.RegisteredAt = prev.RegisteredAt
	} else {
		r.order = append(r.order, userID)
	}
	r.records[userID] = rec
	r.dim = len(embedding)

	out := rec.clone()
	if err := r.persistLocked(); err != nil {
		return &out, err
	}
	return &out, nil
}

// Get returns a copy of the record for userID.
func (r *EmbeddingRepository) Get(userID string) (*FaceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec.clone()
	return &out, nil
}

// UpdateMetadata replaces the metadata of an existing record wholesale and persists.
func (r *EmbeddingRepository) UpdateMetadata(userID string, metadata json.RawMessage) (*FaceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	rec.Metadata = append(json.RawMessage(nil), metadata...)
	rec.LastUpdated = r.now()

	out := rec.clone()
	if err := r.persistLocked(); err != nil {
		return &out, err
	}
	return &out, nil
}

// All returns copies of every record in insertion order.
func (r *EmbeddingRepository) All() []FaceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FaceRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id].clone())
	}
	return out
}

// Len reports the number of registered users.
func (r *EmbeddingRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Persist atomically rewrites the snapshot with the current contents.
func (r *EmbeddingRepository) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

func (r *EmbeddingRepository) persistLocked() error {
	data, err := r.encodeSnapshot()
	if err == nil {
		if mkErr := os.MkdirAll(filepath.Dir(r.path), 0o755); mkErr != nil {
			err = mkErr
		} else {
			err = renameio.WriteFile(r.path, data, 0o644)
		}
	}
	if err != nil {
		wrapped := logging.NewOperationError("repository.persist", "", fmt.Errorf("%w: %v", ErrPersistence, err))
		r.logger.Error("failed to save embeddings, serving from memory", zap.Error(wrapped), zap.String("path", r.path))
		return wrapped
	}
	r.logger.Debug("saved face embeddings", zap.Int("count", len(r.order)))
	return nil
}

// isSoleRecord reports whether userID is the only stored record, in which case
// replacing it may change the store's dimension.
func (r *EmbeddingRepository) isSoleRecord(userID string) bool {
	_, ok := r.records[userID]
	return ok && len(r.order) == 1
}

// checkFinite reports the first NaN or ±Inf element of embedding.
func checkFinite(embedding []float64) error {
	for i, v := range embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: element %d is %v", ErrNonFiniteEmbedding, i, v)
		}
	}
	return nil
}

func (r *EmbeddingRepository) reset() {
	r.records = make(map[string]*FaceRecord)
	r.order = nil
	r.dim = 0
}

// encodeSnapshot writes a JSON object keyed by user id, keys in insertion order.
func (r *EmbeddingRepository) encodeSnapshot() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(r.records[id])
		if err != nil {
			return nil, fmt.Errorf("encode record %s: %w", id, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeSnapshot reads the snapshot as a token stream so that key order is kept.
func decodeSnapshot(data []byte) (map[string]*FaceRecord, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("snapshot must be a JSON object, got %v", tok)
	}

	records := make(map[string]*FaceRecord)
	var order []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		id, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("unexpected key token %v", tok)
		}

		var rec FaceRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		rec.UserID = id
		if len(rec.Metadata) == 0 || string(rec.Metadata) == "null" {
			rec.Metadata = emptyMetadata
		} else {
			var compacted bytes.Buffer
			if err := json.Compact(&compacted, rec.Metadata); err != nil {
				return nil, nil, fmt.Errorf("compact metadata %s: %w", id, err)
			}
			rec.Metadata = compacted.Bytes()
		}

		if _, dup := records[id]; !dup {
			order = append(order, id)
		}
		records[id] = &rec
	}

	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return records, order, nil
}
