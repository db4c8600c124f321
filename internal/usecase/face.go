package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/embedder"
	"github.com/example/face-check/internal/imagestore"
	"github.com/example/face-check/internal/logging"
	"github.com/example/face-check/internal/observability"
	"github.com/example/face-check/internal/repository"
)

// RequiredMetadataKeys must all be present when metadata is supplied at registration.
var RequiredMetadataKeys = []string{"name", "emergency_contacts", "medical_conditions"}

// EmbeddingRepository defines the embedding store operations needed by the use case.
type EmbeddingRepository interface {
	Put(userID string, embedding []float64, metadata json.RawMessage, imagePath string) (*repository.FaceRecord, error)
	Get(userID string) (*repository.FaceRecord, error)
	UpdateMetadata(userID string, metadata json.RawMessage) (*repository.FaceRecord, error)
	Match(query []float64, minConfidence float64) (repository.MatchResult, error)
	Len() int
}

// VerificationLogStore defines the audit persistence used for verifications.
type VerificationLogStore interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options tunes FaceUseCase. Logs and Cache are optional. A nil MinConfidence
// means repository.DefaultMinConfidence; zero is a valid threshold.
type Options struct {
	MinConfidence *float64
	Timeout       time.Duration
	MaxImageBytes int
	Logs          VerificationLogStore
	Cache         Cache
}

// FaceUseCase encapsulates business logic for registering and verifying faces.
type FaceUseCase struct {
	repo      EmbeddingRepository
	images    imagestore.Store
	provider  embedder.Provider
	logs      VerificationLogStore
	cache     Cache
	logger    *zap.Logger
	opts      Options
	resultTTL time.Duration

	minConfidence float64
	// userLocks holds one *sync.Mutex per user id. Registrations for the same
	// user run one at a time so the stored image and record stay paired.
	userLocks sync.Map

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// RegisterInput is the register request after transport decoding.
type RegisterInput struct {
	UserID    string
	ImageData string
	Metadata  map[string]any
}

// RegisterResult describes a stored registration.
type RegisterResult struct {
	UserID    string
	ImagePath string
	Record    *repository.FaceRecord
}

// VerifyInput is the verify request after transport decoding.
type VerifyInput struct {
	ImageData     string
	MinConfidence *float64
}

// Outcome is the expected branch a verification took.
type Outcome string

const (
	OutcomeMatch   Outcome = "match"
	OutcomeNoMatch Outcome = "no_match"
	OutcomeNoFace  Outcome = "no_face"
)

// VerifyResult is the structured outcome of a verification.
type VerifyResult struct {
	RequestID         string
	Outcome           Outcome
	UserID            string
	Confidence        float64
	Metadata          json.RawMessage
	MinConfidence     float64
	VerificationImage string
}

// MatchFound reports whether a registered user was matched.
func (r *VerifyResult) MatchFound() bool {
	return r.Outcome == OutcomeMatch
}

// NewFaceUseCase constructs a new use case instance.
func NewFaceUseCase(repo EmbeddingRepository, images imagestore.Store, provider embedder.Provider, logger *zap.Logger, opts Options) *FaceUseCase {
	minConfidence := repository.DefaultMinConfidence
	if opts.MinConfidence != nil {
		minConfidence = *opts.MinConfidence
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = 5_000_000
	}
	return &FaceUseCase{
		repo:           repo,
		images:         images,
		provider:       provider,
		logs:           opts.Logs,
		cache:          opts.Cache,
		logger:         logger.Named("face_usecase"),
		opts:           opts,
		resultTTL:      5 * time.Minute,
		minConfidence:  minConfidence,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Register validates the input, stores the image, extracts the embedding and
// writes the record. The whole operation runs under the configured timeout.
func (uc *FaceUseCase) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.register", requestID).With(zap.String("user_id", in.UserID))

	img, metadata, err := uc.validateRegister(in)
	if err != nil {
		observability.Registrations.WithLabelValues("invalid").Inc()
		opLogger.Warn("validation error", zap.Error(err))
		return nil, err
	}

	unlock := uc.lockUser(in.UserID)
	defer unlock()

	opCtx, cancel := uc.withTimeout(ctx)
	defer cancel()

	imagePath, err := uc.images.SaveCanonical(opCtx, in.UserID, img)
	if err != nil {
		observability.Registrations.WithLabelValues("error").Inc()
		return nil, logging.NewOperationError("usecase.save_image", requestID, err)
	}

	embedding, err := uc.embed(opCtx, "register", img.Data)
	if err != nil {
		label := "error"
		switch {
		case errors.Is(err, embedder.ErrNoFaceDetected):
			label = "no_face"
		case errors.Is(err, ErrTimeout):
			label = "timeout"
		}
		observability.Registrations.WithLabelValues(label).Inc()
		wrapped := logging.NewOperationError("usecase.register", requestID, err)
		opLogger.Error("registration failed, image left in place", zap.Error(wrapped), zap.String("image_path", imagePath))
		return nil, wrapped
	}

	// A late embedding is treated as failed even though it arrived.
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		observability.Registrations.WithLabelValues("timeout").Inc()
		return nil, logging.NewOperationError("usecase.register", requestID, ErrTimeout)
	}

	previous, _ := uc.repo.Get(in.UserID)

	record, err := uc.repo.Put(in.UserID, embedding, metadata, imagePath)
	if err != nil {
		observability.Registrations.WithLabelValues("error").Inc()
		wrapped := logging.NewOperationError("usecase.register", requestID, err)
		opLogger.Error("failed to store embedding", zap.Error(wrapped), zap.Bool("in_memory", record != nil))
		return nil, wrapped
	}
	observability.RegisteredFaces.Set(float64(uc.repo.Len()))

	if previous != nil && previous.ImagePath != "" && previous.ImagePath != imagePath {
		if err := uc.images.Remove(ctx, previous.ImagePath); err != nil {
			opLogger.Warn("failed to remove replaced image", zap.Error(err), zap.String("image_path", previous.ImagePath))
		}
	}

	observability.Registrations.WithLabelValues("success").Inc()
	opLogger.Info("face registered", zap.String("image_path", imagePath), zap.Int("dimension", len(embedding)))
	return &RegisterResult{UserID: in.UserID, ImagePath: imagePath, Record: record}, nil
}

// Verify matches the face in the image against every registered user.
// "No face in the image" is an expected outcome and is returned as a result.
func (uc *FaceUseCase) Verify(ctx context.Context, in VerifyInput) (*VerifyResult, error) {
	start := time.Now()
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)

	img, err := uc.validateImage(in.ImageData)
	if err != nil {
		observability.Verifications.WithLabelValues("invalid").Inc()
		opLogger.Warn("validation error", zap.Error(err))
		return nil, err
	}

	minConfidence := uc.minConfidence
	if in.MinConfidence != nil {
		if math.IsNaN(*in.MinConfidence) || math.IsInf(*in.MinConfidence, 0) {
			return nil, invalid("min_confidence", "must be a finite number")
		}
		minConfidence = *in.MinConfidence
	}

	opCtx, cancel := uc.withTimeout(ctx)
	defer cancel()

	attemptPath, err := uc.images.SaveAttempt(opCtx, "verify", img)
	if err != nil {
		observability.Verifications.WithLabelValues("error").Inc()
		return nil, logging.NewOperationError("usecase.save_image", requestID, err)
	}

	result := &VerifyResult{
		RequestID:         requestID,
		MinConfidence:     minConfidence,
		VerificationImage: attemptPath,
	}

	embedding, err := uc.embed(opCtx, "verify", img.Data)
	switch {
	case errors.Is(err, embedder.ErrNoFaceDetected):
		result.Outcome = OutcomeNoFace
		opLogger.Info("no face detected in verification image")
		uc.record(ctx, result, img.Data, start)
		return result, nil
	case err != nil:
		label := "error"
		if errors.Is(err, ErrTimeout) {
			label = "timeout"
		}
		observability.Verifications.WithLabelValues(label).Inc()
		wrapped := logging.NewOperationError("usecase.verify", requestID, err)
		opLogger.Error("face detection error in verification", zap.Error(wrapped))
		return nil, wrapped
	}

	match, err := uc.repo.Match(embedding, minConfidence)
	if err != nil {
		label, msg := "shape_error", "embedding shape mismatch, check model configuration"
		if errors.Is(err, repository.ErrNonFiniteEmbedding) {
			label, msg = "error", "embedding provider returned non-finite values"
		}
		observability.Verifications.WithLabelValues(label).Inc()
		wrapped := logging.NewOperationError("usecase.match", requestID, err)
		opLogger.Error(msg, zap.Error(wrapped))
		return nil, wrapped
	}

	if match.Found {
		result.Outcome = OutcomeMatch
		result.UserID = match.UserID
		result.Confidence = match.Confidence
		result.Metadata = match.Metadata
	} else {
		result.Outcome = OutcomeNoMatch
	}
	opLogger.Info("verification completed",
		zap.String("outcome", string(result.Outcome)),
		zap.String("matched_user_id", result.UserID),
		zap.Float64("confidence", result.Confidence),
	)
	uc.record(ctx, result, img.Data, start)
	return result, nil
}

// UpdateMetadata replaces a registered user's metadata wholesale.
func (uc *FaceUseCase) UpdateMetadata(ctx context.Context, userID string, metadata map[string]any) (*repository.FaceRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "must be a non-empty string")
	}
	if metadata == nil {
		return nil, invalid("metadata", "is required")
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, invalid("metadata", "must be JSON-compatible")
	}

	record, err := uc.repo.UpdateMetadata(userID, raw)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.update_metadata", "", err)
		if !errors.Is(err, repository.ErrNotFound) {
			uc.logger.Error("error updating metadata", zap.Error(wrapped), zap.String("user_id", userID))
		}
		return nil, wrapped
	}
	uc.logger.Info("metadata updated", zap.String("user_id", userID))
	return record, nil
}

// GetUserFaces returns the stored record for a user.
func (uc *FaceUseCase) GetUserFaces(ctx context.Context, userID string) (*repository.FaceRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "is required")
	}
	record, err := uc.repo.Get(userID)
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_user_faces", "", err)
	}
	return record, nil
}

// Ping reports whether the embedding provider and the image store are
// reachable, for the dependencies that can tell.
func (uc *FaceUseCase) Ping(ctx context.Context) error {
	deps := []struct {
		name string
		dep  any
	}{{"embedding_provider", uc.provider}, {"image_store", uc.images}}
	for _, d := range deps {
		checker, ok := d.dep.(embedder.HealthChecker)
		if !ok {
			continue
		}
		if err := checker.Ping(ctx); err != nil {
			uc.logger.Error("service health check failed", zap.Error(err), zap.String("dependency", d.name))
			return &DependencyError{Dependency: d.name, Err: err}
		}
	}
	return nil
}

// lockUser serializes work on one user id and returns the unlock function.
func (uc *FaceUseCase) lockUser(userID string) func() {
	value, _ := uc.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (uc *FaceUseCase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if uc.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, uc.opts.Timeout)
}

// embed calls the provider but stops waiting once ctx is done. The provider
// sees the same ctx; one that ignores it keeps running and its result is dropped.
func (uc *FaceUseCase) embed(ctx context.Context, operation string, image []byte) ([]float64, error) {
	type embedResult struct {
		embedding []float64
		err       error
	}

	start := time.Now()
	defer func() {
		observability.EmbeddingDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	done := make(chan embedResult, 1)
	go func() {
		embedding, err := uc.provider.Embed(ctx, image)
		done <- embedResult{embedding: embedding, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, timeoutOr(ctx.Err())
	case res := <-done:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, res.err
		}
		if ctx.Err() != nil {
			return nil, timeoutOr(ctx.Err())
		}
		return res.embedding, nil
	}
}

func timeoutOr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (uc *FaceUseCase) validateRegister(in RegisterInput) (imagestore.Image, json.RawMessage, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return imagestore.Image{}, nil, invalid("user_id", "must be a non-empty string")
	}

	img, err := uc.validateImage(in.ImageData)
	if err != nil {
		return imagestore.Image{}, nil, err
	}

	if in.Metadata == nil {
		return img, nil, nil
	}
	var missing []string
	for _, key := range RequiredMetadataKeys {
		if _, ok := in.Metadata[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return imagestore.Image{}, nil, invalid("metadata", "is missing required keys: "+strings.Join(missing, ", "))
	}
	raw, err := json.Marshal(in.Metadata)
	if err != nil {
		return imagestore.Image{}, nil, invalid("metadata", "must be JSON-compatible")
	}
	return img, raw, nil
}

// validateImage enforces the size limit on the encoded payload before any decoding.
func (uc *FaceUseCase) validateImage(imageData string) (imagestore.Image, error) {
	if imageData == "" {
		return imagestore.Image{}, invalid("image_data", "is required")
	}
	if len(imageData) > uc.opts.MaxImageBytes {
		return imagestore.Image{}, invalid("image_data", "exceeds the maximum size of "+strconv.Itoa(uc.opts.MaxImageBytes)+" bytes")
	}
	img, err := imagestore.DecodeBase64(imageData)
	if err != nil {
		return imagestore.Image{}, invalid("image_data", "is not a decodable image: "+err.Error())
	}
	return img, nil
}
