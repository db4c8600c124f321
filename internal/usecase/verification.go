package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-check/internal/logging"
	"github.com/example/face-check/internal/observability"
	"github.com/example/face-check/internal/repository"
)

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	RegisteredFaces        int     `json:"registered_faces"`
	TotalVerifications     int64   `json:"total_verifications"`
	Matches                int64   `json:"matches"`
	MatchRate              float64 `json:"match_rate"`
	NoFaceDetected         int64   `json:"no_face_detected"`
	AverageMatchConfidence float64 `json:"average_match_confidence"`
	AverageLatencyMs       float64 `json:"average_latency_ms"`
}

func verificationCacheKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}

// record stores the audit entry and caches it for lookups by request id.
// Both are side channels: failures are logged and never fail the verification.
func (uc *FaceUseCase) record(ctx context.Context, result *VerifyResult, imageBytes []byte, start time.Time) {
	observability.Verifications.WithLabelValues(string(result.Outcome)).Inc()

	hash := sha1.Sum(imageBytes)
	entry := &repository.VerificationLog{
		RequestID:     result.RequestID,
		Outcome:       string(result.Outcome),
		MatchFound:    result.MatchFound(),
		UserID:        result.UserID,
		Confidence:    result.Confidence,
		MinConfidence: result.MinConfidence,
		ImagePath:     result.VerificationImage,
		SHA1Hash:      hex.EncodeToString(hash[:]),
		LatencyMs:     time.Since(start).Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.record_verification", result.RequestID)

	if uc.logs != nil {
		if err := uc.logs.SaveLog(ctx, entry); err != nil {
			opLogger.Error("failed to persist verification log", zap.Error(err))
		}
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(entry)
		if err != nil {
			opLogger.Error("failed to serialize verification result", zap.Error(err))
			return
		}
		if err := uc.withRedisRetry(ctx, result.RequestID, "cache.set.result", func() error {
			return uc.cache.Set(ctx, verificationCacheKey(result.RequestID), string(serialized), uc.resultTTL)
		}); err != nil {
			opLogger.Warn("failed to cache verification result", zap.Error(err))
		}
	}
}

// GetVerification retrieves a verification outcome from the cache or the log store.
func (uc *FaceUseCase) GetVerification(ctx context.Context, requestID string) (*repository.VerificationLog, error) {
	if uc.cache != nil {
		cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", verificationCacheKey(requestID))
		if err == nil {
			var entry repository.VerificationLog
			if err := json.Unmarshal([]byte(cached), &entry); err != nil {
				logging.WithOperation(uc.logger, "usecase.get_verification", requestID).Warn("failed to decode cached result", zap.Error(err))
			} else {
				return &entry, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.get_verification", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.logs == nil {
		return nil, logging.NewOperationError("usecase.get_verification", requestID, repository.ErrNotFound)
	}
	entry, err := uc.logs.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, logging.NewOperationError("usecase.get_verification", requestID, err)
	}
	return entry, nil
}

// GetMetricsSummary aggregates verification metrics from persisted logs.
// Without a log store only the registered face count is filled in.
func (uc *FaceUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	summary := &MetricsSummary{RegisteredFaces: uc.repo.Len()}
	if uc.logs == nil {
		return summary, nil
	}

	aggregation, err := uc.logs.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}
	summary.TotalVerifications = aggregation.TotalCount
	summary.Matches = aggregation.MatchCount
	summary.NoFaceDetected = aggregation.NoFaceCount
	summary.AverageMatchConfidence = aggregation.AverageConfidence
	summary.AverageLatencyMs = aggregation.AverageLatencyMs
	if aggregation.TotalCount > 0 {
		summary.MatchRate = float64(aggregation.MatchCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}

func (uc *FaceUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return err
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *FaceUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
