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
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/image-analysis/internal/logging"
	"github.com/example/image-analysis/internal/repository"
	"github.com/example/image-analysis/internal/vision"
)

// Analysis sources, recorded on every persisted log entry.
const (
	SourceUpload = "upload"
	SourceURL    = "url"
)

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveLog(ctx context.Context, log *repository.AnalysisLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.AnalysisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// AnalysisUseCase encapsulates business logic for the image analysis flow.
type AnalysisUseCase struct {
	repo           AnalysisRepository
	cache          Cache
	provider       vision.Client
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	cacheTTL       time.Duration
}

type cachedAnalysis struct {
	RequestID   string              `json:"request_id"`
	Source      string              `json:"source"`
	Predictions []vision.Prediction `json:"predictions"`
	Hash        string              `json:"sha1_hash"`
	CreatedAt   time.Time           `json:"created_at"`
}

// NewAnalysisUseCase constructs a new use case instance.
func NewAnalysisUseCase(repo AnalysisRepository, cache Cache, provider vision.Client, logger *zap.Logger) *AnalysisUseCase {
	return &AnalysisUseCase{
		repo:           repo,
		cache:          cache,
		provider:       provider,
		logger:         logger.Named("analysis_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		cacheTTL:       5 * time.Minute,
	}
}

// AnalyzeImage forwards a raw image payload to the provider.
func (uc *AnalysisUseCase) AnalyzeImage(ctx context.Context, imageBytes []byte) (string, []vision.Prediction, error) {
	sum := sha1.Sum(imageBytes)
	return uc.analyze(ctx, SourceUpload, hex.EncodeToString(sum[:]), func(ctx context.Context) ([]vision.Prediction, error) {
		return uc.provider.AnalyzeBytes(ctx, imageBytes)
	})
}

// AnalyzeImageURL asks the provider to fetch and analyze an image by URL.
func (uc *AnalysisUseCase) AnalyzeImageURL(ctx context.Context, imageURL string) (string, []vision.Prediction, error) {
	sum := sha1.Sum([]byte(imageURL))
	return uc.analyze(ctx, SourceURL, hex.EncodeToString(sum[:]), func(ctx context.Context) ([]vision.Prediction, error) {
		return uc.provider.AnalyzeURL(ctx, imageURL)
	})
}

// analyze orchestrates cache lookup, the provider call, and persistence.
// Repeated content (same hash) is answered from cache without a provider call.
func (uc *AnalysisUseCase) analyze(ctx context.Context, source, hashHex string, infer func(context.Context) ([]vision.Prediction, error)) (string, []vision.Prediction, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.analyze_"+source, requestID)

	contentKey := contentCacheKey(hashHex)
	if cached, err := uc.readCachedAnalysis(ctx, requestID, contentKey); err == nil && cached != nil {
		opLogger.Info("returning cached analysis", zap.String("cached_request_id", cached.RequestID))
		return cached.RequestID, cached.Predictions, nil
	} else if err != nil && !errors.Is(err, redis.Nil) {
		opLogger.Warn("cache read failed", zap.Error(err))
	}

	start := time.Now()
	predictions, err := infer(ctx)
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.provider_analyze", requestID, err)
		opLogger.Error("provider analysis failed", zap.Error(wrapped))
		uc.recordFailure(ctx, requestID, source, hashHex, latencyMs, err)
		return "", nil, wrapped
	}

	serialized, err := json.Marshal(predictions)
	if err != nil {
		opLogger.Error("failed to serialize predictions", zap.Error(err))
		return "", nil, err
	}

	topName, topConfidence := topPrediction(predictions)
	now := time.Now().UTC()
	log := &repository.AnalysisLog{
		RequestID:     requestID,
		Source:        source,
		SHA1Hash:      hashHex,
		TopConcept:    topName,
		TopConfidence: topConfidence,
		ConceptCount:  len(predictions),
		Predictions:   string(serialized),
		Success:       true,
		LatencyMs:     latencyMs,
		CreatedAt:     now,
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist analysis log", zap.Error(wrapped))
		return "", nil, wrapped
	}

	cached := cachedAnalysis{
		RequestID:   requestID,
		Source:      source,
		Predictions: predictions,
		Hash:        hashHex,
		CreatedAt:   now,
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		opLogger.Warn("failed to serialize cache payload", zap.Error(err))
		return requestID, predictions, nil
	}

	// Cache writes are best effort: a degraded cache never fails the analysis.
	for _, key := range []string{contentKey, requestCacheKey(requestID)} {
		if err := uc.withRedisRetry(ctx, requestID, "cache.set.analysis", func() error {
			return uc.cache.Set(ctx, key, string(payload), uc.cacheTTL)
		}); err != nil {
			opLogger.Warn("failed to cache analysis", zap.Error(err), zap.String("key", key))
		}
	}

	return requestID, predictions, nil
}

// GetResult retrieves a cached analysis outcome or loads it from persistence.
func (uc *AnalysisUseCase) GetResult(ctx context.Context, requestID string) (*repository.AnalysisLog, error) {
	if cached, err := uc.readCachedAnalysis(ctx, requestID, requestCacheKey(requestID)); err == nil && cached != nil {
		serialized, marshalErr := json.Marshal(cached.Predictions)
		if marshalErr == nil {
			topName, topConfidence := topPrediction(cached.Predictions)
			return &repository.AnalysisLog{
				RequestID:     cached.RequestID,
				Source:        cached.Source,
				SHA1Hash:      cached.Hash,
				TopConcept:    topName,
				TopConfidence: topConfidence,
				ConceptCount:  len(cached.Predictions),
				Predictions:   string(serialized),
				Success:       true,
				CreatedAt:     cached.CreatedAt,
			}, nil
		}
	} else if err != nil && !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestID(ctx, requestID)
}

func (uc *AnalysisUseCase) recordFailure(ctx context.Context, requestID, source, hashHex string, latencyMs float64, cause error) {
	log := &repository.AnalysisLog{
		RequestID: requestID,
		Source:    source,
		SHA1Hash:  hashHex,
		Success:   false,
		Details:   cause.Error(),
		LatencyMs: latencyMs,
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		logging.WithOperation(uc.logger, "usecase.record_failure", requestID).Warn("failed to persist failed analysis", zap.Error(err))
	}
}

func (uc *AnalysisUseCase) readCachedAnalysis(ctx context.Context, requestID, cacheKey string) (*cachedAnalysis, error) {
	value, err := uc.withRedisGet(ctx, requestID, "cache.get.analysis", cacheKey)
	if err != nil {
		return nil, err
	}

	var payload cachedAnalysis
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		logging.WithOperation(uc.logger, "usecase.read_cached_analysis", requestID).Warn("failed to decode cached analysis", zap.Error(err))
		return nil, nil
	}
	return &payload, nil
}

func topPrediction(predictions []vision.Prediction) (string, float64) {
	name := ""
	confidence := 0.0
	for _, p := range predictions {
		if p.Confidence >= confidence {
			name = p.Name
			confidence = p.Confidence
		}
	}
	return name, confidence
}

func contentCacheKey(hashHex string) string {
	return fmt.Sprintf("analysis:content:%s", hashHex)
}

func requestCacheKey(requestID string) string {
	return fmt.Sprintf("analysis:request:%s", requestID)
}

func (uc *AnalysisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
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

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *AnalysisUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
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

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
