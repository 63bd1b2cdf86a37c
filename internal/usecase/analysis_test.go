package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/image-analysis/internal/logging"
	"github.com/example/image-analysis/internal/repository"
	"github.com/example/image-analysis/internal/vision"
)

type stubRepository struct {
	savedLogs []*repository.AnalysisLog
	saveErr   error
	findLog   *repository.AnalysisLog
	findErr   error
	findCalls int
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.AnalysisLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.AnalysisLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{}, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubProvider struct {
	predictions []vision.Prediction
	err         error
	byteCalls   int
	urlCalls    int
}

func (s *stubProvider) AnalyzeBytes(ctx context.Context, imageBytes []byte) ([]vision.Prediction, error) {
	s.byteCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.predictions, nil
}

func (s *stubProvider) AnalyzeURL(ctx context.Context, imageURL string) ([]vision.Prediction, error) {
	s.urlCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.predictions, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func TestAnalyzeImageSavesTopConcept(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	repo := &stubRepository{}
	provider := &stubProvider{predictions: []vision.Prediction{
		{Name: "cat", Confidence: 0.4},
		{Name: "dog", Confidence: 0.95},
	}}
	uc := NewAnalysisUseCase(repo, cache, provider, zap.NewNop())

	requestID, predictions, err := uc.AnalyzeImage(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if requestID == "" {
		t.Fatal("expected request id")
	}
	if len(predictions) != 2 {
		t.Fatalf("expected 2 predictions, got %d", len(predictions))
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected 1 saved log, got %d", len(repo.savedLogs))
	}

	log := repo.savedLogs[0]
	if log.TopConcept != "dog" || log.TopConfidence != 0.95 {
		t.Fatalf("unexpected top concept: %s (%f)", log.TopConcept, log.TopConfidence)
	}
	if log.ConceptCount != 2 || !log.Success || log.Source != SourceUpload {
		t.Fatalf("unexpected log: %+v", log)
	}
}

func TestAnalyzeImageURLCacheHitSkipsProvider(t *testing.T) {
	cached := cachedAnalysis{
		RequestID:   "req-cached",
		Source:      SourceURL,
		Predictions: []vision.Prediction{{Name: "dog", Confidence: 0.9}},
		CreatedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		t.Fatalf("failed to marshal cached payload: %v", err)
	}

	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	provider := &stubProvider{}
	uc := NewAnalysisUseCase(repo, cache, provider, zap.NewNop())

	requestID, predictions, err := uc.AnalyzeImageURL(context.Background(), "https://example.com/dog.jpg")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if requestID != "req-cached" {
		t.Fatalf("expected cached request id, got %s", requestID)
	}
	if len(predictions) != 1 || predictions[0].Name != "dog" {
		t.Fatalf("unexpected predictions: %+v", predictions)
	}
	if provider.urlCalls != 0 {
		t.Fatalf("expected provider to be skipped, got %d calls", provider.urlCalls)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatalf("expected no new log, got %d", len(repo.savedLogs))
	}
}

func TestAnalyzeImageRetriesRedisSet(t *testing.T) {
	cache := &stubCache{
		getErrs: []error{redis.Nil},
		setErrs: []error{transientRedisError{}},
	}
	repo := &stubRepository{}
	provider := &stubProvider{predictions: []vision.Prediction{{Name: "dog", Confidence: 0.9}}}
	uc := NewAnalysisUseCase(repo, cache, provider, zap.NewNop())
	uc.initialBackoff = time.Millisecond
	uc.maxBackoff = 2 * time.Millisecond

	_, _, err := uc.AnalyzeImage(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) != 3 {
		t.Fatalf("expected 3 cache set calls (retry + both keys), got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
}

func TestAnalyzeImageToleratesPersistentCacheFailure(t *testing.T) {
	cache := &stubCache{
		getErrs: []error{redis.Nil},
		setErrs: []error{errors.New("boom"), errors.New("boom")},
	}
	repo := &stubRepository{}
	provider := &stubProvider{predictions: []vision.Prediction{{Name: "dog", Confidence: 0.9}}}
	uc := NewAnalysisUseCase(repo, cache, provider, zap.NewNop())

	requestID, predictions, err := uc.AnalyzeImage(context.Background(), []byte("image"))
	if err != nil {
		t.Fatalf("expected cache failure to be tolerated, got error: %v", err)
	}
	if requestID == "" || len(predictions) != 1 {
		t.Fatalf("unexpected result: %s %+v", requestID, predictions)
	}
}

func TestAnalyzeImageRecordsProviderFailure(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	repo := &stubRepository{}
	provider := &stubProvider{err: &vision.ProviderError{Code: 11102, Description: "invalid credentials"}}
	uc := NewAnalysisUseCase(repo, cache, provider, zap.NewNop())

	_, _, err := uc.AnalyzeImage(context.Background(), []byte("image"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "usecase.provider_analyze" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}

	var provErr *vision.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError to be preserved, got %T", err)
	}

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected failure log, got %d entries", len(repo.savedLogs))
	}
	failed := repo.savedLogs[0]
	if failed.Success || failed.Details == "" {
		t.Fatalf("unexpected failure log: %+v", failed)
	}
}

func TestAnalyzeSameContentSharesCacheKey(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil, redis.Nil}}
	repo := &stubRepository{}
	provider := &stubProvider{predictions: []vision.Prediction{{Name: "dog", Confidence: 0.9}}}
	uc := NewAnalysisUseCase(repo, cache, provider, zap.NewNop())

	if _, _, err := uc.AnalyzeImage(context.Background(), []byte("same-bytes")); err != nil {
		t.Fatalf("first analysis failed: %v", err)
	}
	if _, _, err := uc.AnalyzeImage(context.Background(), []byte("same-bytes")); err != nil {
		t.Fatalf("second analysis failed: %v", err)
	}

	if len(cache.getKeys) != 2 || cache.getKeys[0] != cache.getKeys[1] {
		t.Fatalf("expected identical content cache keys, got %v", cache.getKeys)
	}
	if !strings.HasPrefix(cache.getKeys[0], "analysis:content:") {
		t.Fatalf("unexpected cache key: %s", cache.getKeys[0])
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.AnalysisLog{RequestID: "req", Source: SourceUpload, TopConcept: "dog"}
	repo := &stubRepository{findLog: expected}
	uc := NewAnalysisUseCase(repo, cache, &stubProvider{}, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultUsesCachedAnalysis(t *testing.T) {
	cached := cachedAnalysis{
		RequestID:   "req-7",
		Source:      SourceUpload,
		Predictions: []vision.Prediction{{Name: "cat", Confidence: 0.8}},
		CreatedAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		t.Fatalf("failed to marshal cached payload: %v", err)
	}

	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	uc := NewAnalysisUseCase(repo, cache, &stubProvider{}, zap.NewNop())

	log, err := uc.GetResult(context.Background(), "req-7")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log.RequestID != "req-7" || log.TopConcept != "cat" || log.ConceptCount != 1 {
		t.Fatalf("unexpected log: %+v", log)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected repository to be skipped, got %d calls", repo.findCalls)
	}
}
