// Package inference composes preprocessing, the classifier, the label
// schema and the knowledge base into a single classification call.
package inference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/knowledge"
	"github.com/Brownie44l1/leaf-api/internal/logging"
	"github.com/Brownie44l1/leaf-api/internal/model"
	"github.com/Brownie44l1/leaf-api/internal/preprocess"
)

// ClassifierProvider hands out the shared classifier. *model.Loader is the
// production implementation.
type ClassifierProvider interface {
	Classifier(ctx context.Context) (model.Classifier, error)
	Fingerprint() string
}

// Score is the probability assigned to one label.
type Score struct {
	Label       string  `json:"label"`
	Probability float32 `json:"probability"`
}

// Result is the outcome of one classification.
type Result struct {
	Label      string         `json:"label"`
	Confidence float32        `json:"confidence"`
	Fact       knowledge.Fact `json:"fact"`
	// Known is false when Fact is the fallback record.
	Known        bool      `json:"known"`
	Distribution []float32 `json:"distribution"`
	TopK         []Score   `json:"top_k"`
}

const DefaultTopK = 5

// sumTolerance is how far a distribution may drift from 1 before the
// classifier output is logged as suspect.
const sumTolerance = 1e-2

type Service struct {
	provider ClassifierProvider
	schema   model.Schema
	kb       *knowledge.Base
	logger   *zap.Logger

	topK     int
	cache    ResultCache
	cacheTTL time.Duration
}

type Option func(*Service)

// WithTopK sets how many ranked labels a Result carries.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithCache memoizes results of Classify keyed by artifact and image digest.
func WithCache(cache ResultCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

func NewService(provider ClassifierProvider, schema model.Schema, kb *knowledge.Base, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		schema:   schema,
		kb:       kb,
		logger:   logger.Named("inference"),
		topK:     DefaultTopK,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classify decodes and classifies an uploaded image. Undecodable input is
// reported as model.ErrValidation before the classifier is touched.
func (s *Service) Classify(ctx context.Context, data []byte) (*Result, error) {
	requestID := logging.RequestID(ctx)

	tensor, err := preprocess.DecodeAndPreprocess(data)
	if err != nil {
		return nil, logging.NewOperationError("inference.preprocess", requestID, err)
	}

	if s.cache == nil {
		return s.run(ctx, tensor)
	}

	classifier, err := s.provider.Classifier(ctx)
	if err != nil {
		return nil, logging.NewOperationError("inference.classifier", requestID, err)
	}
	key := cacheKey(s.provider.Fingerprint(), data)
	if cached, ok := s.cached(ctx, key); ok {
		return cached, nil
	}

	result, err := s.predict(ctx, classifier, tensor)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, result)
	return result, nil
}

// ClassifyImage classifies an already decoded image.
func (s *Service) ClassifyImage(ctx context.Context, img image.Image) (*Result, error) {
	tensor, err := preprocess.Preprocess(img)
	if err != nil {
		return nil, logging.NewOperationError("inference.preprocess", logging.RequestID(ctx), err)
	}
	return s.run(ctx, tensor)
}

// ClassifyTensor classifies a tensor that was preprocessed by the caller.
func (s *Service) ClassifyTensor(ctx context.Context, tensor *model.Tensor) (*Result, error) {
	if !tensor.SameShape(model.InputShape()) {
		err := fmt.Errorf("%w: tensor must have shape %v", model.ErrValidation, model.InputShape())
		return nil, logging.NewOperationError("inference.validate", logging.RequestID(ctx), err)
	}
	if v, i, found := lo.FindIndexOf(tensor.Data, outsideUnit); found {
		err := fmt.Errorf("%w: tensor value %v at index %d is outside [0,1]", model.ErrValidation, v, i)
		return nil, logging.NewOperationError("inference.validate", logging.RequestID(ctx), err)
	}
	return s.run(ctx, tensor)
}

func (s *Service) run(ctx context.Context, tensor *model.Tensor) (*Result, error) {
	classifier, err := s.provider.Classifier(ctx)
	if err != nil {
		return nil, logging.NewOperationError("inference.classifier", logging.RequestID(ctx), err)
	}
	return s.predict(ctx, classifier, tensor)
}

func (s *Service) predict(ctx context.Context, classifier model.Classifier, tensor *model.Tensor) (*Result, error) {
	requestID := logging.RequestID(ctx)
	opLogger := logging.WithOperation(s.logger, "inference.predict", requestID)

	probs, err := classifier.Predict(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("inference.predict", requestID, err)
		opLogger.Error("prediction failed", zap.Error(err))
		return nil, wrapped
	}
	if len(probs) != s.schema.Len() {
		err := fmt.Errorf("%w: classifier returned %d probabilities for %d labels", model.ErrSchemaMismatch, len(probs), s.schema.Len())
		opLogger.Error("classifier output does not match label schema", zap.Error(err))
		return nil, logging.NewOperationError("inference.predict", requestID, err)
	}
	if sum, ok := isDistribution(probs); !ok {
		opLogger.Warn("classifier output is not a probability distribution",
			zap.Float64("sum", sum))
	}

	idx := Argmax(probs)
	label, err := s.schema.LabelAt(idx)
	if err != nil {
		return nil, logging.NewOperationError("inference.label", requestID, err)
	}
	fact := s.kb.Lookup(label)
	_, known := s.kb.Get(label)

	result := &Result{
		Label:        label,
		Confidence:   probs[idx],
		Fact:         fact,
		Known:        known,
		Distribution: probs,
		TopK:         s.rank(probs),
	}
	opLogger.Debug("image classified",
		zap.String("label", label),
		zap.Float32("confidence", result.Confidence),
		zap.Bool("known", known))
	return result, nil
}

// Argmax returns the index of the largest value, preferring the lowest
// index on ties. It returns -1 for an empty slice.
func Argmax(values []float32) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

func outsideUnit(v float32) bool {
	return !(v >= 0 && v <= 1)
}

// isDistribution reports whether probs are finite, non-negative and sum to
// 1 within sumTolerance. The sum is returned for logging.
func isDistribution(probs []float32) (float64, bool) {
	var sum float64
	for _, p := range probs {
		if p < 0 || math.IsNaN(float64(p)) || math.IsInf(float64(p), 0) {
			return math.NaN(), false
		}
		sum += float64(p)
	}
	return sum, math.Abs(sum-1) <= sumTolerance
}

// rank returns the topK labels by probability; ties keep schema order.
func (s *Service) rank(probs []float32) []Score {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return probs[order[a]] > probs[order[b]]
	})
	if len(order) > s.topK {
		order = order[:s.topK]
	}
	labels := s.schema.Labels()
	return lo.Map(order, func(i int, _ int) Score {
		return Score{Label: labels[i], Probability: probs[i]}
	})
}

func (s *Service) cached(ctx context.Context, key string) (*Result, bool) {
	opLogger := logging.WithOperation(s.logger, "inference.cache_get", logging.RequestID(ctx))

	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		opLogger.Warn("failed to read result cache", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		opLogger.Warn("failed to decode cached result", zap.Error(err))
		return nil, false
	}
	if len(result.Distribution) != s.schema.Len() {
		opLogger.Warn("cached result does not match label schema", zap.Int("entries", len(result.Distribution)))
		return nil, false
	}
	if !s.schema.Contains(result.Label) {
		opLogger.Warn("cached result has unknown label", zap.String("label", result.Label))
		return nil, false
	}
	// Facts always come from the running knowledge base, never the entry.
	result.Fact = s.kb.Lookup(result.Label)
	_, result.Known = s.kb.Get(result.Label)
	return &result, true
}

func (s *Service) store(ctx context.Context, key string, result *Result) {
	opLogger := logging.WithOperation(s.logger, "inference.cache_set", logging.RequestID(ctx))

	raw, err := json.Marshal(result)
	if err != nil {
		opLogger.Warn("failed to encode result", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
		opLogger.Warn("failed to write result cache", zap.Error(err))
	}
}

func cacheKey(fingerprint string, data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("leaf:classify:%s:%s", fingerprint, hex.EncodeToString(sum[:]))
}
